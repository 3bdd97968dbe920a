package control

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/saiset-co/sai-offline/logger"
	"github.com/saiset-co/sai-offline/types"
	"github.com/saiset-co/sai-offline/utils"
)

func serveControl(t *testing.T, ch *Channel) *fasthttp.Client {
	t.Helper()

	ln := fasthttputil.NewInmemoryListener()
	go func() {
		_ = fasthttp.Serve(ln, HTTPHandler(ch, logger.NewNopLogger()))
	}()
	t.Cleanup(func() { _ = ln.Close() })

	return &fasthttp.Client{Dial: func(string) (net.Conn, error) { return ln.Dial() }}
}

func doControl(t *testing.T, client *fasthttp.Client, method, body string) (int, *types.ControlReply) {
	t.Helper()

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI("http://engine.test/__sai/control")
	req.Header.SetMethod(method)
	req.SetBodyString(body)

	require.NoError(t, client.Do(req, resp))

	if resp.StatusCode() == fasthttp.StatusMethodNotAllowed {
		return resp.StatusCode(), nil
	}

	var reply types.ControlReply
	require.NoError(t, utils.Unmarshal(resp.Body(), &reply))
	return resp.StatusCode(), &reply
}

func TestHTTPHandlerDispatches(t *testing.T) {
	client := serveControl(t, startChannel(t, &fakeHandler{}))

	status, reply := doControl(t, client, fasthttp.MethodPost, `{"id":"7","command":"replaySync"}`)
	assert.Equal(t, fasthttp.StatusOK, status)
	assert.True(t, reply.OK)
	assert.Equal(t, "7", reply.ID)

	status, reply = doControl(t, client, fasthttp.MethodPost, `{"id":"8","command":"nope"}`)
	assert.Equal(t, fasthttp.StatusOK, status)
	assert.False(t, reply.OK)
	assert.Equal(t, "unknown_command", reply.Error.Code)
}

func TestHTTPHandlerRejectsBadRequests(t *testing.T) {
	client := serveControl(t, startChannel(t, &fakeHandler{}))

	status, _ := doControl(t, client, fasthttp.MethodGet, "")
	assert.Equal(t, fasthttp.StatusMethodNotAllowed, status)

	status, reply := doControl(t, client, fasthttp.MethodPost, `{not json`)
	assert.Equal(t, fasthttp.StatusBadRequest, status)
	assert.Equal(t, "invalid_payload", reply.Error.Code)
}

func TestHTTPHandlerClosedChannel(t *testing.T) {
	ch := NewChannel(&fakeHandler{}, nil, logger.NewNopLogger(), nil)
	client := serveControl(t, ch)

	status, reply := doControl(t, client, fasthttp.MethodPost, `{"id":"1","command":"getStats"}`)
	assert.Equal(t, fasthttp.StatusServiceUnavailable, status)
	assert.Equal(t, "1", reply.ID)
	assert.Equal(t, "channel_closed", reply.Error.Code)
}
