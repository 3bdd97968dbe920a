package client

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/saiset-co/sai-offline/logger"
	"github.com/saiset-co/sai-offline/types"
)

func newTestUpstream(t *testing.T, handler fasthttp.RequestHandler, cfg types.UpstreamConfig, opts ...Option) *Upstream {
	t.Helper()

	ln := fasthttputil.NewInmemoryListener()
	go func() {
		_ = fasthttp.Serve(ln, handler)
	}()
	t.Cleanup(func() { _ = ln.Close() })

	cfg.BaseURL = "http://upstream.test"
	opts = append([]Option{
		WithDialer(func(string) (net.Conn, error) { return ln.Dial() }),
		WithRetryBackoff(time.Millisecond),
	}, opts...)

	u, err := NewUpstream(&cfg, logger.NewNopLogger(), nil, opts...)
	require.NoError(t, err)
	require.NoError(t, u.Start())
	t.Cleanup(func() { _ = u.Stop() })

	return u
}

func TestFetchReturnsAnyStatus(t *testing.T) {
	u := newTestUpstream(t, func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusNotFound)
		ctx.SetContentType("text/plain")
		ctx.Response.Header.Set("Cache-Control", "max-age=60")
		ctx.SetBodyString("nope")
	}, types.UpstreamConfig{})

	req, err := types.NewRequest("GET", "/missing")
	require.NoError(t, err)

	resp, err := u.Fetch(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 404, resp.Status)
	assert.Equal(t, "nope", string(resp.Body))
	assert.Equal(t, "text/plain", resp.ContentType)
	assert.Equal(t, "max-age=60", resp.Headers["Cache-Control"])
	assert.Equal(t, types.SourceNetwork, resp.Source)
	assert.True(t, u.Online())
}

func TestFetchForwardsRequest(t *testing.T) {
	var seenURI, seenHeader, seenEncoding, seenBody atomic.Value

	u := newTestUpstream(t, func(ctx *fasthttp.RequestCtx) {
		seenURI.Store(string(ctx.RequestURI()))
		seenHeader.Store(string(ctx.Request.Header.Peek("X-Client")))
		seenEncoding.Store(string(ctx.Request.Header.Peek("Accept-Encoding")))
		seenBody.Store(string(ctx.PostBody()))
		ctx.SetBodyString("ok")
	}, types.UpstreamConfig{})

	req, err := types.NewRequest("POST", "/api/items?b=2&a=1")
	require.NoError(t, err)
	req.SetHeader("X-Client", "tests")
	req.SetHeader("Accept-Encoding", "gzip")
	req.Body = []byte(`{"name":"x"}`)

	_, err = u.Fetch(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, "/api/items?b=2&a=1", seenURI.Load())
	assert.Equal(t, "tests", seenHeader.Load())
	assert.Equal(t, "", seenEncoding.Load())
	assert.Equal(t, `{"name":"x"}`, seenBody.Load())
}

func TestFetchTransportErrorRetries(t *testing.T) {
	var dials atomic.Int32
	dialErr := errors.New("connection refused")

	u := newTestUpstream(t, func(ctx *fasthttp.RequestCtx) {}, types.UpstreamConfig{Retries: 2},
		WithDialer(func(string) (net.Conn, error) {
			dials.Add(1)
			return nil, dialErr
		}))

	req, err := types.NewRequest("GET", "/")
	require.NoError(t, err)

	_, err = u.Fetch(context.Background(), req)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrNetwork)
	assert.GreaterOrEqual(t, dials.Load(), int32(3))
	assert.False(t, u.Online())
}

func TestFetchHonoursContext(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	u := newTestUpstream(t, func(ctx *fasthttp.RequestCtx) {
		<-release
		ctx.SetBodyString("late")
	}, types.UpstreamConfig{Timeout: 5 * time.Second})

	req, err := types.NewRequest("GET", "/slow")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = u.Fetch(ctx, req)
	assert.ErrorIs(t, err, types.ErrNetwork)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestFetchCircuitBreakerOpens(t *testing.T) {
	var dials atomic.Int32

	u := newTestUpstream(t, func(ctx *fasthttp.RequestCtx) {}, types.UpstreamConfig{
		CircuitBreaker: &types.CircuitBreakerConfig{
			Enabled:          true,
			FailureThreshold: 2,
			RecoveryTimeout:  time.Hour,
		},
	}, WithDialer(func(string) (net.Conn, error) {
		dials.Add(1)
		return nil, errors.New("unreachable")
	}))

	req, err := types.NewRequest("GET", "/")
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err = u.Fetch(context.Background(), req)
		require.ErrorIs(t, err, types.ErrNetwork)
	}
	dialed := dials.Load()

	_, err = u.Fetch(context.Background(), req)
	assert.ErrorIs(t, err, types.ErrCircuitBreakerOpen)
	assert.ErrorIs(t, err, types.ErrNetwork)
	assert.Equal(t, dialed, dials.Load())
	assert.Equal(t, StateBreakerOpen, u.Breaker().State())
}

func TestFetchNotRunning(t *testing.T) {
	u, err := NewUpstream(&types.UpstreamConfig{BaseURL: "http://upstream.test"}, logger.NewNopLogger(), nil)
	require.NoError(t, err)

	req, err := types.NewRequest("GET", "/")
	require.NoError(t, err)

	_, err = u.Fetch(context.Background(), req)
	assert.ErrorIs(t, err, types.ErrNetwork)
}

func TestNewUpstreamRequiresBaseURL(t *testing.T) {
	_, err := NewUpstream(&types.UpstreamConfig{}, logger.NewNopLogger(), nil)
	assert.ErrorIs(t, err, types.ErrInvalidParameter)
}
