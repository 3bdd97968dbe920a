package server

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/saiset-co/sai-offline/logger"
	"github.com/saiset-co/sai-offline/middleware"
	"github.com/saiset-co/sai-offline/types"
)

type fakeEngine struct {
	mu   sync.Mutex
	seen []*types.Request
	resp *types.Response
	err  error
}

func (f *fakeEngine) HandleRequest(_ context.Context, req *types.Request) (*types.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, req)
	return f.resp, f.err
}

func (f *fakeEngine) last() *types.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.seen[len(f.seen)-1]
}

type fakeBinder struct {
	mu       sync.Mutex
	bound    []string
	released []string
}

func (b *fakeBinder) BindClient(clientID string) (*types.GenerationInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bound = append(b.bound, clientID)
	return &types.GenerationInfo{Version: "v1"}, nil
}

func (b *fakeBinder) ReleaseClient(_ context.Context, clientID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.released = append(b.released, clientID)
}

func startServer(t *testing.T, engine Engine, setup func(*FastHTTPServer)) *fasthttp.Client {
	t.Helper()

	config := &types.ServerConfig{HTTP: &types.HTTPConfig{WriteTimeout: time.Second, ShutdownTimeout: time.Second}}
	srv := NewHTTPServer(context.Background(), config, engine,
		middleware.NewManager(nil, logger.NewNopLogger(), nil), nil, logger.NewNopLogger(), nil)

	if setup != nil {
		setup(srv)
	}

	ln := fasthttputil.NewInmemoryListener()
	require.NoError(t, srv.Serve(ln))
	t.Cleanup(func() { _ = srv.Stop() })

	return &fasthttp.Client{Dial: func(string) (net.Conn, error) { return ln.Dial() }}
}

func do(t *testing.T, client *fasthttp.Client, method, uri string, headers map[string]string, body string) *fasthttp.Response {
	t.Helper()

	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)

	req.Header.SetMethod(method)
	req.SetRequestURI("http://proxy.test" + uri)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if body != "" {
		req.SetBodyString(body)
	}

	resp := &fasthttp.Response{}
	require.NoError(t, client.DoTimeout(req, resp, time.Second))
	return resp
}

func TestProxyTranslatesRequestAndResponse(t *testing.T) {
	engine := &fakeEngine{resp: &types.Response{
		Status:      fasthttp.StatusOK,
		Body:        []byte("cached"),
		ContentType: "text/css",
		Headers:     map[string]string{"Etag": `"v1"`, "Content-Length": "99"},
		Source:      types.SourceCache,
		Degraded:    true,
	}}
	client := startServer(t, engine, nil)

	resp := do(t, client, fasthttp.MethodPost, "/static/app.css?b=2&a=1",
		map[string]string{"Sec-Fetch-Mode": "navigate", "Accept": "text/css"}, "payload")

	assert.Equal(t, fasthttp.StatusOK, resp.StatusCode())
	assert.Equal(t, "cached", string(resp.Body()))
	assert.Equal(t, "text/css", string(resp.Header.ContentType()))
	assert.Equal(t, `"v1"`, string(resp.Header.Peek("Etag")))
	assert.Equal(t, "cache", string(resp.Header.Peek(middleware.HeaderSource)))
	assert.Equal(t, "true", string(resp.Header.Peek(HeaderDegraded)))

	req := engine.last()
	assert.Equal(t, fasthttp.MethodPost, req.Method)
	assert.Equal(t, "/static/app.css", req.Path)
	assert.Equal(t, "b=2&a=1", req.Query)
	assert.Equal(t, "text/css", req.Header("Accept"))
	assert.Equal(t, "payload", string(req.Body))
	assert.Equal(t, types.ModeNavigate, req.Mode)
}

func TestReservedRoutesBypassEngine(t *testing.T) {
	engine := &fakeEngine{resp: &types.Response{Status: fasthttp.StatusOK, Source: types.SourceNetwork}}
	client := startServer(t, engine, func(srv *FastHTTPServer) {
		require.NoError(t, srv.Handle(fasthttp.MethodGet, "/__sai/health", func(ctx *fasthttp.RequestCtx) {
			ctx.SetBodyString("ok")
		}))
		assert.ErrorIs(t, srv.Handle(fasthttp.MethodGet, "/nil", nil), types.ErrHandlerIsNil)
	})

	resp := do(t, client, fasthttp.MethodGet, "/__sai/health", nil, "")
	assert.Equal(t, "ok", string(resp.Body()))

	resp = do(t, client, fasthttp.MethodPost, "/__sai/health", nil, "")
	assert.Equal(t, "network", string(resp.Header.Peek(middleware.HeaderSource)))
	assert.Len(t, engine.seen, 1)
}

func TestEngineErrorBecomes503(t *testing.T) {
	client := startServer(t, &fakeEngine{err: context.DeadlineExceeded}, nil)

	resp := do(t, client, fasthttp.MethodGet, "/slow", nil, "")
	assert.Equal(t, fasthttp.StatusServiceUnavailable, resp.StatusCode())
	assert.Contains(t, string(resp.Body()), `"code":"cancelled"`)
}

func TestClientBinding(t *testing.T) {
	binder := &fakeBinder{}
	engine := &fakeEngine{resp: &types.Response{Status: fasthttp.StatusOK, Source: types.SourceCache}}
	client := startServer(t, engine, func(srv *FastHTTPServer) {
		require.NoError(t, srv.BindClients(binder))
	})

	do(t, client, fasthttp.MethodGet, "/", map[string]string{HeaderClient: "tab-1", "Sec-Fetch-Mode": "navigate"}, "")
	do(t, client, fasthttp.MethodGet, "/app.js", map[string]string{HeaderClient: "tab-1"}, "")

	resp := do(t, client, fasthttp.MethodDelete, ClientsPath, map[string]string{HeaderClient: "tab-1"}, "")
	assert.Equal(t, fasthttp.StatusNoContent, resp.StatusCode())

	resp = do(t, client, fasthttp.MethodDelete, ClientsPath, nil, "")
	assert.Equal(t, fasthttp.StatusBadRequest, resp.StatusCode())

	assert.Equal(t, []string{"tab-1"}, binder.bound)
	assert.Equal(t, []string{"tab-1"}, binder.released)
}

func TestServeTwice(t *testing.T) {
	config := &types.ServerConfig{HTTP: &types.HTTPConfig{}}
	srv := NewHTTPServer(context.Background(), config, &fakeEngine{}, nil, nil, logger.NewNopLogger(), nil)

	require.NoError(t, srv.Serve(fasthttputil.NewInmemoryListener()))
	assert.ErrorIs(t, srv.Serve(fasthttputil.NewInmemoryListener()), types.ErrServerAlreadyRunning)
	assert.ErrorIs(t, srv.Handle(fasthttp.MethodGet, "/late", func(*fasthttp.RequestCtx) {}), types.ErrServerAlreadyRunning)
	require.NoError(t, srv.Stop())
	assert.ErrorIs(t, srv.Stop(), types.ErrServerNotRunning)
}
