package service

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"

	"github.com/saiset-co/sai-offline/types"
)

const configTemplate = `
name: service-test
version: "1.0.0"
logger:
  level: error
server:
  http:
    host: 127.0.0.1
    port: %d
    shutdown_timeout: 2s
upstream:
  base_url: %s
  timeout: 2s
engine:
  version: %s
  precache_bucket: precache
  precache_limit: 1048576
  drain_timeout: 1s
  buckets:
    - name: assets
      size_limit: 1048576
  rules:
    - pattern: /static/**
      strategy: cache_first
      bucket: assets
  manifest:
    - /index.html
  fallbacks:
    - category: navigation
      key: /offline.html
`

func startOrigin(t *testing.T) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	origin := &fasthttp.Server{
		Handler: func(ctx *fasthttp.RequestCtx) {
			ctx.SetContentType("text/plain")
			ctx.SetBodyString("origin:" + string(ctx.Path()))
		},
	}
	go func() { _ = origin.Serve(ln) }()
	t.Cleanup(func() { _ = origin.Shutdown() })

	return "http://" + ln.Addr().String()
}

func freePort(t *testing.T) int {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	return ln.Addr().(*net.TCPAddr).Port
}

func writeConfig(t *testing.T, path string, port int, upstream, version string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf(configTemplate, port, upstream, version)), 0o600))
}

func get(t *testing.T, url string) *fasthttp.Response {
	t.Helper()

	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	req.SetRequestURI(url)

	resp := &fasthttp.Response{}
	require.NoError(t, fasthttp.DoTimeout(req, resp, 2*time.Second))
	return resp
}

func TestServiceServesThroughEngine(t *testing.T) {
	origin := startOrigin(t)
	port := freePort(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, port, origin, "v1")

	svc, err := NewService(context.Background(), path)
	require.NoError(t, err)

	started := make(chan error, 1)
	go func() { started <- svc.Start() }()

	require.Eventually(t, svc.IsRunning, 5*time.Second, 10*time.Millisecond)
	base := fmt.Sprintf("http://127.0.0.1:%d", port)

	first := get(t, base+"/static/app.js")
	assert.Equal(t, fasthttp.StatusOK, first.StatusCode())
	assert.Equal(t, "origin:/static/app.js", string(first.Body()))
	assert.Equal(t, string(types.SourceNetwork), string(first.Header.Peek("X-Sai-Source")))

	second := get(t, base+"/static/app.js")
	assert.Equal(t, string(types.SourceCache), string(second.Header.Peek("X-Sai-Source")))

	health := get(t, base+"/__sai/health")
	assert.Equal(t, fasthttp.StatusOK, health.StatusCode())
	assert.True(t, strings.Contains(string(health.Body()), `"generation"`))

	assert.Equal(t, "v1", svc.Engine().Lifecycle().CurrentInfo().Version)

	writeConfig(t, path, port, origin, "v2")
	require.NoError(t, svc.Reload(context.Background()))
	assert.Equal(t, "v2", svc.Engine().Lifecycle().CurrentInfo().Version)

	require.NoError(t, svc.Stop())
	select {
	case <-svc.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("service did not stop")
	}

	select {
	case err := <-started:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return")
	}
	assert.False(t, svc.IsRunning())
	assert.ErrorIs(t, svc.Stop(), types.ErrServiceIsNotRunning)
}

func TestNewServiceRequiresConfig(t *testing.T) {
	_, err := NewService(context.Background(), "")
	assert.ErrorIs(t, err, types.ErrConfigInvalidPath)

	_, err = NewService(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
