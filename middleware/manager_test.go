package middleware

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"

	"github.com/saiset-co/sai-offline/logger"
	"github.com/saiset-co/sai-offline/types"
)

type tracer struct {
	name   string
	weight int
	trace  *[]string
}

func (t tracer) Name() string { return t.name }
func (t tracer) Weight() int  { return t.weight }

func (t tracer) Handle(ctx *fasthttp.RequestCtx, next fasthttp.RequestHandler) {
	*t.trace = append(*t.trace, t.name)
	next(ctx)
}

func newCtx(method, uri string, headers map[string]string) *fasthttp.RequestCtx {
	var req fasthttp.Request
	req.Header.SetMethod(method)
	req.SetRequestURI(uri)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	ctx := &fasthttp.RequestCtx{}
	ctx.Init(&req, nil, nil)
	return ctx
}

func TestWrapOrdersByWeightAndSkips(t *testing.T) {
	m := NewManager(nil, logger.NewNopLogger(), nil)

	var trace []string
	require.NoError(t, m.Register(tracer{name: "second", weight: 20, trace: &trace}))
	require.NoError(t, m.Register(tracer{name: "first", weight: 10, trace: &trace}))
	require.NoError(t, m.Register(tracer{name: "third", weight: 30, trace: &trace}))

	assert.Equal(t, []string{"first", "second", "third"}, m.Names())

	handler := func(*fasthttp.RequestCtx) { trace = append(trace, "handler") }

	m.Wrap(handler)(newCtx("GET", "/", nil))
	assert.Equal(t, []string{"first", "second", "third", "handler"}, trace)

	trace = nil
	m.Wrap(handler, "second")(newCtx("GET", "/", nil))
	assert.Equal(t, []string{"first", "third", "handler"}, trace)
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	m := NewManager(nil, logger.NewNopLogger(), nil)
	var trace []string

	require.NoError(t, m.Register(tracer{name: "a", weight: 10, trace: &trace}))
	assert.ErrorIs(t, m.Register(tracer{name: "b", weight: 10, trace: &trace}), types.ErrInvalidParameter)
	assert.ErrorIs(t, m.Register(tracer{name: "a", weight: 11, trace: &trace}), types.ErrInvalidParameter)
	assert.ErrorIs(t, m.Register(nil), types.ErrMiddlewareInvalidType)
}

func TestRegisterMiddlewaresFromConfig(t *testing.T) {
	m := NewManager(&types.MiddlewaresConfig{
		Enabled:     true,
		Recovery:    &types.MiddlewareItemConfig{Enabled: true, Weight: 10},
		Logging:     &types.MiddlewareItemConfig{Enabled: true, Weight: 20},
		Compression: &types.MiddlewareItemConfig{Enabled: false, Weight: 30},
	}, logger.NewNopLogger(), nil)

	require.NoError(t, m.RegisterMiddlewares())
	assert.Equal(t, []string{"recovery", "logging"}, m.Names())
}

func TestRecoveryTurnsPanicInto500(t *testing.T) {
	m := NewManager(nil, logger.NewNopLogger(), nil)
	require.NoError(t, m.Register(NewRecoveryMiddleware(&types.MiddlewareItemConfig{
		Params: map[string]interface{}{"stack_trace": false},
	}, logger.NewNopLogger(), nil)))

	ctx := newCtx("GET", "/boom", map[string]string{"X-Request-ID": "r-1"})
	m.Wrap(func(*fasthttp.RequestCtx) { panic("boom") })(ctx)

	assert.Equal(t, fasthttp.StatusInternalServerError, ctx.Response.StatusCode())
	assert.Equal(t, "r-1", string(ctx.Response.Header.Peek("X-Request-ID")))
	assert.Contains(t, string(ctx.Response.Body()), `"code":"internal"`)
}

func TestLoggingPassesThrough(t *testing.T) {
	mw := NewLoggingMiddleware(nil, logger.NewNopLogger(), nil)
	assert.Equal(t, 20, mw.Weight())

	ctx := newCtx("GET", "/page?x=1", map[string]string{"Authorization": "secret"})
	mw.Handle(ctx, func(ctx *fasthttp.RequestCtx) {
		ctx.Response.Header.Set(HeaderSource, "cache")
		ctx.SetStatusCode(fasthttp.StatusAccepted)
	})

	assert.Equal(t, fasthttp.StatusAccepted, ctx.Response.StatusCode())
	assert.Equal(t, "[REDACTED]", sanitizeHeaders(ctx)["Authorization"])
}

func TestCompression(t *testing.T) {
	body := strings.Repeat("offline first ", 200)

	for _, algorithm := range []string{AlgorithmGzip, AlgorithmDeflate, AlgorithmBrotli} {
		t.Run(algorithm, func(t *testing.T) {
			mw, err := NewCompressionMiddleware(&types.MiddlewareItemConfig{
				Params: map[string]interface{}{"algorithm": algorithm, "level": 6, "threshold": 64},
			}, logger.NewNopLogger(), nil)
			require.NoError(t, err)

			ctx := newCtx("GET", "/app.js", map[string]string{"Accept-Encoding": "gzip, deflate, br"})
			mw.Handle(ctx, func(ctx *fasthttp.RequestCtx) {
				ctx.SetContentType("text/plain; charset=utf-8")
				ctx.SetBodyString(body)
			})

			assert.Equal(t, algorithm, string(ctx.Response.Header.Peek(fasthttp.HeaderContentEncoding)))
			assert.Equal(t, fasthttp.HeaderAcceptEncoding, string(ctx.Response.Header.Peek(fasthttp.HeaderVary)))

			decoded, err := ctx.Response.BodyUncompressed()
			require.NoError(t, err)
			assert.Equal(t, body, string(decoded))
		})
	}
}

func TestCompressionSkips(t *testing.T) {
	mw, err := NewCompressionMiddleware(nil, logger.NewNopLogger(), nil)
	require.NoError(t, err)

	small := newCtx("GET", "/", map[string]string{"Accept-Encoding": "gzip"})
	mw.Handle(small, func(ctx *fasthttp.RequestCtx) {
		ctx.SetContentType("text/html")
		ctx.SetBodyString("tiny")
	})
	assert.Empty(t, small.Response.Header.Peek(fasthttp.HeaderContentEncoding))

	image := newCtx("GET", "/", map[string]string{"Accept-Encoding": "gzip"})
	mw.Handle(image, func(ctx *fasthttp.RequestCtx) {
		ctx.SetContentType("image/png")
		ctx.SetBodyString(strings.Repeat("x", 4096))
	})
	assert.Empty(t, image.Response.Header.Peek(fasthttp.HeaderContentEncoding))

	plain := newCtx("GET", "/", nil)
	mw.Handle(plain, func(ctx *fasthttp.RequestCtx) {
		ctx.SetContentType("text/html")
		ctx.SetBodyString(strings.Repeat("x", 4096))
	})
	assert.Empty(t, plain.Response.Header.Peek(fasthttp.HeaderContentEncoding))

	_, err = NewCompressionMiddleware(&types.MiddlewareItemConfig{
		Params: map[string]interface{}{"algorithm": "zstd"},
	}, logger.NewNopLogger(), nil)
	assert.ErrorIs(t, err, types.ErrInvalidParameter)
}
