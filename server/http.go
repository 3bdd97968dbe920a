package server

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-offline/middleware"
	"github.com/saiset-co/sai-offline/types"
	"github.com/saiset-co/sai-offline/utils"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

const (
	HeaderDegraded = "X-Sai-Degraded"
	HeaderClient   = "X-Sai-Client"
	ClientsPath    = "/__sai/clients"
)

// Engine answers intercepted requests. It returns an error only when ctx is
// done before any response could be produced.
type Engine interface {
	HandleRequest(ctx context.Context, req *types.Request) (*types.Response, error)
}

// ClientBinder ties foreground clients to the generation that served them.
type ClientBinder interface {
	BindClient(clientID string) (*types.GenerationInfo, error)
	ReleaseClient(ctx context.Context, clientID string)
}

var skipResponseHeaders = map[string]struct{}{
	fasthttp.HeaderContentLength:    {},
	fasthttp.HeaderTransferEncoding: {},
	fasthttp.HeaderConnection:       {},
	fasthttp.HeaderContentType:      {},
}

// FastHTTPServer is the proxy surface: reserved routes are served directly,
// everything else is handed to the engine.
type FastHTTPServer struct {
	ctx             context.Context
	cancel          context.CancelFunc
	logger          types.Logger
	metrics         types.MetricsManager
	middlewares     *middleware.Manager
	engine          Engine
	binder          ClientBinder
	server          *fasthttp.Server
	listener        net.Listener
	httpConfig      *types.HTTPConfig
	tlsConfig       *types.TLSConfig
	tlsManager      types.TLSManager
	routes          map[string]fasthttp.RequestHandler
	routesMu        sync.RWMutex
	state           atomic.Value
	shutdownTimeout time.Duration
}

func NewHTTPServer(
	ctx context.Context,
	config *types.ServerConfig,
	engine Engine,
	middlewares *middleware.Manager,
	tlsManager types.TLSManager,
	logger types.Logger,
	metrics types.MetricsManager) *FastHTTPServer {
	serverCtx, cancel := context.WithCancel(ctx)

	shutdownTimeout := config.HTTP.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 5 * time.Second
	}

	tlsConfig := config.TLS
	if tlsConfig == nil {
		tlsConfig = &types.TLSConfig{}
	}

	server := &FastHTTPServer{
		ctx:             serverCtx,
		cancel:          cancel,
		logger:          logger,
		metrics:         metrics,
		middlewares:     middlewares,
		engine:          engine,
		httpConfig:      config.HTTP,
		tlsConfig:       tlsConfig,
		tlsManager:      tlsManager,
		routes:          make(map[string]fasthttp.RequestHandler),
		shutdownTimeout: shutdownTimeout,
	}

	server.state.Store(StateStopped)

	return server
}

// Handle reserves method and path for handler. The named middlewares are
// left out of the handler's chain.
func (h *FastHTTPServer) Handle(method, path string, handler fasthttp.RequestHandler, disabled ...string) error {
	if handler == nil {
		return types.ErrHandlerIsNil
	}

	if h.getState() != StateStopped {
		return types.ErrServerAlreadyRunning
	}

	if h.middlewares != nil {
		handler = h.middlewares.Wrap(handler, disabled...)
	}

	h.routesMu.Lock()
	h.routes[routeKey(method, path)] = handler
	h.routesMu.Unlock()

	return nil
}

// BindClients enables client binding on navigations and the release route.
func (h *FastHTTPServer) BindClients(binder ClientBinder) error {
	h.binder = binder
	return h.Handle(fasthttp.MethodDelete, ClientsPath, h.releaseClient, "compression")
}

func (h *FastHTTPServer) Start() error {
	if h.tlsConfig.Enabled && h.tlsManager == nil {
		return types.Errorf(types.ErrServerStartFailed, "tls enabled without a certificate manager")
	}

	addr := net.JoinHostPort(h.httpConfig.Host, strconv.Itoa(h.httpConfig.Port))

	var ln net.Listener
	var err error
	if h.tlsConfig.Enabled {
		ln, err = h.tlsManager.Listen(addr)
	} else {
		ln, err = net.Listen("tcp", addr)
	}
	if err != nil {
		return types.WrapError(err, types.ErrServerStartFailed.Error())
	}

	if err = h.Serve(ln); err != nil {
		_ = ln.Close()
		return err
	}

	h.logger.Info("HTTP server started",
		zap.String("address", ln.Addr().String()),
		zap.Bool("tls", h.tlsConfig.Enabled))

	return nil
}

// Serve starts serving on ln in the background.
func (h *FastHTTPServer) Serve(ln net.Listener) error {
	if !h.transitionState(StateStopped, StateStarting) {
		return types.ErrServerAlreadyRunning
	}

	h.server = &fasthttp.Server{
		Handler:                      h.Handler(),
		Name:                         "sai-offline",
		ReadTimeout:                  h.httpConfig.ReadTimeout,
		WriteTimeout:                 h.httpConfig.WriteTimeout,
		IdleTimeout:                  h.httpConfig.IdleTimeout,
		MaxRequestBodySize:           h.httpConfig.MaxRequestBodySize,
		TCPKeepalive:                 true,
		DisablePreParseMultipartForm: true,
		CloseOnShutdown:              true,
		Logger:                       fasthttpLogger{logger: h.logger},
	}
	h.listener = ln

	server := h.server
	go func() {
		if err := server.Serve(ln); err != nil {
			h.logger.Error("HTTP server failed", zap.Error(err))
		}
	}()

	h.setState(StateRunning)
	return nil
}

func (h *FastHTTPServer) Stop() error {
	if !h.transitionState(StateRunning, StateStopping) {
		return types.ErrServerNotRunning
	}

	defer func() {
		h.setState(StateStopped)
		h.cancel()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), h.shutdownTimeout)
	defer cancel()

	if err := h.server.ShutdownWithContext(ctx); err != nil {
		h.logger.Warn("Server stop timeout, some requests may not have completed", zap.Error(err))
		return types.WrapError(err, types.ErrServerStopFailed.Error())
	}

	h.logger.Info("HTTP server stopped gracefully")
	return nil
}

func (h *FastHTTPServer) IsRunning() bool {
	return h.getState() == StateRunning
}

// Addr is the bound listener address, empty before Start.
func (h *FastHTTPServer) Addr() string {
	if h.listener == nil {
		return ""
	}
	return h.listener.Addr().String()
}

// Handler routes reserved paths and proxies the rest through the engine.
func (h *FastHTTPServer) Handler() fasthttp.RequestHandler {
	proxy := fasthttp.RequestHandler(h.proxy)
	if h.middlewares != nil {
		proxy = h.middlewares.Wrap(proxy)
	}

	return func(ctx *fasthttp.RequestCtx) {
		h.routesMu.RLock()
		handler, reserved := h.routes[routeKey(string(ctx.Method()), string(ctx.Path()))]
		h.routesMu.RUnlock()

		if reserved {
			handler(ctx)
			return
		}

		proxy(ctx)
	}
}

func (h *FastHTTPServer) proxy(ctx *fasthttp.RequestCtx) {
	req := toRequest(ctx)

	if h.binder != nil && req.Mode == types.ModeNavigate {
		if clientID := req.Header(HeaderClient); clientID != "" {
			if _, err := h.binder.BindClient(clientID); err != nil {
				h.logger.Debug("Failed to bind client", zap.String("client", clientID), zap.Error(err))
			}
		}
	}

	reqCtx, cancel := h.requestContext()
	defer cancel()

	resp, err := h.engine.HandleRequest(reqCtx, req)
	if err != nil {
		h.logger.Warn("Request abandoned", zap.String("uri", req.URI()), zap.Error(err))
		utils.WriteError(ctx, fasthttp.StatusServiceUnavailable, "cancelled", err.Error())
		return
	}

	writeResponse(ctx, resp)
}

func (h *FastHTTPServer) releaseClient(ctx *fasthttp.RequestCtx) {
	clientID := string(ctx.Request.Header.Peek(HeaderClient))
	if clientID == "" {
		utils.WriteError(ctx, fasthttp.StatusBadRequest, "invalid_payload", HeaderClient+" header is required")
		return
	}

	reqCtx, cancel := h.requestContext()
	defer cancel()

	h.binder.ReleaseClient(reqCtx, clientID)
	ctx.SetStatusCode(fasthttp.StatusNoContent)
}

func (h *FastHTTPServer) requestContext() (context.Context, context.CancelFunc) {
	if h.httpConfig.WriteTimeout > 0 {
		return context.WithTimeout(h.ctx, h.httpConfig.WriteTimeout)
	}
	return context.WithCancel(h.ctx)
}

func (h *FastHTTPServer) getState() State {
	return h.state.Load().(State)
}

func (h *FastHTTPServer) setState(newState State) bool {
	currentState := h.getState()
	return h.state.CompareAndSwap(currentState, newState)
}

func (h *FastHTTPServer) transitionState(from, to State) bool {
	return h.state.CompareAndSwap(from, to)
}

func routeKey(method, path string) string {
	return method + " " + path
}

func toRequest(ctx *fasthttp.RequestCtx) *types.Request {
	req := &types.Request{
		Method:  string(ctx.Method()),
		Path:    string(ctx.Path()),
		Query:   string(ctx.URI().QueryString()),
		Headers: make(map[string]string),
	}

	ctx.Request.Header.VisitAll(func(key, value []byte) {
		req.Headers[string(key)] = string(value)
	})

	if body := ctx.Request.Body(); len(body) > 0 {
		req.Body = append([]byte(nil), body...)
	}

	if utils.BytesToString(ctx.Request.Header.Peek("Sec-Fetch-Mode")) == string(types.ModeNavigate) {
		req.Mode = types.ModeNavigate
	}

	return req
}

func writeResponse(ctx *fasthttp.RequestCtx, resp *types.Response) {
	ctx.SetStatusCode(resp.Status)

	for name, value := range resp.Headers {
		if _, skip := skipResponseHeaders[name]; skip {
			continue
		}
		ctx.Response.Header.Set(name, value)
	}

	if resp.ContentType != "" {
		ctx.SetContentType(resp.ContentType)
	}

	ctx.Response.Header.Set(middleware.HeaderSource, string(resp.Source))
	if resp.Degraded {
		ctx.Response.Header.Set(HeaderDegraded, "true")
	}

	ctx.SetBody(resp.Body)
}

type fasthttpLogger struct {
	logger types.Logger
}

func (l fasthttpLogger) Printf(format string, args ...interface{}) {
	l.logger.Debug("fasthttp", zap.String("message", fmt.Sprintf(format, args...)))
}
