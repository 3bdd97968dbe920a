package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-offline/types"
)

type State int32

const (
	StateStopped State = iota
	StateRunning
	StateStopping
)

const defaultTimeout = 30 * time.Second

var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Content-Length":      {},
	"Accept-Encoding":     {},
	"Host":                {},
}

// Upstream fetches resources from the origin the proxy fronts. Any HTTP
// status is returned as a response; only transport failures are errors.
type Upstream struct {
	logger         types.Logger
	metrics        types.MetricsManager
	client         *fasthttp.Client
	baseURL        string
	config         types.UpstreamConfig
	circuitBreaker *CircuitBreaker
	state          atomic.Value
	online         atomic.Bool
	retryBackoff   time.Duration
}

// Option adjusts an Upstream before it is used.
type Option func(*Upstream)

// WithDialer replaces the TCP dialer, for example with an in-memory listener.
func WithDialer(dial fasthttp.DialFunc) Option {
	return func(u *Upstream) {
		u.client.Dial = dial
	}
}

func WithClock(clock types.Clock) Option {
	return func(u *Upstream) {
		u.circuitBreaker.clock = clock
	}
}

func WithRetryBackoff(backoff time.Duration) Option {
	return func(u *Upstream) {
		u.retryBackoff = backoff
	}
}

func NewUpstream(config *types.UpstreamConfig, logger types.Logger, metrics types.MetricsManager, opts ...Option) (*Upstream, error) {
	if config == nil || config.BaseURL == "" {
		return nil, types.Errorf(types.ErrInvalidParameter, "upstream base_url is required")
	}

	cfg := *config
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	maxConns := cfg.MaxIdleConnections
	if maxConns <= 0 {
		maxConns = fasthttp.DefaultMaxConnsPerHost
	}

	u := &Upstream{
		logger:  logger,
		metrics: metrics,
		client: &fasthttp.Client{
			ReadTimeout:              cfg.Timeout,
			WriteTimeout:             cfg.Timeout,
			MaxConnsPerHost:          maxConns,
			MaxIdleConnDuration:      cfg.IdleConnTimeout,
			NoDefaultUserAgentHeader: true,
		},
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		config:         cfg,
		circuitBreaker: NewCircuitBreaker(cfg.CircuitBreaker, logger, cfg.BaseURL, nil),
		retryBackoff:   250 * time.Millisecond,
	}

	for _, opt := range opts {
		opt(u)
	}

	u.state.Store(StateStopped)
	u.online.Store(true)

	return u, nil
}

func (u *Upstream) Start() error {
	if !u.transitionState(StateStopped, StateRunning) {
		return types.ErrServerAlreadyRunning
	}

	u.logger.Info("Upstream client started", zap.String("base_url", u.baseURL))
	return nil
}

func (u *Upstream) Stop() error {
	if !u.transitionState(StateRunning, StateStopping) {
		return types.ErrServerNotRunning
	}

	defer u.setState(StateStopped)

	u.client.CloseIdleConnections()
	u.logger.Info("Upstream client stopped", zap.String("base_url", u.baseURL))

	return nil
}

func (u *Upstream) IsRunning() bool {
	return u.getState() == StateRunning
}

// Online reports whether the last call reached the upstream.
func (u *Upstream) Online() bool {
	return u.online.Load()
}

func (u *Upstream) Breaker() *CircuitBreaker {
	return u.circuitBreaker
}

type fetchResult struct {
	resp *types.Response
	err  error
}

// Fetch performs the request. The call runs on its own goroutine so that a
// cancelled ctx abandons the wait without tearing down the connection.
func (u *Upstream) Fetch(ctx context.Context, req *types.Request) (*types.Response, error) {
	if !u.IsRunning() {
		return nil, types.Errorf(types.ErrNetwork, "upstream client is not running")
	}

	start := time.Now()
	done := make(chan fetchResult, 1)

	go func() {
		resp, err := u.executeWithRetries(ctx, req)
		done <- fetchResult{resp: resp, err: err}
	}()

	select {
	case result := <-done:
		u.recordMetrics(req.Method, result.resp, result.err, time.Since(start))
		return result.resp, result.err
	case <-ctx.Done():
		u.recordMetrics(req.Method, nil, ctx.Err(), time.Since(start))
		return nil, fmt.Errorf("%w: %s %s: %w", types.ErrNetwork, req.Method, req.URI(), ctx.Err())
	}
}

// Probe checks connectivity with a lightweight request to the probe path.
func (u *Upstream) Probe(ctx context.Context) error {
	path := u.config.ProbePath
	if path == "" {
		path = "/"
	}

	req, err := types.NewRequest(fasthttp.MethodHead, path)
	if err != nil {
		return err
	}

	_, err = u.Fetch(ctx, req)
	return err
}

func (u *Upstream) executeWithRetries(ctx context.Context, req *types.Request) (*types.Response, error) {
	var lastErr error

	for attempt := 0; attempt <= u.config.Retries; attempt++ {
		if !u.circuitBreaker.Allow() {
			u.online.Store(false)
			return nil, fmt.Errorf("%w: %s: %w", types.ErrNetwork, u.baseURL, types.ErrCircuitBreakerOpen)
		}

		resp, err := u.do(ctx, req)
		if err == nil {
			if IsCircuitBreakerFailure(resp.Status, nil) {
				u.circuitBreaker.RecordFailure()
			} else {
				u.circuitBreaker.RecordSuccess()
			}
			u.online.Store(true)
			return resp, nil
		}

		u.circuitBreaker.RecordFailure()
		lastErr = err

		if attempt < u.config.Retries {
			backoff := time.Duration(attempt+1) * u.retryBackoff

			select {
			case <-time.After(backoff):
				u.logger.Debug("Retrying upstream request",
					zap.String("uri", req.URI()),
					zap.Duration("backoff", backoff),
					zap.Error(lastErr))
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %w", types.ErrNetwork, ctx.Err())
			}
		}
	}

	u.online.Store(false)
	return nil, fmt.Errorf("%w: %d attempts to %s failed: %w", types.ErrNetwork, u.config.Retries+1, req.URI(), lastErr)
}

func (u *Upstream) do(ctx context.Context, req *types.Request) (*types.Response, error) {
	fReq := fasthttp.AcquireRequest()
	fResp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(fReq)
	defer fasthttp.ReleaseResponse(fResp)

	fReq.SetRequestURI(u.baseURL + req.URI())
	fReq.Header.SetMethod(req.Method)

	for name, value := range req.Headers {
		if _, skip := hopByHopHeaders[canonical(name)]; skip {
			continue
		}
		fReq.Header.Set(name, value)
	}

	if len(req.Body) > 0 {
		fReq.SetBody(req.Body)
	}

	deadline := time.Now().Add(u.config.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	if err := u.client.DoDeadline(fReq, fResp, deadline); err != nil {
		return nil, classifyTransportError(err)
	}

	body := make([]byte, len(fResp.Body()))
	copy(body, fResp.Body())

	headers := make(map[string]string)
	fResp.Header.VisitAll(func(key, value []byte) {
		name := canonical(string(key))
		if _, skip := hopByHopHeaders[name]; skip {
			return
		}
		headers[name] = string(value)
	})

	return &types.Response{
		Status:      fResp.StatusCode(),
		Body:        body,
		ContentType: string(fResp.Header.ContentType()),
		Headers:     headers,
		Source:      types.SourceNetwork,
	}, nil
}

func (u *Upstream) recordMetrics(method string, resp *types.Response, err error, duration time.Duration) {
	if u.metrics == nil {
		return
	}

	status := "error"
	if err == nil && resp != nil {
		status = strconv.Itoa(resp.Status)
	}

	u.metrics.Counter("upstream_requests_total", map[string]string{
		"method": method,
		"status": status,
	}).Inc()

	u.metrics.Histogram("upstream_request_duration_seconds",
		[]float64{0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
		map[string]string{"method": method},
	).Observe(duration.Seconds())
}

func (u *Upstream) getState() State {
	return u.state.Load().(State)
}

func (u *Upstream) setState(newState State) bool {
	currentState := u.getState()
	return u.state.CompareAndSwap(currentState, newState)
}

func (u *Upstream) transitionState(from, to State) bool {
	return u.state.CompareAndSwap(from, to)
}

func classifyTransportError(err error) error {
	if errors.Is(err, fasthttp.ErrTimeout) || errors.Is(err, fasthttp.ErrDialTimeout) {
		return fmt.Errorf("%w: %w", types.ErrTimeoutExceeded, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %w", types.ErrTimeoutExceeded, err)
	}

	return err
}

func canonical(name string) string {
	return http.CanonicalHeaderKey(name)
}
