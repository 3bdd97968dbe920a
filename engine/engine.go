package engine

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-offline/fallback"
	"github.com/saiset-co/sai-offline/lifecycle"
	"github.com/saiset-co/sai-offline/replay"
	"github.com/saiset-co/sai-offline/strategy"
	"github.com/saiset-co/sai-offline/types"
	"github.com/saiset-co/sai-offline/utils"
)

type State int32

const (
	StateStopped State = iota
	StateRunning
	StateStopping
)

// Store is what the engine needs from the bounded cache on top of the
// executor's read/write path.
type Store interface {
	strategy.Store
	Clear(ctx context.Context, name string) (int, error)
	AllStats() []types.BucketStats
	Counters() (hits, misses, evictions uint64)
}

// Engine answers intercepted requests for the current generation and
// implements the control surface.
type Engine struct {
	lifecycle *lifecycle.Manager
	store     Store
	fetcher   types.Fetcher
	executor  *strategy.Executor
	queue     *replay.Queue
	logger    types.Logger
	metrics   types.MetricsManager
	clock     types.Clock

	fallbacks   atomic.Uint64
	passthrough atomic.Uint64
	queued      atomic.Uint64

	online    atomic.Bool
	replaying atomic.Bool

	state  atomic.Value
	bgMu   sync.Mutex
	bg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// New wires the engine. queue may be nil when deferred replay is disabled.
func New(lc *lifecycle.Manager, store Store, fetcher types.Fetcher, queue *replay.Queue, logger types.Logger, metrics types.MetricsManager, clock types.Clock) *Engine {
	if clock == nil {
		clock = types.SystemClock
	}

	e := &Engine{
		lifecycle: lc,
		store:     store,
		queue:     queue,
		logger:    logger,
		metrics:   metrics,
		clock:     clock,
	}
	e.fetcher = &trackedFetcher{engine: e, next: fetcher}
	e.executor = strategy.NewExecutor(store, e.fetcher, logger, metrics, clock)
	e.online.Store(true)
	e.state.Store(StateStopped)

	return e
}

func (e *Engine) Start() error {
	e.bgMu.Lock()
	defer e.bgMu.Unlock()

	if !e.transitionState(StateStopped, StateRunning) {
		return types.ErrServerAlreadyRunning
	}

	e.ctx, e.cancel = context.WithCancel(context.Background())

	e.logger.Info("Engine started")
	return nil
}

func (e *Engine) Stop() error {
	e.bgMu.Lock()
	if !e.transitionState(StateRunning, StateStopping) {
		e.bgMu.Unlock()
		return types.ErrServerNotRunning
	}
	e.bgMu.Unlock()

	defer e.setState(StateStopped)

	e.cancel()
	e.bg.Wait()

	e.logger.Info("Engine stopped")
	return nil
}

func (e *Engine) IsRunning() bool {
	return e.getState() == StateRunning
}

func (e *Engine) Lifecycle() *lifecycle.Manager {
	return e.lifecycle
}

// HandleRequest serves one intercepted request. The returned response is
// always usable; an error is returned only when ctx ended first.
func (e *Engine) HandleRequest(ctx context.Context, req *types.Request) (*types.Response, error) {
	gen, release, err := e.lifecycle.Acquire()
	if err != nil {
		return e.withoutGeneration(ctx, req, err)
	}
	defer release()

	var resp *types.Response
	if req.IsSafe() {
		resp = e.serve(ctx, gen, req)
	} else {
		resp = e.write(ctx, gen, req)
	}

	if resp == nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}

	e.record(resp)
	return resp, nil
}

func (e *Engine) serve(ctx context.Context, gen *lifecycle.Generation, req *types.Request) *types.Response {
	rule, ok := gen.Classifier().Classify(req)
	if !ok {
		resp, err := e.passthroughFetch(ctx, req)
		if err != nil {
			return e.fallback(ctx, gen, req, err)
		}
		return resp
	}

	bucket, ok := gen.Bucket(rule.Bucket)
	if !ok {
		// rule buckets are checked at install
		return e.unavailable(req, types.Errorf(types.ErrBucketNotFound, "bucket %q", rule.Bucket))
	}

	resp, err := e.executor.Execute(ctx, gen, req, rule, bucket)
	if err != nil {
		return e.fallback(ctx, gen, req, err)
	}
	return resp
}

// write forwards a non-idempotent request. When the network is down and a
// sync rule matches, the request is queued for replay and answered 202.
func (e *Engine) write(ctx context.Context, gen *lifecycle.Generation, req *types.Request) *types.Response {
	resp, err := e.passthroughFetch(ctx, req)
	if err == nil {
		return resp
	}

	if e.queue != nil && types.IsError(err, types.ErrNetwork) && ctx.Err() == nil {
		if tag, ok := e.queue.Match(req); ok {
			task, qErr := e.queue.Enqueue(ctx, tag, req)
			if qErr == nil {
				e.queued.Add(1)
				return queuedResponse(task)
			}
			e.logger.Error("Failed to queue request for replay",
				zap.String("tag", tag),
				zap.String("uri", req.URI()),
				zap.Error(qErr))
		}
	}

	return e.fallback(ctx, gen, req, err)
}

func (e *Engine) passthroughFetch(ctx context.Context, req *types.Request) (*types.Response, error) {
	resp, err := e.fetcher.Fetch(ctx, req)
	if err != nil {
		return nil, err
	}

	e.passthrough.Add(1)
	resp.Source = types.SourcePassthrough
	return resp, nil
}

func (e *Engine) fallback(ctx context.Context, gen *lifecycle.Generation, req *types.Request, cause error) *types.Response {
	if ctx.Err() != nil {
		return nil
	}

	resp, err := gen.Resolver().Resolve(ctx, req)
	if err != nil {
		e.logger.Warn("No fallback for failed request",
			zap.String("uri", req.URI()),
			zap.String("version", gen.Version()),
			zap.NamedError("cause", cause),
			zap.Error(err))
		return e.unavailable(req, err)
	}

	e.fallbacks.Add(1)
	e.logger.Debug("Serving offline fallback",
		zap.String("uri", req.URI()),
		zap.String("category", resp.Headers[fallback.HeaderFallback]),
		zap.NamedError("cause", cause))
	return resp
}

func (e *Engine) withoutGeneration(ctx context.Context, req *types.Request, cause error) (*types.Response, error) {
	resp, err := e.passthroughFetch(ctx, req)
	if err == nil {
		e.record(resp)
		return resp, nil
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	e.logger.Warn("Request failed with no active generation",
		zap.String("uri", req.URI()),
		zap.NamedError("generation", cause),
		zap.Error(err))

	resp = e.unavailable(req, types.Errorf(types.ErrFallbackUnavailable, "%v", cause))
	e.record(resp)
	return resp, nil
}

// unavailable is the only explicit failure the engine hands to a client.
func (e *Engine) unavailable(req *types.Request, err error) *types.Response {
	body, mErr := utils.Marshal(map[string]interface{}{
		"error": types.ControlError{
			Code:    "fallback_unavailable",
			Message: err.Error(),
		},
		"uri": req.URI(),
	})
	if mErr != nil {
		body = []byte(`{"error":{"code":"fallback_unavailable"}}`)
	}

	return &types.Response{
		Status:      http.StatusServiceUnavailable,
		Body:        body,
		ContentType: "application/json",
		Headers:     map[string]string{"Cache-Control": "no-store"},
		Source:      types.SourceEngine,
		Degraded:    true,
	}
}

func queuedResponse(task *types.SyncTask) *types.Response {
	body, err := utils.Marshal(map[string]interface{}{
		"queued": true,
		"id":     task.ID,
		"tag":    task.Tag,
	})
	if err != nil {
		body = nil
	}

	return &types.Response{
		Status:      http.StatusAccepted,
		Body:        body,
		ContentType: "application/json",
		Headers:     map[string]string{"Cache-Control": "no-store"},
		Source:      types.SourceQueued,
		Degraded:    true,
	}
}

// goBackground runs fn until the engine stops. It reports false once the
// engine is no longer running.
func (e *Engine) goBackground(name string, fn func(ctx context.Context)) bool {
	e.bgMu.Lock()
	defer e.bgMu.Unlock()

	if !e.IsRunning() {
		return false
	}

	e.bg.Add(1)
	go func() {
		defer e.bg.Done()
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("Engine task panicked", zap.String("task", name), zap.Any("panic", r))
			}
		}()
		fn(e.ctx)
	}()

	return true
}

func (e *Engine) record(resp *types.Response) {
	if e.metrics == nil || resp == nil {
		return
	}

	degraded := "false"
	if resp.Degraded {
		degraded = "true"
	}

	e.metrics.Counter("engine_responses_total", map[string]string{
		"source":   string(resp.Source),
		"degraded": degraded,
	}).Inc()
}

func (e *Engine) getState() State {
	return e.state.Load().(State)
}

func (e *Engine) setState(newState State) bool {
	currentState := e.getState()
	return e.state.CompareAndSwap(currentState, newState)
}

func (e *Engine) transitionState(from, to State) bool {
	return e.state.CompareAndSwap(from, to)
}
