package strategy

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/saiset-co/sai-offline/cache"
	"github.com/saiset-co/sai-offline/types"
)

// Store is the slice of the bounded cache the executor needs.
type Store interface {
	Get(ctx context.Context, bucket, key string) (*types.CacheEntry, error)
	Put(ctx context.Context, bucket string, entry *types.CacheEntry) error
}

// Executor serves classified requests with one of the three strategies. A
// returned error means both cache and network were exhausted; callers then
// resolve an offline fallback.
type Executor struct {
	store   Store
	fetcher types.Fetcher
	logger  types.Logger
	metrics types.MetricsManager
	clock   types.Clock
	group   singleflight.Group

	networkFetches atomic.Uint64
	networkErrors  atomic.Uint64
	quotaRejects   atomic.Uint64
	revalidations  atomic.Uint64
}

type Counters struct {
	NetworkFetches uint64
	NetworkErrors  uint64
	QuotaRejects   uint64
	Revalidations  uint64
}

func NewExecutor(store Store, fetcher types.Fetcher, logger types.Logger, metrics types.MetricsManager, clock types.Clock) *Executor {
	if clock == nil {
		clock = types.SystemClock
	}

	return &Executor{
		store:   store,
		fetcher: fetcher,
		logger:  logger,
		metrics: metrics,
		clock:   clock,
	}
}

// Execute runs rule against req using bucket as the physical bucket name. bg
// owns any detached revalidation the call starts.
func (e *Executor) Execute(ctx context.Context, bg types.Background, req *types.Request, rule *types.StrategyRule, bucket string) (*types.Response, error) {
	start := time.Now()

	var resp *types.Response
	var err error

	switch rule.Strategy {
	case types.CacheFirst:
		resp, err = e.cacheFirst(ctx, req, rule, bucket)
	case types.NetworkFirst:
		resp, err = e.networkFirst(ctx, req, rule, bucket)
	case types.StaleWhileRevalidate:
		resp, err = e.staleWhileRevalidate(ctx, bg, req, bucket)
	default:
		return nil, types.Errorf(types.ErrStrategyUnknown, "strategy %d", rule.Strategy)
	}

	e.recordExecution(rule.Strategy, resp, err, time.Since(start))
	return resp, err
}

func (e *Executor) Counters() Counters {
	return Counters{
		NetworkFetches: e.networkFetches.Load(),
		NetworkErrors:  e.networkErrors.Load(),
		QuotaRejects:   e.quotaRejects.Load(),
		Revalidations:  e.revalidations.Load(),
	}
}

func (e *Executor) cacheFirst(ctx context.Context, req *types.Request, rule *types.StrategyRule, bucket string) (*types.Response, error) {
	key := req.CacheKey()

	if entry, ok := e.lookup(ctx, bucket, key); ok && e.fresh(entry, rule.MaxAge) {
		return types.ResponseFromEntry(entry, types.SourceCache), nil
	}

	resp, err := e.fetch(ctx, req)
	if err != nil {
		return nil, err
	}

	e.save(ctx, bucket, key, resp)
	return resp, nil
}

type fetchResult struct {
	resp *types.Response
	err  error
}

// networkFirst races the fetch against rule.NetworkTimeout. The timer only
// ends the wait: the fetch keeps running, bounded by the upstream timeout
// rather than the caller, and its late result is dropped.
func (e *Executor) networkFirst(ctx context.Context, req *types.Request, rule *types.StrategyRule, bucket string) (*types.Response, error) {
	key := req.CacheKey()
	done := make(chan fetchResult, 1)
	fetchCtx := context.WithoutCancel(ctx)

	go func() {
		resp, err := e.fetch(fetchCtx, req)
		done <- fetchResult{resp: resp, err: err}
	}()

	var timeout <-chan time.Time
	if rule.NetworkTimeout > 0 {
		timer := time.NewTimer(rule.NetworkTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	var netErr error
	select {
	case result := <-done:
		if result.err == nil {
			e.save(ctx, bucket, key, result.resp)
			return result.resp, nil
		}
		netErr = result.err
	case <-timeout:
		netErr = types.Errorf(types.ErrTimeoutExceeded, "%s after %s", req.URI(), rule.NetworkTimeout)
	case <-ctx.Done():
		netErr = types.Errorf(types.ErrNetwork, "%s: %v", req.URI(), ctx.Err())
	}

	if entry, ok := e.lookup(ctx, bucket, key); ok {
		resp := types.ResponseFromEntry(entry, types.SourceCache)
		resp.Degraded = true
		return resp, nil
	}

	return nil, netErr
}

func (e *Executor) staleWhileRevalidate(ctx context.Context, bg types.Background, req *types.Request, bucket string) (*types.Response, error) {
	key := req.CacheKey()

	if entry, ok := e.lookup(ctx, bucket, key); ok {
		resp := types.ResponseFromEntry(entry, types.SourceCache)
		e.revalidate(bg, req, bucket, key)
		return resp, nil
	}

	resp, err := e.fetch(ctx, req)
	if err != nil {
		return nil, err
	}

	e.save(ctx, bucket, key, resp)
	return resp, nil
}

// revalidate refreshes key in the background. Concurrent revalidations of
// the same bucket and key share one fetch.
func (e *Executor) revalidate(bg types.Background, req *types.Request, bucket, key string) {
	if bg == nil {
		return
	}

	detached := req.Clone()
	started := bg.Go("revalidate", func(ctx context.Context) {
		_, _, _ = e.group.Do(bucket+"\x00"+key, func() (interface{}, error) {
			e.revalidations.Add(1)

			resp, err := e.fetch(ctx, detached)
			if err != nil {
				e.logger.Debug("Background revalidation failed",
					zap.String("bucket", bucket),
					zap.String("key", key),
					zap.Error(err))
				return nil, nil
			}

			if ctx.Err() != nil {
				return nil, nil
			}

			e.save(ctx, bucket, key, resp)
			return nil, nil
		})
	})

	if !started {
		e.logger.Debug("Revalidation skipped, generation retired",
			zap.String("bucket", bucket),
			zap.String("key", key))
	}
}

func (e *Executor) fetch(ctx context.Context, req *types.Request) (*types.Response, error) {
	e.networkFetches.Add(1)

	resp, err := e.fetcher.Fetch(ctx, req)
	if err != nil {
		e.networkErrors.Add(1)
		return nil, err
	}

	return resp, nil
}

func (e *Executor) lookup(ctx context.Context, bucket, key string) (*types.CacheEntry, bool) {
	entry, err := e.store.Get(ctx, bucket, key)
	if err != nil {
		if !cache.IsMiss(err) {
			e.logger.Warn("Cache lookup failed",
				zap.String("bucket", bucket),
				zap.String("key", key),
				zap.Error(err))
		}
		return nil, false
	}
	return entry, true
}

func (e *Executor) fresh(entry *types.CacheEntry, maxAge time.Duration) bool {
	if maxAge <= 0 {
		return true
	}
	return types.EpochMs(e.clock())-entry.StoredAtMs <= maxAge.Milliseconds()
}

// save writes a cacheable response. Quota failures are logged and the
// response is still served uncached.
func (e *Executor) save(ctx context.Context, bucket, key string, resp *types.Response) {
	if !resp.Cacheable() {
		return
	}

	storedAt := types.EpochMs(e.clock())
	err := e.store.Put(ctx, bucket, types.NewCacheEntry(key, resp, storedAt))

	switch {
	case err == nil:
		resp.StoredAtMs = storedAt
	case types.IsError(err, types.ErrStorageQuotaExceeded):
		e.quotaRejects.Add(1)
		e.logger.Warn("Response too large for bucket, serving uncached",
			zap.String("bucket", bucket),
			zap.String("key", key),
			zap.Int("size", len(resp.Body)),
			zap.Error(err))
	default:
		e.logger.Warn("Failed to store response",
			zap.String("bucket", bucket),
			zap.String("key", key),
			zap.Error(err))
	}
}

func (e *Executor) recordExecution(kind types.StrategyKind, resp *types.Response, err error, duration time.Duration) {
	if e.metrics == nil {
		return
	}

	outcome := "exhausted"
	if err == nil && resp != nil {
		outcome = string(resp.Source)
		if resp.Degraded {
			outcome += "_degraded"
		}
	}

	e.metrics.Counter("strategy_executions_total", map[string]string{
		"strategy": kind.String(),
		"outcome":  outcome,
	}).Inc()

	e.metrics.Histogram("strategy_execution_duration_seconds",
		[]float64{0.001, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
		map[string]string{"strategy": kind.String()},
	).Observe(duration.Seconds())
}
