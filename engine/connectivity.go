package engine

import (
	"context"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-offline/types"
)

// trackedFetcher watches fetch outcomes. The first success after a network
// failure starts a replay of the deferred queues.
type trackedFetcher struct {
	engine *Engine
	next   types.Fetcher
}

func (f *trackedFetcher) Fetch(ctx context.Context, req *types.Request) (*types.Response, error) {
	resp, err := f.next.Fetch(ctx, req)

	switch {
	case err == nil:
		f.engine.markOnline()
	case ctx.Err() == nil && types.IsError(err, types.ErrNetwork):
		f.engine.markOffline(err)
	}

	return resp, err
}

// Online reports whether the last network call reached the upstream.
func (e *Engine) Online() bool {
	return e.online.Load()
}

func (e *Engine) markOffline(err error) {
	if e.online.CompareAndSwap(true, false) {
		e.logger.Warn("Upstream unreachable, serving offline", zap.Error(err))
		if e.metrics != nil {
			e.metrics.Gauge("engine_online", nil).Set(0)
		}
	}
}

func (e *Engine) markOnline() {
	if !e.online.CompareAndSwap(false, true) {
		return
	}

	e.logger.Info("Upstream reachable again")
	if e.metrics != nil {
		e.metrics.Gauge("engine_online", nil).Set(1)
	}

	e.triggerReplay()
}

// triggerReplay drains the deferred queues in the background. Overlapping
// triggers collapse into the running pass.
func (e *Engine) triggerReplay() bool {
	if e.queue == nil {
		return false
	}

	if !e.replaying.CompareAndSwap(false, true) {
		return false
	}

	started := e.goBackground("replay", func(ctx context.Context) {
		defer e.replaying.Store(false)

		report, err := e.queue.Replay(ctx)
		if err != nil {
			e.logger.Warn("Replay after reconnect failed", zap.Error(err))
			return
		}

		e.logger.Info("Replayed deferred requests after reconnect",
			zap.Int("replayed", report.Replayed),
			zap.Int("failed", report.Failed),
			zap.Int("dropped", report.Dropped))
	})

	if !started {
		e.replaying.Store(false)
	}

	return started
}
