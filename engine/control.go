package engine

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/saiset-co/sai-offline/types"
)

const preloadWorkers = 4

var _ types.ControlHandler = (*Engine)(nil)

func (e *Engine) SkipWaiting(ctx context.Context) (*types.GenerationInfo, error) {
	return e.lifecycle.SkipWaiting(ctx)
}

func (e *Engine) Stats(ctx context.Context) (*types.EngineStats, error) {
	hits, misses, evictions := e.store.Counters()
	counters := e.executor.Counters()

	stats := &types.EngineStats{
		Hits:        hits,
		Misses:      misses,
		Evictions:   evictions,
		Network:     counters.NetworkFetches,
		NetworkErrs: counters.NetworkErrors,
		Fallbacks:   e.fallbacks.Load(),
		Passthrough: e.passthrough.Load(),
		Queued:      e.queued.Load(),
		Buckets:     e.store.AllStats(),
	}

	if current := e.lifecycle.Current(); current != nil {
		stats.Current = current.Info()
	}
	if waiting := e.lifecycle.Waiting(); waiting != nil {
		stats.Waiting = waiting.Info()
	}

	if e.queue != nil {
		pending, err := e.queue.Pending(ctx)
		if err != nil {
			return nil, err
		}
		stats.SyncPending = pending
	}

	return stats, nil
}

// ClearCache empties one logical bucket of the current generation, or every
// runtime bucket when logical is empty. The precache bucket holds the
// offline documents and is only cleared when named.
func (e *Engine) ClearCache(ctx context.Context, logical string) ([]string, error) {
	gen := e.lifecycle.Current()
	if gen == nil {
		return nil, types.ErrGenerationNotFound
	}

	var targets []string
	if logical != "" {
		if _, ok := gen.Bucket(logical); !ok {
			return nil, types.Errorf(types.ErrBucketNotFound, "bucket %q in version %s", logical, gen.Version())
		}
		targets = []string{logical}
	} else {
		for _, b := range gen.Spec().Buckets {
			targets = append(targets, b.Name)
		}
		sort.Strings(targets)
	}

	cleared := make([]string, 0, len(targets))
	for _, name := range targets {
		physical, _ := gen.Bucket(name)

		removed, err := e.store.Clear(ctx, physical)
		if err != nil {
			return cleared, types.WrapError(err, "failed to clear bucket "+name)
		}

		e.logger.Info("Bucket cleared",
			zap.String("bucket", physical),
			zap.Int("entries", removed))
		cleared = append(cleared, name)
	}

	return cleared, nil
}

// Preload fetches urls into the current generation's precache bucket. Every
// url is attempted; any failure fails the command and names the urls that
// were not stored.
func (e *Engine) Preload(ctx context.Context, urls []string) (int, error) {
	gen, release, err := e.lifecycle.Acquire()
	if err != nil {
		return 0, err
	}
	defer release()

	bucket := gen.PrecacheBucket()

	var mu sync.Mutex
	var failed []string
	stored := 0

	group := new(errgroup.Group)
	group.SetLimit(preloadWorkers)

	for _, rawURL := range urls {
		rawURL := rawURL
		group.Go(func() error {
			if err := e.preload(ctx, bucket, rawURL); err != nil {
				e.logger.Warn("Preload failed",
					zap.String("url", rawURL),
					zap.String("bucket", bucket),
					zap.Error(err))

				mu.Lock()
				failed = append(failed, rawURL)
				mu.Unlock()
				return nil
			}

			mu.Lock()
			stored++
			mu.Unlock()
			return nil
		})
	}
	_ = group.Wait()

	if len(failed) > 0 {
		sort.Strings(failed)
		return stored, types.Errorf(types.ErrPreloadFailed, "stored %d of %d, failed: %s",
			stored, len(urls), strings.Join(failed, ", "))
	}

	return stored, nil
}

func (e *Engine) preload(ctx context.Context, bucket, rawURL string) error {
	req, err := types.NewRequest(http.MethodGet, rawURL)
	if err != nil {
		return err
	}

	resp, err := e.fetcher.Fetch(ctx, req)
	if err != nil {
		return err
	}

	if resp.Status < 200 || resp.Status >= 300 {
		return types.Errorf(types.ErrClientResponseInvalid, "status %d", resp.Status)
	}

	return e.store.Put(ctx, bucket, types.NewCacheEntry(req.CacheKey(), resp, types.EpochMs(e.clock())))
}

func (e *Engine) ReplaySync(ctx context.Context) (*types.ReplayReport, error) {
	if e.queue == nil {
		return &types.ReplayReport{Pending: map[string]int{}}, nil
	}
	return e.queue.Replay(ctx)
}
