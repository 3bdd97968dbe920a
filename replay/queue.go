package replay

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-offline/classifier"
	"github.com/saiset-co/sai-offline/types"
)

const defaultMaxAttempts = 5

var defaultSyncMethods = []string{http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete}

type syncRule struct {
	tag     string
	matcher classifier.Matcher
	methods map[string]struct{}
}

// Queue holds non-idempotent requests that failed for lack of network and
// replays them in FIFO order per tag once connectivity returns.
type Queue struct {
	store       types.SyncStore
	fetcher     types.Fetcher
	logger      types.Logger
	metrics     types.MetricsManager
	clock       types.Clock
	rules       []syncRule
	maxAttempts int

	seq       atomic.Uint64
	replaying sync.Mutex
}

func NewQueue(store types.SyncStore, fetcher types.Fetcher, config *types.SyncConfig, logger types.Logger, metrics types.MetricsManager, clock types.Clock) (*Queue, error) {
	if clock == nil {
		clock = types.SystemClock
	}

	q := &Queue{
		store:       store,
		fetcher:     fetcher,
		logger:      logger,
		metrics:     metrics,
		clock:       clock,
		maxAttempts: defaultMaxAttempts,
	}

	if config == nil {
		return q, nil
	}

	if config.MaxAttempts > 0 {
		q.maxAttempts = config.MaxAttempts
	}

	for i, rule := range config.Rules {
		if rule.Tag == "" {
			return nil, types.Errorf(types.ErrRuleInvalid, "sync rule %d has no tag", i)
		}

		matcher, err := classifier.CompilePattern(rule.Pattern)
		if err != nil {
			return nil, types.WrapError(err, "sync rule "+rule.Tag)
		}

		methods := rule.Methods
		if len(methods) == 0 {
			methods = defaultSyncMethods
		}
		set := make(map[string]struct{}, len(methods))
		for _, method := range methods {
			set[strings.ToUpper(method)] = struct{}{}
		}

		q.rules = append(q.rules, syncRule{tag: rule.Tag, matcher: matcher, methods: set})
	}

	return q, nil
}

// Start resumes the sequence counter from the store so FIFO order holds
// across restarts.
func (q *Queue) Start(ctx context.Context) error {
	last, err := q.store.LastSeq(ctx)
	if err != nil {
		return types.WrapError(err, "failed to read last sync sequence")
	}
	q.seq.Store(last)
	return nil
}

// Match returns the tag of the first sync rule covering req. Safe methods
// never match.
func (q *Queue) Match(req *types.Request) (string, bool) {
	if req.IsSafe() {
		return "", false
	}

	for _, rule := range q.rules {
		if _, ok := rule.methods[req.Method]; !ok {
			continue
		}
		if rule.matcher.Match(req.Path) {
			return rule.tag, true
		}
	}
	return "", false
}

func (q *Queue) Enqueue(ctx context.Context, tag string, req *types.Request) (*types.SyncTask, error) {
	task := &types.SyncTask{
		ID:           uuid.New().String(),
		Tag:          tag,
		Seq:          q.seq.Add(1),
		EnqueuedAtMs: types.EpochMs(q.clock()),
		Payload: types.SyncPayload{
			Method:      req.Method,
			URI:         req.URI(),
			Headers:     req.Clone().Headers,
			Body:        append([]byte(nil), req.Body...),
			ContentType: req.Header("Content-Type"),
		},
	}

	if err := q.store.Append(ctx, task); err != nil {
		return nil, types.WrapError(err, "failed to queue sync task")
	}

	q.record(tag, "queued")
	q.logger.Info("Request queued for replay",
		zap.String("tag", tag),
		zap.String("id", task.ID),
		zap.String("method", req.Method),
		zap.String("uri", task.Payload.URI))

	return task, nil
}

// Replay runs one pass over every tag. Within a tag tasks go strictly in
// order; the first transient failure ends that tag's pass.
func (q *Queue) Replay(ctx context.Context) (*types.ReplayReport, error) {
	q.replaying.Lock()
	defer q.replaying.Unlock()

	start := time.Now()
	report := &types.ReplayReport{Pending: make(map[string]int)}

	tags, err := q.store.Tags(ctx)
	if err != nil {
		return nil, types.WrapError(err, "failed to list sync tags")
	}

	for _, tag := range tags {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		if err := q.replayTag(ctx, tag, report); err != nil {
			return report, err
		}
	}

	pending, err := q.Pending(ctx)
	if err != nil {
		return report, err
	}
	report.Pending = pending

	if report.Replayed+report.Failed+report.Dropped > 0 {
		q.logger.Info("Sync replay pass finished",
			zap.Int("replayed", report.Replayed),
			zap.Int("failed", report.Failed),
			zap.Int("dropped", report.Dropped),
			zap.Duration("duration", time.Since(start)))
	}

	return report, nil
}

// ProbeAndReplay replays only when probe reports the upstream reachable.
func (q *Queue) ProbeAndReplay(ctx context.Context, probe func(ctx context.Context) error) {
	tags, err := q.store.Tags(ctx)
	if err != nil || len(tags) == 0 {
		return
	}

	if err := probe(ctx); err != nil {
		q.logger.Debug("Upstream still unreachable, replay postponed", zap.Error(err))
		return
	}

	if _, err := q.Replay(ctx); err != nil {
		q.logger.Warn("Sync replay failed", zap.Error(err))
	}
}

func (q *Queue) Pending(ctx context.Context) (map[string]int, error) {
	tags, err := q.store.Tags(ctx)
	if err != nil {
		return nil, types.WrapError(err, "failed to list sync tags")
	}

	pending := make(map[string]int, len(tags))
	for _, tag := range tags {
		tasks, err := q.store.List(ctx, tag)
		if err != nil {
			return nil, types.WrapError(err, "failed to list sync tasks")
		}
		pending[tag] = len(tasks)
	}
	return pending, nil
}

func (q *Queue) replayTag(ctx context.Context, tag string, report *types.ReplayReport) error {
	tasks, err := q.store.List(ctx, tag)
	if err != nil {
		return types.WrapError(err, "failed to list sync tasks")
	}

	for _, task := range tasks {
		status, sendErr := q.send(ctx, task)

		if sendErr == nil && status < http.StatusInternalServerError {
			if err := q.store.Remove(ctx, task.ID); err != nil {
				return types.WrapError(err, "failed to dequeue sync task")
			}

			if status >= http.StatusBadRequest {
				report.Dropped++
				q.record(tag, "rejected")
				q.logger.Warn("Sync task rejected by upstream",
					zap.String("tag", tag),
					zap.String("id", task.ID),
					zap.Int("status", status))
			} else {
				report.Replayed++
				q.record(tag, "replayed")
			}
			continue
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		task.Attempts++
		report.Failed++
		q.record(tag, "failed")

		if task.Attempts >= q.maxAttempts {
			if err := q.store.Remove(ctx, task.ID); err != nil {
				return types.WrapError(err, "failed to drop sync task")
			}
			report.Dropped++
			q.record(tag, "dropped")
			q.logger.Error("Sync task dropped after max attempts",
				zap.String("tag", tag),
				zap.String("id", task.ID),
				zap.Int("attempts", task.Attempts),
				zap.Int("status", status),
				zap.Error(sendErr))
		} else if err := q.store.Update(ctx, task); err != nil {
			return types.WrapError(err, "failed to update sync task")
		}

		return nil
	}

	return nil
}

func (q *Queue) send(ctx context.Context, task *types.SyncTask) (int, error) {
	req, err := types.NewRequest(task.Payload.Method, task.Payload.URI)
	if err != nil {
		return 0, err
	}

	for k, v := range task.Payload.Headers {
		req.SetHeader(k, v)
	}
	req.Body = task.Payload.Body

	resp, err := q.fetcher.Fetch(ctx, req)
	if err != nil {
		return 0, err
	}
	return resp.Status, nil
}

func (q *Queue) record(tag, result string) {
	if q.metrics == nil {
		return
	}

	q.metrics.Counter("sync_tasks_total", map[string]string{
		"tag":    tag,
		"result": result,
	}).Inc()
}
