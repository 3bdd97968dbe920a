package replay

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saiset-co/sai-offline/logger"
	"github.com/saiset-co/sai-offline/types"
)

// scriptedFetcher answers by URI; unknown URIs fail with a network error.
type scriptedFetcher struct {
	mu     sync.Mutex
	status map[string]int
	calls  []string
}

func (f *scriptedFetcher) Fetch(_ context.Context, req *types.Request) (*types.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, req.Method+" "+req.URI())
	status, ok := f.status[req.URI()]
	if !ok {
		return nil, types.Errorf(types.ErrNetwork, "offline")
	}
	return &types.Response{Status: status}, nil
}

func (f *scriptedFetcher) set(uri string, status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status[uri] = status
}

func newQueue(t *testing.T, store types.SyncStore, fetcher types.Fetcher, maxAttempts int) *Queue {
	t.Helper()

	q, err := NewQueue(store, fetcher, &types.SyncConfig{
		MaxAttempts: maxAttempts,
		Rules: []types.SyncRule{
			{Pattern: "/api/messages/**", Tag: "messages"},
			{Pattern: "/api/likes", Tag: "likes", Methods: []string{"PUT"}},
		},
	}, logger.NewNopLogger(), nil, nil)
	require.NoError(t, err)
	require.NoError(t, q.Start(context.Background()))
	return q
}

func post(t *testing.T, method, uri, body string) *types.Request {
	t.Helper()
	req, err := types.NewRequest(method, uri)
	require.NoError(t, err)
	req.Body = []byte(body)
	req.SetHeader("Content-Type", "application/json")
	return req
}

func TestMatch(t *testing.T) {
	q := newQueue(t, NewMemoryStore(logger.NewNopLogger()), &scriptedFetcher{}, 3)

	tag, ok := q.Match(post(t, "POST", "/api/messages/42", "{}"))
	assert.True(t, ok)
	assert.Equal(t, "messages", tag)

	_, ok = q.Match(post(t, "GET", "/api/messages/42", ""))
	assert.False(t, ok, "safe methods are never queued")

	_, ok = q.Match(post(t, "POST", "/api/likes", "{}"))
	assert.False(t, ok, "method not listed on the rule")

	tag, ok = q.Match(post(t, "PUT", "/api/likes", "{}"))
	assert.True(t, ok)
	assert.Equal(t, "likes", tag)
}

func TestReplayPreservesOrderPerTag(t *testing.T) {
	ctx := context.Background()
	fetcher := &scriptedFetcher{status: map[string]int{}}
	q := newQueue(t, NewMemoryStore(logger.NewNopLogger()), fetcher, 3)

	for _, uri := range []string{"/api/messages/1", "/api/messages/2", "/api/messages/3"} {
		_, err := q.Enqueue(ctx, "messages", post(t, "POST", uri, `{"text":"hi"}`))
		require.NoError(t, err)
		fetcher.set(uri, 201)
	}

	report, err := q.Replay(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Replayed)
	assert.Equal(t, 0, report.Pending["messages"])
	assert.Equal(t, []string{
		"POST /api/messages/1",
		"POST /api/messages/2",
		"POST /api/messages/3",
	}, fetcher.calls)
}

func TestReplayStopsTagAtFirstFailure(t *testing.T) {
	ctx := context.Background()
	fetcher := &scriptedFetcher{status: map[string]int{"/api/messages/1": 200, "/api/messages/3": 200}}
	q := newQueue(t, NewMemoryStore(logger.NewNopLogger()), fetcher, 3)

	for _, uri := range []string{"/api/messages/1", "/api/messages/2", "/api/messages/3"} {
		_, err := q.Enqueue(ctx, "messages", post(t, "POST", uri, "{}"))
		require.NoError(t, err)
	}

	report, err := q.Replay(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Replayed)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 2, report.Pending["messages"])
	assert.NotContains(t, fetcher.calls, "POST /api/messages/3", "later tasks wait for earlier ones")

	fetcher.set("/api/messages/2", 200)
	report, err = q.Replay(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Replayed)
	assert.Empty(t, report.Pending)
}

func TestReplayDequeuesClientErrorsAndRetriesServerErrors(t *testing.T) {
	ctx := context.Background()
	fetcher := &scriptedFetcher{status: map[string]int{"/api/messages/1": 422, "/api/messages/2": 503}}
	q := newQueue(t, NewMemoryStore(logger.NewNopLogger()), fetcher, 2)

	_, err := q.Enqueue(ctx, "messages", post(t, "POST", "/api/messages/1", "{}"))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "messages", post(t, "POST", "/api/messages/2", "{}"))
	require.NoError(t, err)

	report, err := q.Replay(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Dropped, "4xx is final")
	assert.Equal(t, 1, report.Failed, "5xx is retried")
	assert.Equal(t, 1, report.Pending["messages"])

	tasks, err := q.store.List(ctx, "messages")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, 1, tasks[0].Attempts)

	report, err = q.Replay(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Dropped, "second failure reaches max attempts")
	assert.Empty(t, report.Pending)
}

func TestReplayTagsAreIndependent(t *testing.T) {
	ctx := context.Background()
	fetcher := &scriptedFetcher{status: map[string]int{"/api/likes": 204}}
	q := newQueue(t, NewMemoryStore(logger.NewNopLogger()), fetcher, 5)

	_, err := q.Enqueue(ctx, "messages", post(t, "POST", "/api/messages/1", "{}"))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "likes", post(t, "PUT", "/api/likes", "{}"))
	require.NoError(t, err)

	report, err := q.Replay(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Replayed)
	assert.Equal(t, map[string]int{"messages": 1}, report.Pending)
}

func TestReplayCarriesPayload(t *testing.T) {
	ctx := context.Background()

	var got *types.Request
	fetcher := types.FetcherFunc(func(_ context.Context, req *types.Request) (*types.Response, error) {
		got = req
		return &types.Response{Status: 200}, nil
	})
	q := newQueue(t, NewMemoryStore(logger.NewNopLogger()), fetcher, 3)

	_, err := q.Enqueue(ctx, "messages", post(t, "POST", "/api/messages/7?draft=1", `{"text":"queued"}`))
	require.NoError(t, err)

	_, err = q.Replay(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "POST", got.Method)
	assert.Equal(t, "/api/messages/7?draft=1", got.URI())
	assert.Equal(t, `{"text":"queued"}`, string(got.Body))
	assert.Equal(t, "application/json", got.Header("Content-Type"))
}

func TestProbeAndReplaySkipsWhenOffline(t *testing.T) {
	ctx := context.Background()
	fetcher := &scriptedFetcher{status: map[string]int{"/api/messages/1": 200}}
	q := newQueue(t, NewMemoryStore(logger.NewNopLogger()), fetcher, 3)

	_, err := q.Enqueue(ctx, "messages", post(t, "POST", "/api/messages/1", "{}"))
	require.NoError(t, err)

	q.ProbeAndReplay(ctx, func(context.Context) error { return types.ErrNetwork })
	assert.Empty(t, fetcher.calls)

	q.ProbeAndReplay(ctx, func(context.Context) error { return nil })
	assert.Len(t, fetcher.calls, 1)

	pending, err := q.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestSequenceResumesFromStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(logger.NewNopLogger())
	require.NoError(t, store.Append(ctx, &types.SyncTask{ID: "old", Tag: "messages", Seq: 41}))

	q := newQueue(t, store, &scriptedFetcher{}, 3)
	task, err := q.Enqueue(ctx, "messages", post(t, "POST", "/api/messages/1", "{}"))
	require.NoError(t, err)
	assert.Equal(t, uint64(42), task.Seq)
}

func TestInvalidSyncRule(t *testing.T) {
	_, err := NewQueue(NewMemoryStore(logger.NewNopLogger()), nil, &types.SyncConfig{
		Rules: []types.SyncRule{{Pattern: "/api/**"}},
	}, logger.NewNopLogger(), nil, nil)
	assert.ErrorIs(t, err, types.ErrRuleInvalid)
}

func TestNewSyncStoreUnknownType(t *testing.T) {
	_, err := NewSyncStore(&types.SyncConfig{Store: "etcd"}, logger.NewNopLogger())
	assert.ErrorIs(t, err, types.ErrSyncStoreTypeUnknown)
}
