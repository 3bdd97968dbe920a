package cache

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saiset-co/sai-offline/logger"
	"github.com/saiset-co/sai-offline/types"
)

func newTestStore(t *testing.T) (*Store, *MemoryStorage) {
	t.Helper()

	log := logger.NewNopLogger()
	storage := NewMemoryStorage(log)
	return NewStore(storage, log, nil), storage
}

func entry(key string, size int, storedAt int64) *types.CacheEntry {
	payload := make([]byte, size)
	for i := range payload {
		payload[i] = 'x'
	}
	return &types.CacheEntry{Key: key, Payload: payload, StoredAtMs: storedAt, Status: 200, Size: int64(size)}
}

func storedIDs(t *testing.T, storage *MemoryStorage, bucket string) []string {
	t.Helper()

	var ids []string
	err := storage.Scan(context.Background(), bucket, func(id string, _ []byte) error {
		ids = append(ids, id)
		return nil
	})
	require.NoError(t, err)
	return ids
}

func TestOpenRejectsInvalidBuckets(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	assert.ErrorIs(t, store.Open(ctx, "", 10), types.ErrInvalidParameter)
	assert.ErrorIs(t, store.Open(ctx, "__internal", 10), types.ErrInvalidParameter)
	assert.ErrorIs(t, store.Open(ctx, "assets", 0), types.ErrInvalidParameter)

	_, err := store.Get(ctx, "missing", "/a")
	assert.ErrorIs(t, err, types.ErrBucketNotFound)
}

func TestPutEvictsOldestFirst(t *testing.T) {
	store, storage := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Open(ctx, "assets", 10))

	for i := 0; i < 15; i++ {
		require.NoError(t, store.Put(ctx, "assets", entry(fmt.Sprintf("/e%d", i), 1, int64(1000+i))))
	}

	stats, err := store.Stats("assets")
	require.NoError(t, err)
	assert.Equal(t, int64(10), stats.CurrentSize)
	assert.Equal(t, 10, stats.Entries)
	assert.Equal(t, uint64(5), stats.Evictions)

	keys, err := store.Keys("assets")
	require.NoError(t, err)
	require.Len(t, keys, 10)
	assert.Equal(t, "/e5", keys[0])
	assert.Equal(t, "/e14", keys[9])

	for i := 0; i < 5; i++ {
		_, err := store.Get(ctx, "assets", fmt.Sprintf("/e%d", i))
		assert.True(t, IsMiss(err))
	}

	assert.Len(t, storedIDs(t, storage, "assets"), 10)
}

func TestPutTiesBrokenByInsertionOrder(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Open(ctx, "assets", 4))

	require.NoError(t, store.Put(ctx, "assets", entry("/b", 2, 5)))
	require.NoError(t, store.Put(ctx, "assets", entry("/a", 2, 5)))
	require.NoError(t, store.Put(ctx, "assets", entry("/c", 2, 5)))

	keys, err := store.Keys("assets")
	require.NoError(t, err)
	assert.Equal(t, []string{"/a", "/c"}, keys)
}

func TestPutOversizedEntryLeavesBucketUnchanged(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Open(ctx, "assets", 10))

	require.NoError(t, store.Put(ctx, "assets", entry("/small", 4, 1)))

	err := store.Put(ctx, "assets", entry("/huge", 11, 2))
	assert.ErrorIs(t, err, types.ErrStorageQuotaExceeded)

	stats, err := store.Stats("assets")
	require.NoError(t, err)
	assert.Equal(t, int64(4), stats.CurrentSize)
	assert.Equal(t, 1, stats.Entries)
	assert.Equal(t, uint64(1), stats.QuotaRejects)
	assert.Zero(t, stats.Evictions)

	got, err := store.Get(ctx, "assets", "/small")
	require.NoError(t, err)
	assert.Len(t, got.Payload, 4)
}

func TestPutReplacesExistingKey(t *testing.T) {
	store, storage := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Open(ctx, "assets", 10))

	require.NoError(t, store.Put(ctx, "assets", entry("/a", 6, 1)))
	require.NoError(t, store.Put(ctx, "assets", entry("/a", 8, 2)))

	stats, err := store.Stats("assets")
	require.NoError(t, err)
	assert.Equal(t, int64(8), stats.CurrentSize)
	assert.Equal(t, 1, stats.Entries)
	assert.Zero(t, stats.Evictions, "replacing own key is not an eviction")

	got, err := store.Get(ctx, "assets", "/a")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.StoredAtMs)
	assert.Len(t, storedIDs(t, storage, "assets"), 1)
}

func TestConcurrentPutsRespectLimit(t *testing.T) {
	store, storage := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Open(ctx, "assets", 10))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, store.Put(ctx, "assets", entry(fmt.Sprintf("/k%d", i%20), 3, int64(i))))
		}(i)
	}
	wg.Wait()

	stats, err := store.Stats("assets")
	require.NoError(t, err)
	assert.LessOrEqual(t, stats.CurrentSize, int64(10))
	assert.Equal(t, int64(stats.Entries*3), stats.CurrentSize)
	assert.Len(t, storedIDs(t, storage, "assets"), stats.Entries)
}

func TestCorruptEntryIsMiss(t *testing.T) {
	store, storage := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Open(ctx, "assets", 10))
	require.NoError(t, store.Put(ctx, "assets", entry("/a", 3, 1)))

	ids := storedIDs(t, storage, "assets")
	require.Len(t, ids, 1)
	require.NoError(t, storage.Write(ctx, "assets", ids[0], []byte("{not json")))

	_, err := store.Get(ctx, "assets", "/a")
	assert.ErrorIs(t, err, types.ErrEntryCorrupt)
	assert.True(t, IsMiss(err))

	stats, err := store.Stats("assets")
	require.NoError(t, err)
	assert.Zero(t, stats.Entries)
	assert.Zero(t, stats.CurrentSize)
	assert.Empty(t, storedIDs(t, storage, "assets"))

	_, err = store.Get(ctx, "assets", "/a")
	assert.ErrorIs(t, err, types.ErrEntryNotFound)
}

func TestDecodeRejectsSizeMismatch(t *testing.T) {
	bad := entry("/a", 3, 1)
	bad.Size = 7

	data, err := encodeEntry(1, bad)
	require.NoError(t, err)

	_, err = decodeEntry(data)
	assert.ErrorIs(t, err, types.ErrEntryCorrupt)
}

// blockingStorage stalls reads of one bucket until release is closed.
type blockingStorage struct {
	*MemoryStorage
	reading chan struct{}
	release chan struct{}
}

func (b *blockingStorage) Read(ctx context.Context, bucket, id string) ([]byte, error) {
	data, err := b.MemoryStorage.Read(ctx, bucket, id)
	close(b.reading)
	<-b.release
	return data, err
}

func TestEvictionWaitsForPinnedReader(t *testing.T) {
	log := logger.NewNopLogger()
	storage := &blockingStorage{
		MemoryStorage: NewMemoryStorage(log),
		reading:       make(chan struct{}),
		release:       make(chan struct{}),
	}
	store := NewStore(storage, log, nil)
	ctx := context.Background()

	require.NoError(t, store.Open(ctx, "assets", 4))
	require.NoError(t, store.Put(ctx, "assets", entry("/old", 4, 1)))

	type result struct {
		entry *types.CacheEntry
		err   error
	}
	done := make(chan result, 1)
	go func() {
		got, err := store.Get(ctx, "assets", "/old")
		done <- result{entry: got, err: err}
	}()

	<-storage.reading
	require.NoError(t, store.Put(ctx, "assets", entry("/new", 4, 2)))

	ids := storedIDs(t, storage.MemoryStorage, "assets")
	assert.Len(t, ids, 2, "pinned payload survives eviction")

	close(storage.release)
	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, "/old", res.entry.Key)
	assert.Len(t, res.entry.Payload, 4)

	ids = storedIDs(t, storage.MemoryStorage, "assets")
	assert.Len(t, ids, 1, "payload purged after unpin")

	keys, err := store.Keys("assets")
	require.NoError(t, err)
	assert.Equal(t, []string{"/new"}, keys)
}

func TestOpenRebuildsIndexFromStorage(t *testing.T) {
	log := logger.NewNopLogger()
	storage := NewMemoryStorage(log)
	ctx := context.Background()

	first := NewStore(storage, log, nil)
	require.NoError(t, first.Open(ctx, "assets", 100))
	require.NoError(t, first.Put(ctx, "assets", entry("/a", 5, 1)))
	require.NoError(t, first.Put(ctx, "assets", entry("/b", 7, 2)))

	// A leftover older copy of /a and garbage that must both be discarded.
	stale, err := encodeEntry(0, entry("/a", 2, 0))
	require.NoError(t, err)
	require.NoError(t, storage.Write(ctx, "assets", storageID("/a", 0), stale))
	require.NoError(t, storage.Write(ctx, "assets", "junk", []byte("??")))

	second := NewStore(storage, log, nil)
	require.NoError(t, second.Open(ctx, "assets", 100))

	stats, err := second.Stats("assets")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Entries)
	assert.Equal(t, int64(12), stats.CurrentSize)

	keys, err := second.Keys("assets")
	require.NoError(t, err)
	assert.Equal(t, []string{"/a", "/b"}, keys)
	assert.Len(t, storedIDs(t, storage, "assets"), 2)

	require.NoError(t, second.Put(ctx, "assets", entry("/c", 1, 3)))
	got, err := second.Get(ctx, "assets", "/a")
	require.NoError(t, err)
	assert.Len(t, got.Payload, 5)
}

// repeatingStorage yields every record twice from Scan, as Redis HSCAN may.
type repeatingStorage struct {
	*MemoryStorage
}

func (r *repeatingStorage) Scan(ctx context.Context, bucket string, fn func(id string, data []byte) error) error {
	return r.MemoryStorage.Scan(ctx, bucket, func(id string, data []byte) error {
		if err := fn(id, data); err != nil {
			return err
		}
		return fn(id, data)
	})
}

func TestOpenToleratesRepeatedScanResults(t *testing.T) {
	log := logger.NewNopLogger()
	storage := &repeatingStorage{MemoryStorage: NewMemoryStorage(log)}
	ctx := context.Background()

	first := NewStore(storage, log, nil)
	require.NoError(t, first.Open(ctx, "assets", 100))
	require.NoError(t, first.Put(ctx, "assets", entry("/a", 5, 1)))

	second := NewStore(storage, log, nil)
	require.NoError(t, second.Open(ctx, "assets", 100))

	stats, err := second.Stats("assets")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Entries)
	assert.Equal(t, int64(5), stats.CurrentSize)
	assert.Len(t, storedIDs(t, storage.MemoryStorage, "assets"), 1)

	got, err := second.Get(ctx, "assets", "/a")
	require.NoError(t, err)
	assert.Len(t, got.Payload, 5)
}

func TestOpenWithSmallerLimitEvicts(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Open(ctx, "assets", 10))

	for i := 0; i < 5; i++ {
		require.NoError(t, store.Put(ctx, "assets", entry(fmt.Sprintf("/e%d", i), 2, int64(i))))
	}

	require.NoError(t, store.Open(ctx, "assets", 4))

	keys, err := store.Keys("assets")
	require.NoError(t, err)
	assert.Equal(t, []string{"/e3", "/e4"}, keys)
}

func TestClearAndDrop(t *testing.T) {
	store, storage := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Open(ctx, "assets-v1", 10))
	require.NoError(t, store.Open(ctx, "pages-v1", 10))
	require.NoError(t, store.Put(ctx, "assets-v1", entry("/a", 2, 1)))
	require.NoError(t, store.Put(ctx, "pages-v1", entry("/p", 2, 1)))
	require.NoError(t, store.WriteMeta(ctx, "active", "v1"))

	removed, err := store.Clear(ctx, "assets-v1")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.True(t, store.Has("assets-v1"))

	require.NoError(t, store.Drop(ctx, "pages-v1"))
	assert.False(t, store.Has("pages-v1"))
	assert.Empty(t, storedIDs(t, storage, "pages-v1"))

	_, err = store.Get(ctx, "pages-v1", "/p")
	assert.ErrorIs(t, err, types.ErrBucketNotFound)

	require.NoError(t, storage.Write(ctx, "orphan-v0", "x#1", []byte("data")))
	names, err := store.Buckets(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"assets-v1", "orphan-v0"}, names)

	active, err := store.ReadMeta(ctx, "active")
	require.NoError(t, err)
	assert.Equal(t, "v1", active)
}
