package cache

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-offline/types"
)

const (
	reservedPrefix = "__"
	metaBucket     = "__sai_meta"
)

// Store is the bounded cache: named buckets whose byte totals never exceed
// their limits. Every mutation of a bucket runs under that bucket's mutex,
// including the storage I/O, so accounting is never read stale.
type Store struct {
	storage types.Storage
	logger  types.Logger
	metrics types.MetricsManager

	mu      sync.RWMutex
	buckets map[string]*bucket

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

type bucket struct {
	name    string
	mu      sync.Mutex
	limit   int64
	size    int64
	seq     uint64
	index   map[string]*slot
	dropped bool

	hits         atomic.Uint64
	misses       atomic.Uint64
	evictions    atomic.Uint64
	quotaRejects atomic.Uint64
}

// slot is the in-memory index record of one stored entry. A pinned slot that
// leaves the index keeps its payload until the last reader unpins it.
type slot struct {
	key        string
	id         string
	seq        uint64
	storedAtMs int64
	size       int64
	pins       int
	doomed     bool
}

func NewStore(storage types.Storage, logger types.Logger, metrics types.MetricsManager) *Store {
	return &Store{
		storage: storage,
		logger:  logger,
		metrics: metrics,
		buckets: make(map[string]*bucket),
	}
}

// IsMiss reports whether err from Get means the caller should treat the
// lookup as a cache miss.
func IsMiss(err error) bool {
	return types.IsError(err, types.ErrEntryNotFound) || types.IsError(err, types.ErrEntryCorrupt)
}

// Open registers a bucket, rebuilding its index from storage. Opening an
// existing bucket updates its limit and evicts down to it.
func (s *Store) Open(ctx context.Context, name string, limit int64) error {
	if name == "" || strings.HasPrefix(name, reservedPrefix) {
		return types.Errorf(types.ErrInvalidParameter, "bucket name %q", name)
	}
	if limit <= 0 {
		return types.Errorf(types.ErrInvalidParameter, "bucket %s limit %d", name, limit)
	}

	s.mu.Lock()
	if b, ok := s.buckets[name]; ok {
		s.mu.Unlock()

		b.mu.Lock()
		defer b.mu.Unlock()

		b.limit = limit
		s.evictUnsafe(ctx, b, b.size-b.limit)
		return nil
	}

	b := &bucket{
		name:  name,
		limit: limit,
		index: make(map[string]*slot),
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	s.buckets[name] = b
	s.mu.Unlock()

	if err := s.rebuildUnsafe(ctx, b); err != nil {
		s.mu.Lock()
		delete(s.buckets, name)
		s.mu.Unlock()
		b.dropped = true
		return types.WrapError(err, "failed to rebuild bucket index")
	}

	s.evictUnsafe(ctx, b, b.size-b.limit)
	s.recordSize(b)

	s.logger.Debug("Cache bucket opened",
		zap.String("bucket", name),
		zap.Int64("limit", limit),
		zap.Int("entries", len(b.index)),
		zap.Int64("size", b.size))

	return nil
}

func (s *Store) Get(ctx context.Context, name, key string) (*types.CacheEntry, error) {
	b, err := s.bucket(name)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	if b.dropped {
		b.mu.Unlock()
		return nil, types.Errorf(types.ErrBucketNotFound, "bucket: %s", name)
	}

	sl, ok := b.index[key]
	if !ok {
		b.mu.Unlock()
		s.recordLookup(b, false)
		return nil, types.Errorf(types.ErrEntryNotFound, "bucket %s key %s", name, key)
	}
	sl.pins++
	b.mu.Unlock()

	entry, readErr := s.read(ctx, name, sl)

	b.mu.Lock()
	sl.pins--
	corrupt := types.IsError(readErr, types.ErrEntryCorrupt)
	if corrupt && b.index[key] == sl {
		b.unlink(sl)
		sl.doomed = true
	}
	if sl.doomed && sl.pins == 0 {
		s.purgeUnsafe(ctx, b, sl)
	}
	if corrupt {
		s.recordSize(b)
	}
	b.mu.Unlock()

	if readErr != nil {
		if corrupt {
			s.logger.Warn("Corrupt cache entry removed",
				zap.String("bucket", name),
				zap.String("key", key),
				zap.Error(readErr))
			s.recordLookup(b, false)
			return nil, readErr
		}
		return nil, types.WrapError(readErr, "failed to read cache entry")
	}

	s.recordLookup(b, true)
	return entry, nil
}

// Put stores entry, evicting the oldest entries until it fits. An entry
// larger than the whole bucket fails with ErrStorageQuotaExceeded and leaves
// the bucket untouched.
func (s *Store) Put(ctx context.Context, name string, entry *types.CacheEntry) error {
	if entry == nil || entry.Key == "" {
		return types.ErrCacheKeyEmpty
	}

	stored := *entry
	stored.Size = int64(len(stored.Payload))

	b, err := s.bucket(name)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.dropped {
		return types.Errorf(types.ErrBucketNotFound, "bucket: %s", name)
	}

	if stored.Size > b.limit {
		b.quotaRejects.Add(1)
		return types.Errorf(types.ErrStorageQuotaExceeded, "entry %s is %d bytes, bucket %s limit is %d",
			stored.Key, stored.Size, name, b.limit)
	}

	existing := b.index[stored.Key]
	used := b.size
	if existing != nil {
		used -= existing.size
	}
	victims := b.victims(used+stored.Size-b.limit, existing)

	b.seq++
	seq := b.seq
	data, err := encodeEntry(seq, &stored)
	if err != nil {
		return err
	}

	id := storageID(stored.Key, seq)
	if err := s.storage.Write(ctx, name, id, data); err != nil {
		return types.Errorf(types.ErrStorageWriteFailed, "bucket %s key %s: %v", name, stored.Key, err)
	}

	if existing != nil {
		s.retireUnsafe(ctx, b, existing)
	}
	for _, victim := range victims {
		s.retireUnsafe(ctx, b, victim)
		s.recordEviction(b, victim)
	}

	b.index[stored.Key] = &slot{
		key:        stored.Key,
		id:         id,
		seq:        seq,
		storedAtMs: stored.StoredAtMs,
		size:       stored.Size,
	}
	b.size += stored.Size
	s.recordSize(b)

	return nil
}

func (s *Store) Delete(ctx context.Context, name, key string) error {
	b, err := s.bucket(name)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	sl, ok := b.index[key]
	if !ok {
		return types.Errorf(types.ErrEntryNotFound, "bucket %s key %s", name, key)
	}

	s.retireUnsafe(ctx, b, sl)
	s.recordSize(b)
	return nil
}

// EnforceLimit evicts oldest entries until the bucket is within its limit and
// returns how many were removed.
func (s *Store) EnforceLimit(ctx context.Context, name string) (int, error) {
	b, err := s.bucket(name)
	if err != nil {
		return 0, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	evicted := s.evictUnsafe(ctx, b, b.size-b.limit)
	s.recordSize(b)
	return evicted, nil
}

// Clear removes every entry but keeps the bucket registered.
func (s *Store) Clear(ctx context.Context, name string) (int, error) {
	b, err := s.bucket(name)
	if err != nil {
		return 0, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	removed := 0
	for _, sl := range b.index {
		s.retireUnsafe(ctx, b, sl)
		removed++
	}
	s.recordSize(b)

	return removed, nil
}

// Drop unregisters a bucket and deletes its storage. Dropping a bucket that
// only exists in storage is allowed.
func (s *Store) Drop(ctx context.Context, name string) error {
	s.mu.Lock()
	b := s.buckets[name]
	delete(s.buckets, name)
	s.mu.Unlock()

	if b != nil {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.dropped = true
		b.index = make(map[string]*slot)
		b.size = 0
		s.recordSize(b)
	}

	if err := s.storage.DropBucket(ctx, name); err != nil {
		return types.WrapError(err, "failed to drop bucket storage")
	}

	s.logger.Debug("Cache bucket dropped", zap.String("bucket", name))
	return nil
}

// Buckets lists open buckets together with any bucket that only exists in
// storage, for example one left behind by a previous process.
func (s *Store) Buckets(ctx context.Context) ([]string, error) {
	seen := make(map[string]struct{})

	s.mu.RLock()
	for name := range s.buckets {
		seen[name] = struct{}{}
	}
	s.mu.RUnlock()

	stored, err := s.storage.ListBuckets(ctx)
	if err != nil {
		return nil, types.WrapError(err, "failed to list storage buckets")
	}
	for _, name := range stored {
		if !strings.HasPrefix(name, reservedPrefix) {
			seen[name] = struct{}{}
		}
	}

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)

	return names, nil
}

func (s *Store) Has(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.buckets[name]
	return ok
}

func (s *Store) Stats(name string) (types.BucketStats, error) {
	b, err := s.bucket(name)
	if err != nil {
		return types.BucketStats{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	return b.stats(), nil
}

func (s *Store) AllStats() []types.BucketStats {
	s.mu.RLock()
	list := make([]*bucket, 0, len(s.buckets))
	for _, b := range s.buckets {
		list = append(list, b)
	}
	s.mu.RUnlock()

	stats := make([]types.BucketStats, 0, len(list))
	for _, b := range list {
		b.mu.Lock()
		stats = append(stats, b.stats())
		b.mu.Unlock()
	}

	sort.Slice(stats, func(i, j int) bool { return stats[i].Name < stats[j].Name })
	return stats
}

// Keys returns the bucket's keys in eviction order, oldest first.
func (s *Store) Keys(name string) ([]string, error) {
	b, err := s.bucket(name)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	ordered := b.ordered(nil)
	keys := make([]string, len(ordered))
	for i, sl := range ordered {
		keys[i] = sl.key
	}
	return keys, nil
}

// Counters returns store wide totals that survive bucket drops.
func (s *Store) Counters() (hits, misses, evictions uint64) {
	return s.hits.Load(), s.misses.Load(), s.evictions.Load()
}

func (s *Store) ReadMeta(ctx context.Context, key string) (string, error) {
	data, err := s.storage.Read(ctx, metaBucket, key)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (s *Store) WriteMeta(ctx context.Context, key, value string) error {
	return s.storage.Write(ctx, metaBucket, key, []byte(value))
}

func (s *Store) bucket(name string) (*bucket, error) {
	s.mu.RLock()
	b, ok := s.buckets[name]
	s.mu.RUnlock()

	if !ok {
		return nil, types.Errorf(types.ErrBucketNotFound, "bucket: %s", name)
	}
	return b, nil
}

func (s *Store) read(ctx context.Context, name string, sl *slot) (*types.CacheEntry, error) {
	data, err := s.storage.Read(ctx, name, sl.id)
	if err != nil {
		if types.IsError(err, types.ErrStorageNotFound) {
			return nil, types.Errorf(types.ErrEntryCorrupt, "payload missing for %s", sl.key)
		}
		return nil, err
	}

	env, err := decodeEntry(data)
	if err != nil {
		return nil, err
	}

	if env.Entry.Key != sl.key {
		return nil, types.Errorf(types.ErrEntryCorrupt, "key mismatch: indexed %s, stored %s", sl.key, env.Entry.Key)
	}

	return env.Entry, nil
}

func (s *Store) rebuildUnsafe(ctx context.Context, b *bucket) error {
	var stale []string

	err := s.storage.Scan(ctx, b.name, func(id string, data []byte) error {
		env, err := decodeEntry(data)
		if err != nil {
			stale = append(stale, id)
			return nil
		}

		if env.Seq > b.seq {
			b.seq = env.Seq
		}

		candidate := &slot{
			key:        env.Entry.Key,
			id:         id,
			seq:        env.Seq,
			storedAtMs: env.Entry.StoredAtMs,
			size:       env.Entry.Size,
		}

		if current, ok := b.index[candidate.key]; ok {
			// Scans may repeat an id.
			if current.id == id {
				return nil
			}
			if current.seq > candidate.seq {
				stale = append(stale, id)
				return nil
			}
			stale = append(stale, current.id)
			b.unlink(current)
		}

		b.index[candidate.key] = candidate
		b.size += candidate.size
		return nil
	})
	if err != nil {
		return err
	}

	for _, id := range stale {
		if err := s.storage.Delete(ctx, b.name, id); err != nil {
			s.logger.Warn("Failed to delete stale cache payload",
				zap.String("bucket", b.name),
				zap.String("id", id),
				zap.Error(err))
		}
	}

	return nil
}

func (s *Store) evictUnsafe(ctx context.Context, b *bucket, excess int64) int {
	victims := b.victims(excess, nil)
	for _, victim := range victims {
		s.retireUnsafe(ctx, b, victim)
		s.recordEviction(b, victim)
	}
	return len(victims)
}

func (s *Store) retireUnsafe(ctx context.Context, b *bucket, sl *slot) {
	b.unlink(sl)
	if sl.pins > 0 {
		sl.doomed = true
		return
	}
	s.purgeUnsafe(ctx, b, sl)
}

func (s *Store) purgeUnsafe(ctx context.Context, b *bucket, sl *slot) {
	sl.doomed = false
	if b.dropped {
		return
	}

	if err := s.storage.Delete(context.WithoutCancel(ctx), b.name, sl.id); err != nil &&
		!types.IsError(err, types.ErrStorageNotFound) {
		s.logger.Warn("Failed to delete cache payload",
			zap.String("bucket", b.name),
			zap.String("key", sl.key),
			zap.Error(err))
	}
}

func (s *Store) recordLookup(b *bucket, hit bool) {
	result := "miss"
	if hit {
		b.hits.Add(1)
		s.hits.Add(1)
		result = "hit"
	} else {
		b.misses.Add(1)
		s.misses.Add(1)
	}

	if s.metrics != nil {
		s.metrics.Counter("cache_lookups_total", map[string]string{
			"bucket": b.name,
			"result": result,
		}).Inc()
	}
}

func (s *Store) recordEviction(b *bucket, victim *slot) {
	b.evictions.Add(1)
	s.evictions.Add(1)

	s.logger.Debug("Cache entry evicted",
		zap.String("bucket", b.name),
		zap.String("key", victim.key),
		zap.Int64("stored_at_ms", victim.storedAtMs),
		zap.Int64("size", victim.size))

	if s.metrics != nil {
		s.metrics.Counter("cache_evictions_total", map[string]string{"bucket": b.name}).Inc()
	}
}

func (s *Store) recordSize(b *bucket) {
	if s.metrics != nil {
		s.metrics.Gauge("cache_bucket_bytes", map[string]string{"bucket": b.name}).Set(float64(b.size))
	}
}

func (b *bucket) unlink(sl *slot) {
	if current, ok := b.index[sl.key]; ok && current == sl {
		delete(b.index, sl.key)
		b.size -= sl.size
	}
}

// victims picks entries oldest first, ties broken by insertion order, until
// at least excess bytes are covered.
func (b *bucket) victims(excess int64, skip *slot) []*slot {
	if excess <= 0 {
		return nil
	}

	var picked []*slot
	var freed int64
	for _, sl := range b.ordered(skip) {
		if freed >= excess {
			break
		}
		picked = append(picked, sl)
		freed += sl.size
	}
	return picked
}

func (b *bucket) ordered(skip *slot) []*slot {
	list := make([]*slot, 0, len(b.index))
	for _, sl := range b.index {
		if sl != skip {
			list = append(list, sl)
		}
	}

	sort.Slice(list, func(i, j int) bool {
		if list[i].storedAtMs != list[j].storedAtMs {
			return list[i].storedAtMs < list[j].storedAtMs
		}
		return list[i].seq < list[j].seq
	})
	return list
}

func (b *bucket) stats() types.BucketStats {
	return types.BucketStats{
		Name:         b.name,
		SizeLimit:    b.limit,
		CurrentSize:  b.size,
		Entries:      len(b.index),
		Hits:         b.hits.Load(),
		Misses:       b.misses.Load(),
		Evictions:    b.evictions.Load(),
		QuotaRejects: b.quotaRejects.Load(),
	}
}

func storageID(key string, seq uint64) string {
	return key + "#" + strconv.FormatUint(seq, 36)
}
