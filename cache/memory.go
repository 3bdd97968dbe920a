package cache

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-offline/types"
)

type StorageState int32

const (
	StorageStateStopped StorageState = iota
	StorageStateStarting
	StorageStateRunning
	StorageStateStopping
)

// MemoryStorage keeps payloads in process memory. Contents do not survive a
// restart, so every bucket starts empty.
type MemoryStorage struct {
	logger  types.Logger
	mu      sync.RWMutex
	buckets map[string]map[string][]byte
	state   atomic.Value
}

func NewMemoryStorage(logger types.Logger) *MemoryStorage {
	m := &MemoryStorage{
		logger:  logger,
		buckets: make(map[string]map[string][]byte),
	}

	m.state.Store(StorageStateStopped)

	return m
}

func (m *MemoryStorage) Read(_ context.Context, bucket, id string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.buckets[bucket][id]
	if !ok {
		return nil, types.Errorf(types.ErrStorageNotFound, "%s/%s", bucket, id)
	}

	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (m *MemoryStorage) Write(_ context.Context, bucket, id string, data []byte) error {
	stored := make([]byte, len(data))
	copy(stored, data)

	m.mu.Lock()
	defer m.mu.Unlock()

	records, ok := m.buckets[bucket]
	if !ok {
		records = make(map[string][]byte)
		m.buckets[bucket] = records
	}
	records[id] = stored

	return nil
}

func (m *MemoryStorage) Delete(_ context.Context, bucket, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	records, ok := m.buckets[bucket]
	if !ok {
		return nil
	}

	delete(records, id)
	if len(records) == 0 {
		delete(m.buckets, bucket)
	}

	return nil
}

func (m *MemoryStorage) DropBucket(_ context.Context, bucket string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.buckets, bucket)
	return nil
}

func (m *MemoryStorage) Scan(ctx context.Context, bucket string, fn func(id string, data []byte) error) error {
	m.mu.RLock()
	records := m.buckets[bucket]
	ids := make([]string, 0, len(records))
	snapshot := make(map[string][]byte, len(records))
	for id, data := range records {
		ids = append(ids, id)
		snapshot[id] = data
	}
	m.mu.RUnlock()

	sort.Strings(ids)

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(id, snapshot[id]); err != nil {
			return err
		}
	}

	return nil
}

func (m *MemoryStorage) ListBuckets(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.buckets))
	for name := range m.buckets {
		names = append(names, name)
	}
	sort.Strings(names)

	return names, nil
}

func (m *MemoryStorage) Ping(_ context.Context) error {
	return nil
}

func (m *MemoryStorage) Start() error {
	if !m.transitionState(StorageStateStopped, StorageStateStarting) {
		return types.ErrServerAlreadyRunning
	}

	m.setState(StorageStateRunning)
	m.logger.Info("Memory storage started")

	return nil
}

func (m *MemoryStorage) Stop() error {
	if !m.transitionState(StorageStateRunning, StorageStateStopping) {
		return types.ErrServerNotRunning
	}

	defer m.setState(StorageStateStopped)

	m.mu.Lock()
	count := len(m.buckets)
	m.buckets = make(map[string]map[string][]byte)
	m.mu.Unlock()

	m.logger.Info("Memory storage stopped", zap.Int("cleared_buckets", count))
	return nil
}

func (m *MemoryStorage) IsRunning() bool {
	return m.getState() == StorageStateRunning
}

func (m *MemoryStorage) getState() StorageState {
	return m.state.Load().(StorageState)
}

func (m *MemoryStorage) setState(newState StorageState) bool {
	currentState := m.getState()
	return m.state.CompareAndSwap(currentState, newState)
}

func (m *MemoryStorage) transitionState(from, to StorageState) bool {
	return m.state.CompareAndSwap(from, to)
}
