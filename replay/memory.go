package replay

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-offline/types"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

// MemoryStore keeps deferred tasks in process memory; they are lost on
// restart.
type MemoryStore struct {
	logger types.Logger
	mu     sync.RWMutex
	tasks  map[string]*types.SyncTask
	state  atomic.Value
}

func NewMemoryStore(logger types.Logger) *MemoryStore {
	m := &MemoryStore{
		logger: logger,
		tasks:  make(map[string]*types.SyncTask),
	}
	m.state.Store(StateStopped)
	return m
}

func (m *MemoryStore) Start() error {
	if !m.transitionState(StateStopped, StateStarting) {
		return types.ErrServerAlreadyRunning
	}

	m.setState(StateRunning)
	m.logger.Info("Memory sync store started")
	return nil
}

func (m *MemoryStore) Stop() error {
	if !m.transitionState(StateRunning, StateStopping) {
		return types.ErrServerNotRunning
	}

	defer m.setState(StateStopped)

	m.mu.RLock()
	remaining := len(m.tasks)
	m.mu.RUnlock()

	if remaining > 0 {
		m.logger.Warn("Memory sync store stopped with pending tasks", zap.Int("pending", remaining))
	}
	return nil
}

func (m *MemoryStore) IsRunning() bool {
	return m.getState() == StateRunning
}

func (m *MemoryStore) Append(_ context.Context, task *types.SyncTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	copied := cloneTask(task)
	m.tasks[task.ID] = copied
	return nil
}

func (m *MemoryStore) List(_ context.Context, tag string) ([]*types.SyncTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var list []*types.SyncTask
	for _, task := range m.tasks {
		if task.Tag == tag {
			list = append(list, cloneTask(task))
		}
	}

	sort.Slice(list, func(i, j int) bool { return list[i].Seq < list[j].Seq })
	return list, nil
}

func (m *MemoryStore) Update(_ context.Context, task *types.SyncTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tasks[task.ID]; !ok {
		return types.Errorf(types.ErrSyncTaskNotFound, "task %s", task.ID)
	}
	m.tasks[task.ID] = cloneTask(task)
	return nil
}

func (m *MemoryStore) Remove(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.tasks, id)
	return nil
}

func (m *MemoryStore) Tags(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, task := range m.tasks {
		seen[task.Tag] = struct{}{}
	}

	tags := make([]string, 0, len(seen))
	for tag := range seen {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags, nil
}

func (m *MemoryStore) LastSeq(_ context.Context) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var last uint64
	for _, task := range m.tasks {
		if task.Seq > last {
			last = task.Seq
		}
	}
	return last, nil
}

func (m *MemoryStore) getState() State {
	return m.state.Load().(State)
}

func (m *MemoryStore) setState(newState State) bool {
	currentState := m.getState()
	return m.state.CompareAndSwap(currentState, newState)
}

func (m *MemoryStore) transitionState(from, to State) bool {
	return m.state.CompareAndSwap(from, to)
}

func cloneTask(task *types.SyncTask) *types.SyncTask {
	out := *task
	out.Payload.Headers = make(map[string]string, len(task.Payload.Headers))
	for k, v := range task.Payload.Headers {
		out.Payload.Headers[k] = v
	}
	if task.Payload.Body != nil {
		out.Payload.Body = append([]byte(nil), task.Payload.Body...)
	}
	return &out
}
