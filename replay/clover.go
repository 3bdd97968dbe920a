package replay

import (
	"context"
	"sort"
	"strconv"
	"sync/atomic"

	"github.com/ostafen/clover"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-offline/types"
	"github.com/saiset-co/sai-offline/utils"
)

const taskCollection = "sync_tasks"

type CloverConfig struct {
	Path string `yaml:"path" json:"path"`
}

// CloverStore persists deferred tasks in a clover document database so
// queued writes survive restarts.
type CloverStore struct {
	db     *clover.DB
	logger types.Logger
	config *CloverConfig
	state  atomic.Value
}

func NewCloverStore(logger types.Logger, config interface{}) (*CloverStore, error) {
	cfg := &CloverConfig{Path: "./sai-offline-sync"}
	if config != nil {
		if err := utils.UnmarshalConfig(config, cfg); err != nil {
			return nil, types.WrapError(err, "failed to parse clover sync store config")
		}
	}

	db, err := clover.Open(cfg.Path)
	if err != nil {
		return nil, types.WrapError(err, "failed to open CloverDB")
	}

	exists, err := db.HasCollection(taskCollection)
	if err != nil {
		_ = db.Close()
		return nil, types.WrapError(err, "failed to check collection existence")
	}

	if !exists {
		if err := db.CreateCollection(taskCollection); err != nil {
			_ = db.Close()
			return nil, types.WrapError(err, "failed to create collection")
		}
	}

	cs := &CloverStore{
		db:     db,
		logger: logger,
		config: cfg,
	}
	cs.state.Store(StateStopped)
	return cs, nil
}

func (c *CloverStore) Start() error {
	if !c.transitionState(StateStopped, StateStarting) {
		return types.ErrServerAlreadyRunning
	}

	c.setState(StateRunning)
	c.logger.Info("Clover sync store started", zap.String("path", c.config.Path))
	return nil
}

func (c *CloverStore) Stop() error {
	if !c.transitionState(StateRunning, StateStopping) {
		return types.ErrServerNotRunning
	}

	defer c.setState(StateStopped)

	if err := c.db.Close(); err != nil {
		return types.WrapError(err, "failed to close CloverDB")
	}

	c.logger.Info("Clover sync store stopped gracefully")
	return nil
}

func (c *CloverStore) IsRunning() bool {
	return c.getState() == StateRunning
}

func (c *CloverStore) Append(_ context.Context, task *types.SyncTask) error {
	doc, err := toDocument(task)
	if err != nil {
		return err
	}

	if err := c.db.Insert(taskCollection, doc); err != nil {
		return types.WrapError(err, "failed to insert sync task")
	}
	return nil
}

func (c *CloverStore) List(_ context.Context, tag string) ([]*types.SyncTask, error) {
	docs, err := c.db.Query(taskCollection).Where(clover.Field("tag").Eq(tag)).FindAll()
	if err != nil {
		return nil, types.WrapError(err, "failed to find sync tasks")
	}

	tasks := make([]*types.SyncTask, 0, len(docs))
	for _, doc := range docs {
		task, err := fromDocument(doc)
		if err != nil {
			c.logger.Warn("Skipping unreadable sync task", zap.String("tag", tag), zap.Error(err))
			continue
		}
		tasks = append(tasks, task)
	}

	sort.Slice(tasks, func(i, j int) bool { return tasks[i].Seq < tasks[j].Seq })
	return tasks, nil
}

func (c *CloverStore) Update(_ context.Context, task *types.SyncTask) error {
	query := c.db.Query(taskCollection).Where(clover.Field("task_id").Eq(task.ID))

	count, err := query.Count()
	if err != nil {
		return types.WrapError(err, "failed to count matching sync tasks")
	}
	if count == 0 {
		return types.Errorf(types.ErrSyncTaskNotFound, "task %s", task.ID)
	}

	if err := query.Update(map[string]interface{}{"attempts": task.Attempts}); err != nil {
		return types.WrapError(err, "failed to update sync task")
	}
	return nil
}

func (c *CloverStore) Remove(_ context.Context, id string) error {
	if err := c.db.Query(taskCollection).Where(clover.Field("task_id").Eq(id)).Delete(); err != nil {
		return types.WrapError(err, "failed to delete sync task")
	}
	return nil
}

func (c *CloverStore) Tags(_ context.Context) ([]string, error) {
	docs, err := c.db.Query(taskCollection).FindAll()
	if err != nil {
		return nil, types.WrapError(err, "failed to find sync tasks")
	}

	seen := make(map[string]struct{})
	for _, doc := range docs {
		if tag, ok := doc.Get("tag").(string); ok {
			seen[tag] = struct{}{}
		}
	}

	tags := make([]string, 0, len(seen))
	for tag := range seen {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags, nil
}

func (c *CloverStore) LastSeq(_ context.Context) (uint64, error) {
	docs, err := c.db.Query(taskCollection).FindAll()
	if err != nil {
		return 0, types.WrapError(err, "failed to find sync tasks")
	}

	var last uint64
	for _, doc := range docs {
		if seq, ok := toInt64(doc.Get("seq")); ok && uint64(seq) > last {
			last = uint64(seq)
		}
	}
	return last, nil
}

// Payloads are stored as an encoded string field so headers and body keep
// their exact types through the document layer.
func toDocument(task *types.SyncTask) (*clover.Document, error) {
	payload, err := utils.Marshal(&task.Payload)
	if err != nil {
		return nil, types.WrapError(err, "failed to encode sync payload")
	}

	doc := clover.NewDocument()
	doc.Set("task_id", task.ID)
	doc.Set("tag", task.Tag)
	doc.Set("seq", int64(task.Seq))
	doc.Set("enqueued_at_ms", task.EnqueuedAtMs)
	doc.Set("attempts", task.Attempts)
	doc.Set("payload", string(payload))

	return doc, nil
}

func fromDocument(doc *clover.Document) (*types.SyncTask, error) {
	id, _ := doc.Get("task_id").(string)
	tag, _ := doc.Get("tag").(string)
	encoded, _ := doc.Get("payload").(string)

	if id == "" || tag == "" {
		return nil, types.Errorf(types.ErrSyncTaskNotFound, "document without task id or tag")
	}

	task := &types.SyncTask{ID: id, Tag: tag}

	if seq, ok := toInt64(doc.Get("seq")); ok {
		task.Seq = uint64(seq)
	}
	if at, ok := toInt64(doc.Get("enqueued_at_ms")); ok {
		task.EnqueuedAtMs = at
	}
	if attempts, ok := toInt64(doc.Get("attempts")); ok {
		task.Attempts = int(attempts)
	}

	if err := utils.Unmarshal([]byte(encoded), &task.Payload); err != nil {
		return nil, types.WrapError(err, "failed to decode sync payload")
	}

	return task, nil
}

func toInt64(v interface{}) (int64, bool) {
	switch val := v.(type) {
	case int:
		return int64(val), true
	case int32:
		return int64(val), true
	case int64:
		return val, true
	case uint64:
		return int64(val), true
	case float64:
		return int64(val), true
	case float32:
		return int64(val), true
	case string:
		if i, err := strconv.ParseInt(val, 10, 64); err == nil {
			return i, true
		}
	}
	return 0, false
}

func (c *CloverStore) getState() State {
	return c.state.Load().(State)
}

func (c *CloverStore) setState(newState State) bool {
	currentState := c.getState()
	return c.state.CompareAndSwap(currentState, newState)
}

func (c *CloverStore) transitionState(from, to State) bool {
	return c.state.CompareAndSwap(from, to)
}
