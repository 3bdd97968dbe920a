package types

import "context"

type SyncPayload struct {
	Method      string            `json:"method"`
	URI         string            `json:"uri"`
	Headers     map[string]string `json:"headers,omitempty"`
	Body        []byte            `json:"body,omitempty"`
	ContentType string            `json:"content_type,omitempty"`
}

type SyncTask struct {
	ID           string      `json:"id"`
	Tag          string      `json:"tag"`
	Seq          uint64      `json:"seq"`
	EnqueuedAtMs int64       `json:"enqueued_at_ms"`
	Attempts     int         `json:"attempts"`
	Payload      SyncPayload `json:"payload"`
}

type SyncRule struct {
	Pattern string   `yaml:"pattern" json:"pattern" validate:"required"`
	Tag     string   `yaml:"tag" json:"tag" validate:"required"`
	Methods []string `yaml:"methods" json:"methods"`
}

// SyncStore persists deferred tasks. List returns a tag's tasks in FIFO order.
type SyncStore interface {
	LifecycleManager
	Append(ctx context.Context, task *SyncTask) error
	List(ctx context.Context, tag string) ([]*SyncTask, error)
	Update(ctx context.Context, task *SyncTask) error
	Remove(ctx context.Context, id string) error
	Tags(ctx context.Context) ([]string, error)
	LastSeq(ctx context.Context) (uint64, error)
}

type ReplayReport struct {
	Replayed int            `json:"replayed"`
	Failed   int            `json:"failed"`
	Dropped  int            `json:"dropped"`
	Pending  map[string]int `json:"pending"`
}
