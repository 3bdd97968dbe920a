package types

import (
	"context"
	"encoding/json"
)

const (
	CommandSkipWait      = "skipWait"
	CommandGetStats      = "getStats"
	CommandClearCache    = "clearCache"
	CommandPreloadAssets = "preloadAssets"
	CommandReplaySync    = "replaySync"
)

type ControlMessage struct {
	ID      string          `json:"id"`
	Command string          `json:"command"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type ControlError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ControlReply struct {
	ID     string        `json:"id"`
	OK     bool          `json:"ok"`
	Result interface{}   `json:"result,omitempty"`
	Error  *ControlError `json:"error,omitempty"`
}

const (
	FrameReply = "reply"
	FrameEvent = "event"
)

// ControlFrame is what the websocket transport writes: either a reply to a
// command or a pushed lifecycle event.
type ControlFrame struct {
	Type  string          `json:"type"`
	Reply *ControlReply   `json:"reply,omitempty"`
	Event *LifecycleEvent `json:"event,omitempty"`
}

type ClearCachePayload struct {
	Bucket string `json:"bucket"`
}

type PreloadPayload struct {
	URLs []string `json:"urls"`
}

type EngineStats struct {
	Hits        uint64          `json:"hits"`
	Misses      uint64          `json:"misses"`
	Evictions   uint64          `json:"evictions"`
	Network     uint64          `json:"network_fetches"`
	NetworkErrs uint64          `json:"network_errors"`
	Fallbacks   uint64          `json:"fallbacks"`
	Passthrough uint64          `json:"passthrough"`
	Queued      uint64          `json:"queued"`
	Current     *GenerationInfo `json:"current,omitempty"`
	Waiting     *GenerationInfo `json:"waiting,omitempty"`
	Buckets     []BucketStats   `json:"buckets"`
	SyncPending map[string]int  `json:"sync_pending,omitempty"`
}

// ControlHandler is the engine surface reachable through the control channel.
type ControlHandler interface {
	SkipWaiting(ctx context.Context) (*GenerationInfo, error)
	Stats(ctx context.Context) (*EngineStats, error)
	ClearCache(ctx context.Context, bucket string) ([]string, error)
	Preload(ctx context.Context, urls []string) (int, error)
	ReplaySync(ctx context.Context) (*ReplayReport, error)
}
