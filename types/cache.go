package types

import (
	"context"
	"net/http"
)

// CacheEntry is immutable once stored; a newer copy replaces it wholesale.
type CacheEntry struct {
	Key         string            `json:"key"`
	Payload     []byte            `json:"payload"`
	StoredAtMs  int64             `json:"stored_at_ms"`
	ContentType string            `json:"content_type"`
	Status      int               `json:"status"`
	Headers     map[string]string `json:"headers,omitempty"`
	Size        int64             `json:"size"`
}

// NewCacheEntry copies the response body and headers so the entry does not
// alias buffers owned by the transport. Set-Cookie is never stored.
func NewCacheEntry(key string, resp *Response, storedAtMs int64) *CacheEntry {
	payload := make([]byte, len(resp.Body))
	copy(payload, resp.Body)

	headers := make(map[string]string, len(resp.Headers))
	for k, v := range resp.Headers {
		if http.CanonicalHeaderKey(k) == "Set-Cookie" {
			continue
		}
		headers[k] = v
	}

	return &CacheEntry{
		Key:         key,
		Payload:     payload,
		StoredAtMs:  storedAtMs,
		ContentType: resp.ContentType,
		Status:      resp.Status,
		Headers:     headers,
		Size:        int64(len(payload)),
	}
}

type BucketStats struct {
	Name         string `json:"name"`
	SizeLimit    int64  `json:"size_limit_bytes"`
	CurrentSize  int64  `json:"current_size_bytes"`
	Entries      int    `json:"entries"`
	Hits         uint64 `json:"hits"`
	Misses       uint64 `json:"misses"`
	Evictions    uint64 `json:"evictions"`
	QuotaRejects uint64 `json:"quota_rejects"`
}

// Storage is the asynchronous, non-transactional backend that holds entry
// payloads. The cache store serializes every mutation per bucket on top of it.
type Storage interface {
	LifecycleManager
	Read(ctx context.Context, bucket, id string) ([]byte, error)
	Write(ctx context.Context, bucket, id string, data []byte) error
	Delete(ctx context.Context, bucket, id string) error
	DropBucket(ctx context.Context, bucket string) error
	Scan(ctx context.Context, bucket string, fn func(id string, data []byte) error) error
	ListBuckets(ctx context.Context) ([]string, error)
	Ping(ctx context.Context) error
}

type StorageCreator func(ctx context.Context, config interface{}) (Storage, error)
