package fallback

import (
	"context"
	"net/http"
	"path"
	"strings"

	"github.com/saiset-co/sai-offline/cache"
	"github.com/saiset-co/sai-offline/types"
)

const HeaderFallback = "X-Sai-Fallback"

var imageExtensions = map[string]struct{}{
	".png": {}, ".jpg": {}, ".jpeg": {}, ".gif": {}, ".webp": {},
	".svg": {}, ".avif": {}, ".ico": {}, ".bmp": {},
}

type Store interface {
	Get(ctx context.Context, bucket, key string) (*types.CacheEntry, error)
}

// Resolver answers requests that neither the cache nor the network could
// serve. It only ever reads the precache bucket.
type Resolver struct {
	store  Store
	bucket string
	table  map[types.FallbackCategory]string
}

func NewResolver(store Store, precacheBucket string, specs []types.FallbackSpec) (*Resolver, error) {
	table := make(map[types.FallbackCategory]string, len(specs))

	for _, spec := range specs {
		switch spec.Category {
		case types.FallbackNavigation, types.FallbackImage, types.FallbackGeneric:
		default:
			return nil, types.Errorf(types.ErrInvalidParameter, "fallback category %q", spec.Category)
		}

		if _, exists := table[spec.Category]; exists {
			return nil, types.Errorf(types.ErrInvalidParameter, "fallback category %q listed twice", spec.Category)
		}

		key, err := NormalizeKey(spec.Key)
		if err != nil {
			return nil, err
		}
		table[spec.Category] = key
	}

	return &Resolver{store: store, bucket: precacheBucket, table: table}, nil
}

// NormalizeKey maps a fallback URL to the cache key it is precached under.
// An empty key stays empty and means a synthesized response.
func NormalizeKey(rawURL string) (string, error) {
	if rawURL == "" {
		return "", nil
	}

	req, err := types.NewRequest(http.MethodGet, rawURL)
	if err != nil {
		return "", err
	}
	return req.CacheKey(), nil
}

// Keys returns the precache keys the table depends on.
func (r *Resolver) Keys() []string {
	var keys []string
	for _, key := range r.table {
		if key != "" {
			keys = append(keys, key)
		}
	}
	return keys
}

func (r *Resolver) Resolve(ctx context.Context, req *types.Request) (*types.Response, error) {
	category := Categorize(req)

	key, ok := r.table[category]
	if !ok {
		return nil, types.Errorf(types.ErrFallbackUnavailable, "no fallback for category %s", category)
	}

	if key == "" {
		return &types.Response{
			Status:      http.StatusServiceUnavailable,
			ContentType: "text/plain; charset=utf-8",
			Headers:     map[string]string{HeaderFallback: string(category)},
			Source:      types.SourceFallback,
			Degraded:    true,
		}, nil
	}

	entry, err := r.store.Get(ctx, r.bucket, key)
	if err != nil {
		if cache.IsMiss(err) || types.IsError(err, types.ErrBucketNotFound) {
			return nil, types.Errorf(types.ErrFallbackUnavailable, "fallback %s for %s is not precached", key, category)
		}
		return nil, types.WrapError(err, "failed to read fallback")
	}

	resp := types.ResponseFromEntry(entry, types.SourceFallback)
	resp.Status = http.StatusServiceUnavailable
	resp.Degraded = true
	resp.Headers[HeaderFallback] = string(category)

	return resp, nil
}

// Categorize decides which fallback a request would get.
func Categorize(req *types.Request) types.FallbackCategory {
	if IsNavigation(req) {
		return types.FallbackNavigation
	}

	accept := strings.ToLower(req.Header("Accept"))
	if strings.HasPrefix(accept, "image/") {
		return types.FallbackImage
	}

	if _, ok := imageExtensions[strings.ToLower(path.Ext(req.Path))]; ok {
		return types.FallbackImage
	}

	return types.FallbackGeneric
}

// IsNavigation reports whether the request loads a document.
func IsNavigation(req *types.Request) bool {
	if req.Mode == types.ModeNavigate {
		return true
	}

	if req.Method != http.MethodGet {
		return false
	}

	accept := strings.ToLower(req.Header("Accept"))
	first, _, _ := strings.Cut(accept, ",")
	return strings.HasPrefix(strings.TrimSpace(first), "text/html")
}
