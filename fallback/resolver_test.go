package fallback

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saiset-co/sai-offline/cache"
	"github.com/saiset-co/sai-offline/logger"
	"github.com/saiset-co/sai-offline/types"
)

const precache = "precache-v1"

func newStore(t *testing.T) *cache.Store {
	t.Helper()

	log := logger.NewNopLogger()
	store := cache.NewStore(cache.NewMemoryStorage(log), log, nil)
	require.NoError(t, store.Open(context.Background(), precache, 1<<20))

	offlinePage := types.NewCacheEntry("/offline.html", &types.Response{
		Status:      200,
		Body:        []byte("<h1>offline</h1>"),
		ContentType: "text/html",
	}, time.Now().UnixMilli())
	require.NoError(t, store.Put(context.Background(), precache, offlinePage))

	return store
}

func request(t *testing.T, uri string, headers map[string]string) *types.Request {
	t.Helper()
	req, err := types.NewRequest("GET", uri)
	require.NoError(t, err)
	for k, v := range headers {
		req.SetHeader(k, v)
	}
	return req
}

func TestCategorize(t *testing.T) {
	tests := []struct {
		name     string
		req      *types.Request
		expected types.FallbackCategory
	}{
		{name: "accept html", req: request(t, "/page", map[string]string{"Accept": "text/html,application/xhtml+xml"}), expected: types.FallbackNavigation},
		{name: "accept image", req: request(t, "/avatar", map[string]string{"Accept": "image/avif,image/webp"}), expected: types.FallbackImage},
		{name: "image extension", req: request(t, "/img/photo.JPG", nil), expected: types.FallbackImage},
		{name: "json", req: request(t, "/api/items", map[string]string{"Accept": "application/json"}), expected: types.FallbackGeneric},
		{name: "html later in accept list", req: request(t, "/x", map[string]string{"Accept": "application/json, text/html"}), expected: types.FallbackGeneric},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Categorize(tt.req))
		})
	}

	nav := request(t, "/dashboard", nil)
	nav.Mode = types.ModeNavigate
	assert.Equal(t, types.FallbackNavigation, Categorize(nav))
}

func TestResolveOfflineDocument(t *testing.T) {
	r, err := NewResolver(newStore(t), precache, []types.FallbackSpec{
		{Category: types.FallbackNavigation, Key: "/offline.html"},
	})
	require.NoError(t, err)

	req := request(t, "/unknown", map[string]string{"Accept": "text/html"})
	resp, err := r.Resolve(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, 503, resp.Status)
	assert.True(t, resp.Degraded)
	assert.Equal(t, types.SourceFallback, resp.Source)
	assert.Equal(t, "<h1>offline</h1>", string(resp.Body))
	assert.Equal(t, "navigation", resp.Headers[HeaderFallback])
}

func TestResolveSynthesizedResponse(t *testing.T) {
	r, err := NewResolver(newStore(t), precache, []types.FallbackSpec{
		{Category: types.FallbackGeneric},
	})
	require.NoError(t, err)

	resp, err := r.Resolve(context.Background(), request(t, "/api/x", nil))
	require.NoError(t, err)
	assert.Equal(t, 503, resp.Status)
	assert.Empty(t, resp.Body)
	assert.Equal(t, "generic", resp.Headers[HeaderFallback])
}

func TestResolveUnavailable(t *testing.T) {
	r, err := NewResolver(newStore(t), precache, []types.FallbackSpec{
		{Category: types.FallbackImage, Key: "/placeholder.png"},
	})
	require.NoError(t, err)

	_, err = r.Resolve(context.Background(), request(t, "/api/x", nil))
	assert.ErrorIs(t, err, types.ErrFallbackUnavailable, "category missing from table")

	_, err = r.Resolve(context.Background(), request(t, "/logo.png", nil))
	assert.ErrorIs(t, err, types.ErrFallbackUnavailable, "key not precached")
}

func TestNewResolverValidation(t *testing.T) {
	_, err := NewResolver(nil, precache, []types.FallbackSpec{{Category: "video"}})
	assert.ErrorIs(t, err, types.ErrInvalidParameter)

	_, err = NewResolver(nil, precache, []types.FallbackSpec{
		{Category: types.FallbackGeneric},
		{Category: types.FallbackGeneric, Key: "/x"},
	})
	assert.ErrorIs(t, err, types.ErrInvalidParameter)
}

func TestNormalizeKey(t *testing.T) {
	key, err := NormalizeKey("https://app.example/offline.html?lang=en&a=1")
	require.NoError(t, err)
	assert.Equal(t, "/offline.html?a=1&lang=en", key)
}
