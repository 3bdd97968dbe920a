package replay

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saiset-co/sai-offline/logger"
	"github.com/saiset-co/sai-offline/types"
)

func TestCloverStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "sync")

	store, err := NewCloverStore(logger.NewNopLogger(), map[string]interface{}{"path": path})
	require.NoError(t, err)
	require.NoError(t, store.Start())

	for i, id := range []string{"b", "a", "c"} {
		require.NoError(t, store.Append(ctx, &types.SyncTask{
			ID:  id,
			Tag: "messages",
			Seq: uint64(10 - i),
			Payload: types.SyncPayload{
				Method:  "POST",
				URI:     "/api/messages/" + id,
				Headers: map[string]string{"Content-Type": "application/json"},
				Body:    []byte(`{"id":"` + id + `"}`),
			},
		}))
	}
	require.NoError(t, store.Append(ctx, &types.SyncTask{ID: "z", Tag: "likes", Seq: 11}))

	tasks, err := store.List(ctx, "messages")
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	assert.Equal(t, "c", tasks[0].ID)
	assert.Equal(t, "b", tasks[2].ID)
	assert.Equal(t, `{"id":"c"}`, string(tasks[0].Payload.Body))
	assert.Equal(t, "application/json", tasks[0].Payload.Headers["Content-Type"])

	tasks[0].Attempts = 2
	require.NoError(t, store.Update(ctx, tasks[0]))
	require.NoError(t, store.Remove(ctx, "b"))

	assert.ErrorIs(t, store.Update(ctx, &types.SyncTask{ID: "missing"}), types.ErrSyncTaskNotFound)

	tags, err := store.Tags(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"likes", "messages"}, tags)

	last, err := store.LastSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(11), last)

	require.NoError(t, store.Stop())

	reopened, err := NewCloverStore(logger.NewNopLogger(), map[string]interface{}{"path": path})
	require.NoError(t, err)
	require.NoError(t, reopened.Start())
	defer reopened.Stop()

	tasks, err = reopened.List(ctx, "messages")
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, "c", tasks[0].ID)
	assert.Equal(t, 2, tasks[0].Attempts)
}
