package cron

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saiset-co/sai-offline/logger"
	"github.com/saiset-co/sai-offline/types"
)

func newManager(t *testing.T) *Manager {
	t.Helper()
	m := NewManager(context.Background(), &types.CronConfig{Enabled: true, Timezone: "UTC"}, logger.NewNopLogger(), nil)
	require.NoError(t, m.Start())
	t.Cleanup(func() { _ = m.Stop() })
	return m
}

func TestJobRunsOnSchedule(t *testing.T) {
	m := newManager(t)

	var runs atomic.Int32
	require.NoError(t, m.Add("probe", "@every 1s", func(ctx context.Context) {
		assert.NoError(t, ctx.Err())
		runs.Add(1)
	}))

	assert.Eventually(t, func() bool { return runs.Load() >= 1 }, 3*time.Second, 20*time.Millisecond)

	jobs := m.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, "probe", jobs[0].Name)
	assert.GreaterOrEqual(t, jobs[0].RunCount, int64(1))

	require.NoError(t, m.Remove("probe"))
	assert.Empty(t, m.Jobs())
}

func TestPanickingJobKeepsScheduler(t *testing.T) {
	m := newManager(t)

	var runs atomic.Int32
	require.NoError(t, m.Add("broken", "@every 1s", func(context.Context) {
		runs.Add(1)
		panic("boom")
	}))

	assert.Eventually(t, func() bool { return runs.Load() >= 2 }, 4*time.Second, 20*time.Millisecond)
	assert.True(t, m.IsRunning())
}

func TestAddValidation(t *testing.T) {
	m := NewManager(context.Background(), &types.CronConfig{Timezone: "Nowhere/Invalid"}, logger.NewNopLogger(), nil)
	noop := func(context.Context) {}

	assert.ErrorIs(t, m.Add("", "@every 1s", noop), types.ErrCronJobNameIsEmpty)
	assert.ErrorIs(t, m.Add("job", "@every 1s", nil), types.ErrCronJobIsNil)
	assert.ErrorIs(t, m.Add("job", "not a spec", noop), types.ErrCronExpressionInvalid)

	require.NoError(t, m.Add("job", "*/5 * * * * *", noop))
	require.NoError(t, m.Add("minutely", "* * * * *", noop))
	assert.ErrorIs(t, m.Add("job", "@hourly", noop), types.ErrCronJobExists)
	assert.ErrorIs(t, m.Remove("missing"), types.ErrCronJobNotFound)

	assert.ErrorIs(t, m.Stop(), types.ErrServerNotRunning)
}
