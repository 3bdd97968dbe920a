package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"

	"github.com/saiset-co/sai-offline/logger"
	"github.com/saiset-co/sai-offline/types"
	"github.com/saiset-co/sai-offline/utils"
)

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

type generations struct{ current *types.GenerationInfo }

func (g generations) CurrentInfo() *types.GenerationInfo { return g.current }
func (g generations) WaitingInfo() *types.GenerationInfo { return nil }

func newManager(t *testing.T, timeout time.Duration) *Manager {
	t.Helper()

	m := NewManager(context.Background(), &types.HealthConfig{Timeout: timeout},
		types.ServiceInfo{Name: "sai-offline", Version: "test"}, logger.NewNopLogger())
	require.NoError(t, m.Start())
	t.Cleanup(func() { _ = m.Stop() })
	return m
}

func TestCheckAggregatesStatuses(t *testing.T) {
	m := newManager(t, time.Second)
	m.RegisterChecker("storage", StorageChecker(pinger{}))
	m.RegisterChecker("generation", GenerationChecker(generations{current: &types.GenerationInfo{Version: "v1"}}))

	report := m.Check(context.Background())
	assert.Equal(t, types.StatusHealthy, report.Status)
	assert.Equal(t, 2, report.Summary.Healthy)
	assert.Equal(t, "v1", report.Checks["generation"].Details["version"])

	m.RegisterChecker("link", func(context.Context) types.HealthCheck {
		return types.HealthCheck{Status: types.StatusUnknown}
	})
	assert.Equal(t, types.StatusUnknown, m.Check(context.Background()).Status)

	m.RegisterChecker("storage", StorageChecker(pinger{err: errors.New("disk gone")}))
	report = m.Check(context.Background())
	assert.Equal(t, types.StatusUnhealthy, report.Status)
	assert.Equal(t, "disk gone", report.Checks["storage"].Message)
	assert.Len(t, m.Last(), 3)
}

func TestCheckTimeoutAndPanic(t *testing.T) {
	m := newManager(t, 50*time.Millisecond)
	m.RegisterChecker("slow", func(ctx context.Context) types.HealthCheck {
		<-ctx.Done()
		time.Sleep(20 * time.Millisecond)
		return types.HealthCheck{Status: types.StatusHealthy}
	})
	m.RegisterChecker("broken", func(context.Context) types.HealthCheck {
		panic("boom")
	})

	report := m.Check(context.Background())
	assert.Equal(t, types.StatusUnhealthy, report.Status)
	assert.Equal(t, "health check timeout", report.Checks["slow"].Message)
	assert.Contains(t, report.Checks["broken"].Message, "boom")
}

func TestGenerationCheckerWithoutGeneration(t *testing.T) {
	check := GenerationChecker(generations{})(context.Background())
	assert.Equal(t, types.StatusUnhealthy, check.Status)
}

func TestHandler(t *testing.T) {
	m := newManager(t, time.Second)
	m.RegisterChecker("storage", StorageChecker(pinger{}))

	ctx := &fasthttp.RequestCtx{}
	ctx.Init(&fasthttp.Request{}, nil, nil)
	m.Handler()(ctx)

	require.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())

	var report Report
	require.NoError(t, utils.Unmarshal(ctx.Response.Body(), &report))
	assert.Equal(t, types.StatusHealthy, report.Status)
	assert.Equal(t, "sai-offline", report.Service.Name)
	assert.NotEmpty(t, report.Build.GoVersion)

	m.RegisterChecker("storage", StorageChecker(pinger{err: errors.New("down")}))
	ctx = &fasthttp.RequestCtx{}
	ctx.Init(&fasthttp.Request{}, nil, nil)
	m.Handler()(ctx)
	assert.Equal(t, fasthttp.StatusServiceUnavailable, ctx.Response.StatusCode())
}
