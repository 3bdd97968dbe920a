package client

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/saiset-co/sai-offline/logger"
	"github.com/saiset-co/sai-offline/types"
)

func TestCircuitBreakerRecovery(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }

	cb := NewCircuitBreaker(&types.CircuitBreakerConfig{
		Enabled:          true,
		FailureThreshold: 3,
		RecoveryTimeout:  10 * time.Second,
		HalfOpenRequests: 1,
	}, logger.NewNopLogger(), "origin", clock)

	for i := 0; i < 3; i++ {
		assert.True(t, cb.Allow())
		cb.RecordFailure()
	}
	assert.Equal(t, StateBreakerOpen, cb.State())
	assert.False(t, cb.Allow())

	now = now.Add(11 * time.Second)
	assert.True(t, cb.Allow())
	assert.Equal(t, StateBreakerHalfOpen, cb.State())
	assert.False(t, cb.Allow(), "only one probe is allowed while half-open")

	cb.RecordSuccess()
	assert.Equal(t, StateBreakerClosed, cb.State())
	assert.True(t, cb.Allow())
	assert.Equal(t, uint64(1), cb.TimesOpened())
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }

	cb := NewCircuitBreaker(&types.CircuitBreakerConfig{
		Enabled:          true,
		FailureThreshold: 1,
		RecoveryTimeout:  time.Second,
	}, logger.NewNopLogger(), "origin", clock)

	cb.RecordFailure()
	now = now.Add(2 * time.Second)
	assert.True(t, cb.Allow())

	cb.RecordFailure()
	assert.Equal(t, StateBreakerOpen, cb.State())
	assert.False(t, cb.Allow())
}

func TestCircuitBreakerDisabled(t *testing.T) {
	cb := NewCircuitBreaker(nil, logger.NewNopLogger(), "origin", nil)

	for i := 0; i < 100; i++ {
		cb.RecordFailure()
	}
	assert.True(t, cb.Allow())
	assert.Equal(t, StateBreakerDisabled, cb.State())
}
