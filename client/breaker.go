package client

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-offline/types"
)

type CircuitBreakerState int32

const (
	StateBreakerClosed CircuitBreakerState = iota
	StateBreakerOpen
	StateBreakerHalfOpen
	StateBreakerDisabled
)

// CircuitBreaker stops hammering an upstream that is down. While open, calls
// fail fast so strategies fall back to the cache without waiting on dials.
type CircuitBreaker struct {
	config    types.CircuitBreakerConfig
	logger    types.Logger
	upstream  string
	clock     types.Clock
	mutex     sync.Mutex
	state     CircuitBreakerState
	failures  int
	successes int
	inFlight  int
	openedAt  time.Time
	opened    atomic.Uint64
}

func NewCircuitBreaker(config *types.CircuitBreakerConfig, logger types.Logger, upstream string, clock types.Clock) *CircuitBreaker {
	if clock == nil {
		clock = types.SystemClock
	}

	cb := &CircuitBreaker{
		logger:   logger,
		upstream: upstream,
		clock:    clock,
		state:    StateBreakerDisabled,
	}

	if config == nil || !config.Enabled {
		return cb
	}

	cb.config = *config
	if cb.config.FailureThreshold <= 0 {
		cb.config.FailureThreshold = 5
	}
	if cb.config.RecoveryTimeout <= 0 {
		cb.config.RecoveryTimeout = 30 * time.Second
	}
	if cb.config.HalfOpenRequests <= 0 {
		cb.config.HalfOpenRequests = 1
	}
	cb.state = StateBreakerClosed

	return cb
}

// Allow reports whether a call may proceed. In half-open state only
// HalfOpenRequests probes are let through at a time.
func (cb *CircuitBreaker) Allow() bool {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	switch cb.state {
	case StateBreakerDisabled, StateBreakerClosed:
		return true
	case StateBreakerOpen:
		if cb.clock().Sub(cb.openedAt) < cb.config.RecoveryTimeout {
			return false
		}
		cb.transitionUnsafe(StateBreakerHalfOpen)
		cb.inFlight = 1
		return true
	case StateBreakerHalfOpen:
		if cb.inFlight >= cb.config.HalfOpenRequests {
			return false
		}
		cb.inFlight++
		return true
	default:
		return true
	}
}

func (cb *CircuitBreaker) RecordSuccess() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	switch cb.state {
	case StateBreakerClosed:
		cb.failures = 0
	case StateBreakerHalfOpen:
		cb.successes++
		if cb.inFlight > 0 {
			cb.inFlight--
		}
		if cb.successes >= cb.config.HalfOpenRequests {
			cb.transitionUnsafe(StateBreakerClosed)
		}
	}
}

func (cb *CircuitBreaker) RecordFailure() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	switch cb.state {
	case StateBreakerClosed:
		cb.failures++
		if cb.failures >= cb.config.FailureThreshold {
			cb.transitionUnsafe(StateBreakerOpen)
		}
	case StateBreakerHalfOpen:
		cb.transitionUnsafe(StateBreakerOpen)
	}
}

func (cb *CircuitBreaker) Reset() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	if cb.state != StateBreakerDisabled {
		cb.transitionUnsafe(StateBreakerClosed)
	}
}

func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) TimesOpened() uint64 {
	return cb.opened.Load()
}

func (cb *CircuitBreaker) transitionUnsafe(to CircuitBreakerState) {
	from := cb.state
	cb.state = to
	cb.failures = 0
	cb.successes = 0
	cb.inFlight = 0

	switch to {
	case StateBreakerOpen:
		cb.openedAt = cb.clock()
		cb.opened.Add(1)
		cb.logger.Warn("Circuit breaker opened",
			zap.String("upstream", cb.upstream),
			zap.String("from", from.String()),
			zap.Duration("recovery_timeout", cb.config.RecoveryTimeout))
	default:
		cb.logger.Info("Circuit breaker state changed",
			zap.String("upstream", cb.upstream),
			zap.String("from", from.String()),
			zap.String("to", to.String()))
	}
}

func (s CircuitBreakerState) String() string {
	switch s {
	case StateBreakerClosed:
		return "closed"
	case StateBreakerOpen:
		return "open"
	case StateBreakerHalfOpen:
		return "half-open"
	case StateBreakerDisabled:
		return "disabled"
	default:
		return "unknown"
	}
}

// IsCircuitBreakerFailure counts transport errors and gateway statuses. Other
// statuses are valid answers from a reachable upstream.
func IsCircuitBreakerFailure(statusCode int, err error) bool {
	if err != nil {
		return true
	}

	switch statusCode {
	case 502, 503, 504:
		return true
	default:
		return false
	}
}
