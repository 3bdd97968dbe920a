package types

import "time"

type LifecycleManager interface {
	Start() error
	Stop() error
	IsRunning() bool
}

// Clock returns the current time. Components take one so tests can pin time.
type Clock func() time.Time

func SystemClock() time.Time { return time.Now() }

func EpochMs(t time.Time) int64 { return t.UnixMilli() }
