package types

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
)

type CronManager interface {
	LifecycleManager
	Add(jobName, spec string, job func(ctx context.Context)) error
	Remove(jobName string) error
}

type JobEntry struct {
	ID           cron.EntryID
	Name         string
	Spec         string
	Job          func(ctx context.Context)
	AddedAt      time.Time
	LastRun      time.Time
	LastDuration time.Duration
	RunCount     int64
}
