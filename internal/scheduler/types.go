package scheduler

import (
	"context"
	"time"

	"taskbot/internal/storage"
	"taskbot/internal/task"
)

const (
	DefaultInterval      = 30 * time.Second
	DefaultNotifyTimeout = 15 * time.Second
	DefaultScanTimeout   = 10 * time.Second

	// commitAttempts bounds re-applying a notification record after a
	// concurrent edit.
	commitAttempts = 3
)

type Config struct {
	Enabled       bool
	Interval      time.Duration
	ClaimTTL      time.Duration // delivery lease; 0 means 2x NotifyTimeout
	NotifyTimeout time.Duration
	ScanTimeout   time.Duration // per store call
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.NotifyTimeout <= 0 {
		c.NotifyTimeout = DefaultNotifyTimeout
	}
	if c.ScanTimeout <= 0 {
		c.ScanTimeout = DefaultScanTimeout
	}
	// The lease must outlive the sink call it protects.
	if c.ClaimTTL < 2*c.NotifyTimeout {
		c.ClaimTTL = 2 * c.NotifyTimeout
	}
	return c
}

// Sink delivers a due notification. It must honor ctx.
type Sink interface {
	Notify(ctx context.Context, t task.Task) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, t task.Task) error

func (f SinkFunc) Notify(ctx context.Context, t task.Task) error { return f(ctx, t) }

// Store is the part of storage.Store a scan needs.
type Store interface {
	DueBefore(ctx context.Context, at time.Time) ([]task.Task, error)
	Get(ctx context.Context, id string) (task.Task, error)
	Update(ctx context.Context, id string, m task.Mutation) (task.Task, error)
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
}

// Report summarizes one scan.
type Report struct {
	At        time.Time
	Due       int // candidates returned by the store
	Sent      int
	Skipped   int // already notified, claimed elsewhere, or changed under us
	Conflicts int // lost the claim race
	Failed    int // sink or store failure; retried next scan
}
