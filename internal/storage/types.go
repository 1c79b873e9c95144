package storage

import (
	"context"
	"errors"
	"time"

	"taskbot/internal/task"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
//   - "file": JSON snapshot + journal next to Path
type Config struct {
	Driver       string
	Path         string
	BusyTimeout  time.Duration // sqlite only; 0 means default
	CompactEvery int           // file only; journal writes between compactions
}

// Store is the TaskStore contract.
type Store interface {
	// Create assigns the id, timestamps and version, and persists t.
	Create(ctx context.Context, t task.Task) (task.Task, error)
	Get(ctx context.Context, id string) (task.Task, error)
	// Update applies m atomically; see task.Mutation for the version check.
	Update(ctx context.Context, id string, m task.Mutation) (task.Task, error)
	// List returns tasks matching f ordered by due time ascending.
	List(ctx context.Context, f task.Filter) ([]task.Task, error)
	// DueBefore returns pending tasks with DueAt <= at, ordered by due time,
	// read from a single consistent snapshot.
	DueBefore(ctx context.Context, at time.Time) ([]task.Task, error)
	Delete(ctx context.Context, id string) error

	AppendAudit(ctx context.Context, e AuditEntry) error
	Close() error
}

// AuditEntry records a command or a notification attempt.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At     time.Time `json:"at"`
	Owner  string    `json:"owner,omitempty"`
	Action string    `json:"action"`
	TaskID string    `json:"task_id,omitempty"`
	OK     bool      `json:"ok"`
	Error  string    `json:"err,omitempty"`
	TookMS int64     `json:"took_ms,omitempty"`
}

// Clock lets tests pin CreatedAt/UpdatedAt. It matches clock.Clock.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }
