package storage

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"taskbot/internal/task"
	logx "taskbot/pkg/logx"
)

// Option customizes a store at open time.
type Option func(*options)

type options struct {
	clock Clock
	newID func() string
}

// WithClock overrides the time source used for bookkeeping timestamps.
func WithClock(c Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithIDGenerator overrides task id generation.
func WithIDGenerator(fn func() string) Option {
	return func(o *options) {
		if fn != nil {
			o.newID = fn
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{clock: wallClock{}, newID: uuid.NewString}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger, opts ...Option) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log, buildOptions(opts))
	case "file":
		return openFile(cfg, log, buildOptions(opts))
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", cfg.Driver)
	}
}

// prepareCreate validates t and fills the store-owned fields.
func prepareCreate(t task.Task, o options) (task.Task, error) {
	t.Owner = strings.TrimSpace(t.Owner)
	t.Title = strings.TrimSpace(t.Title)
	t.Description = strings.TrimSpace(t.Description)
	if t.Status == "" {
		t.Status = task.StatusPending
	}
	if err := t.Validate(); err != nil {
		return task.Task{}, err
	}
	now := task.Normalize(o.clock.Now())
	t.ID = o.newID()
	t.DueAt = task.Normalize(t.DueAt)
	t.LastNotifiedAt = nil
	t.ClaimedUntil = nil
	t.Version = 1
	t.CreatedAt = now
	t.UpdatedAt = now
	return t, nil
}

// applyMutation runs the version check and m against cur.
func applyMutation(cur task.Task, m task.Mutation, o options) (task.Task, error) {
	if m.IfVersion != 0 && cur.Version != m.IfVersion {
		return task.Task{}, task.Conflict(cur.ID, m.IfVersion)
	}
	next := cur
	if err := m.Apply(&next, o.clock.Now()); err != nil {
		return task.Task{}, err
	}
	return next, nil
}
