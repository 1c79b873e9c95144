package task

import (
	"strings"
	"time"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusDone      Status = "done"
	StatusCancelled Status = "cancelled"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusDone, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further mutation is allowed.
func (s Status) Terminal() bool { return s == StatusDone || s == StatusCancelled }

// ParseStatus accepts the canonical names plus a few chat-friendly aliases.
func ParseStatus(raw string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "pending", "todo", "open":
		return StatusPending, nil
	case "done", "completed", "complete":
		return StatusDone, nil
	case "cancelled", "canceled", "cancel":
		return StatusCancelled, nil
	}
	return "", Validation("unknown status %q", raw)
}

// Task is the sole persisted entity of the engine.
//
// Times are UTC with millisecond precision so they compare equal after a
// round trip through any store driver.
type Task struct {
	ID          string     `json:"id"`
	Owner       string     `json:"owner"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	DueAt       time.Time  `json:"due_at"`
	Recurrence  Recurrence `json:"recurrence"`
	Status      Status     `json:"status"`

	// LastNotifiedAt is the DueAt of the last occurrence that was delivered.
	LastNotifiedAt *time.Time `json:"last_notified_at,omitempty"`
	// ClaimedUntil is a delivery lease held by a scan while it talks to the sink.
	ClaimedUntil *time.Time `json:"claimed_until,omitempty"`

	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Notified reports whether the current occurrence has already fired.
func (t Task) Notified() bool {
	return t.LastNotifiedAt != nil && !t.LastNotifiedAt.Before(t.DueAt)
}

// Claimed reports whether a delivery lease is active at now.
func (t Task) Claimed(now time.Time) bool {
	return t.ClaimedUntil != nil && t.ClaimedUntil.After(now)
}

// Overdue reports whether a pending task's due time has passed.
func (t Task) Overdue(now time.Time) bool {
	return t.Status == StatusPending && t.DueAt.Before(now)
}

// Validate checks the fields required for a stored task.
func (t Task) Validate() error {
	if strings.TrimSpace(t.Owner) == "" {
		return Validation("owner is required")
	}
	if strings.TrimSpace(t.Title) == "" {
		return Validation("title is required")
	}
	if t.DueAt.IsZero() {
		return Validation("due time is required")
	}
	if t.Status != "" && !t.Status.Valid() {
		return Validation("unknown status %q", t.Status)
	}
	return t.Recurrence.Validate()
}

// Mutation is a partial update applied atomically by a store.
//
// Nil fields are left untouched. IfVersion, when non-zero, makes the update
// conditional on the stored version.
type Mutation struct {
	IfVersion int64

	Title       *string
	Description *string
	DueAt       *time.Time
	Status      *Status

	LastNotifiedAt      *time.Time
	ClearLastNotifiedAt bool
	ClaimedUntil        *time.Time
	ClearClaim          bool
}

// Apply mutates t in place and bumps its version. The caller is responsible
// for the version check and for persisting the result.
func (m Mutation) Apply(t *Task, now time.Time) error {
	if t.Status.Terminal() {
		return InvalidState(t.ID, t.Status, "update")
	}
	if m.Title != nil {
		title := strings.TrimSpace(*m.Title)
		if title == "" {
			return Validation("title is required")
		}
		t.Title = title
	}
	if m.Description != nil {
		t.Description = strings.TrimSpace(*m.Description)
	}
	if m.DueAt != nil {
		if m.DueAt.IsZero() {
			return Validation("due time is required")
		}
		t.DueAt = Normalize(*m.DueAt)
	}
	if m.Status != nil {
		if !m.Status.Valid() {
			return Validation("unknown status %q", *m.Status)
		}
		t.Status = *m.Status
	}
	switch {
	case m.ClearLastNotifiedAt:
		t.LastNotifiedAt = nil
	case m.LastNotifiedAt != nil:
		v := Normalize(*m.LastNotifiedAt)
		t.LastNotifiedAt = &v
	}
	switch {
	case m.ClearClaim:
		t.ClaimedUntil = nil
	case m.ClaimedUntil != nil:
		v := Normalize(*m.ClaimedUntil)
		t.ClaimedUntil = &v
	}
	t.Version++
	t.UpdatedAt = Normalize(now)
	return nil
}

// Filter selects tasks for List. Empty fields match everything.
type Filter struct {
	Owner    string
	Statuses []Status
}

func (f Filter) Match(t Task) bool {
	if f.Owner != "" && t.Owner != f.Owner {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, st := range f.Statuses {
		if t.Status == st {
			return true
		}
	}
	return false
}

// Normalize converts t to UTC with millisecond precision.
func Normalize(t time.Time) time.Time {
	if t.IsZero() {
		return time.Time{}
	}
	return time.UnixMilli(t.UnixMilli()).UTC()
}

// Less orders tasks by due time, then creation time, then id.
func Less(a, b Task) bool {
	if !a.DueAt.Equal(b.DueAt) {
		return a.DueAt.Before(b.DueAt)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}
