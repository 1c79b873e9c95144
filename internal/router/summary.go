package router

import (
	"context"
	"strings"
	"time"

	"taskbot/internal/task"
)

// upcomingLimit caps Summary.Upcoming.
const upcomingLimit = 3

// Summary is an owner's dashboard.
type Summary struct {
	Owner     string
	At        time.Time
	Total     int
	Pending   int
	Done      int
	Cancelled int
	Overdue   int
	// Upcoming holds the next pending tasks by due time, overdue ones first.
	Upcoming []task.Task
	// OldestPending is the pending task created first, if any.
	OldestPending *task.Task
}

func (r *Router) Summary(ctx context.Context, owner string) (Summary, error) {
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return Summary{}, task.Validation("owner is required")
	}
	all, err := r.store.List(ctx, task.Filter{Owner: owner})
	if err != nil {
		return Summary{}, err
	}
	now := r.clock.Now()
	s := Summary{Owner: owner, At: now, Total: len(all)}
	for i := range all {
		t := all[i]
		switch t.Status {
		case task.StatusPending:
			s.Pending++
			if t.Overdue(now) {
				s.Overdue++
			}
			if len(s.Upcoming) < upcomingLimit {
				s.Upcoming = append(s.Upcoming, t)
			}
			if s.OldestPending == nil || t.CreatedAt.Before(s.OldestPending.CreatedAt) {
				s.OldestPending = &all[i]
			}
		case task.StatusDone:
			s.Done++
		case task.StatusCancelled:
			s.Cancelled++
		}
	}
	return s, nil
}
