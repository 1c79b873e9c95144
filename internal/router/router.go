package router

import (
	"context"
	"errors"
	"strings"
	"time"

	"taskbot/internal/clock"
	"taskbot/internal/storage"
	"taskbot/internal/task"
	logx "taskbot/pkg/logx"
)

// conflictAttempts bounds re-fetch and re-apply after ErrConflict.
const conflictAttempts = 3

type Router struct {
	store storage.Store
	clock clock.Clock
	log   logx.Logger
}

func New(store storage.Store, clk clock.Clock, log logx.Logger) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	if clk == nil {
		clk = clock.System()
	}
	return &Router{store: store, clock: clk, log: log}
}

type CreateRequest struct {
	Owner       string          `json:"owner" validate:"required"`
	Title       string          `json:"title" validate:"required,max=200"`
	Description string          `json:"description" validate:"max=2000"`
	DueAt       time.Time       `json:"due" validate:"required"`
	Recurrence  task.Recurrence `json:"recurrence"`
}

// UpdateRequest changes the free-text fields. Nil fields are kept.
type UpdateRequest struct {
	Title       *string `json:"title" validate:"omitnil,max=200"`
	Description *string `json:"description" validate:"omitnil,max=2000"`
}

func (r *Router) CreateTask(ctx context.Context, req CreateRequest) (out task.Task, err error) {
	defer r.audit(ctx, "create", req.Owner, "", &out, time.Now(), &err)

	req.Owner = strings.TrimSpace(req.Owner)
	req.Title = strings.TrimSpace(req.Title)
	req.Description = strings.TrimSpace(req.Description)
	if err = validateStruct(req); err != nil {
		return task.Task{}, err
	}
	if err = req.Recurrence.Validate(); err != nil {
		return task.Task{}, err
	}
	out, err = r.store.Create(ctx, task.Task{
		Owner:       req.Owner,
		Title:       req.Title,
		Description: req.Description,
		DueAt:       req.DueAt,
		Recurrence:  req.Recurrence,
	})
	return out, err
}

func (r *Router) CompleteTask(ctx context.Context, id string) (task.Task, error) {
	return r.transition(ctx, "complete", id, task.StatusDone)
}

func (r *Router) CancelTask(ctx context.Context, id string) (task.Task, error) {
	return r.transition(ctx, "cancel", id, task.StatusCancelled)
}

func (r *Router) transition(ctx context.Context, op, id string, to task.Status) (out task.Task, err error) {
	defer r.audit(ctx, op, "", id, &out, time.Now(), &err)
	out, err = r.mutate(ctx, id, func(cur task.Task) (task.Mutation, error) {
		if cur.Status.Terminal() {
			return task.Mutation{}, task.InvalidState(cur.ID, cur.Status, op)
		}
		return task.Mutation{Status: &to, ClearClaim: true}, nil
	})
	return out, err
}

// SnoozeTask moves a pending task to newDue and re-arms its notification.
func (r *Router) SnoozeTask(ctx context.Context, id string, newDue time.Time) (out task.Task, err error) {
	defer r.audit(ctx, "snooze", "", id, &out, time.Now(), &err)
	out, err = r.mutate(ctx, id, func(cur task.Task) (task.Mutation, error) {
		if cur.Status != task.StatusPending {
			return task.Mutation{}, task.InvalidState(cur.ID, cur.Status, "snooze")
		}
		if now := r.clock.Now(); !newDue.After(now) {
			return task.Mutation{}, task.Validation("new due time %s is not after now (%s)",
				newDue.UTC().Format(time.RFC3339), now.UTC().Format(time.RFC3339))
		}
		return task.Mutation{DueAt: &newDue, ClearLastNotifiedAt: true, ClearClaim: true}, nil
	})
	return out, err
}

func (r *Router) UpdateTask(ctx context.Context, id string, req UpdateRequest) (out task.Task, err error) {
	defer r.audit(ctx, "update", "", id, &out, time.Now(), &err)
	if req.Title == nil && req.Description == nil {
		return task.Task{}, task.Validation("nothing to update")
	}
	if err = validateStruct(req); err != nil {
		return task.Task{}, err
	}
	out, err = r.mutate(ctx, id, func(cur task.Task) (task.Mutation, error) {
		if cur.Status.Terminal() {
			return task.Mutation{}, task.InvalidState(cur.ID, cur.Status, "update")
		}
		return task.Mutation{Title: req.Title, Description: req.Description}, nil
	})
	return out, err
}

// DeleteTask removes a task in any status. Its id is not reused.
func (r *Router) DeleteTask(ctx context.Context, id string) (err error) {
	var out task.Task
	defer r.audit(ctx, "delete", "", id, &out, time.Now(), &err)
	out, err = r.store.Get(ctx, id)
	if err != nil {
		return err
	}
	return r.store.Delete(ctx, id)
}

func (r *Router) ListTasks(ctx context.Context, owner string, statuses ...task.Status) ([]task.Task, error) {
	for _, st := range statuses {
		if !st.Valid() {
			return nil, task.Validation("unknown status %q", st)
		}
	}
	return r.store.List(ctx, task.Filter{Owner: strings.TrimSpace(owner), Statuses: statuses})
}

// Resolve finds one of owner's tasks by full id or by a unique id prefix.
func (r *Router) Resolve(ctx context.Context, owner, ref string) (task.Task, error) {
	ref = strings.ToLower(strings.TrimSpace(ref))
	if ref == "" {
		return task.Task{}, task.Validation("task id is required")
	}
	if t, err := r.store.Get(ctx, ref); err == nil {
		if t.Owner != owner {
			return task.Task{}, task.NotFound(ref)
		}
		return t, nil
	} else if !errors.Is(err, task.ErrNotFound) {
		return task.Task{}, err
	}

	all, err := r.store.List(ctx, task.Filter{Owner: owner})
	if err != nil {
		return task.Task{}, err
	}
	var hits []task.Task
	for _, t := range all {
		if strings.HasPrefix(strings.ToLower(t.ID), ref) {
			hits = append(hits, t)
		}
	}
	switch len(hits) {
	case 0:
		return task.Task{}, task.NotFound(ref)
	case 1:
		return hits[0], nil
	default:
		return task.Task{}, task.Validation("id prefix %q matches %d tasks", ref, len(hits))
	}
}

// mutate reads the task, builds a mutation from it and applies it
// conditionally on the version read.
func (r *Router) mutate(ctx context.Context, id string, build func(cur task.Task) (task.Mutation, error)) (task.Task, error) {
	var err error
	for attempt := 0; attempt < conflictAttempts; attempt++ {
		var cur task.Task
		cur, err = r.store.Get(ctx, id)
		if err != nil {
			return task.Task{}, err
		}
		var m task.Mutation
		m, err = build(cur)
		if err != nil {
			return task.Task{}, err
		}
		m.IfVersion = cur.Version

		var next task.Task
		next, err = r.store.Update(ctx, id, m)
		if !errors.Is(err, task.ErrConflict) {
			return next, err
		}
		r.log.Debug("update conflict, retrying", logx.String("task", id), logx.Int("attempt", attempt+1))
	}
	return task.Task{}, err
}

func (r *Router) audit(ctx context.Context, action, owner, id string, t *task.Task, start time.Time, errp *error) {
	if t.ID != "" {
		id = t.ID
	}
	e := storage.AuditEntry{
		At:     r.clock.Now(),
		Owner:  owner,
		Action: action,
		TaskID: id,
		OK:     *errp == nil,
		TookMS: time.Since(start).Milliseconds(),
	}
	if e.Owner == "" {
		e.Owner = t.Owner
	}
	if *errp != nil {
		e.Error = (*errp).Error()
		r.log.Debug("command rejected", logx.String("action", action), logx.Err(*errp))
	} else {
		r.log.Info("command applied", logx.String("action", action), logx.String("task", id), logx.String("owner", e.Owner))
	}
	if err := r.store.AppendAudit(context.WithoutCancel(ctx), e); err != nil {
		r.log.Warn("audit append failed", logx.Err(err))
	}
}
