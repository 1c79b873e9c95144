package scheduler

import (
	"context"
	"errors"
	"time"

	"taskbot/internal/storage"
	"taskbot/internal/task"
	logx "taskbot/pkg/logx"
)

type outcome int

const (
	outcomeSent outcome = iota
	outcomeSkipped
	outcomeConflict
	outcomeFailed
)

// ScanOnce runs a single scan at the clock's current time. It returns an
// error only when the due tasks could not be read; per-task failures are
// logged, counted in the report and retried by the next scan.
//
// Cancelling ctx stops the scan before the next task.
func (s *Service) ScanOnce(ctx context.Context) (Report, error) {
	cfg := s.config()
	now := task.Normalize(s.clock.Now())
	rep := Report{At: now}

	lctx, cancel := context.WithTimeout(ctx, cfg.ScanTimeout)
	due, err := s.store.DueBefore(lctx, now)
	cancel()
	if err != nil {
		return rep, err
	}
	rep.Due = len(due)

	for _, t := range due {
		if ctx.Err() != nil {
			break
		}
		switch s.process(ctx, cfg, now, t) {
		case outcomeSent:
			rep.Sent++
		case outcomeSkipped:
			rep.Skipped++
		case outcomeConflict:
			rep.Conflicts++
		case outcomeFailed:
			rep.Failed++
		}
	}
	if rep.Sent > 0 || rep.Failed > 0 || rep.Conflicts > 0 {
		s.log.Debug("scan done",
			logx.Int("due", rep.Due), logx.Int("sent", rep.Sent), logx.Int("skipped", rep.Skipped),
			logx.Int("conflicts", rep.Conflicts), logx.Int("failed", rep.Failed))
	}
	return rep, ctx.Err()
}

func (s *Service) process(ctx context.Context, cfg Config, now time.Time, t task.Task) outcome {
	if t.Notified() || t.Claimed(now) {
		return outcomeSkipped
	}
	log := s.log.With(logx.String("task", t.ID), logx.String("owner", t.Owner))
	if _, err := fireMutation(t, now); err != nil {
		// Left unmarked so every scan reports it until the task is edited.
		log.Error("recurrence advance failed", logx.Err(err))
		return outcomeFailed
	}

	until := now.Add(cfg.ClaimTTL)
	claimed, err := s.update(ctx, cfg, t.ID, task.Mutation{IfVersion: t.Version, ClaimedUntil: &until})
	switch {
	case err == nil:
	case errors.Is(err, task.ErrConflict):
		log.Debug("claim lost", logx.Err(err))
		return outcomeConflict
	case errors.Is(err, task.ErrNotFound), errors.Is(err, task.ErrInvalidState):
		return outcomeSkipped
	default:
		log.Warn("claim failed", logx.Err(err))
		return outcomeFailed
	}

	start := time.Now()
	nctx, cancel := context.WithTimeout(ctx, cfg.NotifyTimeout)
	err = s.sink.Notify(nctx, claimed)
	cancel()
	took := time.Since(start)

	if err != nil {
		err = task.Delivery(t.ID, err)
		log.Warn("notification failed", logx.Err(err), logx.Duration("took", took))
		s.audit(ctx, cfg, claimed, took, err)
		if _, rerr := s.update(ctx, cfg, t.ID, task.Mutation{IfVersion: claimed.Version, ClearClaim: true}); rerr != nil && !errors.Is(rerr, task.ErrConflict) {
			log.Debug("claim release failed", logx.Err(rerr))
		}
		return outcomeFailed
	}
	s.audit(ctx, cfg, claimed, took, nil)

	next, err := s.commit(ctx, cfg, now, claimed)
	if err != nil {
		// The sink already delivered; the lease keeps other scans away until
		// it expires.
		log.Error("notification record failed", logx.Err(err))
		return outcomeFailed
	}
	fields := []logx.Field{logx.Time("due", claimed.DueAt), logx.Duration("took", took)}
	if next != nil && !next.DueAt.Equal(claimed.DueAt) {
		fields = append(fields, logx.Time("next", next.DueAt))
	}
	log.Info("task notified", fields...)
	return outcomeSent
}

// commit records the delivered occurrence. On a version conflict it re-reads
// the task and re-applies only if it is still pending at the same occurrence;
// otherwise the concurrent change wins and nil is returned.
func (s *Service) commit(ctx context.Context, cfg Config, now time.Time, claimed task.Task) (*task.Task, error) {
	cur := claimed
	var err error
	for attempt := 0; attempt < commitAttempts; attempt++ {
		m, ferr := fireMutation(cur, now)
		if ferr != nil {
			return nil, ferr
		}
		var next task.Task
		next, err = s.update(ctx, cfg, cur.ID, m)
		if err == nil {
			return &next, nil
		}
		if !errors.Is(err, task.ErrConflict) {
			return nil, err
		}
		gctx, cancel := context.WithTimeout(ctx, cfg.ScanTimeout)
		fresh, gerr := s.store.Get(gctx, cur.ID)
		cancel()
		if errors.Is(gerr, task.ErrNotFound) {
			return nil, nil
		}
		if gerr != nil {
			return nil, gerr
		}
		if fresh.Status != task.StatusPending || !fresh.DueAt.Equal(claimed.DueAt) || fresh.Notified() {
			s.log.Debug("notification record superseded", logx.String("task", cur.ID))
			return nil, nil
		}
		cur = fresh
	}
	return nil, err
}

// fireMutation marks cur's occurrence as delivered and moves a recurring task
// to its first occurrence strictly after both the fired one and now.
func fireMutation(cur task.Task, now time.Time) (task.Mutation, error) {
	fired := cur.DueAt
	m := task.Mutation{IfVersion: cur.Version, LastNotifiedAt: &fired, ClearClaim: true}
	if cur.Recurrence.IsNone() {
		return m, nil
	}
	next, err := cur.Recurrence.Next(fired, now)
	if err != nil {
		return task.Mutation{}, err
	}
	m.DueAt = &next
	return m, nil
}

func (s *Service) update(ctx context.Context, cfg Config, id string, m task.Mutation) (task.Task, error) {
	uctx, cancel := context.WithTimeout(ctx, cfg.ScanTimeout)
	defer cancel()
	return s.store.Update(uctx, id, m)
}

func (s *Service) audit(ctx context.Context, cfg Config, t task.Task, took time.Duration, err error) {
	e := storage.AuditEntry{
		At:     s.clock.Now(),
		Owner:  t.Owner,
		Action: "notify",
		TaskID: t.ID,
		OK:     err == nil,
		TookMS: took.Milliseconds(),
	}
	if err != nil {
		e.Error = err.Error()
	}
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ScanTimeout)
	defer cancel()
	if aerr := s.store.AppendAudit(actx, e); aerr != nil {
		s.log.Debug("audit append failed", logx.Err(aerr))
	}
}
