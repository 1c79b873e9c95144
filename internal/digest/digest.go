// Package digest sends each owner a scheduled task dashboard.
package digest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"taskbot/internal/router"
	logx "taskbot/pkg/logx"
)

const (
	DefaultSchedule = "0 8 * * *"
	defaultTimeout  = 30 * time.Second
)

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

type Summarizer interface {
	Summary(ctx context.Context, owner string) (router.Summary, error)
}

type Sender interface {
	SendSummary(ctx context.Context, owner string, s router.Summary) error
}

type Config struct {
	Enabled  bool
	Schedule string
	Owners   []string
	Location *time.Location
	// Timeout bounds one whole run.
	Timeout time.Duration
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Schedule) == "" {
		c.Schedule = DefaultSchedule
	}
	if c.Location == nil {
		c.Location = time.UTC
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	return c
}

// Report is the outcome of one run.
type Report struct {
	Sent   int
	Failed int
	Err    error
}

type Service struct {
	sum  Summarizer
	send Sender
	log  logx.Logger

	mu      sync.Mutex
	cfg     Config
	sched   cron.Schedule
	c       *cron.Cron
	baseCtx context.Context
}

// New validates cfg.Schedule and returns a stopped service.
func New(cfg Config, sum Summarizer, send Sender, log logx.Logger) (*Service, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	sched, err := parser.Parse(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("digest schedule %q: %w", cfg.Schedule, err)
	}
	return &Service{sum: sum, send: send, log: log, cfg: cfg, sched: sched}, nil
}

// Start registers the cron job when enabled. Runs use ctx values but are
// not cancelled by it; Stop ends them.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.baseCtx = context.WithoutCancel(ctx)
	s.startLocked()
}

func (s *Service) startLocked() {
	if s.c != nil || s.baseCtx == nil {
		return
	}
	if !s.cfg.Enabled {
		s.log.Info("digest disabled")
		return
	}
	s.c = cron.New(cron.WithParser(parser), cron.WithLocation(s.cfg.Location),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	s.c.Schedule(s.sched, cron.FuncJob(func() { s.RunOnce(s.baseCtx) }))
	s.c.Start()
	s.log.Info("digest started",
		logx.String("schedule", s.cfg.Schedule),
		logx.String("tz", s.cfg.Location.String()),
		logx.Time("next", s.sched.Next(time.Now().In(s.cfg.Location))))
}

// Stop unregisters the job and waits for a running digest until ctx ends.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	select {
	case <-c.Stop().Done():
		s.log.Info("digest stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Apply swaps the configuration, rescheduling a running service.
func (s *Service) Apply(cfg Config) error {
	cfg = cfg.withDefaults()
	sched, err := parser.Parse(cfg.Schedule)
	if err != nil {
		return fmt.Errorf("digest schedule %q: %w", cfg.Schedule, err)
	}
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	// A running digest needs s.mu, so wait for it unlocked.
	if c != nil {
		<-c.Stop().Done()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	s.sched = sched
	s.startLocked()
	return nil
}

// Next returns the first run strictly after now.
func (s *Service) Next(now time.Time) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sched.Next(now.In(s.cfg.Location))
}

// RunOnce sends the dashboard to every configured owner. One owner's
// failure does not stop the others.
func (s *Service) RunOnce(ctx context.Context) Report {
	s.mu.Lock()
	owners := append([]string(nil), s.cfg.Owners...)
	timeout := s.cfg.Timeout
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		rep  Report
		errs []error
	)
	for _, owner := range owners {
		if err := s.sendOne(ctx, owner); err != nil {
			rep.Failed++
			errs = append(errs, fmt.Errorf("owner %s: %w", owner, err))
			s.log.Warn("digest failed", logx.String("owner", owner), logx.Err(err))
			continue
		}
		rep.Sent++
	}
	rep.Err = errors.Join(errs...)
	s.log.Info("digest run", logx.Int("sent", rep.Sent), logx.Int("failed", rep.Failed))
	return rep
}

func (s *Service) sendOne(ctx context.Context, owner string) error {
	sum, err := s.sum.Summary(ctx, owner)
	if err != nil {
		return err
	}
	return s.send.SendSummary(ctx, owner, sum)
}
