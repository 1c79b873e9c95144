package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"taskbot/internal/clock"
	"taskbot/internal/runtime/supervisor"
	logx "taskbot/pkg/logx"
)

// Service runs the scan loop.
type Service struct {
	store Store
	sink  Sink
	clock clock.Clock
	log   logx.Logger

	mu     sync.Mutex
	cfg    Config
	parent context.Context
	sup    *supervisor.Supervisor
	reset  chan struct{}
	stats  scanStats
}

func New(cfg Config, store Store, sink Sink, clk clock.Clock, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if clk == nil {
		clk = clock.System()
	}
	return &Service{
		store: store,
		sink:  sink,
		clock: clk,
		log:   log,
		cfg:   cfg.withDefaults(),
		reset: make(chan struct{}, 1),
	}
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Start launches the scan loop. The first scan runs immediately so
// occurrences missed while the process was down are caught up.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.parent = ctx
	if !s.cfg.Enabled {
		s.log.Info("scheduler disabled")
		return nil
	}
	return s.startLocked()
}

func (s *Service) startLocked() error {
	if s.sup != nil {
		return nil
	}
	if s.store == nil || s.sink == nil {
		return errors.New("scheduler requires a store and a sink")
	}
	s.sup = supervisor.New(s.parent, supervisor.WithLogger(s.log))
	s.sup.GoRestart("scheduler.loop", s.loop)
	s.log.Info("scheduler started", logx.Duration("interval", s.cfg.Interval), logx.Duration("claim_ttl", s.cfg.ClaimTTL))
	return nil
}

// Stop lets the scan in progress finish and starts no new one.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return nil
	}
	err := sup.Stop(ctx)
	s.log.Info("scheduler stopped")
	return err
}

// Apply hot-swaps the loop knobs. Toggling Enabled starts or stops the loop
// when Start has been called.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()

	s.mu.Lock()
	old := s.cfg
	s.cfg = cfg
	running := s.sup != nil
	started := s.parent != nil
	if !old.Enabled && cfg.Enabled && started && !running {
		if err := s.startLocked(); err != nil {
			s.log.Error("scheduler start failed", logx.Err(err))
		}
	}
	s.mu.Unlock()

	if old.Enabled && !cfg.Enabled && running {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.ScanTimeout+cfg.NotifyTimeout)
		defer cancel()
		_ = s.Stop(ctx)
		return
	}
	if old.Interval != cfg.Interval {
		select {
		case s.reset <- struct{}{}:
		default:
		}
	}
	if old != cfg {
		s.log.Info("scheduler config applied", logx.Duration("interval", cfg.Interval), logx.Duration("notify_timeout", cfg.NotifyTimeout))
	}
}

func (s *Service) loop(ctx context.Context) error {
	for {
		// The scan is detached from shutdown so it always completes.
		rep, err := s.ScanOnce(context.WithoutCancel(ctx))
		s.record(rep, err)
		if err != nil {
			s.log.Warn("scan failed", logx.Err(err))
		}
		t := time.NewTimer(s.config().Interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-s.reset:
			t.Stop()
		case <-t.C:
		}
	}
}
