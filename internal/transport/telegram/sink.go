package telegram

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"taskbot/internal/router"
	"taskbot/internal/task"
	"taskbot/internal/transport"
	logx "taskbot/pkg/logx"
)

const (
	defaultNotifyRate  = 1.0
	defaultNotifyBurst = 3
)

type SinkConfig struct {
	RatePerSec float64
	Burst      int
	Location   *time.Location
}

// Sink delivers reminders and digests to the owner's private chat. Owner
// ids are Telegram user ids, which double as private chat ids.
type Sink struct {
	send transport.Sender
	log  logx.Logger

	mu      sync.RWMutex
	limiter *rate.Limiter
	loc     *time.Location
}

func NewSink(send transport.Sender, cfg SinkConfig, log logx.Logger) *Sink {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Sink{send: send, log: log}
	s.Apply(cfg)
	return s
}

// Apply swaps rate limits and display timezone.
func (s *Sink) Apply(cfg SinkConfig) {
	r, b := cfg.RatePerSec, cfg.Burst
	if r <= 0 {
		r = defaultNotifyRate
	}
	if b <= 0 {
		b = defaultNotifyBurst
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.limiter == nil {
		s.limiter = rate.NewLimiter(rate.Limit(r), b)
	} else {
		s.limiter.SetLimit(rate.Limit(r))
		s.limiter.SetBurst(b)
	}
	s.loc = loc
}

func (s *Sink) state() (*rate.Limiter, *time.Location) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.limiter, s.loc
}

// Notify sends a due reminder for t.
func (s *Sink) Notify(ctx context.Context, t task.Task) error {
	_, loc := s.state()
	return s.deliver(ctx, t.Owner, FormatReminder(t, loc))
}

// SendSummary sends a dashboard to owner.
func (s *Sink) SendSummary(ctx context.Context, owner string, sum router.Summary) error {
	_, loc := s.state()
	return s.deliver(ctx, owner, FormatSummary(sum, loc))
}

func (s *Sink) deliver(ctx context.Context, owner, text string) error {
	chatID, err := strconv.ParseInt(owner, 10, 64)
	if err != nil {
		return fmt.Errorf("owner %q is not a chat id: %w", owner, err)
	}
	lim, _ := s.state()
	if err := lim.Wait(ctx); err != nil {
		return fmt.Errorf("rate wait: %w", err)
	}
	_, err = s.send.SendText(ctx, transport.ChatTarget{ChatID: chatID}, text, &transport.SendOptions{ParseMode: "HTML", DisablePreview: true})
	if err != nil {
		s.log.Debug("send failed", logx.Int64("chat_id", chatID), logx.Err(err))
		return err
	}
	return nil
}
