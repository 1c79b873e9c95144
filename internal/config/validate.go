package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if strings.TrimSpace(c.Telegram.Token) == "" {
		add(errors.New("telegram.token is required"))
	}
	if len(c.Telegram.OwnerUserIDs) == 0 {
		add(errors.New("telegram.owner_user_ids must list at least one user"))
	}
	_, err := Duration("telegram.poll_timeout", c.Telegram.PollTimeout, 0)
	add(err)

	if _, err := c.Location(); err != nil {
		add(fmt.Errorf("timezone: %w", err))
	}

	for key, raw := range map[string]string{
		"scheduler.interval":       c.Scheduler.Interval,
		"scheduler.claim_ttl":      c.Scheduler.ClaimTTL,
		"scheduler.notify_timeout": c.Scheduler.NotifyTimeout,
		"scheduler.scan_timeout":   c.Scheduler.ScanTimeout,
		"storage.busy_timeout":     c.Storage.BusyTimeout,
	} {
		_, err := Duration(key, raw, 0)
		add(err)
	}

	if c.Digest.Enabled {
		spec := strings.TrimSpace(c.Digest.Schedule)
		if spec == "" {
			spec = DefaultDigestSchedule
		}
		if _, err := cronParser.Parse(spec); err != nil {
			add(fmt.Errorf("digest.schedule: %w", err))
		}
	}

	if c.Notify.RatePerSec < 0 || c.Notify.Burst < 0 {
		add(errors.New("notify.rate_per_sec and notify.burst must be >= 0"))
	}

	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "sqlite", "sqlite3", "file":
	default:
		add(fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		add(errors.New("storage.path is required"))
	}
	if c.Storage.CompactEvery < 0 {
		add(errors.New("storage.compact_every must be >= 0"))
	}
	return errors.Join(errs...)
}
