package app

import (
	"fmt"
	"strconv"
	"time"

	"taskbot/internal/config"
	"taskbot/internal/digest"
	"taskbot/internal/scheduler"
	"taskbot/internal/transport/telegram"
	logx "taskbot/pkg/logx"
)

// runtimeConfig is the hot-reloadable part of the config, already parsed.
type runtimeConfig struct {
	loc         *time.Location
	pollTimeout time.Duration
	owners      []int64
	logging     logx.Config
	scheduler   scheduler.Config
	digest      digest.Config
	sink        telegram.SinkConfig
}

func mapRuntimeConfig(cfg *config.Config) (runtimeConfig, error) {
	loc, err := cfg.Location()
	if err != nil {
		return runtimeConfig{}, fmt.Errorf("timezone: %w", err)
	}
	poll, err := config.Duration("telegram.poll_timeout", cfg.Telegram.PollTimeout, 0)
	if err != nil {
		return runtimeConfig{}, err
	}
	sched, err := mapSchedulerConfig(cfg.Scheduler)
	if err != nil {
		return runtimeConfig{}, err
	}

	// Digest owners default to the bot owners.
	owners := cfg.Digest.Owners
	if len(owners) == 0 {
		for _, id := range cfg.Telegram.OwnerUserIDs {
			owners = append(owners, strconv.FormatInt(id, 10))
		}
	}

	return runtimeConfig{
		loc:         loc,
		pollTimeout: poll,
		owners:      append([]int64(nil), cfg.Telegram.OwnerUserIDs...),
		logging: logx.Config{
			Level:   cfg.Logging.Level,
			Console: cfg.Logging.Console,
			File: logx.FileConfig{
				Enabled: cfg.Logging.File.Enabled,
				Path:    cfg.Logging.File.Path,
			},
		},
		scheduler: sched,
		digest: digest.Config{
			Enabled:  cfg.Digest.Enabled,
			Schedule: cfg.Digest.Schedule,
			Owners:   owners,
			Location: loc,
		},
		sink: telegram.SinkConfig{
			RatePerSec: float64(cfg.Notify.RatePerSec),
			Burst:      cfg.Notify.Burst,
			Location:   loc,
		},
	}, nil
}

func mapSchedulerConfig(sc config.SchedulerConfig) (scheduler.Config, error) {
	out := scheduler.Config{Enabled: sc.IsEnabled()}
	for _, f := range []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"scheduler.interval", sc.Interval, &out.Interval},
		{"scheduler.claim_ttl", sc.ClaimTTL, &out.ClaimTTL},
		{"scheduler.notify_timeout", sc.NotifyTimeout, &out.NotifyTimeout},
		{"scheduler.scan_timeout", sc.ScanTimeout, &out.ScanTimeout},
	} {
		d, err := config.Duration(f.key, f.raw, 0)
		if err != nil {
			return scheduler.Config{}, err
		}
		*f.dst = d
	}
	return out, nil
}
