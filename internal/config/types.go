package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the bot's on-disk configuration, JSON or YAML.
//
// Durations are Go duration strings ("30s", "2m"). Empty means default.
type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`

	// Timezone is the IANA zone used to read due times typed in chat and to
	// run the digest. Default: UTC.
	Timezone string `json:"timezone,omitempty"`

	Scheduler SchedulerConfig `json:"scheduler"`
	Digest    DigestConfig    `json:"digest"`
	Notify    NotifyConfig    `json:"notify"`
	Storage   StorageConfig   `json:"storage"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// PollTimeout is the long-poll timeout. Default: 10s.
	PollTimeout string `json:"poll_timeout"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls the due-task scan loop.
//
// Enabled is a pointer so an omitted key means enabled.
type SchedulerConfig struct {
	Enabled       *bool  `json:"enabled,omitempty"`
	Interval      string `json:"interval,omitempty"`       // default 30s
	ClaimTTL      string `json:"claim_ttl,omitempty"`      // default 2x notify_timeout
	NotifyTimeout string `json:"notify_timeout,omitempty"` // default 15s
	ScanTimeout   string `json:"scan_timeout,omitempty"`   // default 10s
}

func (s SchedulerConfig) IsEnabled() bool { return s.Enabled == nil || *s.Enabled }

// DigestConfig controls the daily dashboard message.
//
// Example:
//
//	"digest": { "enabled": true, "schedule": "0 8 * * *" }
type DigestConfig struct {
	Enabled  bool   `json:"enabled"`
	Schedule string `json:"schedule,omitempty"` // cron, default "0 8 * * *"
	// Owners receiving the digest. Default: telegram.owner_user_ids.
	Owners []string `json:"owners,omitempty"`
}

// NotifyConfig throttles outbound chat messages.
type NotifyConfig struct {
	RatePerSec int `json:"rate_per_sec,omitempty"` // default 1
	Burst      int `json:"burst,omitempty"`        // default 3
}

// StorageConfig selects the task store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/tasks.db" }
type StorageConfig struct {
	Driver       string `json:"driver"`
	Path         string `json:"path"`
	BusyTimeout  string `json:"busy_timeout,omitempty"`  // sqlite
	CompactEvery int    `json:"compact_every,omitempty"` // file
}

const DefaultDigestSchedule = "0 8 * * *"

// Location resolves Timezone, defaulting to UTC.
func (c *Config) Location() (*time.Location, error) {
	tz := strings.TrimSpace(c.Timezone)
	if tz == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(tz)
}

// Duration reads a duration-valued key. Empty or zero yields def; negative
// values are rejected.
func Duration(key, raw string, def time.Duration) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: %q is not a duration: %w", key, raw, err)
	case d < 0:
		return 0, fmt.Errorf("%s: %s is negative", key, raw)
	case d == 0:
		return def, nil
	}
	return d, nil
}
