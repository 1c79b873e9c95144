package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "taskbot/pkg/logx"
)

// sdNotify reports state to systemd. Outside a Type=notify unit it is a no-op.
func sdNotify(log logx.Logger, state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		log.Debug("sd_notify", logx.String("state", state))
	}
}

// watchdog pings systemd at half the configured WatchdogSec while the app
// supervisor is healthy.
func watchdog(log logx.Logger) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		interval, err := daemon.SdWatchdogEnabled(false)
		if err != nil {
			log.Warn("systemd watchdog unavailable", logx.Err(err))
			return nil
		}
		if interval <= 0 {
			return nil
		}
		t := time.NewTicker(interval / 2)
		defer t.Stop()
		log.Info("systemd watchdog enabled", logx.Duration("interval", interval))
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-t.C:
				sdNotify(log, daemon.SdNotifyWatchdog)
			}
		}
	}
}
