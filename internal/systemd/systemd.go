// Package systemd wraps the coreos/go-systemd notify protocol for the
// termbridge daemon.
//
// The daemon ships with a Type=notify unit, so systemd holds the service in
// "activating" until NotifyReady is called after the HTTP listener is up.
// WatchdogSec support restarts the daemon if the health check stops passing.
// Every function degrades to a no-op when NOTIFY_SOCKET is absent, so the
// daemon runs unchanged in a plain terminal or a container.
package systemd

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// NotifyReady sends READY=1, telling systemd initialization is complete and
// the listener is accepting connections.
//
// Returns true if the notification was delivered, false when not running
// under systemd.
func NotifyReady() bool {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		slog.Warn("failed to send systemd ready notification", "error", err)
		return false
	}
	if sent {
		slog.Debug("sent systemd ready notification")
	} else {
		slog.Debug("systemd notification not available (not running under systemd)")
	}
	return sent
}

// NotifyStopping sends STOPPING=1 so systemd waits out the coordinated
// shutdown instead of escalating to SIGKILL.
//
// Returns true if the notification was delivered, false when not running
// under systemd.
func NotifyStopping() bool {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err != nil {
		slog.Warn("failed to send systemd stopping notification", "error", err)
		return false
	}
	if sent {
		slog.Debug("sent systemd stopping notification")
	}
	return sent
}

// HealthCheckFunc reports whether the daemon is healthy. StartWatchdog calls
// it before every ping; returning false withholds the ping so systemd
// eventually restarts the service.
type HealthCheckFunc func() bool

// StartWatchdog begins sending WATCHDOG=1 pings on a goroutine.
//
// It is a no-op unless systemd supplied a WatchdogSec interval via
// sd_watchdog_enabled. Pings are sent every interval/2, per the systemd
// documentation. The goroutine exits when ctx is cancelled.
func StartWatchdog(ctx context.Context, healthCheck HealthCheckFunc) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		slog.Debug("watchdog not enabled", "error", err)
		return
	}
	if interval == 0 {
		slog.Debug("watchdog interval is zero, watchdog disabled")
		return
	}

	pingInterval := interval / 2
	slog.Info("starting systemd watchdog",
		"watchdog_interval", interval,
		"ping_interval", pingInterval,
	)

	go watchdogLoop(ctx, pingInterval, healthCheck)
}

func watchdogLoop(ctx context.Context, interval time.Duration, healthCheck HealthCheckFunc) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Debug("watchdog loop stopping")
			return
		case <-ticker.C:
			if !healthCheck() {
				slog.Warn("health check failed, skipping watchdog ping")
				continue
			}
			if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
				slog.Warn("failed to send watchdog ping", "error", err)
			} else {
				slog.Debug("sent watchdog ping")
			}
		}
	}
}

// IsRunningUnderSystemd reports whether systemd started this process,
// detected through the NOTIFY_SOCKET environment variable.
func IsRunningUnderSystemd() bool {
	return os.Getenv("NOTIFY_SOCKET") != ""
}
