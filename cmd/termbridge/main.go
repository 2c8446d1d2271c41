// Termbridge - Entry Point
//
// Termbridge is a daemon that hosts interactive shell sessions on PTYs and
// bridges them to local clients over HTTP/WebSocket and, optionally, to a
// central operator plane over NATS. It is responsible for:
//   - Spawning and supervising PTY-backed shell sessions with scrollback
//   - Streaming terminal I/O to WebSocket attachments and NATS subjects
//   - Recording session lifecycle history and host statistics
//   - Reaping idle sessions and posting lifecycle webhooks
//
// Configuration is loaded from /etc/termbridge/config.yaml (or the path given
// with -config); a missing file means the built-in defaults.
//
// Lifecycle:
//  1. Load configuration, or fall back to defaults when no file exists
//  2. Setup structured JSON logger
//  3. Open the session history store (disabled on failure, daemon still runs)
//  4. Build the registry, stats reporter, webhook notifier, and HTTP server
//  5. Connect to NATS and subscribe to session control subjects if configured
//  6. Notify systemd that the service is ready (Type=notify)
//  7. Start watchdog goroutine if systemd provides WatchdogSec
//  8. Wait for shutdown signal (SIGTERM/SIGINT)
//  9. Notify systemd that the service is stopping
//  10. Coordinated shutdown: server first, then session teardown, then stores
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/doughall/termbridge/internal/config"
	"github.com/doughall/termbridge/internal/history"
	"github.com/doughall/termbridge/internal/logging"
	natsinternal "github.com/doughall/termbridge/internal/nats"
	"github.com/doughall/termbridge/internal/notify"
	"github.com/doughall/termbridge/internal/reaper"
	"github.com/doughall/termbridge/internal/server"
	"github.com/doughall/termbridge/internal/shutdown"
	"github.com/doughall/termbridge/internal/stats"
	"github.com/doughall/termbridge/internal/systemd"
	"github.com/doughall/termbridge/internal/terminal"
	"github.com/doughall/termbridge/internal/version"
)

// Default shutdown timeout - how long to wait for graceful shutdown.
// Must exceed the registry's SIGHUP-to-SIGKILL grace period.
const shutdownTimeout = 30 * time.Second

// History records older than this are pruned at startup.
const historyRetention = 90 * 24 * time.Hour

func main() {
	configPath := flag.String("config", config.DefaultConfigPath, "path to configuration file")
	showVersion := flag.Bool("version", false, "print version information and exit")
	writeConfig := flag.Bool("write-config", false, "write a default config file to the -config path and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Info())
		os.Exit(0)
	}

	if *writeConfig {
		if err := config.Save(*configPath, config.Default()); err != nil {
			fmt.Fprintf(os.Stderr, "ERROR: failed to write config to %s: %v\n", *configPath, err)
			os.Exit(1)
		}
		fmt.Printf("wrote default configuration to %s\n", *configPath)
		os.Exit(0)
	}

	// Load configuration; a missing file is not an error, the defaults
	// give a localhost-only daemon with history under /var/lib/termbridge
	cfg := config.Default()
	loadedFromFile := false
	if _, err := os.Stat(*configPath); err == nil {
		loaded, err := config.Load(*configPath)
		if err != nil {
			// Use basic stderr logging before logger is configured
			fmt.Fprintf(os.Stderr, "ERROR: failed to load configuration from %s: %v\n", *configPath, err)
			os.Exit(1)
		}
		cfg = loaded
		loadedFromFile = true
	}

	// Setup structured logger based on config
	logger := logging.SetupLogger(cfg.LogLevel)

	logger.Info("termbridge starting",
		slog.String("version", version.Version),
		slog.String("commit", version.Commit),
		slog.String("build_time", version.BuildTime),
		slog.String("config_path", *configPath),
		slog.Bool("config_file", loadedFromFile),
		slog.String("listen_addr", cfg.ListenAddr),
		slog.Int("max_sessions", cfg.MaxSessions),
		slog.String("node_id", cfg.NodeID),
		slog.Bool("nats_enabled", cfg.NATSEnabled()),
		slog.Bool("webhook_enabled", cfg.WebhookEnabled()),
		slog.Bool("reaper_enabled", cfg.ReaperEnabled()),
	)

	// Create shutdown context that listens for SIGTERM and SIGINT
	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// Create shutdown coordinator for ordered component shutdown.
	// Registration order matters: LIFO, so the HTTP server (registered
	// last) stops first and the history store (registered first) closes
	// only after the registry has finished killing sessions and the exit
	// hooks have recorded them.
	coordinator := shutdown.NewCoordinator(logger)

	// Open the session history store. Failure disables history rather
	// than stopping the daemon; live sessions never depend on it.
	hist, err := history.Open(cfg.HistoryPath, logger)
	if err != nil {
		logger.Warn("failed to open history store, session history disabled",
			slog.String("path", cfg.HistoryPath),
			slog.String("error", err.Error()),
		)
		hist = nil
	} else {
		logger.Info("history store opened",
			slog.String("path", cfg.HistoryPath),
		)
		coordinator.RegisterFunc("history", func(context.Context) error {
			return hist.Close()
		})

		if pruned, err := hist.Prune(time.Now().Add(-historyRetention)); err != nil {
			logger.Warn("history prune failed",
				slog.String("error", err.Error()),
			)
		} else if pruned > 0 {
			logger.Info("pruned old history records",
				slog.Int("records", pruned),
			)
		}
	}

	// Webhook notifier for session lifecycle events
	var notifier *notify.Notifier
	if cfg.WebhookEnabled() {
		notifier = notify.NewNotifier(cfg.WebhookURL, logger)
		coordinator.Register("notify", notifier)
		logger.Info("lifecycle webhooks enabled",
			slog.String("url", cfg.WebhookURL),
		)
	}

	// Session registry - owns every PTY session
	registry := terminal.NewRegistry(cfg.MaxSessions, cfg.ScrollbackBytes, cfg.Shell, logger)

	// Record lifecycle transitions and fire webhooks from the registry
	// hooks so every path (REST, WebSocket, NATS, reaper) is covered
	registry.OnStart(func(s *terminal.Session) {
		if hist != nil {
			if err := hist.RecordStart(s.ID, s.Shell, s.Cwd, time.Now()); err != nil {
				logger.Warn("failed to record session start",
					slog.String("session_id", s.ID),
					slog.String("error", err.Error()),
				)
			}
		}
		if notifier != nil {
			notifier.SessionStarted(s.ID, s.Shell, s.Cwd)
		}
	})
	registry.OnExit(func(s *terminal.Session, exitCode int) {
		if hist != nil {
			if err := hist.RecordExit(s.ID, exitCode, time.Now()); err != nil {
				logger.Warn("failed to record session exit",
					slog.String("session_id", s.ID),
					slog.String("error", err.Error()),
				)
			}
		}
		if notifier != nil {
			notifier.SessionExited(s.ID, s.Shell, s.Cwd, exitCode)
		}
	})

	// Stats collector and reporter. The reporter caches the latest sample
	// for GET /api/stats and publishes over NATS when connected.
	collector := stats.NewCollector(registry, logger)
	statsInterval := time.Duration(cfg.StatsIntervalSeconds) * time.Second
	statsReporter := stats.NewReporter(collector, logger, statsInterval)

	// Connect to the NATS control plane if configured. Connection failure
	// is not fatal: the local HTTP/WebSocket surface keeps working and
	// reconnection is not attempted until the next daemon start.
	var natsClient *natsinternal.Client
	if cfg.NATSEnabled() {
		logger.Info("NATS enabled, initializing client",
			slog.String("url", cfg.NATSURL),
			slog.String("subject_prefix", cfg.NATSSubjectPrefix),
			slog.String("node_id", cfg.NodeID),
		)

		natsClient = natsinternal.NewClient(natsinternal.Config{
			URL:           cfg.NATSURL,
			NKeySeed:      cfg.NKeySeed,
			SubjectPrefix: cfg.NATSSubjectPrefix,
			NodeID:        cfg.NodeID,
		}, logger)

		if err := natsClient.Connect(ctx); err != nil {
			logger.Warn("NATS connection failed, continuing without control plane",
				slog.String("error", err.Error()),
			)
			natsClient = nil
		} else {
			publisher := natsinternal.NewPublisher(natsClient, logger)

			// Bridge session control messages to the registry and
			// session output back onto the bus
			bridge := natsinternal.NewBridge(registry, publisher, logger)
			natsClient.SetHandler(bridge)
			if err := natsClient.SubscribeControl(); err != nil {
				logger.Error("failed to subscribe to session control subjects",
					slog.String("error", err.Error()),
				)
				// Publishing still works; remote control does not
			}

			// Wire stats reporter to publish samples on the bus
			statsReporter.SetPublisher(publisher)

			coordinator.Register("nats", natsClient)
			logger.Info("NATS client initialized")
		}
	}

	coordinator.Register("stats-reporter", statsReporter)
	coordinator.Register("registry", registry)

	// Idle session reaper, driven by a cron schedule
	var idleReaper *reaper.Reaper
	if cfg.ReaperEnabled() {
		idleTimeout := time.Duration(cfg.IdleTimeoutMinutes) * time.Minute
		idleReaper, err = reaper.New(registry, cfg.ReapSchedule, idleTimeout, logger)
		if err != nil {
			// Load validated the expression already; this is unreachable
			// unless defaults and validation drift apart
			logger.Error("failed to create idle reaper", "error", err)
			os.Exit(1)
		}
		logger.Info("idle session reaper enabled",
			slog.String("schedule", cfg.ReapSchedule),
			slog.Int("idle_timeout_minutes", cfg.IdleTimeoutMinutes),
		)
	}

	// HTTP/WebSocket server
	srv := server.New(cfg, registry, hist, statsReporter, logger)
	coordinator.Register("http-server", srv)

	// Start the stats reporter in a goroutine
	go statsReporter.Run(ctx)

	// Start the reaper in a goroutine; it exits with the signal context
	if idleReaper != nil {
		go idleReaper.Run(ctx)
	}

	// Start the HTTP server. Run blocks, so errors surface on a channel;
	// a listen failure must tear the daemon down, not just log
	serverErr := make(chan error, 1)
	go func() {
		if err := srv.Run(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	// Notify systemd that we're ready
	systemd.NotifyReady()
	logger.Info("termbridge ready")

	// Start watchdog if systemd provides WatchdogSec
	systemd.StartWatchdog(ctx, srv.Healthy)

	// Wait for shutdown signal or a fatal server error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received, starting graceful shutdown")
	case err := <-serverErr:
		logger.Error("http server failed", "error", err)
		stop()
	}

	// Notify systemd we're stopping
	systemd.NotifyStopping()

	// Create shutdown context with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Perform coordinated shutdown
	if err := coordinator.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
		os.Exit(1)
	}

	logger.Info("shutdown complete")
}
