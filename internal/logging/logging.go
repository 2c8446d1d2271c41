// Package logging configures structured logging for the termbridge daemon.
//
// Logs are emitted as JSON on stdout so journald and log shippers can parse
// them without extra configuration. Source locations (file:line) are included
// and shortened to paths relative to the module root. The level comes from
// the config file; unrecognized values fall back to info.
//
// Usage:
//
//	logger := logging.SetupLogger(cfg.LogLevel)
//	wsLog := logging.WithComponent(logger, "websocket")
//	wsLog.Info("client attached", slog.String("session_id", id))
package logging

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// SetupLogger builds the daemon's JSON logger at the given level and installs
// it as the slog default so package-level slog.Info() etc. also route to it.
// Accepted levels: "debug", "info", "warn", "error" (case-insensitive).
func SetupLogger(level string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       parseLevel(level),
		AddSource:   true,
		ReplaceAttr: shortenSource,
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, opts))
	slog.SetDefault(logger)
	return logger
}

// shortenSource trims source attributes down to module-relative paths.
// Absolute build paths leak the build host's layout and bloat every record.
func shortenSource(groups []string, a slog.Attr) slog.Attr {
	if a.Key != slog.SourceKey {
		return a
	}
	source, ok := a.Value.Any().(*slog.Source)
	if !ok {
		return a
	}
	if idx := strings.Index(source.File, "internal/"); idx != -1 {
		source.File = source.File[idx:]
	} else {
		source.File = filepath.Base(source.File)
	}
	if idx := strings.Index(source.Function, "internal/"); idx != -1 {
		source.Function = source.Function[idx:]
	}
	return a
}

// parseLevel maps a config string to a slog.Level, defaulting to info.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "info", "":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithComponent returns a child logger tagged with a component attribute,
// used to attribute records to a subsystem (terminal, websocket, nats, ...).
func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	return logger.With(slog.String("component", component))
}
