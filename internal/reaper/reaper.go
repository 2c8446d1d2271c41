// Package reaper kills idle terminal sessions on a cron schedule.
package reaper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/doughall/termbridge/internal/terminal"
)

// Reaper sweeps the registry on a cron schedule and kills sessions that
// have gone longer than the idle timeout without PTY output or client
// input. Sessions die through the registry's normal graceful-then-forced
// path, so attached clients see an ordinary exit.
type Reaper struct {
	registry    *terminal.Registry
	schedule    cron.Schedule
	idleTimeout time.Duration
	logger      *slog.Logger
}

// New parses the cron expression and builds a reaper. The parser accepts
// standard 5-field expressions plus descriptors like @hourly.
func New(registry *terminal.Registry, expression string, idleTimeout time.Duration, logger *slog.Logger) (*Reaper, error) {
	parser := cron.NewParser(
		cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
	)
	schedule, err := parser.Parse(expression)
	if err != nil {
		return nil, fmt.Errorf("invalid reap schedule %q: %w", expression, err)
	}

	return &Reaper{
		registry:    registry,
		schedule:    schedule,
		idleTimeout: idleTimeout,
		logger:      logger.With(slog.String("component", "reaper")),
	}, nil
}

// Run blocks until the context is cancelled, sweeping at every scheduled
// fire. This should be run in a goroutine.
func (r *Reaper) Run(ctx context.Context) {
	r.logger.Info("reaper started",
		slog.Duration("idle_timeout", r.idleTimeout),
	)

	for {
		next := r.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))

		select {
		case <-ctx.Done():
			timer.Stop()
			r.logger.Info("reaper stopping")
			return
		case <-timer.C:
			r.sweep()
		}
	}
}

// sweep kills every session idle longer than the timeout.
func (r *Reaper) sweep() {
	reaped := r.registry.ReapIdle(r.idleTimeout)
	if reaped > 0 {
		r.logger.Info("reaped idle sessions",
			slog.Int("count", reaped),
		)
		return
	}
	r.logger.Debug("no idle sessions to reap")
}
