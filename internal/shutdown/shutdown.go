// Package shutdown coordinates ordered teardown of the daemon's components.
//
// Components register in dependency order and are stopped in reverse, so the
// HTTP server stops accepting work before the session registry kills its
// sessions, and the registry finishes before the stores and transports
// underneath it close.
//
// Usage:
//
//	coord := shutdown.NewCoordinator(logger)
//	coord.Register("history", store)
//	coord.Register("registry", registry)
//	coord.Register("http-server", srv)
//	// On SIGTERM:
//	coord.Shutdown(ctx) // http-server, then registry, then history
package shutdown

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Shutdowner is implemented by components that participate in coordinated
// shutdown.
type Shutdowner interface {
	// Shutdown gracefully stops the component. It should respect the
	// context's deadline and return ctx.Err() if it cannot finish in time.
	Shutdown(ctx context.Context) error
}

// ShutdownFunc adapts a plain function to the Shutdowner interface.
type ShutdownFunc func(ctx context.Context) error

// Shutdown calls the wrapped function.
func (f ShutdownFunc) Shutdown(ctx context.Context) error {
	return f(ctx)
}

// entry tracks one registered component.
type entry struct {
	name string
	stop Shutdowner
}

// Coordinator stops registered components in reverse registration order.
type Coordinator struct {
	entries []entry
	logger  *slog.Logger
}

// NewCoordinator creates an empty Coordinator.
func NewCoordinator(logger *slog.Logger) *Coordinator {
	return &Coordinator{
		logger: logger.With(slog.String("component", "shutdown")),
	}
}

// Register adds a component. Components are stopped LIFO, so register a
// component after the things it depends on.
func (c *Coordinator) Register(name string, s Shutdowner) {
	c.entries = append(c.entries, entry{name: name, stop: s})
	c.logger.Debug("registered shutdown handler",
		slog.String("handler", name),
	)
}

// RegisterFunc registers a bare function, for components whose cleanup is a
// closure rather than a type with a Shutdown method.
func (c *Coordinator) RegisterFunc(name string, fn func(ctx context.Context) error) {
	c.Register(name, ShutdownFunc(fn))
}

// Shutdown stops every registered component in reverse order. A component
// failing does not stop the sweep; the first error is returned after all
// components have been attempted. The context deadline bounds the whole
// sweep, and components still pending when it expires are skipped.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.logger.Info("starting coordinated shutdown",
		slog.Int("components", len(c.entries)),
	)

	var firstErr error

	for i := len(c.entries) - 1; i >= 0; i-- {
		e := c.entries[i]

		select {
		case <-ctx.Done():
			c.logger.Error("shutdown deadline exceeded",
				slog.String("remaining_handler", e.name),
			)
			if firstErr == nil {
				firstErr = fmt.Errorf("shutdown deadline exceeded at %s: %w", e.name, ctx.Err())
			}
			return firstErr
		default:
		}

		c.logger.Info("stopping component",
			slog.String("handler", e.name),
		)

		start := time.Now()
		if err := e.stop.Shutdown(ctx); err != nil {
			c.logger.Error("component failed to stop",
				slog.String("handler", e.name),
				slog.Duration("duration", time.Since(start)),
				slog.String("error", err.Error()),
			)
			if firstErr == nil {
				firstErr = fmt.Errorf("failed to shut down %s: %w", e.name, err)
			}
			continue
		}

		c.logger.Info("component stopped",
			slog.String("handler", e.name),
			slog.Duration("duration", time.Since(start)),
		)
	}

	if firstErr != nil {
		c.logger.Warn("coordinated shutdown completed with errors")
	} else {
		c.logger.Info("coordinated shutdown complete")
	}

	return firstErr
}

// Len returns the number of registered components.
func (c *Coordinator) Len() int {
	return len(c.entries)
}
