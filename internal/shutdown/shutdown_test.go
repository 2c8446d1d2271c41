package shutdown

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func nopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestShutdownReverseOrder(t *testing.T) {
	coord := NewCoordinator(nopLogger())

	var order []string
	for _, name := range []string{"history", "registry", "http-server"} {
		name := name
		coord.RegisterFunc(name, func(ctx context.Context) error {
			order = append(order, name)
			return nil
		})
	}

	if coord.Len() != 3 {
		t.Fatalf("expected 3 registered components, got %d", coord.Len())
	}

	if err := coord.Shutdown(context.Background()); err != nil {
		t.Fatalf("expected clean shutdown, got %v", err)
	}

	want := []string{"http-server", "registry", "history"}
	if len(order) != len(want) {
		t.Fatalf("expected %d components stopped, got %d", len(want), len(order))
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("expected %s at position %d, got %s", want[i], i, order[i])
		}
	}
}

func TestShutdownContinuesPastFailure(t *testing.T) {
	coord := NewCoordinator(nopLogger())

	var stopped []string
	coord.RegisterFunc("first", func(ctx context.Context) error {
		stopped = append(stopped, "first")
		return nil
	})
	coord.RegisterFunc("broken", func(ctx context.Context) error {
		return errors.New("flush failed")
	})
	coord.RegisterFunc("last", func(ctx context.Context) error {
		stopped = append(stopped, "last")
		return nil
	})

	err := coord.Shutdown(context.Background())
	if err == nil {
		t.Fatal("expected shutdown to report the failure")
	}
	if !strings.Contains(err.Error(), "broken") {
		t.Errorf("expected error to name the failed component, got %v", err)
	}
	if len(stopped) != 2 {
		t.Errorf("expected the remaining components to stop anyway, got %v", stopped)
	}
}

func TestShutdownDeadlineSkipsRemaining(t *testing.T) {
	coord := NewCoordinator(nopLogger())

	earlyStopped := false
	coord.RegisterFunc("early", func(ctx context.Context) error {
		earlyStopped = true
		return nil
	})
	coord.RegisterFunc("stuck", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := coord.Shutdown(ctx); err == nil {
		t.Fatal("expected an error once the deadline expired")
	}
	if earlyStopped {
		t.Error("expected components behind the deadline to be skipped")
	}
}
