// Tests for the resize state machine: first-resize exemption, rate
// limiting, duplicate suppression, settle windows, and syscall failure.
package terminal

import (
	"errors"
	"testing"
	"time"
)

// newResizeSession returns a bare session whose resize syscalls are
// counted instead of applied.
func newResizeSession() (*Session, *int) {
	s := newBareSession()
	calls := new(int)
	s.setSize = func(cols, rows uint16) error {
		*calls++
		return nil
	}
	return s, calls
}

func TestResize_OutOfRangeIgnored(t *testing.T) {
	tests := []struct {
		name string
		cols int
		rows int
	}{
		{"zero cols", 0, 30},
		{"zero rows", 100, 0},
		{"negative cols", -5, 30},
		{"cols too large", 1001, 30},
		{"rows too large", 100, 501},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, calls := newResizeSession()
			if s.Resize(tt.cols, tt.rows, false) {
				t.Error("expected out-of-range resize to be ignored")
			}
			if *calls != 0 {
				t.Errorf("expected no syscall, got %d", *calls)
			}
		})
	}
}

func TestResize_AppliesAndRecordsDims(t *testing.T) {
	s, calls := newResizeSession()

	if !s.Resize(100, 30, false) {
		t.Fatal("expected resize to apply")
	}
	if *calls != 1 {
		t.Errorf("expected 1 syscall, got %d", *calls)
	}
	if cols, rows := s.Dims(); cols != 100 || rows != 30 {
		t.Errorf("expected dims 100x30, got %dx%d", cols, rows)
	}
}

func TestResize_FirstResizeNeverSuppresses(t *testing.T) {
	s, calls := newResizeSession()

	if !s.Resize(100, 30, true) {
		t.Fatal("expected first resize to apply")
	}
	if *calls != 1 {
		t.Errorf("expected 1 syscall, got %d", *calls)
	}

	// The shell's initial prompt must survive a resize that arrives
	// right after creation.
	s.handleOutput([]byte("$ "))
	if s.ScrollbackLen() == 0 {
		t.Error("expected output to flow after first resize")
	}
}

func TestResize_DuplicateDimsAreNoOps(t *testing.T) {
	s, calls := newResizeSession()

	if !s.Resize(100, 30, false) {
		t.Fatal("expected initial resize to apply")
	}
	time.Sleep(110 * time.Millisecond)

	if s.Resize(100, 30, true) {
		t.Error("expected duplicate dims to be a no-op")
	}
	if s.Resize(100, 30, true) {
		t.Error("expected repeated duplicate to be a no-op")
	}
	if *calls != 1 {
		t.Errorf("expected syscall count to stay 1, got %d", *calls)
	}

	// No suppression window opens for a no-op.
	s.handleOutput([]byte("prompt"))
	if s.ScrollbackLen() == 0 {
		t.Error("expected output to flow after no-op resizes")
	}
}

func TestResize_RateLimitDropsRapidCalls(t *testing.T) {
	s, calls := newResizeSession()

	if !s.Resize(100, 30, false) {
		t.Fatal("expected first resize to apply")
	}
	if s.Resize(120, 40, false) {
		t.Error("expected resize inside the rate-limit window to be dropped")
	}
	if *calls != 1 {
		t.Errorf("expected 1 syscall, got %d", *calls)
	}

	time.Sleep(110 * time.Millisecond)
	if !s.Resize(120, 40, false) {
		t.Error("expected resize after the rate-limit window to apply")
	}
	if *calls != 2 {
		t.Errorf("expected 2 syscalls, got %d", *calls)
	}
}

func TestResize_SuppressionDropsOutputUntilSettle(t *testing.T) {
	s, _ := newResizeSession()

	if !s.Resize(100, 30, false) {
		t.Fatal("expected first resize to apply")
	}
	time.Sleep(110 * time.Millisecond)

	if !s.Resize(120, 40, true) {
		t.Fatal("expected suppressing resize to apply")
	}

	s.handleOutput([]byte("redraw noise"))
	if s.ScrollbackLen() != 0 {
		t.Error("expected output dropped during settle window")
	}

	time.Sleep(resizeSettle + 50*time.Millisecond)

	s.handleOutput([]byte("real output"))
	if got := s.ScrollbackLen(); got != len("real output") {
		t.Errorf("expected only post-settle output kept, got %d bytes", got)
	}
}

func TestResize_SyscallFailureReturnsToIdle(t *testing.T) {
	s := newBareSession()
	calls := 0
	s.setSize = func(cols, rows uint16) error {
		calls++
		if calls > 1 {
			return errors.New("ioctl failed")
		}
		return nil
	}

	if !s.Resize(100, 30, false) {
		t.Fatal("expected first resize to apply")
	}
	time.Sleep(110 * time.Millisecond)

	if s.Resize(120, 40, true) {
		t.Error("expected failed resize to return false")
	}
	if cols, rows := s.Dims(); cols != 100 || rows != 30 {
		t.Errorf("expected dims unchanged at 100x30, got %dx%d", cols, rows)
	}

	// Suppression must not outlive the failure.
	s.handleOutput([]byte("still flowing"))
	if s.ScrollbackLen() == 0 {
		t.Error("expected output to flow after failed resize")
	}
}

func TestResize_ClosedSessionRejected(t *testing.T) {
	s, calls := newResizeSession()
	s.closeWith(0)

	if s.Resize(100, 30, false) {
		t.Error("expected resize on ended session to return false")
	}
	if *calls != 0 {
		t.Errorf("expected no syscall on ended session, got %d", *calls)
	}
}
