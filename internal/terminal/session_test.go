// Integration tests that spawn real shells on real PTYs.
package terminal

import (
	"bytes"
	"runtime"
	"testing"
	"time"
)

// newTestRegistry returns a small registry pinned to /bin/sh so tests do
// not depend on the invoking user's shell.
func newTestRegistry(t *testing.T, maxSessions int) *Registry {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("PTY tests require a Unix host")
	}
	return NewRegistry(maxSessions, 0, "/bin/sh", nopLogger())
}

// startSession creates a session and registers cleanup that kills it and
// waits briefly for removal.
func startSession(t *testing.T, reg *Registry, opts CreateOptions) *Session {
	t.Helper()
	s, err := reg.CreateSession(opts)
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if s == nil {
		t.Fatal("CreateSession returned nil session below the limit")
	}
	t.Cleanup(func() {
		reg.KillSession(s.ID)
		waitForRemoval(t, reg, s.ID, 3*time.Second)
	})
	return s
}

// waitForRemoval polls until the session with the given id leaves the registry.
func waitForRemoval(t *testing.T, reg *Registry, id string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if reg.Get(id) == nil {
			return
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatalf("session %s still registered after %v", id, timeout)
}

// waitForCount polls until the registry holds exactly n sessions.
func waitForCount(t *testing.T, reg *Registry, n int, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if reg.Count() == n {
			return
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatalf("expected %d sessions, still %d after %v", n, reg.Count(), timeout)
}

// readUntil drains the subscriber channel into a buffer until the marker
// shows up or the timeout passes.
func readUntil(t *testing.T, ch <-chan []byte, marker string, timeout time.Duration) []byte {
	t.Helper()
	var got bytes.Buffer
	deadline := time.After(timeout)
	for !bytes.Contains(got.Bytes(), []byte(marker)) {
		select {
		case batch, ok := <-ch:
			if !ok {
				t.Fatalf("stream ended before %q arrived, got %q", marker, got.String())
			}
			got.Write(batch)
		case <-deadline:
			t.Fatalf("timed out waiting for %q, got %q", marker, got.String())
		}
	}
	return got.Bytes()
}

func TestSession_EchoRoundtrip(t *testing.T) {
	reg := newTestRegistry(t, 10)
	s := startSession(t, reg, CreateOptions{})

	_, subID, ch := s.Attach()
	defer s.Detach(subID)

	if !s.Write([]byte("echo round-trip-marker\n")) {
		t.Fatal("expected write to succeed")
	}
	readUntil(t, ch, "round-trip-marker", 5*time.Second)
}

func TestSession_DefaultDimensions(t *testing.T) {
	reg := newTestRegistry(t, 10)
	s := startSession(t, reg, CreateOptions{})

	if cols, rows := s.Dims(); cols != 80 || rows != 24 {
		t.Errorf("expected default 80x24, got %dx%d", cols, rows)
	}
	if s.Shell != "/bin/sh" {
		t.Errorf("expected pinned shell /bin/sh, got %q", s.Shell)
	}
	if s.Cwd == "" {
		t.Error("expected a resolved working directory")
	}
}

func TestSession_ScrollbackReplaysToLateAttacher(t *testing.T) {
	reg := newTestRegistry(t, 10)
	s := startSession(t, reg, CreateOptions{})

	_, subID, ch := s.Attach()
	s.Write([]byte("echo replay-marker\n"))
	readUntil(t, ch, "replay-marker", 5*time.Second)
	s.Detach(subID)

	snapshot, subID2, _ := s.Attach()
	defer s.Detach(subID2)
	if !bytes.Contains(snapshot, []byte("replay-marker")) {
		t.Errorf("expected scrollback replay to contain marker, got %d bytes", len(snapshot))
	}
}

func TestSession_ExitDeliversCodeAndRemoves(t *testing.T) {
	reg := newTestRegistry(t, 10)

	exitCh := make(chan int, 1)
	reg.OnExit(func(_ *Session, code int) {
		exitCh <- code
	})

	s, err := reg.CreateSession(CreateOptions{})
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	_, _, ch := s.Attach()
	s.Write([]byte("exit 7\n"))

	select {
	case code := <-exitCh:
		if code != 7 {
			t.Errorf("expected exit code 7, got %d", code)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for exit callback")
	}

	// The subscriber stream must end once the session does.
	deadline := time.After(2 * time.Second)
drainLoop:
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				break drainLoop
			}
		case <-deadline:
			t.Fatal("subscriber channel not closed after exit")
		}
	}

	if !s.Ended() {
		t.Error("expected session to report ended")
	}
	if s.ExitCode() != 7 {
		t.Errorf("expected recorded exit code 7, got %d", s.ExitCode())
	}
	if reg.Get(s.ID) != nil {
		t.Error("expected session removed from registry after exit")
	}
}

func TestSession_WriteAfterExitReturnsFalse(t *testing.T) {
	reg := newTestRegistry(t, 10)

	exitCh := make(chan int, 1)
	reg.OnExit(func(_ *Session, code int) {
		exitCh <- code
	})

	s, err := reg.CreateSession(CreateOptions{})
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	s.Write([]byte("exit 0\n"))

	select {
	case <-exitCh:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for exit")
	}

	if s.Write([]byte("echo too late\n")) {
		t.Error("expected write after exit to return false")
	}
}

func TestSession_EnvCarriesTerminalIdentity(t *testing.T) {
	reg := newTestRegistry(t, 10)
	s := startSession(t, reg, CreateOptions{
		Env: map[string]string{"MARKER_VAR": "marker-value"},
	})

	_, subID, ch := s.Attach()
	defer s.Detach(subID)

	s.Write([]byte("echo $TERM_PROGRAM $MARKER_VAR\n"))
	out := readUntil(t, ch, "marker-value", 5*time.Second)
	if !bytes.Contains(out, []byte("termbridge")) {
		t.Errorf("expected TERM_PROGRAM termbridge in output, got %q", out)
	}
}
