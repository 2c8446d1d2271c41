// Tests for registry capacity, listings, and id-addressed operations.
package terminal

import (
	"context"
	"testing"
	"time"
)

func TestRegistry_CapacityReturnsNilNil(t *testing.T) {
	reg := newTestRegistry(t, 2)

	exitCh := make(chan int, 4)
	reg.OnExit(func(_ *Session, code int) {
		exitCh <- code
	})

	first := startSession(t, reg, CreateOptions{})
	startSession(t, reg, CreateOptions{})

	s, err := reg.CreateSession(CreateOptions{})
	if err != nil {
		t.Fatalf("expected nil error at capacity, got %v", err)
	}
	if s != nil {
		t.Fatal("expected nil session at capacity")
	}

	// Killing one frees a slot for the next creation.
	reg.KillSession(first.ID)
	select {
	case <-exitCh:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for killed session to exit")
	}

	replacement := startSession(t, reg, CreateOptions{})
	if replacement.ID == first.ID {
		t.Error("expected a fresh session id")
	}
}

func TestRegistry_SetMaxSessionsClamps(t *testing.T) {
	reg := NewRegistry(0, 0, "", nopLogger())

	tests := []struct {
		limit int
		want  int
	}{
		{5000, 1000},
		{0, 1},
		{-3, 1},
		{500, 500},
		{1, 1},
	}
	for _, tt := range tests {
		if got := reg.SetMaxSessions(tt.limit); got != tt.want {
			t.Errorf("SetMaxSessions(%d): expected %d, got %d", tt.limit, tt.want, got)
		}
		if got := reg.MaxSessions(); got != tt.want {
			t.Errorf("MaxSessions after %d: expected %d, got %d", tt.limit, tt.want, got)
		}
	}
}

func TestRegistry_DefaultCeiling(t *testing.T) {
	reg := NewRegistry(0, 0, "", nopLogger())
	if got := reg.MaxSessions(); got != 1000 {
		t.Errorf("expected default ceiling 1000, got %d", got)
	}
}

func TestRegistry_UnknownSessionOperations(t *testing.T) {
	reg := newTestRegistry(t, 5)

	if reg.WriteSession("no-such-id", []byte("x")) {
		t.Error("expected WriteSession to return false for unknown id")
	}
	if reg.ResizeSession("no-such-id", 100, 30, false) {
		t.Error("expected ResizeSession to return false for unknown id")
	}
	if reg.KillSession("no-such-id") {
		t.Error("expected KillSession to return false for unknown id")
	}
	if reg.Get("no-such-id") != nil {
		t.Error("expected Get to return nil for unknown id")
	}
}

func TestRegistry_ListSnapshots(t *testing.T) {
	reg := newTestRegistry(t, 5)

	a := startSession(t, reg, CreateOptions{})
	b := startSession(t, reg, CreateOptions{Cols: 120, Rows: 40})

	infos := reg.List()
	if len(infos) != 2 {
		t.Fatalf("expected 2 sessions listed, got %d", len(infos))
	}

	byID := make(map[string]SessionInfo, len(infos))
	for _, info := range infos {
		byID[info.ID] = info
	}
	if _, ok := byID[a.ID]; !ok {
		t.Errorf("expected session %s in listing", a.ID)
	}
	got, ok := byID[b.ID]
	if !ok {
		t.Fatalf("expected session %s in listing", b.ID)
	}
	if got.Cols != 120 || got.Rows != 40 {
		t.Errorf("expected listed dims 120x40, got %dx%d", got.Cols, got.Rows)
	}
	if got.Shell != "/bin/sh" {
		t.Errorf("expected listed shell /bin/sh, got %q", got.Shell)
	}
}

func TestRegistry_InvalidCreateDimsFallBack(t *testing.T) {
	reg := newTestRegistry(t, 5)
	s := startSession(t, reg, CreateOptions{Cols: -10, Rows: 9999})

	if cols, rows := s.Dims(); cols != 80 || rows != 24 {
		t.Errorf("expected invalid dims replaced with 80x24, got %dx%d", cols, rows)
	}
}

func TestRegistry_WriteAndResizeByID(t *testing.T) {
	reg := newTestRegistry(t, 5)
	s := startSession(t, reg, CreateOptions{})

	_, subID, ch := s.Attach()
	defer s.Detach(subID)

	if !reg.WriteSession(s.ID, []byte("echo by-id-marker\n")) {
		t.Error("expected WriteSession to succeed")
	}
	readUntil(t, ch, "by-id-marker", 5*time.Second)

	if !reg.ResizeSession(s.ID, 132, 43, false) {
		t.Error("expected ResizeSession to succeed")
	}
	if cols, rows := s.Dims(); cols != 132 || rows != 43 {
		t.Errorf("expected dims 132x43, got %dx%d", cols, rows)
	}
}

func TestRegistry_ShutdownEmptiesRegistry(t *testing.T) {
	reg := newTestRegistry(t, 5)

	reg.CreateSession(CreateOptions{})
	reg.CreateSession(CreateOptions{})
	if reg.Count() != 2 {
		t.Fatalf("expected 2 sessions, got %d", reg.Count())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := reg.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if reg.Count() != 0 {
		t.Errorf("expected empty registry after shutdown, got %d", reg.Count())
	}
}
