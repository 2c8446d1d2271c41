package nats

import (
	"testing"

	"github.com/doughall/termbridge/internal/terminal"
)

// newTestBridge builds a bridge over an empty registry and a publisher
// with no live connection. Publishes fail quietly, which is the same
// degraded mode the daemon runs in while the bus is down.
func newTestBridge(t *testing.T) *Bridge {
	t.Helper()
	client := NewClient(Config{SubjectPrefix: "termbridge", NodeID: "node-1"}, nopLogger())
	publisher := NewPublisher(client, nopLogger())
	registry := terminal.NewRegistry(2, 0, "/bin/sh", nopLogger())
	t.Cleanup(registry.Cleanup)
	return NewBridge(registry, publisher, nopLogger())
}

func TestBridgeInputRejectsBadBase64(t *testing.T) {
	bridge := newTestBridge(t)

	err := bridge.HandleInput(&SessionInputMessage{SessionID: "sess-1", Data: "!!not base64!!"})
	if err == nil {
		t.Fatal("expected error for invalid base64 input")
	}
}

func TestBridgeInputUnknownSessionDropped(t *testing.T) {
	bridge := newTestBridge(t)

	// Valid encoding for an unknown session is dropped without error;
	// input racing session exit is normal.
	if err := bridge.HandleInput(&SessionInputMessage{SessionID: "ghost", Data: "aGk="}); err != nil {
		t.Fatalf("expected unknown-session input to be dropped, got %v", err)
	}
}

func TestBridgeResizeUnknownSessionIgnored(t *testing.T) {
	bridge := newTestBridge(t)

	if err := bridge.HandleResize(&SessionResizeMessage{SessionID: "ghost", Cols: 80, Rows: 24}); err != nil {
		t.Fatalf("expected unknown-session resize to be ignored, got %v", err)
	}
}

func TestBridgeKillUnknownSessionAnswersError(t *testing.T) {
	bridge := newTestBridge(t)

	if err := bridge.HandleKill(&SessionKillMessage{SessionID: "ghost"}); err != nil {
		t.Fatalf("expected unknown-session kill to report via event, got %v", err)
	}
}

func TestBridgeAttachUnknownSessionAnswersError(t *testing.T) {
	bridge := newTestBridge(t)

	if err := bridge.HandleAttach(&SessionAttachMessage{SessionID: "ghost"}); err != nil {
		t.Fatalf("expected unknown-session attach to report via event, got %v", err)
	}
}
