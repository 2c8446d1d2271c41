package notify

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

func nopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// capture records every webhook POST a test server receives.
type capture struct {
	mu     sync.Mutex
	events []Event
	types  []string
}

func (c *capture) handler(w http.ResponseWriter, r *http.Request) {
	var ev Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.types = append(c.types, r.Header.Get("Content-Type"))
	c.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (c *capture) all() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

// fastClient swaps the notifier's HTTP client for one with millisecond
// retry waits so failure tests do not sit through production backoff.
func fastClient() *http.Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.RetryWaitMin = 10 * time.Millisecond
	rc.RetryWaitMax = 20 * time.Millisecond
	rc.Logger = nil
	return rc.StandardClient()
}

func waitDelivered(t *testing.T, n *Notifier) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := n.Shutdown(ctx); err != nil {
		t.Fatalf("expected deliveries to finish, got %v", err)
	}
}

func TestSessionStartedDelivers(t *testing.T) {
	rec := &capture{}
	srv := httptest.NewServer(http.HandlerFunc(rec.handler))
	t.Cleanup(srv.Close)

	n := NewNotifier(srv.URL, nopLogger())
	n.SessionStarted("sess-1", "/bin/bash", "/home/alice")
	waitDelivered(t, n)

	events := rec.all()
	if len(events) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(events))
	}

	ev := events[0]
	if ev.Event != "session_started" {
		t.Errorf("expected event session_started, got %q", ev.Event)
	}
	if ev.SessionID != "sess-1" {
		t.Errorf("expected session ID sess-1, got %q", ev.SessionID)
	}
	if ev.Shell != "/bin/bash" {
		t.Errorf("expected shell /bin/bash, got %q", ev.Shell)
	}
	if ev.Cwd != "/home/alice" {
		t.Errorf("expected cwd /home/alice, got %q", ev.Cwd)
	}
	if ev.ExitCode != nil {
		t.Errorf("expected no exit code on start event, got %d", *ev.ExitCode)
	}
	if _, err := time.Parse(time.RFC3339, ev.Timestamp); err != nil {
		t.Errorf("expected RFC3339 timestamp, got %q: %v", ev.Timestamp, err)
	}

	rec.mu.Lock()
	ct := rec.types[0]
	rec.mu.Unlock()
	if ct != "application/json" {
		t.Errorf("expected Content-Type application/json, got %q", ct)
	}
}

func TestSessionExitedIncludesExitCode(t *testing.T) {
	rec := &capture{}
	srv := httptest.NewServer(http.HandlerFunc(rec.handler))
	t.Cleanup(srv.Close)

	n := NewNotifier(srv.URL, nopLogger())
	n.SessionExited("sess-2", "/bin/sh", "/tmp", 137)
	waitDelivered(t, n)

	events := rec.all()
	if len(events) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(events))
	}
	if events[0].Event != "session_exited" {
		t.Errorf("expected event session_exited, got %q", events[0].Event)
	}
	if events[0].ExitCode == nil {
		t.Fatal("expected exit code on exit event, got none")
	}
	if *events[0].ExitCode != 137 {
		t.Errorf("expected exit code 137, got %d", *events[0].ExitCode)
	}
}

func TestDeliverRetriesServerErrors(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)

	n := NewNotifier(srv.URL, nopLogger())
	n.httpClient = fastClient()

	n.deliver(Event{Event: "session_started", SessionID: "sess-3"})

	mu.Lock()
	got := attempts
	mu.Unlock()
	if got != 3 {
		t.Errorf("expected 3 attempts (2 failures then success), got %d", got)
	}
}

func TestDeliverDoesNotRetryClientErrors(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		mu.Unlock()
		w.WriteHeader(http.StatusBadRequest)
	}))
	t.Cleanup(srv.Close)

	n := NewNotifier(srv.URL, nopLogger())
	n.httpClient = fastClient()

	n.deliver(Event{Event: "session_exited", SessionID: "sess-4"})

	mu.Lock()
	got := attempts
	mu.Unlock()
	if got != 1 {
		t.Errorf("expected 1 attempt for a 4xx response, got %d", got)
	}
}

func TestShutdownTimesOutOnSlowEndpoint(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})

	n := NewNotifier(srv.URL, nopLogger())
	n.SessionStarted("sess-5", "/bin/sh", "/")

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := n.Shutdown(ctx); err == nil {
		t.Error("expected shutdown to time out while delivery is stuck")
	}
}
