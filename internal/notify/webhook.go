// Package notify delivers session lifecycle events to an operator-configured
// webhook URL.
//
// Deliveries use hashicorp/go-retryablehttp for automatic retry with backoff
// and jitter, and run on their own goroutines so a slow or dead webhook
// endpoint never blocks the session path. Failures are logged and dropped;
// webhooks are informational, not a durable event stream.
//
// Usage:
//
//	notifier := notify.NewNotifier("https://hooks.example.com/termbridge", logger)
//	notifier.SessionStarted(id, shell, cwd)
//	notifier.SessionExited(id, shell, cwd, exitCode)
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// Event is the JSON body posted to the webhook URL for every session
// lifecycle transition. ExitCode is only present on session_exited.
type Event struct {
	Event     string `json:"event"`
	SessionID string `json:"sessionId"`
	Shell     string `json:"shell"`
	Cwd       string `json:"cwd"`
	ExitCode  *int   `json:"exitCode,omitempty"`
	Timestamp string `json:"timestamp"`
}

// Notifier posts lifecycle events to a single webhook URL.
type Notifier struct {
	httpClient *http.Client
	url        string
	logger     *slog.Logger
	wg         sync.WaitGroup
}

// NewNotifier creates a Notifier for the given webhook URL.
//
// The underlying client is configured with:
//   - RetryMax: 3 retries
//   - RetryWaitMin/Max: 1s to 10s with linear jitter backoff
//   - Timeout: 10 seconds per attempt
func NewNotifier(url string, logger *slog.Logger) *Notifier {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 3
	retryClient.RetryWaitMin = 1 * time.Second
	retryClient.RetryWaitMax = 10 * time.Second
	retryClient.Backoff = retryablehttp.LinearJitterBackoff

	// Disable retryablehttp's internal logging - we use slog instead
	retryClient.Logger = nil

	retryClient.HTTPClient.Timeout = 10 * time.Second

	return &Notifier{
		httpClient: retryClient.StandardClient(),
		url:        url,
		logger:     logger.With(slog.String("component", "notify")),
	}
}

// SessionStarted posts a session_started event. It returns immediately;
// delivery happens in the background.
func (n *Notifier) SessionStarted(sessionID, shell, cwd string) {
	ev := Event{
		Event:     "session_started",
		SessionID: sessionID,
		Shell:     shell,
		Cwd:       cwd,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.deliver(ev)
	}()
}

// SessionExited posts a session_exited event. It returns immediately;
// delivery happens in the background.
func (n *Notifier) SessionExited(sessionID, shell, cwd string, exitCode int) {
	code := exitCode
	ev := Event{
		Event:     "session_exited",
		SessionID: sessionID,
		Shell:     shell,
		Cwd:       cwd,
		ExitCode:  &code,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.deliver(ev)
	}()
}

// deliver posts a single event, including any retries. The per-delivery
// deadline bounds the whole retry sequence so a dead endpoint cannot pin
// goroutines past shutdown.
func (n *Notifier) deliver(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		n.logger.Error("failed to marshal webhook event",
			slog.String("event", ev.Event),
			slog.String("error", err.Error()),
		)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 45*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "POST", n.url, bytes.NewReader(data))
	if err != nil {
		n.logger.Error("failed to create webhook request",
			slog.String("event", ev.Event),
			slog.String("error", err.Error()),
		)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		n.logger.Warn("webhook delivery failed",
			slog.String("event", ev.Event),
			slog.String("session_id", ev.SessionID),
			slog.String("error", err.Error()),
		)
		return
	}
	// CRITICAL: Always close response body to prevent connection leaks
	defer resp.Body.Close()

	// Drain body to allow connection reuse
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		n.logger.Warn("webhook rejected event",
			slog.String("event", ev.Event),
			slog.String("session_id", ev.SessionID),
			slog.Int("status", resp.StatusCode),
		)
		return
	}

	n.logger.Debug("webhook delivered",
		slog.String("event", ev.Event),
		slog.String("session_id", ev.SessionID),
	)
}

// Shutdown waits for in-flight deliveries to finish or the context to
// expire, whichever comes first.
func (n *Notifier) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
