// Outgoing bus messages: session output, lifecycle events, and stats.
package nats

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/doughall/termbridge/internal/stats"
)

// Publisher sends daemon-originated messages over the bus. Everything is
// fire-and-forget core NATS.
type Publisher struct {
	client *Client
	logger *slog.Logger
}

// NewPublisher creates a publisher on an existing client.
func NewPublisher(client *Client, logger *slog.Logger) *Publisher {
	return &Publisher{
		client: client,
		logger: logger,
	}
}

// PublishOutput publishes one output batch on the session's output
// subject.
func (p *Publisher) PublishOutput(sessionID string, data []byte) error {
	subject := fmt.Sprintf("%s.%s.session.output.%s", p.client.Prefix(), p.client.NodeID(), sessionID)
	return p.publish(subject, "session_output", SessionOutputMessage{
		SessionID: sessionID,
		Data:      base64.StdEncoding.EncodeToString(data),
	})
}

// PublishScrollback answers an attach request with the full replay on
// the session's output subject.
func (p *Publisher) PublishScrollback(sessionID string, data []byte) error {
	subject := fmt.Sprintf("%s.%s.session.output.%s", p.client.Prefix(), p.client.NodeID(), sessionID)
	return p.publish(subject, "session_scrollback", SessionScrollbackMessage{
		SessionID: sessionID,
		Data:      base64.StdEncoding.EncodeToString(data),
	})
}

// PublishStarted confirms an open request on the event subject.
func (p *Publisher) PublishStarted(requestID, sessionID, shell, cwd string, pid int) error {
	return p.publish(p.eventSubject(), "session_started", SessionStartedMessage{
		RequestID: requestID,
		SessionID: sessionID,
		Shell:     shell,
		Cwd:       cwd,
		Pid:       pid,
	})
}

// PublishExited reports a session's end on the event subject.
func (p *Publisher) PublishExited(sessionID string, exitCode int) error {
	return p.publish(p.eventSubject(), "session_exited", SessionExitedMessage{
		SessionID: sessionID,
		ExitCode:  exitCode,
	})
}

// PublishError reports a failed control request on the event subject.
func (p *Publisher) PublishError(requestID, sessionID, errMsg string) error {
	return p.publish(p.eventSubject(), "session_error", SessionErrorMessage{
		RequestID: requestID,
		SessionID: sessionID,
		Error:     errMsg,
	})
}

// PublishStats publishes one metrics sample. Satisfies stats.Publisher.
func (p *Publisher) PublishStats(sample stats.Sample) error {
	subject := fmt.Sprintf("%s.%s.stats", p.client.Prefix(), p.client.NodeID())
	return p.publish(subject, "stats", StatsMessage{
		Timestamp:    sample.Timestamp.UTC().Format(time.RFC3339),
		Sessions:     sample.Sessions,
		CPU:          sample.CPU,
		MemoryUsed:   sample.MemoryUsed,
		MemoryTotal:  sample.MemoryTotal,
		MemoryPct:    sample.MemoryPct,
		DiskUsed:     sample.DiskUsed,
		DiskTotal:    sample.DiskTotal,
		DiskPct:      sample.DiskPct,
		NetBytesSent: sample.NetBytesSent,
		NetBytesRecv: sample.NetBytesRecv,
		Load1:        sample.Load1,
		Load5:        sample.Load5,
		Load15:       sample.Load15,
		Uptime:       sample.Uptime,
	})
}

// IsConnected returns whether the publisher can send messages. Satisfies
// stats.Publisher.
func (p *Publisher) IsConnected() bool {
	return p.client.IsConnected()
}

// Flush waits until all pending publishes reach the server.
func (p *Publisher) Flush() error {
	nc := p.client.Connection()
	if nc == nil {
		return fmt.Errorf("not connected")
	}
	return nc.Flush()
}

func (p *Publisher) eventSubject() string {
	return fmt.Sprintf("%s.%s.session.event", p.client.Prefix(), p.client.NodeID())
}

// publish wraps the payload in an envelope and sends it.
func (p *Publisher) publish(subject, msgType string, payload any) error {
	nc := p.client.Connection()
	if nc == nil {
		return fmt.Errorf("not connected")
	}

	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	data, err := json.Marshal(MessageEnvelope{
		Type:      msgType,
		Payload:   payloadBytes,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	if err := nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish: %w", err)
	}

	p.logger.Debug("published message",
		slog.String("subject", subject),
		slog.String("type", msgType),
	)

	return nil
}
