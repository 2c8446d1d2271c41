// The bridge wires the session registry onto the bus: control messages
// in, output and lifecycle events out.
package nats

import (
	"encoding/base64"
	"log/slog"

	"github.com/doughall/termbridge/internal/terminal"
)

// Bridge connects a session registry to the bus. Incoming control
// messages drive the registry; registry data and exit hooks publish back
// out. Failed requests answer with a session_error event rather than a
// reply subject, so observers of the event stream see them too.
type Bridge struct {
	registry  *terminal.Registry
	publisher *Publisher
	logger    *slog.Logger
}

// NewBridge creates the bridge and registers the registry hooks that
// publish output batches and exit events. The hooks no-op while the bus
// is disconnected; sessions opened over HTTP keep working either way.
func NewBridge(registry *terminal.Registry, publisher *Publisher, logger *slog.Logger) *Bridge {
	b := &Bridge{
		registry:  registry,
		publisher: publisher,
		logger:    logger,
	}

	registry.OnData(func(sessionID string, batch []byte) {
		if !publisher.IsConnected() {
			return
		}
		if err := publisher.PublishOutput(sessionID, batch); err != nil {
			logger.Debug("failed to publish session output",
				slog.String("session_id", sessionID),
				slog.String("error", err.Error()),
			)
		}
	})

	registry.OnExit(func(s *terminal.Session, exitCode int) {
		if !publisher.IsConnected() {
			return
		}
		if err := publisher.PublishExited(s.ID, exitCode); err != nil {
			logger.Debug("failed to publish session exit",
				slog.String("session_id", s.ID),
				slog.String("error", err.Error()),
			)
		}
	})

	return b
}

// HandleOpen starts a new session and answers with session_started.
func (b *Bridge) HandleOpen(msg *SessionOpenMessage) error {
	sess, err := b.registry.CreateSession(terminal.CreateOptions{
		Shell: msg.Shell,
		Cwd:   msg.Cwd,
		Cols:  int(msg.Cols),
		Rows:  int(msg.Rows),
	})
	if err != nil {
		b.logger.Error("bus session open failed",
			slog.String("error", err.Error()),
		)
		b.publishError(msg.RequestID, "", "failed to start session")
		return err
	}
	if sess == nil {
		b.publishError(msg.RequestID, "", "session limit reached")
		return nil
	}

	b.logger.Info("session opened from bus",
		slog.String("session_id", sess.ID),
	)
	return b.publisher.PublishStarted(msg.RequestID, sess.ID, sess.Shell, sess.Cwd, sess.Pid())
}

// HandleInput decodes one input message and writes it to the session.
// Input racing a session's exit is dropped quietly; only malformed
// encoding earns an error event.
func (b *Bridge) HandleInput(msg *SessionInputMessage) error {
	data, err := base64.StdEncoding.DecodeString(msg.Data)
	if err != nil {
		b.logger.Warn("invalid base64 in session input",
			slog.String("session_id", msg.SessionID),
			slog.String("error", err.Error()),
		)
		b.publishError("", msg.SessionID, "invalid base64 input")
		return err
	}

	if !b.registry.WriteSession(msg.SessionID, data) {
		b.logger.Debug("input for unavailable session",
			slog.String("session_id", msg.SessionID),
		)
	}
	return nil
}

// HandleResize applies new dimensions. The registry drops out-of-range
// or redundant requests on its own; there is no reply either way.
func (b *Bridge) HandleResize(msg *SessionResizeMessage) error {
	b.registry.ResizeSession(msg.SessionID, int(msg.Cols), int(msg.Rows), true)
	return nil
}

// HandleKill terminates a session through the registry's graceful path.
func (b *Bridge) HandleKill(msg *SessionKillMessage) error {
	if !b.registry.KillSession(msg.SessionID) {
		b.publishError("", msg.SessionID, "session not found")
		return nil
	}

	b.logger.Info("session kill requested from bus",
		slog.String("session_id", msg.SessionID),
		slog.String("reason", msg.Reason),
	)
	return nil
}

// HandleAttach replays the session's scrollback on its output subject.
func (b *Bridge) HandleAttach(msg *SessionAttachMessage) error {
	sess := b.registry.Get(msg.SessionID)
	if sess == nil {
		b.publishError("", msg.SessionID, "session not found")
		return nil
	}
	return b.publisher.PublishScrollback(msg.SessionID, sess.Scrollback())
}

func (b *Bridge) publishError(requestID, sessionID, errMsg string) {
	if err := b.publisher.PublishError(requestID, sessionID, errMsg); err != nil {
		b.logger.Debug("failed to publish session error",
			slog.String("error", err.Error()),
		)
	}
}
