package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/doughall/termbridge/internal/terminal"
)

// WebSocket message types, server to client.
const (
	msgConnected  = "connected"
	msgScrollback = "scrollback"
	msgData       = "data"
	msgExit       = "exit"
	msgError      = "error"
	msgPong       = "pong"
)

// WebSocket message types, client to server.
const (
	msgInput  = "input"
	msgResize = "resize"
	msgPing   = "ping"
)

// Close codes in the application range.
const (
	closeSessionNotFound = 4404
	closeSessionLimit    = 4503
)

const (
	// maxInputBytes caps a single input message. Larger inputs get an
	// error reply; the connection stays open.
	maxInputBytes = 1 << 20

	// maxFrameBytes is the hard read limit; frames beyond it indicate a
	// broken client and close the connection.
	maxFrameBytes = 4 << 20

	closeWriteTimeout = time.Second
)

// wsMessage is a WebSocket frame in either direction. Fields are
// populated according to Type.
type wsMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	Shell     string `json:"shell,omitempty"`
	Cwd       string `json:"cwd,omitempty"`
	Data      string `json:"data,omitempty"`
	Cols      int    `json:"cols,omitempty"`
	Rows      int    `json:"rows,omitempty"`
	ExitCode  *int   `json:"exitCode,omitempty"`
	Error     string `json:"error,omitempty"`
}

// wsClient wraps a connection with a write lock. The streaming loop and
// the reader's direct replies (pong, input errors) write concurrently,
// and gorilla allows only one writer at a time.
type wsClient struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *wsClient) send(msg wsMessage) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(msg)
}

func (c *wsClient) sendClose(code int, reason string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	data := websocket.FormatCloseMessage(code, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, data, time.Now().Add(closeWriteTimeout))
}

// handleWS upgrades the connection and attaches it to a session: an
// existing one when ?session= names it, otherwise a fresh session built
// from the query parameters.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed",
			slog.String("remote", r.RemoteAddr),
			slog.String("error", err.Error()),
		)
		return
	}
	conn.SetReadLimit(maxFrameBytes)
	client := &wsClient{conn: conn}

	sess, ok := s.resolveSession(client, r)
	if !ok {
		conn.Close()
		return
	}
	s.serveSession(client, sess)
}

func (s *Server) resolveSession(client *wsClient, r *http.Request) (*terminal.Session, bool) {
	q := r.URL.Query()

	if id := q.Get("session"); id != "" {
		sess := s.registry.Get(id)
		if sess == nil {
			client.sendClose(closeSessionNotFound, "session not found")
			return nil, false
		}
		return sess, true
	}

	opts := terminal.CreateOptions{
		Shell: q.Get("shell"),
		Cwd:   q.Get("cwd"),
	}
	if cols, err := strconv.Atoi(q.Get("cols")); err == nil {
		opts.Cols = cols
	}
	if rows, err := strconv.Atoi(q.Get("rows")); err == nil {
		opts.Rows = rows
	}

	sess, err := s.registry.CreateSession(opts)
	if err != nil {
		s.logger.Error("session creation failed",
			slog.String("error", err.Error()),
		)
		client.sendClose(websocket.CloseInternalServerErr, "failed to start session")
		return nil, false
	}
	if sess == nil {
		client.sendClose(closeSessionLimit, "session limit reached")
		return nil, false
	}
	return sess, true
}

// serveSession runs the attach protocol: the connected message, the
// scrollback replay, then live output until the session ends or the
// client leaves. The subscription is registered atomically with the
// scrollback snapshot, so nothing emitted between replay and streaming
// can be lost or duplicated.
func (s *Server) serveSession(client *wsClient, sess *terminal.Session) {
	logger := s.logger.With(slog.String("session_id", sess.ID))

	if err := client.send(wsMessage{
		Type:      msgConnected,
		SessionID: sess.ID,
		Shell:     sess.Shell,
		Cwd:       sess.Cwd,
	}); err != nil {
		client.conn.Close()
		return
	}

	snapshot, subID, out := sess.Attach()
	if len(snapshot) > 0 {
		if err := client.send(wsMessage{Type: msgScrollback, Data: string(snapshot)}); err != nil {
			sess.Detach(subID)
			client.conn.Close()
			return
		}
	}

	logger.Info("client attached", slog.Int("replayed_bytes", len(snapshot)))

	go s.readClient(client, sess, subID, logger)

	for batch := range out {
		if err := client.send(wsMessage{Type: msgData, Data: string(batch)}); err != nil {
			break
		}
	}
	sess.Detach(subID)

	if sess.Ended() {
		code := sess.ExitCode()
		_ = client.send(wsMessage{Type: msgExit, ExitCode: &code})
	}
	client.conn.Close()
	logger.Info("client detached")
}

// readClient consumes client messages until the connection drops.
// Detaching on return ends the streaming loop via its channel.
func (s *Server) readClient(client *wsClient, sess *terminal.Session, subID int, logger *slog.Logger) {
	defer sess.Detach(subID)

	for {
		_, raw, err := client.conn.ReadMessage()
		if err != nil {
			return
		}

		var msg wsMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			logger.Debug("discarding malformed client message",
				slog.String("error", err.Error()),
			)
			continue
		}

		switch msg.Type {
		case msgInput:
			if len(msg.Data) > maxInputBytes {
				_ = client.send(wsMessage{Type: msgError, Error: "input exceeds 1 MiB limit"})
				continue
			}
			sess.Write([]byte(msg.Data))
		case msgResize:
			// Out-of-range dimensions are dropped inside Resize.
			sess.Resize(msg.Cols, msg.Rows, true)
		case msgPing:
			_ = client.send(wsMessage{Type: msgPong})
		default:
			logger.Debug("unknown client message type",
				slog.String("type", msg.Type),
			)
		}
	}
}
