// Message types for the NATS control plane.
//
// Every message travels inside a MessageEnvelope. Terminal data crosses
// the bus base64-encoded for binary safety.
package nats

import "encoding/json"

// MessageEnvelope wraps all bus messages with type information.
type MessageEnvelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp string          `json:"timestamp"`
}

// SessionOpenMessage requests a new terminal session. The daemon assigns
// the session id; RequestID correlates the started or error reply.
type SessionOpenMessage struct {
	RequestID string `json:"requestId,omitempty"`
	Shell     string `json:"shell,omitempty"`
	Cwd       string `json:"cwd,omitempty"`
	Cols      uint16 `json:"cols,omitempty"`
	Rows      uint16 `json:"rows,omitempty"`
}

// SessionInputMessage carries keystrokes for a session.
type SessionInputMessage struct {
	SessionID string `json:"sessionId"`
	Data      string `json:"data"` // Base64 encoded
}

// SessionResizeMessage requests new PTY dimensions.
type SessionResizeMessage struct {
	SessionID string `json:"sessionId"`
	Cols      uint16 `json:"cols"`
	Rows      uint16 `json:"rows"`
}

// SessionKillMessage requests session termination.
type SessionKillMessage struct {
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason,omitempty"`
}

// SessionAttachMessage requests a scrollback replay for a session.
type SessionAttachMessage struct {
	SessionID string `json:"sessionId"`
}

// SessionOutputMessage carries one delivered output batch.
type SessionOutputMessage struct {
	SessionID string `json:"sessionId"`
	Data      string `json:"data"` // Base64 encoded
}

// SessionScrollbackMessage answers an attach request: everything the
// session has produced so far, in one message. Output published on the
// session's output subject before the reply lands may overlap the
// replay; subscribers that need exactly-once delivery should attach
// over WebSocket instead.
type SessionScrollbackMessage struct {
	SessionID string `json:"sessionId"`
	Data      string `json:"data"` // Base64 encoded
}

// SessionStartedMessage confirms an open request.
type SessionStartedMessage struct {
	RequestID string `json:"requestId,omitempty"`
	SessionID string `json:"sessionId"`
	Shell     string `json:"shell"`
	Cwd       string `json:"cwd"`
	Pid       int    `json:"pid"`
}

// SessionExitedMessage reports that a session ended.
type SessionExitedMessage struct {
	SessionID string `json:"sessionId"`
	ExitCode  int    `json:"exitCode"`
}

// SessionErrorMessage reports a failed control request.
type SessionErrorMessage struct {
	RequestID string `json:"requestId,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	Error     string `json:"error"`
}

// StatsMessage carries one host metrics sample.
type StatsMessage struct {
	Timestamp    string  `json:"timestamp"`
	Sessions     int     `json:"sessions"`
	CPU          float64 `json:"cpu"`
	MemoryUsed   uint64  `json:"memoryUsed"`
	MemoryTotal  uint64  `json:"memoryTotal"`
	MemoryPct    float64 `json:"memoryPct"`
	DiskUsed     uint64  `json:"diskUsed"`
	DiskTotal    uint64  `json:"diskTotal"`
	DiskPct      float64 `json:"diskPct"`
	NetBytesSent uint64  `json:"netBytesSent"`
	NetBytesRecv uint64  `json:"netBytesRecv"`
	Load1        float64 `json:"load1"`
	Load5        float64 `json:"load5"`
	Load15       float64 `json:"load15"`
	Uptime       uint64  `json:"uptime"`
}
