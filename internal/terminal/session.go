// Package terminal implements interactive PTY shell sessions.
//
// A Session owns one shell process attached to a pseudo-terminal together
// with its scrollback buffer, output throttling, and resize state. The
// Registry owns every live Session, enforces the concurrent session limit,
// and is the only place sessions are added or removed.
//
// All mutable per-session state is guarded by a single mutex on Session.
// Flush and resize timers re-acquire that mutex when they fire, and the
// attach handshake (scrollback snapshot plus live subscription) happens in
// one critical section so no output byte is ever delivered twice or lost
// between replay and live streaming.
package terminal

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// subscriberBuffer is each attached client's channel depth. A slow client
// drops batches rather than stalling the PTY reader; the scrollback still
// holds what it missed.
const subscriberBuffer = 256

// Session is one live PTY-backed shell process.
type Session struct {
	ID        string
	Shell     string
	Cwd       string
	CreatedAt time.Time

	cmd    *exec.Cmd
	ptmx   *os.File
	logger *slog.Logger

	// onFlush receives every delivered output batch, in delivery order.
	// Called with mu held; it must not call back into the session.
	onFlush func(batch []byte)

	mu         sync.Mutex
	history    *scrollback
	pending    []byte
	flushTimer *time.Timer
	flushDelay time.Duration
	batchSize  int
	subs       map[int]chan []byte
	nextSubID  int

	cols, rows     int
	resizedOnce    bool
	suppressOutput bool
	resizeTimer    *time.Timer
	lastResize     time.Time
	setSize        func(cols, rows uint16) error

	lastActive time.Time
	closed     bool
	exitCode   int
}

// newSessionID returns a 16-byte random hex identifier.
func newSessionID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("sess-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

// readOutput pumps PTY output into the session until the PTY errors,
// which happens once the child exits and the kernel buffer is drained.
func (s *Session) readOutput() {
	buf := make([]byte, 4096)
	for {
		n, err := s.ptmx.Read(buf)
		if n > 0 {
			s.handleOutput(buf[:n])
		}
		if err != nil {
			if err != io.EOF {
				s.logger.Debug("pty read ended",
					slog.String("error", err.Error()),
				)
			}
			return
		}
	}
}

// handleOutput records one PTY chunk: it lands in the scrollback and the
// pending flush buffer unless a resize settle window is dropping output.
func (s *Session) handleOutput(p []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.lastActive = time.Now()
	if s.suppressOutput {
		s.logger.Debug("dropping output during resize settle",
			slog.Int("bytes", len(p)),
		)
		return
	}
	s.history.append(p)
	s.enqueueOutputLocked(p)
}

// Write forwards input bytes to the PTY. Returns false when the session
// has already ended or the PTY rejects the write.
func (s *Session) Write(p []byte) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.logger.Warn("write to ended session")
		return false
	}
	s.lastActive = time.Now()
	s.mu.Unlock()

	if _, err := s.ptmx.Write(p); err != nil {
		s.logger.Warn("pty write failed",
			slog.String("error", err.Error()),
		)
		return false
	}
	return true
}

// Attach registers a live-output subscriber. Output still waiting on the
// flush timer is flushed to the existing subscribers and the scrollback
// snapshot taken in the same critical section that adds the new
// subscriber, so for every subscriber the replay plus the live stream
// carry every byte exactly once. The channel closes when the session
// ends or the subscriber detaches; an already-ended session yields a
// closed channel.
func (s *Session) Attach() (snapshot []byte, subID int, out <-chan []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot = s.flushAndSnapshotLocked()
	ch := make(chan []byte, subscriberBuffer)
	if s.closed {
		close(ch)
		return snapshot, -1, ch
	}
	s.nextSubID++
	id := s.nextSubID
	s.subs[id] = ch
	return snapshot, id, ch
}

// Detach removes a subscriber and closes its channel. Detaching an
// unknown or already-removed subscriber is a no-op.
func (s *Session) Detach(subID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.subs[subID]; ok {
		delete(s.subs, subID)
		close(ch)
	}
}

// Scrollback returns everything the session has produced so far. Output
// still waiting on the flush timer is flushed to the live subscribers
// first, so the snapshot ends exactly where their streams continue.
func (s *Session) Scrollback() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushAndSnapshotLocked()
}

// flushAndSnapshotLocked flushes any pending batch to the current
// subscribers, cancels the flush timer, and returns the full scrollback.
// Callers hold s.mu. A subscriber added after this call sees the pending
// bytes only through the returned snapshot, never on its channel.
func (s *Session) flushAndSnapshotLocked() []byte {
	if s.flushTimer != nil {
		s.flushTimer.Stop()
		s.flushTimer = nil
	}
	if len(s.pending) > 0 {
		batch := s.pending
		s.pending = nil
		s.broadcastLocked(batch)
	}
	return s.history.bytes()
}

// broadcastLocked fans one output batch out to every subscriber and the
// registry hook. Sends are non-blocking; a full subscriber channel drops
// the batch for that subscriber only. Callers hold s.mu.
func (s *Session) broadcastLocked(batch []byte) {
	for _, ch := range s.subs {
		select {
		case ch <- batch:
		default:
		}
	}
	if s.onFlush != nil {
		s.onFlush(batch)
	}
}

// closeWith finalizes the session: stops timers, flushes pending output,
// records the exit code, ends every subscriber stream, and closes the PTY
// handle. Safe to call more than once; only the first call has effect.
func (s *Session) closeWith(exitCode int) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.exitCode = exitCode
	if s.flushTimer != nil {
		s.flushTimer.Stop()
		s.flushTimer = nil
	}
	if s.resizeTimer != nil {
		s.resizeTimer.Stop()
		s.resizeTimer = nil
	}
	if len(s.pending) > 0 {
		batch := s.pending
		s.pending = nil
		s.broadcastLocked(batch)
	}
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
	s.mu.Unlock()

	if s.ptmx != nil {
		_ = s.ptmx.Close()
	}
}

// Ended reports whether the shell process has exited or the session was
// forcibly removed.
func (s *Session) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ExitCode returns the recorded exit code. Valid once Ended reports true;
// signal deaths are reported as 128 plus the signal number.
func (s *Session) ExitCode() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitCode
}

// Pid returns the shell's process id, or zero if the process never
// started. cmd and Process are set before the session goroutines start
// and never reassigned, so no lock is needed.
func (s *Session) Pid() int {
	if s.cmd == nil || s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

// Dims returns the current PTY dimensions.
func (s *Session) Dims() (cols, rows int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cols, s.rows
}

// IdleFor reports how long it has been since the session saw PTY output
// or client input.
func (s *Session) IdleFor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastActive)
}

// ScrollbackLen reports the number of bytes currently held for replay.
func (s *Session) ScrollbackLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.len()
}

// signalGroup delivers sig to the shell's process group so children
// forked by the shell receive it too, falling back to the process itself
// when the group cannot be resolved. Failures are logged and swallowed;
// termination proceeds regardless.
func (s *Session) signalGroup(sig syscall.Signal) {
	if s.cmd == nil || s.cmd.Process == nil {
		return
	}
	pid := s.cmd.Process.Pid

	if pgid, err := syscall.Getpgid(pid); err == nil {
		if err := syscall.Kill(-pgid, sig); err != nil && err != syscall.ESRCH {
			s.logger.Warn("process group signal failed",
				slog.Int("pgid", pgid),
				slog.String("signal", sig.String()),
				slog.String("error", err.Error()),
			)
		}
		return
	}

	if err := s.cmd.Process.Signal(sig); err != nil {
		s.logger.Warn("process signal failed",
			slog.Int("pid", pid),
			slog.String("signal", sig.String()),
			slog.String("error", err.Error()),
		)
	}
}
