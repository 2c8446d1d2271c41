package terminal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
)

// Session creation defaults and registry limits.
const (
	defaultCols = 80
	defaultRows = 24

	minSessionLimit = 1
	maxSessionLimit = 1000
)

// CreateOptions configure a new session. Zero values select the defaults:
// auto-detected shell, home working directory, 80x24 dimensions.
type CreateOptions struct {
	Shell string
	Cwd   string
	Cols  int
	Rows  int
	Env   map[string]string
}

// SessionInfo is a point-in-time snapshot of one session for listings.
type SessionInfo struct {
	ID        string    `json:"id"`
	Pid       int       `json:"pid"`
	Shell     string    `json:"shell"`
	Cwd       string    `json:"cwd"`
	Cols      int       `json:"cols"`
	Rows      int       `json:"rows"`
	CreatedAt time.Time `json:"createdAt"`
}

// Registry owns every live session on the host. It is the single place
// sessions are added and removed, enforces the concurrent session limit,
// and fans lifecycle events out to the transport layers.
type Registry struct {
	logger *slog.Logger

	mu              sync.RWMutex
	sessions        map[string]*Session
	maxSessions     int
	scrollbackLimit int
	defaultShell    string
	startSubs       []func(s *Session)
	dataSubs        []func(sessionID string, batch []byte)
	exitSubs        []func(s *Session, exitCode int)
}

// NewRegistry creates an empty session table. maxSessions zero selects
// the default ceiling and other values clamp to [1, 1000];
// scrollbackBytes <= 0 selects the default buffer size; defaultShell
// overrides shell auto-detection when non-empty.
func NewRegistry(maxSessions, scrollbackBytes int, defaultShell string, logger *slog.Logger) *Registry {
	if maxSessions == 0 {
		maxSessions = maxSessionLimit
	}
	maxSessions = clampSessionLimit(maxSessions)

	return &Registry{
		logger:          logger,
		sessions:        make(map[string]*Session),
		maxSessions:     maxSessions,
		scrollbackLimit: scrollbackBytes,
		defaultShell:    defaultShell,
	}
}

func clampSessionLimit(limit int) int {
	if limit < minSessionLimit {
		return minSessionLimit
	}
	if limit > maxSessionLimit {
		return maxSessionLimit
	}
	return limit
}

// CreateSession spawns a shell on a fresh PTY and registers it. At the
// session limit it returns (nil, nil): capacity exhaustion is an expected
// operating state, not a spawn failure, and callers translate the nil
// session into their transport's "limit reached" reply. A non-nil error
// always means the shell could not be started.
func (r *Registry) CreateSession(opts CreateOptions) (*Session, error) {
	r.mu.Lock()
	if len(r.sessions) >= r.maxSessions {
		count, limit := len(r.sessions), r.maxSessions
		r.mu.Unlock()
		r.logger.Warn("session limit reached",
			slog.Int("sessions", count),
			slog.Int("max_sessions", limit),
		)
		return nil, nil
	}

	shell := opts.Shell
	var args []string
	if shell == "" {
		shell = r.defaultShell
	}
	if shell == "" {
		shell, args = DetectShell()
	}
	cwd := ResolveWorkdir(opts.Cwd)
	cols, rows := opts.Cols, opts.Rows
	if cols < 1 || cols > MaxCols {
		cols = defaultCols
	}
	if rows < 1 || rows > MaxRows {
		rows = defaultRows
	}

	id := newSessionID()
	logger := r.logger.With(slog.String("session_id", id))

	cmd := exec.Command(shell, args...)
	cmd.Dir = cwd
	cmd.Env = buildEnv(opts.Env)
	// Own process group so termination signals reach the shell's children.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{
		Rows: uint16(rows),
		Cols: uint16(cols),
	})
	if err != nil {
		r.mu.Unlock()
		return nil, fmt.Errorf("starting shell %s: %w", shell, err)
	}

	s := &Session{
		ID:         id,
		Shell:      shell,
		Cwd:        cwd,
		CreatedAt:  time.Now(),
		cmd:        cmd,
		ptmx:       ptmx,
		logger:     logger,
		history:    newScrollback(r.scrollbackLimit),
		flushDelay: flushInterval,
		batchSize:  flushBatchSize,
		subs:       make(map[int]chan []byte),
		cols:       cols,
		rows:       rows,
		lastActive: time.Now(),
		setSize: func(cols, rows uint16) error {
			return pty.Setsize(ptmx, &pty.Winsize{Rows: rows, Cols: cols})
		},
	}
	s.onFlush = func(batch []byte) { r.fanoutData(id, batch) }

	r.sessions[id] = s
	starts := append([]func(*Session)(nil), r.startSubs...)
	count := len(r.sessions)
	r.mu.Unlock()

	go r.runSession(s)

	logger.Info("session started",
		slog.String("shell", shell),
		slog.String("cwd", cwd),
		slog.Int("cols", cols),
		slog.Int("rows", rows),
		slog.Int("pid", cmd.Process.Pid),
		slog.Int("sessions", count),
	)
	for _, cb := range starts {
		cb(s)
	}
	return s, nil
}

// runSession pumps output until the PTY drains, reaps the process, and
// removes the session. Reading to completion before waiting keeps the
// shell's final output from being lost.
func (r *Registry) runSession(s *Session) {
	s.readOutput()
	err := s.cmd.Wait()
	r.removeSession(s, exitCode(err))
}

// exitCode maps a Wait result to the code reported to clients. Signal
// deaths use the shell convention of 128 plus the signal number.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return 128 + int(ws.Signal())
		}
		return exitErr.ExitCode()
	}
	return 1
}

// removeSession deletes the session from the table, finalizes it, and
// notifies exit subscribers. The natural exit path and the forced-kill
// timer can race here; only the first caller has effect.
func (r *Registry) removeSession(s *Session, code int) {
	r.mu.Lock()
	if _, ok := r.sessions[s.ID]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, s.ID)
	exits := append([]func(*Session, int)(nil), r.exitSubs...)
	remaining := len(r.sessions)
	r.mu.Unlock()

	s.closeWith(code)
	s.logger.Info("session ended",
		slog.Int("exit_code", code),
		slog.Int("sessions", remaining),
	)
	for _, cb := range exits {
		cb(s, code)
	}
}

// Get returns the session with the given id, or nil.
func (r *Registry) Get(id string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[id]
}

// List returns a snapshot of all live sessions, oldest first.
func (r *Registry) List() []SessionInfo {
	r.mu.RLock()
	all := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.mu.RUnlock()

	infos := make([]SessionInfo, 0, len(all))
	for _, s := range all {
		cols, rows := s.Dims()
		infos = append(infos, SessionInfo{
			ID:        s.ID,
			Pid:       s.Pid(),
			Shell:     s.Shell,
			Cwd:       s.Cwd,
			Cols:      cols,
			Rows:      rows,
			CreatedAt: s.CreatedAt,
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].CreatedAt.Equal(infos[j].CreatedAt) {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].CreatedAt.Before(infos[j].CreatedAt)
	})
	return infos
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// WriteSession forwards input to a session by id. Returns false when the
// session does not exist or has ended.
func (r *Registry) WriteSession(id string, data []byte) bool {
	s := r.Get(id)
	if s == nil {
		r.logger.Warn("write to unknown session",
			slog.String("session_id", id),
		)
		return false
	}
	return s.Write(data)
}

// ResizeSession resizes a session by id, with the same semantics as
// Session.Resize. Returns false when the session does not exist.
func (r *Registry) ResizeSession(id string, cols, rows int, suppress bool) bool {
	s := r.Get(id)
	if s == nil {
		return false
	}
	return s.Resize(cols, rows, suppress)
}

// SetMaxSessions adjusts the concurrent session ceiling, clamped to
// [1, 1000], and returns the applied value. Sessions already running
// above a lowered limit keep running; only new creations are refused.
func (r *Registry) SetMaxSessions(limit int) int {
	limit = clampSessionLimit(limit)
	r.mu.Lock()
	r.maxSessions = limit
	r.mu.Unlock()
	return limit
}

// MaxSessions returns the current session ceiling.
func (r *Registry) MaxSessions() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.maxSessions
}

// OnStart registers a callback invoked after each session starts.
func (r *Registry) OnStart(fn func(s *Session)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.startSubs = append(r.startSubs, fn)
}

// OnData registers a callback invoked for every delivered output batch,
// in delivery order. Callbacks run with the emitting session's lock held
// and must not call back into the session.
func (r *Registry) OnData(fn func(sessionID string, batch []byte)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dataSubs = append(r.dataSubs, fn)
}

// OnExit registers a callback invoked after a session leaves the
// registry. The session is already finalized; only its immutable fields
// and recorded exit state are meaningful.
func (r *Registry) OnExit(fn func(s *Session, exitCode int)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exitSubs = append(r.exitSubs, fn)
}

// fanoutData relays one output batch to the data subscribers.
func (r *Registry) fanoutData(id string, batch []byte) {
	r.mu.RLock()
	subs := r.dataSubs
	r.mu.RUnlock()
	for _, cb := range subs {
		cb(id, batch)
	}
}

// ReapIdle begins termination of every session idle for at least the
// given duration, returning how many were signaled.
func (r *Registry) ReapIdle(idleFor time.Duration) int {
	r.mu.RLock()
	all := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.mu.RUnlock()

	reaped := 0
	for _, s := range all {
		idle := s.IdleFor()
		if idle < idleFor {
			continue
		}
		s.logger.Info("killing idle session",
			slog.Duration("idle", idle),
		)
		r.beginTermination(s)
		reaped++
	}
	return reaped
}

// Cleanup begins termination of every live session.
func (r *Registry) Cleanup() {
	r.mu.RLock()
	all := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.mu.RUnlock()

	if len(all) == 0 {
		return
	}
	r.logger.Info("terminating all sessions", slog.Int("count", len(all)))
	for _, s := range all {
		r.beginTermination(s)
	}
}

// Shutdown terminates all sessions and waits for the registry to empty,
// bounded by the kill grace period plus slack or the context deadline.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.Cleanup()

	deadline := time.NewTimer(killGracePeriod + 500*time.Millisecond)
	defer deadline.Stop()
	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()

	for {
		if r.Count() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("%d sessions still terminating", r.Count())
		case <-ticker.C:
		}
	}
}
