package terminal

import (
	"syscall"
	"time"
)

const (
	// killGracePeriod is how long a session gets to exit after SIGHUP
	// before it is force-killed.
	killGracePeriod = time.Second

	// forcedExitCode (128 + SIGKILL) is reported when a session is
	// removed by force before its process could be reaped.
	forcedExitCode = 137
)

// KillSession begins termination of the session with the given id: SIGHUP
// to the process group, then SIGKILL after the grace period if the session
// has not exited on its own. Returns false when no such session exists.
// The session always leaves the registry, even if both signals fail; a
// wedged process must not pin a capacity slot.
func (r *Registry) KillSession(id string) bool {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	r.beginTermination(s)
	return true
}

// beginTermination delivers the graceful signal and schedules the forced
// phase. The forced phase re-checks registration first: a session that
// exited during the grace period was already removed by its exit path,
// and its pid may have been reused by an unrelated process.
func (r *Registry) beginTermination(s *Session) {
	s.logger.Info("terminating session")
	s.signalGroup(syscall.SIGHUP)

	time.AfterFunc(killGracePeriod, func() {
		r.mu.RLock()
		_, alive := r.sessions[s.ID]
		r.mu.RUnlock()
		if !alive {
			return
		}
		s.logger.Warn("session ignored hangup, force killing")
		s.signalGroup(syscall.SIGKILL)
		r.removeSession(s, forcedExitCode)
	})
}
