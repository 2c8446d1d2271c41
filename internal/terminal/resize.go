package terminal

import (
	"log/slog"
	"time"
)

// Resize handling constants. Terminals redraw their prompt on SIGWINCH;
// replaying that redraw to clients double-prints the prompt, so output is
// dropped for a short settle window after client-driven resizes.
const (
	// resizeSettle is how long output stays suppressed after a resize.
	resizeSettle = 150 * time.Millisecond

	// resizeMinInterval rate-limits resize storms from UI layout churn.
	resizeMinInterval = 100 * time.Millisecond

	// MaxCols and MaxRows bound accepted terminal dimensions.
	MaxCols = 1000
	MaxRows = 500
)

// Resize applies new PTY dimensions. With suppress set, output is dropped
// for the settle window after the resize; the session's first resize is
// exempt so the shell's initial prompt is never swallowed. Out-of-range
// dimensions, dimensions matching the current ones, and calls arriving
// inside the rate-limit window are all ignored. Returns true only when
// the PTY was actually resized.
func (s *Session) Resize(cols, rows int, suppress bool) bool {
	if cols < 1 || cols > MaxCols || rows < 1 || rows > MaxRows {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	if cols == s.cols && rows == s.rows {
		return false
	}
	if s.resizedOnce && time.Since(s.lastResize) < resizeMinInterval {
		return false
	}

	suppressing := suppress && s.resizedOnce
	if suppressing {
		if s.resizeTimer != nil {
			s.resizeTimer.Stop()
			s.resizeTimer = nil
		}
		s.suppressOutput = true
	}

	if err := s.setSize(uint16(cols), uint16(rows)); err != nil {
		// The session stays usable at its old dimensions; suppression
		// must not outlive the failed resize.
		s.suppressOutput = false
		if s.resizeTimer != nil {
			s.resizeTimer.Stop()
			s.resizeTimer = nil
		}
		s.logger.Warn("pty resize failed",
			slog.Int("cols", cols),
			slog.Int("rows", rows),
			slog.String("error", err.Error()),
		)
		return false
	}

	s.cols, s.rows = cols, rows
	s.lastResize = time.Now()
	s.resizedOnce = true

	if suppressing {
		s.resizeTimer = time.AfterFunc(resizeSettle, s.endResizeSettle)
	}
	return true
}

// endResizeSettle reopens output delivery after the settle window.
func (s *Session) endResizeSettle() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.suppressOutput = false
	s.resizeTimer = nil
}
