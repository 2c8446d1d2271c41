package terminal

import "time"

// Output throttling constants. PTY output is buffered briefly and
// delivered in capped batches so a flood of small reads becomes a few
// larger transport messages instead of thousands of tiny ones.
const (
	// flushInterval is how long output accumulates before delivery.
	// Short enough to feel instantaneous while typing.
	flushInterval = 4 * time.Millisecond

	// flushBatchSize caps the bytes delivered per flush so one batch can
	// never become an arbitrarily large transport message.
	flushBatchSize = 4096
)

// enqueueOutputLocked appends a PTY chunk to the pending buffer and arms
// the flush timer if none is scheduled, so at most one timer exists while
// output is pending. Callers hold s.mu.
func (s *Session) enqueueOutputLocked(p []byte) {
	s.pending = append(s.pending, p...)
	if s.flushTimer == nil {
		s.flushTimer = time.AfterFunc(s.flushDelay, s.flushOutput)
	}
}

// flushOutput delivers at most one batch of pending output. When more
// than a batch is waiting it reschedules itself immediately, draining the
// backlog batch by batch without ever looping inline under the lock.
//
// The batch is carved off and broadcast inside one critical section, so
// every subscriber observes the same batches in PTY emission order.
func (s *Session) flushOutput() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || len(s.pending) == 0 {
		s.flushTimer = nil
		return
	}

	batch := s.pending
	if len(batch) > s.batchSize {
		batch = batch[:s.batchSize]
		s.pending = s.pending[s.batchSize:]
		s.flushTimer = time.AfterFunc(0, s.flushOutput)
	} else {
		s.pending = nil
		s.flushTimer = nil
	}

	s.broadcastLocked(batch)
}
