package terminal

// defaultScrollbackBytes bounds the replay buffer when no limit is
// configured.
const defaultScrollbackBytes = 2 * 1024 * 1024

// scrollback is a byte-bounded buffer of PTY output retained for replay to
// newly attached clients. Output is stored as the chunks it arrived in
// rather than one growing slice, so appends stay cheap and eviction drops
// whole chunks from the front. Only the chunk straddling the eviction
// boundary is ever split.
//
// Not safe for concurrent use. Session guards it with its own lock.
type scrollback struct {
	chunks [][]byte
	size   int
	limit  int
}

func newScrollback(limit int) *scrollback {
	if limit <= 0 {
		limit = defaultScrollbackBytes
	}
	return &scrollback{limit: limit}
}

// append copies p into the buffer, evicting the oldest bytes as needed so
// the total size never exceeds the limit. A single chunk larger than the
// whole limit keeps only its tail.
func (s *scrollback) append(p []byte) {
	if len(p) == 0 {
		return
	}
	chunk := make([]byte, len(p))
	copy(chunk, p)
	s.chunks = append(s.chunks, chunk)
	s.size += len(chunk)

	for s.size > s.limit {
		excess := s.size - s.limit
		front := s.chunks[0]
		if len(front) <= excess {
			s.chunks = s.chunks[1:]
			s.size -= len(front)
			continue
		}
		s.chunks[0] = front[excess:]
		s.size -= excess
	}
}

// bytes returns a copy of the buffered output in arrival order.
func (s *scrollback) bytes() []byte {
	out := make([]byte, 0, s.size)
	for _, c := range s.chunks {
		out = append(out, c...)
	}
	return out
}

// len reports the number of buffered bytes.
func (s *scrollback) len() int { return s.size }

// reset discards all buffered output.
func (s *scrollback) reset() {
	s.chunks = nil
	s.size = 0
}
