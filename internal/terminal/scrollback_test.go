// Tests for the bounded scrollback buffer.
package terminal

import (
	"bytes"
	"fmt"
	"testing"
)

func TestScrollback_AppendAndRead(t *testing.T) {
	sb := newScrollback(1024)

	sb.append([]byte("hello "))
	sb.append([]byte("world"))

	if got := string(sb.bytes()); got != "hello world" {
		t.Errorf("expected %q, got %q", "hello world", got)
	}
	if sb.len() != 11 {
		t.Errorf("expected length 11, got %d", sb.len())
	}
}

func TestScrollback_EmptyAppendIgnored(t *testing.T) {
	sb := newScrollback(16)
	sb.append(nil)
	sb.append([]byte{})

	if sb.len() != 0 {
		t.Errorf("expected empty buffer, got %d bytes", sb.len())
	}
}

func TestScrollback_EvictsWholeChunks(t *testing.T) {
	sb := newScrollback(8)

	sb.append([]byte("aaaa")) // 4
	sb.append([]byte("bbbb")) // 8
	sb.append([]byte("cccc")) // 12 -> evict "aaaa" -> 8

	if got := string(sb.bytes()); got != "bbbbcccc" {
		t.Errorf("expected %q, got %q", "bbbbcccc", got)
	}
	if sb.len() != 8 {
		t.Errorf("expected length 8, got %d", sb.len())
	}
}

func TestScrollback_TruncatesBoundaryChunk(t *testing.T) {
	sb := newScrollback(10)

	sb.append([]byte("aaaaaaa")) // 7
	sb.append([]byte("bbbbbbb")) // 14 -> evict 4 bytes of the front chunk

	if got := string(sb.bytes()); got != "aaabbbbbbb" {
		t.Errorf("expected %q, got %q", "aaabbbbbbb", got)
	}
	if sb.len() != 10 {
		t.Errorf("expected length 10, got %d", sb.len())
	}
}

func TestScrollback_OversizedChunkKeepsTail(t *testing.T) {
	sb := newScrollback(5)

	sb.append([]byte("0123456789"))

	if got := string(sb.bytes()); got != "56789" {
		t.Errorf("expected %q, got %q", "56789", got)
	}
}

func TestScrollback_Reset(t *testing.T) {
	sb := newScrollback(64)
	sb.append([]byte("data"))
	sb.reset()

	if sb.len() != 0 || len(sb.bytes()) != 0 {
		t.Errorf("expected empty buffer after reset, got %d bytes", sb.len())
	}
}

// TestScrollback_BoundUnderLoad floods the buffer with many small chunks
// and verifies it holds exactly the most recent bytes up to the limit.
func TestScrollback_BoundUnderLoad(t *testing.T) {
	const (
		limit     = 50_000
		chunkSize = 10
		chunks    = 10_000
	)

	sb := newScrollback(limit)
	var all bytes.Buffer
	for i := 0; i < chunks; i++ {
		chunk := []byte(fmt.Sprintf("%0*d", chunkSize, i))
		all.Write(chunk)
		sb.append(chunk)
	}

	if sb.len() != limit {
		t.Fatalf("expected buffer length %d, got %d", limit, sb.len())
	}

	want := all.Bytes()[all.Len()-limit:]
	if !bytes.Equal(sb.bytes(), want) {
		t.Error("buffer content is not the most recent bytes in order")
	}
}

func TestScrollback_AppendAfterEviction(t *testing.T) {
	sb := newScrollback(8)

	sb.append([]byte("aaaa"))
	sb.append([]byte("bbbb"))
	sb.append([]byte("cc"))
	sb.append([]byte("dd"))

	if got := string(sb.bytes()); got != "bbbbccdd" {
		t.Errorf("expected %q, got %q", "bbbbccdd", got)
	}
}
