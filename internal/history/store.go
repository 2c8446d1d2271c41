// Package history persists session lifecycle records in a local bbolt
// database. Only metadata is stored (shell, working directory, timing,
// exit code); terminal content never touches disk.
package history

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

// sessionsBucket holds one record per session, keyed by insertion
// sequence so byte order matches start order.
const sessionsBucket = "sessions"

// Record is one session's lifecycle facts. EndedAt and ExitCode are nil
// while the session is still running.
type Record struct {
	Seq       uint64     `json:"seq"`
	SessionID string     `json:"sessionId"`
	Shell     string     `json:"shell"`
	Cwd       string     `json:"cwd"`
	StartedAt time.Time  `json:"startedAt"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`
	ExitCode  *int       `json:"exitCode,omitempty"`
}

// Store wraps the history database. The open map remembers the sequence
// key of each still-running session so exit updates can find their
// record without a scan.
type Store struct {
	db     *bolt.DB
	logger *slog.Logger

	mu   sync.Mutex
	open map[string]uint64
}

// Open creates or opens the history database at path, creating parent
// directories as needed. The open timeout keeps a stale process holding
// the file lock from hanging daemon startup forever.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "/" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating history directory %s: %w", dir, err)
		}
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening history database %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(sessionsBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating history bucket: %w", err)
	}

	return &Store{
		db:     db,
		logger: logger,
		open:   make(map[string]uint64),
	}, nil
}

// RecordStart persists a new running-session record.
func (s *Store) RecordStart(sessionID, shell, cwd string, startedAt time.Time) error {
	var seq uint64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(sessionsBucket))
		var err error
		seq, err = b.NextSequence()
		if err != nil {
			return err
		}
		data, err := json.Marshal(Record{
			Seq:       seq,
			SessionID: sessionID,
			Shell:     shell,
			Cwd:       cwd,
			StartedAt: startedAt,
		})
		if err != nil {
			return err
		}
		return b.Put(itob(seq), data)
	})
	if err != nil {
		return fmt.Errorf("recording session start: %w", err)
	}

	s.mu.Lock()
	s.open[sessionID] = seq
	s.mu.Unlock()
	return nil
}

// RecordExit marks a running session's record as ended. Unknown ids are
// ignored; the start may predate a daemon restart.
func (s *Store) RecordExit(sessionID string, exitCode int, endedAt time.Time) error {
	s.mu.Lock()
	seq, ok := s.open[sessionID]
	delete(s.open, sessionID)
	s.mu.Unlock()
	if !ok {
		return nil
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(sessionsBucket))
		key := itob(seq)
		data := b.Get(key)
		if data == nil {
			return nil
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			return err
		}
		rec.EndedAt = &endedAt
		rec.ExitCode = &exitCode
		updated, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put(key, updated)
	})
	if err != nil {
		return fmt.Errorf("recording session exit: %w", err)
	}
	return nil
}

// Recent returns up to limit records, newest first.
func (s *Store) Recent(limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}

	records := make([]Record, 0, limit)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(sessionsBucket)).Cursor()
		for k, v := c.Last(); k != nil && len(records) < limit; k, v = c.Prev() {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				s.logger.Warn("skipping corrupt history record",
					slog.String("error", err.Error()),
				)
				continue
			}
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reading history: %w", err)
	}
	return records, nil
}

// Prune deletes ended records whose sessions started before the cutoff,
// returning how many were removed. Running sessions are always kept.
func (s *Store) Prune(before time.Time) (int, error) {
	s.mu.Lock()
	running := make(map[uint64]bool, len(s.open))
	for _, seq := range s.open {
		running[seq] = true
	}
	s.mu.Unlock()

	pruned := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(sessionsBucket))

		var stale [][]byte
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				stale = append(stale, append([]byte(nil), k...))
				continue
			}
			if running[rec.Seq] || !rec.StartedAt.Before(before) {
				continue
			}
			stale = append(stale, append([]byte(nil), k...))
		}

		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
			pruned++
		}
		return nil
	})
	if err != nil {
		return pruned, fmt.Errorf("pruning history: %w", err)
	}
	return pruned, nil
}

// Count returns the number of stored records.
func (s *Store) Count() (int, error) {
	var n int
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket([]byte(sessionsBucket)).Stats().KeyN
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("counting history records: %w", err)
	}
	return n, nil
}

// Close releases the database file lock.
func (s *Store) Close() error {
	return s.db.Close()
}

// itob encodes a sequence number as a big-endian key so lexicographic
// order matches numeric order.
func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
