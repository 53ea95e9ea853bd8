package transcript

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
	"unicode/utf8"
)

// Session is a handle on one transcript. A Session is safe for concurrent
// use, but mutation should happen while holding its lock.
type Session struct {
	store    *Store
	key      string
	path     string
	lockPath string

	mu   sync.Mutex
	lock *os.File
}

// Key returns the session key the handle was created with.
func (s *Session) Key() string {
	return s.key
}

// TryLock takes the session's exclusive lock without blocking. It returns
// ErrBusy when the lock is held elsewhere, including by this handle.
func (s *Session) TryLock() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lock != nil {
		return ErrBusy
	}
	f, err := os.OpenFile(s.lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("opening lock file: %w", err)
	}
	if err := tryLockFile(f); err != nil {
		f.Close()
		return err
	}
	s.lock = f
	return nil
}

// LockWithin retries TryLock every 100ms until it succeeds, wait elapses or
// ctx is done.
func (s *Session) LockWithin(ctx context.Context, wait time.Duration) error {
	deadline := time.Now().Add(wait)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		err := s.TryLock()
		if !errors.Is(err, ErrBusy) {
			return err
		}
		if time.Now().After(deadline) {
			return ErrBusy
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Unlock releases a lock taken by TryLock. Unlocking an unlocked handle is a
// no-op.
func (s *Session) Unlock() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lock == nil {
		return nil
	}
	f := s.lock
	s.lock = nil
	uerr := unlockFile(f)
	cerr := f.Close()
	if uerr != nil {
		return fmt.Errorf("releasing lock: %w", uerr)
	}
	return cerr
}

// Append stamps e with the current time and writes it as one line.
func (s *Session) Append(e Entry) error {
	e.Time = s.store.now().UTC()
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding entry: %w", err)
	}
	line = append(line, '\n')

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening transcript: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return fmt.Errorf("writing entry: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("syncing transcript: %w", err)
	}
	return f.Close()
}

// Compact appends a compaction marker. Reconstruction ignores everything at
// or before the most recent marker; nothing is deleted.
func (s *Session) Compact() error {
	return s.Append(Entry{Marker: true})
}

// Reconstruct returns the role-bearing records after the last compaction
// marker, bounded by p.
func (s *Session) Reconstruct(p Policy) ([]Message, error) {
	entries, err := s.entries()
	if err != nil {
		return nil, err
	}

	msgs := make([]Message, 0, len(entries))
	for _, e := range entries[afterLastMarker(entries):] {
		if e.Role == "" {
			continue
		}
		msgs = append(msgs, e.message())
	}

	if p.MaxMessages > 0 && len(msgs) > p.MaxMessages {
		msgs = msgs[len(msgs)-p.MaxMessages:]
	}

	if p.KeepRecent > 0 && len(msgs) > p.KeepRecent {
		cutoff := len(msgs) - p.KeepRecent
		for i := 0; i < cutoff; i++ {
			if msgs[i].Role == RoleTool && utf8.RuneCountInString(msgs[i].Content) > p.TruncateOver {
				msgs[i].Content = TruncatedPlaceholder
			}
		}
	}
	return msgs, nil
}

// MessageCount returns the number of role-bearing records after the last
// compaction marker.
func (s *Session) MessageCount() (int, error) {
	entries, err := s.entries()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range entries[afterLastMarker(entries):] {
		if e.Role != "" {
			n++
		}
	}
	return n, nil
}

// LastActivity returns the timestamp of the newest role-bearing record, or
// the zero time if there is none.
func (s *Session) LastActivity() (time.Time, error) {
	entries, err := s.entries()
	if err != nil {
		return time.Time{}, err
	}
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Role != "" {
			return entries[i].Time, nil
		}
	}
	return time.Time{}, nil
}

// Trim rewrites the transcript keeping only the newest maxEntries lines. It
// takes the session lock itself and returns ErrBusy if the session is in
// use. The rewrite goes through a temporary file and a rename, so readers
// see either the old or the new file.
func (s *Session) Trim(maxEntries int) (int, error) {
	if maxEntries <= 0 {
		return 0, fmt.Errorf("trim bound must be positive, got %d", maxEntries)
	}
	if err := s.TryLock(); err != nil {
		return 0, err
	}
	defer s.Unlock()

	lines, err := s.rawLines()
	if err != nil {
		return 0, err
	}
	if len(lines) <= maxEntries {
		return 0, nil
	}
	dropped := len(lines) - maxEntries
	keep := lines[dropped:]

	tmp := s.path + ".tmp"
	if err := writeLines(tmp, keep); err != nil {
		os.Remove(tmp)
		return 0, err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("replacing transcript: %w", err)
	}
	return dropped, nil
}

func writeLines(path string, lines [][]byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("creating temp transcript: %w", err)
	}
	w := bufio.NewWriter(f)
	for _, l := range lines {
		w.Write(l)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("writing temp transcript: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("syncing temp transcript: %w", err)
	}
	return f.Close()
}

func afterLastMarker(entries []Entry) int {
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Marker {
			return i + 1
		}
	}
	return 0
}

// entries parses every line, skipping the ones that do not decode.
func (s *Session) entries() ([]Entry, error) {
	lines, err := s.rawLines()
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(lines))
	for i, l := range lines {
		e, err := decodeEntry(l)
		if err != nil {
			s.store.logger.Debug("skipping malformed transcript record",
				"session", s.key, "line", i+1, "error", err)
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// rawLines returns the non-blank lines of the transcript file. A missing
// file is an empty transcript.
func (s *Session) rawLines() ([][]byte, error) {
	f, err := os.Open(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening transcript: %w", err)
	}
	defer f.Close()

	var lines [][]byte
	r := bufio.NewReader(f)
	for {
		line, err := r.ReadBytes('\n')
		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			lines = append(lines, trimmed)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return lines, nil
			}
			return nil, fmt.Errorf("reading transcript: %w", err)
		}
	}
}
