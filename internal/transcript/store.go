// Package transcript stores conversations as append-only JSON-lines files,
// one per session key, each guarded by an advisory lock file.
package transcript

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"
)

// ErrBusy is returned when another writer holds a session's lock.
var ErrBusy = errors.New("session is busy")

const (
	fileExt = ".jsonl"
	lockExt = ".lock"
)

var unsafeKeyChars = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// SafeKey maps a session key to the file-name stem used on disk.
func SafeKey(key string) string {
	return unsafeKeyChars.ReplaceAllString(key, "_")
}

// Store owns a directory of transcript files.
type Store struct {
	dir    string
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the clock used to stamp appended entries.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the logger used for skipped records and maintenance.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Open creates dir if needed and returns a Store rooted there.
func Open(dir string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating sessions directory: %w", err)
	}
	s := &Store{
		dir:    dir,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Dir returns the directory holding the transcript files.
func (s *Store) Dir() string {
	return s.dir
}

// Session returns a handle for key. Nothing is created on disk until the
// handle is used.
func (s *Store) Session(key string) *Session {
	safe := SafeKey(key)
	return &Session{
		store:    s,
		key:      key,
		path:     filepath.Join(s.dir, safe+fileExt),
		lockPath: filepath.Join(s.dir, safe+lockExt),
	}
}

// FileInfo describes one transcript file on disk.
type FileInfo struct {
	Key     string    `json:"key"`
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"modified"`
}

// List returns every transcript file, oldest modification first.
func (s *Store) List() ([]FileInfo, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("reading sessions directory: %w", err)
	}
	var files []FileInfo
	for _, de := range entries {
		name := de.Name()
		if de.IsDir() || !strings.HasSuffix(name, fileExt) {
			continue
		}
		info, err := de.Info()
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("stat %s: %w", name, err)
		}
		files = append(files, FileInfo{
			Key:     strings.TrimSuffix(name, fileExt),
			Path:    filepath.Join(s.dir, name),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}
	sort.Slice(files, func(i, j int) bool {
		return files[i].ModTime.Before(files[j].ModTime)
	})
	return files, nil
}

// Count returns the number of transcript files.
func (s *Store) Count() (int, error) {
	files, err := s.List()
	if err != nil {
		return 0, err
	}
	return len(files), nil
}

// Remove deletes the transcript file for key. The lock file stays: a writer
// may already hold an open descriptor on it, and unlinking it would let a
// later writer lock a fresh inode alongside that one.
func (s *Store) Remove(key string) error {
	sess := s.Session(key)
	if err := os.Remove(sess.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing %s: %w", filepath.Base(sess.path), err)
	}
	return nil
}
