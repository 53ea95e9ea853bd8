package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"
)

// Memory targets accepted by WriteMemory.
const (
	TargetMemory = "memory"
	TargetDaily  = "daily"
)

// MaxMemoryContent is the longest entry WriteMemory accepts, in characters.
const MaxMemoryContent = 10000

const recentLogDays = 7

// WriteMemory appends content under a timestamped heading to MEMORY.md
// (target "memory") or to today's daily log (target "daily"). It returns a
// short confirmation naming the file written.
func (w *Workspace) WriteMemory(content, target string) (string, error) {
	if target == "" {
		target = TargetMemory
	}
	if target != TargetMemory && target != TargetDaily {
		return "", fmt.Errorf("target must be %q or %q", TargetMemory, TargetDaily)
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return "", errors.New("content is required")
	}
	if n := utf8.RuneCountInString(content); n > MaxMemoryContent {
		return "", fmt.Errorf("content too long (%d chars, max %d)", n, MaxMemoryContent)
	}

	now := w.now().UTC()
	var path, stamp string
	if target == TargetDaily {
		path = w.dailyLogPath(now)
		stamp = now.Format("15:04 UTC")
	} else {
		path = filepath.Join(w.dir, MemoryFile)
		stamp = now.Format("2006-01-02 15:04 UTC")
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating memory dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", filepath.Base(path), err)
	}
	if _, err := fmt.Fprintf(f, "\n## %s\n%s\n", stamp, content); err != nil {
		f.Close()
		return "", fmt.Errorf("writing %s: %w", filepath.Base(path), err)
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	return "Written to " + filepath.Base(path), nil
}

// ReadMemory returns MEMORY.md and the daily logs of the last seven days.
// With a non-empty query only the "## " sections containing it
// (case-insensitively) are returned.
func (w *Workspace) ReadMemory(query string) string {
	var parts []string

	if memory := w.file(MemoryFile); memory != "" {
		parts = append(parts, "=== MEMORY.md ===")
		if query == "" {
			parts = append(parts, memory)
		} else if matches := matchSections(memory, query); len(matches) > 0 {
			parts = append(parts, strings.Join(matches, "\n## "))
		} else {
			parts = append(parts, "(no matching entries in MEMORY.md)")
		}
	}

	today := w.now().UTC()
	var daily []string
	for i := 0; i < recentLogDays; i++ {
		day := today.AddDate(0, 0, -i)
		content := w.readCapped(w.dailyLogPath(day), maxDailyLogBytes)
		if content == "" {
			continue
		}
		label := "--- " + day.Format("2006-01-02") + " ---"
		if query == "" {
			daily = append(daily, label, content)
			continue
		}
		if matches := matchSections(content, query); len(matches) > 0 {
			daily = append(daily, label, strings.Join(matches, "\n## "))
		}
	}
	if len(daily) > 0 {
		parts = append(parts, "=== Daily Logs ===")
		parts = append(parts, daily...)
	}

	if len(parts) == 0 {
		return "No memories found."
	}
	return strings.Join(parts, "\n")
}

func matchSections(text, query string) []string {
	q := strings.ToLower(query)
	var out []string
	for _, s := range strings.Split(text, "\n## ") {
		if strings.Contains(strings.ToLower(s), q) {
			out = append(out, s)
		}
	}
	return out
}

// DailyLog returns today's log, capped for inclusion in the preamble.
func (w *Workspace) DailyLog() string {
	return w.readCapped(w.dailyLogPath(w.now()), maxDailyLogBytes)
}

// PruneDailyLogs deletes daily logs dated more than retentionDays before
// today and returns how many were removed.
func (w *Workspace) PruneDailyLogs(retentionDays int) (int, error) {
	if retentionDays <= 0 {
		return 0, nil
	}
	dir := filepath.Join(w.dir, memoryDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading memory dir: %w", err)
	}
	y, m, d := w.now().UTC().Date()
	cutoff := time.Date(y, m, d, 0, 0, 0, 0, time.UTC).AddDate(0, 0, -retentionDays)

	removed := 0
	for _, de := range entries {
		name := de.Name()
		if de.IsDir() || !strings.HasSuffix(name, ".md") {
			continue
		}
		day, err := time.Parse("2006-01-02", strings.TrimSuffix(name, ".md"))
		if err != nil || !day.Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, name)); err != nil {
			return removed, fmt.Errorf("removing %s: %w", name, err)
		}
		removed++
	}
	return removed, nil
}
