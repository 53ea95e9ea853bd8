// Package workspace manages the operator-editable files that shape the
// agent: identity, operator profile, tool guidance, long-term memory and
// daily logs.
package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	SoulFile   = "SOUL.md"
	UserFile   = "USER.md"
	ToolsFile  = "TOOLS.md"
	MemoryFile = "MEMORY.md"
	memoryDir  = "memory"

	maxFileBytes     = 8192
	maxDailyLogBytes = 4096
)

const memoryHeader = "# Seabone Long-Term Memory"

var defaultFiles = map[string]string{
	SoulFile: `# Seabone: Agent Identity

You are **Seabone**, an autonomous agent that runs tools on behalf of its operator.

- Be concise but warm. Use tools proactively.
- Write to memory when you learn something worth remembering.
- Break complex tasks into smaller steps.
`,
	UserFile: `# Operator Profile

(Edit workspace/USER.md to add your preferences.)
`,
	ToolsFile: `# Tool Usage Guidance

Use the appropriate tool for each situation. Never fabricate data.
`,
	MemoryFile: memoryHeader + "\n",
}

// Workspace is rooted at a directory holding the markdown files and the
// memory/ directory of daily logs.
type Workspace struct {
	dir string
	now func() time.Time

	mu sync.Mutex // serializes memory appends
}

// New returns a Workspace rooted at dir. Call Ensure before first use.
func New(dir string) *Workspace {
	return &Workspace{dir: dir, now: time.Now}
}

// Dir returns the workspace root.
func (w *Workspace) Dir() string { return w.dir }

// Ensure creates the workspace directories and seeds missing files with
// their defaults. Existing files are never overwritten.
func (w *Workspace) Ensure() error {
	if err := os.MkdirAll(filepath.Join(w.dir, memoryDir), 0o755); err != nil {
		return fmt.Errorf("creating workspace: %w", err)
	}
	for name, content := range defaultFiles {
		p := filepath.Join(w.dir, name)
		f, err := os.OpenFile(p, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err != nil {
			if errors.Is(err, os.ErrExist) {
				continue
			}
			return fmt.Errorf("creating %s: %w", name, err)
		}
		_, werr := f.WriteString(content)
		cerr := f.Close()
		if werr != nil {
			return fmt.Errorf("writing %s: %w", name, werr)
		}
		if cerr != nil {
			return cerr
		}
	}
	return nil
}

// readCapped returns at most limit bytes of the named file, or "" if it
// cannot be read.
func (w *Workspace) readCapped(path string, limit int) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	if len(data) > limit {
		data = data[:limit]
	}
	return string(data)
}

// Read returns the named workspace file, capped at 8 KiB.
func (w *Workspace) Read(name string) string {
	return w.file(name)
}

func (w *Workspace) file(name string) string {
	return w.readCapped(filepath.Join(w.dir, name), maxFileBytes)
}

func (w *Workspace) dailyLogPath(day time.Time) string {
	return filepath.Join(w.dir, memoryDir, day.UTC().Format("2006-01-02")+".md")
}
