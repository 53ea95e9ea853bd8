package composer

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/seabone/internal/provider"
	"github.com/kalambet/seabone/internal/workspace"
)

type fakeFiles struct {
	files map[string]string
	daily string
}

func (f fakeFiles) Read(name string) string { return f.files[name] }
func (f fakeFiles) DailyLog() string        { return f.daily }

type fakeHealth []provider.Health

func (h fakeHealth) Health() []provider.Health { return h }

type fakeSessions struct {
	n   int
	err error
}

func (s fakeSessions) Count() (int, error) { return s.n, s.err }

var fixedNow = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

func clock() time.Time { return fixedNow }

func baseFiles() fakeFiles {
	return fakeFiles{files: map[string]string{
		workspace.SoulFile:   "# Identity\nYou are Seabone.\n",
		workspace.UserFile:   "# Operator\nPrefers short answers.",
		workspace.ToolsFile:  "# Tools\nUse them.",
		workspace.MemoryFile: "# Seabone Long-Term Memory\n",
	}}
}

func TestBuild_SectionOrder(t *testing.T) {
	files := baseFiles()
	files.files[workspace.MemoryFile] = "# Seabone Long-Term Memory\n\n## 2026-03-01 10:00 UTC\nDeploys happen on Fridays."
	files.daily = "\n## 08:00 UTC\nChecked the queue."

	c := New(Options{Files: files, Clock: clock})
	out := c.Build(context.Background())

	sections := strings.Split(out, SectionSeparator)
	if len(sections) != 6 {
		t.Fatalf("expected 6 sections, got %d:\n%s", len(sections), out)
	}
	if !strings.HasPrefix(sections[0], "# Identity") {
		t.Errorf("section 0 = %q, want identity", sections[0])
	}
	if !strings.HasPrefix(sections[1], "# Operator") {
		t.Errorf("section 1 = %q, want operator profile", sections[1])
	}
	if !strings.Contains(sections[3], "Deploys happen on Fridays.") {
		t.Errorf("section 3 = %q, want memory", sections[3])
	}
	if sections[4] != "# Today's Log\n## 08:00 UTC\nChecked the queue." {
		t.Errorf("section 4 = %q", sections[4])
	}
	if !strings.HasPrefix(sections[5], "# Live Status") {
		t.Errorf("last section = %q, want live status", sections[5])
	}
}

func TestBuild_SkipsEmptySections(t *testing.T) {
	files := baseFiles()
	files.files[workspace.UserFile] = "  \n"

	out := New(Options{Files: files, Clock: clock}).Build(context.Background())

	if strings.Contains(out, "Long-Term Memory") {
		t.Errorf("header-only memory should be omitted:\n%s", out)
	}
	if strings.Contains(out, "Today's Log") {
		t.Errorf("empty daily log should be omitted:\n%s", out)
	}
	if n := strings.Count(out, SectionSeparator); n != 2 {
		t.Errorf("expected 3 sections, got %d separators", n)
	}
}

func TestBuild_DropsOptionalSectionsOverBudget(t *testing.T) {
	files := baseFiles()
	files.files[workspace.MemoryFile] = "# Seabone Long-Term Memory\n" + strings.Repeat("m", 400)
	files.daily = strings.Repeat("d", 400)

	c := New(Options{Files: files, Clock: clock, MaxTokens: 180})
	out := c.Build(context.Background())
	if strings.Contains(out, "Today's Log") {
		t.Error("daily log should be dropped first")
	}
	if !strings.Contains(out, "mmmm") {
		t.Error("memory should survive when it fits")
	}

	c = New(Options{Files: files, Clock: clock, MaxTokens: 50})
	out = c.Build(context.Background())
	if strings.Contains(out, "mmmm") || strings.Contains(out, "dddd") {
		t.Error("memory and daily log should both be dropped")
	}
	if !strings.Contains(out, "# Identity") || !strings.Contains(out, "# Live Status") {
		t.Error("identity and status are never dropped")
	}
}

func TestLiveStatus(t *testing.T) {
	c := New(Options{
		Files: baseFiles(),
		Providers: fakeHealth{
			{Name: "files", State: provider.StateReady, Alive: true, Tools: 3, Description: "filesystem"},
			{Name: "web", State: provider.StateDead, Alive: false, Tools: 0},
		},
		Sessions:  fakeSessions{n: 4},
		ToolCount: func() int { return 6 },
		DataDir:   "/var/lib/seabone",
		Clock:     clock,
	})

	want := strings.Join([]string{
		"# Live Status",
		"- Data dir: /var/lib/seabone",
		"- Sessions: 4",
		"- Tools available: 6",
		"- Timestamp: 2026-03-14 09:30 UTC",
		"",
		"## External Tools (MCP)",
		"- files: alive, 3 tools (filesystem)",
		"- web: DEAD, 0 tools",
	}, "\n")
	if got := c.LiveStatus(); got != want {
		t.Errorf("LiveStatus() =\n%s\nwant\n%s", got, want)
	}
}

func TestLiveStatus_SessionCountError(t *testing.T) {
	c := New(Options{Files: baseFiles(), Sessions: fakeSessions{err: errors.New("permission denied")}, Clock: clock})
	if got := c.LiveStatus(); strings.Contains(got, "Sessions") {
		t.Errorf("session line should be omitted on error:\n%s", got)
	}
}

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		text string
		want int
	}{
		{"", 0},
		{"abc", 1},
		{"abcd", 1},
		{"abcde", 2},
	}
	for _, tt := range tests {
		if got := EstimateTokens(tt.text); got != tt.want {
			t.Errorf("EstimateTokens(%q) = %d, want %d", tt.text, got, tt.want)
		}
	}
}
