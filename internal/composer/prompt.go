// Package composer assembles the system preamble that opens every
// reasoning request: workspace files, memory and live runtime status.
package composer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kalambet/seabone/internal/provider"
	"github.com/kalambet/seabone/internal/workspace"
)

const defaultMaxTokens = 6000

// SectionSeparator joins preamble sections.
const SectionSeparator = "\n\n---\n\n"

const emptyMemory = "# Seabone Long-Term Memory"

// Files reads workspace documents.
type Files interface {
	Read(name string) string
	DailyLog() string
}

// HealthSource reports provider health.
type HealthSource interface {
	Health() []provider.Health
}

// SessionCounter reports how many sessions exist.
type SessionCounter interface {
	Count() (int, error)
}

// Options configures a Composer. Files is required; the rest are optional.
type Options struct {
	Files     Files
	Providers HealthSource
	Sessions  SessionCounter
	ToolCount func() int
	DataDir   string
	MaxTokens int
	Clock     func() time.Time
}

// Composer builds the preamble fresh on every call so edits to workspace
// files and provider restarts show up on the next round.
type Composer struct {
	opts Options
}

// New creates a Composer. If opts.MaxTokens <= 0, the default (6000) is used.
func New(opts Options) *Composer {
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = defaultMaxTokens
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Composer{opts: opts}
}

// Build returns the preamble. Sections are identity, operator profile, tool
// guidance, long-term memory, today's log and live status, in that order.
// Over the token budget, today's log is dropped first, then memory.
func (c *Composer) Build(ctx context.Context) string {
	var head []string
	for _, name := range []string{workspace.SoulFile, workspace.UserFile, workspace.ToolsFile} {
		if s := strings.TrimSpace(c.opts.Files.Read(name)); s != "" {
			head = append(head, s)
		}
	}

	memory := strings.TrimSpace(c.opts.Files.Read(workspace.MemoryFile))
	if memory == emptyMemory {
		memory = ""
	}
	daily := strings.TrimSpace(c.opts.Files.DailyLog())
	if daily != "" {
		daily = "# Today's Log\n" + daily
	}
	status := c.LiveStatus()

	assemble := func(optional ...string) string {
		sections := append([]string(nil), head...)
		for _, s := range optional {
			if s != "" {
				sections = append(sections, s)
			}
		}
		sections = append(sections, status)
		return strings.Join(sections, SectionSeparator)
	}

	out := assemble(memory, daily)
	if EstimateTokens(out) <= c.opts.MaxTokens {
		return out
	}
	out = assemble(memory)
	if EstimateTokens(out) <= c.opts.MaxTokens {
		return out
	}
	return assemble()
}

// LiveStatus renders the runtime status section on its own.
func (c *Composer) LiveStatus() string {
	now := c.opts.Clock().UTC().Format("2006-01-02 15:04 UTC")

	lines := []string{"# Live Status"}
	if c.opts.DataDir != "" {
		lines = append(lines, "- Data dir: "+c.opts.DataDir)
	}
	if c.opts.Sessions != nil {
		if n, err := c.opts.Sessions.Count(); err == nil {
			lines = append(lines, fmt.Sprintf("- Sessions: %d", n))
		}
	}
	if c.opts.ToolCount != nil {
		lines = append(lines, fmt.Sprintf("- Tools available: %d", c.opts.ToolCount()))
	}
	lines = append(lines, "- Timestamp: "+now)

	if c.opts.Providers != nil {
		if health := c.opts.Providers.Health(); len(health) > 0 {
			lines = append(lines, "", "## External Tools (MCP)")
			for _, h := range health {
				state := "alive"
				if !h.Alive {
					state = "DEAD"
				}
				line := fmt.Sprintf("- %s: %s, %d tools", h.Name, state, h.Tools)
				if h.Description != "" {
					line += " (" + h.Description + ")"
				}
				lines = append(lines, line)
			}
		}
	}
	return strings.Join(lines, "\n")
}

// EstimateTokens provides a rough token count using 4 chars per token heuristic.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}
