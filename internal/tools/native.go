package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Name identifies a native tool.
type Name string

const (
	WriteMemory    Name = "write_memory"
	ReadMemory     Name = "read_memory"
	ProviderStatus Name = "provider_status"
)

// MemoryStore persists and searches long-term memory.
type MemoryStore interface {
	WriteMemory(content, target string) (string, error)
	ReadMemory(query string) string
}

// StatusReporter renders the live runtime status.
type StatusReporter interface {
	LiveStatus() string
}

var catalog = []Descriptor{
	{
		Name:        string(WriteMemory),
		Description: "Write to long-term memory (persists across sessions). Use proactively to remember operator preferences, project patterns, task outcomes, recurring issues.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"content": {"type": "string", "minLength": 1, "description": "What to remember. Be concise and structured."},
				"target": {"type": "string", "enum": ["memory", "daily"], "description": "'memory' for MEMORY.md (permanent), 'daily' for today's log. Default: 'memory'."}
			},
			"required": ["content"]
		}`),
	},
	{
		Name:        string(ReadMemory),
		Description: "Search long-term memory (MEMORY.md) and recent daily logs. Use before complex tasks to check for prior context.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"query": {"type": "string", "description": "Search term to filter memories. Leave empty to read all."}
			}
		}`),
	},
	{
		Name:        string(ProviderStatus),
		Description: "Report the health of external tool providers and the current runtime status.",
		Parameters:  EmptySchema,
	},
}

// Native runs the built-in tools. The set is fixed at compile time.
type Native struct {
	memory  MemoryStore
	status  StatusReporter
	schemas map[Name]*jsonschema.Schema
}

// NewNative returns the native tool set backed by memory. status may be
// nil, in which case provider_status is not offered.
func NewNative(memory MemoryStore, status StatusReporter) *Native {
	n := &Native{
		memory:  memory,
		status:  status,
		schemas: make(map[Name]*jsonschema.Schema),
	}
	for _, d := range catalog {
		s, err := CompileSchema(d.Name, d.Parameters)
		if err != nil {
			panic(fmt.Sprintf("native tool schema: %v", err))
		}
		n.schemas[Name(d.Name)] = s
	}
	return n
}

// SetStatus attaches the status reporter after construction, for wiring
// where the reporter itself depends on the tool catalog.
func (n *Native) SetStatus(status StatusReporter) {
	n.status = status
}

// Descriptors returns the catalog of available native tools.
func (n *Native) Descriptors() []Descriptor {
	out := make([]Descriptor, 0, len(catalog))
	for _, d := range catalog {
		if n.Has(d.Name) {
			out = append(out, d)
		}
	}
	return out
}

// Descriptor returns the descriptor for one native tool.
func (n *Native) Descriptor(name Name) (Descriptor, bool) {
	for _, d := range catalog {
		if d.Name == string(name) && n.Has(d.Name) {
			return d, true
		}
	}
	return Descriptor{}, false
}

// Has reports whether name is an available native tool.
func (n *Native) Has(name string) bool {
	switch Name(name) {
	case WriteMemory, ReadMemory:
		return n.memory != nil
	case ProviderStatus:
		return n.status != nil
	default:
		return false
	}
}

// Execute validates args and runs the named tool. Failures are returned as
// errors; the caller decides how to render them.
func (n *Native) Execute(ctx context.Context, name string, args map[string]any) (string, error) {
	if !n.Has(name) {
		return "", fmt.Errorf("unknown native tool %q", name)
	}
	if err := Validate(n.schemas[Name(name)], args); err != nil {
		return "", fmt.Errorf("invalid arguments for %s: %w", name, err)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	switch Name(name) {
	case WriteMemory:
		content, _ := args["content"].(string)
		target, _ := args["target"].(string)
		return n.memory.WriteMemory(content, target)
	case ReadMemory:
		query, _ := args["query"].(string)
		return n.memory.ReadMemory(query), nil
	case ProviderStatus:
		return n.status.LiveStatus(), nil
	}
	return "", fmt.Errorf("unknown native tool %q", name)
}
