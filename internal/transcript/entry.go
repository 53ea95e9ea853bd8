package transcript

import (
	"encoding/json"
	"fmt"
	"time"
)

// Roles used by role-bearing records.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// TruncatedPlaceholder replaces the content of old, oversized tool results
// during reconstruction.
const TruncatedPlaceholder = "[truncated]"

// ToolCall is a tool invocation requested by the reasoning service, stored
// alongside the assistant record that requested it.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// FunctionCall names the tool and carries its JSON-encoded arguments.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Entry is one line of a transcript file. Fields prefixed with "_" on the
// wire are bookkeeping and never reach a reconstructed view. An Entry
// without a role is a bookkeeping record.
type Entry struct {
	Role       string     `json:"role,omitempty"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Time       time.Time  `json:"_ts"`
	Marker     bool       `json:"_compact_marker,omitempty"`
}

// Message is the role-bearing view of an Entry produced by Reconstruct.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// Policy bounds a reconstructed view.
type Policy struct {
	// MaxMessages caps the view to the most recent records. Zero means no cap.
	MaxMessages int
	// KeepRecent is the size of the tail whose tool results are never truncated.
	// Zero disables truncation.
	KeepRecent int
	// TruncateOver is the content length, in characters, above which an old
	// tool result is replaced by TruncatedPlaceholder.
	TruncateOver int
}

// DefaultPolicy returns the policy used when none is configured.
func DefaultPolicy() Policy {
	return Policy{MaxMessages: 100, KeepRecent: 15, TruncateOver: 100}
}

// legacyTimeLayout matches timestamps written without a zone designator.
const legacyTimeLayout = "2006-01-02T15:04:05.999999"

// wireEntry decodes the timestamp leniently so older files stay readable.
type wireEntry struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls"`
	ToolCallID string     `json:"tool_call_id"`
	TS         string     `json:"_ts"`
	Marker     bool       `json:"_compact_marker"`
}

func decodeEntry(line []byte) (Entry, error) {
	var w wireEntry
	if err := json.Unmarshal(line, &w); err != nil {
		return Entry{}, err
	}
	e := Entry{
		Role:       w.Role,
		Content:    w.Content,
		ToolCalls:  w.ToolCalls,
		ToolCallID: w.ToolCallID,
		Marker:     w.Marker,
	}
	if w.TS != "" {
		t, err := time.Parse(time.RFC3339Nano, w.TS)
		if err != nil {
			t, err = time.ParseInLocation(legacyTimeLayout, w.TS, time.UTC)
			if err != nil {
				return Entry{}, fmt.Errorf("parsing timestamp %q: %w", w.TS, err)
			}
		}
		e.Time = t
	}
	return e, nil
}

func (e Entry) message() Message {
	return Message{
		Role:       e.Role,
		Content:    e.Content,
		ToolCalls:  e.ToolCalls,
		ToolCallID: e.ToolCallID,
	}
}
