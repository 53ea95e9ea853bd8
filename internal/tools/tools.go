// Package tools defines tool descriptors, argument validation and the
// closed set of native tools the orchestration loop can run in-process.
package tools

import (
	"encoding/json"
	"fmt"
)

// ErrorPrefix marks a tool result that reports a failure.
const ErrorPrefix = "ERROR: "

// Errorf formats a failure as tool result text.
func Errorf(format string, args ...any) string {
	return ErrorPrefix + fmt.Sprintf(format, args...)
}

// EmptySchema is used for tools that advertise no parameters.
var EmptySchema = json.RawMessage(`{"type":"object","properties":{}}`)

// Descriptor describes a tool to the reasoning service.
type Descriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ParseArguments decodes the JSON-encoded arguments of a tool call.
// Empty or malformed input yields an empty argument map.
func ParseArguments(raw string) map[string]any {
	args := map[string]any{}
	if raw == "" {
		return args
	}
	if err := json.Unmarshal([]byte(raw), &args); err != nil || args == nil {
		return map[string]any{}
	}
	return args
}
