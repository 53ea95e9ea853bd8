package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Job run statuses.
const (
	RunOK      = "ok"
	RunError   = "error"
	RunSkipped = "skipped"
)

// Tool invocation sources.
const (
	SourceNative   = "native"
	SourceProvider = "provider"
	SourceDenied   = "denied"
	SourceUnknown  = "unknown"
)

// JobRun is one firing of a scheduled job.
type JobRun struct {
	ID         string    `json:"id"`
	JobID      string    `json:"job_id"`
	Minute     string    `json:"minute"` // "2006-01-02 15:04" in the scheduler's location
	Action     string    `json:"action"`
	Status     string    `json:"status"` // "ok", "error", "skipped"
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// ToolInvocation is one tool call made by the orchestration loop.
type ToolInvocation struct {
	ID        string        `json:"id"`
	Session   string        `json:"session"`
	Tool      string        `json:"tool"`
	Source    string        `json:"source"`
	OK        bool          `json:"ok"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration_ns"`
	CreatedAt time.Time     `json:"created_at"`
}
