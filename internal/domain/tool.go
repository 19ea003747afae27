package domain

import (
	"encoding/json"
	"time"
)

// ToolInvocation represents one tool call nested under a run.
type ToolInvocation struct {
	ID         string          `json:"tool_call_id"`
	RunID      string          `json:"run_id"`
	Tool       string          `json:"tool"`
	Parameters json.RawMessage `json:"parameters"`
	Status     ToolStatus      `json:"status"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      *ToolError      `json:"error,omitempty"`
	Attempt    int             `json:"attempt"`
	StartedAt  time.Time       `json:"started_at"`
	Duration   time.Duration   `json:"-"`
}

// ToolError is the structured failure payload of a tool call.
type ToolError struct {
	Message   string `json:"error_message"`
	Code      string `json:"error_code"`
	Retryable bool   `json:"retryable"`
}

func (e *ToolError) Error() string {
	return e.Code + ": " + e.Message
}

// ToolResult is what the dispatcher hands back to the engine.
type ToolResult struct {
	Invocation ToolInvocation
}

// OK reports whether the tool call succeeded.
func (r ToolResult) OK() bool {
	return r.Invocation.Status == ToolStatusCompleted
}

// Err returns the failure payload, or nil on success.
func (r ToolResult) Err() *ToolError {
	return r.Invocation.Error
}
