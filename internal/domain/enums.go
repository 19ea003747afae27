// Package domain defines the core models shared by the relay: runs, events and tool invocations.
package domain

// RunState represents the state of an execution run.
type RunState string

const (
	RunStatePending      RunState = "PENDING"
	RunStateRunning      RunState = "RUNNING"
	RunStateAwaitingTool RunState = "AWAITING_TOOL"
	RunStateCompleted    RunState = "COMPLETED"
	RunStateFailed       RunState = "FAILED"
	RunStateTimedOut     RunState = "TIMED_OUT"
)

// IsTerminal reports whether no further transitions can leave the state.
func (s RunState) IsTerminal() bool {
	switch s {
	case RunStateCompleted, RunStateFailed, RunStateTimedOut:
		return true
	}
	return false
}

// EventType represents the type of an outbound lifecycle event.
type EventType string

const (
	EventTypeAgentStarted   EventType = "agent_started"
	EventTypeAgentThinking  EventType = "agent_thinking"
	EventTypeToolExecuting  EventType = "tool_executing"
	EventTypeToolCompleted  EventType = "tool_completed"
	EventTypeAgentCompleted EventType = "agent_completed"
	EventTypeAgentError     EventType = "agent_error"
)

// IsTerminal reports whether the event type ends a run.
func (t EventType) IsTerminal() bool {
	return t == EventTypeAgentCompleted || t == EventTypeAgentError
}

// ToolStatus represents the status of a tool invocation.
type ToolStatus string

const (
	ToolStatusExecuting ToolStatus = "EXECUTING"
	ToolStatusCompleted ToolStatus = "COMPLETED"
	ToolStatusFailed    ToolStatus = "FAILED"
)

// Error codes carried by agent_error and tool_completed failure payloads.
const (
	ErrorCodeAgentNotFound     = "agent_not_found"
	ErrorCodeAgentError        = "agent_error"
	ErrorCodeAgentPanic        = "agent_panic"
	ErrorCodeRunTimeout        = "run_timeout"
	ErrorCodeCancelled         = "cancelled"
	ErrorCodeToolFailed        = "tool_failed"
	ErrorCodeMaxSteps          = "max_steps_exceeded"
	ErrorCodeToolNotFound      = "tool_not_found"
	ErrorCodeInvalidParameters = "invalid_parameters"
	ErrorCodeBlocked           = "blocked"
	ErrorCodeToolError         = "tool_error"
	ErrorCodeToolPanic         = "tool_panic"
	ErrorCodeToolTimeout       = "tool_timeout"
	ErrorCodeDeadlineExceeded  = "deadline_exceeded"
)
