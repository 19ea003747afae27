package domain

import (
	"encoding/json"
	"time"
)

// Event is an immutable lifecycle record addressed to exactly one user.
type Event struct {
	Type      EventType
	RunID     string
	UserID    string
	ThreadID  string
	Payload   Payload
	Timestamp time.Time
	Sequence  uint64
}

// Payload is the closed set of event bodies. Each variant maps to one EventType.
type Payload interface {
	EventType() EventType
	isPayload()
}

// AgentStarted is emitted on PENDING -> RUNNING.
type AgentStarted struct {
	Agent   string
	Message string
}

// AgentThinking narrates progress without changing state.
type AgentThinking struct {
	Thought string
	Step    int
}

// ToolExecuting is emitted on RUNNING -> AWAITING_TOOL.
type ToolExecuting struct {
	Tool       string
	ToolCallID string
	Parameters json.RawMessage
	Attempt    int
}

// ToolCompleted is emitted on AWAITING_TOOL -> RUNNING, carrying either Result or Error.
type ToolCompleted struct {
	Tool       string
	ToolCallID string
	Status     ToolStatus
	Result     json.RawMessage
	Error      *ToolError
	Duration   time.Duration
	Attempt    int
}

// AgentCompleted is the successful terminal event.
type AgentCompleted struct {
	Response string
	Metrics  RunMetrics
}

// AgentError is the failing terminal event, also used for timeouts and cancellation.
type AgentError struct {
	Message            string
	Code               string
	RecoverySuggestion string
	Duration           time.Duration
}

func (AgentStarted) EventType() EventType   { return EventTypeAgentStarted }
func (AgentThinking) EventType() EventType  { return EventTypeAgentThinking }
func (ToolExecuting) EventType() EventType  { return EventTypeToolExecuting }
func (ToolCompleted) EventType() EventType  { return EventTypeToolCompleted }
func (AgentCompleted) EventType() EventType { return EventTypeAgentCompleted }
func (AgentError) EventType() EventType     { return EventTypeAgentError }

func (AgentStarted) isPayload()   {}
func (AgentThinking) isPayload()  {}
func (ToolExecuting) isPayload()  {}
func (ToolCompleted) isPayload()  {}
func (AgentCompleted) isPayload() {}
func (AgentError) isPayload()     {}

// NewEvent stamps a payload with the run's addressing fields.
func NewEvent(run *Run, seq uint64, payload Payload) Event {
	return Event{
		Type:      payload.EventType(),
		RunID:     run.RunID,
		UserID:    run.UserID,
		ThreadID:  run.ThreadID,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
		Sequence:  seq,
	}
}
