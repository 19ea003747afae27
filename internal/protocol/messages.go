// Package protocol defines the WebSocket message protocol between clients and the relay.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/xiaot623/gogo/internal/domain"
)

// Message types from client to relay
const (
	TypeUserMessage = "user_message"
	TypeCancelRun   = "cancel_run"
	TypePing        = "ping"
)

// Control frame types from relay to client. Run events use domain.EventType values.
const (
	TypeConnected   = "connected"
	TypeRunAccepted = "run_accepted"
	TypePong        = "pong"
	TypeError       = "error"
)

// Error codes for control error frames
const (
	ErrorCodeInvalidMessage = "invalid_message"
	ErrorCodeRateLimited    = "rate_limited"
	ErrorCodeRunRejected    = "run_rejected"
	ErrorCodeNotFound       = "not_found"
)

// TimestampLayout is ISO-8601 in UTC with millisecond precision.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// FormatTimestamp renders t the way every outbound frame does.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// UserMessage is sent by a client to start a run. It deliberately has no
// run_id or user_id: both are assigned server-side.
type UserMessage struct {
	Type      string `json:"type"`
	ThreadID  string `json:"thread_id"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp,omitempty"`
	Agent     string `json:"agent,omitempty"`
}

// CancelRunMessage is sent by a client to cancel one of its own runs.
type CancelRunMessage struct {
	Type  string `json:"type"`
	RunID string `json:"run_id"`
}

// PingMessage is an application-level keepalive.
type PingMessage struct {
	Type string `json:"type"`
}

// EventBase contains the fields common to every run event.
type EventBase struct {
	Type      string `json:"type"`
	RunID     string `json:"run_id"`
	ThreadID  string `json:"thread_id"`
	Timestamp string `json:"timestamp"`
	Sequence  uint64 `json:"sequence"`
}

// AgentStartedMessage is the wire form of domain.AgentStarted.
type AgentStartedMessage struct {
	EventBase
	Agent string `json:"agent"`
}

// AgentThinkingMessage is the wire form of domain.AgentThinking.
type AgentThinkingMessage struct {
	EventBase
	Thought string `json:"thought"`
	Step    int    `json:"step"`
}

// ToolExecutingMessage is the wire form of domain.ToolExecuting.
type ToolExecutingMessage struct {
	EventBase
	Tool       string          `json:"tool"`
	ToolCallID string          `json:"tool_call_id"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
	Attempt    int             `json:"attempt"`
}

// ToolCompletedMessage is the wire form of domain.ToolCompleted.
type ToolCompletedMessage struct {
	EventBase
	Tool       string            `json:"tool"`
	ToolCallID string            `json:"tool_call_id"`
	Status     string            `json:"status"`
	Result     json.RawMessage   `json:"result,omitempty"`
	Error      *domain.ToolError `json:"error,omitempty"`
	DurationMs int64             `json:"duration_ms"`
	Attempt    int               `json:"attempt"`
}

// AgentCompletedMessage is the wire form of domain.AgentCompleted.
type AgentCompletedMessage struct {
	EventBase
	Response string            `json:"response"`
	Metrics  domain.RunMetrics `json:"metrics"`
}

// AgentErrorMessage is the wire form of domain.AgentError.
type AgentErrorMessage struct {
	EventBase
	Error              string `json:"error"`
	ErrorCode          string `json:"error_code"`
	RecoverySuggestion string `json:"recovery_suggestion,omitempty"`
	DurationMs         int64  `json:"duration_ms"`
}

// ConnectedMessage is sent once the connection is bound and registered.
type ConnectedMessage struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connection_id"`
	Timestamp    string `json:"timestamp"`
}

// RunAcceptedMessage acknowledges a user_message to the connection that sent it.
type RunAcceptedMessage struct {
	Type      string `json:"type"`
	RunID     string `json:"run_id"`
	ThreadID  string `json:"thread_id"`
	Timestamp string `json:"timestamp"`
}

// PongMessage answers a ping.
type PongMessage struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
}

// ErrorMessage is sent by the relay when an inbound frame is rejected.
type ErrorMessage struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	RunID   string `json:"run_id,omitempty"`
}

// ReceivedEvent is a superset view used by clients to decode any run event.
type ReceivedEvent struct {
	EventBase
	Agent              string             `json:"agent,omitempty"`
	Thought            string             `json:"thought,omitempty"`
	Tool               string             `json:"tool,omitempty"`
	ToolCallID         string             `json:"tool_call_id,omitempty"`
	Status             string             `json:"status,omitempty"`
	Result             json.RawMessage    `json:"result,omitempty"`
	Error              json.RawMessage    `json:"error,omitempty"`
	ErrorCode          string             `json:"error_code,omitempty"`
	RecoverySuggestion string             `json:"recovery_suggestion,omitempty"`
	Response           string             `json:"response,omitempty"`
	Metrics            *domain.RunMetrics `json:"metrics,omitempty"`
	ConnectionID       string             `json:"connection_id,omitempty"`
}

// IsRunEvent reports whether the frame is one of the lifecycle event types.
func (e ReceivedEvent) IsRunEvent() bool {
	switch domain.EventType(e.Type) {
	case domain.EventTypeAgentStarted, domain.EventTypeAgentThinking, domain.EventTypeToolExecuting,
		domain.EventTypeToolCompleted, domain.EventTypeAgentCompleted, domain.EventTypeAgentError:
		return true
	}
	return false
}
