package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/xiaot623/gogo/internal/domain"
)

// EncodeEvent renders a run event as one outbound JSON frame.
func EncodeEvent(evt domain.Event) ([]byte, error) {
	base := EventBase{
		Type:      string(evt.Type),
		RunID:     evt.RunID,
		ThreadID:  evt.ThreadID,
		Timestamp: FormatTimestamp(evt.Timestamp),
		Sequence:  evt.Sequence,
	}

	var msg any
	switch p := evt.Payload.(type) {
	case domain.AgentStarted:
		msg = AgentStartedMessage{EventBase: base, Agent: p.Agent}
	case domain.AgentThinking:
		msg = AgentThinkingMessage{EventBase: base, Thought: p.Thought, Step: p.Step}
	case domain.ToolExecuting:
		msg = ToolExecutingMessage{
			EventBase:  base,
			Tool:       p.Tool,
			ToolCallID: p.ToolCallID,
			Parameters: p.Parameters,
			Attempt:    p.Attempt,
		}
	case domain.ToolCompleted:
		msg = ToolCompletedMessage{
			EventBase:  base,
			Tool:       p.Tool,
			ToolCallID: p.ToolCallID,
			Status:     string(p.Status),
			Result:     p.Result,
			Error:      p.Error,
			DurationMs: p.Duration.Milliseconds(),
			Attempt:    p.Attempt,
		}
	case domain.AgentCompleted:
		msg = AgentCompletedMessage{EventBase: base, Response: p.Response, Metrics: p.Metrics}
	case domain.AgentError:
		msg = AgentErrorMessage{
			EventBase:          base,
			Error:              p.Message,
			ErrorCode:          p.Code,
			RecoverySuggestion: p.RecoverySuggestion,
			DurationMs:         p.Duration.Milliseconds(),
		}
	default:
		return nil, fmt.Errorf("unsupported payload %T", evt.Payload)
	}
	if base.Type != string(evt.Payload.EventType()) {
		return nil, fmt.Errorf("event type %q does not match payload %T", base.Type, evt.Payload)
	}
	return json.Marshal(msg)
}

// NewConnected builds the frame sent after a connection is bound.
func NewConnected(connectionID string) ConnectedMessage {
	return ConnectedMessage{Type: TypeConnected, ConnectionID: connectionID, Timestamp: FormatTimestamp(time.Now())}
}

// NewRunAccepted builds the acknowledgement for a user_message.
func NewRunAccepted(runID, threadID string) RunAcceptedMessage {
	return RunAcceptedMessage{Type: TypeRunAccepted, RunID: runID, ThreadID: threadID, Timestamp: FormatTimestamp(time.Now())}
}

// NewPong builds a pong frame.
func NewPong() PongMessage {
	return PongMessage{Type: TypePong, Timestamp: FormatTimestamp(time.Now())}
}

// NewError builds a control error frame.
func NewError(code, message string) ErrorMessage {
	return ErrorMessage{Type: TypeError, Code: code, Message: message}
}
