package agents

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/xiaot623/gogo/internal/engine"
)

// SSE event names understood from remote agents.
const (
	SSEEventThinking = "thinking"
	SSEEventToolCall = "tool_call"
	SSEEventDone     = "done"
	SSEEventError    = "error"
)

// SSEEvent represents a parsed SSE event.
type SSEEvent struct {
	Event string
	Data  string
}

// RemoteRequest is the body posted to a remote agent for every step.
type RemoteRequest struct {
	RunID        string               `json:"run_id"`
	ThreadID     string               `json:"thread_id"`
	Message      string               `json:"message"`
	Step         int                  `json:"step"`
	Thoughts     []string             `json:"thoughts,omitempty"`
	Observations []engine.Observation `json:"observations,omitempty"`
}

type thinkingData struct {
	Thought string `json:"thought"`
}

type doneData struct {
	Response string `json:"response"`
}

type errorData struct {
	Message string `json:"message"`
}

// errStepComplete stops the stream once a step is decided.
var errStepComplete = errors.New("step complete")

// RemoteAgent invokes an HTTP agent endpoint that streams one step as SSE.
type RemoteAgent struct {
	endpoint   string
	httpClient *http.Client
}

// NewRemoteAgent creates an agent for endpoint. The run deadline bounds each
// request through its context, so the client carries no timeout of its own.
func NewRemoteAgent(endpoint string, client *http.Client) *RemoteAgent {
	if client == nil {
		client = &http.Client{}
	}
	return &RemoteAgent{endpoint: strings.TrimSuffix(endpoint, "/"), httpClient: client}
}

// Next implements engine.Agent.
func (a *RemoteAgent) Next(ctx context.Context, turn *engine.Turn) (engine.Step, error) {
	body, err := json.Marshal(RemoteRequest{
		RunID:        turn.RunID,
		ThreadID:     turn.ThreadID,
		Message:      turn.Message,
		Step:         turn.Step,
		Thoughts:     turn.Thoughts,
		Observations: turn.Observations,
	})
	if err != nil {
		return engine.Step{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint+"/invoke", bytes.NewReader(body))
	if err != nil {
		return engine.Step{}, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("X-Run-ID", turn.RunID)

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return engine.Step{}, fmt.Errorf("failed to invoke agent: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return engine.Step{}, fmt.Errorf("agent returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var step engine.Step
	var thoughts []string
	err = parseSSE(resp.Body, func(evt SSEEvent) error {
		switch evt.Event {
		case SSEEventThinking:
			var d thinkingData
			if err := json.Unmarshal([]byte(evt.Data), &d); err != nil {
				return fmt.Errorf("failed to parse thinking event: %w", err)
			}
			if d.Thought != "" {
				thoughts = append(thoughts, d.Thought)
			}
		case SSEEventToolCall:
			var call engine.ToolCall
			if err := json.Unmarshal([]byte(evt.Data), &call); err != nil {
				return fmt.Errorf("failed to parse tool_call event: %w", err)
			}
			if call.Name == "" {
				return errors.New("tool_call event without a tool name")
			}
			step.ToolCall = &call
			return errStepComplete
		case SSEEventDone:
			var d doneData
			if err := json.Unmarshal([]byte(evt.Data), &d); err != nil {
				return fmt.Errorf("failed to parse done event: %w", err)
			}
			step.Response = d.Response
			step.Done = true
			return errStepComplete
		case SSEEventError:
			var d errorData
			if err := json.Unmarshal([]byte(evt.Data), &d); err != nil || d.Message == "" {
				d.Message = evt.Data
			}
			return fmt.Errorf("agent reported error: %s", d.Message)
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStepComplete) {
		return engine.Step{}, err
	}
	step.Thought = strings.Join(thoughts, "\n")
	if step.ToolCall == nil && !step.Done && step.Thought == "" {
		return engine.Step{}, errors.New("agent stream ended without a step")
	}
	return step, nil
}

// parseSSE parses an SSE stream and calls handler for each event.
func parseSSE(reader io.Reader, handler func(SSEEvent) error) error {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var event SSEEvent

	for scanner.Scan() {
		line := scanner.Text()

		// Empty line marks end of event
		if line == "" {
			if event.Event != "" || event.Data != "" {
				if err := handler(event); err != nil {
					return err
				}
				event = SSEEvent{}
			}
			continue
		}

		if strings.HasPrefix(line, "event:") {
			event.Event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		} else if strings.HasPrefix(line, "data:") {
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if event.Data != "" {
				event.Data += "\n" + data
			} else {
				event.Data = data
			}
		}
	}

	if event.Event != "" || event.Data != "" {
		if err := handler(event); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// ParseRemoteAgents parses "name=url,name=url" into a map.
func ParseRemoteAgents(spec string) (map[string]string, error) {
	out := map[string]string{}
	for _, pair := range strings.Split(spec, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, url, ok := strings.Cut(pair, "=")
		name, url = strings.TrimSpace(name), strings.TrimSpace(url)
		if !ok || name == "" || url == "" {
			return nil, fmt.Errorf("invalid remote agent %q, want name=url", pair)
		}
		out[name] = url
	}
	return out, nil
}
