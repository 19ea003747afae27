package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/internal/domain"
	"github.com/xiaot623/gogo/internal/engine"
	"github.com/xiaot623/gogo/internal/tools"
)

func catalog(t *testing.T) *tools.Registry {
	t.Helper()
	r := tools.NewRegistry()
	require.NoError(t, tools.RegisterBuiltins(r))
	return r
}

// observe runs a built-in tool and wraps its output as an observation.
func observe(t *testing.T, r *tools.Registry, call *engine.ToolCall) engine.Observation {
	t.Helper()
	tool, ok := r.Get(call.Name)
	require.True(t, ok)
	out, err := tool.Executor(context.Background(), call.Parameters)
	require.NoError(t, err)
	return engine.Observation{Tool: call.Name, CallID: "tc_1", Parameters: call.Parameters, Result: out}
}

func TestAdvisorPlansOneToolCall(t *testing.T) {
	cases := []struct {
		message string
		tool    string
		params  string
	}{
		{"optimize my costs", "cost.analyze", `{"period":"monthly"}`},
		{"any recommendations?", "cost.recommend", `{}`},
		{"what's the weather in Paris?", "weather.query", `{"city":"Paris"}`},
		{"run rm -rf /", "dangerous.command", `{"command":"rm -rf /"}`},
	}
	a := NewAdvisor()
	for _, tc := range cases {
		t.Run(tc.message, func(t *testing.T) {
			step, err := a.Next(context.Background(), &engine.Turn{Message: tc.message, Step: 1})
			require.NoError(t, err)
			require.NotNil(t, step.ToolCall)
			assert.NotEmpty(t, step.Thought)
			assert.False(t, step.Done)
			assert.Equal(t, tc.tool, step.ToolCall.Name)
			assert.JSONEq(t, tc.params, string(step.ToolCall.Parameters))
		})
	}
}

func TestAdvisorSummarizesObservation(t *testing.T) {
	r := catalog(t)
	a := NewAdvisor()
	for _, message := range []string{"optimize my costs", "recommend something", "weather in Oslo"} {
		t.Run(message, func(t *testing.T) {
			turn := &engine.Turn{Message: message, Step: 1}
			first, err := a.Next(context.Background(), turn)
			require.NoError(t, err)

			turn.Step = 2
			turn.Observations = append(turn.Observations, observe(t, r, first.ToolCall))
			second, err := a.Next(context.Background(), turn)
			require.NoError(t, err)
			assert.True(t, second.Done)
			assert.Nil(t, second.ToolCall)
			assert.NotEmpty(t, second.Response)
		})
	}
}

func TestAdvisorReportsToolFailure(t *testing.T) {
	turn := &engine.Turn{Message: "run ls", Step: 2, Observations: []engine.Observation{{
		Tool:  "dangerous.command",
		Error: &domain.ToolError{Code: domain.ErrorCodeBlocked, Message: "dangerous.command is not allowed"},
	}}}
	step, err := NewAdvisor().Next(context.Background(), turn)
	require.NoError(t, err)
	assert.True(t, step.Done)
	assert.Contains(t, step.Response, "not allowed")
}

type fakeCompleter struct {
	requests  []openai.ChatCompletionRequest
	responses []openai.ChatCompletionResponse
	err       error
}

func (f *fakeCompleter) CreateChatCompletion(_ context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return openai.ChatCompletionResponse{}, f.err
	}
	resp := f.responses[0]
	f.responses = f.responses[1:]
	return resp, nil
}

func choice(msg openai.ChatCompletionMessage) openai.ChatCompletionResponse {
	return openai.ChatCompletionResponse{Choices: []openai.ChatCompletionChoice{{Message: msg}}}
}

func TestOpenAIAgentFunctionCalling(t *testing.T) {
	fake := &fakeCompleter{responses: []openai.ChatCompletionResponse{
		choice(openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleAssistant,
			Content: "Let me look at your bill.",
			ToolCalls: []openai.ToolCall{{
				ID:       "call_1",
				Type:     openai.ToolTypeFunction,
				Function: openai.FunctionCall{Name: "cost__analyze", Arguments: `{"period":"monthly"}`},
			}},
		}),
		choice(openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: "Rightsize compute."}),
	}}
	r := catalog(t)
	a := NewOpenAIAgentWithClient(fake, OpenAIConfig{}, r)

	turn := &engine.Turn{RunID: "run_1", Message: "optimize my costs", Step: 1}
	step, err := a.Next(context.Background(), turn)
	require.NoError(t, err)
	assert.Equal(t, "Let me look at your bill.", step.Thought)
	require.NotNil(t, step.ToolCall)
	assert.Equal(t, "cost.analyze", step.ToolCall.Name)

	req := fake.requests[0]
	assert.Equal(t, openai.GPT4oMini, req.Model)
	require.Len(t, req.Messages, 2)
	assert.Equal(t, openai.ChatMessageRoleSystem, req.Messages[0].Role)
	require.Len(t, req.Tools, len(r.List()))
	assert.Equal(t, "cost__analyze", req.Tools[0].Function.Name)

	turn.Step = 2
	turn.Observations = append(turn.Observations, observe(t, r, step.ToolCall))
	step, err = a.Next(context.Background(), turn)
	require.NoError(t, err)
	assert.True(t, step.Done)
	assert.Equal(t, "Rightsize compute.", step.Response)

	msgs := fake.requests[1].Messages
	require.Len(t, msgs, 4)
	assert.Equal(t, "tc_1", msgs[2].ToolCalls[0].ID)
	assert.Equal(t, openai.ChatMessageRoleTool, msgs[3].Role)
	assert.Equal(t, "tc_1", msgs[3].ToolCallID)
	assert.Contains(t, msgs[3].Content, "compute")
}

func TestOpenAIAgentErrors(t *testing.T) {
	a := NewOpenAIAgentWithClient(&fakeCompleter{err: fmt.Errorf("429 too many requests")}, OpenAIConfig{}, catalog(t))
	_, err := a.Next(context.Background(), &engine.Turn{Message: "hi", Step: 1})
	assert.ErrorContains(t, err, "429")

	a = NewOpenAIAgentWithClient(&fakeCompleter{responses: []openai.ChatCompletionResponse{{}}}, OpenAIConfig{}, catalog(t))
	_, err = a.Next(context.Background(), &engine.Turn{Message: "hi", Step: 1})
	assert.ErrorContains(t, err, "no choices")

	_, err = NewOpenAIAgent(OpenAIConfig{}, catalog(t))
	assert.Error(t, err)
}

func TestOpenAIAgentAgainstHTTPServer(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(choice(openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: "hello"}))
	}))
	defer server.Close()

	a, err := NewOpenAIAgent(OpenAIConfig{APIKey: "sk-test", BaseURL: server.URL + "/v1/", Model: "gpt-test"}, catalog(t))
	require.NoError(t, err)
	step, err := a.Next(context.Background(), &engine.Turn{Message: "hi", Step: 1})
	require.NoError(t, err)
	assert.Equal(t, "hello", step.Response)
}

func TestOpenAINameMapping(t *testing.T) {
	assert.Equal(t, "cost__analyze", ToOpenAIName("cost.analyze"))
	assert.Equal(t, "cost.analyze", FromOpenAIName("cost__analyze"))
	assert.Equal(t, "plain", FromOpenAIName(ToOpenAIName("plain")))
}

func sseServer(t *testing.T, body string, got *RemoteRequest) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/invoke" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if got != nil {
			raw, _ := io.ReadAll(r.Body)
			_ = json.Unmarshal(raw, got)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, body)
	}))
}

func TestRemoteAgentToolCall(t *testing.T) {
	var got RemoteRequest
	server := sseServer(t,
		"event: thinking\ndata: {\"thought\":\"checking\"}\n\n"+
			"event: tool_call\ndata: {\"name\":\"cost.analyze\",\"parameters\":{\"period\":\"monthly\"}}\n\n"+
			"event: done\ndata: {\"response\":\"ignored\"}\n\n", &got)
	defer server.Close()

	a := NewRemoteAgent(server.URL+"/", server.Client())
	step, err := a.Next(context.Background(), &engine.Turn{RunID: "run_1", ThreadID: "th", Message: "save money", Step: 1})
	require.NoError(t, err)
	assert.Equal(t, "checking", step.Thought)
	require.NotNil(t, step.ToolCall)
	assert.Equal(t, "cost.analyze", step.ToolCall.Name)
	assert.JSONEq(t, `{"period":"monthly"}`, string(step.ToolCall.Parameters))
	assert.False(t, step.Done)
	assert.Equal(t, "run_1", got.RunID)
	assert.Equal(t, "save money", got.Message)
}

func TestRemoteAgentOutcomes(t *testing.T) {
	cases := []struct {
		name    string
		body    string
		status  int
		wantErr string
		done    bool
	}{
		{"done", "event: done\ndata: {\"response\":\"all set\"}\n\n", http.StatusOK, "", true},
		{"error event", "event: error\ndata: {\"message\":\"model unavailable\"}\n\n", http.StatusOK, "model unavailable", false},
		{"empty stream", ": keepalive\n\n", http.StatusOK, "without a step", false},
		{"bad status", "boom", http.StatusBadGateway, "status 502", false},
		{"malformed tool call", "event: tool_call\ndata: {}\n\n", http.StatusOK, "without a tool name", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				fmt.Fprint(w, tc.body)
			}))
			defer server.Close()

			step, err := NewRemoteAgent(server.URL, nil).Next(context.Background(), &engine.Turn{Step: 1})
			if tc.wantErr != "" {
				assert.ErrorContains(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.done, step.Done)
			assert.Equal(t, "all set", step.Response)
		})
	}
}

func TestParseSSEMultilineData(t *testing.T) {
	var events []SSEEvent
	err := parseSSE(
		strings.NewReader("event: thinking\ndata: first line\ndata: second line\n\nevent: done\ndata: {}"),
		func(e SSEEvent) error {
			events = append(events, e)
			return nil
		})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "first line\nsecond line", events[0].Data)
	assert.Equal(t, "done", events[1].Event)
}

func TestParseRemoteAgents(t *testing.T) {
	got, err := ParseRemoteAgents(" planner=http://localhost:9000 , coder=http://coder:8080/ ,")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"planner": "http://localhost:9000", "coder": "http://coder:8080/"}, got)

	got, err = ParseRemoteAgents("")
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = ParseRemoteAgents("planner")
	assert.Error(t, err)
}

func TestRegisterAll(t *testing.T) {
	reg := engine.NewRegistry()
	err := RegisterAll(reg, catalog(t), Config{
		OpenAI: OpenAIConfig{APIKey: "sk-test"},
		Remote: map[string]string{"planner": "http://localhost:9000"},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"advisor", "openai", "planner"}, reg.Names())

	err = RegisterAll(reg, catalog(t), Config{}, nil)
	assert.Error(t, err, "advisor is already registered")
}
