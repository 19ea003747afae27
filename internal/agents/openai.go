package agents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/xiaot623/gogo/internal/engine"
	"github.com/xiaot623/gogo/internal/tools"
)

const defaultSystemPrompt = "You are a cloud cost advisor. Use the available tools to inspect spend before answering, and keep answers short."

// ChatCompleter is the subset of the OpenAI client the agent needs.
type ChatCompleter interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// OpenAIConfig configures an OpenAI-backed agent.
type OpenAIConfig struct {
	APIKey       string
	BaseURL      string
	Model        string
	SystemPrompt string
}

// OpenAIAgent drives a run with chat completions and function calling. It
// keeps no state between steps: the conversation is rebuilt from the turn.
type OpenAIAgent struct {
	client  ChatCompleter
	model   string
	system  string
	catalog *tools.Registry
}

// NewOpenAIAgent creates an agent using the official client.
func NewOpenAIAgent(cfg OpenAIConfig, catalog *tools.Registry) (*OpenAIAgent, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("openai api key is required")
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if strings.TrimSpace(cfg.BaseURL) != "" {
		clientCfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	}
	return NewOpenAIAgentWithClient(openai.NewClientWithConfig(clientCfg), cfg, catalog), nil
}

// NewOpenAIAgentWithClient creates an agent over an existing client.
func NewOpenAIAgentWithClient(client ChatCompleter, cfg OpenAIConfig, catalog *tools.Registry) *OpenAIAgent {
	model := cfg.Model
	if model == "" {
		model = openai.GPT4oMini
	}
	system := cfg.SystemPrompt
	if system == "" {
		system = defaultSystemPrompt
	}
	return &OpenAIAgent{client: client, model: model, system: system, catalog: catalog}
}

// Next implements engine.Agent.
func (a *OpenAIAgent) Next(ctx context.Context, turn *engine.Turn) (engine.Step, error) {
	resp, err := a.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    a.model,
		Messages: a.messages(turn),
		Tools:    ToOpenAITools(a.catalog.List()),
	})
	if err != nil {
		return engine.Step{}, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return engine.Step{}, errors.New("chat completion returned no choices")
	}

	msg := resp.Choices[0].Message
	if len(msg.ToolCalls) == 0 {
		return engine.Step{Response: msg.Content, Done: true}, nil
	}
	// One tool call per step; the model is asked again after each observation.
	tc := msg.ToolCalls[0]
	args := json.RawMessage(tc.Function.Arguments)
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	return engine.Step{
		Thought:  msg.Content,
		ToolCall: &engine.ToolCall{Name: FromOpenAIName(tc.Function.Name), Parameters: args},
	}, nil
}

func (a *OpenAIAgent) messages(turn *engine.Turn) []openai.ChatCompletionMessage {
	msgs := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: a.system},
		{Role: openai.ChatMessageRoleUser, Content: turn.Message},
	}
	for _, obs := range turn.Observations {
		msgs = append(msgs,
			openai.ChatCompletionMessage{
				Role: openai.ChatMessageRoleAssistant,
				ToolCalls: []openai.ToolCall{{
					ID:   obs.CallID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      ToOpenAIName(obs.Tool),
						Arguments: string(obs.Parameters),
					},
				}},
			},
			openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    observationContent(obs),
				ToolCallID: obs.CallID,
			},
		)
	}
	return msgs
}

func observationContent(obs engine.Observation) string {
	if obs.Error != nil {
		raw, _ := json.Marshal(obs.Error)
		return string(raw)
	}
	return string(obs.Result)
}

// ToOpenAITools converts the tool catalog to OpenAI function definitions.
func ToOpenAITools(catalog []tools.Tool) []openai.Tool {
	result := make([]openai.Tool, len(catalog))
	for i, tool := range catalog {
		var schemaMap map[string]any
		if err := json.Unmarshal(tool.Schema, &schemaMap); err != nil {
			schemaMap = map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			}
		}
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        ToOpenAIName(tool.Name),
				Description: tool.Description,
				Parameters:  schemaMap,
			},
		}
	}
	return result
}

// ToOpenAIName maps a dotted tool name onto the function name charset.
func ToOpenAIName(name string) string {
	return strings.ReplaceAll(name, ".", "__")
}

// FromOpenAIName reverses ToOpenAIName.
func FromOpenAIName(name string) string {
	return strings.ReplaceAll(name, "__", ".")
}
