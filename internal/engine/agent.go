package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/xiaot623/gogo/internal/domain"
)

// ToolCall asks the engine to dispatch a tool.
type ToolCall struct {
	Name       string          `json:"name"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
}

// Step is one reasoning step returned by an agent. A step may narrate a
// thought, request a tool call, finish with a response, or combine them.
// Thought is emitted first, then the tool call; Done ends the run.
type Step struct {
	Thought  string
	ToolCall *ToolCall
	Response string
	Done     bool
}

// Observation is the outcome of a tool call handed back to the agent.
type Observation struct {
	Tool       string            `json:"tool"`
	CallID     string            `json:"tool_call_id"`
	Parameters json.RawMessage   `json:"parameters,omitempty"`
	Result     json.RawMessage   `json:"result,omitempty"`
	Error      *domain.ToolError `json:"error,omitempty"`
}

// Turn is the agent's view of the run so far.
type Turn struct {
	RunID        string
	UserID       string
	ThreadID     string
	Message      string
	Step         int
	Thoughts     []string
	Observations []Observation
}

// LastObservation returns the most recent tool outcome, if any.
func (t *Turn) LastObservation() (Observation, bool) {
	if len(t.Observations) == 0 {
		return Observation{}, false
	}
	return t.Observations[len(t.Observations)-1], true
}

// Agent produces the next step of a run. Implementations should honour ctx,
// but the engine abandons a step that outlives the run either way.
type Agent interface {
	Next(ctx context.Context, turn *Turn) (Step, error)
}

// AgentFunc adapts a function to Agent.
type AgentFunc func(ctx context.Context, turn *Turn) (Step, error)

// Next implements Agent.
func (f AgentFunc) Next(ctx context.Context, turn *Turn) (Step, error) {
	return f(ctx, turn)
}

// Registry resolves agents by name.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]Agent
}

// NewRegistry creates an empty agent registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]Agent)}
}

// Register adds an agent under name.
func (r *Registry) Register(name string, agent Agent) error {
	if name == "" {
		return fmt.Errorf("agent name is required")
	}
	if agent == nil {
		return fmt.Errorf("agent is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.agents[name]; exists {
		return fmt.Errorf("agent already registered for %s", name)
	}
	r.agents[name] = agent
	return nil
}

// Get resolves name or returns domain.ErrAgentNotFound.
func (r *Registry) Get(name string) (Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	agent, ok := r.agents[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrAgentNotFound, name)
	}
	return agent, nil
}

// Names lists registered agents.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.agents))
	for name := range r.agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
