// Package policy evaluates tool calls against an OPA rego policy.
package policy

import (
	"context"
	"fmt"
	"os"

	"github.com/open-policy-agent/opa/v1/rego"
)

// Decision actions returned by the policy.
const (
	ActionAllow = "allow"
	ActionBlock = "block"
	// ActionRequireApproval is accepted from policies but there is no approval
	// channel, so it is enforced as a block.
	ActionRequireApproval = "require_approval"
)

// Input is the document the policy sees as `input`.
type Input struct {
	ToolName string         `json:"tool_name"`
	UserID   string         `json:"user_id"`
	RunID    string         `json:"run_id"`
	Args     map[string]any `json:"args"`
}

// Decision is the evaluated outcome for one tool call.
type Decision struct {
	Action string
	Reason string
}

// Allowed reports whether the call may proceed.
func (d Decision) Allowed() bool {
	return d.Action == ActionAllow
}

// Engine is the OPA policy engine.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine creates a new policy engine with the given policy content.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.tool_policy.decision"),
		rego.Module("tool_policy.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &Engine{query: query}, nil
}

// NewEngineFromFile loads the policy from path, or the default policy when path is empty.
func NewEngineFromFile(ctx context.Context, path string) (*Engine, error) {
	if path == "" {
		return NewEngine(ctx, DefaultPolicy)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	return NewEngine(ctx, string(content))
}

// Evaluate checks the tool policy. A policy may yield either a bare action
// string or an object {"action": ..., "reason": ...}.
func (e *Engine) Evaluate(ctx context.Context, input Input) (Decision, error) {
	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return Decision{}, fmt.Errorf("failed to evaluate policy: %w", err)
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return Decision{Action: ActionAllow, Reason: "no decision"}, nil
	}

	switch val := results[0].Expressions[0].Value.(type) {
	case string:
		return normalize(Decision{Action: val}), nil
	case map[string]any:
		action, _ := val["action"].(string)
		reason, _ := val["reason"].(string)
		return normalize(Decision{Action: action, Reason: reason}), nil
	default:
		return Decision{}, fmt.Errorf("unexpected policy result type %T", val)
	}
}

func normalize(d Decision) Decision {
	switch d.Action {
	case ActionAllow, ActionBlock:
	case ActionRequireApproval:
		d.Action = ActionBlock
		if d.Reason == "" {
			d.Reason = "approval required"
		}
	default:
		d.Reason = fmt.Sprintf("unknown policy action %q", d.Action)
		d.Action = ActionBlock
	}
	return d
}

// DefaultPolicy is the default policy content.
const DefaultPolicy = `
package tool_policy

blocked_tools := {"dangerous.command"}

default decision := {"action": "allow", "reason": "default"}

decision := {"action": "block", "reason": sprintf("tool %s is blocked by policy", [input.tool_name])} if {
	input.tool_name in blocked_tools
}
`
