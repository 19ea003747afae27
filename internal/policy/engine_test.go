package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultPolicy(t *testing.T) {
	ctx := context.Background()
	engine, err := NewEngine(ctx, DefaultPolicy)
	require.NoError(t, err)

	d, err := engine.Evaluate(ctx, Input{ToolName: "cost.analyze", UserID: "u1"})
	require.NoError(t, err)
	assert.True(t, d.Allowed())

	d, err = engine.Evaluate(ctx, Input{ToolName: "dangerous.command", UserID: "u1"})
	require.NoError(t, err)
	assert.False(t, d.Allowed())
	assert.Equal(t, ActionBlock, d.Action)
	assert.Contains(t, d.Reason, "dangerous.command")
}

func TestStringDecisionsAndApproval(t *testing.T) {
	ctx := context.Background()
	engine, err := NewEngine(ctx, `
package tool_policy

default decision := "allow"

decision := "require_approval" if {
	input.tool_name == "payments.transfer"
	input.args.amount > 100
}
`)
	require.NoError(t, err)

	d, err := engine.Evaluate(ctx, Input{ToolName: "payments.transfer", Args: map[string]any{"amount": 500}})
	require.NoError(t, err)
	assert.Equal(t, ActionBlock, d.Action)
	assert.Equal(t, "approval required", d.Reason)

	d, err = engine.Evaluate(ctx, Input{ToolName: "payments.transfer", Args: map[string]any{"amount": 5}})
	require.NoError(t, err)
	assert.True(t, d.Allowed())
}

func TestUnknownActionBlocks(t *testing.T) {
	ctx := context.Background()
	engine, err := NewEngine(ctx, "package tool_policy\n\ndecision := \"maybe\"\n")
	require.NoError(t, err)

	d, err := engine.Evaluate(ctx, Input{ToolName: "x"})
	require.NoError(t, err)
	assert.False(t, d.Allowed())
}

func TestUndefinedDecisionAllows(t *testing.T) {
	ctx := context.Background()
	engine, err := NewEngine(ctx, "package tool_policy\n\ndecision := \"block\" if { input.tool_name == \"never\" }\n")
	require.NoError(t, err)

	d, err := engine.Evaluate(ctx, Input{ToolName: "x"})
	require.NoError(t, err)
	assert.True(t, d.Allowed())
}

func TestInvalidPolicy(t *testing.T) {
	_, err := NewEngine(context.Background(), "package tool_policy\n\ndecision := {")
	assert.Error(t, err)
}

func TestNewEngineFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.rego")
	require.NoError(t, os.WriteFile(path, []byte("package tool_policy\n\ndefault decision := \"block\"\n"), 0o600))

	engine, err := NewEngineFromFile(context.Background(), path)
	require.NoError(t, err)
	d, err := engine.Evaluate(context.Background(), Input{ToolName: "cost.analyze"})
	require.NoError(t, err)
	assert.False(t, d.Allowed())

	_, err = NewEngineFromFile(context.Background(), filepath.Join(t.TempDir(), "missing.rego"))
	assert.Error(t, err)
}
