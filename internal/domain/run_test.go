package domain

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunGoldenPathTransitions(t *testing.T) {
	run := NewRun("run_1", "u1", "t1", "advisor", "hi")
	require.Equal(t, RunStatePending, run.State())

	for _, next := range []RunState{RunStateRunning, RunStateRunning, RunStateAwaitingTool, RunStateRunning, RunStateCompleted} {
		require.NoError(t, run.Transition(next))
	}
	assert.Equal(t, RunStateCompleted, run.State())
	assert.False(t, run.EndedAt().IsZero())
}

func TestRunRejectsMissingEdges(t *testing.T) {
	cases := []struct {
		name string
		path []RunState
		bad  RunState
	}{
		{"pending to completed", nil, RunStateCompleted},
		{"pending to awaiting tool", nil, RunStateAwaitingTool},
		{"pending to timed out", nil, RunStateTimedOut},
		{"awaiting tool to completed", []RunState{RunStateRunning, RunStateAwaitingTool}, RunStateCompleted},
		{"completed is terminal", []RunState{RunStateRunning, RunStateCompleted}, RunStateRunning},
		{"failed is terminal", []RunState{RunStateRunning, RunStateFailed}, RunStateFailed},
		{"timed out is terminal", []RunState{RunStateRunning, RunStateTimedOut}, RunStateFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			run := NewRun("r", "u", "t", "a", "m")
			for _, s := range tc.path {
				require.NoError(t, run.Transition(s))
			}
			err := run.Transition(tc.bad)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidTransition))
		})
	}
}

func TestRunAgentNotFoundEdge(t *testing.T) {
	run := NewRun("r", "u", "t", "missing", "m")
	require.NoError(t, run.Transition(RunStateFailed))
	assert.True(t, run.State().IsTerminal())
}

func TestRunSequenceIsStrictlyIncreasing(t *testing.T) {
	run := NewRun("r", "u", "t", "a", "m")
	var wg sync.WaitGroup
	seen := make(chan uint64, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			seen <- run.NextSequence()
		}()
	}
	wg.Wait()
	close(seen)

	got := map[uint64]bool{}
	for s := range seen {
		assert.False(t, got[s], "duplicate sequence %d", s)
		got[s] = true
	}
	assert.Len(t, got, 100)
	assert.Equal(t, uint64(101), run.NextSequence())
}

func TestRunClaimTerminalIsOneShot(t *testing.T) {
	run := NewRun("r", "u", "t", "a", "m")
	var wins int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if run.ClaimTerminal() {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
	assert.True(t, run.Terminated())
}

func TestPayloadEventTypes(t *testing.T) {
	cases := []struct {
		payload Payload
		want    EventType
	}{
		{AgentStarted{}, EventTypeAgentStarted},
		{AgentThinking{}, EventTypeAgentThinking},
		{ToolExecuting{}, EventTypeToolExecuting},
		{ToolCompleted{}, EventTypeToolCompleted},
		{AgentCompleted{}, EventTypeAgentCompleted},
		{AgentError{}, EventTypeAgentError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, tc.payload.EventType())
	}
	assert.True(t, EventTypeAgentError.IsTerminal())
	assert.False(t, EventTypeToolCompleted.IsTerminal())
}
