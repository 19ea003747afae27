package domain

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Run represents a single agent invocation triggered by one user message.
type Run struct {
	RunID     string
	UserID    string
	ThreadID  string
	Agent     string
	Message   string
	StartedAt time.Time

	mu       sync.Mutex
	emitMu   sync.Mutex
	state    RunState
	endedAt  time.Time
	metrics  RunMetrics
	seq      atomic.Uint64
	terminal atomic.Bool
}

// RunMetrics holds per-run counters recorded by the engine.
type RunMetrics struct {
	DurationMs    int64 `json:"duration_ms"`
	Steps         int   `json:"steps"`
	Thoughts      int   `json:"thoughts"`
	ToolCalls     int   `json:"tool_calls"`
	ToolFailures  int   `json:"tool_failures"`
	ToolRetries   int   `json:"tool_retries"`
	EventsEmitted int   `json:"events_emitted"`
}

// RunError is the structured error attached to a failed or timed out run.
type RunError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *RunError) Error() string {
	return e.Code + ": " + e.Message
}

// RunResult is what Execute returns once a run reaches a terminal state.
type RunResult struct {
	RunID    string        `json:"run_id"`
	UserID   string        `json:"-"`
	ThreadID string        `json:"thread_id"`
	State    RunState      `json:"state"`
	Success  bool          `json:"success"`
	Response string        `json:"response,omitempty"`
	Error    *RunError     `json:"error,omitempty"`
	Duration time.Duration `json:"-"`
	Metrics  RunMetrics    `json:"metrics"`
}

// NewRun creates a run in the PENDING state.
func NewRun(runID, userID, threadID, agent, message string) *Run {
	return &Run{
		RunID:     runID,
		UserID:    userID,
		ThreadID:  threadID,
		Agent:     agent,
		Message:   message,
		StartedAt: time.Now(),
		state:     RunStatePending,
	}
}

var runTransitions = map[RunState][]RunState{
	RunStatePending:      {RunStateRunning, RunStateFailed},
	RunStateRunning:      {RunStateRunning, RunStateAwaitingTool, RunStateCompleted, RunStateFailed, RunStateTimedOut},
	RunStateAwaitingTool: {RunStateRunning, RunStateFailed, RunStateTimedOut},
}

// CanTransition reports whether the state machine has an edge from -> to.
func CanTransition(from, to RunState) bool {
	for _, next := range runTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// State returns the current run state.
func (r *Run) State() RunState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Transition moves the run along one edge of the state machine.
func (r *Run) Transition(to RunState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !CanTransition(r.state, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.state, to)
	}
	r.state = to
	if to.IsTerminal() {
		r.endedAt = time.Now()
		r.metrics.DurationMs = r.endedAt.Sub(r.StartedAt).Milliseconds()
	}
	return nil
}

// NextSequence returns the next event sequence number for this run, starting at 1.
func (r *Run) NextSequence() uint64 {
	return r.seq.Add(1)
}

// LastSequence returns the most recently assigned sequence number, 0 before
// the first event.
func (r *Run) LastSequence() uint64 {
	return r.seq.Load()
}

// LockEmission serialises sequence assignment and delivery for the run, so
// wire order always matches sequence order.
func (r *Run) LockEmission() { r.emitMu.Lock() }

// UnlockEmission releases the lock taken by LockEmission.
func (r *Run) UnlockEmission() { r.emitMu.Unlock() }

// ClaimTerminal flips the one-shot terminal flag. Only the first caller gets true.
func (r *Run) ClaimTerminal() bool {
	return r.terminal.CompareAndSwap(false, true)
}

// Terminated reports whether a terminal event has been claimed.
func (r *Run) Terminated() bool {
	return r.terminal.Load()
}

// UpdateMetrics applies fn to the run's metrics under the run lock.
func (r *Run) UpdateMetrics(fn func(m *RunMetrics)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(&r.metrics)
}

// Metrics returns a snapshot of the run's metrics.
func (r *Run) Metrics() RunMetrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.metrics
	if r.endedAt.IsZero() {
		m.DurationMs = time.Since(r.StartedAt).Milliseconds()
	}
	return m
}

// EndedAt returns when the run reached a terminal state, or the zero time.
func (r *Run) EndedAt() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.endedAt
}

// Elapsed returns the time since the run started, frozen once terminal.
func (r *Run) Elapsed() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.endedAt.IsZero() {
		return r.endedAt.Sub(r.StartedAt)
	}
	return time.Since(r.StartedAt)
}
