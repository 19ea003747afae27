package tools

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/internal/bridge"
	"github.com/xiaot623/gogo/internal/domain"
	"github.com/xiaot623/gogo/internal/hub"
	"github.com/xiaot623/gogo/internal/policy"
	"github.com/xiaot623/gogo/internal/repository"
	gogotest "github.com/xiaot623/gogo/internal/testutil"
)

type recordingEmitter struct {
	mu     sync.Mutex
	events []domain.Payload
}

func (r *recordingEmitter) Notify(_ context.Context, run *domain.Run, p domain.Payload) (domain.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, p)
	return domain.NewEvent(run, run.NextSequence(), p), true
}

func (r *recordingEmitter) types() []domain.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.EventType, len(r.events))
	for i, e := range r.events {
		out[i] = e.EventType()
	}
	return out
}

func (r *recordingEmitter) completed(t *testing.T) domain.ToolCompleted {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.NotEmpty(t, r.events)
	c, ok := r.events[len(r.events)-1].(domain.ToolCompleted)
	require.True(t, ok, "last event is %T", r.events[len(r.events)-1])
	return c
}

func runningRun() *domain.Run {
	run := domain.NewRun("run_1", "u1", "th_1", "advisor", "hi")
	_ = run.Transition(domain.RunStateRunning)
	return run
}

func newTestRegistry(t *testing.T, extra ...Tool) *Registry {
	t.Helper()
	r := NewRegistry()
	require.NoError(t, RegisterBuiltins(r))
	for _, tool := range extra {
		require.NoError(t, r.Register(tool))
	}
	return r
}

func TestInvokeSuccess(t *testing.T) {
	em := &recordingEmitter{}
	d := NewDispatcher(newTestRegistry(t), em)
	run := runningRun()

	res := d.Invoke(context.Background(), run, Request{Tool: "cost.analyze", Parameters: json.RawMessage(`{"period":"monthly"}`)})
	require.True(t, res.OK())
	assert.Nil(t, res.Err())
	assert.Equal(t, []domain.EventType{domain.EventTypeToolExecuting, domain.EventTypeToolCompleted}, em.types())
	assert.Equal(t, domain.RunStateRunning, run.State())

	var analysis CostAnalysis
	require.NoError(t, json.Unmarshal(res.Invocation.Result, &analysis))
	assert.Equal(t, "monthly", analysis.Period)
	assert.Contains(t, analysis.Underutilized, "compute")

	c := em.completed(t)
	assert.Equal(t, domain.ToolStatusCompleted, c.Status)
	assert.Equal(t, res.Invocation.ID, c.ToolCallID)
	assert.Equal(t, 1, run.Metrics().ToolCalls)
}

func TestInvokeFailures(t *testing.T) {
	boom := Tool{Name: "test.boom", Executor: func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return nil, errors.New("database unreachable")
	}}
	flaky := Tool{Name: "test.flaky", Executor: func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return nil, Retryable(errors.New("try again"))
	}}
	panicky := Tool{Name: "test.panic", Executor: func(context.Context, json.RawMessage) (json.RawMessage, error) {
		panic("nil map")
	}}
	slow := Tool{Name: "test.slow", Timeout: 20 * time.Millisecond, Executor: func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		time.Sleep(time.Second)
		return json.RawMessage(`{}`), nil
	}}

	engine, err := policy.NewEngine(context.Background(), policy.DefaultPolicy)
	require.NoError(t, err)

	cases := []struct {
		name      string
		tool      string
		params    string
		code      string
		retryable bool
	}{
		{"unknown tool", "nope", `{}`, domain.ErrorCodeToolNotFound, false},
		{"schema violation", "weather.query", `{"town":"x"}`, domain.ErrorCodeInvalidParameters, false},
		{"not an object", "weather.query", `[1]`, domain.ErrorCodeInvalidParameters, false},
		{"malformed arguments", "weather.query", `{"city":`, domain.ErrorCodeInvalidParameters, false},
		{"blocked by policy", "dangerous.command", `{"command":"rm -rf /"}`, domain.ErrorCodeBlocked, false},
		{"executor error", "test.boom", `{}`, domain.ErrorCodeToolError, false},
		{"retryable error", "test.flaky", `{}`, domain.ErrorCodeToolError, true},
		{"panic", "test.panic", `{}`, domain.ErrorCodeToolPanic, false},
		{"tool timeout", "test.slow", `{}`, domain.ErrorCodeToolTimeout, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			em := &recordingEmitter{}
			d := NewDispatcher(newTestRegistry(t, boom, flaky, panicky, slow), em, WithPolicy(engine))
			run := runningRun()

			res := d.Invoke(context.Background(), run, Request{Tool: tc.tool, Parameters: json.RawMessage(tc.params)})
			require.False(t, res.OK())
			require.NotNil(t, res.Err())
			assert.Equal(t, tc.code, res.Err().Code)
			assert.Equal(t, tc.retryable, res.Err().Retryable)
			assert.NotEmpty(t, res.Err().Message)

			assert.Equal(t, []domain.EventType{domain.EventTypeToolExecuting, domain.EventTypeToolCompleted}, em.types())
			c := em.completed(t)
			assert.Equal(t, domain.ToolStatusFailed, c.Status)
			assert.Equal(t, tc.code, c.Error.Code)
			assert.Equal(t, domain.RunStateRunning, run.State())
			assert.Equal(t, 1, run.Metrics().ToolFailures)
		})
	}
}

type nopTransport struct{}

func (nopTransport) WriteMessage(int, []byte) error    { return nil }
func (nopTransport) SetWriteDeadline(time.Time) error { return nil }
func (nopTransport) Close() error                     { return nil }

func TestInvokeMalformedArgumentsStillAnnounced(t *testing.T) {
	h := hub.New()
	conn, err := h.Bind(nopTransport{}, "u1")
	require.NoError(t, err)
	d := NewDispatcher(newTestRegistry(t), bridge.NewNotifier(h))
	run := runningRun()

	res := d.Invoke(context.Background(), run, Request{Tool: "weather.query", Parameters: json.RawMessage(`{"city":`)})
	require.NotNil(t, res.Err())
	assert.Equal(t, domain.ErrorCodeInvalidParameters, res.Err().Code)

	var frames []map[string]json.RawMessage
	for len(conn.Outbound()) > 0 {
		var f map[string]json.RawMessage
		require.NoError(t, json.Unmarshal(<-conn.Outbound(), &f))
		frames = append(frames, f)
	}
	require.Len(t, frames, 2)
	assert.JSONEq(t, `"tool_executing"`, string(frames[0]["type"]))
	assert.JSONEq(t, `1`, string(frames[0]["sequence"]))
	assert.JSONEq(t, `"{\"city\":"`, string(frames[0]["parameters"]))
	assert.JSONEq(t, `"tool_completed"`, string(frames[1]["type"]))
	assert.JSONEq(t, `2`, string(frames[1]["sequence"]))
	assert.Equal(t, uint64(2), run.LastSequence())
}

type recordingPolicy struct {
	inputs []policy.Input
}

func (p *recordingPolicy) Evaluate(_ context.Context, in policy.Input) (policy.Decision, error) {
	p.inputs = append(p.inputs, in)
	return policy.Decision{Action: policy.ActionAllow}, nil
}

func TestInvokeValidatesBeforePolicy(t *testing.T) {
	pol := &recordingPolicy{}
	d := NewDispatcher(newTestRegistry(t), &recordingEmitter{}, WithPolicy(pol))

	for _, params := range []string{`[1]`, `{"city":`, `null`, `{"town":"x"}`} {
		res := d.Invoke(context.Background(), runningRun(), Request{Tool: "weather.query", Parameters: json.RawMessage(params)})
		require.NotNil(t, res.Err(), params)
		assert.Equal(t, domain.ErrorCodeInvalidParameters, res.Err().Code, params)
	}
	res := d.Invoke(context.Background(), runningRun(), Request{Tool: "nope"})
	assert.Equal(t, domain.ErrorCodeToolNotFound, res.Err().Code)
	assert.Empty(t, pol.inputs)

	res = d.Invoke(context.Background(), runningRun(), Request{Tool: "weather.query", Parameters: json.RawMessage(`{"city":"Paris"}`)})
	require.True(t, res.OK())
	require.Len(t, pol.inputs, 1)
	assert.Equal(t, "weather.query", pol.inputs[0].ToolName)
	assert.Equal(t, map[string]any{"city": "Paris"}, pol.inputs[0].Args)
}

func TestInvokeAbandonsToolOnRunDeadline(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	stuck := Tool{Name: "test.stuck", Executor: func(context.Context, json.RawMessage) (json.RawMessage, error) {
		<-release
		return nil, nil
	}}
	em := &recordingEmitter{}
	d := NewDispatcher(newTestRegistry(t, stuck), em)
	run := runningRun()

	ctx, cancel := context.WithTimeoutCause(context.Background(), 30*time.Millisecond, domain.ErrRunTimeout)
	defer cancel()

	start := time.Now()
	res := d.Invoke(ctx, run, Request{Tool: "test.stuck"})
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	require.NotNil(t, res.Err())
	assert.Equal(t, domain.ErrorCodeDeadlineExceeded, res.Err().Code)
	assert.False(t, res.Err().Retryable)
	assert.Equal(t, domain.EventTypeToolCompleted, em.types()[1])
}

func TestInvokeWrapsNonJSONOutput(t *testing.T) {
	plain := Tool{Name: "test.plain", Executor: func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage("sunny and warm"), nil
	}}
	d := NewDispatcher(newTestRegistry(t, plain), &recordingEmitter{})
	res := d.Invoke(context.Background(), runningRun(), Request{Tool: "test.plain"})
	require.True(t, res.OK())
	assert.JSONEq(t, `"sunny and warm"`, string(res.Invocation.Result))
}

func TestInvokeRecordsToolCalls(t *testing.T) {
	store := gogotest.NewTestSQLiteStore(t)
	ctx := context.Background()
	run := runningRun()
	require.NoError(t, store.CreateRun(ctx, &repository.RunRecord{
		RunID: run.RunID, UserID: run.UserID, ThreadID: run.ThreadID, Agent: run.Agent, Message: run.Message,
		State: domain.RunStateRunning, StartedAt: run.StartedAt,
	}))

	d := NewDispatcher(newTestRegistry(t), &recordingEmitter{}, WithJournal(store))
	res := d.Invoke(ctx, run, Request{Tool: "weather.query", Parameters: json.RawMessage(`{"city":"Paris"}`)})
	require.True(t, res.OK())

	calls, err := store.ListToolCalls(ctx, run.RunID)
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.Equal(t, domain.ToolStatusCompleted, calls[0].Status)
	assert.JSONEq(t, `{"city":"Paris","weather":"Sunny","temperature":25}`, string(calls[0].Result))
}

func TestRegistry(t *testing.T) {
	r := newTestRegistry(t)
	names := []string{}
	for _, tool := range r.List() {
		names = append(names, tool.Name)
	}
	assert.Equal(t, []string{"cost.analyze", "cost.recommend", "dangerous.command", "weather.query"}, names)

	err := r.Register(Tool{Name: "cost.analyze", Executor: func(context.Context, json.RawMessage) (json.RawMessage, error) { return nil, nil }})
	assert.Error(t, err)
	assert.Error(t, r.Register(Tool{Name: "x"}))
	assert.Error(t, r.Register(Tool{Name: "bad.schema", Schema: json.RawMessage(`{"type": 5}`), Executor: func(context.Context, json.RawMessage) (json.RawMessage, error) { return nil, nil }}))
}

func TestRetryableMarker(t *testing.T) {
	base := errors.New("transient")
	err := Retryable(base)
	assert.True(t, IsRetryable(err))
	assert.True(t, errors.Is(err, base))
	assert.False(t, IsRetryable(base))
	assert.Nil(t, Retryable(nil))
}
