package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/xiaot623/gogo/internal/bridge"
	"github.com/xiaot623/gogo/internal/domain"
	"github.com/xiaot623/gogo/internal/metrics"
	"github.com/xiaot623/gogo/internal/policy"
)

const defaultToolTimeout = 30 * time.Second

// PolicyEvaluator decides whether a tool call may run.
type PolicyEvaluator interface {
	Evaluate(ctx context.Context, input policy.Input) (policy.Decision, error)
}

// Journal records tool invocations.
type Journal interface {
	RecordToolCall(ctx context.Context, inv domain.ToolInvocation) error
}

// Request is one tool call attempt issued by the engine.
type Request struct {
	Tool       string
	Parameters json.RawMessage
	Attempt    int
}

// Dispatcher runs tool calls on behalf of a run, emitting tool_executing and
// tool_completed around every call.
type Dispatcher struct {
	registry       *Registry
	emitter        bridge.Emitter
	policy         PolicyEvaluator
	journal        Journal
	defaultTimeout time.Duration
	logger         *slog.Logger
	metrics        *metrics.Metrics
	tracer         trace.Tracer
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithPolicy enforces p before each call.
func WithPolicy(p PolicyEvaluator) DispatcherOption {
	return func(d *Dispatcher) { d.policy = p }
}

// WithJournal records every invocation to j.
func WithJournal(j Journal) DispatcherOption {
	return func(d *Dispatcher) { d.journal = j }
}

// WithDefaultTimeout applies to tools that declare no timeout of their own.
func WithDefaultTimeout(t time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if t > 0 {
			d.defaultTimeout = t
		}
	}
}

// WithLogger sets the dispatcher logger.
func WithLogger(l *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *metrics.Metrics) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = m }
}

// NewDispatcher creates a dispatcher over registry publishing through emitter.
func NewDispatcher(registry *Registry, emitter bridge.Emitter, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		registry:       registry,
		emitter:        emitter,
		defaultTimeout: defaultToolTimeout,
		logger:         slog.Default(),
		tracer:         otel.Tracer("github.com/xiaot623/gogo/internal/tools"),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("component", "tools")
	return d
}

// Invoke executes one tool call. It never returns an error: every failure is
// carried in the result and in the tool_completed payload. It does not retry.
func (d *Dispatcher) Invoke(ctx context.Context, run *domain.Run, req Request) domain.ToolResult {
	if req.Attempt <= 0 {
		req.Attempt = 1
	}
	params := normalizeParameters(req.Parameters)

	inv := domain.ToolInvocation{
		ID:         "tc_" + uuid.New().String(),
		RunID:      run.RunID,
		Tool:       req.Tool,
		Parameters: params,
		Status:     domain.ToolStatusExecuting,
		Attempt:    req.Attempt,
		StartedAt:  time.Now(),
	}

	ctx, span := d.tracer.Start(ctx, "tool "+req.Tool, trace.WithAttributes(
		attribute.String("run.id", run.RunID),
		attribute.String("tool.call_id", inv.ID),
		attribute.Int("tool.attempt", req.Attempt),
	))
	defer span.End()

	d.transition(run, domain.RunStateAwaitingTool)
	run.UpdateMetrics(func(m *domain.RunMetrics) { m.ToolCalls++ })
	d.emitter.Notify(ctx, run, domain.ToolExecuting{
		Tool:       inv.Tool,
		ToolCallID: inv.ID,
		Parameters: inv.Parameters,
		Attempt:    inv.Attempt,
	})
	d.record(ctx, inv)

	result, toolErr := d.execute(ctx, run, req.Tool, params)
	inv.Duration = time.Since(inv.StartedAt)
	if toolErr != nil {
		inv.Status = domain.ToolStatusFailed
		inv.Error = toolErr
		run.UpdateMetrics(func(m *domain.RunMetrics) { m.ToolFailures++ })
		span.SetStatus(codes.Error, toolErr.Code)
		d.logger.Warn("tool call failed", "run_id", run.RunID, "tool", req.Tool, "tool_call_id", inv.ID,
			"attempt", req.Attempt, "code", toolErr.Code, "error", toolErr.Message)
	} else {
		inv.Status = domain.ToolStatusCompleted
		inv.Result = result
	}

	d.transition(run, domain.RunStateRunning)
	d.emitter.Notify(ctx, run, domain.ToolCompleted{
		Tool:       inv.Tool,
		ToolCallID: inv.ID,
		Status:     inv.Status,
		Result:     inv.Result,
		Error:      inv.Error,
		Duration:   inv.Duration,
		Attempt:    inv.Attempt,
	})
	d.record(ctx, inv)

	code := ""
	if toolErr != nil {
		code = toolErr.Code
	}
	d.metrics.ToolInvoked(req.Tool, string(inv.Status), code, inv.Duration)
	return domain.ToolResult{Invocation: inv}
}

type outcome struct {
	out json.RawMessage
	err error
}

type panicError struct {
	value any
}

func (e *panicError) Error() string { return fmt.Sprintf("tool panicked: %v", e.value) }

func (d *Dispatcher) execute(ctx context.Context, run *domain.Run, name string, params json.RawMessage) (json.RawMessage, *domain.ToolError) {
	tool, ok := d.registry.Get(name)
	if !ok {
		return nil, &domain.ToolError{Message: fmt.Sprintf("tool %q is not registered", name), Code: domain.ErrorCodeToolNotFound}
	}
	var args map[string]any
	if err := json.Unmarshal(params, &args); err != nil || args == nil {
		return nil, &domain.ToolError{Message: "parameters must be a JSON object", Code: domain.ErrorCodeInvalidParameters}
	}
	if err := tool.Validate(params); err != nil {
		return nil, &domain.ToolError{Message: err.Error(), Code: domain.ErrorCodeInvalidParameters}
	}

	if d.policy != nil {
		decision, err := d.policy.Evaluate(ctx, policy.Input{
			ToolName: name,
			UserID:   run.UserID,
			RunID:    run.RunID,
			Args:     args,
		})
		if err != nil {
			d.logger.Error("policy evaluation failed", "run_id", run.RunID, "tool", name, "error", err)
			return nil, &domain.ToolError{Message: "policy evaluation failed", Code: domain.ErrorCodeBlocked}
		}
		if !decision.Allowed() {
			reason := decision.Reason
			if reason == "" {
				reason = "blocked by policy"
			}
			return nil, &domain.ToolError{Message: reason, Code: domain.ErrorCodeBlocked}
		}
	}

	timeout := tool.Timeout
	if timeout <= 0 {
		timeout = d.defaultTimeout
	}
	toolCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if v := recover(); v != nil {
				ch <- outcome{err: &panicError{value: v}}
			}
		}()
		out, err := tool.Executor(toolCtx, params)
		ch <- outcome{out: out, err: err}
	}()

	select {
	case o := <-ch:
		if o.err != nil {
			return nil, classify(ctx, toolCtx, o.err)
		}
		return normalizeOutput(o.out), nil
	case <-toolCtx.Done():
		// The executor keeps running in the background if it ignores its context.
		return nil, classify(ctx, toolCtx, toolCtx.Err())
	}
}

func classify(runCtx, toolCtx context.Context, err error) *domain.ToolError {
	var p *panicError
	switch {
	case errors.As(err, &p):
		return &domain.ToolError{Message: p.Error(), Code: domain.ErrorCodeToolPanic}
	case runCtx.Err() != nil:
		return &domain.ToolError{
			Message: fmt.Sprintf("run ended before the tool returned: %v", context.Cause(runCtx)),
			Code:    domain.ErrorCodeDeadlineExceeded,
		}
	case toolCtx.Err() != nil:
		return &domain.ToolError{Message: "tool call timed out", Code: domain.ErrorCodeToolTimeout, Retryable: true}
	default:
		return &domain.ToolError{Message: err.Error(), Code: domain.ErrorCodeToolError, Retryable: IsRetryable(err)}
	}
}

// normalizeParameters defaults empty parameters to an empty object and wraps
// malformed ones as a JSON string so they can still be echoed to the client.
// The wrapped form is rejected later as invalid_parameters.
func normalizeParameters(params json.RawMessage) json.RawMessage {
	if len(params) == 0 {
		return json.RawMessage(`{}`)
	}
	if json.Valid(params) {
		return params
	}
	wrapped, _ := json.Marshal(string(params))
	return wrapped
}

// normalizeOutput wraps non-JSON output as a JSON string.
func normalizeOutput(out json.RawMessage) json.RawMessage {
	if len(out) == 0 {
		return json.RawMessage(`null`)
	}
	if json.Valid(out) {
		return out
	}
	wrapped, _ := json.Marshal(string(out))
	return wrapped
}

func (d *Dispatcher) transition(run *domain.Run, to domain.RunState) {
	if err := run.Transition(to); err != nil {
		d.logger.Warn("unexpected run transition", "run_id", run.RunID, "error", err)
	}
}

func (d *Dispatcher) record(ctx context.Context, inv domain.ToolInvocation) {
	if d.journal == nil {
		return
	}
	jctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
	defer cancel()
	if err := d.journal.RecordToolCall(jctx, inv); err != nil {
		d.logger.Warn("failed to record tool call", "run_id", inv.RunID, "tool_call_id", inv.ID, "error", err)
	}
}
