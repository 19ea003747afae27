// Package engine drives execution runs from PENDING to exactly one terminal event.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/xiaot623/gogo/internal/bridge"
	"github.com/xiaot623/gogo/internal/domain"
	"github.com/xiaot623/gogo/internal/metrics"
	"github.com/xiaot623/gogo/internal/repository"
	"github.com/xiaot623/gogo/internal/tools"
)

var (
	// ErrRunNotFound is returned when a run is unknown or owned by another user.
	ErrRunNotFound = errors.New("run not found")
	// ErrShuttingDown is returned by Submit once Shutdown has been called.
	ErrShuttingDown = errors.New("engine is shutting down")

	errRunCancelled = errors.New("run cancelled by user")
)

// ToolInvoker dispatches one tool call attempt for a run.
type ToolInvoker interface {
	Invoke(ctx context.Context, run *domain.Run, req tools.Request) domain.ToolResult
}

// RunStore persists run lifecycle records.
type RunStore interface {
	CreateRun(ctx context.Context, run *repository.RunRecord) error
	CompleteRun(ctx context.Context, result domain.RunResult) error
}

// Options tunes engine behaviour.
type Options struct {
	RunTimeout      time.Duration
	MaxSteps        int
	MaxToolRetries  int
	RetryBackoff    time.Duration
	FailOnToolError bool
	DefaultAgent    string
	ResultCacheSize int
}

// DefaultOptions mirrors the config defaults.
func DefaultOptions() Options {
	return Options{
		RunTimeout:      5 * time.Minute,
		MaxSteps:        16,
		MaxToolRetries:  2,
		RetryBackoff:    100 * time.Millisecond,
		FailOnToolError: true,
		DefaultAgent:    "advisor",
		ResultCacheSize: 1024,
	}
}

// Request is an inbound user message that should start a run.
type Request struct {
	UserID   string
	ThreadID string
	Message  string
	Agent    string
}

type activeRun struct {
	run    *domain.Run
	cancel context.CancelCauseFunc
}

// Engine executes runs. Runs are only ever created through Submit.
type Engine struct {
	agents  *Registry
	tools   ToolInvoker
	emitter bridge.Emitter
	store   RunStore
	opts    Options

	mu      sync.Mutex
	active  map[string]*activeRun
	closing bool
	wg      sync.WaitGroup

	results     *lru.Cache[string, domain.RunResult]
	runsCreated atomic.Int64

	logger  *slog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

// Option configures an Engine.
type Option func(*Engine)

// WithStore journals run lifecycle records.
func WithStore(s RunStore) Option {
	return func(e *Engine) { e.store = s }
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// New creates an engine.
func New(agents *Registry, invoker ToolInvoker, emitter bridge.Emitter, opts Options, options ...Option) (*Engine, error) {
	if opts.ResultCacheSize <= 0 {
		opts.ResultCacheSize = DefaultOptions().ResultCacheSize
	}
	if opts.MaxSteps <= 0 {
		opts.MaxSteps = DefaultOptions().MaxSteps
	}
	if opts.RunTimeout <= 0 {
		opts.RunTimeout = DefaultOptions().RunTimeout
	}
	results, err := lru.New[string, domain.RunResult](opts.ResultCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create result cache: %w", err)
	}
	e := &Engine{
		agents:  agents,
		tools:   invoker,
		emitter: emitter,
		opts:    opts,
		active:  make(map[string]*activeRun),
		results: results,
		logger:  slog.Default(),
		tracer:  otel.Tracer("github.com/xiaot623/gogo/internal/engine"),
	}
	for _, o := range options {
		o(e)
	}
	e.logger = e.logger.With("component", "engine")
	return e, nil
}

// Submit creates a run for req and executes it asynchronously under ctx,
// which should be the server's lifetime context rather than a connection's.
func (e *Engine) Submit(ctx context.Context, req Request) (*domain.Run, error) {
	if req.UserID == "" {
		return nil, fmt.Errorf("%w: user id is required", domain.ErrAuthentication)
	}
	if strings.TrimSpace(req.ThreadID) == "" {
		return nil, fmt.Errorf("thread_id is required")
	}
	if strings.TrimSpace(req.Message) == "" {
		return nil, fmt.Errorf("message is required")
	}
	agent := req.Agent
	if agent == "" {
		agent = e.opts.DefaultAgent
	}

	run := domain.NewRun("run_"+uuid.New().String(), req.UserID, req.ThreadID, agent, req.Message)

	e.mu.Lock()
	if e.closing {
		e.mu.Unlock()
		return nil, ErrShuttingDown
	}
	e.wg.Add(1)
	e.mu.Unlock()
	e.runsCreated.Add(1)

	if e.store != nil {
		if err := e.store.CreateRun(ctx, &repository.RunRecord{
			RunID:     run.RunID,
			UserID:    run.UserID,
			ThreadID:  run.ThreadID,
			Agent:     run.Agent,
			Message:   run.Message,
			State:     run.State(),
			StartedAt: run.StartedAt,
		}); err != nil {
			e.logger.Error("failed to create run record", "run_id", run.RunID, "error", err)
		}
	}

	go func() {
		defer e.wg.Done()
		e.Execute(ctx, run, e.opts.RunTimeout)
	}()
	return run, nil
}

// Execute drives run to a terminal state or until timeout elapses. It never
// panics and never returns an error: every failure becomes a FAILED or
// TIMED_OUT result plus exactly one terminal event.
func (e *Engine) Execute(ctx context.Context, run *domain.Run, timeout time.Duration) (result domain.RunResult) {
	runCtx, cancelTimeout := context.WithTimeoutCause(ctx, timeout, domain.ErrRunTimeout)
	defer cancelTimeout()
	runCtx, cancel := context.WithCancelCause(runCtx)
	defer cancel(nil)

	runCtx, span := e.tracer.Start(runCtx, "run", trace.WithAttributes(
		attribute.String("run.id", run.RunID),
		attribute.String("run.agent", run.Agent),
		attribute.String("run.thread_id", run.ThreadID),
	))
	defer span.End()

	e.track(run, cancel)
	e.metrics.RunStarted()
	defer func() {
		e.untrack(run.RunID)
		e.finish(ctx, run, result)
		e.metrics.RunFinished(string(result.State), result.Duration)
		if !result.Success {
			span.SetStatus(codes.Error, result.Error.Code)
		}
	}()
	defer func() {
		if v := recover(); v != nil {
			e.logger.Error("run panicked", "run_id", run.RunID, "panic", v)
			result = e.fail(runCtx, run, domain.ErrorCodeAgentPanic, fmt.Sprintf("internal error: %v", v), "")
		}
	}()

	log := e.logger.With("run_id", run.RunID, "user_id", run.UserID, "agent", run.Agent)

	agent, err := e.agents.Get(run.Agent)
	if err != nil {
		log.Warn("agent not found")
		return e.fail(runCtx, run, domain.ErrorCodeAgentNotFound, err.Error(),
			"Choose one of the available agents: "+strings.Join(e.agents.Names(), ", "))
	}

	e.transition(run, domain.RunStateRunning)
	e.emitter.Notify(runCtx, run, domain.AgentStarted{Agent: run.Agent, Message: run.Message})
	log.Info("run started")

	turn := &Turn{RunID: run.RunID, UserID: run.UserID, ThreadID: run.ThreadID, Message: run.Message}
	for step := 1; ; step++ {
		if step > e.opts.MaxSteps {
			return e.fail(runCtx, run, domain.ErrorCodeMaxSteps,
				fmt.Sprintf("agent did not finish within %d steps", e.opts.MaxSteps), "Break the request into smaller parts.")
		}
		turn.Step = step
		run.UpdateMetrics(func(m *domain.RunMetrics) { m.Steps++ })

		next, err := e.nextStep(runCtx, agent, turn)
		if runCtx.Err() != nil {
			return e.abort(runCtx, run)
		}
		if err != nil {
			code := domain.ErrorCodeAgentError
			var p *agentPanic
			if errors.As(err, &p) {
				code = domain.ErrorCodeAgentPanic
			}
			log.Warn("agent step failed", "step", step, "error", err)
			return e.fail(runCtx, run, code, err.Error(), "Retry the request; if it keeps failing, rephrase it.")
		}
		if next.Thought == "" && next.ToolCall == nil && !next.Done {
			return e.fail(runCtx, run, domain.ErrorCodeAgentError, "agent returned an empty step", "")
		}

		if next.Thought != "" {
			e.transition(run, domain.RunStateRunning)
			run.UpdateMetrics(func(m *domain.RunMetrics) { m.Thoughts++ })
			turn.Thoughts = append(turn.Thoughts, next.Thought)
			e.emitter.Notify(runCtx, run, domain.AgentThinking{Thought: next.Thought, Step: step})
		}

		if next.ToolCall != nil {
			res := e.callTool(runCtx, run, *next.ToolCall)
			if runCtx.Err() != nil {
				return e.abort(runCtx, run)
			}
			inv := res.Invocation
			turn.Observations = append(turn.Observations, Observation{
				Tool:       inv.Tool,
				CallID:     inv.ID,
				Parameters: inv.Parameters,
				Result:     inv.Result,
				Error:      inv.Error,
			})
			if !res.OK() && e.opts.FailOnToolError {
				return e.fail(runCtx, run, domain.ErrorCodeToolFailed,
					fmt.Sprintf("tool %s failed: %s", inv.Tool, inv.Error.Message), suggestionFor(inv.Error))
			}
			if !next.Done {
				continue
			}
		}

		if next.Done {
			return e.complete(runCtx, run, next.Response)
		}
	}
}

type agentPanic struct {
	value any
}

func (p *agentPanic) Error() string { return fmt.Sprintf("agent panicked: %v", p.value) }

type stepOutcome struct {
	step Step
	err  error
}

// nextStep runs one agent step on its own goroutine and abandons it if the
// run context ends first.
func (e *Engine) nextStep(ctx context.Context, agent Agent, turn *Turn) (Step, error) {
	snapshot := *turn
	snapshot.Thoughts = append([]string(nil), turn.Thoughts...)
	snapshot.Observations = append([]Observation(nil), turn.Observations...)

	ch := make(chan stepOutcome, 1)
	go func() {
		defer func() {
			if v := recover(); v != nil {
				ch <- stepOutcome{err: &agentPanic{value: v}}
			}
		}()
		step, err := agent.Next(ctx, &snapshot)
		ch <- stepOutcome{step: step, err: err}
	}()

	select {
	case out := <-ch:
		return out.step, out.err
	case <-ctx.Done():
		return Step{}, context.Cause(ctx)
	}
}

// callTool dispatches a tool call, re-dispatching retryable failures.
func (e *Engine) callTool(ctx context.Context, run *domain.Run, call ToolCall) domain.ToolResult {
	var res domain.ToolResult
	for attempt := 1; ; attempt++ {
		res = e.tools.Invoke(ctx, run, tools.Request{Tool: call.Name, Parameters: call.Parameters, Attempt: attempt})
		if res.OK() || ctx.Err() != nil || !res.Err().Retryable || attempt > e.opts.MaxToolRetries {
			return res
		}
		run.UpdateMetrics(func(m *domain.RunMetrics) { m.ToolRetries++ })
		e.logger.Info("retrying tool call", "run_id", run.RunID, "tool", call.Name, "attempt", attempt+1)

		if e.opts.RetryBackoff > 0 {
			timer := time.NewTimer(e.opts.RetryBackoff * time.Duration(attempt))
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return res
			}
		}
	}
}

func (e *Engine) complete(ctx context.Context, run *domain.Run, response string) domain.RunResult {
	e.transition(run, domain.RunStateCompleted)
	m := run.Metrics()
	e.emitter.Notify(ctx, run, domain.AgentCompleted{Response: response, Metrics: m})
	e.logger.Info("run completed", "run_id", run.RunID, "duration_ms", m.DurationMs)
	return e.result(run, response, nil)
}

// abort ends a run whose context finished: deadline, user cancel or shutdown.
func (e *Engine) abort(ctx context.Context, run *domain.Run) domain.RunResult {
	cause := context.Cause(ctx)
	switch {
	case errors.Is(cause, domain.ErrRunTimeout):
		e.transition(run, domain.RunStateTimedOut)
		elapsed := run.Elapsed()
		runErr := &domain.RunError{
			Code:    domain.ErrorCodeRunTimeout,
			Message: fmt.Sprintf("run exceeded its deadline after %s", elapsed.Round(time.Millisecond)),
		}
		e.emitter.Notify(ctx, run, domain.AgentError{
			Message:            runErr.Message,
			Code:               runErr.Code,
			RecoverySuggestion: "Try a simpler request or retry later.",
			Duration:           elapsed,
		})
		e.logger.Warn("run timed out", "run_id", run.RunID, "elapsed_ms", elapsed.Milliseconds())
		return e.result(run, "", runErr)
	case errors.Is(cause, errRunCancelled):
		return e.fail(ctx, run, domain.ErrorCodeCancelled, "run cancelled by user", "")
	default:
		return e.fail(ctx, run, domain.ErrorCodeCancelled, fmt.Sprintf("run interrupted: %v", cause), "Retry the request.")
	}
}

func (e *Engine) fail(ctx context.Context, run *domain.Run, code, message, suggestion string) domain.RunResult {
	e.transition(run, domain.RunStateFailed)
	elapsed := run.Elapsed()
	e.emitter.Notify(ctx, run, domain.AgentError{
		Message:            message,
		Code:               code,
		RecoverySuggestion: suggestion,
		Duration:           elapsed,
	})
	e.logger.Warn("run failed", "run_id", run.RunID, "code", code, "error", message)
	return e.result(run, "", &domain.RunError{Code: code, Message: message})
}

func (e *Engine) result(run *domain.Run, response string, runErr *domain.RunError) domain.RunResult {
	return domain.RunResult{
		RunID:    run.RunID,
		UserID:   run.UserID,
		ThreadID: run.ThreadID,
		State:    run.State(),
		Success:  runErr == nil,
		Response: response,
		Error:    runErr,
		Duration: run.Elapsed(),
		Metrics:  run.Metrics(),
	}
}

func (e *Engine) transition(run *domain.Run, to domain.RunState) {
	if err := run.Transition(to); err != nil {
		e.logger.Warn("unexpected run transition", "run_id", run.RunID, "error", err)
	}
}

func (e *Engine) track(run *domain.Run, cancel context.CancelCauseFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.active[run.RunID] = &activeRun{run: run, cancel: cancel}
}

func (e *Engine) untrack(runID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.active, runID)
}

func (e *Engine) finish(ctx context.Context, run *domain.Run, result domain.RunResult) {
	e.results.Add(run.RunID, result)
	if e.store == nil {
		return
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
	defer cancel()
	if err := e.store.CompleteRun(sctx, result); err != nil {
		e.logger.Error("failed to persist run result", "run_id", run.RunID, "error", err)
	}
}

// Cancel stops an active run owned by userID.
func (e *Engine) Cancel(userID, runID string) error {
	e.mu.Lock()
	ar, ok := e.active[runID]
	e.mu.Unlock()
	if !ok || ar.run.UserID != userID {
		return ErrRunNotFound
	}
	ar.cancel(errRunCancelled)
	return nil
}

// Result returns the outcome of a recently finished run owned by userID.
func (e *Engine) Result(userID, runID string) (domain.RunResult, bool) {
	res, ok := e.results.Get(runID)
	if !ok || res.UserID != userID {
		return domain.RunResult{}, false
	}
	return res, true
}

// ActiveRuns returns the number of runs currently executing.
func (e *Engine) ActiveRuns() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

// RunsCreated returns the number of runs ever created.
func (e *Engine) RunsCreated() int64 {
	return e.runsCreated.Load()
}

// Shutdown stops accepting new runs.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	e.closing = true
	e.mu.Unlock()
}

// Wait blocks until in-flight runs finish or ctx ends.
func (e *Engine) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func suggestionFor(err *domain.ToolError) string {
	if err == nil {
		return ""
	}
	switch err.Code {
	case domain.ErrorCodeInvalidParameters:
		return "Rephrase the request with the details the tool needs."
	case domain.ErrorCodeBlocked:
		return "This action is not permitted; try a different approach."
	case domain.ErrorCodeToolNotFound:
		return "The requested capability is not available."
	case domain.ErrorCodeToolTimeout:
		return "The tool is slow right now; retry later."
	default:
		return "Retry the request later."
	}
}
