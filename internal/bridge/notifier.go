// Package bridge turns run lifecycle payloads into wire events addressed to the run's owner.
package bridge

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/xiaot623/gogo/internal/domain"
	"github.com/xiaot623/gogo/internal/hub"
	"github.com/xiaot623/gogo/internal/metrics"
	"github.com/xiaot623/gogo/internal/protocol"
	"github.com/xiaot623/gogo/internal/repository"
)

const (
	defaultSendTimeout    = 2 * time.Second
	defaultJournalTimeout = time.Second
)

// Broadcaster delivers an encoded frame to every connection of a user.
type Broadcaster interface {
	Broadcast(ctx context.Context, userID string, data []byte) hub.DeliveryReport
}

// Journal records emitted frames for later replay.
type Journal interface {
	AppendEvent(ctx context.Context, event repository.EventRecord) error
}

// Emitter is what the engine and the tool dispatcher use to publish events.
type Emitter interface {
	Notify(ctx context.Context, run *domain.Run, payload domain.Payload) (domain.Event, bool)
}

// Notifier is the EventBridge: it stamps, encodes, delivers and journals events.
type Notifier struct {
	hub         Broadcaster
	journal     Journal
	sendTimeout time.Duration
	logger      *slog.Logger
	metrics     *metrics.Metrics
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithJournal appends every emitted event to j.
func WithJournal(j Journal) Option {
	return func(n *Notifier) { n.journal = j }
}

// WithSendTimeout bounds delivery of a single event.
func WithSendTimeout(d time.Duration) Option {
	return func(n *Notifier) {
		if d > 0 {
			n.sendTimeout = d
		}
	}
}

// WithLogger sets the notifier logger.
func WithLogger(l *slog.Logger) Option {
	return func(n *Notifier) {
		if l != nil {
			n.logger = l
		}
	}
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(n *Notifier) { n.metrics = m }
}

// NewNotifier creates a Notifier delivering through h.
func NewNotifier(h Broadcaster, opts ...Option) *Notifier {
	n := &Notifier{
		hub:         h,
		sendTimeout: defaultSendTimeout,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(n)
	}
	n.logger = n.logger.With("component", "bridge")
	return n
}

// Notify emits payload for run. It returns false when the event was dropped
// because the run already emitted its terminal event or encoding failed.
// Delivery problems never surface here: they are logged and counted.
func (n *Notifier) Notify(ctx context.Context, run *domain.Run, payload domain.Payload) (domain.Event, bool) {
	run.LockEmission()
	defer run.UnlockEmission()

	eventType := payload.EventType()
	if run.Terminated() {
		n.metrics.EventEmitted(string(eventType), "dropped_terminal")
		n.logger.Debug("dropping event after terminal", "run_id", run.RunID, "type", eventType)
		return domain.Event{}, false
	}

	// An event that fails to encode consumes neither a sequence number nor
	// the terminal flag.
	evt := domain.NewEvent(run, run.LastSequence()+1, payload)
	data, err := protocol.EncodeEvent(evt)
	if err != nil {
		n.metrics.EventEmitted(string(eventType), "encode_error")
		n.logger.Error("failed to encode event", "run_id", run.RunID, "type", eventType, "error", err)
		return evt, false
	}

	if eventType.IsTerminal() && !run.ClaimTerminal() {
		n.metrics.EventEmitted(string(eventType), "dropped_terminal")
		return domain.Event{}, false
	}
	run.NextSequence()
	run.UpdateMetrics(func(m *domain.RunMetrics) { m.EventsEmitted++ })

	// Delivery must outlive the run's own cancellation so a timed out or
	// cancelled run still reaches its owner with the terminal event.
	detached := context.WithoutCancel(ctx)
	deliverCtx, cancel := context.WithTimeout(detached, n.sendTimeout)
	report := n.hub.Broadcast(deliverCtx, run.UserID, data)
	cancel()

	outcome := deliveryOutcome(report)
	n.metrics.EventEmitted(string(eventType), outcome)
	if outcome == "no_connection" {
		n.logger.Debug("no open connection for event", "run_id", run.RunID, "user_id", run.UserID, "type", eventType, "sequence", evt.Sequence)
	} else if report.Failed > 0 {
		n.logger.Warn("event delivery partially failed", "run_id", run.RunID, "user_id", run.UserID,
			"type", eventType, "targets", report.Targets, "failed", report.Failed)
	}

	trace.SpanFromContext(ctx).AddEvent(string(eventType), trace.WithAttributes(
		attribute.Int64("sequence", int64(evt.Sequence)),
		attribute.Int("delivered", report.Delivered),
	))

	if n.journal != nil {
		jctx, jcancel := context.WithTimeout(detached, defaultJournalTimeout)
		err := n.journal.AppendEvent(jctx, repository.EventRecord{
			RunID:     evt.RunID,
			Sequence:  evt.Sequence,
			Type:      string(evt.Type),
			Timestamp: evt.Timestamp,
			Payload:   data,
		})
		jcancel()
		if err != nil {
			n.logger.Warn("failed to journal event", "run_id", run.RunID, "sequence", evt.Sequence, "error", err)
		}
	}
	return evt, true
}

func deliveryOutcome(r hub.DeliveryReport) string {
	switch {
	case r.Targets == 0:
		return "no_connection"
	case r.Failed == 0:
		return "delivered"
	case r.Delivered > 0:
		return "partial"
	default:
		return "failed"
	}
}
