// Package hub provides the connection registry for authenticated clients.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/xiaot623/gogo/internal/domain"
	"github.com/xiaot623/gogo/internal/metrics"
)

const (
	defaultQueueSize   = 256
	defaultSendTimeout = 2 * time.Second
)

// Hub manages all bound connections, indexed by user.
type Hub struct {
	// Connections indexed by connection ID
	connections map[string]*Connection

	// Users maps user_id to set of connection IDs
	users map[string]map[string]struct{}

	mu sync.RWMutex

	queueSize   int
	sendTimeout time.Duration
	logger      *slog.Logger
	metrics     *metrics.Metrics
}

// Option configures a Hub.
type Option func(*Hub)

// WithQueueSize sets the per-connection outbound queue capacity.
func WithQueueSize(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.queueSize = n
		}
	}
}

// WithSendTimeout bounds how long a broadcast waits on one connection's queue.
func WithSendTimeout(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.sendTimeout = d
		}
	}
}

// WithLogger sets the hub logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Hub) { h.metrics = m }
}

// New creates an empty Hub.
func New(opts ...Option) *Hub {
	h := &Hub{
		connections: make(map[string]*Connection),
		users:       make(map[string]map[string]struct{}),
		queueSize:   defaultQueueSize,
		sendTimeout: defaultSendTimeout,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With("component", "hub")
	return h
}

// SendTimeout returns the per-connection enqueue bound.
func (h *Hub) SendTimeout() time.Duration {
	return h.sendTimeout
}

// Bind stamps a verified identity onto a new connection, opens it and
// registers it. An empty identity closes the transport and registers nothing.
func (h *Hub) Bind(transport Transport, userID string) (*Connection, error) {
	if userID == "" {
		_ = transport.Close()
		h.metrics.ConnectionRejected()
		return nil, fmt.Errorf("%w: empty user id", domain.ErrAuthentication)
	}

	conn := newConnection(transport, userID, h.queueSize)

	h.mu.Lock()
	conn.state.Store(int32(StateOpen))
	h.connections[conn.ID] = conn
	if h.users[userID] == nil {
		h.users[userID] = make(map[string]struct{})
	}
	h.users[userID][conn.ID] = struct{}{}
	h.mu.Unlock()

	h.metrics.ConnectionBound()
	h.logger.Info("connection registered", "conn_id", conn.ID, "user_id", userID)
	return conn, nil
}

// Lookup returns a copy of the user's OPEN connections.
func (h *Hub) Lookup(userID string) []*Connection {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := h.users[userID]
	if len(ids) == 0 {
		return nil
	}
	conns := make([]*Connection, 0, len(ids))
	for id := range ids {
		if conn, ok := h.connections[id]; ok && conn.State() == StateOpen {
			conns = append(conns, conn)
		}
	}
	return conns
}

// Get returns a registered connection by id.
func (h *Hub) Get(connectionID string) (*Connection, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	conn, ok := h.connections[connectionID]
	return conn, ok
}

// Evict removes a connection and releases its resources. Unknown or already
// evicted ids are a no-op.
func (h *Hub) Evict(connectionID string) {
	h.mu.Lock()
	conn, ok := h.connections[connectionID]
	if ok {
		delete(h.connections, connectionID)
		if ids := h.users[conn.userID]; ids != nil {
			delete(ids, connectionID)
			if len(ids) == 0 {
				delete(h.users, conn.userID)
			}
		}
	}
	h.mu.Unlock()

	if !ok {
		return
	}
	if conn.close() {
		h.metrics.ConnectionEvicted()
		h.logger.Info("connection unregistered", "conn_id", connectionID, "user_id", conn.userID)
	}
}

// DeliveryReport summarises one broadcast.
type DeliveryReport struct {
	Targets   int
	Delivered int
	Failed    int
}

// Broadcast enqueues data on every OPEN connection of the user. A failing
// connection is counted and evicted; the others still receive the frame.
func (h *Hub) Broadcast(ctx context.Context, userID string, data []byte) DeliveryReport {
	conns := h.Lookup(userID)
	report := DeliveryReport{Targets: len(conns)}
	if len(conns) == 0 {
		return report
	}

	errs := make([]error, len(conns))
	if len(conns) == 1 {
		errs[0] = conns[0].Enqueue(ctx, data, h.sendTimeout)
	} else {
		var wg sync.WaitGroup
		for i, conn := range conns {
			wg.Add(1)
			go func(i int, conn *Connection) {
				defer wg.Done()
				errs[i] = conn.Enqueue(ctx, data, h.sendTimeout)
			}(i, conn)
		}
		wg.Wait()
	}

	for i, err := range errs {
		if err == nil {
			report.Delivered++
			continue
		}
		report.Failed++
		h.metrics.DeliveryFailed(failureReason(err))
		h.logger.Warn("delivery failed, evicting connection",
			"conn_id", conns[i].ID, "user_id", userID, "error", err)
		h.Evict(conns[i].ID)
	}
	return report
}

// SendJSON enqueues a control frame on a single connection.
func (h *Hub) SendJSON(ctx context.Context, conn *Connection, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := conn.Enqueue(ctx, data, h.sendTimeout); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrDeliveryFailure, err)
	}
	return nil
}

// ConnectionCount returns the number of registered connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// UserCount returns the number of users with at least one connection.
func (h *Hub) UserCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users)
}

// HasActiveConnections checks if a user has any registered connections.
func (h *Hub) HasActiveConnections(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[userID]) > 0
}

// Close evicts every connection.
func (h *Hub) Close() {
	h.mu.RLock()
	ids := make([]string, 0, len(h.connections))
	for id := range h.connections {
		ids = append(ids, id)
	}
	h.mu.RUnlock()
	for _, id := range ids {
		h.Evict(id)
	}
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrSendTimeout):
		return "timeout"
	case errors.Is(err, domain.ErrConnectionClosed):
		return "closed"
	default:
		return "cancelled"
	}
}
