package hub

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/xiaot623/gogo/internal/domain"
)

// Transport is the duplex handle a connection writes to. *websocket.Conn satisfies it.
type Transport interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// State is the lifecycle state of a connection.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	}
	return "UNKNOWN"
}

// Connection represents a single authenticated client connection.
type Connection struct {
	ID          string
	ConnectedAt time.Time

	userID    string
	transport Transport
	send      chan []byte
	done      chan struct{}
	state     atomic.Int32
	closeOnce sync.Once
	writeMu   sync.Mutex
}

func newConnection(transport Transport, userID string, queueSize int) *Connection {
	c := &Connection{
		ID:          uuid.New().String(),
		ConnectedAt: time.Now(),
		userID:      userID,
		transport:   transport,
		send:        make(chan []byte, queueSize),
		done:        make(chan struct{}),
	}
	c.state.Store(int32(StateConnecting))
	return c
}

// UserID returns the identity bound at handshake. It never changes.
func (c *Connection) UserID() string {
	return c.userID
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	return State(c.state.Load())
}

// Outbound is the FIFO queue drained by the connection's write pump.
func (c *Connection) Outbound() <-chan []byte {
	return c.send
}

// Done is closed once the connection has been evicted.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Enqueue places data on the outbound queue, waiting at most timeout for space.
func (c *Connection) Enqueue(ctx context.Context, data []byte, timeout time.Duration) error {
	select {
	case <-c.done:
		return domain.ErrConnectionClosed
	default:
	}
	if c.State() != StateOpen {
		return domain.ErrConnectionClosed
	}

	// Fast path: queue has room.
	select {
	case c.send <- data:
		return nil
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return domain.ErrConnectionClosed
	case <-timer.C:
		return domain.ErrSendTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WriteMessage writes a frame to the transport with proper locking.
func (c *Connection) WriteMessage(messageType int, data []byte, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if timeout > 0 {
		_ = c.transport.SetWriteDeadline(time.Now().Add(timeout))
	}
	return c.transport.WriteMessage(messageType, data)
}

// close releases the queue and the transport exactly once.
func (c *Connection) close() bool {
	closed := false
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosing))
		close(c.done)
		_ = c.transport.Close()
		c.state.Store(int32(StateClosed))
		closed = true
	})
	return closed
}
