package domain

import "errors"

var (
	// ErrAuthentication is returned when a handshake identity cannot be verified.
	ErrAuthentication = errors.New("authentication failed")

	// ErrDeliveryFailure is recorded when a send to one connection fails.
	ErrDeliveryFailure = errors.New("delivery failed")

	// ErrToolExecution wraps failures raised by tool implementations.
	ErrToolExecution = errors.New("tool execution failed")

	// ErrRunTimeout is reported when a run's deadline elapses.
	ErrRunTimeout = errors.New("run timed out")

	// ErrAgentNotFound is returned when the named agent is not registered.
	ErrAgentNotFound = errors.New("agent not found")

	// ErrInvalidTransition is returned for state machine edges that do not exist.
	ErrInvalidTransition = errors.New("invalid run state transition")

	// ErrConnectionClosed is returned when sending to a connection that is no longer open.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrSendTimeout is returned when a connection's queue stays full past the send timeout.
	ErrSendTimeout = errors.New("send timed out")
)
