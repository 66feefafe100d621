package websocket

import "errors"

// Connection-related errors
var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrSendBufferFull   = errors.New("send buffer full")
	ErrInvalidJSON      = errors.New("invalid JSON data")
)

// Registry-related errors
var (
	ErrNilConnection      = errors.New("connection cannot be nil")
	ErrConnectionNotFound = errors.New("connection not found")
	ErrInvalidUserID      = errors.New("invalid user id")
	ErrRegistryRunning    = errors.New("registry sweep already running")
	ErrAtCapacity         = errors.New("registry at capacity")
)

// Close codes and reasons sent to clients.
const (
	CloseHeartbeatTimeout = 4000

	ReasonHeartbeatTimeout = "Heartbeat timeout"
	ReasonServerCapacity   = "Server at capacity"
	ReasonAuthRequired     = "Authentication required"
	ReasonInvalidToken     = "JWT verification failed"
	ReasonShuttingDown     = "Server shutting down"
	ReasonRegistration     = "Connection registration failed"
	ReasonSlowConsumer     = "Slow consumer"
)
