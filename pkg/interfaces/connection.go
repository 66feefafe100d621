package interfaces

// Connection is one client socket as seen by the coordinator and the
// broadcaster. Implementations serialize writes, so WriteJSON is safe to call
// from any goroutine.
type Connection interface {
	// WriteJSON queues v for delivery to the client.
	WriteJSON(v interface{}) error

	// Close sends a close frame with code and reason. Calling it more than
	// once is a no-op.
	Close(code int, reason string) error

	// ID returns the server-generated connection id.
	ID() string

	// UserID returns the authenticated user id (the token subject).
	UserID() string

	// IsAnonymous reports whether the token was issued to an anonymous user.
	IsAnonymous() bool

	// SessionID returns the session currently joined, or "".
	SessionID() string

	// SetSessionID binds the connection to a session; "" clears it.
	SetSessionID(sessionID string)
}
