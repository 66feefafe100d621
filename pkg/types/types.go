package types

import (
	"time"
)

// Envelope types exchanged over the socket. Clients send join, leave,
// heartbeat, event and ack; the server answers with ack, error and event.
const (
	MessageTypeJoin      = "join"
	MessageTypeLeave     = "leave"
	MessageTypeHeartbeat = "heartbeat"
	MessageTypeEvent     = "event"
	MessageTypeAck       = "ack"
	MessageTypeError     = "error"
)

// Event types the gateway itself emits into a session.
const (
	EventParticipantJoined = "participant_joined"
	EventParticipantLeft   = "participant_left"
	EventPresenceUpdated   = "presence_updated"
)

// Connection lifecycle status.
const (
	ConnectionConnecting   = "connecting"
	ConnectionConnected    = "connected"
	ConnectionDisconnected = "disconnected"
)

// Presence status values accepted from clients.
const (
	PresenceActive = "active"
	PresenceIdle   = "idle"
	PresenceAway   = "away"
	PresenceBusy   = "busy"
)

// Delivery status of an event for one recipient.
const (
	DeliveryPending   = "pending"
	DeliveryDelivered = "delivered"
)

// Envelope is the JSON frame carried in both directions after the handshake.
// Data is free-form so that event payloads pass through untouched.
type Envelope struct {
	Type           string                 `json:"type"`
	SessionID      string                 `json:"sessionId,omitempty"`
	UserID         string                 `json:"userId,omitempty"`
	Data           map[string]interface{} `json:"data,omitempty"`
	Timestamp      time.Time              `json:"timestamp"`
	SequenceNumber int64                  `json:"sequenceNumber,omitempty"`
	MessageID      string                 `json:"messageId,omitempty"`
}

// ConnectionRecord is the denormalized view of one socket. The copy in the
// shared store is the fleet-wide source of truth for "is this user connected".
type ConnectionRecord struct {
	ID               string    `json:"id"`
	UserID           string    `json:"userId"`
	SessionID        string    `json:"sessionId,omitempty"`
	InstanceID       string    `json:"instanceId"`
	Anonymous        bool      `json:"anonymous,omitempty"`
	Status           string    `json:"status"`
	ConnectedAt      time.Time `json:"connectedAt"`
	LastPingSent     time.Time `json:"lastPingSent"`
	LastPongReceived time.Time `json:"lastPongReceived"`
	LastMessageAt    time.Time `json:"lastMessageAt"`
}

// SessionInfo is the metadata the domain service owns for a collaboration
// session (board, page or whiteboard).
type SessionInfo struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	IsActive       bool      `json:"isActive"`
	AllowAnonymous bool      `json:"allowAnonymous"`
	Capacity       int       `json:"capacity"`
	CreatedBy      string    `json:"createdBy,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Participant relates a user to a session with a role.
type Participant struct {
	UserID   string    `json:"userId"`
	Role     string    `json:"role"`
	JoinedAt time.Time `json:"joinedAt"`
}

// Activity describes what a user is currently doing, e.g. editing a card.
type Activity struct {
	Type     string `json:"type"`
	TargetID string `json:"targetId,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

// PresenceRecord is the advisory liveness state of one user in one session.
type PresenceRecord struct {
	UserID        string    `json:"userId"`
	SessionID     string    `json:"sessionId"`
	Status        string    `json:"status"`
	CustomStatus  string    `json:"customStatus,omitempty"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
	LastActivity  *Activity `json:"lastActivity,omitempty"`
}

// Event is one broadcastable fact about a session. Sequence numbers are
// strictly increasing per session.
type Event struct {
	ID             string                 `json:"id"`
	SessionID      string                 `json:"sessionId"`
	SequenceNumber int64                  `json:"sequenceNumber"`
	Type           string                 `json:"type"`
	Payload        map[string]interface{} `json:"payload,omitempty"`
	OriginUserID   string                 `json:"originUserId"`
	CreatedAt      time.Time              `json:"createdAt"`
}

// JoinResult is returned to a client that successfully joined a session.
type JoinResult struct {
	Session      *SessionInfo     `json:"session"`
	RecentEvents []Event          `json:"recentEvents"`
	Presence     []PresenceRecord `json:"presence"`
}
