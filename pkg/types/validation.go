package types

import (
	"encoding/json"
	"regexp"
	"time"
)

// MaxEnvelopeSize bounds a single inbound frame.
const MaxEnvelopeSize = 64 * 1024

var identifierRegex = regexp.MustCompile(`^[a-zA-Z0-9_:.-]+$`)

// IsValidIdentifier checks user and session identifiers: 1-128 characters,
// alphanumeric plus underscore, hyphen, colon and dot.
func IsValidIdentifier(id string) bool {
	if len(id) < 1 || len(id) > 128 {
		return false
	}
	return identifierRegex.MatchString(id)
}

// IsClientMessageType reports whether a client may send this envelope type.
func IsClientMessageType(msgType string) bool {
	switch msgType {
	case MessageTypeJoin,
		MessageTypeLeave,
		MessageTypeHeartbeat,
		MessageTypeEvent,
		MessageTypeAck:
		return true
	default:
		return false
	}
}

// IsValidPresenceStatus reports whether status is one of the accepted values.
func IsValidPresenceStatus(status string) bool {
	switch status {
	case PresenceActive, PresenceIdle, PresenceAway, PresenceBusy:
		return true
	default:
		return false
	}
}

// ParseEnvelope decodes and validates an inbound frame.
func ParseEnvelope(raw []byte) (*Envelope, error) {
	if len(raw) > MaxEnvelopeSize {
		return nil, NewError(KindValidation, CodeInvalidMessage, "Message exceeds 64KB limit")
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &GatewayError{Kind: KindValidation, Code: CodeInvalidMessage, Message: "Invalid JSON message", Cause: err}
	}
	if !IsClientMessageType(env.Type) {
		return nil, NewError(KindValidation, CodeInvalidMessage, "Unknown message type: "+env.Type)
	}
	if env.SessionID != "" && !IsValidIdentifier(env.SessionID) {
		return nil, NewError(KindValidation, CodeInvalidMessage, "Invalid sessionId")
	}
	return &env, nil
}

// NewAck builds a successful response envelope.
func NewAck(sessionID, message string, data map[string]interface{}) *Envelope {
	if data == nil {
		data = make(map[string]interface{})
	}
	data["message"] = message
	return &Envelope{
		Type:      MessageTypeAck,
		SessionID: sessionID,
		Data:      data,
		Timestamp: time.Now(),
	}
}

// NewErrorEnvelope renders err as an error envelope. Unknown errors become
// INTERNAL_ERROR so clients can still branch on the code.
func NewErrorEnvelope(sessionID string, err error) *Envelope {
	ge := AsGatewayError(err)
	data := map[string]interface{}{
		"code":  ge.Code,
		"error": ge.Message,
	}
	if ge.RetryAfter > 0 {
		data["retryAfterMs"] = ge.RetryAfter.Milliseconds()
	}
	return &Envelope{
		Type:      MessageTypeError,
		SessionID: sessionID,
		Data:      data,
		Timestamp: time.Now(),
	}
}

// NewEventEnvelope renders an event as pushed to session members.
func NewEventEnvelope(evt *Event) *Envelope {
	return &Envelope{
		Type:      MessageTypeEvent,
		SessionID: evt.SessionID,
		UserID:    evt.OriginUserID,
		Data: map[string]interface{}{
			"eventId":   evt.ID,
			"eventType": evt.Type,
			"payload":   evt.Payload,
		},
		Timestamp:      evt.CreatedAt,
		SequenceNumber: evt.SequenceNumber,
		MessageID:      evt.ID,
	}
}

// StringField reads a string value from envelope data.
func (e *Envelope) StringField(key string) string {
	if e.Data == nil {
		return ""
	}
	s, _ := e.Data[key].(string)
	return s
}

// Int64Field reads a numeric value from envelope data. JSON numbers decode as
// float64, so both are accepted.
func (e *Envelope) Int64Field(key string) (int64, bool) {
	if e.Data == nil {
		return 0, false
	}
	switch v := e.Data[key].(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	default:
		return 0, false
	}
}

// MapField reads an object value from envelope data.
func (e *Envelope) MapField(key string) map[string]interface{} {
	if e.Data == nil {
		return nil
	}
	m, _ := e.Data[key].(map[string]interface{})
	return m
}
