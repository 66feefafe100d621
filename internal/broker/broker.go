// Package broker relays session events between gateway instances.
package broker

import (
	"context"
	"encoding/json"
	"errors"
)

var ErrBrokerClosed = errors.New("broker is closed")

// Message is one relayed event. InstanceID identifies the publisher so an
// instance can drop its own messages.
type Message struct {
	InstanceID string          `json:"instanceId"`
	SessionID  string          `json:"sessionId"`
	Payload    json.RawMessage `json:"payload"`
}

// MessageBroker is a topic-based publish/subscribe transport. Subscribe
// channels are closed when ctx ends or the broker closes.
type MessageBroker interface {
	Publish(ctx context.Context, topic string, msg Message) error
	Subscribe(ctx context.Context, topic string) (<-chan Message, error)
	Type() string
	Close() error
}
