package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"collabgate/internal/metrics"
)

// RedisBroker relays messages over Redis pub/sub. Delivery is at most once,
// which is enough because clients recover gaps through replay.
type RedisBroker struct {
	client *redis.Client
	logger *zap.Logger

	mu     sync.Mutex
	pubsub []*redis.PubSub
	closed bool
}

// NewRedisBroker uses client for both publishing and subscribing. The client
// is owned by the caller.
func NewRedisBroker(client *redis.Client, logger *zap.Logger) *RedisBroker {
	return &RedisBroker{client: client, logger: logger}
}

func (b *RedisBroker) Type() string { return "redis" }

func (b *RedisBroker) Publish(ctx context.Context, topic string, msg Message) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrBrokerClosed
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if err := b.client.Publish(ctx, topic, data).Err(); err != nil {
		return fmt.Errorf("redis publish failed: %w", err)
	}
	metrics.BrokerMessagesPublished.WithLabelValues(b.Type()).Inc()
	return nil
}

func (b *RedisBroker) Subscribe(ctx context.Context, topic string) (<-chan Message, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBrokerClosed
	}
	ps := b.client.Subscribe(ctx, topic)
	b.pubsub = append(b.pubsub, ps)
	b.mu.Unlock()

	// Wait for the subscription confirmation so no message published right
	// after Subscribe returns is lost.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("redis subscribe failed: %w", err)
	}

	out := make(chan Message, 100)
	go func() {
		defer close(out)
		defer ps.Close()
		ch := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok {
					return
				}
				var msg Message
				if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
					b.logger.Warn("dropping undecodable relay message", zap.String("topic", topic), zap.Error(err))
					continue
				}
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (b *RedisBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, ps := range b.pubsub {
		ps.Close()
	}
	b.pubsub = nil
	return nil
}
