package broker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalBroker_FanOut(t *testing.T) {
	b := NewLocalBroker()
	defer b.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch1, err := b.Subscribe(ctx, "events")
	require.NoError(t, err)
	ch2, err := b.Subscribe(ctx, "events")
	require.NoError(t, err)
	other, err := b.Subscribe(ctx, "other")
	require.NoError(t, err)

	msg := Message{InstanceID: "gw-1", SessionID: "s1", Payload: json.RawMessage(`{"n":1}`)}
	require.NoError(t, b.Publish(ctx, "events", msg))

	for _, ch := range []<-chan Message{ch1, ch2} {
		select {
		case got := <-ch:
			assert.Equal(t, msg, got)
		case <-time.After(time.Second):
			t.Fatal("message not delivered")
		}
	}
	select {
	case <-other:
		t.Fatal("message leaked to another topic")
	default:
	}
}

func TestLocalBroker_CancelClosesChannel(t *testing.T) {
	b := NewLocalBroker()
	defer b.Close()
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := b.Subscribe(ctx, "events")
	require.NoError(t, err)
	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}
}

func TestLocalBroker_Closed(t *testing.T) {
	b := NewLocalBroker()
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	assert.ErrorIs(t, b.Publish(context.Background(), "events", Message{}), ErrBrokerClosed)
	_, err := b.Subscribe(context.Background(), "events")
	assert.ErrorIs(t, err, ErrBrokerClosed)
}
