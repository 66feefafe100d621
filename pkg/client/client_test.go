package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabgate/pkg/types"
)

// fakeGateway acknowledges joins, answers heartbeats and sends one numbered
// event after every join. With replay set the join ack carries those events
// instead and nothing is pushed.
type fakeGateway struct {
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu     sync.Mutex
	conns  []*websocket.Conn
	tokens []string
	seq    int64
	silent bool
	replay []int64

	joins  chan *types.Envelope
	closes chan int
}

func newFakeGateway(t *testing.T) *fakeGateway {
	t.Helper()
	g := &fakeGateway{
		joins:  make(chan *types.Envelope, 16),
		closes: make(chan int, 16),
	}
	g.server = httptest.NewServer(http.HandlerFunc(g.serve))
	t.Cleanup(g.server.Close)
	return g
}

func (g *fakeGateway) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	g.mu.Lock()
	g.conns = append(g.conns, conn)
	g.tokens = append(g.tokens, r.URL.Query().Get("token"))
	g.mu.Unlock()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				select {
				case g.closes <- closeErr.Code:
				default:
				}
			}
			return
		}
		var env types.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}

		switch env.Type {
		case types.MessageTypeJoin:
			select {
			case g.joins <- &env:
			default:
			}
			g.mu.Lock()
			replay := append([]int64(nil), g.replay...)
			g.mu.Unlock()

			ack := map[string]interface{}{"message": "Joined session successfully"}
			if len(replay) > 0 {
				events := make([]types.Event, 0, len(replay))
				for _, seq := range replay {
					events = append(events, types.Event{ID: "evt", SessionID: env.SessionID, SequenceNumber: seq, Type: "card_moved"})
				}
				ack["recentEvents"] = events
			}
			_ = conn.WriteJSON(map[string]interface{}{
				"type":      types.MessageTypeAck,
				"sessionId": env.SessionID,
				"data":      ack,
			})
			if len(replay) > 0 {
				continue
			}

			g.mu.Lock()
			g.seq++
			seq := g.seq
			g.mu.Unlock()
			_ = conn.WriteJSON(map[string]interface{}{
				"type":           types.MessageTypeEvent,
				"sessionId":      env.SessionID,
				"userId":         "bob",
				"sequenceNumber": seq,
				"messageId":      "msg-" + env.SessionID,
				"data":           map[string]interface{}{"eventType": "card_moved"},
			})
		case types.MessageTypeHeartbeat:
			g.mu.Lock()
			silent := g.silent
			g.mu.Unlock()
			if !silent {
				_ = conn.WriteJSON(map[string]interface{}{
					"type": types.MessageTypeAck,
					"data": map[string]interface{}{"message": "pong"},
				})
			}
		}
	}
}

// drop kills every open socket without a close handshake.
func (g *fakeGateway) drop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, conn := range g.conns {
		_ = conn.UnderlyingConn().Close()
	}
	g.conns = nil
}

func (g *fakeGateway) connectionCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.tokens)
}

func (g *fakeGateway) nextJoin(t *testing.T) *types.Envelope {
	t.Helper()
	select {
	case env := <-g.joins:
		return env
	case <-time.After(3 * time.Second):
		t.Fatal("no join received")
		return nil
	}
}

func fastReconnect() Options {
	return Options{
		BaseDelay:               10 * time.Millisecond,
		MaxDelay:                50 * time.Millisecond,
		MaxAttempts:             20,
		CircuitBreakerThreshold: 20,
		CircuitCooldown:         time.Second,
	}
}

func newTestClient(t *testing.T, g *fakeGateway, mutate func(*Config)) *Client {
	t.Helper()
	cfg := Config{
		URL:               g.server.URL + "/ws",
		Token:             "token-alice",
		SessionID:         "board-1",
		HeartbeatInterval: time.Hour,
		Reconnect:         fastReconnect(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(c.Disconnect)
	return c
}

func TestClient_JoinsAndTracksSequence(t *testing.T) {
	g := newFakeGateway(t)
	c := newTestClient(t, g, nil)

	c.Connect(context.Background())

	join := g.nextJoin(t)
	assert.Equal(t, "board-1", join.SessionID)
	_, hasSince := join.Int64Field("sinceSequence")
	assert.False(t, hasSince)

	require.Eventually(t, func() bool { return c.LastSequence() == 1 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, StateConnected, c.State())

	g.mu.Lock()
	assert.Equal(t, []string{"token-alice"}, g.tokens)
	g.mu.Unlock()

	var received []string
	for len(received) < 2 {
		select {
		case env := <-c.Messages():
			received = append(received, env.Type)
		case <-time.After(3 * time.Second):
			t.Fatal("messages not delivered")
		}
	}
	assert.Equal(t, []string{types.MessageTypeAck, types.MessageTypeEvent}, received)
}

func TestClient_RejoinsWithSinceSequenceAfterDrop(t *testing.T) {
	g := newFakeGateway(t)
	c := newTestClient(t, g, nil)

	c.Connect(context.Background())
	g.nextJoin(t)
	require.Eventually(t, func() bool { return c.LastSequence() == 1 }, 3*time.Second, 10*time.Millisecond)

	g.drop()

	rejoin := g.nextJoin(t)
	since, ok := rejoin.Int64Field("sinceSequence")
	require.True(t, ok)
	assert.Equal(t, int64(1), since)

	require.Eventually(t, func() bool { return c.State() == StateConnected }, 3*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return c.LastSequence() == 2 }, 3*time.Second, 10*time.Millisecond)
}

func TestClient_ResumesAfterReplayedEvents(t *testing.T) {
	g := newFakeGateway(t)
	g.mu.Lock()
	g.replay = []int64{1, 2, 3}
	g.mu.Unlock()
	c := newTestClient(t, g, nil)

	c.Connect(context.Background())
	g.nextJoin(t)
	require.Eventually(t, func() bool { return c.LastSequence() == 3 }, 3*time.Second, 10*time.Millisecond)

	g.drop()

	rejoin := g.nextJoin(t)
	since, ok := rejoin.Int64Field("sinceSequence")
	require.True(t, ok)
	assert.Equal(t, int64(3), since)
}

func TestReplayedEvents(t *testing.T) {
	var env types.Envelope
	raw := `{"type":"ack","data":{"message":"Joined session successfully","recentEvents":[{"sequenceNumber":4},{"sequenceNumber":7}]}}`
	require.NoError(t, json.Unmarshal([]byte(raw), &env))

	events := replayedEvents(&env)
	require.Len(t, events, 2)
	assert.Equal(t, int64(7), events[1].SequenceNumber)

	assert.Empty(t, replayedEvents(&types.Envelope{Data: map[string]interface{}{"message": "pong"}}))
	assert.Empty(t, replayedEvents(&types.Envelope{Data: map[string]interface{}{"recentEvents": "junk"}}))
}

func TestClient_HeartbeatTimeoutReconnects(t *testing.T) {
	g := newFakeGateway(t)
	g.mu.Lock()
	g.silent = true
	g.mu.Unlock()
	c := newTestClient(t, g, func(cfg *Config) {
		cfg.HeartbeatInterval = 20 * time.Millisecond
		cfg.HeartbeatTimeout = 60 * time.Millisecond
	})

	var mu sync.Mutex
	reconnecting := false
	c.Machine().OnStateChange(func(from, to State) {
		if to == StateReconnecting {
			mu.Lock()
			reconnecting = true
			mu.Unlock()
		}
	})

	c.Connect(context.Background())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return reconnecting
	}, 3*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return g.connectionCount() >= 2 }, 3*time.Second, 10*time.Millisecond)
}

func TestClient_DisconnectClosesNormally(t *testing.T) {
	g := newFakeGateway(t)
	c := newTestClient(t, g, nil)

	c.Connect(context.Background())
	g.nextJoin(t)
	require.Eventually(t, func() bool { return c.State() == StateConnected }, 3*time.Second, 10*time.Millisecond)

	c.Disconnect()

	select {
	case code := <-g.closes:
		assert.Equal(t, websocket.CloseNormalClosure, code)
	case <-time.After(3 * time.Second):
		t.Fatal("close frame not received")
	}
	assert.Equal(t, StateDisconnected, c.State())

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, g.connectionCount())
	assert.ErrorIs(t, c.Send(map[string]interface{}{"type": "heartbeat"}), ErrNotConnected)
}

func TestClient_SendEvent(t *testing.T) {
	g := newFakeGateway(t)
	c := newTestClient(t, g, nil)

	assert.ErrorIs(t, c.SendEvent("card_moved", nil), ErrNotConnected)

	c.Connect(context.Background())
	g.nextJoin(t)
	require.Eventually(t, func() bool { return c.State() == StateConnected }, 3*time.Second, 10*time.Millisecond)

	assert.NoError(t, c.SendEvent("card_moved", map[string]interface{}{"cardId": "c1"}))
}

func TestDialURL(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{"http becomes ws", Config{URL: "http://localhost:8080/ws"}, "ws://localhost:8080/ws"},
		{"https becomes wss", Config{URL: "https://gateway.example.com/ws"}, "wss://gateway.example.com/ws"},
		{"ws kept", Config{URL: "ws://localhost/ws"}, "ws://localhost/ws"},
		{"token added", Config{URL: "ws://localhost/ws", Token: "abc"}, "ws://localhost/ws?token=abc"},
		{"custom param", Config{URL: "ws://localhost/ws", Token: "abc", TokenQueryParam: "access_token"}, "ws://localhost/ws?access_token=abc"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := dialURL(tt.cfg)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDialURL_Invalid(t *testing.T) {
	for _, raw := range []string{"", "localhost:8080", "ftp://localhost/ws", "::bad"} {
		_, err := dialURL(Config{URL: raw})
		assert.ErrorIs(t, err, ErrInvalidURL, raw)
	}

	_, err := New(Config{URL: "ftp://localhost/ws"})
	assert.ErrorIs(t, err, ErrInvalidURL)
}
