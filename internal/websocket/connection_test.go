package websocket

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabgate/pkg/interfaces"
	"collabgate/pkg/types"
)

var _ interfaces.Connection = (*Connection)(nil)

func TestConnection_NewConnectionInitialization(t *testing.T) {
	ws, _ := newTestSocket(t)
	conn := NewConnection(ws, "alice", true, DefaultConnectionOptions())
	defer conn.Close(1000, "")

	assert.Equal(t, 100, cap(conn.writeCh))
	assert.Equal(t, "alice", conn.UserID())
	assert.True(t, conn.IsAnonymous())
	assert.Equal(t, types.ConnectionConnecting, conn.Status())
	assert.Empty(t, conn.ID())
	assert.Empty(t, conn.SessionID())
}

func TestConnection_WriteJSONDelivers(t *testing.T) {
	ws, p := newTestSocket(t)
	conn := NewConnection(ws, "alice", false, DefaultConnectionOptions())
	defer conn.Close(1000, "")

	require.NoError(t, conn.WriteJSON(types.NewAck("s1", "joined", nil)))

	var env types.Envelope
	require.NoError(t, json.Unmarshal(p.nextMessage(t), &env))
	assert.Equal(t, types.MessageTypeAck, env.Type)
	assert.Equal(t, "s1", env.SessionID)
}

func TestConnection_WriteJSONInvalidData(t *testing.T) {
	ws, _ := newTestSocket(t)
	conn := NewConnection(ws, "alice", false, DefaultConnectionOptions())
	defer conn.Close(1000, "")

	err := conn.WriteJSON(map[string]interface{}{"func": func() {}})
	assert.ErrorIs(t, err, ErrInvalidJSON)
}

func TestConnection_CloseSendsFrameOnce(t *testing.T) {
	ws, p := newTestSocket(t)
	conn := NewConnection(ws, "alice", false, DefaultConnectionOptions())

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "ack"}))
	_ = conn.Close(CloseHeartbeatTimeout, ReasonHeartbeatTimeout)
	assert.NoError(t, conn.Close(1000, "second"))

	// Queued messages are flushed before the close frame.
	p.nextMessage(t)
	ce := p.closeFrame(t)
	assert.Equal(t, CloseHeartbeatTimeout, ce.Code)
	assert.Equal(t, ReasonHeartbeatTimeout, ce.Text)

	assert.ErrorIs(t, conn.WriteJSON(map[string]string{"type": "ack"}), ErrConnectionClosed)
	assert.Equal(t, types.ConnectionDisconnected, conn.Status())
	<-conn.Done()
}

func TestConnection_RecordSnapshot(t *testing.T) {
	ws, _ := newTestSocket(t)
	conn := NewConnection(ws, "alice", false, DefaultConnectionOptions())
	defer conn.Close(1000, "")

	conn.bind("conn-1")
	conn.SetSessionID("board-1")

	rec := conn.Record("gw-1")
	assert.Equal(t, "conn-1", rec.ID)
	assert.Equal(t, "alice", rec.UserID)
	assert.Equal(t, "board-1", rec.SessionID)
	assert.Equal(t, "gw-1", rec.InstanceID)
	assert.Equal(t, types.ConnectionConnected, rec.Status)
	assert.False(t, rec.ConnectedAt.IsZero())
}

func TestConnection_InboundRateLimit(t *testing.T) {
	ws, _ := newTestSocket(t)
	opts := DefaultConnectionOptions()
	opts.MessagesPerSecond = 0.001
	opts.MessageBurst = 2
	conn := NewConnection(ws, "alice", false, opts)
	defer conn.Close(1000, "")

	assert.True(t, conn.Allow())
	assert.True(t, conn.Allow())
	assert.False(t, conn.Allow())
}

func TestConnection_SlowConsumerIsDropped(t *testing.T) {
	ws := newStalledSocket(t)
	opts := DefaultConnectionOptions()
	opts.SendBuffer = 1
	conn := NewConnection(ws, "alice", false, opts)
	defer conn.Close(1000, "")

	payload := map[string]string{"blob": strings.Repeat("x", 4<<20)}
	var err error
	for i := 0; i < 64 && err == nil; i++ {
		start := time.Now()
		err = conn.WriteJSON(payload)
		assert.Less(t, time.Since(start), time.Second, "WriteJSON must not wait on the network")
	}
	require.ErrorIs(t, err, ErrSendBufferFull)

	select {
	case <-conn.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("slow consumer was not closed")
	}
	assert.Equal(t, types.ConnectionDisconnected, conn.Status())
	assert.ErrorIs(t, conn.WriteJSON(map[string]string{"type": "ack"}), ErrConnectionClosed)
}

func TestConnection_WriterFailureClosesConnection(t *testing.T) {
	ws, _ := newTestSocket(t)
	conn := NewConnection(ws, "alice", false, DefaultConnectionOptions())
	defer conn.Close(1000, "")

	require.NoError(t, ws.UnderlyingConn().Close())
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "ack"}))

	select {
	case <-conn.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("writer did not stop after a failed write")
	}
	assert.ErrorIs(t, conn.WriteJSON(map[string]string{"type": "ack"}), ErrConnectionClosed)
}
