package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"collabgate/internal/store"
	"collabgate/pkg/types"
)

// flakyStore panics with a bare string on Set once failSet is on, the way a
// misbehaving client library might.
type flakyStore struct {
	*store.MemoryStore
	failSet atomic.Bool
}

func (f *flakyStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if f.failSet.Load() {
		panic("redis connection lost")
	}
	return f.MemoryStore.Set(ctx, key, value, ttl)
}

func newTestRegistry(t *testing.T) (*Registry, *flakyStore) {
	t.Helper()
	st := &flakyStore{MemoryStore: store.NewMemoryStore(0)}
	t.Cleanup(func() { st.Close() })
	r := NewRegistry(st, store.NoRetry, RegistryOptions{
		InstanceID:       "gw-1",
		ConnectionTTL:    time.Minute,
		HeartbeatTimeout: 90 * time.Second,
		SweepInterval:    10 * time.Millisecond,
	}, zap.NewNop())
	return r, st
}

func newRegisteredConnection(t *testing.T, r *Registry, userID string) (*Connection, *peer) {
	t.Helper()
	ws, p := newTestSocket(t)
	conn := NewConnection(ws, userID, false, DefaultConnectionOptions())
	id, err := r.Register(context.Background(), userID, conn)
	require.NoError(t, err)
	require.Equal(t, id, conn.ID())
	return conn, p
}

func TestRegistry_RegisterMirrorsStore(t *testing.T) {
	r, st := newTestRegistry(t)
	ctx := context.Background()
	conn, _ := newRegisteredConnection(t, r, "alice")

	assert.Equal(t, 1, r.Count())

	raw, ok, err := st.Get(ctx, store.ConnectionKey(conn.ID()))
	require.NoError(t, err)
	require.True(t, ok)
	var rec types.ConnectionRecord
	require.NoError(t, json.Unmarshal([]byte(raw), &rec))
	assert.Equal(t, "alice", rec.UserID)
	assert.Equal(t, "gw-1", rec.InstanceID)
	assert.Equal(t, types.ConnectionConnected, rec.Status)

	connected, err := r.IsUserConnected(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, connected)

	looked, ok := r.Lookup(conn.ID())
	require.True(t, ok)
	assert.Equal(t, conn.ID(), looked.ID)
}

func TestRegistry_RegisterValidation(t *testing.T) {
	r, _ := newTestRegistry(t)
	_, err := r.Register(context.Background(), "alice", nil)
	assert.ErrorIs(t, err, ErrNilConnection)

	ws, _ := newTestSocket(t)
	_, err = r.Register(context.Background(), "bad user!", NewConnection(ws, "bad user!", false, DefaultConnectionOptions()))
	assert.ErrorIs(t, err, ErrInvalidUserID)
}

func TestRegistry_CloseIsIdempotent(t *testing.T) {
	r, st := newTestRegistry(t)
	ctx := context.Background()

	var hookCalls atomic.Int32
	r.OnClose(func(ctx context.Context, c *Connection) { hookCalls.Inc() })

	conn, p := newRegisteredConnection(t, r, "alice")
	id := conn.ID()

	require.NoError(t, r.Close(id, 1000, "bye"))
	assert.NoError(t, r.Close(id, 1000, "bye"))

	assert.Equal(t, int32(1), hookCalls.Load())
	assert.Equal(t, 0, r.Count())
	assert.Equal(t, 1000, p.closeFrame(t).Code)

	_, ok, err := st.Get(ctx, store.ConnectionKey(id))
	require.NoError(t, err)
	assert.False(t, ok)
	keys, err := st.Scan(ctx, store.UserConnsPrefix("alice"))
	require.NoError(t, err)
	assert.Empty(t, keys, "user_conns must not linger")

	_, ok = r.Lookup(id)
	assert.False(t, ok)
}

func TestRegistry_UserConnectedWhileAnyConnectionRemains(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	first, _ := newRegisteredConnection(t, r, "alice")
	second, _ := newRegisteredConnection(t, r, "alice")

	require.NoError(t, r.Close(first.ID(), 1000, ""))
	connected, err := r.IsUserConnected(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, connected)

	require.NoError(t, r.Close(second.ID(), 1000, ""))
	connected, err = r.IsUserConnected(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, connected)
}

func TestRegistry_RecordHeartbeat(t *testing.T) {
	r, _ := newTestRegistry(t)
	conn, _ := newRegisteredConnection(t, r, "alice")

	later := time.Now().Add(time.Minute)
	r.now = func() time.Time { return later }
	require.NoError(t, r.RecordHeartbeat(context.Background(), conn.ID()))
	assert.Equal(t, later, conn.LastPongReceived())

	assert.ErrorIs(t, r.RecordHeartbeat(context.Background(), "missing"), ErrConnectionNotFound)
}

func TestRegistry_SweepClosesStaleConnections(t *testing.T) {
	r, _ := newTestRegistry(t)
	stale, p := newRegisteredConnection(t, r, "alice")
	fresh, _ := newRegisteredConnection(t, r, "bob")

	future := time.Now().Add(2 * time.Minute)
	fresh.markPong(future)
	r.now = func() time.Time { return future }

	assert.Equal(t, 1, r.Sweep())

	ce := p.closeFrame(t)
	assert.Equal(t, CloseHeartbeatTimeout, ce.Code)
	assert.Equal(t, ReasonHeartbeatTimeout, ce.Text)

	_, ok := r.Get(stale.ID())
	assert.False(t, ok)
	_, ok = r.Get(fresh.ID())
	assert.True(t, ok)
}

func TestRegistry_BackgroundSweep(t *testing.T) {
	r, _ := newTestRegistry(t)
	newRegisteredConnection(t, r, "alice")

	future := time.Now().Add(2 * time.Minute)
	r.now = func() time.Time { return future }

	require.NoError(t, r.Start(context.Background()))
	assert.ErrorIs(t, r.Start(context.Background()), ErrRegistryRunning)
	defer r.Stop()

	assert.Eventually(t, func() bool { return r.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestRegistry_UpdateSessionNormalizesStoreFailure(t *testing.T) {
	r, st := newTestRegistry(t)
	conn, _ := newRegisteredConnection(t, r, "alice")
	require.NoError(t, r.UpdateSession(context.Background(), conn.ID(), "board-1"))

	st.failSet.Store(true)
	err := r.UpdateSession(context.Background(), conn.ID(), "board-2")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Failed to update connection session")
	assert.Contains(t, err.Error(), "redis connection lost")
	assert.NotContains(t, err.Error(), "[object Object]")
	assert.True(t, types.IsKind(err, types.KindInfrastructure))

	assert.Equal(t, "board-1", conn.SessionID())
}

func TestRegistry_RegisterFailureLeavesNothingBehind(t *testing.T) {
	r, st := newTestRegistry(t)
	st.failSet.Store(true)

	ws, _ := newTestSocket(t)
	_, err := r.Register(context.Background(), "alice", NewConnection(ws, "alice", false, DefaultConnectionOptions()))
	require.Error(t, err)
	assert.Equal(t, 0, r.Count())

	keys, err := st.Scan(context.Background(), store.UserConnsPrefix("alice"))
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestRegistry_GetStats(t *testing.T) {
	r, _ := newTestRegistry(t)
	first, _ := newRegisteredConnection(t, r, "alice")
	newRegisteredConnection(t, r, "alice")
	newRegisteredConnection(t, r, "bob")
	require.NoError(t, r.UpdateSession(context.Background(), first.ID(), "board-1"))

	stats := r.GetStats()
	assert.Equal(t, 3, stats["total_connections"])
	assert.Equal(t, 1, stats["joined_connections"])
	assert.Equal(t, 2, stats["active_users"])
	assert.Equal(t, 1, stats["active_sessions"])

	r.CloseAll(1001, ReasonShuttingDown)
	assert.Equal(t, 0, r.Count())
}

func TestRegistry_UserKeysExpireWithoutRefresh(t *testing.T) {
	st := store.NewMemoryStore(0)
	t.Cleanup(func() { st.Close() })
	r := NewRegistry(st, store.NoRetry, RegistryOptions{
		InstanceID:    "gw-1",
		ConnectionTTL: 50 * time.Millisecond,
	}, zap.NewNop())
	ctx := context.Background()

	// An instance that dies never closes its connections.
	crashed, _ := newRegisteredConnection(t, r, "alice")
	connected, err := r.IsUserConnected(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, connected)

	require.Eventually(t, func() bool {
		connected, err := r.IsUserConnected(ctx, "alice")
		return err == nil && !connected
	}, 2*time.Second, 10*time.Millisecond)
	_, ok, err := st.Get(ctx, store.ConnectionKey(crashed.ID()))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRegistry_RefreshKeepsLiveConnections(t *testing.T) {
	st := store.NewMemoryStore(0)
	t.Cleanup(func() { st.Close() })
	r := NewRegistry(st, store.NoRetry, RegistryOptions{
		InstanceID:    "gw-1",
		ConnectionTTL: 200 * time.Millisecond,
	}, zap.NewNop())
	ctx := context.Background()
	conn, _ := newRegisteredConnection(t, r, "alice")

	for i := 0; i < 5; i++ {
		time.Sleep(100 * time.Millisecond)
		assert.Equal(t, 1, r.Refresh(ctx))
	}
	connected, err := r.IsUserConnected(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, connected)
	_, ok, err := st.Get(ctx, store.ConnectionKey(conn.ID()))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRegistry_ConcurrentRegisterRespectsCap(t *testing.T) {
	st := store.NewMemoryStore(0)
	t.Cleanup(func() { st.Close() })
	r := NewRegistry(st, store.NoRetry, RegistryOptions{InstanceID: "gw-1", MaxConnections: 3}, zap.NewNop())

	conns := make([]*Connection, 10)
	for i := range conns {
		ws, _ := newTestSocket(t)
		conns[i] = NewConnection(ws, "alice", false, DefaultConnectionOptions())
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted, rejected := 0, 0
	for _, conn := range conns {
		wg.Add(1)
		go func(conn *Connection) {
			defer wg.Done()
			_, err := r.Register(context.Background(), "alice", conn)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				admitted++
			case assert.ErrorIs(t, err, ErrAtCapacity):
				rejected++
			}
		}(conn)
	}
	wg.Wait()

	assert.Equal(t, 3, admitted)
	assert.Equal(t, 7, rejected)
	assert.Equal(t, 3, r.Count())

	r.CloseAll(1000, "")
	ws, _ := newTestSocket(t)
	_, err := r.Register(context.Background(), "alice", NewConnection(ws, "alice", false, DefaultConnectionOptions()))
	assert.NoError(t, err, "closed connections free their slots")
}
