package broadcast

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"collabgate/internal/broker"
	"collabgate/internal/store"
	"collabgate/pkg/types"
)

type fakeConn struct {
	id      string
	userID  string
	fail    bool
	mu      sync.Mutex
	written []*types.Envelope
}

func (f *fakeConn) WriteJSON(v interface{}) error {
	if f.fail {
		return errors.New("write: broken pipe")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, v.(*types.Envelope))
	return nil
}

func (f *fakeConn) Close(code int, reason string) error { return nil }
func (f *fakeConn) ID() string                          { return f.id }
func (f *fakeConn) UserID() string                      { return f.userID }
func (f *fakeConn) IsAnonymous() bool                   { return false }
func (f *fakeConn) SessionID() string                   { return "" }
func (f *fakeConn) SetSessionID(string)                 {}

func (f *fakeConn) envelopes() []*types.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*types.Envelope(nil), f.written...)
}

func newTestBroadcaster(t *testing.T, st *store.MemoryStore, relay broker.MessageBroker, instance string) *Broadcaster {
	return NewBroadcaster(st, store.NoRetry, relay, Options{
		MaxEvents:  100,
		MaxAge:     time.Minute,
		InstanceID: instance,
		Topic:      "events",
	}, zap.NewNop())
}

func memStore(t *testing.T) *store.MemoryStore {
	st := store.NewMemoryStore(0)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestBroadcast_ExcludesOriginAndSequences(t *testing.T) {
	b := newTestBroadcaster(t, memStore(t), nil, "gw-1")
	ctx := context.Background()

	alice := &fakeConn{id: "c-alice", userID: "alice"}
	bob := &fakeConn{id: "c-bob", userID: "bob"}
	b.Subscribe("s1", alice)
	b.Subscribe("s1", bob)

	first, err := b.Broadcast(ctx, "s1", "card_moved", map[string]interface{}{"card": "7"}, "alice", "c-alice")
	require.NoError(t, err)
	second, err := b.Broadcast(ctx, "s1", "card_moved", nil, "alice", "c-alice")
	require.NoError(t, err)

	assert.Equal(t, int64(1), first.SequenceNumber)
	assert.Equal(t, int64(2), second.SequenceNumber)
	assert.Empty(t, alice.envelopes())

	got := bob.envelopes()
	require.Len(t, got, 2)
	assert.Equal(t, types.MessageTypeEvent, got[0].Type)
	assert.Equal(t, first.ID, got[0].MessageID)
	assert.Equal(t, "alice", got[0].UserID)
	assert.Equal(t, "card_moved", got[0].Data["eventType"])
	assert.Equal(t, int64(2), got[1].SequenceNumber)
}

func TestBroadcast_ContinuesPastFailingRecipient(t *testing.T) {
	b := newTestBroadcaster(t, memStore(t), nil, "gw-1")
	broken := &fakeConn{id: "c-1", fail: true}
	healthy := &fakeConn{id: "c-2"}
	b.Subscribe("s1", broken)
	b.Subscribe("s1", healthy)

	_, err := b.Broadcast(context.Background(), "s1", "note_added", nil, "carol", "")
	require.NoError(t, err)
	assert.Len(t, healthy.envelopes(), 1)
}

func TestBroadcast_SequenceComesFromSharedStore(t *testing.T) {
	st := memStore(t)
	gw1 := newTestBroadcaster(t, st, nil, "gw-1")
	gw2 := newTestBroadcaster(t, st, nil, "gw-2")
	ctx := context.Background()

	e1, err := gw1.Broadcast(ctx, "s1", "x", nil, "a", "")
	require.NoError(t, err)
	e2, err := gw2.Broadcast(ctx, "s1", "x", nil, "b", "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), e1.SequenceNumber)
	assert.Equal(t, int64(2), e2.SequenceNumber)
}

type panicStore struct{ *store.MemoryStore }

func (panicStore) Incr(ctx context.Context, key string) (int64, error) {
	panic("redis connection lost")
}

func TestBroadcast_StoreFailureIsNormalized(t *testing.T) {
	st := panicStore{memStore(t)}
	b := NewBroadcaster(st, store.NoRetry, nil, Options{MaxEvents: 10, MaxAge: time.Minute}, zap.NewNop())

	_, err := b.Broadcast(context.Background(), "s1", "x", nil, "a", "")
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindInfrastructure))
	assert.Contains(t, err.Error(), "redis connection lost")
	assert.Empty(t, b.ReplayEvents("s1", 0))
}

func TestReplayEvents_StrictlyIncreasingNoDuplicates(t *testing.T) {
	b := newTestBroadcaster(t, memStore(t), nil, "gw-1")
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := b.Broadcast(ctx, "s1", "tick", nil, "a", "")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	events := b.ReplayEvents("s1", 5)
	require.Len(t, events, 15)
	for i, e := range events {
		assert.Equal(t, int64(i+6), e.SequenceNumber)
	}
	assert.Empty(t, b.ReplayEvents("unknown", 0))
}

func TestDeliveryTracking(t *testing.T) {
	b := newTestBroadcaster(t, memStore(t), nil, "gw-1")
	ctx := context.Background()
	bob := &fakeConn{id: "c-bob"}
	b.Subscribe("s1", bob)

	e1, err := b.Broadcast(ctx, "s1", "x", nil, "alice", "")
	require.NoError(t, err)
	e2, err := b.Broadcast(ctx, "s1", "x", nil, "alice", "")
	require.NoError(t, err)

	assert.Len(t, b.PendingFor("s1", "c-bob"), 2)
	assert.True(t, b.MarkDelivered(e1.ID, "c-bob"))
	pending := b.PendingFor("s1", "c-bob")
	require.Len(t, pending, 1)
	assert.Equal(t, e2.ID, pending[0].ID)

	assert.False(t, b.MarkDelivered(e1.ID, "c-stranger"))
	assert.False(t, b.MarkDelivered("no-such-event", "c-bob"))
}

func TestSubscribeUnsubscribe(t *testing.T) {
	b := newTestBroadcaster(t, memStore(t), nil, "gw-1")
	b.Subscribe("s1", &fakeConn{id: "c-2"})
	b.Subscribe("s1", &fakeConn{id: "c-1"})

	subs := b.Subscribers("s1")
	require.Len(t, subs, 2)
	assert.Equal(t, "c-1", subs[0].ID())
	assert.True(t, b.IsSubscribed("s1", "c-2"))

	b.Unsubscribe("s1", "c-2")
	assert.False(t, b.IsSubscribed("s1", "c-2"))
	b.Unsubscribe("s1", "c-1")
	assert.Empty(t, b.Subscribers("s1"))
}

func TestRecentEvents(t *testing.T) {
	b := newTestBroadcaster(t, memStore(t), nil, "gw-1")
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := b.Broadcast(ctx, "s1", "x", nil, "a", "")
		require.NoError(t, err)
	}
	assert.Equal(t, []int64{4, 5}, seqs(b.RecentEvents("s1", 2)))
}

func TestRelay_DeliversAcrossInstances(t *testing.T) {
	st := memStore(t)
	relay := broker.NewLocalBroker()
	defer relay.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gw1 := newTestBroadcaster(t, st, relay, "gw-1")
	gw2 := newTestBroadcaster(t, st, relay, "gw-2")
	require.NoError(t, gw1.StartRelay(ctx))
	require.NoError(t, gw2.StartRelay(ctx))

	local := &fakeConn{id: "c-local"}
	remote := &fakeConn{id: "c-remote"}
	gw1.Subscribe("s1", local)
	gw2.Subscribe("s1", remote)

	evt, err := gw1.Broadcast(ctx, "s1", "card_moved", map[string]interface{}{"card": "1"}, "alice", "")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(remote.envelopes()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, evt.ID, remote.envelopes()[0].MessageID)
	assert.Len(t, local.envelopes(), 1, "own relay copy must not be delivered twice")
	assert.Equal(t, []int64{1}, seqs(gw2.ReplayEvents("s1", 0)))
}

func TestPruneAll_DropsIdleBuffers(t *testing.T) {
	b := newTestBroadcaster(t, memStore(t), nil, "gw-1")
	start := time.Now()
	b.now = func() time.Time { return start }

	_, err := b.Broadcast(context.Background(), "s1", "x", nil, "a", "")
	require.NoError(t, err)

	b.now = func() time.Time { return start.Add(2 * time.Minute) }
	assert.Equal(t, 1, b.PruneAll())
	b.mu.RLock()
	_, ok := b.buffers["s1"]
	b.mu.RUnlock()
	assert.False(t, ok)
}

func TestJoin_EveryEventReplayedOrPushedOnce(t *testing.T) {
	b := newTestBroadcaster(t, memStore(t), nil, "gw-1")
	ctx := context.Background()

	const total = 200
	started := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		close(started)
		for i := 0; i < total; i++ {
			_, err := b.Broadcast(ctx, "s1", "card_moved", nil, "alice", "")
			assert.NoError(t, err)
		}
	}()

	<-started
	late := &fakeConn{id: "c-late", userID: "bob"}
	zero := int64(0)
	replayed := b.Join("s1", late, &zero, 0)
	<-done

	seen := make(map[int64]int)
	for _, e := range replayed {
		seen[e.SequenceNumber]++
	}
	for _, env := range late.envelopes() {
		seen[env.SequenceNumber]++
	}
	for seq := int64(1); seq <= total; seq++ {
		assert.Equal(t, 1, seen[seq], "sequence %d", seq)
	}
	assert.True(t, b.IsSubscribed("s1", "c-late"))
}

func TestJoin_RecentWithoutSince(t *testing.T) {
	b := newTestBroadcaster(t, memStore(t), nil, "gw-1")
	for i := 0; i < 5; i++ {
		_, err := b.Broadcast(context.Background(), "s1", "x", nil, "a", "")
		require.NoError(t, err)
	}

	conn := &fakeConn{id: "c1"}
	assert.Equal(t, []int64{4, 5}, seqs(b.Join("s1", conn, nil, 2)))
	assert.Empty(t, b.Join("s2", conn, nil, 2))
}

func TestNewBroadcaster_DefaultsMaxEvents(t *testing.T) {
	b := NewBroadcaster(memStore(t), store.NoRetry, nil, Options{}, zap.NewNop())
	assert.Equal(t, DefaultMaxEvents, b.opts.MaxEvents)

	_, err := b.Broadcast(context.Background(), "s1", "x", nil, "a", "")
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, seqs(b.ReplayEvents("s1", 0)))
}

func TestRelay_WaitRelayReturnsAfterCancel(t *testing.T) {
	relay := broker.NewLocalBroker()
	defer relay.Close()
	b := newTestBroadcaster(t, memStore(t), relay, "gw-1")

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, b.StartRelay(ctx))
	cancel()

	stopped := make(chan struct{})
	go func() {
		b.WaitRelay()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("relay loop still running after cancel")
	}
}
