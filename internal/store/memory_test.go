package store

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_GetSetDelete(t *testing.T) {
	s := NewMemoryStore(0)
	defer s.Close()
	ctx := context.Background()

	_, ok, err := s.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Set(ctx, "k", "v", 0))
	v, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v", v)

	require.NoError(t, s.Delete(ctx, "k", "other"))
	_, ok, _ = s.Get(ctx, "k")
	assert.False(t, ok)
}

func TestMemoryStore_TTLExpiry(t *testing.T) {
	s := NewMemoryStore(0)
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "short", "v", 20*time.Millisecond))
	time.Sleep(40 * time.Millisecond)

	_, ok, err := s.Get(ctx, "short")
	require.NoError(t, err)
	assert.False(t, ok, "expired key must be hidden on read")

	keys, err := s.Scan(ctx, "sh")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestMemoryStore_JanitorReclaims(t *testing.T) {
	s := NewMemoryStore(10 * time.Millisecond)
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "a", "1", 5*time.Millisecond))
	require.Eventually(t, func() bool {
		s.mu.RLock()
		defer s.mu.RUnlock()
		return len(s.items) == 0
	}, time.Second, 10*time.Millisecond)
}

func TestMemoryStore_SetNX(t *testing.T) {
	s := NewMemoryStore(0)
	defer s.Close()
	ctx := context.Background()

	ok, err := s.SetNX(ctx, "lock", "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.SetNX(ctx, "lock", "b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	v, _, _ := s.Get(ctx, "lock")
	assert.Equal(t, "a", v)
}

func TestMemoryStore_IncrIsAtomic(t *testing.T) {
	s := NewMemoryStore(0)
	defer s.Close()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Incr(ctx, SequenceKey("s1"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	v, err := s.IncrBy(ctx, SequenceKey("s1"), 0)
	require.NoError(t, err)
	assert.Equal(t, int64(50), v)

	v, err = s.IncrBy(ctx, SequenceKey("s1"), -60)
	require.NoError(t, err)
	assert.Equal(t, int64(-10), v)
}

func TestMemoryStore_IncrRejectsNonInteger(t *testing.T) {
	s := NewMemoryStore(0)
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", "not-a-number", 0))
	_, err := s.Incr(ctx, "k")
	assert.ErrorIs(t, err, ErrNotInteger)
}

func TestMemoryStore_IncrKeepsDeadline(t *testing.T) {
	s := NewMemoryStore(0)
	defer s.Close()
	ctx := context.Background()

	_, err := s.Incr(ctx, "window")
	require.NoError(t, err)
	require.NoError(t, s.Expire(ctx, "window", 20*time.Millisecond))
	_, err = s.Incr(ctx, "window")
	require.NoError(t, err)

	time.Sleep(40 * time.Millisecond)
	_, ok, _ := s.Get(ctx, "window")
	assert.False(t, ok)
}

func TestMemoryStore_Scan(t *testing.T) {
	s := NewMemoryStore(0)
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, PresenceKey("s1", "alice"), "{}", 0))
	require.NoError(t, s.Set(ctx, PresenceKey("s1", "bob"), "{}", 0))
	require.NoError(t, s.Set(ctx, PresenceKey("s10", "carol"), "{}", 0))

	keys, err := s.Scan(ctx, SessionPresencePrefix("s1"))
	require.NoError(t, err)
	sort.Strings(keys)
	assert.Equal(t, []string{"presence:s1:alice", "presence:s1:bob"}, keys)
}

func TestMemoryStore_Closed(t *testing.T) {
	s := NewMemoryStore(time.Millisecond)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	ctx := context.Background()
	assert.ErrorIs(t, s.Ping(ctx), ErrStoreClosed)
	assert.ErrorIs(t, s.Set(ctx, "k", "v", 0), ErrStoreClosed)
	_, err := s.Incr(ctx, "k")
	assert.ErrorIs(t, err, ErrStoreClosed)
}
