package store

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"collabgate/pkg/interfaces"
)

type memoryItem struct {
	value    string
	deadline time.Time // zero means no expiry
}

func (i memoryItem) expired(now time.Time) bool {
	return !i.deadline.IsZero() && !now.Before(i.deadline)
}

// MemoryStore is the single-process Store. Expired keys are hidden on read and
// reclaimed by a janitor goroutine started by the constructor.
type MemoryStore struct {
	mu     sync.RWMutex
	items  map[string]memoryItem
	closed bool

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

var _ interfaces.Store = (*MemoryStore)(nil)

// NewMemoryStore starts a store whose janitor runs every sweepInterval.
// A non-positive interval disables the janitor.
func NewMemoryStore(sweepInterval time.Duration) *MemoryStore {
	s := &MemoryStore{
		items:  make(map[string]memoryItem),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	if sweepInterval > 0 {
		go s.janitor(sweepInterval)
	} else {
		close(s.doneCh)
	}
	return s
}

func (s *MemoryStore) janitor(interval time.Duration) {
	defer close(s.doneCh)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep(time.Now())
		case <-s.stopCh:
			return
		}
	}
}

func (s *MemoryStore) sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for k, item := range s.items {
		if item.expired(now) {
			delete(s.items, k)
			removed++
		}
	}
	return removed
}

func deadlineFor(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(ttl)
}

// lookupLocked requires s.mu held.
func (s *MemoryStore) lookupLocked(key string) (memoryItem, bool) {
	item, ok := s.items[key]
	if !ok || item.expired(time.Now()) {
		return memoryItem{}, false
	}
	return item, true
}

func (s *MemoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return "", false, ErrStoreClosed
	}
	item, ok := s.lookupLocked(key)
	return item.value, ok, nil
}

func (s *MemoryStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	s.items[key] = memoryItem{value: value, deadline: deadlineFor(ttl)}
	return nil
}

func (s *MemoryStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrStoreClosed
	}
	if _, ok := s.lookupLocked(key); ok {
		return false, nil
	}
	s.items[key] = memoryItem{value: value, deadline: deadlineFor(ttl)}
	return true, nil
}

func (s *MemoryStore) Delete(ctx context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	for _, k := range keys {
		delete(s.items, k)
	}
	return nil
}

func (s *MemoryStore) Incr(ctx context.Context, key string) (int64, error) {
	return s.IncrBy(ctx, key, 1)
}

// IncrBy keeps the existing deadline, matching INCRBY.
func (s *MemoryStore) IncrBy(ctx context.Context, key string, n int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrStoreClosed
	}

	item, ok := s.lookupLocked(key)
	var current int64
	if ok {
		v, err := strconv.ParseInt(item.value, 10, 64)
		if err != nil {
			return 0, ErrNotInteger
		}
		current = v
	}
	current += n
	item.value = strconv.FormatInt(current, 10)
	s.items[key] = item
	return current, nil
}

func (s *MemoryStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	item, ok := s.lookupLocked(key)
	if !ok {
		return nil
	}
	if ttl <= 0 {
		delete(s.items, key)
		return nil
	}
	item.deadline = deadlineFor(ttl)
	s.items[key] = item
	return nil
}

func (s *MemoryStore) Scan(ctx context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	now := time.Now()
	keys := make([]string, 0)
	for k, item := range s.items {
		if strings.HasPrefix(k, prefix) && !item.expired(now) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// Close stops the janitor. Subsequent calls return ErrStoreClosed.
func (s *MemoryStore) Close() error {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
	})
	<-s.doneCh
	return nil
}
