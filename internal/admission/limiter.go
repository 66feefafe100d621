package admission

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/atomic"

	"collabgate/internal/store"
	"collabgate/pkg/interfaces"
)

// Limiter is the counter backend of the controller. Enforces reports whether
// the controller should deny requests based on the counters. A failed Start
// leaves no slot behind.
type Limiter interface {
	Name() string
	Enforces() bool
	Usage(ctx context.Context, req Request, now time.Time) (Usage, error)
	Start(ctx context.Context, req Request, now time.Time) error
	Complete(ctx context.Context, req Request) error
}

// concurrencyTTL bounds how long a slot held by a crashed instance survives.
const concurrencyTTL = 10 * time.Minute

var allKinds = []Kind{KindEvent, KindMerge, KindTransform, KindAIAnalysis}

// windowStart truncates now to the fixed window containing it.
func windowStart(now time.Time, window time.Duration) int64 {
	return now.Truncate(window).Unix()
}

// untilWindowEnd is the time left in the fixed window containing now.
func untilWindowEnd(now time.Time, window time.Duration) time.Duration {
	return now.Truncate(window).Add(window).Sub(now)
}

// StoreLimiter keeps every counter in the shared store so limits hold across
// the fleet. Rate windows are fixed and keyed by the window start.
type StoreLimiter struct {
	store  interfaces.Store
	policy store.Policy
}

func NewStoreLimiter(st interfaces.Store, policy store.Policy) *StoreLimiter {
	return &StoreLimiter{store: st, policy: policy}
}

func (l *StoreLimiter) Name() string   { return "store" }
func (l *StoreLimiter) Enforces() bool { return true }

func userConcurrentKey(userID string, kind Kind) string {
	return store.UserLimitKey(userID, "concurrent:"+string(kind))
}

func userMinuteKey(userID string, now time.Time) string {
	return store.UserLimitKey(userID, fmt.Sprintf("minute:%d", windowStart(now, time.Minute)))
}

func userHourKey(userID string, now time.Time) string {
	return store.UserLimitKey(userID, fmt.Sprintf("hour:%d", windowStart(now, time.Hour)))
}

func userBytesKey(userID string, now time.Time) string {
	return store.UserLimitKey(userID, fmt.Sprintf("bytes:%d", windowStart(now, time.Hour)))
}

func sessionConcurrentKey(sessionID string) string {
	return store.SessionLimitKey(sessionID, "concurrent")
}

func globalConcurrentKey() string {
	return store.GlobalLimitKey("concurrent")
}

func (l *StoreLimiter) readCounter(ctx context.Context, key string) (int64, error) {
	var n int64
	err := store.Do(ctx, l.policy, "Failed to read admission counter", func(ctx context.Context) error {
		v, ok, err := l.store.Get(ctx, key)
		if err != nil || !ok {
			return err
		}
		n, err = strconv.ParseInt(v, 10, 64)
		return err
	})
	return n, err
}

func (l *StoreLimiter) Usage(ctx context.Context, req Request, now time.Time) (Usage, error) {
	u := Usage{UserConcurrent: make(map[Kind]int64, len(allKinds))}

	for _, kind := range allKinds {
		n, err := l.readCounter(ctx, userConcurrentKey(req.UserID, kind))
		if err != nil {
			return Usage{}, err
		}
		u.UserConcurrent[kind] = n
	}

	var err error
	if u.UserMinute, err = l.readCounter(ctx, userMinuteKey(req.UserID, now)); err != nil {
		return Usage{}, err
	}
	if u.UserHour, err = l.readCounter(ctx, userHourKey(req.UserID, now)); err != nil {
		return Usage{}, err
	}
	if u.ContentBytesHour, err = l.readCounter(ctx, userBytesKey(req.UserID, now)); err != nil {
		return Usage{}, err
	}
	if req.SessionID != "" {
		if u.SessionConcurrent, err = l.readCounter(ctx, sessionConcurrentKey(req.SessionID)); err != nil {
			return Usage{}, err
		}
	}
	if u.GlobalConcurrent, err = l.readCounter(ctx, globalConcurrentKey()); err != nil {
		return Usage{}, err
	}
	return u, nil
}

// counterStep is one counter Start bumps.
type counterStep struct {
	key string
	n   int64
	ttl time.Duration
}

// add bumps key and then sets its expiry. The two are retried separately so
// a failed Expire never counts the operation twice. applied reports whether
// the increment landed.
func (l *StoreLimiter) add(ctx context.Context, step counterStep) (applied bool, err error) {
	err = store.Do(ctx, l.policy, "Failed to update admission counter", func(ctx context.Context) error {
		_, err := l.store.IncrBy(ctx, step.key, step.n)
		return err
	})
	if err != nil {
		return false, err
	}
	err = store.Do(ctx, l.policy, "Failed to set admission counter expiry", func(ctx context.Context) error {
		return l.store.Expire(ctx, step.key, step.ttl)
	})
	return true, err
}

// Start counts the operation into every window and concurrency counter. It
// takes all of them or none: on failure the counters already bumped are
// given back before returning.
func (l *StoreLimiter) Start(ctx context.Context, req Request, now time.Time) error {
	steps := []counterStep{
		{key: userConcurrentKey(req.UserID, req.Kind), n: 1, ttl: concurrencyTTL},
		{key: userMinuteKey(req.UserID, now), n: 1, ttl: 2 * time.Minute},
		{key: userHourKey(req.UserID, now), n: 1, ttl: 2 * time.Hour},
	}
	if req.ContentSize > 0 {
		steps = append(steps, counterStep{key: userBytesKey(req.UserID, now), n: req.ContentSize, ttl: 2 * time.Hour})
	}
	if req.SessionID != "" {
		steps = append(steps, counterStep{key: sessionConcurrentKey(req.SessionID), n: 1, ttl: concurrencyTTL})
	}
	steps = append(steps, counterStep{key: globalConcurrentKey(), n: 1, ttl: concurrencyTTL})

	for i, step := range steps {
		applied, err := l.add(ctx, step)
		if err == nil {
			continue
		}
		taken := steps[:i]
		if applied {
			taken = steps[:i+1]
		}
		// Leftovers from a failed rollback expire with their TTL.
		rollbackCtx := context.WithoutCancel(ctx)
		for _, prev := range taken {
			_ = l.giveBack(rollbackCtx, prev.key, prev.n)
		}
		return err
	}
	return nil
}

// giveBack subtracts n from key and pulls it back to zero if it went
// negative.
func (l *StoreLimiter) giveBack(ctx context.Context, key string, n int64) error {
	return store.Do(ctx, l.policy, "Failed to release admission counter", func(ctx context.Context) error {
		v, err := l.store.IncrBy(ctx, key, -n)
		if err != nil {
			return err
		}
		if v < 0 {
			_, err = l.store.IncrBy(ctx, key, -v)
		}
		return err
	})
}

// Complete releases the concurrency slots taken by Start. Every counter is
// attempted even if an earlier one fails.
func (l *StoreLimiter) Complete(ctx context.Context, req Request) error {
	var firstErr error
	keys := []string{userConcurrentKey(req.UserID, req.Kind), globalConcurrentKey()}
	if req.SessionID != "" {
		keys = append(keys, sessionConcurrentKey(req.SessionID))
	}
	for _, key := range keys {
		if err := l.giveBack(ctx, key, 1); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// UnlimitedLimiter never denies but still tracks concurrency in process, so
// status reporting and slot-leak checks keep working in development.
type UnlimitedLimiter struct {
	mu       sync.Mutex
	counters map[string]*atomic.Int64
}

func NewUnlimitedLimiter() *UnlimitedLimiter {
	return &UnlimitedLimiter{counters: make(map[string]*atomic.Int64)}
}

func (l *UnlimitedLimiter) Name() string   { return "unlimited" }
func (l *UnlimitedLimiter) Enforces() bool { return false }

func (l *UnlimitedLimiter) counter(key string) *atomic.Int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.counters[key]
	if !ok {
		c = atomic.NewInt64(0)
		l.counters[key] = c
	}
	return c
}

func (l *UnlimitedLimiter) Usage(ctx context.Context, req Request, now time.Time) (Usage, error) {
	u := Usage{UserConcurrent: make(map[Kind]int64, len(allKinds))}
	for _, kind := range allKinds {
		u.UserConcurrent[kind] = l.counter(userConcurrentKey(req.UserID, kind)).Load()
	}
	if req.SessionID != "" {
		u.SessionConcurrent = l.counter(sessionConcurrentKey(req.SessionID)).Load()
	}
	u.GlobalConcurrent = l.counter(globalConcurrentKey()).Load()
	return u, nil
}

func (l *UnlimitedLimiter) Start(ctx context.Context, req Request, now time.Time) error {
	l.counter(userConcurrentKey(req.UserID, req.Kind)).Inc()
	if req.SessionID != "" {
		l.counter(sessionConcurrentKey(req.SessionID)).Inc()
	}
	l.counter(globalConcurrentKey()).Inc()
	return nil
}

func floorDec(c *atomic.Int64) {
	for {
		cur := c.Load()
		if cur <= 0 {
			return
		}
		if c.CompareAndSwap(cur, cur-1) {
			return
		}
	}
}

func (l *UnlimitedLimiter) Complete(ctx context.Context, req Request) error {
	floorDec(l.counter(userConcurrentKey(req.UserID, req.Kind)))
	if req.SessionID != "" {
		floorDec(l.counter(sessionConcurrentKey(req.SessionID)))
	}
	floorDec(l.counter(globalConcurrentKey()))
	return nil
}
