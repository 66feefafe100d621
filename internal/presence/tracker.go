// Package presence tracks the advisory "who is here and what are they doing"
// state of each session.
package presence

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"collabgate/internal/metrics"
	"collabgate/internal/store"
	"collabgate/pkg/interfaces"
	"collabgate/pkg/types"
)

// Update is a client-requested presence change. Empty fields are left as is.
type Update struct {
	Status       string
	CustomStatus *string
	Activity     *types.Activity
}

type binding struct {
	userID    string
	sessionID string
}

func recordKey(sessionID, userID string) string {
	return sessionID + "\x00" + userID
}

// Tracker keeps local presence records for the connections of this process
// and mirrors them into the shared store, where other instances read them.
// Store keys expire after twice the expiry window, so a crashed instance's
// records disappear on their own.
type Tracker struct {
	mu       sync.RWMutex
	records  map[string]*types.PresenceRecord
	refs     map[string]int // connections per record
	bindings map[string]binding

	store        interfaces.Store
	policy       store.Policy
	expiryWindow time.Duration
	logger       *zap.Logger
	now          func() time.Time
}

func NewTracker(st interfaces.Store, policy store.Policy, expiryWindow time.Duration, logger *zap.Logger) *Tracker {
	return &Tracker{
		records:      make(map[string]*types.PresenceRecord),
		refs:         make(map[string]int),
		bindings:     make(map[string]binding),
		store:        st,
		policy:       policy,
		expiryWindow: expiryWindow,
		logger:       logger,
		now:          time.Now,
	}
}

// ExpiryWindow is the heartbeat age after which a record counts as stale.
func (t *Tracker) ExpiryWindow() time.Duration {
	return t.expiryWindow
}

func (t *Tracker) persist(ctx context.Context, rec types.PresenceRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return store.Do(ctx, t.policy, "Failed to store presence", func(ctx context.Context) error {
		return t.store.Set(ctx, store.PresenceKey(rec.SessionID, rec.UserID), string(data), t.expiryWindow*2)
	})
}

// AddConnection marks userID active in sessionID on behalf of connID.
func (t *Tracker) AddConnection(ctx context.Context, connID, userID, sessionID string) (types.PresenceRecord, error) {
	key := recordKey(sessionID, userID)
	now := t.now()

	t.mu.Lock()
	if prev, ok := t.bindings[connID]; ok && prev != (binding{userID, sessionID}) {
		t.unbindLocked(connID)
	}
	rec, ok := t.records[key]
	if !ok {
		rec = &types.PresenceRecord{UserID: userID, SessionID: sessionID, Status: types.PresenceActive}
		t.records[key] = rec
	}
	if _, bound := t.bindings[connID]; !bound {
		t.refs[key]++
		t.bindings[connID] = binding{userID, sessionID}
	}
	rec.LastHeartbeat = now
	snapshot := *rec
	t.mu.Unlock()

	return snapshot, t.persist(ctx, snapshot)
}

// UpdateHeartbeat refreshes the record bound to connID. Connections that are
// not in a session are ignored.
func (t *Tracker) UpdateHeartbeat(ctx context.Context, connID string) error {
	t.mu.Lock()
	b, ok := t.bindings[connID]
	if !ok {
		t.mu.Unlock()
		return nil
	}
	rec, ok := t.records[recordKey(b.sessionID, b.userID)]
	if !ok {
		t.mu.Unlock()
		return nil
	}
	rec.LastHeartbeat = t.now()
	snapshot := *rec
	t.mu.Unlock()

	return t.persist(ctx, snapshot)
}

// UpdatePresence applies a status, custom status or activity change. The
// custom status is sanitized before it is stored.
func (t *Tracker) UpdatePresence(ctx context.Context, userID, sessionID string, u Update) (types.PresenceRecord, error) {
	if u.Status != "" && !types.IsValidPresenceStatus(u.Status) {
		return types.PresenceRecord{}, ErrInvalidStatus
	}

	key := recordKey(sessionID, userID)
	t.mu.Lock()
	rec, ok := t.records[key]
	if !ok {
		rec = &types.PresenceRecord{UserID: userID, SessionID: sessionID, Status: types.PresenceActive}
		t.records[key] = rec
	}
	if u.Status != "" {
		rec.Status = u.Status
	}
	if u.CustomStatus != nil {
		rec.CustomStatus = SanitizeText(*u.CustomStatus, MaxCustomStatusLength)
	}
	if u.Activity != nil {
		rec.LastActivity = &types.Activity{
			Type:     SanitizeText(u.Activity.Type, 64),
			TargetID: SanitizeText(u.Activity.TargetID, 128),
			Detail:   SanitizeText(u.Activity.Detail, MaxCustomStatusLength),
		}
	}
	rec.LastHeartbeat = t.now()
	snapshot := *rec
	t.mu.Unlock()

	return snapshot, t.persist(ctx, snapshot)
}

// GetSessionPresence returns the fresh records of every instance for
// sessionID, sorted by user id.
func (t *Tracker) GetSessionPresence(ctx context.Context, sessionID string) ([]types.PresenceRecord, error) {
	var keys []string
	err := store.Do(ctx, t.policy, "Failed to list presence", func(ctx context.Context) error {
		var err error
		keys, err = t.store.Scan(ctx, store.SessionPresencePrefix(sessionID))
		return err
	})
	if err != nil {
		return nil, err
	}

	now := t.now()
	out := make([]types.PresenceRecord, 0, len(keys))
	for _, key := range keys {
		var raw string
		var found bool
		err := store.Do(ctx, t.policy, "Failed to read presence", func(ctx context.Context) error {
			var err error
			raw, found, err = t.store.Get(ctx, key)
			return err
		})
		if err != nil {
			return nil, err
		}
		if !found {
			continue
		}

		var rec types.PresenceRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			t.logger.Warn("skipping malformed presence record", zap.String("key", key), zap.Error(err))
			continue
		}
		if now.Sub(rec.LastHeartbeat) > t.expiryWindow {
			continue
		}
		out = append(out, rec)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

// RemovePresence drops the record of userID in sessionID regardless of how
// many connections hold it.
func (t *Tracker) RemovePresence(ctx context.Context, userID, sessionID string) error {
	key := recordKey(sessionID, userID)
	t.mu.Lock()
	delete(t.records, key)
	delete(t.refs, key)
	for connID, b := range t.bindings {
		if b.userID == userID && b.sessionID == sessionID {
			delete(t.bindings, connID)
		}
	}
	t.mu.Unlock()

	return t.deleteStored(ctx, sessionID, userID)
}

// RemoveConnection releases connID's hold on its record. The record is
// removed once no connection of the user remains in the session; the
// returned flag reports that.
func (t *Tracker) RemoveConnection(ctx context.Context, connID string) (bool, error) {
	t.mu.Lock()
	b, ok := t.bindings[connID]
	if !ok {
		t.mu.Unlock()
		return false, nil
	}
	removed := t.unbindLocked(connID)
	t.mu.Unlock()

	if !removed {
		return false, nil
	}
	return true, t.deleteStored(ctx, b.sessionID, b.userID)
}

// unbindLocked requires t.mu held. It reports whether the record went away.
func (t *Tracker) unbindLocked(connID string) bool {
	b := t.bindings[connID]
	delete(t.bindings, connID)
	key := recordKey(b.sessionID, b.userID)
	t.refs[key]--
	if t.refs[key] > 0 {
		return false
	}
	delete(t.refs, key)
	delete(t.records, key)
	return true
}

func (t *Tracker) deleteStored(ctx context.Context, sessionID, userID string) error {
	return store.Do(ctx, t.policy, "Failed to remove presence", func(ctx context.Context) error {
		return t.store.Delete(ctx, store.PresenceKey(sessionID, userID))
	})
}

// CleanupStale removes local records whose last heartbeat is older than
// threshold and returns how many were removed.
func (t *Tracker) CleanupStale(ctx context.Context, threshold time.Duration) int {
	now := t.now()
	var stale []binding

	t.mu.Lock()
	for key, rec := range t.records {
		if now.Sub(rec.LastHeartbeat) <= threshold {
			continue
		}
		stale = append(stale, binding{rec.UserID, rec.SessionID})
		delete(t.records, key)
		delete(t.refs, key)
	}
	for connID, b := range t.bindings {
		if _, ok := t.records[recordKey(b.sessionID, b.userID)]; !ok {
			delete(t.bindings, connID)
		}
	}
	t.mu.Unlock()

	for _, b := range stale {
		if err := t.deleteStored(ctx, b.sessionID, b.userID); err != nil {
			t.logger.Warn("failed to delete stale presence",
				zap.String("user_id", b.userID),
				zap.String("session_id", b.sessionID),
				zap.Error(err))
		}
	}
	if len(stale) > 0 {
		metrics.PresenceSwept.Add(float64(len(stale)))
		t.logger.Info("swept stale presence", zap.Int("count", len(stale)))
	}
	return len(stale)
}

// Count returns the number of local records.
func (t *Tracker) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.records)
}
