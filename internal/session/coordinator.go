package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"collabgate/internal/broadcast"
	"collabgate/internal/presence"
	"collabgate/internal/store"
	"collabgate/pkg/interfaces"
	"collabgate/pkg/types"
)

// Participant roles assigned when the gateway adds a user to a session.
const (
	RoleParticipant = "participant"
	RoleGuest       = "guest"
)

// ConnectionDirectory resolves and updates live connections. The websocket
// registry implements it.
type ConnectionDirectory interface {
	Connection(connID string) (interfaces.Connection, bool)
	UpdateSession(ctx context.Context, connID, sessionID string) error
	Close(connID string, code int, reason string) error
}

// Options tunes join replay and seat expiry.
type Options struct {
	ReplayOnJoin int
	// SeatTTL bounds how long a seat outlives an instance that stopped
	// refreshing it.
	SeatTTL time.Duration
}

// DefaultSeatTTL is used when Options.SeatTTL is unset.
const DefaultSeatTTL = 2 * time.Minute

type room struct {
	info         *types.SessionInfo
	participants map[string]struct{}
	conns        map[string]interfaces.Connection
}

type membership struct {
	sessionID string
	userID    string
}

// Coordinator admits connections into sessions and keeps membership,
// presence and fan-out in step.
type Coordinator struct {
	mu      sync.RWMutex
	rooms   map[string]*room
	members map[string]membership

	locksMu   sync.Mutex
	connLocks map[string]*sync.Mutex
	seatLocks map[string]*sync.Mutex

	provider    interfaces.SessionProvider
	store       interfaces.Store
	policy      store.Policy
	directory   ConnectionDirectory
	broadcaster *broadcast.Broadcaster
	tracker     *presence.Tracker
	opts        Options
	logger      *zap.Logger
	now         func() time.Time
}

// NewCoordinator wires the coordinator to its collaborators.
func NewCoordinator(
	provider interfaces.SessionProvider,
	st interfaces.Store,
	policy store.Policy,
	directory ConnectionDirectory,
	broadcaster *broadcast.Broadcaster,
	tracker *presence.Tracker,
	opts Options,
	logger *zap.Logger,
) *Coordinator {
	if opts.ReplayOnJoin <= 0 {
		opts.ReplayOnJoin = 50
	}
	if opts.SeatTTL <= 0 {
		opts.SeatTTL = DefaultSeatTTL
	}
	return &Coordinator{
		rooms:       make(map[string]*room),
		members:     make(map[string]membership),
		connLocks:   make(map[string]*sync.Mutex),
		seatLocks:   make(map[string]*sync.Mutex),
		provider:    provider,
		store:       st,
		policy:      policy,
		directory:   directory,
		broadcaster: broadcaster,
		tracker:     tracker,
		opts:        opts,
		logger:      logger,
		now:         time.Now,
	}
}

// connLock serializes join and leave of a single connection.
func (c *Coordinator) connLock(connID string) *sync.Mutex {
	c.locksMu.Lock()
	defer c.locksMu.Unlock()
	l, ok := c.connLocks[connID]
	if !ok {
		l = &sync.Mutex{}
		c.connLocks[connID] = l
	}
	return l
}

// seatLock serializes seat admission of one session on this instance.
func (c *Coordinator) seatLock(sessionID string) *sync.Mutex {
	c.locksMu.Lock()
	defer c.locksMu.Unlock()
	l, ok := c.seatLocks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		c.seatLocks[sessionID] = l
	}
	return l
}

func (c *Coordinator) dropConnLock(connID string) {
	c.locksMu.Lock()
	defer c.locksMu.Unlock()
	delete(c.connLocks, connID)
}

// JoinSession admits connID into sessionID. A nil sinceSequence replays the
// most recent events; otherwise every buffered event after it.
func (c *Coordinator) JoinSession(ctx context.Context, connID, sessionID, userID string, sinceSequence *int64) (*types.JoinResult, error) {
	lock := c.connLock(connID)
	lock.Lock()
	defer lock.Unlock()

	conn, ok := c.directory.Connection(connID)
	if !ok {
		return nil, ErrUnknownConnection
	}
	if userID != "" && userID != conn.UserID() {
		return nil, ErrUserMismatch
	}
	userID = conn.UserID()

	if current, joined := c.SessionOf(connID); joined {
		if current == sessionID {
			return c.snapshot(ctx, sessionID, conn, sinceSequence)
		}
		if err := c.leaveLocked(ctx, connID); err != nil {
			c.logger.Warn("Leaving previous session failed",
				zap.String("connection_id", connID),
				zap.String("session_id", current),
				zap.Error(err),
			)
		}
	}

	info, err := c.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !info.IsActive {
		return nil, types.ErrSessionInactive
	}
	if conn.IsAnonymous() && !info.AllowAnonymous {
		return nil, types.ErrAnonymousNotAllowed
	}

	if err := c.reserveSeat(ctx, info, connID); err != nil {
		return nil, err
	}

	participants, err := c.ensureParticipant(ctx, info.ID, userID, conn.IsAnonymous())
	if err != nil {
		c.releaseSeat(ctx, sessionID, connID)
		return nil, err
	}
	if err := c.directory.UpdateSession(ctx, connID, sessionID); err != nil {
		c.releaseSeat(ctx, sessionID, connID)
		return nil, err
	}

	if _, err := c.tracker.AddConnection(ctx, connID, userID, sessionID); err != nil {
		c.logger.Warn("Presence not recorded on join",
			zap.String("connection_id", connID),
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
	}

	c.mu.Lock()
	r, ok := c.rooms[sessionID]
	if !ok {
		r = &room{conns: make(map[string]interfaces.Connection)}
		c.rooms[sessionID] = r
	}
	r.info = info
	r.participants = participants
	r.conns[connID] = conn
	c.members[connID] = membership{sessionID: sessionID, userID: userID}
	c.mu.Unlock()

	result, err := c.snapshot(ctx, sessionID, conn, sinceSequence)
	if err != nil {
		return nil, err
	}

	_, err = c.broadcaster.Broadcast(ctx, sessionID, types.EventParticipantJoined, map[string]interface{}{
		"userId":       userID,
		"connectionId": connID,
		"anonymous":    conn.IsAnonymous(),
	}, userID, connID)
	if err != nil {
		c.logger.Warn("participant_joined not broadcast", zap.String("session_id", sessionID), zap.Error(err))
	}

	c.logger.Info("Connection joined session",
		zap.String("connection_id", connID),
		zap.String("session_id", sessionID),
		zap.String("user_id", userID),
	)
	return result, nil
}

func (c *Coordinator) loadSession(ctx context.Context, sessionID string) (*types.SessionInfo, error) {
	info, err := c.provider.GetSession(ctx, sessionID)
	if errors.Is(err, interfaces.ErrSessionNotFound) || (err == nil && info == nil) {
		return nil, types.ErrSessionNotFound
	}
	if err != nil {
		return nil, types.Normalize("Failed to load session", err)
	}
	return info, nil
}

// reserveSeat writes connID's seat and counts the session's seats. When that
// overshoots capacity the seat is given back. Two instances racing for the
// last seat may both back off, but a session is never over-admitted.
func (c *Coordinator) reserveSeat(ctx context.Context, info *types.SessionInfo, connID string) error {
	lock := c.seatLock(info.ID)
	lock.Lock()
	defer lock.Unlock()

	err := store.Do(ctx, c.policy, "Failed to reserve session seat", func(ctx context.Context) error {
		return c.store.Set(ctx, store.SeatKey(info.ID, connID), connID, c.opts.SeatTTL)
	})
	if err != nil {
		return err
	}
	if info.Capacity <= 0 {
		return nil
	}

	count, err := c.SeatCount(ctx, info.ID)
	if err != nil {
		c.releaseSeat(ctx, info.ID, connID)
		return err
	}
	if count > info.Capacity {
		c.releaseSeat(ctx, info.ID, connID)
		return types.ErrSessionCapacityExceeded
	}
	return nil
}

func (c *Coordinator) releaseSeat(ctx context.Context, sessionID, connID string) {
	err := store.Do(ctx, c.policy, "Failed to release session seat", func(ctx context.Context) error {
		return c.store.Delete(ctx, store.SeatKey(sessionID, connID))
	})
	if err != nil {
		c.logger.Warn("Session seat not released",
			zap.String("session_id", sessionID),
			zap.String("connection_id", connID),
			zap.Error(err),
		)
	}
}

// SeatCount is the number of live seats of sessionID across the fleet.
func (c *Coordinator) SeatCount(ctx context.Context, sessionID string) (int, error) {
	var keys []string
	err := store.Do(ctx, c.policy, "Failed to count session seats", func(ctx context.Context) error {
		var err error
		keys, err = c.store.Scan(ctx, store.SeatPrefix(sessionID))
		return err
	})
	return len(keys), err
}

// RefreshSeats extends the TTL of every seat held by this instance and
// returns how many were refreshed. A seat whose key already expired is
// written again.
func (c *Coordinator) RefreshSeats(ctx context.Context) int {
	type seat struct{ sessionID, connID string }

	c.mu.RLock()
	seats := make([]seat, 0, len(c.members))
	for connID, m := range c.members {
		seats = append(seats, seat{sessionID: m.sessionID, connID: connID})
	}
	c.mu.RUnlock()

	refreshed := 0
	for _, st := range seats {
		err := store.Do(ctx, c.policy, "Failed to refresh session seat", func(ctx context.Context) error {
			return c.store.Set(ctx, store.SeatKey(st.sessionID, st.connID), st.connID, c.opts.SeatTTL)
		})
		if err != nil {
			c.logger.Warn("Session seat not refreshed",
				zap.String("session_id", st.sessionID),
				zap.String("connection_id", st.connID),
				zap.Error(err),
			)
			continue
		}
		// The connection may have left while its seat was being written.
		if current, ok := c.SessionOf(st.connID); !ok || current != st.sessionID {
			c.releaseSeat(ctx, st.sessionID, st.connID)
			continue
		}
		refreshed++
	}
	return refreshed
}

func (c *Coordinator) ensureParticipant(ctx context.Context, sessionID, userID string, anonymous bool) (map[string]struct{}, error) {
	list, err := c.provider.GetSessionParticipants(ctx, sessionID)
	if err != nil {
		return nil, types.Normalize("Failed to load session participants", err)
	}
	participants := make(map[string]struct{}, len(list)+1)
	for _, p := range list {
		participants[p.UserID] = struct{}{}
	}
	if _, ok := participants[userID]; ok {
		return participants, nil
	}

	role := RoleParticipant
	if anonymous {
		role = RoleGuest
	}
	err = c.provider.AddParticipant(ctx, sessionID, types.Participant{
		UserID:   userID,
		Role:     role,
		JoinedAt: c.now(),
	})
	if err != nil {
		return nil, types.Normalize("Failed to register session membership", err)
	}
	participants[userID] = struct{}{}
	return participants, nil
}

// snapshot subscribes conn and collects the replay and presence it is sent
// on join.
func (c *Coordinator) snapshot(ctx context.Context, sessionID string, conn interfaces.Connection, sinceSequence *int64) (*types.JoinResult, error) {
	c.mu.RLock()
	r, ok := c.rooms[sessionID]
	var info *types.SessionInfo
	if ok {
		info = r.info
	}
	c.mu.RUnlock()
	if info == nil {
		return nil, types.ErrSessionNotFound
	}

	events := c.broadcaster.Join(sessionID, conn, sinceSequence, c.opts.ReplayOnJoin)
	if events == nil {
		events = []types.Event{}
	}

	records, err := c.tracker.GetSessionPresence(ctx, sessionID)
	if err != nil {
		c.logger.Warn("Presence snapshot unavailable", zap.String("session_id", sessionID), zap.Error(err))
		records = nil
	}
	if records == nil {
		records = []types.PresenceRecord{}
	}

	return &types.JoinResult{
		Session:      info,
		RecentEvents: events,
		Presence:     records,
	}, nil
}

// LeaveSession removes connID from its session. Connections that never
// joined are ignored.
func (c *Coordinator) LeaveSession(ctx context.Context, connID string) error {
	lock := c.connLock(connID)
	lock.Lock()
	err := c.leaveLocked(ctx, connID)
	lock.Unlock()
	return err
}

// Forget drops all state for a connection that has gone away.
func (c *Coordinator) Forget(ctx context.Context, connID string) error {
	err := c.LeaveSession(ctx, connID)
	c.dropConnLock(connID)
	return err
}

func (c *Coordinator) leaveLocked(ctx context.Context, connID string) error {
	c.mu.Lock()
	m, ok := c.members[connID]
	if !ok {
		c.mu.Unlock()
		return nil
	}
	delete(c.members, connID)
	if r, exists := c.rooms[m.sessionID]; exists {
		delete(r.conns, connID)
		if len(r.conns) == 0 {
			delete(c.rooms, m.sessionID)
		}
	}
	c.mu.Unlock()

	c.broadcaster.Unsubscribe(m.sessionID, connID)
	c.releaseSeat(ctx, m.sessionID, connID)

	if _, err := c.tracker.RemoveConnection(ctx, connID); err != nil {
		c.logger.Warn("Presence not removed on leave", zap.String("connection_id", connID), zap.Error(err))
	}

	var result error
	if conn, live := c.directory.Connection(connID); live {
		if err := c.directory.UpdateSession(ctx, connID, ""); err != nil {
			conn.SetSessionID("")
			result = err
		}
	}

	_, err := c.broadcaster.Broadcast(ctx, m.sessionID, types.EventParticipantLeft, map[string]interface{}{
		"userId":       m.userID,
		"connectionId": connID,
	}, m.userID, connID)
	if err != nil {
		c.logger.Warn("participant_left not broadcast", zap.String("session_id", m.sessionID), zap.Error(err))
	}

	c.logger.Info("Connection left session",
		zap.String("connection_id", connID),
		zap.String("session_id", m.sessionID),
		zap.String("user_id", m.userID),
	)
	return result
}

// SessionOf returns the session connID has joined.
func (c *Coordinator) SessionOf(connID string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.members[connID]
	return m.sessionID, ok
}

// Members returns the distinct users joined to sessionID on this instance.
func (c *Coordinator) Members(sessionID string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	r, ok := c.rooms[sessionID]
	if !ok {
		return []string{}
	}
	seen := make(map[string]struct{}, len(r.conns))
	users := make([]string, 0, len(r.conns))
	for _, conn := range r.conns {
		if _, dup := seen[conn.UserID()]; dup {
			continue
		}
		seen[conn.UserID()] = struct{}{}
		users = append(users, conn.UserID())
	}
	sort.Strings(users)
	return users
}

// Session returns the cached metadata of a session with local members.
func (c *Coordinator) Session(sessionID string) (*types.SessionInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.rooms[sessionID]
	if !ok {
		return nil, false
	}
	return r.info, true
}

// Sessions lists sessions that have members on this instance.
func (c *Coordinator) Sessions() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.rooms))
	for id := range c.rooms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Revalidate re-reads metadata for every session with local members and
// closes the members of sessions that are gone or no longer active. It
// returns the number of connections closed.
func (c *Coordinator) Revalidate(ctx context.Context) int {
	closed := 0
	for _, sessionID := range c.Sessions() {
		info, err := c.loadSession(ctx, sessionID)
		if err != nil && !errors.Is(err, types.ErrSessionNotFound) {
			c.logger.Warn("Session revalidation failed", zap.String("session_id", sessionID), zap.Error(err))
			continue
		}
		if err == nil && info.IsActive {
			c.mu.Lock()
			if r, ok := c.rooms[sessionID]; ok {
				r.info = info
			}
			c.mu.Unlock()
			continue
		}

		sessionErr := types.ErrSessionInactive
		if err != nil {
			sessionErr = types.ErrSessionNotFound
		}

		conns := c.roomConnections(sessionID)
		for _, conn := range conns {
			_ = conn.WriteJSON(types.NewErrorEnvelope(sessionID, sessionErr))
			if err := c.directory.Close(conn.ID(), CloseSessionInactive, ReasonSessionInactive); err != nil {
				c.logger.Debug("Close after revalidation failed", zap.String("connection_id", conn.ID()), zap.Error(err))
			}
			// The directory close hook normally leaves; this covers connections
			// it no longer tracks.
			_ = c.Forget(ctx, conn.ID())
		}
		closed += len(conns)
		c.logger.Info("Closed members of inactive session",
			zap.String("session_id", sessionID),
			zap.Int("connections", len(conns)),
		)
	}
	return closed
}

func (c *Coordinator) roomConnections(sessionID string) []interfaces.Connection {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.rooms[sessionID]
	if !ok {
		return nil
	}
	conns := make([]interfaces.Connection, 0, len(r.conns))
	for _, conn := range r.conns {
		conns = append(conns, conn)
	}
	sort.Slice(conns, func(i, j int) bool { return conns[i].ID() < conns[j].ID() })
	return conns
}
