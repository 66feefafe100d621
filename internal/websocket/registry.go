package websocket

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"collabgate/internal/metrics"
	"collabgate/internal/store"
	"collabgate/pkg/interfaces"
	"collabgate/pkg/types"
)

// RegistryOptions configures record TTLs, the heartbeat sweep and the
// per-process connection cap. A zero MaxConnections is uncapped.
type RegistryOptions struct {
	InstanceID       string
	ConnectionTTL    time.Duration
	HeartbeatTimeout time.Duration
	SweepInterval    time.Duration
	MaxConnections   int
}

// CloseHook runs after a connection has been removed from the registry.
type CloseHook func(ctx context.Context, conn *Connection)

// Registry owns every live connection of this gateway process and mirrors
// them into the shared store.
type Registry struct {
	mu          sync.RWMutex
	connections map[string]*Connection
	pending     int // registrations holding a slot but not yet tracked
	hooks       []CloseHook

	store  interfaces.Store
	policy store.Policy
	opts   RegistryOptions
	logger *zap.Logger
	now    func() time.Time

	runMu  sync.Mutex
	cancel context.CancelFunc
	doneCh chan struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry(st interfaces.Store, policy store.Policy, opts RegistryOptions, logger *zap.Logger) *Registry {
	if opts.ConnectionTTL <= 0 {
		opts.ConnectionTTL = 2 * time.Minute
	}
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = 90 * time.Second
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 15 * time.Second
	}
	return &Registry{
		connections: make(map[string]*Connection),
		store:       st,
		policy:      policy,
		opts:        opts,
		logger:      logger,
		now:         time.Now,
	}
}

// OnClose adds a hook fired once per closed connection.
func (r *Registry) OnClose(hook CloseHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, hook)
}

// Register assigns conn a fresh id, tracks it locally and mirrors it in the
// store. The capacity slot is taken before any store write, so concurrent
// registrations never exceed MaxConnections. On store failure nothing is
// left behind.
func (r *Registry) Register(ctx context.Context, userID string, conn *Connection) (string, error) {
	if conn == nil {
		return "", ErrNilConnection
	}
	if !types.IsValidIdentifier(userID) {
		return "", ErrInvalidUserID
	}

	r.mu.Lock()
	if r.opts.MaxConnections > 0 && len(r.connections)+r.pending >= r.opts.MaxConnections {
		r.mu.Unlock()
		return "", ErrAtCapacity
	}
	r.pending++
	r.mu.Unlock()

	id := uuid.NewString()
	conn.bind(id)

	if err := r.saveRecord(ctx, conn, "Failed to register connection"); err != nil {
		r.dropPending()
		return "", err
	}
	err := store.Do(ctx, r.policy, "Failed to register connection", func(ctx context.Context) error {
		return r.store.Set(ctx, store.UserConnKey(userID, id), r.opts.InstanceID, r.opts.ConnectionTTL)
	})
	if err != nil {
		r.deleteRecord(ctx, id)
		r.dropPending()
		return "", err
	}

	r.mu.Lock()
	r.pending--
	r.connections[id] = conn
	count := len(r.connections)
	r.mu.Unlock()

	metrics.ActiveConnections.Set(float64(count))
	metrics.TotalConnections.Inc()

	r.logger.Debug("Connection registered",
		zap.String("connection_id", id),
		zap.String("user_id", userID),
		zap.Bool("anonymous", conn.IsAnonymous()),
	)
	return id, nil
}

// Close removes the connection, sends the close frame and fires the close
// hooks. Unknown or already closed ids are a no-op.
func (r *Registry) Close(connID string, code int, reason string) error {
	r.mu.Lock()
	conn, ok := r.connections[connID]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	delete(r.connections, connID)
	count := len(r.connections)
	hooks := append([]CloseHook(nil), r.hooks...)
	r.mu.Unlock()

	metrics.ActiveConnections.Set(float64(count))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, hook := range hooks {
		r.runHook(ctx, hook, conn)
	}

	closeErr := conn.Close(code, reason)

	r.deleteRecord(ctx, connID)
	r.releaseUser(ctx, conn.UserID(), connID)

	r.logger.Debug("Connection closed",
		zap.String("connection_id", connID),
		zap.String("user_id", conn.UserID()),
		zap.Int("code", code),
		zap.String("reason", reason),
	)
	return closeErr
}

func (r *Registry) runHook(ctx context.Context, hook CloseHook, conn *Connection) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("Close hook panicked",
				zap.String("connection_id", conn.ID()),
				zap.String("panic", types.DescribeCause(rec)),
			)
		}
	}()
	hook(ctx, conn)
}

// RecordHeartbeat marks the connection alive and refreshes its store TTL.
func (r *Registry) RecordHeartbeat(ctx context.Context, connID string) error {
	conn, ok := r.Get(connID)
	if !ok {
		return ErrConnectionNotFound
	}
	conn.markPong(r.now())
	return r.saveRecord(ctx, conn, "Failed to refresh connection heartbeat")
}

// UpdateSession binds the connection to sessionID locally and in the store.
// The local binding is restored if the store write fails.
func (r *Registry) UpdateSession(ctx context.Context, connID, sessionID string) error {
	conn, ok := r.Get(connID)
	if !ok {
		return ErrConnectionNotFound
	}
	previous := conn.SessionID()
	conn.SetSessionID(sessionID)
	if err := r.saveRecord(ctx, conn, "Failed to update connection session"); err != nil {
		conn.SetSessionID(previous)
		r.logger.Warn("Connection session update failed",
			zap.String("connection_id", connID),
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
		return err
	}
	return nil
}

// Get returns the live connection for connID.
func (r *Registry) Get(connID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.connections[connID]
	return conn, ok
}

// Connection returns the live connection behind the interface the session
// coordinator works with.
func (r *Registry) Connection(connID string) (interfaces.Connection, bool) {
	conn, ok := r.Get(connID)
	if !ok {
		return nil, false
	}
	return conn, true
}

// Lookup returns a snapshot of the connection record.
func (r *Registry) Lookup(connID string) (types.ConnectionRecord, bool) {
	conn, ok := r.Get(connID)
	if !ok {
		return types.ConnectionRecord{}, false
	}
	return conn.Record(r.opts.InstanceID), true
}

// IsUserConnected reports whether userID has a connection on any instance.
func (r *Registry) IsUserConnected(ctx context.Context, userID string) (bool, error) {
	var connected bool
	err := store.Do(ctx, r.policy, "Failed to check user connections", func(ctx context.Context) error {
		keys, err := r.store.Scan(ctx, store.UserConnsPrefix(userID))
		connected = len(keys) > 0
		return err
	})
	return connected, err
}

// Count returns the number of live local connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connections)
}

// GetStats returns counters for the health endpoint.
func (r *Registry) GetStats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	users := make(map[string]struct{})
	sessions := make(map[string]struct{})
	joined := 0
	for _, conn := range r.connections {
		users[conn.UserID()] = struct{}{}
		if sid := conn.SessionID(); sid != "" {
			joined++
			sessions[sid] = struct{}{}
		}
	}

	return map[string]int{
		"total_connections":  len(r.connections),
		"joined_connections": joined,
		"active_users":       len(users),
		"active_sessions":    len(sessions),
	}
}

// Sweep force-closes every connection whose last pong is older than the
// heartbeat timeout and returns how many were closed.
func (r *Registry) Sweep() int {
	cutoff := r.now().Add(-r.opts.HeartbeatTimeout)

	r.mu.RLock()
	var stale []string
	for id, conn := range r.connections {
		if conn.LastPongReceived().Before(cutoff) {
			stale = append(stale, id)
		}
	}
	r.mu.RUnlock()

	sort.Strings(stale)
	for _, id := range stale {
		metrics.HeartbeatTimeouts.Inc()
		r.logger.Info("Closing connection after heartbeat timeout", zap.String("connection_id", id))
		_ = r.Close(id, CloseHeartbeatTimeout, ReasonHeartbeatTimeout)
	}
	return len(stale)
}

// Start runs the heartbeat sweep until ctx is cancelled or Stop is called.
func (r *Registry) Start(ctx context.Context) error {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	if r.cancel != nil {
		return ErrRegistryRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.doneCh = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(r.opts.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.Sweep()
				r.Refresh(ctx)
			}
		}
	}(r.doneCh)

	return nil
}

// Stop ends the sweep and waits for it to exit.
func (r *Registry) Stop() {
	r.runMu.Lock()
	cancel, done := r.cancel, r.doneCh
	r.cancel, r.doneCh = nil, nil
	r.runMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// CloseAll closes every live connection with the same code and reason.
func (r *Registry) CloseAll(code int, reason string) {
	r.mu.RLock()
	ids := make([]string, 0, len(r.connections))
	for id := range r.connections {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		_ = r.Close(id, code, reason)
	}
}

func (r *Registry) saveRecord(ctx context.Context, conn *Connection, prefix string) error {
	data, err := json.Marshal(conn.Record(r.opts.InstanceID))
	if err != nil {
		return types.Normalize(prefix, err)
	}
	return store.Do(ctx, r.policy, prefix, func(ctx context.Context) error {
		return r.store.Set(ctx, store.ConnectionKey(conn.ID()), string(data), r.opts.ConnectionTTL)
	})
}

func (r *Registry) deleteRecord(ctx context.Context, connID string) {
	err := store.Do(ctx, r.policy, "Failed to remove connection", func(ctx context.Context) error {
		return r.store.Delete(ctx, store.ConnectionKey(connID))
	})
	if err != nil {
		r.logger.Warn("Connection record not removed from store",
			zap.String("connection_id", connID),
			zap.Error(err),
		)
	}
}

func (r *Registry) dropPending() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending--
}

// Refresh extends the store TTLs of every local connection's record and
// user key, and returns how many connections were refreshed.
func (r *Registry) Refresh(ctx context.Context) int {
	r.mu.RLock()
	conns := make([]*Connection, 0, len(r.connections))
	for _, conn := range r.connections {
		conns = append(conns, conn)
	}
	r.mu.RUnlock()

	refreshed := 0
	for _, conn := range conns {
		if err := r.saveRecord(ctx, conn, "Failed to refresh connection"); err != nil {
			r.logger.Warn("Connection record not refreshed", zap.String("connection_id", conn.ID()), zap.Error(err))
			continue
		}
		err := store.Do(ctx, r.policy, "Failed to refresh user connection", func(ctx context.Context) error {
			return r.store.Set(ctx, store.UserConnKey(conn.UserID(), conn.ID()), r.opts.InstanceID, r.opts.ConnectionTTL)
		})
		if err != nil {
			r.logger.Warn("User connection key not refreshed", zap.String("connection_id", conn.ID()), zap.Error(err))
			continue
		}
		if _, live := r.Get(conn.ID()); !live {
			r.deleteRecord(ctx, conn.ID())
			r.releaseUser(ctx, conn.UserID(), conn.ID())
			continue
		}
		refreshed++
	}
	return refreshed
}

func (r *Registry) releaseUser(ctx context.Context, userID, connID string) {
	err := store.Do(ctx, r.policy, "Failed to release user connection", func(ctx context.Context) error {
		return r.store.Delete(ctx, store.UserConnKey(userID, connID))
	})
	if err != nil {
		r.logger.Warn("User connection key not released",
			zap.String("user_id", userID),
			zap.String("connection_id", connID),
			zap.Error(err),
		)
	}
}
