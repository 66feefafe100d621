package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	dbconfig "collabgate/pkg/database"
	"collabgate/pkg/interfaces"
	"collabgate/pkg/types"
)

var (
	ErrManagerClosed = errors.New("database manager is closed")
	ErrWriteTimeout  = errors.New("write operation timeout")
)

// Manager is the SQLite-backed interfaces.SessionProvider. Reads run on the
// pool; every write goes through one goroutine.
type Manager struct {
	db           *sql.DB
	config       *dbconfig.Config
	logger       *zap.Logger
	writeChannel chan writeOperation
	shutdown     chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex
}

var _ interfaces.SessionProvider = (*Manager)(nil)

type writeOperation struct {
	operation func(*sql.DB) error
	result    chan error
}

// NewManager opens the database, applies migrations and starts the writer.
func NewManager(config *dbconfig.Config, logger *zap.Logger) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database config: %w", err)
	}

	db, err := sql.Open("sqlite3", config.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(config.MaxConnections)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := dbconfig.ApplySQLiteOptimizations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply SQLite optimizations: %w", err)
	}
	if err := dbconfig.NewMigrationManager(db).ApplyMigrations(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}

	m := &Manager{
		db:           db,
		config:       config,
		logger:       logger,
		writeChannel: make(chan writeOperation, 100),
		shutdown:     make(chan struct{}),
	}

	m.wg.Add(1)
	go m.writeLoop()

	return m, nil
}

func (m *Manager) writeLoop() {
	defer m.wg.Done()

	for {
		select {
		case op := <-m.writeChannel:
			op.result <- m.runWrite(op.operation)
		case <-m.shutdown:
			m.logger.Debug("Database write loop shutting down")
			return
		}
	}
}

// runWrite retries a busy or locked database a few times before giving up.
func (m *Manager) runWrite(operation func(*sql.DB) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = 5 * time.Second

	return backoff.RetryNotify(func() error {
		err := operation(m.db)
		if err != nil && !isBusy(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b, func(err error, wait time.Duration) {
		m.logger.Warn("Database write failed, retrying", zap.Duration("backoff", wait), zap.Error(err))
	})
}

func isBusy(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "database table is locked")
}

func (m *Manager) executeWrite(ctx context.Context, operation func(*sql.DB) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrManagerClosed
	}
	m.mu.RUnlock()

	result := make(chan error, 1)
	timer := time.NewTimer(m.config.WriteTimeout)
	defer timer.Stop()

	select {
	case m.writeChannel <- writeOperation{operation: operation, result: result}:
	case <-timer.C:
		return ErrWriteTimeout
	case <-ctx.Done():
		return ctx.Err()
	case <-m.shutdown:
		return ErrManagerClosed
	}

	select {
	case err := <-result:
		return err
	case <-timer.C:
		return ErrWriteTimeout
	}
}

// UpsertSession creates or replaces session metadata.
func (m *Manager) UpsertSession(ctx context.Context, session *types.SessionInfo) error {
	if !types.IsValidIdentifier(session.ID) {
		return fmt.Errorf("invalid session id %q", session.ID)
	}
	if session.Capacity < 0 {
		return fmt.Errorf("capacity must not be negative")
	}
	createdAt := session.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	return m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO sessions (id, name, is_active, allow_anonymous, capacity, created_by, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				name = excluded.name,
				is_active = excluded.is_active,
				allow_anonymous = excluded.allow_anonymous,
				capacity = excluded.capacity,
				created_by = excluded.created_by
		`,
			session.ID,
			session.Name,
			session.IsActive,
			session.AllowAnonymous,
			session.Capacity,
			session.CreatedBy,
			createdAt,
		)
		if err != nil {
			return fmt.Errorf("failed to upsert session: %w", err)
		}
		return nil
	})
}

// SetSessionActive flips the active flag. Unknown ids return
// interfaces.ErrSessionNotFound.
func (m *Manager) SetSessionActive(ctx context.Context, sessionID string, active bool) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, `UPDATE sessions SET is_active = ? WHERE id = ?`, active, sessionID)
		if err != nil {
			return fmt.Errorf("failed to update session: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to update session: %w", err)
		}
		if n == 0 {
			return interfaces.ErrSessionNotFound
		}
		return nil
	})
}

// GetSession reads session metadata.
func (m *Manager) GetSession(ctx context.Context, sessionID string) (*types.SessionInfo, error) {
	row := m.db.QueryRowContext(ctx, `
		SELECT id, name, is_active, allow_anonymous, capacity, created_by, created_at
		FROM sessions
		WHERE id = ?
	`, sessionID)

	var s types.SessionInfo
	err := row.Scan(&s.ID, &s.Name, &s.IsActive, &s.AllowAnonymous, &s.Capacity, &s.CreatedBy, &s.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, interfaces.ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to query session: %w", err)
	}
	return &s, nil
}

// ListActiveSessions returns active sessions, newest first.
func (m *Manager) ListActiveSessions(ctx context.Context) ([]*types.SessionInfo, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT id, name, is_active, allow_anonymous, capacity, created_by, created_at
		FROM sessions
		WHERE is_active = 1
		ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query active sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*types.SessionInfo
	for rows.Next() {
		var s types.SessionInfo
		if err := rows.Scan(&s.ID, &s.Name, &s.IsActive, &s.AllowAnonymous, &s.Capacity, &s.CreatedBy, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		sessions = append(sessions, &s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating session rows: %w", err)
	}
	return sessions, nil
}

// GetSessionParticipants lists participants ordered by join time.
func (m *Manager) GetSessionParticipants(ctx context.Context, sessionID string) ([]types.Participant, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT user_id, role, joined_at
		FROM session_participants
		WHERE session_id = ?
		ORDER BY joined_at ASC, user_id ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query participants: %w", err)
	}
	defer func() { _ = rows.Close() }()

	participants := []types.Participant{}
	for rows.Next() {
		var p types.Participant
		if err := rows.Scan(&p.UserID, &p.Role, &p.JoinedAt); err != nil {
			return nil, fmt.Errorf("failed to scan participant row: %w", err)
		}
		participants = append(participants, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating participant rows: %w", err)
	}
	return participants, nil
}

// AddParticipant records a participant. Adding the same user twice keeps the
// first row.
func (m *Manager) AddParticipant(ctx context.Context, sessionID string, participant types.Participant) error {
	joinedAt := participant.JoinedAt
	if joinedAt.IsZero() {
		joinedAt = time.Now().UTC()
	}

	return m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO session_participants (session_id, user_id, role, joined_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(session_id, user_id) DO NOTHING
		`, sessionID, participant.UserID, participant.Role, joinedAt)
		if err != nil {
			if isForeignKeyViolation(err) {
				return interfaces.ErrSessionNotFound
			}
			return fmt.Errorf("failed to insert participant: %w", err)
		}
		return nil
	})
}

func isForeignKeyViolation(err error) bool {
	return strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}

// HealthCheck validates database connectivity
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	var n int
	if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sessions").Scan(&n); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}
	return nil
}

// GetDB returns the underlying connection pool.
func (m *Manager) GetDB() *sql.DB {
	return m.db
}

// Close stops the writer and closes the pool. Safe to call twice.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.shutdown)
	m.wg.Wait()

	if err := m.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}
