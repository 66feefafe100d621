package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"collabgate/pkg/types"
)

// ConnectionOptions tunes the per-socket writer and inbound rate limit.
type ConnectionOptions struct {
	SendBuffer        int
	WriteTimeout      time.Duration
	MessagesPerSecond float64
	MessageBurst      int
}

// DefaultConnectionOptions matches the defaults in config.
func DefaultConnectionOptions() ConnectionOptions {
	return ConnectionOptions{
		SendBuffer:        100,
		WriteTimeout:      5 * time.Second,
		MessagesPerSecond: 20,
		MessageBurst:      40,
	}
}

type frame struct {
	messageType int
	data        []byte
}

// Connection implements interfaces.Connection over a gorilla socket.
// All writes go through a single writer goroutine.
type Connection struct {
	conn         *websocket.Conn
	writeCh      chan frame
	writeTimeout time.Duration
	limiter      *rate.Limiter

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	done      chan struct{}

	mu               sync.RWMutex
	id               string
	userID           string
	anonymous        bool
	sessionID        string
	status           string
	connectedAt      time.Time
	lastPingSent     time.Time
	lastPongReceived time.Time
	lastMessageAt    time.Time
}

// NewConnection wraps an upgraded socket for an authenticated user and
// starts its writer.
func NewConnection(conn *websocket.Conn, userID string, anonymous bool, opts ConnectionOptions) *Connection {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 100
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}

	limit := rate.Inf
	if opts.MessagesPerSecond > 0 {
		limit = rate.Limit(opts.MessagesPerSecond)
	}
	burst := opts.MessageBurst
	if burst <= 0 {
		burst = 1
	}

	now := time.Now()
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		conn:             conn,
		writeCh:          make(chan frame, opts.SendBuffer),
		writeTimeout:     opts.WriteTimeout,
		limiter:          rate.NewLimiter(limit, burst),
		ctx:              ctx,
		cancel:           cancel,
		done:             make(chan struct{}),
		userID:           userID,
		anonymous:        anonymous,
		status:           types.ConnectionConnecting,
		connectedAt:      now,
		lastPongReceived: now,
		lastMessageAt:    now,
	}

	go c.writeLoop()

	return c
}

func (c *Connection) writeLoop() {
	defer close(c.done)
	defer c.cancel()

	for {
		select {
		case f := <-c.writeCh:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
				_ = c.conn.Close()
				return
			}
			if err := c.conn.WriteMessage(f.messageType, f.data); err != nil {
				// Unblocks the read loop so the registry tears the connection down.
				_ = c.conn.Close()
				return
			}
			if f.messageType == websocket.CloseMessage {
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// WriteJSON marshals v and queues it for the writer. It never waits for the
// network: a full send buffer drops the message and closes the connection
// as a slow consumer.
func (c *Connection) WriteJSON(v interface{}) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	data, err := json.Marshal(v)
	if err != nil {
		return ErrInvalidJSON
	}

	select {
	case c.writeCh <- frame{messageType: websocket.TextMessage, data: data}:
		return nil
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
		go c.Close(websocket.CloseInternalServerErr, ReasonSlowConsumer)
		return ErrSendBufferFull
	}
}

// Close sends a close frame behind any queued messages and tears the
// socket down. Only the first call has any effect. When the send buffer is
// full the queued messages are discarded and the close frame goes out
// directly.
func (c *Connection) Close(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.status = types.ConnectionDisconnected
		c.mu.Unlock()

		payload := websocket.FormatCloseMessage(code, reason)
		timer := time.NewTimer(c.writeTimeout)
		defer timer.Stop()

		select {
		case c.writeCh <- frame{messageType: websocket.CloseMessage, data: payload}:
			select {
			case <-c.done:
			case <-timer.C:
			}
		case <-c.done:
		default:
			c.cancel()
			if c.conn != nil {
				_ = c.conn.WriteControl(websocket.CloseMessage, payload, time.Now().Add(time.Second))
			}
		}

		c.cancel()
		if c.conn != nil {
			err = c.conn.Close()
		}
	})
	return err
}

// Done is closed once the writer has stopped.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Allow consumes one token from the inbound message limiter.
func (c *Connection) Allow() bool {
	return c.limiter.Allow()
}

func (c *Connection) ID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.id
}

func (c *Connection) UserID() string {
	return c.userID
}

func (c *Connection) IsAnonymous() bool {
	return c.anonymous
}

func (c *Connection) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

func (c *Connection) SetSessionID(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionID = sessionID
}

// Status returns the lifecycle state.
func (c *Connection) Status() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// LastPongReceived is the last time the client proved it was alive.
func (c *Connection) LastPongReceived() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastPongReceived
}

func (c *Connection) bind(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.id = id
	c.status = types.ConnectionConnected
}

func (c *Connection) markPingSent(at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastPingSent = at
}

func (c *Connection) markPong(at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastPongReceived = at
}

func (c *Connection) markMessage(at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastMessageAt = at
}

// Record snapshots the connection for the shared store.
func (c *Connection) Record(instanceID string) types.ConnectionRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return types.ConnectionRecord{
		ID:               c.id,
		UserID:           c.userID,
		SessionID:        c.sessionID,
		InstanceID:       instanceID,
		Anonymous:        c.anonymous,
		Status:           c.status,
		ConnectedAt:      c.connectedAt,
		LastPingSent:     c.lastPingSent,
		LastPongReceived: c.lastPongReceived,
		LastMessageAt:    c.lastMessageAt,
	}
}
