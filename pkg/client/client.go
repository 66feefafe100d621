package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"collabgate/pkg/types"
)

var (
	ErrNotConnected = errors.New("client not connected")
	ErrInvalidURL   = errors.New("invalid gateway URL")
)

// Config configures a Client.
type Config struct {
	URL               string // ws(s):// or http(s):// address of the /ws endpoint
	Token             string
	TokenQueryParam   string
	SessionID         string // joined after every successful open; optional
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	Reconnect         Options
	Dialer            *websocket.Dialer
	Logger            *zap.Logger
}

// socket is one physical connection, released at most once.
type socket struct {
	conn     *websocket.Conn
	writeMu  sync.Mutex
	lastPong time.Time
	pongMu   sync.Mutex
	lostOnce sync.Once
	done     chan struct{}
}

func (s *socket) writeJSON(v interface{}) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
		return err
	}
	return s.conn.WriteJSON(v)
}

func (s *socket) markPong(t time.Time) {
	s.pongMu.Lock()
	s.lastPong = t
	s.pongMu.Unlock()
}

func (s *socket) sincePong(now time.Time) time.Duration {
	s.pongMu.Lock()
	defer s.pongMu.Unlock()
	return now.Sub(s.lastPong)
}

// Client keeps one logical gateway connection alive across socket failures.
// It re-joins its session after each reconnect and asks for the events it
// missed via sinceSequence.
type Client struct {
	cfg     Config
	url     string
	machine *Machine
	logger  *zap.Logger

	mu      sync.Mutex
	current *socket
	lastSeq int64
	ctx     context.Context

	messages chan *types.Envelope
}

// New validates cfg and builds a disconnected client.
func New(cfg Config) (*Client, error) {
	target, err := dialURL(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 2 * cfg.HeartbeatInterval
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	c := &Client{
		cfg:      cfg,
		url:      target,
		logger:   cfg.Logger,
		ctx:      context.Background(),
		messages: make(chan *types.Envelope, 256),
	}
	c.machine = NewMachine(cfg.Reconnect, TimerScheduler(), func() { go c.dial() })
	return c, nil
}

func dialURL(cfg Config) (string, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidURL, cfg.URL)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, u.Scheme)
	}
	if cfg.Token != "" {
		param := cfg.TokenQueryParam
		if param == "" {
			param = "token"
		}
		q := u.Query()
		q.Set(param, cfg.Token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Machine exposes the reconnection state machine, e.g. for OnStateChange.
func (c *Client) Machine() *Machine {
	return c.machine
}

// State returns the current connection state.
func (c *Client) State() State {
	return c.machine.State()
}

// Messages delivers every envelope received from the gateway. Heartbeat
// acknowledgments are consumed internally.
func (c *Client) Messages() <-chan *types.Envelope {
	return c.messages
}

// LastSequence is the highest event sequence number seen so far.
func (c *Client) LastSequence() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeq
}

// Connect starts connecting in the background. ctx bounds every dial.
func (c *Client) Connect(ctx context.Context) {
	c.mu.Lock()
	c.ctx = ctx
	c.mu.Unlock()
	c.machine.Connect()
}

// Disconnect closes the socket with 1000 and stops reconnecting.
func (c *Client) Disconnect() {
	c.machine.Disconnect()

	c.mu.Lock()
	s := c.current
	c.mu.Unlock()
	if s == nil {
		return
	}

	s.writeMu.Lock()
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	s.writeMu.Unlock()
	c.release(s)
}

// Send writes an envelope on the current socket.
func (c *Client) Send(env map[string]interface{}) error {
	c.mu.Lock()
	s := c.current
	c.mu.Unlock()
	if s == nil {
		return ErrNotConnected
	}
	return s.writeJSON(env)
}

// SendEvent broadcasts eventType with payload to the joined session.
func (c *Client) SendEvent(eventType string, payload map[string]interface{}) error {
	return c.Send(map[string]interface{}{
		"type":      types.MessageTypeEvent,
		"sessionId": c.cfg.SessionID,
		"data": map[string]interface{}{
			"eventType": eventType,
			"payload":   payload,
		},
	})
}

func (c *Client) dial() {
	c.mu.Lock()
	ctx := c.ctx
	c.mu.Unlock()

	conn, _, err := c.cfg.Dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		c.logger.Debug("Gateway dial failed", zap.Error(err))
		c.machine.DialFailed(err)
		return
	}

	s := &socket{conn: conn, lastPong: time.Now(), done: make(chan struct{})}
	c.mu.Lock()
	c.current = s
	since := c.lastSeq
	c.mu.Unlock()

	c.machine.Opened()
	if c.machine.State() != StateConnected {
		// Disconnect raced the dial.
		c.release(s)
		return
	}

	go c.readLoop(s)
	go c.heartbeatLoop(s)

	if c.cfg.SessionID != "" {
		join := map[string]interface{}{
			"type":      types.MessageTypeJoin,
			"sessionId": c.cfg.SessionID,
		}
		if since > 0 {
			join["data"] = map[string]interface{}{"sinceSequence": since}
		}
		if err := s.writeJSON(join); err != nil && c.release(s) {
			c.machine.Closed(websocket.CloseAbnormalClosure)
		}
	}
}

// release closes s once and reports whether it was still the current
// socket. Only the caller that gets true may report the loss.
func (c *Client) release(s *socket) bool {
	released := false
	s.lostOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()

		c.mu.Lock()
		if c.current == s {
			c.current = nil
			released = true
		}
		c.mu.Unlock()
	})
	return released
}

func (c *Client) readLoop(s *socket) {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			code := websocket.CloseAbnormalClosure
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				code = closeErr.Code
			}
			if c.release(s) {
				c.logger.Debug("Gateway connection lost", zap.Int("code", code))
				c.machine.Closed(code)
			}
			return
		}

		var env types.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Debug("Dropping malformed envelope", zap.Error(err))
			continue
		}
		c.handle(s, &env)
	}
}

func (c *Client) handle(s *socket, env *types.Envelope) {
	switch env.Type {
	case types.MessageTypeAck:
		if env.StringField("message") == "pong" {
			s.markPong(time.Now())
			return
		}
		// A join ack replays what was missed; later rejoins resume after it.
		for _, evt := range replayedEvents(env) {
			c.advance(evt.SequenceNumber)
		}
	case types.MessageTypeEvent:
		c.advance(env.SequenceNumber)
		if env.MessageID != "" {
			ack := map[string]interface{}{"type": types.MessageTypeAck, "messageId": env.MessageID}
			if err := s.writeJSON(ack); err != nil {
				c.logger.Debug("Event ack not sent", zap.Error(err))
			}
		}
	}

	select {
	case c.messages <- env:
	default:
		c.logger.Warn("Message buffer full, dropping envelope", zap.String("type", env.Type))
	}
}

func (c *Client) advance(seq int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if seq > c.lastSeq {
		c.lastSeq = seq
	}
}

// replayedEvents decodes the recentEvents of a join acknowledgment.
func replayedEvents(env *types.Envelope) []types.Event {
	raw, ok := env.Data["recentEvents"]
	if !ok {
		return nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var events []types.Event
	if err := json.Unmarshal(data, &events); err != nil {
		return nil
	}
	return events
}

func (c *Client) heartbeatLoop(s *socket) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case now := <-ticker.C:
			if s.sincePong(now) > c.cfg.HeartbeatTimeout {
				if c.release(s) {
					c.logger.Debug("Heartbeat acknowledgment missing")
					c.machine.HeartbeatTimeout()
				}
				return
			}
			heartbeat := map[string]interface{}{"type": types.MessageTypeHeartbeat, "sessionId": c.cfg.SessionID}
			if err := s.writeJSON(heartbeat); err != nil {
				if c.release(s) {
					c.machine.Closed(websocket.CloseAbnormalClosure)
				}
				return
			}
		}
	}
}
