package websocket

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"collabgate/internal/admission"
	"collabgate/internal/auth"
	"collabgate/internal/metrics"
	"collabgate/pkg/types"
)

// ConnectionAdmitter decides whether another socket may be accepted.
type ConnectionAdmitter interface {
	CheckConnectionAdmission() admission.Result
}

// TokenValidator verifies the handshake token.
type TokenValidator interface {
	Validate(ctx context.Context, token string) (*auth.Claims, error)
}

// MessageHandler receives every inbound text frame of a registered connection.
type MessageHandler interface {
	HandleMessage(ctx context.Context, conn *Connection, raw []byte)
}

// HandlerOptions configures the upgrade and the per-connection read loop.
type HandlerOptions struct {
	TokenQueryParam   string
	AllowedOrigins    []string
	MaxMessageSize    int64
	HeartbeatInterval time.Duration
	Connection        ConnectionOptions
}

// Handler upgrades HTTP requests, authenticates them and pumps inbound
// frames into a MessageHandler.
type Handler struct {
	registry  *Registry
	admitter  ConnectionAdmitter
	validator TokenValidator
	messages  MessageHandler
	upgrader  websocket.Upgrader
	opts      HandlerOptions
	logger    *zap.Logger
}

// NewHandler creates a handler. Every dependency is required.
func NewHandler(registry *Registry, admitter ConnectionAdmitter, validator TokenValidator, messages MessageHandler, opts HandlerOptions, logger *zap.Logger) *Handler {
	if opts.TokenQueryParam == "" {
		opts.TokenQueryParam = "token"
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = types.MaxEnvelopeSize
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}

	return &Handler{
		registry:  registry,
		admitter:  admitter,
		validator: validator,
		messages:  messages,
		upgrader: websocket.Upgrader{
			CheckOrigin:      originChecker(opts.AllowedOrigins),
			HandshakeTimeout: 10 * time.Second,
		},
		opts:   opts,
		logger: logger,
	}
}

// originChecker allows every origin when none are configured.
func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(r *http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		if origin == "*" {
			return func(r *http.Request) bool { return true }
		}
		set[strings.TrimRight(origin, "/")] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[strings.TrimRight(origin, "/")]
		return ok
	}
}

// ServeHTTP handles GET /ws?token=<jwt>.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	// Early rejection; Register enforces the cap atomically.
	if result := h.admitter.CheckConnectionAdmission(); !result.Allowed {
		h.reject(ws, websocket.ClosePolicyViolation, ReasonServerCapacity, "capacity")
		return
	}

	token := h.extractToken(r)
	if token == "" {
		h.reject(ws, websocket.ClosePolicyViolation, ReasonAuthRequired, "missing_token")
		return
	}

	claims, err := h.validator.Validate(r.Context(), token)
	if err != nil {
		h.logger.Info("Rejecting connection with invalid token", zap.Error(err))
		reason := ReasonInvalidToken
		if errors.Is(err, auth.ErrTokenMissing) {
			reason = ReasonAuthRequired
		}
		h.reject(ws, websocket.ClosePolicyViolation, reason, "invalid_token")
		return
	}

	conn := NewConnection(ws, claims.UserID(), claims.Anonymous, h.opts.Connection)
	connID, err := h.registry.Register(r.Context(), claims.UserID(), conn)
	if errors.Is(err, ErrAtCapacity) {
		metrics.RejectedConnections.WithLabelValues("capacity").Inc()
		_ = conn.Close(websocket.ClosePolicyViolation, ReasonServerCapacity)
		return
	}
	if err != nil {
		h.logger.Error("Failed to register connection",
			zap.String("user_id", claims.UserID()),
			zap.Error(err),
		)
		metrics.RejectedConnections.WithLabelValues("registration").Inc()
		_ = conn.Close(websocket.CloseInternalServerErr, ReasonRegistration)
		return
	}

	go h.handleConnection(conn, connID)
}

func (h *Handler) extractToken(r *http.Request) string {
	if token := r.URL.Query().Get(h.opts.TokenQueryParam); token != "" {
		return token
	}
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return ""
}

func (h *Handler) reject(ws *websocket.Conn, code int, reason, metric string) {
	metrics.RejectedConnections.WithLabelValues(metric).Inc()
	deadline := time.Now().Add(time.Second)
	if err := ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline); err != nil {
		h.logger.Debug("Failed to send close frame", zap.Error(err))
	}
	_ = ws.Close()
}

// handleConnection runs the read pump and the protocol ping ticker until the
// socket fails or the registry closes it.
func (h *Handler) handleConnection(conn *Connection, connID string) {
	defer func() {
		_ = h.registry.Close(connID, websocket.CloseNormalClosure, "")
	}()

	conn.conn.SetReadLimit(h.opts.MaxMessageSize)
	conn.conn.SetPongHandler(func(string) error {
		conn.markPong(time.Now())
		return nil
	})

	go h.pingLoop(conn)

	ctx := context.Background()
	for {
		messageType, data, err := conn.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.Info("WebSocket read failed", zap.String("connection_id", connID), zap.Error(err))
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		conn.markMessage(time.Now())
		if !conn.Allow() {
			rateErr := types.NewRateLimitError(types.CodeMessageRateExceeded, "Too many messages", time.Second)
			if err := conn.WriteJSON(types.NewErrorEnvelope(conn.SessionID(), rateErr)); err != nil {
				return
			}
			continue
		}

		h.messages.HandleMessage(ctx, conn, data)
	}
}

func (h *Handler) pingLoop(conn *Connection) {
	ticker := time.NewTicker(h.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := time.Now()
			if err := conn.conn.WriteControl(websocket.PingMessage, nil, now.Add(10*time.Second)); err != nil {
				return
			}
			conn.markPingSent(now)
		case <-conn.ctx.Done():
			return
		}
	}
}
