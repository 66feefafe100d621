package hub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"collabgate/internal/admission"
	"collabgate/internal/broadcast"
	"collabgate/internal/metrics"
	"collabgate/internal/presence"
	"collabgate/internal/session"
	"collabgate/internal/websocket"
	"collabgate/pkg/types"
)

// Options sets the periods of the background tasks the hub owns.
type Options struct {
	PresenceCleanupInterval time.Duration
	RevalidateInterval      time.Duration
	SeatRefreshInterval     time.Duration
}

// Hub dispatches client envelopes to the coordinator, presence tracker,
// broadcaster and admission controller, and owns the background tasks.
type Hub struct {
	registry    *websocket.Registry
	coordinator *session.Coordinator
	tracker     *presence.Tracker
	broadcaster *broadcast.Broadcaster
	admission   *admission.Controller
	opts        Options
	logger      *zap.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewHub creates a hub and hooks session cleanup into connection close.
func NewHub(
	registry *websocket.Registry,
	coordinator *session.Coordinator,
	tracker *presence.Tracker,
	broadcaster *broadcast.Broadcaster,
	controller *admission.Controller,
	opts Options,
	logger *zap.Logger,
) *Hub {
	if opts.PresenceCleanupInterval <= 0 {
		opts.PresenceCleanupInterval = 30 * time.Second
	}
	if opts.RevalidateInterval <= 0 {
		opts.RevalidateInterval = 30 * time.Second
	}
	if opts.SeatRefreshInterval <= 0 {
		opts.SeatRefreshInterval = session.DefaultSeatTTL / 3
	}

	h := &Hub{
		registry:    registry,
		coordinator: coordinator,
		tracker:     tracker,
		broadcaster: broadcaster,
		admission:   controller,
		opts:        opts,
		logger:      logger,
	}

	registry.OnClose(func(ctx context.Context, conn *websocket.Connection) {
		if err := coordinator.Forget(ctx, conn.ID()); err != nil {
			logger.Warn("Session cleanup after close failed",
				zap.String("connection_id", conn.ID()),
				zap.Error(err),
			)
		}
	})

	return h
}

// Start launches the heartbeat sweep, presence cleanup, session
// revalidation, seat refresh and the cross-instance relay.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return ErrHubAlreadyRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	if err := h.broadcaster.StartRelay(ctx); err != nil {
		cancel()
		return err
	}
	if err := h.registry.Start(ctx); err != nil {
		cancel()
		return err
	}

	h.cancel = cancel
	h.running = true

	h.every(ctx, h.opts.PresenceCleanupInterval, func(ctx context.Context) {
		removed := h.tracker.CleanupStale(ctx, h.tracker.ExpiryWindow())
		evicted := h.broadcaster.PruneAll()
		if removed > 0 || evicted > 0 {
			h.logger.Debug("Cleanup pass",
				zap.Int("presence_removed", removed),
				zap.Int("events_evicted", evicted),
			)
		}
	})
	h.every(ctx, h.opts.RevalidateInterval, func(ctx context.Context) {
		h.coordinator.Revalidate(ctx)
	})
	h.every(ctx, h.opts.SeatRefreshInterval, func(ctx context.Context) {
		h.coordinator.RefreshSeats(ctx)
	})

	h.logger.Info("Hub started")
	return nil
}

func (h *Hub) every(ctx context.Context, interval time.Duration, fn func(ctx context.Context)) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn(ctx)
			}
		}
	}()
}

// Stop ends every background task and closes all connections.
func (h *Hub) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return ErrHubNotRunning
	}
	h.running = false
	cancel := h.cancel
	h.cancel = nil
	h.mu.Unlock()

	cancel()
	h.registry.Stop()
	h.wg.Wait()
	h.broadcaster.WaitRelay()
	h.registry.CloseAll(1001, websocket.ReasonShuttingDown)

	h.logger.Info("Hub stopped")
	return nil
}

// HandleMessage decodes one inbound frame and answers it. Every failure is
// reported back to the client as an error envelope.
func (h *Hub) HandleMessage(ctx context.Context, conn *websocket.Connection, raw []byte) {
	env, err := types.ParseEnvelope(raw)
	if err != nil {
		metrics.MessagesReceived.WithLabelValues("invalid").Inc()
		h.reply(conn, types.NewErrorEnvelope(conn.SessionID(), err))
		return
	}
	metrics.MessagesReceived.WithLabelValues(env.Type).Inc()

	var reply *types.Envelope
	switch env.Type {
	case types.MessageTypeJoin:
		reply, err = h.handleJoin(ctx, conn, env)
	case types.MessageTypeLeave:
		reply, err = h.handleLeave(ctx, conn)
	case types.MessageTypeHeartbeat:
		reply, err = h.handleHeartbeat(ctx, conn, env)
	case types.MessageTypeEvent:
		reply, err = h.handleEvent(ctx, conn, env)
	case types.MessageTypeAck:
		err = h.handleAck(conn, env)
	}

	if err != nil {
		sessionID := env.SessionID
		if sessionID == "" {
			sessionID = conn.SessionID()
		}
		h.logger.Debug("Message rejected",
			zap.String("connection_id", conn.ID()),
			zap.String("type", env.Type),
			zap.Error(err),
		)
		h.reply(conn, types.NewErrorEnvelope(sessionID, err))
		return
	}
	if reply != nil {
		h.reply(conn, reply)
	}
}

func (h *Hub) reply(conn *websocket.Connection, env *types.Envelope) {
	if err := conn.WriteJSON(env); err != nil {
		h.logger.Debug("Reply not delivered",
			zap.String("connection_id", conn.ID()),
			zap.String("type", env.Type),
			zap.Error(err),
		)
	}
}

func (h *Hub) handleJoin(ctx context.Context, conn *websocket.Connection, env *types.Envelope) (*types.Envelope, error) {
	if env.SessionID == "" {
		return nil, ErrSessionIDRequired
	}

	var since *int64
	if seq, ok := env.Int64Field("sinceSequence"); ok {
		since = &seq
	}

	result, err := h.coordinator.JoinSession(ctx, conn.ID(), env.SessionID, env.UserID, since)
	if err != nil {
		return nil, err
	}
	return types.NewAck(env.SessionID, "Joined session successfully", map[string]interface{}{
		"session":      result.Session,
		"recentEvents": result.RecentEvents,
		"presence":     result.Presence,
	}), nil
}

func (h *Hub) handleLeave(ctx context.Context, conn *websocket.Connection) (*types.Envelope, error) {
	sessionID, joined := h.coordinator.SessionOf(conn.ID())
	if !joined {
		return nil, types.ErrNotInSession
	}
	if err := h.coordinator.LeaveSession(ctx, conn.ID()); err != nil {
		return nil, err
	}
	return types.NewAck(sessionID, "Left session", nil), nil
}

func (h *Hub) handleHeartbeat(ctx context.Context, conn *websocket.Connection, env *types.Envelope) (*types.Envelope, error) {
	if err := h.registry.RecordHeartbeat(ctx, conn.ID()); err != nil {
		h.logger.Warn("Heartbeat not recorded", zap.String("connection_id", conn.ID()), zap.Error(err))
	}
	if err := h.tracker.UpdateHeartbeat(ctx, conn.ID()); err != nil {
		h.logger.Warn("Presence heartbeat not recorded", zap.String("connection_id", conn.ID()), zap.Error(err))
	}

	if update, ok := presenceUpdate(env); ok {
		sessionID, joined := h.coordinator.SessionOf(conn.ID())
		if !joined {
			return nil, types.ErrNotInSession
		}
		rec, err := h.tracker.UpdatePresence(ctx, conn.UserID(), sessionID, update)
		if err != nil {
			return nil, err
		}
		_, err = h.broadcaster.Broadcast(ctx, sessionID, types.EventPresenceUpdated, presencePayload(rec), conn.UserID(), conn.ID())
		if err != nil {
			h.logger.Warn("presence_updated not broadcast", zap.String("session_id", sessionID), zap.Error(err))
		}
	}

	return types.NewAck("", "pong", nil), nil
}

func presenceUpdate(env *types.Envelope) (presence.Update, bool) {
	var u presence.Update
	found := false

	if status := env.StringField("status"); status != "" {
		u.Status = status
		found = true
	}
	if custom, ok := env.Data["customStatus"].(string); ok {
		u.CustomStatus = &custom
		found = true
	}
	if activity := env.MapField("activity"); activity != nil {
		a := &types.Activity{}
		a.Type, _ = activity["type"].(string)
		a.TargetID, _ = activity["targetId"].(string)
		a.Detail, _ = activity["detail"].(string)
		u.Activity = a
		found = true
	}
	return u, found
}

func presencePayload(rec types.PresenceRecord) map[string]interface{} {
	payload := map[string]interface{}{
		"userId":        rec.UserID,
		"status":        rec.Status,
		"lastHeartbeat": rec.LastHeartbeat,
	}
	if rec.CustomStatus != "" {
		payload["customStatus"] = rec.CustomStatus
	}
	if rec.LastActivity != nil {
		payload["activity"] = rec.LastActivity
	}
	return payload
}

func (h *Hub) handleEvent(ctx context.Context, conn *websocket.Connection, env *types.Envelope) (*types.Envelope, error) {
	sessionID, joined := h.coordinator.SessionOf(conn.ID())
	if !joined || (env.SessionID != "" && env.SessionID != sessionID) {
		return nil, types.ErrNotInSession
	}

	eventType := env.StringField("eventType")
	if eventType == "" {
		return nil, ErrEventTypeRequired
	}

	kind := admission.KindEvent
	if op := env.StringField("operation"); op != "" {
		parsed, ok := admission.ParseKind(op)
		if !ok {
			return nil, ErrUnknownOperation
		}
		kind = parsed
	}

	payload := env.MapField("payload")
	size := 0
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, types.NewError(types.KindValidation, types.CodeInvalidMessage, "Invalid event payload")
		}
		size = len(data)
	}

	req := admission.Request{
		UserID:      conn.UserID(),
		Kind:        kind,
		SessionID:   sessionID,
		ContentSize: int64(size),
	}
	if info, ok := h.coordinator.Session(sessionID); ok {
		req.SessionStartedAt = info.CreatedAt
	}

	var evt *types.Event
	err := h.admission.Run(ctx, req, func(ctx context.Context) error {
		var err error
		evt, err = h.broadcaster.Broadcast(ctx, sessionID, eventType, payload, conn.UserID(), conn.ID())
		return err
	})
	if err != nil {
		return nil, err
	}

	ack := types.NewAck(sessionID, "Event broadcast", map[string]interface{}{
		"eventId":        evt.ID,
		"sequenceNumber": evt.SequenceNumber,
	})
	ack.SequenceNumber = evt.SequenceNumber
	ack.MessageID = evt.ID
	return ack, nil
}

func (h *Hub) handleAck(conn *websocket.Connection, env *types.Envelope) error {
	eventID := env.StringField("eventId")
	if eventID == "" {
		eventID = env.MessageID
	}
	if eventID == "" {
		return ErrEventIDRequired
	}
	if !h.broadcaster.MarkDelivered(eventID, conn.ID()) {
		h.logger.Debug("Ack for unknown event",
			zap.String("connection_id", conn.ID()),
			zap.String("event_id", eventID),
		)
	}
	return nil
}
