// Package broadcast sequences session events, fans them out to the session's
// connections and keeps the bounded replay window.
package broadcast

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"collabgate/internal/broker"
	"collabgate/internal/metrics"
	"collabgate/internal/store"
	"collabgate/pkg/interfaces"
	"collabgate/pkg/types"
)

// Options configures a Broadcaster.
type Options struct {
	MaxEvents  int
	MaxAge     time.Duration
	InstanceID string
	Topic      string // relay topic; used only with a broker
}

// Broadcaster owns the fan-out set of every session on this instance.
// Sequence numbers come from the shared store, so they are strictly
// increasing per session across the whole fleet.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]interfaces.Connection
	buffers     map[string]*ReplayBuffer
	eventIndex  map[string]string // eventID -> sessionID

	// sessionLocks serialize sequencing and fan-out per session so local
	// recipients see events in sequence order.
	locksMu      sync.Mutex
	sessionLocks map[string]*sync.Mutex

	store  interfaces.Store
	policy store.Policy
	broker broker.MessageBroker
	opts   Options
	logger *zap.Logger
	now    func() time.Time

	relayWG sync.WaitGroup
}

// DefaultMaxEvents bounds the replay window when Options.MaxEvents is unset.
const DefaultMaxEvents = 100

// NewBroadcaster builds a broadcaster. relay may be nil for a single instance.
func NewBroadcaster(st interfaces.Store, policy store.Policy, relay broker.MessageBroker, opts Options, logger *zap.Logger) *Broadcaster {
	if opts.MaxEvents <= 0 {
		opts.MaxEvents = DefaultMaxEvents
	}
	return &Broadcaster{
		subscribers:  make(map[string]map[string]interfaces.Connection),
		buffers:      make(map[string]*ReplayBuffer),
		eventIndex:   make(map[string]string),
		sessionLocks: make(map[string]*sync.Mutex),
		store:        st,
		policy:       policy,
		broker:       relay,
		opts:         opts,
		logger:       logger,
		now:          time.Now,
	}
}

func (b *Broadcaster) sessionLock(sessionID string) *sync.Mutex {
	b.locksMu.Lock()
	defer b.locksMu.Unlock()
	l, ok := b.sessionLocks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		b.sessionLocks[sessionID] = l
	}
	return l
}

// Subscribe adds conn to the fan-out set of sessionID.
func (b *Broadcaster) Subscribe(sessionID string, conn interfaces.Connection) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribeLocked(sessionID, conn)
}

// Join subscribes conn and returns the buffered events it should be
// replayed, in one step with respect to Broadcast: every event is either in
// the result or pushed to conn afterwards. A nil sinceSequence returns the
// latest recent events; otherwise every event after it.
func (b *Broadcaster) Join(sessionID string, conn interfaces.Connection, sinceSequence *int64, recent int) []types.Event {
	lock := b.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribeLocked(sessionID, conn)

	buf, ok := b.buffers[sessionID]
	if !ok {
		return []types.Event{}
	}
	b.forgetLocked(buf.Prune(b.now()))
	if sinceSequence != nil {
		return buf.Since(*sinceSequence)
	}
	return buf.Last(recent)
}

func (b *Broadcaster) subscribeLocked(sessionID string, conn interfaces.Connection) {
	subs, ok := b.subscribers[sessionID]
	if !ok {
		subs = make(map[string]interfaces.Connection)
		b.subscribers[sessionID] = subs
	}
	subs[conn.ID()] = conn
}

// Unsubscribe removes connID from sessionID and forgets its delivery state.
func (b *Broadcaster) Unsubscribe(sessionID, connID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if subs, ok := b.subscribers[sessionID]; ok {
		delete(subs, connID)
		if len(subs) == 0 {
			delete(b.subscribers, sessionID)
		}
	}
	if buf, ok := b.buffers[sessionID]; ok {
		for _, e := range buf.entries {
			delete(e.status, connID)
		}
	}
}

// Subscribers returns the local connections of sessionID ordered by id.
func (b *Broadcaster) Subscribers(sessionID string) []interfaces.Connection {
	b.mu.RLock()
	defer b.mu.RUnlock()
	subs := b.subscribers[sessionID]
	out := make([]interfaces.Connection, 0, len(subs))
	for _, c := range subs {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// IsSubscribed reports whether connID is in the fan-out set of sessionID.
func (b *Broadcaster) IsSubscribed(sessionID, connID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.subscribers[sessionID][connID]
	return ok
}

func (b *Broadcaster) nextSequence(ctx context.Context, sessionID string) (int64, error) {
	var seq int64
	err := store.Do(ctx, b.policy, "Failed to assign sequence number", func(ctx context.Context) error {
		var err error
		seq, err = b.store.Incr(ctx, store.SequenceKey(sessionID))
		return err
	})
	return seq, err
}

// Broadcast sequences a new event, buffers it and pushes it to every local
// subscriber except originConnID. A failing recipient is logged and skipped.
// With a broker configured the event is also relayed to other instances.
func (b *Broadcaster) Broadcast(ctx context.Context, sessionID, eventType string, payload map[string]interface{}, originUserID, originConnID string) (*types.Event, error) {
	lock := b.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	seq, err := b.nextSequence(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	evt := types.Event{
		ID:             uuid.New().String(),
		SessionID:      sessionID,
		SequenceNumber: seq,
		Type:           eventType,
		Payload:        payload,
		OriginUserID:   originUserID,
		CreatedAt:      b.now(),
	}

	if !b.deliverLocal(evt, originConnID) {
		b.logger.Warn("sequence number already buffered",
			zap.String("session_id", sessionID),
			zap.Int64("sequence", seq))
	}
	metrics.EventsBroadcast.WithLabelValues("local").Inc()

	if b.broker != nil {
		b.relay(ctx, evt)
	}
	return &evt, nil
}

// deliverLocal buffers evt and writes it to every subscriber but exclude.
// It reports false when evt was already buffered, in which case nothing is sent.
func (b *Broadcaster) deliverLocal(evt types.Event, exclude string) bool {
	b.mu.Lock()
	buf, ok := b.buffers[evt.SessionID]
	if !ok {
		buf = NewReplayBuffer(b.opts.MaxEvents, b.opts.MaxAge)
		b.buffers[evt.SessionID] = buf
	}
	now := b.now()
	e, inserted := buf.insert(evt, now)
	if !inserted {
		b.mu.Unlock()
		return false
	}
	b.eventIndex[evt.ID] = evt.SessionID
	b.forgetLocked(buf.Prune(now))

	recipients := make([]interfaces.Connection, 0, len(b.subscribers[evt.SessionID]))
	for id, c := range b.subscribers[evt.SessionID] {
		if id == exclude {
			continue
		}
		e.status[id] = types.DeliveryPending
		recipients = append(recipients, c)
	}
	b.mu.Unlock()

	env := types.NewEventEnvelope(&evt)
	for _, c := range recipients {
		if err := c.WriteJSON(env); err != nil {
			metrics.DeliveryFailures.Inc()
			b.logger.Warn("failed to deliver event",
				zap.String("connection_id", c.ID()),
				zap.String("session_id", evt.SessionID),
				zap.Int64("sequence", evt.SequenceNumber),
				zap.Error(err))
		}
	}
	return true
}

// forgetLocked drops index entries for evicted events. b.mu must be held.
func (b *Broadcaster) forgetLocked(eventIDs []string) {
	for _, id := range eventIDs {
		delete(b.eventIndex, id)
	}
}

// MarkDelivered records connID's acknowledgement of eventID. It returns false
// if the event is unknown or was never sent to connID.
func (b *Broadcaster) MarkDelivered(eventID, connID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	sessionID, ok := b.eventIndex[eventID]
	if !ok {
		return false
	}
	e := b.buffers[sessionID].find(eventID)
	if e == nil {
		return false
	}
	if _, sent := e.status[connID]; !sent {
		return false
	}
	e.status[connID] = types.DeliveryDelivered
	return true
}

// ReplayEvents returns buffered events of sessionID with a sequence number
// strictly greater than sinceSequence, ascending and without duplicates.
func (b *Broadcaster) ReplayEvents(sessionID string, sinceSequence int64) []types.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	buf, ok := b.buffers[sessionID]
	if !ok {
		return []types.Event{}
	}
	b.forgetLocked(buf.Prune(b.now()))
	return buf.Since(sinceSequence)
}

// RecentEvents returns up to n of the latest buffered events, ascending.
func (b *Broadcaster) RecentEvents(sessionID string, n int) []types.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	buf, ok := b.buffers[sessionID]
	if !ok {
		return []types.Event{}
	}
	b.forgetLocked(buf.Prune(b.now()))
	return buf.Last(n)
}

// PendingFor returns the buffered events sent to connID that it has not
// acknowledged yet, ascending.
func (b *Broadcaster) PendingFor(sessionID, connID string) []types.Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	buf, ok := b.buffers[sessionID]
	if !ok {
		return []types.Event{}
	}
	out := make([]types.Event, 0)
	for _, e := range buf.entries {
		if e.status[connID] == types.DeliveryPending {
			out = append(out, e.event)
		}
	}
	return out
}

// PruneAll enforces the replay bounds on every session and drops buffers
// that are empty and have no subscribers.
func (b *Broadcaster) PruneAll() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	evicted := 0
	for sessionID, buf := range b.buffers {
		ids := buf.Prune(now)
		evicted += len(ids)
		b.forgetLocked(ids)
		if buf.Len() == 0 && len(b.subscribers[sessionID]) == 0 {
			delete(b.buffers, sessionID)
		}
	}
	return evicted
}

func (b *Broadcaster) relay(ctx context.Context, evt types.Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		b.logger.Error("failed to encode relay event", zap.Error(err))
		return
	}
	msg := broker.Message{InstanceID: b.opts.InstanceID, SessionID: evt.SessionID, Payload: data}
	if err := b.broker.Publish(ctx, b.opts.Topic, msg); err != nil {
		b.logger.Warn("failed to relay event",
			zap.String("session_id", evt.SessionID),
			zap.Int64("sequence", evt.SequenceNumber),
			zap.String("broker", b.broker.Type()),
			zap.Error(err))
	}
}

// StartRelay subscribes to the relay topic and delivers events published by
// other instances until ctx ends. It is a no-op without a broker.
func (b *Broadcaster) StartRelay(ctx context.Context) error {
	if b.broker == nil {
		return nil
	}
	msgs, err := b.broker.Subscribe(ctx, b.opts.Topic)
	if err != nil {
		return err
	}
	b.relayWG.Add(1)
	go func() {
		defer b.relayWG.Done()
		for {
			select {
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				b.handleRelay(msg)
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

// WaitRelay blocks until the relay loop started by StartRelay has exited.
func (b *Broadcaster) WaitRelay() {
	b.relayWG.Wait()
}

func (b *Broadcaster) handleRelay(msg broker.Message) {
	if msg.InstanceID == b.opts.InstanceID {
		return
	}
	var evt types.Event
	if err := json.Unmarshal(msg.Payload, &evt); err != nil {
		b.logger.Warn("dropping undecodable relay event", zap.String("from", msg.InstanceID), zap.Error(err))
		return
	}
	if evt.SessionID == "" {
		evt.SessionID = msg.SessionID
	}

	lock := b.sessionLock(evt.SessionID)
	lock.Lock()
	defer lock.Unlock()
	if b.deliverLocal(evt, "") {
		metrics.EventsBroadcast.WithLabelValues("relay").Inc()
	}
}
