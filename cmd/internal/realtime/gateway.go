package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"collab/cmd/internal/metrics"
	v1 "collab/shared/contracts/collab/v1"
)

// GatewayConfig configures a Gateway. Zero values take defaults.
type GatewayConfig struct {
	InstanceID    string
	SendQueueSize int
}

// Gateway owns the lifecycle of client connections and routes their events.
//
// It is transport-agnostic: the WebSocket layer (WSGateway) feeds decoded
// envelopes to Dispatch and drains Client.Send. Registry, RateLimiter and the
// relay are internally synchronized; the Gateway adds no caller-side locking
// around them.
type Gateway struct {
	log      *slog.Logger
	registry *Registry
	limiter  *RateLimiter
	relay    Publisher

	instanceID    string
	sendQueueSize int

	mu      sync.RWMutex
	clients map[string]*Client

	draining atomic.Bool
	now      func() time.Time
}

// NewGateway wires a Gateway. relay may be nil for a single-instance setup.
func NewGateway(log *slog.Logger, registry *Registry, limiter *RateLimiter, relay Publisher, cfg GatewayConfig) *Gateway {
	if log == nil {
		log = slog.Default()
	}
	if registry == nil {
		registry = NewRegistry(log)
	}
	if limiter == nil {
		limiter = NewRateLimiter()
	}
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = defaultSendQueueSize
	}
	return &Gateway{
		log:           log,
		registry:      registry,
		limiter:       limiter,
		relay:         relay,
		instanceID:    cfg.InstanceID,
		sendQueueSize: cfg.SendQueueSize,
		clients:       make(map[string]*Client),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// Registry exposes the room registry (read-only use).
func (g *Gateway) Registry() *Registry { return g.registry }

// Connect registers a new connection with an empty room set and greets it.
func (g *Gateway) Connect() *Client {
	now := g.now()
	c := NewClient(NewConnectionID(now), now, g.sendQueueSize)

	g.mu.Lock()
	g.clients[c.ID] = c
	g.mu.Unlock()
	g.registry.Register(c.ID)

	metrics.ConnectionsTotal.Inc()
	metrics.ConnectionsActive.Inc()
	g.log.Info("conn.open", "connection_id", c.ID)

	g.reply(c, v1.TypeConnected, v1.ConnectedPayload{
		ConnectionID: c.ID,
		InstanceID:   g.instanceID,
		Timestamp:    now,
	})
	return c
}

// Disconnect removes the connection from every room, forgets it, releases its
// rate-limit state and closes it. It is the authoritative last step for a
// connection and is idempotent.
func (g *Gateway) Disconnect(c *Client) {
	if c == nil {
		return
	}

	g.mu.Lock()
	cur, ok := g.clients[c.ID]
	if ok && cur == c {
		delete(g.clients, c.ID)
	}
	g.mu.Unlock()

	rooms := g.registry.Unregister(c.ID)
	g.limiter.Release(c.ID)
	c.Close()

	if ok {
		metrics.ConnectionsActive.Dec()
		metrics.RoomsActive.Set(float64(g.registry.Rooms()))
		g.log.Info("conn.close", "connection_id", c.ID, "rooms_left", len(rooms), "dropped", c.Dropped())
	}
}

// Join validates roomKey, applies the join budget and adds the membership.
// Only the caller is acknowledged.
func (g *Gateway) Join(_ context.Context, c *Client, roomKey string) error {
	const op = "gateway.join"

	if err := ValidateRoomKey(roomKey); err != nil {
		return err
	}
	if !g.allow(c, EventJoin) {
		return opErr(op, ErrRateLimited, "too many join requests, please slow down")
	}
	if err := g.registry.Join(c.ID, roomKey); err != nil {
		// Lost the race with Disconnect; undo the limiter entry it already released.
		g.limiter.Release(c.ID)
		return &OpError{Op: op, Kind: err}
	}

	metrics.RoomsActive.Set(float64(g.registry.Rooms()))
	g.log.Info("room.member.join", "room_key", roomKey, "connection_id", c.ID)

	g.reply(c, v1.TypeJoinSuccess, v1.JoinSuccessPayload{RoomKey: roomKey, Timestamp: g.now()})
	return nil
}

// Leave removes the membership. Leaving a room the connection is not in succeeds.
// A disconnected connection gets ErrUnknownConnection and leaves no limiter state.
func (g *Gateway) Leave(_ context.Context, c *Client, roomKey string) error {
	const op = "gateway.leave"

	if err := ValidateRoomKey(roomKey); err != nil {
		return err
	}
	if !g.registry.Registered(c.ID) {
		return &OpError{Op: op, Kind: ErrUnknownConnection}
	}
	if !g.allow(c, EventLeave) {
		return opErr(op, ErrRateLimited, "too many leave requests, please slow down")
	}

	left := g.registry.Leave(c.ID, roomKey)
	if !g.registry.Registered(c.ID) {
		// Disconnect ran after the check above; drop the window allow just created.
		g.limiter.Release(c.ID)
		return &OpError{Op: op, Kind: ErrUnknownConnection}
	}
	if left {
		metrics.RoomsActive.Set(float64(g.registry.Rooms()))
		g.log.Info("room.member.leave", "room_key", roomKey, "connection_id", c.ID)
	}

	g.reply(c, v1.TypeLeaveSuccess, v1.LeaveSuccessPayload{RoomKey: roomKey, Timestamp: g.now()})
	return nil
}

// Edit fans content out to the other local members of roomKey and publishes it
// to the relay. The local broadcast happens even if publishing fails; in that
// case the returned error wraps ErrTransport.
func (g *Gateway) Edit(ctx context.Context, c *Client, roomKey, content string) error {
	const op = "gateway.edit"

	if err := ValidateEdit(roomKey, content); err != nil {
		return err
	}
	if !g.registry.IsMember(c.ID, roomKey) {
		return opErr(op, ErrNotInRoom, "you must join the note before editing it")
	}
	if !g.allow(c, EventEdit) {
		return opErr(op, ErrRateLimited, "too many note edits, please slow down")
	}

	evt := EditEvent{
		RoomKey:    roomKey,
		Content:    content,
		OriginID:   c.ID,
		InstanceID: g.instanceID,
		Timestamp:  g.now(),
	}

	n := g.fanout(evt)
	metrics.Deliveries.WithLabelValues("local").Add(float64(n))

	if g.relay == nil {
		return nil
	}
	if err := g.relay.Publish(ctx, evt); err != nil {
		g.log.Warn("relay.publish.fail", "room_key", roomKey, "connection_id", c.ID, "err", err)
		if !errors.Is(err, ErrTransport) {
			return &OpError{Op: op, Kind: ErrTransport, Err: err}
		}
		return err
	}
	return nil
}

// DeliverRemote is the relay subscription handler. It never blocks.
// Messages this instance published were already delivered locally by Edit.
func (g *Gateway) DeliverRemote(evt EditEvent) {
	if evt.InstanceID != "" && evt.InstanceID == g.instanceID {
		metrics.BusReceivedTotal.WithLabelValues("self").Inc()
		return
	}
	n := g.fanout(evt)
	metrics.Deliveries.WithLabelValues("bus").Add(float64(n))
}

// fanout queues note_updated to every member of the room except the origin.
func (g *Gateway) fanout(evt EditEvent) int {
	env := g.envelope(v1.TypeNoteUpdated, v1.NoteUpdatedPayload{
		RoomKey:   evt.RoomKey,
		Content:   evt.Content,
		Timestamp: evt.Timestamp,
		OriginID:  evt.OriginID,
	})

	delivered := 0
	for _, id := range g.registry.Members(evt.RoomKey) {
		if id == evt.OriginID {
			continue
		}
		if m := g.client(id); m != nil && g.deliver(m, env) {
			delivered++
		}
	}
	return delivered
}

// Dispatch routes one inbound envelope. Every failure is reported to c only;
// panics are contained here.
func (g *Gateway) Dispatch(ctx context.Context, c *Client, env v1.Envelope) {
	defer func() {
		if rec := recover(); rec != nil {
			g.log.Error("gateway.dispatch.panic", "connection_id", c.ID, "type", env.Type, "panic", rec)
			metrics.EventsTotal.WithLabelValues(env.Type, v1.CodeInternal).Inc()
			g.SendError(c, v1.CodeInternal, "an error occurred", "")
		}
	}()

	if err := env.Validate(); err != nil {
		g.SendError(c, v1.CodeBadEnvelope, err.Error(), "")
		return
	}
	if !v1.IsClientType(env.Type) {
		metrics.EventsTotal.WithLabelValues("unknown", v1.CodeUnsupportedEvent).Inc()
		g.SendError(c, v1.CodeUnsupportedEvent, "unsupported event type: "+env.Type, "")
		return
	}

	var err error
	switch env.Type {
	case v1.TypeJoinNote:
		var p v1.JoinNotePayload
		if err = decodePayload(env.Payload, &p); err == nil {
			err = g.Join(ctx, c, p.RoomKey)
		}
	case v1.TypeEditNote:
		var p v1.EditNotePayload
		if err = decodePayload(env.Payload, &p); err == nil {
			err = g.Edit(ctx, c, p.RoomKey, p.Content)
		}
	case v1.TypeLeaveNote:
		var p v1.LeaveNotePayload
		if err = decodePayload(env.Payload, &p); err == nil {
			err = g.Leave(ctx, c, p.RoomKey)
		}
	}

	if err == nil {
		metrics.EventsTotal.WithLabelValues(env.Type, "ok").Inc()
		return
	}
	g.reportError(c, env.Type, err)
}

func (g *Gateway) reportError(c *Client, typ string, err error) {
	code := CodeOf(err)
	metrics.EventsTotal.WithLabelValues(typ, code).Inc()

	if code == v1.CodeInternal {
		g.log.Error("gateway.event.fail", "connection_id", c.ID, "type", typ, "err", err)
	} else {
		g.log.Info("gateway.event.reject", "connection_id", c.ID, "type", typ, "code", code, "err", err)
	}

	reason := ""
	var ve *ValidationError
	if errors.As(err, &ve) {
		reason = ve.Field + "." + ve.Reason
	}
	g.SendError(c, code, publicMessage(err), reason)
}

// SendError queues an error envelope to c.
func (g *Gateway) SendError(c *Client, code, msg, reason string) {
	g.reply(c, v1.TypeError, v1.ErrorPayload{
		Message:   msg,
		Code:      code,
		Reason:    reason,
		Timestamp: g.now(),
	})
}

// Drain stops accepting new connections.
func (g *Gateway) Drain() { g.draining.Store(true) }

// Draining reports whether Drain was called.
func (g *Gateway) Draining() bool { return g.draining.Load() }

// CloseAll closes every live client; transports observe Client.Done and
// tear down their sockets, which calls Disconnect.
func (g *Gateway) CloseAll() int {
	g.mu.RLock()
	snapshot := make([]*Client, 0, len(g.clients))
	for _, c := range g.clients {
		snapshot = append(snapshot, c)
	}
	g.mu.RUnlock()

	for _, c := range snapshot {
		c.Close()
	}
	return len(snapshot)
}

// Connections returns the number of live connections.
func (g *Gateway) Connections() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.clients)
}

// ---- helpers ----

func (g *Gateway) allow(c *Client, event string) bool {
	if g.limiter.AllowEvent(c.ID, event) {
		return true
	}
	metrics.RateLimitHits.WithLabelValues(event).Inc()
	return false
}

func (g *Gateway) client(id string) *Client {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.clients[id]
}

func (g *Gateway) reply(c *Client, typ string, payload any) {
	g.deliver(c, g.envelope(typ, payload))
}

func (g *Gateway) deliver(c *Client, env v1.Envelope) bool {
	before := c.Dropped()
	ok := c.Offer(env)
	if d := c.Dropped() - before; d > 0 {
		metrics.OutboundDropped.Add(float64(d))
	}
	return ok
}

func (g *Gateway) envelope(typ string, payload any) v1.Envelope {
	now := g.now()
	b, err := json.Marshal(payload)
	if err != nil {
		// Payload types are fixed structs; this indicates a programming error.
		g.log.Error("gateway.envelope.marshal", "type", typ, "err", err)
	}
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      NewEnvelopeID(now),
		TS:      now,
		Payload: b,
	}
}

func decodePayload(raw json.RawMessage, dst any) error {
	if err := json.Unmarshal(raw, dst); err != nil {
		return &ValidationError{Field: "payload", Reason: "json", Message: "invalid payload"}
	}
	return nil
}
