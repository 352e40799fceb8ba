package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"collab/cmd/internal/bus"
	"collab/cmd/internal/metrics"
	v1 "collab/shared/contracts/collab/v1"
)

const (
	defaultPublishTimeout = 2 * time.Second
	defaultBackoffMin     = 250 * time.Millisecond
	defaultBackoffMax     = 10 * time.Second
)

// EditEvent is an accepted edit. It is never merged, only relayed.
type EditEvent struct {
	RoomKey    string
	Content    string
	OriginID   string
	InstanceID string
	Timestamp  time.Time
}

// Publisher is the relay surface the Gateway depends on.
type Publisher interface {
	Publish(ctx context.Context, evt EditEvent) error
}

// RelayConfig configures a Relay. Zero values take defaults.
type RelayConfig struct {
	Channel        string
	InstanceID     string
	PublishTimeout time.Duration
	BackoffMin     time.Duration
	BackoffMax     time.Duration
}

// Relay propagates edits between instances over a shared bus channel.
//
// Publish fails fast while the subscription is down; nothing is buffered.
// Run owns the subscription and reconnects with exponential backoff.
type Relay struct {
	log       *slog.Logger
	transport bus.Transport
	cfg       RelayConfig

	connected atomic.Bool
}

// NewRelay constructs a Relay over transport.
func NewRelay(log *slog.Logger, transport bus.Transport, cfg RelayConfig) *Relay {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Channel == "" {
		cfg.Channel = v1.DefaultBusChannel
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = defaultPublishTimeout
	}
	if cfg.BackoffMin <= 0 {
		cfg.BackoffMin = defaultBackoffMin
	}
	if cfg.BackoffMax < cfg.BackoffMin {
		cfg.BackoffMax = max(defaultBackoffMax, cfg.BackoffMin)
	}
	return &Relay{log: log, transport: transport, cfg: cfg}
}

// InstanceID is the tag this relay stamps on outgoing messages.
func (r *Relay) InstanceID() string { return r.cfg.InstanceID }

// Channel is the bus channel in use.
func (r *Relay) Channel() string { return r.cfg.Channel }

// Connected reports whether the subscription is live.
func (r *Relay) Connected() bool { return r.connected.Load() }

// Publish sends evt to the bus. Errors wrap ErrTransport.
func (r *Relay) Publish(ctx context.Context, evt EditEvent) error {
	const op = "relay.publish"

	if !r.connected.Load() {
		metrics.BusPublishTotal.WithLabelValues("disconnected").Inc()
		return &OpError{Op: op, Kind: ErrTransport, Err: bus.ErrUnavailable}
	}

	b, err := json.Marshal(v1.BusMessage{
		RoomKey:    evt.RoomKey,
		Content:    evt.Content,
		Timestamp:  evt.Timestamp,
		OriginID:   evt.OriginID,
		InstanceID: r.cfg.InstanceID,
	})
	if err != nil {
		return &OpError{Op: op, Kind: ErrTransport, Err: err}
	}

	pctx, cancel := context.WithTimeout(ctx, r.cfg.PublishTimeout)
	defer cancel()

	if err := r.transport.Publish(pctx, r.cfg.Channel, b); err != nil {
		metrics.BusPublishTotal.WithLabelValues("error").Inc()
		return &OpError{Op: op, Kind: ErrTransport, Err: err}
	}
	metrics.BusPublishTotal.WithLabelValues("ok").Inc()
	return nil
}

// Ping probes the transport.
func (r *Relay) Ping(ctx context.Context) error {
	return r.transport.Ping(ctx)
}

// Close releases the transport.
func (r *Relay) Close() error {
	r.setConnected(false)
	return r.transport.Close()
}

// Run subscribes to the channel and invokes handler for every message until
// ctx is done. The handler runs on the subscription loop and must not block.
func (r *Relay) Run(ctx context.Context, handler func(EditEvent)) error {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return nil
		}

		if attempt > 0 {
			metrics.BusReconnects.Inc()
		}
		sub, err := r.transport.Subscribe(ctx, r.cfg.Channel)
		if err != nil {
			r.setConnected(false)
			wait := r.backoff(attempt)
			r.log.Warn("relay.subscribe.fail", "channel", r.cfg.Channel, "attempt", attempt+1, "retry_in", wait, "err", err)
			if !sleepCtx(ctx, wait) {
				return nil
			}
			attempt++
			continue
		}

		attempt = 0
		r.setConnected(true)
		r.log.Info("relay.subscribed", "channel", r.cfg.Channel, "instance_id", r.cfg.InstanceID)

		err = r.consume(ctx, sub, handler)
		r.setConnected(false)
		_ = sub.Close()

		if ctx.Err() != nil {
			return nil
		}

		wait := r.backoff(attempt)
		r.log.Warn("relay.subscription.lost", "channel", r.cfg.Channel, "retry_in", wait, "err", err)
		if !sleepCtx(ctx, wait) {
			return nil
		}
		attempt++
	}
}

func (r *Relay) consume(ctx context.Context, sub bus.Subscription, handler func(EditEvent)) error {
	// Some transports only unblock Receive on Close.
	stop := context.AfterFunc(ctx, func() { _ = sub.Close() })
	defer stop()

	for {
		payload, err := sub.Receive(ctx)
		if err != nil {
			return err
		}

		evt, err := decodeBusMessage(payload)
		if err != nil {
			metrics.BusReceivedTotal.WithLabelValues("invalid").Inc()
			r.log.Debug("relay.message.invalid", "err", err, "bytes", len(payload))
			continue
		}
		metrics.BusReceivedTotal.WithLabelValues("ok").Inc()
		r.dispatch(handler, evt)
	}
}

func (r *Relay) dispatch(handler func(EditEvent), evt EditEvent) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("relay.handler.panic", "room_key", evt.RoomKey, "panic", rec)
		}
	}()
	handler(evt)
}

func (r *Relay) setConnected(v bool) {
	r.connected.Store(v)
	if v {
		metrics.BusConnected.Set(1)
	} else {
		metrics.BusConnected.Set(0)
	}
}

// backoff returns min*2^attempt capped at max, with equal jitter.
func (r *Relay) backoff(attempt int) time.Duration {
	d := r.cfg.BackoffMin
	for i := 0; i < attempt && d < r.cfg.BackoffMax; i++ {
		d *= 2
	}
	if d > r.cfg.BackoffMax {
		d = r.cfg.BackoffMax
	}
	half := d / 2
	if half <= 0 {
		return d
	}
	return half + rand.N(half)
}

func decodeBusMessage(payload []byte) (EditEvent, error) {
	var m v1.BusMessage
	if err := json.Unmarshal(payload, &m); err != nil {
		return EditEvent{}, err
	}
	if err := ValidateEdit(m.RoomKey, m.Content); err != nil {
		return EditEvent{}, err
	}
	ts := m.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return EditEvent{
		RoomKey:    m.RoomKey,
		Content:    m.Content,
		OriginID:   m.OriginID,
		InstanceID: m.InstanceID,
		Timestamp:  ts,
	}, nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
