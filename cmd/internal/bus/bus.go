// Package bus provides the publish/subscribe transports the relay runs on.
//
// A Transport moves opaque payloads over a named channel. Delivery is
// best-effort: no transport buffers for disconnected subscribers and none
// retries a failed publish.
package bus

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var (
	// ErrUnavailable is returned while the transport cannot reach its server.
	ErrUnavailable = errors.New("bus: unavailable")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("bus: closed")
	// ErrPayloadTooLarge is returned when a payload exceeds the transport limit.
	ErrPayloadTooLarge = errors.New("bus: payload too large")
	// ErrUnsupportedScheme is returned by Open for unknown URL schemes.
	ErrUnsupportedScheme = errors.New("bus: unsupported url scheme")
)

// Transport is a publish/subscribe connection.
type Transport interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe returns once the subscription is confirmed by the server.
	Subscribe(ctx context.Context, channel string) (Subscription, error)
	Ping(ctx context.Context) error
	Close() error
}

// Subscription is a live channel subscription.
// Receive blocks until a message arrives, ctx is done, or the subscription breaks.
// Close is idempotent and may be called concurrently with Receive.
type Subscription interface {
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}

// Open selects a transport by URL scheme:
// redis/rediss, postgres/postgresql, memory.
func Open(ctx context.Context, rawURL string) (Transport, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("bus: parse url: %w", err)
	}

	switch strings.ToLower(u.Scheme) {
	case "redis", "rediss":
		return NewRedisTransport(rawURL)
	case "postgres", "postgresql":
		return NewPostgresTransport(ctx, rawURL)
	case "memory":
		return NewMemoryTransport(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
}

// Redact strips credentials from a bus URL for logging.
func Redact(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "<invalid>"
	}
	return u.Redacted()
}
