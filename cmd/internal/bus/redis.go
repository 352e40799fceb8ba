package bus

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisIdleCheck is how long Receive waits before pinging the server to
// detect half-open connections.
const redisIdleCheck = 30 * time.Second

// RedisTransport publishes with PUBLISH and subscribes on a dedicated
// PubSub connection per subscription.
type RedisTransport struct {
	client *redis.Client
}

// NewRedisTransport parses a redis:// or rediss:// URL. It does not dial;
// connectivity is established lazily and probed with Ping.
func NewRedisTransport(redisURL string) (*RedisTransport, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &RedisTransport{client: redis.NewClient(opts)}, nil
}

// NewRedisTransportFromClient wraps an existing client.
func NewRedisTransportFromClient(client *redis.Client) *RedisTransport {
	return &RedisTransport{client: client}
}

func (t *RedisTransport) Publish(ctx context.Context, channel string, payload []byte) error {
	return t.client.Publish(ctx, channel, payload).Err()
}

func (t *RedisTransport) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	ps := t.client.Subscribe(ctx, channel)

	// The first reply is the subscription confirmation.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}
	return &redisSubscription{ps: ps}, nil
}

func (t *RedisTransport) Ping(ctx context.Context) error {
	return t.client.Ping(ctx).Err()
}

func (t *RedisTransport) Close() error {
	return t.client.Close()
}

type redisSubscription struct {
	ps        *redis.PubSub
	closeOnce sync.Once
	closeErr  error
}

func (s *redisSubscription) Receive(ctx context.Context) ([]byte, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		msg, err := s.ps.ReceiveTimeout(ctx, redisIdleCheck)
		if err != nil {
			if isTimeout(err) {
				if perr := s.ps.Ping(ctx); perr != nil {
					return nil, perr
				}
				continue
			}
			if errors.Is(err, redis.ErrClosed) {
				return nil, ErrClosed
			}
			return nil, err
		}

		switch m := msg.(type) {
		case *redis.Message:
			return []byte(m.Payload), nil
		case *redis.Subscription, *redis.Pong:
			continue
		default:
			continue
		}
	}
}

func (s *redisSubscription) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.ps.Close()
	})
	return s.closeErr
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
