package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// pgNotifyMaxPayload is the largest NOTIFY payload PostgreSQL accepts (8000 bytes, exclusive).
const pgNotifyMaxPayload = 7999

// PostgresTransport uses LISTEN/NOTIFY. Each subscription holds one pooled
// connection for its lifetime.
type PostgresTransport struct {
	pool *pgxpool.Pool
}

// NewPostgresTransport builds a pool from a postgres:// URL. The pool connects lazily.
func NewPostgresTransport(ctx context.Context, databaseURL string) (*PostgresTransport, error) {
	pcfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}
	return &PostgresTransport{pool: pool}, nil
}

func (t *PostgresTransport) Publish(ctx context.Context, channel string, payload []byte) error {
	if len(payload) > pgNotifyMaxPayload {
		return fmt.Errorf("%w: %d bytes (max %d)", ErrPayloadTooLarge, len(payload), pgNotifyMaxPayload)
	}
	_, err := t.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, channel, string(payload))
	return err
}

func (t *PostgresTransport) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	conn, err := t.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Exec(ctx, `LISTEN `+pgx.Identifier{channel}.Sanitize()); err != nil {
		conn.Release()
		return nil, err
	}

	subCtx, cancel := context.WithCancel(context.Background())
	return &pgSubscription{conn: conn, ctx: subCtx, cancel: cancel}, nil
}

// Ping checks if we can acquire a connection within the ctx deadline.
func (t *PostgresTransport) Ping(ctx context.Context) error {
	conn, err := t.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	conn.Release()
	return nil
}

func (t *PostgresTransport) Close() error {
	t.pool.Close()
	return nil
}

// pgSubscription guards the connection with mu: pgx connections are not safe
// for concurrent use, so Close cancels the in-flight wait and then takes the lock.
type pgSubscription struct {
	mu     sync.Mutex
	conn   *pgxpool.Conn
	ctx    context.Context
	cancel context.CancelFunc
	closed bool
}

func (s *pgSubscription) Receive(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}

	rctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	n, err := s.conn.Conn().WaitForNotification(rctx)
	if err != nil {
		if s.ctx.Err() != nil {
			return nil, ErrClosed
		}
		return nil, err
	}
	return []byte(n.Payload), nil
}

func (s *pgSubscription) Close() error {
	s.cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	defer s.conn.Release()

	// A wait interrupted by cancel leaves the connection closed; the pool discards it.
	if s.conn.Conn().IsClosed() {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := s.conn.Exec(ctx, `UNLISTEN *`); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
