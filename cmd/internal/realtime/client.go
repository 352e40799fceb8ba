package realtime

import (
	"sync"
	"sync/atomic"
	"time"

	v1 "collab/shared/contracts/collab/v1"
)

const defaultSendQueueSize = 64

// Client represents one connected session.
//
// Design notes:
//   - Send is NOT closed by the server to avoid panics from concurrent broadcasters.
//   - Offer never blocks: when Send is full the oldest queued envelope is dropped.
//   - Close is idempotent.
type Client struct {
	ID        string
	CreatedAt time.Time
	Send      chan v1.Envelope

	// serializes drop-oldest so two broadcasters cannot both evict for one slot
	offerMu sync.Mutex
	dropped atomic.Uint64

	done      chan struct{}
	closeOnce sync.Once
}

// NewClient constructs a Client with a bounded send queue.
func NewClient(id string, createdAt time.Time, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = defaultSendQueueSize
	}
	return &Client{
		ID:        id,
		CreatedAt: createdAt,
		Send:      make(chan v1.Envelope, sendQueueSize),
		done:      make(chan struct{}),
	}
}

// Done returns a channel that is closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Closed reports whether Close has been called.
func (c *Client) Closed() bool {
	select {
	case <-c.Done():
		return true
	default:
		return false
	}
}

// Close signals the client goroutines to stop (idempotent).
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// Offer enqueues env without blocking. If the queue is full the oldest
// envelope is evicted to make room. It returns false only if the client is closed.
func (c *Client) Offer(env v1.Envelope) bool {
	if c == nil || c.Closed() {
		return false
	}

	select {
	case c.Send <- env:
		return true
	default:
	}

	c.offerMu.Lock()
	defer c.offerMu.Unlock()

	for {
		select {
		case c.Send <- env:
			return true
		default:
		}
		select {
		case <-c.Send:
			c.dropped.Add(1)
		default:
		}
	}
}

// Dropped returns how many envelopes were evicted by Offer.
func (c *Client) Dropped() uint64 { return c.dropped.Load() }
