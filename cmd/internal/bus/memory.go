package bus

import (
	"context"
	"sync"
)

const memorySubscriptionBuffer = 256

// MemoryTransport is an in-process transport for single-instance deployments
// and tests. SetDown simulates an outage.
type MemoryTransport struct {
	mu     sync.Mutex
	subs   map[string]map[*memorySubscription]struct{}
	down   bool
	closed bool
}

// NewMemoryTransport constructs an empty in-process bus.
func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{subs: make(map[string]map[*memorySubscription]struct{})}
}

func (t *MemoryTransport) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.stateErrLocked(); err != nil {
		return err
	}

	msg := append([]byte(nil), payload...)
	for s := range t.subs[channel] {
		select {
		case s.ch <- msg:
		default:
			// Slow subscriber: drop rather than stall the publisher.
		}
	}
	return nil
}

func (t *MemoryTransport) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.stateErrLocked(); err != nil {
		return nil, err
	}

	s := &memorySubscription{
		t:       t,
		channel: channel,
		ch:      make(chan []byte, memorySubscriptionBuffer),
		done:    make(chan struct{}),
	}
	if t.subs[channel] == nil {
		t.subs[channel] = make(map[*memorySubscription]struct{})
	}
	t.subs[channel][s] = struct{}{}
	return s, nil
}

func (t *MemoryTransport) Ping(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stateErrLocked()
}

// Close breaks every subscription and rejects further use.
func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.closed = true
	t.breakAllLocked(ErrClosed)
	return nil
}

// SetDown toggles a simulated outage. Going down breaks live subscriptions.
func (t *MemoryTransport) SetDown(down bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.down = down
	if down {
		t.breakAllLocked(ErrUnavailable)
	}
}

// Subscribers returns the number of live subscriptions on channel.
func (t *MemoryTransport) Subscribers(channel string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs[channel])
}

func (t *MemoryTransport) stateErrLocked() error {
	switch {
	case t.closed:
		return ErrClosed
	case t.down:
		return ErrUnavailable
	default:
		return nil
	}
}

func (t *MemoryTransport) breakAllLocked(reason error) {
	for channel, set := range t.subs {
		for s := range set {
			s.finish(reason)
		}
		delete(t.subs, channel)
	}
}

type memorySubscription struct {
	t       *MemoryTransport
	channel string
	ch      chan []byte

	once sync.Once
	err  error
	done chan struct{}
}

func (s *memorySubscription) finish(reason error) {
	s.once.Do(func() {
		s.err = reason
		close(s.done)
	})
}

func (s *memorySubscription) Receive(ctx context.Context) ([]byte, error) {
	select {
	case msg := <-s.ch:
		return msg, nil
	case <-s.done:
		return nil, s.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *memorySubscription) Close() error {
	s.t.mu.Lock()
	delete(s.t.subs[s.channel], s)
	s.t.mu.Unlock()

	s.finish(ErrClosed)
	return nil
}
