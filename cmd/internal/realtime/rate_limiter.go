package realtime

import (
	"context"
	"sync"
	"time"
)

// RateKey identifies one sliding window: a connection and an event type.
type RateKey struct {
	ConnectionID string
	Event        string
}

type rateWindow struct {
	events []time.Time
	span   time.Duration
}

// RateLimiter is a keyed sliding-window limiter shared by all connections.
// Windows are grouped per connection so Release is O(event types).
type RateLimiter struct {
	mu       sync.Mutex
	windows  map[string]map[string]*rateWindow
	policies map[string]Policy

	retention time.Duration
	now       func() time.Time
}

// RateLimiterOption configures a RateLimiter.
type RateLimiterOption func(*RateLimiter)

// WithPolicies overrides per-event budgets. Missing event types keep their defaults.
func WithPolicies(p map[string]Policy) RateLimiterOption {
	return func(r *RateLimiter) {
		for event, pol := range p {
			if pol.Max <= 0 || pol.Window <= 0 {
				continue
			}
			r.policies[event] = pol
		}
	}
}

// WithClock replaces time.Now (tests).
func WithClock(now func() time.Time) RateLimiterOption {
	return func(r *RateLimiter) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRateLimiter constructs a RateLimiter with DefaultPolicies.
func NewRateLimiter(opts ...RateLimiterOption) *RateLimiter {
	r := &RateLimiter{
		windows:  make(map[string]map[string]*rateWindow),
		policies: DefaultPolicies(),
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}

	var shortest, longest time.Duration
	for _, p := range r.policies {
		if shortest == 0 || p.Window < shortest {
			shortest = p.Window
		}
		if p.Window > longest {
			longest = p.Window
		}
	}
	if shortest <= 0 {
		r.retention = defaultRateRetention
	} else {
		r.retention = max(retentionMultiplier*shortest, longest)
	}
	return r
}

// Policy returns the effective budget for an event type.
func (r *RateLimiter) Policy(event string) Policy {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.policyLocked(event)
}

func (r *RateLimiter) policyLocked(event string) Policy {
	if p, ok := r.policies[event]; ok {
		return p
	}
	return r.policies[EventDefault]
}

// Retention is 5x the shortest window, never less than the longest one.
// Sweep uses it for windows whose width is unknown.
func (r *RateLimiter) Retention() time.Duration { return r.retention }

// AllowEvent applies the configured policy for event to the connection.
func (r *RateLimiter) AllowEvent(connectionID, event string) bool {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	p := r.policyLocked(event)
	return r.allowLocked(RateKey{ConnectionID: connectionID, Event: event}, p.Max, p.Window, now)
}

// Allow admits an event for key if fewer than maxRequests timestamps remain
// within the trailing window. Admitted events are recorded.
func (r *RateLimiter) Allow(key RateKey, maxRequests int, window time.Duration) bool {
	return r.AllowAt(key, maxRequests, window, r.now())
}

// AllowAt is Allow evaluated at a caller-supplied instant.
func (r *RateLimiter) AllowAt(key RateKey, maxRequests int, window time.Duration, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if maxRequests <= 0 || window <= 0 {
		p := r.policyLocked(key.Event)
		maxRequests, window = p.Max, p.Window
	}
	return r.allowLocked(key, maxRequests, window, now)
}

// AllowRetry is Allow that also reports, on rejection, how long until the
// oldest counted event leaves the window.
func (r *RateLimiter) AllowRetry(key RateKey, maxRequests int, window time.Duration) (bool, time.Duration) {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	if maxRequests <= 0 || window <= 0 {
		p := r.policyLocked(key.Event)
		maxRequests, window = p.Max, p.Window
	}
	if r.allowLocked(key, maxRequests, window, now) {
		return true, 0
	}
	oldest := r.windows[key.ConnectionID][key.Event].events[0]
	return false, oldest.Add(window).Sub(now)
}

func (r *RateLimiter) allowLocked(key RateKey, maxRequests int, window time.Duration, now time.Time) bool {
	byEvent := r.windows[key.ConnectionID]
	if byEvent == nil {
		byEvent = make(map[string]*rateWindow)
		r.windows[key.ConnectionID] = byEvent
	}
	w := byEvent[key.Event]
	if w == nil {
		w = &rateWindow{events: make([]time.Time, 0, maxRequests)}
		byEvent[key.Event] = w
	}
	w.span = window

	w.events = pruneBefore(w.events, now.Add(-window))

	if len(w.events) >= maxRequests {
		return false
	}
	w.events = append(w.events, now)
	return true
}

// pruneBefore keeps timestamps strictly after cut, reusing the backing array.
func pruneBefore(events []time.Time, cut time.Time) []time.Time {
	dst := events[:0]
	for _, t := range events {
		if t.After(cut) {
			dst = append(dst, t)
		}
	}
	return dst
}

// Release drops every window owned by a connection.
func (r *RateLimiter) Release(connectionID string) {
	r.mu.Lock()
	delete(r.windows, connectionID)
	r.mu.Unlock()
}

// Reset drops all state.
func (r *RateLimiter) Reset() {
	r.mu.Lock()
	r.windows = make(map[string]map[string]*rateWindow)
	r.mu.Unlock()
}

// Sweep prunes every window to its own width and removes empty keys.
// It returns the number of keys removed.
func (r *RateLimiter) Sweep(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for connID, byEvent := range r.windows {
		for event, w := range byEvent {
			span := w.span
			if span <= 0 {
				span = r.retention
			}
			w.events = pruneBefore(w.events, now.Add(-span))
			if len(w.events) == 0 {
				delete(byEvent, event)
				removed++
			}
		}
		if len(byEvent) == 0 {
			delete(r.windows, connID)
		}
	}
	return removed
}

// Keys returns the number of live (connection, event) windows.
func (r *RateLimiter) Keys() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, byEvent := range r.windows {
		n += len(byEvent)
	}
	return n
}

// RunSweeper calls Sweep every interval until ctx is done.
func (r *RateLimiter) RunSweeper(ctx context.Context, every time.Duration) error {
	if every <= 0 {
		every = defaultSweepEvery
	}
	t := time.NewTicker(every)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			r.Sweep(r.now())
		}
	}
}
