package realtime

import "time"

// Rate-limited event types.
const (
	EventJoin    = "join"
	EventLeave   = "leave"
	EventEdit    = "edit"
	EventDefault = "default"
)

const (
	// Max bytes per websocket frame read. An edit envelope carries up to
	// MaxContentBytes of content plus JSON escaping and framing.
	maxFrameBytes = 4 << 20

	// Heartbeat defaults.
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	defaultRateWindow = 60 * time.Second

	// Sweep cadence of the limiter; retention is 5x the shortest window.
	defaultSweepEvery    = 60 * time.Second
	retentionMultiplier  = 5
	defaultRateRetention = retentionMultiplier * defaultRateWindow
)

// Policy is a sliding-window budget: Max events per Window.
type Policy struct {
	Max    int
	Window time.Duration
}

// DefaultPolicies returns the stock budgets: join/leave 10 per minute, edit 30 per minute.
// EventDefault applies to any other event type.
func DefaultPolicies() map[string]Policy {
	return map[string]Policy{
		EventJoin:    {Max: 10, Window: defaultRateWindow},
		EventLeave:   {Max: 10, Window: defaultRateWindow},
		EventEdit:    {Max: 30, Window: defaultRateWindow},
		EventDefault: {Max: 60, Window: defaultRateWindow},
	}
}
