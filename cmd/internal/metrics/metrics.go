// Package metrics holds the relay's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collab_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "collab_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Connection metrics
	ConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "collab_connections_active",
			Help: "Currently registered connections",
		},
	)

	ConnectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "collab_connections_total",
			Help: "Total accepted connections",
		},
	)

	RoomsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "collab_rooms_active",
			Help: "Rooms with at least one member",
		},
	)

	// Event metrics
	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collab_events_total",
			Help: "Inbound client events by type and result code",
		},
		[]string{"type", "code"},
	)

	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collab_rate_limit_hits_total",
			Help: "Events rejected by the rate limiter",
		},
		[]string{"event"},
	)

	Deliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collab_deliveries_total",
			Help: "note_updated envelopes queued to connections",
		},
		[]string{"source"}, // "local" or "bus"
	)

	OutboundDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "collab_outbound_dropped_total",
			Help: "Envelopes evicted from full connection queues",
		},
	)

	// Bus metrics
	BusConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "collab_bus_connected",
			Help: "1 while the relay subscription is live",
		},
	)

	BusPublishTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collab_bus_publish_total",
			Help: "Bus publish attempts by result",
		},
		[]string{"result"},
	)

	BusReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collab_bus_received_total",
			Help: "Bus messages received by result",
		},
		[]string{"result"},
	)

	BusReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "collab_bus_reconnects_total",
			Help: "Relay resubscribe attempts after a failed or lost subscription",
		},
	)
)
