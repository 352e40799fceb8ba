package app

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const healthProbeTimeout = 2 * time.Second

// BusProber reports bus reachability for /health.
type BusProber interface {
	Ping(ctx context.Context) error
	Connected() bool
}

type livenessResponse struct {
	Status        string  `json:"status"`
	Service       string  `json:"service"`
	InstanceID    string  `json:"instanceId"`
	UptimeSeconds float64 `json:"uptimeSeconds"`
	Timestamp     string  `json:"timestamp"`
}

type healthResponse struct {
	livenessResponse
	Bus         string `json:"bus"`
	Subscribed  bool   `json:"subscribed"`
	Connections int    `json:"connections"`
	Error       string `json:"error,omitempty"`
}

func registerHTTP(
	mux *http.ServeMux,
	log Logger,
	instanceID string,
	startedAt time.Time,
	bus BusProber,
	connections func() int,
	ws http.Handler,
) {
	live := func() livenessResponse {
		now := time.Now().UTC()
		return livenessResponse{
			Status:        "ok",
			Service:       "collab",
			InstanceID:    instanceID,
			UptimeSeconds: now.Sub(startedAt).Seconds(),
			Timestamp:     now.Format(time.RFC3339),
		}
	}

	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, live())
	})

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{
			livenessResponse: live(),
			Bus:              "up",
			Subscribed:       bus.Connected(),
			Connections:      connections(),
		}

		ctx, cancel := context.WithTimeout(r.Context(), healthProbeTimeout)
		defer cancel()

		if err := bus.Ping(ctx); err != nil {
			log.Info("health.bus.unreachable", "err", err)
			resp.Status = "degraded"
			resp.Bus = "down"
			resp.Error = "bus unreachable"
			writeJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	})

	mux.Handle("GET /metrics", promhttp.Handler())
	mux.Handle("GET /ws", ws)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
