package app

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"collab/cmd/internal/metrics"
	"collab/cmd/internal/realtime"
)

// WithRequestLogging wraps an http.Handler, logs requests and records HTTP metrics.
// IMPORTANT: ResponseWriter must preserve Hijacker, otherwise WebSocket upgrades fail.
func WithRequestLogging(next http.Handler, log *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		lrw := &loggingResponseWriter{
			ResponseWriter: w,
			status:         http.StatusOK,
		}

		next.ServeHTTP(lrw, r)

		elapsed := time.Since(start)
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(lrw.status)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(elapsed.Seconds())

		level, result := requestLogMeta(lrw.status)
		if lrw.hijacked {
			// Upgraded sockets log their own lifecycle; the duration here is the session length.
			result = "upgraded"
		}
		log.LogAttrs(context.Background(), level, "http.request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", lrw.status),
			slog.String("status_class", statusClass(lrw.status)),
			slog.String("result", result),
			slog.Int64("duration_ms", elapsed.Milliseconds()),
			slog.String("remote", r.RemoteAddr),
			slog.String("user_agent", r.UserAgent()),
		)
	})
}

const (
	rateEventHTTP    = "http"
	rateEventUpgrade = "ws_upgrade"
)

// HTTPRateLimits are per-address budgets. A non-positive Max disables a budget.
type HTTPRateLimits struct {
	General realtime.Policy
	Upgrade realtime.Policy
	// TrustProxy takes the client address from X-Forwarded-For / X-Real-IP.
	TrustProxy bool
}

// WithIPRateLimit throttles requests per client address: /ws upgrades use the
// Upgrade budget, every other route but /metrics the General one.
func WithIPRateLimit(next http.Handler, limiter *realtime.RateLimiter, limits HTTPRateLimits, log Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		event, policy := rateEventHTTP, limits.General
		switch r.URL.Path {
		case "/metrics":
			next.ServeHTTP(w, r)
			return
		case "/ws":
			event, policy = rateEventUpgrade, limits.Upgrade
		}
		if policy.Max <= 0 || policy.Window <= 0 {
			next.ServeHTTP(w, r)
			return
		}

		ip := clientIP(r, limits.TrustProxy)
		ok, retryAfter := limiter.AllowRetry(realtime.RateKey{ConnectionID: "ip:" + ip, Event: event}, policy.Max, policy.Window)
		if !ok {
			metrics.RateLimitHits.WithLabelValues(event).Inc()
			log.Warn("http.rate_limited", "ip", ip, "path", r.URL.Path, "retry_after_ms", retryAfter.Milliseconds())
			writeRateLimited(w, retryAfter)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	if retryAfter > 0 {
		secs := int64((retryAfter + time.Second - 1) / time.Second)
		w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	}
	writeJSON(w, http.StatusTooManyRequests, errorResponse{
		Error:   "rate_limited",
		Message: "too many requests from this address, please try again later",
	})
}

func clientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			if ip := strings.TrimSpace(strings.Split(xff, ",")[0]); ip != "" {
				return ip
			}
		}
		if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// requestLogMeta picks the log level and a result label from the status code.
func requestLogMeta(status int) (slog.Level, string) {
	switch {
	case status >= 500:
		return slog.LevelError, "server_error"
	case status >= 400:
		return slog.LevelWarn, "client_error"
	case status >= 300:
		return slog.LevelInfo, "redirect"
	default:
		return slog.LevelInfo, "success"
	}
}

func statusClass(status int) string {
	if status < 100 || status > 599 {
		return "unknown"
	}
	return strconv.Itoa(status/100) + "xx"
}

type loggingResponseWriter struct {
	http.ResponseWriter
	status   int
	hijacked bool
}

func (w *loggingResponseWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *loggingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("underlying ResponseWriter does not support hijacking")
	}
	w.hijacked = true
	return hj.Hijack()
}

func (w *loggingResponseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *loggingResponseWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
