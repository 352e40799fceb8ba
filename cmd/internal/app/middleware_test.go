package app

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"collab/cmd/internal/realtime"
)

func TestRequestLogMeta(t *testing.T) {
	t.Parallel()

	cases := []struct {
		status     int
		wantLevel  slog.Level
		wantResult string
		wantClass  string
	}{
		{status: 200, wantLevel: slog.LevelInfo, wantResult: "success", wantClass: "2xx"},
		{status: 302, wantLevel: slog.LevelInfo, wantResult: "redirect", wantClass: "3xx"},
		{status: 404, wantLevel: slog.LevelWarn, wantResult: "client_error", wantClass: "4xx"},
		{status: 503, wantLevel: slog.LevelError, wantResult: "server_error", wantClass: "5xx"},
	}

	for _, tc := range cases {
		level, result := requestLogMeta(tc.status)
		if level != tc.wantLevel || result != tc.wantResult {
			t.Fatalf("status=%d level=%v result=%q; want level=%v result=%q", tc.status, level, result, tc.wantLevel, tc.wantResult)
		}
		if got := statusClass(tc.status); got != tc.wantClass {
			t.Fatalf("statusClass(%d)=%q want=%q", tc.status, got, tc.wantClass)
		}
	}
	if got := statusClass(42); got != "unknown" {
		t.Fatalf("statusClass(42)=%q", got)
	}
}

func TestWithRequestLogging_LogsRouteAndStatus(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, nil))

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	h := WithRequestLogging(mux, log)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d", rr.Code)
	}

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("log line: %v (%q)", err, buf.String())
	}
	if rec["msg"] != "http.request" || rec["level"] != "ERROR" {
		t.Fatalf("record=%v", rec)
	}
	if rec["status"] != float64(503) || rec["status_class"] != "5xx" || rec["result"] != "server_error" {
		t.Fatalf("record=%v", rec)
	}
}

func TestLoggingResponseWriter_HijackWithoutSupport(t *testing.T) {
	t.Parallel()

	lrw := &loggingResponseWriter{ResponseWriter: httptest.NewRecorder(), status: http.StatusOK}
	if _, _, err := lrw.Hijack(); err == nil {
		t.Fatalf("expected hijack error on recorder")
	}
	if lrw.hijacked {
		t.Fatalf("failed hijack must not mark the writer hijacked")
	}
	if lrw.Unwrap() == nil {
		t.Fatalf("Unwrap returned nil")
	}
}

func TestWithIPRateLimit(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	limiter := realtime.NewRateLimiter(realtime.WithClock(func() time.Time { return now }))
	limits := HTTPRateLimits{
		General: realtime.Policy{Max: 2, Window: 15 * time.Minute},
		Upgrade: realtime.Policy{Max: 1, Window: time.Minute},
	}
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })
	h := WithIPRateLimit(ok, limiter, limits, discardLogger())

	do := func(path, remote string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.RemoteAddr = remote
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		return rr
	}

	for i := 0; i < 2; i++ {
		if rr := do("/health", "10.0.0.1:5000"); rr.Code != http.StatusNoContent {
			t.Fatalf("request %d status=%d", i+1, rr.Code)
		}
	}

	rr := do("/", "10.0.0.1:5001")
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("third request status=%d want 429", rr.Code)
	}
	if got := rr.Header().Get("Retry-After"); got != "900" {
		t.Fatalf("Retry-After=%q want 900", got)
	}
	var body errorResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil || body.Error != "rate_limited" {
		t.Fatalf("body=%q err=%v", rr.Body.String(), err)
	}

	// Other addresses, the upgrade budget and /metrics are independent.
	if rr := do("/health", "10.0.0.2:5000"); rr.Code != http.StatusNoContent {
		t.Fatalf("other address status=%d", rr.Code)
	}
	if rr := do("/ws", "10.0.0.1:5002"); rr.Code != http.StatusNoContent {
		t.Fatalf("first upgrade status=%d", rr.Code)
	}
	if rr := do("/ws", "10.0.0.1:5003"); rr.Code != http.StatusTooManyRequests {
		t.Fatalf("second upgrade status=%d want 429", rr.Code)
	}
	for i := 0; i < 5; i++ {
		if rr := do("/metrics", "10.0.0.1:5004"); rr.Code != http.StatusNoContent {
			t.Fatalf("/metrics throttled: status=%d", rr.Code)
		}
	}

	now = now.Add(15 * time.Minute)
	if rr := do("/health", "10.0.0.1:5005"); rr.Code != http.StatusNoContent {
		t.Fatalf("after window status=%d", rr.Code)
	}
}

func TestWithIPRateLimit_DisabledBudget(t *testing.T) {
	t.Parallel()

	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })
	h := WithIPRateLimit(ok, realtime.NewRateLimiter(), HTTPRateLimits{}, discardLogger())

	for i := 0; i < 200; i++ {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
		if rr.Code != http.StatusNoContent {
			t.Fatalf("request %d status=%d", i+1, rr.Code)
		}
	}
}

func TestClientIP(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.7:4242"
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	req.Header.Set("X-Real-IP", "198.51.100.3")

	if got := clientIP(req, false); got != "192.0.2.7" {
		t.Fatalf("untrusted clientIP=%q", got)
	}
	if got := clientIP(req, true); got != "203.0.113.9" {
		t.Fatalf("trusted clientIP=%q", got)
	}
	req.Header.Del("X-Forwarded-For")
	if got := clientIP(req, true); got != "198.51.100.3" {
		t.Fatalf("X-Real-IP clientIP=%q", got)
	}
}
