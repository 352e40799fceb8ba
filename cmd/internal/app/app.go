// Package app wires the collab relay runtime: config, logging, HTTP routes,
// the realtime gateway, the bus relay and graceful shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"collab/cmd/internal/bus"
	"collab/cmd/internal/realtime"

	"golang.org/x/sync/errgroup"
)

// App is the relay runtime: it owns the HTTP server and every realtime dependency.
type App struct {
	cfg Config
	log Logger

	startedAt time.Time

	transport bus.Transport
	relay     *realtime.Relay
	registry  *realtime.Registry
	limiter   *realtime.RateLimiter
	gateway   *realtime.Gateway
	ws        *realtime.WSGateway

	// httpLimiter holds per-address windows for HTTP routes and upgrades.
	httpLimiter *realtime.RateLimiter

	coordinator *ShutdownCoordinator
}

// New constructs a fully wired App from config and logger.
// It does not touch the network; the bus is dialed lazily by the relay loop.
func New(cfg Config, log Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat, cfg.LogColor)
	}

	transport, err := bus.Open(context.Background(), cfg.BusURL)
	if err != nil {
		return nil, fmt.Errorf("%w: COLLAB_BUS_URL: %w", ErrConfiguration, err)
	}
	return NewWithTransport(cfg, log, transport), nil
}

// NewWithTransport wires an App over an already constructed transport.
func NewWithTransport(cfg Config, log Logger, transport bus.Transport) *App {
	relay := realtime.NewRelay(log, transport, realtime.RelayConfig{
		Channel:        cfg.BusChannel,
		InstanceID:     cfg.InstanceID,
		PublishTimeout: cfg.BusPublishTimeout,
		BackoffMin:     cfg.BusBackoffMin,
		BackoffMax:     cfg.BusBackoffMax,
	})

	registry := realtime.NewRegistry(log)
	limiter := realtime.NewRateLimiter(realtime.WithPolicies(cfg.RatePolicies))
	gateway := realtime.NewGateway(log, registry, limiter, relay, realtime.GatewayConfig{
		InstanceID:    cfg.InstanceID,
		SendQueueSize: cfg.WSSendQueue,
	})
	ws := realtime.NewWSGateway(log, gateway, realtime.WSConfig{
		OriginPatterns:   cfg.WSOriginPatterns,
		WriteTimeout:     cfg.WSWriteTimeout,
		ReadIdleTimeout:  cfg.WSReadIdleTimeout,
		HeartbeatEvery:   cfg.WSHeartbeatEvery,
		HeartbeatTimeout: cfg.WSHeartbeatTimeout,
	})

	return &App{
		cfg:         cfg,
		log:         log,
		startedAt:   time.Now().UTC(),
		transport:   transport,
		relay:       relay,
		registry:    registry,
		limiter:     limiter,
		httpLimiter: realtime.NewRateLimiter(),
		gateway:     gateway,
		ws:          ws,
		coordinator: NewShutdownCoordinator(log, cfg.ShutdownTimeout),
	}
}

// Handler returns the HTTP routes behind per-address rate limiting and request logging.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.cfg.InstanceID, a.startedAt, a.relay, a.gateway.Connections, a.ws)
	return WithRequestLogging(WithIPRateLimit(mux, a.httpLimiter, a.cfg.HTTPRateLimits, a.log), a.log)
}

// State exposes the shutdown lifecycle state.
func (a *App) State() State { return a.coordinator.State() }

// Run listens on cfg.HTTPAddr and blocks until ctx is done or the server fails,
// then drains through the shutdown coordinator.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return a.Serve(ctx, ln)
}

// Serve is Run on a caller-provided listener.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	// Workers outlive ctx: the coordinator stops them in order.
	workCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()

	g, gctx := errgroup.WithContext(workCtx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return a.relay.Run(gctx, a.gateway.DeliverRemote)
	})
	g.Go(func() error {
		return a.limiter.RunSweeper(gctx, a.cfg.RateSweepInterval)
	})
	g.Go(func() error {
		return a.httpLimiter.RunSweeper(gctx, a.cfg.RateSweepInterval)
	})

	a.log.Info("server.start",
		"addr", ln.Addr().String(),
		"instance_id", a.cfg.InstanceID,
		"bus", bus.Redact(a.cfg.BusURL),
		"channel", a.relay.Channel(),
	)

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case <-gctx.Done():
		a.log.Error("server.stop", "reason", "worker_failed")
	}

	a.registerShutdownSteps(srv, stopWorkers)

	if err := a.coordinator.Shutdown(); err != nil {
		_ = srv.Close()
		return err
	}

	if err := g.Wait(); err != nil {
		a.log.Error("server.fail", "err", err)
		return err
	}
	a.log.Info("server.stopped")
	return nil
}

func (a *App) registerShutdownSteps(srv *http.Server, stopWorkers context.CancelFunc) {
	a.coordinator.Register("stop_accepting", func(context.Context) error {
		a.gateway.Drain()
		return nil
	})
	a.coordinator.Register("close_listener", func(ctx context.Context) error {
		return srv.Shutdown(ctx)
	})
	a.coordinator.Register("close_connections", func(ctx context.Context) error {
		n := a.gateway.CloseAll()
		a.log.Info("shutdown.connections.closing", "count", n)
		return waitUntil(ctx, func() bool { return a.gateway.Connections() == 0 })
	})
	a.coordinator.Register("close_bus", func(context.Context) error {
		stopWorkers()
		return a.relay.Close()
	})
	a.coordinator.Register("release_rate_limits", func(context.Context) error {
		a.limiter.Reset()
		a.httpLimiter.Reset()
		return nil
	})
}

func waitUntil(ctx context.Context, cond func() bool) error {
	t := time.NewTicker(25 * time.Millisecond)
	defer t.Stop()
	for !cond() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	return nil
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
