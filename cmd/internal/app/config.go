package app

import (
	"errors"
	"fmt"
	"net"
	"time"

	"collab/cmd/internal/realtime"
	v1 "collab/shared/contracts/collab/v1"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

// ErrConfiguration marks configuration that prevents startup.
var ErrConfiguration = errors.New("configuration error")

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string
	LogColor  bool

	ReadHeaderTimeout time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	BusURL            string
	BusChannel        string
	BusPublishTimeout time.Duration
	BusBackoffMin     time.Duration
	BusBackoffMax     time.Duration

	InstanceID string

	RatePolicies      map[string]realtime.Policy
	RateSweepInterval time.Duration

	HTTPRateLimits HTTPRateLimits

	WSSendQueue        int
	WSWriteTimeout     time.Duration
	WSReadIdleTimeout  time.Duration
	WSHeartbeatEvery   time.Duration
	WSHeartbeatTimeout time.Duration
	WSOriginPatterns   []string

	// Hard deadline for graceful shutdown.
	ShutdownTimeout time.Duration
}

// LoadConfig loads Config from environment variables (and a .env file when present).
// A missing COLLAB_BUS_URL is a configuration error.
func LoadConfig() (Config, error) {
	// .env is optional; real environment variables win.
	_ = godotenv.Load()

	port := EnvString("COLLAB_PORT", "3001")

	cfg := Config{
		HTTPAddr:  EnvString("COLLAB_HTTP_ADDR", net.JoinHostPort("0.0.0.0", port)),
		LogLevel:  EnvString("COLLAB_LOG_LEVEL", "info"),
		LogFormat: EnvString("COLLAB_LOG_FORMAT", "json"),
		LogColor:  EnvBool("COLLAB_LOG_COLOR", false),

		ReadHeaderTimeout: EnvDuration("COLLAB_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		IdleTimeout:       EnvDuration("COLLAB_HTTP_IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    EnvInt("COLLAB_HTTP_MAX_HEADER_BYTES", 1<<20),

		BusURL:            EnvString("COLLAB_BUS_URL", ""),
		BusChannel:        EnvString("COLLAB_BUS_CHANNEL", v1.DefaultBusChannel),
		BusPublishTimeout: EnvDuration("COLLAB_BUS_PUBLISH_TIMEOUT", 2*time.Second),
		BusBackoffMin:     EnvDuration("COLLAB_BUS_BACKOFF_MIN", 250*time.Millisecond),
		BusBackoffMax:     EnvDuration("COLLAB_BUS_BACKOFF_MAX", 10*time.Second),

		InstanceID: EnvString("COLLAB_INSTANCE_ID", uuid.NewString()),

		RatePolicies:      loadRatePolicies(),
		RateSweepInterval: EnvDuration("COLLAB_RATE_SWEEP_INTERVAL", 60*time.Second),

		HTTPRateLimits: HTTPRateLimits{
			General: realtime.Policy{
				Max:    EnvInt("COLLAB_HTTP_RATE_MAX", 100),
				Window: EnvDuration("COLLAB_HTTP_RATE_WINDOW", 15*time.Minute),
			},
			Upgrade: realtime.Policy{
				Max:    EnvInt("COLLAB_WS_UPGRADE_RATE_MAX", 60),
				Window: EnvDuration("COLLAB_WS_UPGRADE_RATE_WINDOW", time.Minute),
			},
			TrustProxy: EnvBool("COLLAB_HTTP_TRUST_PROXY", false),
		},

		WSSendQueue:        EnvInt("COLLAB_WS_SEND_QUEUE", 256),
		WSWriteTimeout:     EnvDuration("COLLAB_WS_WRITE_TIMEOUT", 5*time.Second),
		WSReadIdleTimeout:  EnvDuration("COLLAB_WS_READ_IDLE_TIMEOUT", 2*time.Minute),
		WSHeartbeatEvery:   EnvDuration("COLLAB_WS_HEARTBEAT_INTERVAL", 25*time.Second),
		WSHeartbeatTimeout: EnvDuration("COLLAB_WS_HEARTBEAT_TIMEOUT", 5*time.Second),
		WSOriginPatterns:   EnvCSV("COLLAB_WS_ORIGIN_PATTERNS", "*"),

		ShutdownTimeout: EnvDuration("COLLAB_SHUTDOWN_TIMEOUT", 10*time.Second),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate enforces required settings.
func (c Config) Validate() error {
	if c.BusURL == "" {
		return fmt.Errorf("%w: COLLAB_BUS_URL is required", ErrConfiguration)
	}
	if c.BusBackoffMax < c.BusBackoffMin {
		return fmt.Errorf("%w: COLLAB_BUS_BACKOFF_MAX must be >= COLLAB_BUS_BACKOFF_MIN", ErrConfiguration)
	}
	return nil
}

func loadRatePolicies() map[string]realtime.Policy {
	defs := realtime.DefaultPolicies()
	keys := map[string]string{
		realtime.EventJoin:    "JOIN",
		realtime.EventLeave:   "LEAVE",
		realtime.EventEdit:    "EDIT",
		realtime.EventDefault: "DEFAULT",
	}

	out := make(map[string]realtime.Policy, len(keys))
	for event, suffix := range keys {
		def := defs[event]
		out[event] = realtime.Policy{
			Max:    EnvInt("COLLAB_RATE_"+suffix+"_MAX", def.Max),
			Window: EnvDuration("COLLAB_RATE_"+suffix+"_WINDOW", def.Window),
		}
	}
	return out
}
