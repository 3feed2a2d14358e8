package app

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// ErrConfig reports an invalid runtime configuration.
var ErrConfig = errors.New("app: invalid config")

// Backends selectable with ARC_PUBSUB_DRIVER and ARC_SESSION_STORE.
const (
	DriverMemory   = "memory"
	DriverRedis    = "redis"
	DriverNATS     = "nats"
	DriverPostgres = "postgres"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	IdleTimeout       time.Duration
	ShutdownTimeout   time.Duration
	MaxHeaderBytes    int

	DatabaseURL    string
	DBMaxConns     int32
	DBMinConns     int32
	DBEnsureSchema bool

	// If true, /readyz returns 503 unless the DB is configured and reachable.
	ReadinessRequireDB bool

	RedisAddr     string
	RedisUsername string
	RedisPassword string
	RedisDB       int

	NATSURL  string
	NATSUser string
	NATSPass string

	PubSubDriver        string
	FanoutCodec         string
	FanoutChannelPrefix string
	FanoutBuffer        int
	InstanceID          string

	// SessionStore selects where refresh tokens and revocation markers live:
	// memory, redis or postgres.
	SessionStore string

	// If true, ARC_TOKEN_HMAC_KEY MUST be set (>= 32 bytes) and refresh-token
	// hashing is HMAC-based.
	RequireTokenHMAC bool
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() (Config, error) {
	cfg := Config{
		HTTPAddr:  EnvString("ARC_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("ARC_LOG_LEVEL", "info"),
		LogFormat: EnvString("ARC_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("ARC_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		IdleTimeout:       EnvDuration("ARC_HTTP_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout:   EnvDuration("ARC_HTTP_SHUTDOWN_TIMEOUT", 10*time.Second),
		MaxHeaderBytes:    EnvInt("ARC_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL:    EnvString("ARC_DATABASE_URL", ""),
		DBMaxConns:     EnvInt32("ARC_DB_MAX_CONNS", 10),
		DBMinConns:     EnvInt32("ARC_DB_MIN_CONNS", 0),
		DBEnsureSchema: EnvBool("ARC_DB_ENSURE_SCHEMA", false),

		ReadinessRequireDB: EnvBool("ARC_READINESS_REQUIRE_DB", false),

		RedisAddr: net.JoinHostPort(
			EnvString("ARC_REDIS_HOST", "127.0.0.1"),
			strconv.Itoa(EnvInt("ARC_REDIS_PORT", 6379)),
		),
		RedisUsername: EnvString("ARC_REDIS_USERNAME", ""),
		RedisPassword: EnvString("ARC_REDIS_PASSWORD", ""),
		RedisDB:       EnvInt("ARC_REDIS_DB", 0),

		NATSURL:  EnvString("ARC_NATS_URL", "nats://127.0.0.1:4222"),
		NATSUser: EnvString("ARC_NATS_USER", ""),
		NATSPass: EnvString("ARC_NATS_PASS", ""),

		PubSubDriver:        strings.ToLower(EnvString("ARC_PUBSUB_DRIVER", DriverMemory)),
		FanoutCodec:         strings.ToLower(EnvString("ARC_FANOUT_CODEC", "json")),
		FanoutChannelPrefix: EnvString("ARC_FANOUT_CHANNEL_PREFIX", ""),
		FanoutBuffer:        EnvInt("ARC_FANOUT_BUFFER", 256),
		InstanceID:          EnvString("ARC_INSTANCE_ID", ""),

		SessionStore: strings.ToLower(EnvString("ARC_SESSION_STORE", DriverMemory)),

		RequireTokenHMAC: EnvBool("ARC_REQUIRE_TOKEN_HMAC", false),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks driver selections and their prerequisites.
func (c Config) Validate() error {
	switch c.PubSubDriver {
	case DriverMemory, DriverRedis, DriverNATS:
	default:
		return fmt.Errorf("%w: ARC_PUBSUB_DRIVER %q (want memory|redis|nats)", ErrConfig, c.PubSubDriver)
	}

	switch c.SessionStore {
	case DriverMemory, DriverRedis:
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("%w: ARC_SESSION_STORE=postgres needs ARC_DATABASE_URL", ErrConfig)
		}
	default:
		return fmt.Errorf("%w: ARC_SESSION_STORE %q (want memory|redis|postgres)", ErrConfig, c.SessionStore)
	}

	switch c.LogFormat {
	case "json", "pretty", "text":
	default:
		return fmt.Errorf("%w: ARC_LOG_FORMAT %q (want json|pretty|text)", ErrConfig, c.LogFormat)
	}

	if c.ReadinessRequireDB && c.DatabaseURL == "" {
		return fmt.Errorf("%w: ARC_READINESS_REQUIRE_DB needs ARC_DATABASE_URL", ErrConfig)
	}
	return nil
}

// needsRedis reports whether any component is backed by Redis.
func (c Config) needsRedis() bool {
	return c.PubSubDriver == DriverRedis || c.SessionStore == DriverRedis
}
