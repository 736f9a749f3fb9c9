// Package config loads relay settings from the environment, with flag
// overrides for the handful of values operators change per run.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/whisper/chat-relay/internal/broadcast"
	"github.com/whisper/chat-relay/internal/relay"
	"github.com/whisper/chat-relay/internal/store/cache"
	"github.com/whisper/chat-relay/internal/store/postgres"
	"github.com/whisper/chat-relay/internal/ws"
)

// Config holds everything cmd/wsserver needs to assemble the relay.
type Config struct {
	ListenAddr        string        `env:"LISTEN_ADDR"        envDefault:":8080"`
	WorkerPoolSize    int           `env:"WORKER_POOL_SIZE"   envDefault:"256"`
	MaxConnections    int           `env:"MAX_CONNECTIONS"    envDefault:"100000"`
	ReadTimeout       time.Duration `env:"READ_TIMEOUT"       envDefault:"10s"`
	WriteTimeout      time.Duration `env:"WRITE_TIMEOUT"      envDefault:"10s"`
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"30s"`
	HeartbeatTimeout  time.Duration `env:"HEARTBEAT_TIMEOUT"  envDefault:"10s"`

	DatabaseURL    string `env:"DATABASE_URL"`
	MigrateOnStart bool   `env:"MIGRATE_ON_START" envDefault:"true"`
	RedisAddr      string `env:"REDIS_ADDR"`
	NATSURL        string `env:"NATS_URL"`
	ServerName     string `env:"SERVER_NAME"`
	JWTSecret      string `env:"JWT_SECRET"`

	TypingTimeout        time.Duration `env:"TYPING_TIMEOUT"        envDefault:"6s"`
	BroadcastConcurrency int           `env:"BROADCAST_CONCURRENCY" envDefault:"64"`
	StoreTimeout         time.Duration `env:"STORE_TIMEOUT"         envDefault:"5s"`
	ParticipantCacheTTL  time.Duration `env:"PARTICIPANT_CACHE_TTL" envDefault:"5m"`
	MetricsAddr          string        `env:"METRICS_ADDR"`
}

// ParseEnv populates target from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := ParseEnv(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "websocket listen address")
	fs.StringVar(&cfg.DatabaseURL, "database-url", cfg.DatabaseURL, "postgres DSN, empty for the in-memory store")
	fs.BoolVar(&cfg.MigrateOnStart, "migrate", cfg.MigrateOnStart, "apply schema migrations on start")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", cfg.RedisAddr, "redis address, empty to disable cache, limiter and session mirror")
	fs.StringVar(&cfg.NATSURL, "nats-url", cfg.NATSURL, "NATS URL, empty to disable the event tap")
	fs.StringVar(&cfg.ServerName, "server-name", cfg.ServerName, "instance name recorded in sessions and events")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "separate metrics listen address, empty to serve on the websocket mux")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	if cfg.ServerName == "" {
		cfg.ServerName, _ = os.Hostname()
	}
	if cfg.ServerName == "" {
		cfg.ServerName = "ws-1"
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the relay cannot start with.
func (c Config) Validate() error {
	if c.JWTSecret == "" {
		return errors.New("config: JWT_SECRET is required")
	}
	if c.WorkerPoolSize <= 0 {
		return fmt.Errorf("config: WORKER_POOL_SIZE must be positive, got %d", c.WorkerPoolSize)
	}
	if c.MaxConnections <= 0 {
		return fmt.Errorf("config: MAX_CONNECTIONS must be positive, got %d", c.MaxConnections)
	}
	if c.BroadcastConcurrency <= 0 {
		return fmt.Errorf("config: BROADCAST_CONCURRENCY must be positive, got %d", c.BroadcastConcurrency)
	}
	if c.TypingTimeout <= 0 || c.StoreTimeout <= 0 {
		return errors.New("config: TYPING_TIMEOUT and STORE_TIMEOUT must be positive")
	}
	return nil
}

// Server returns the transport settings.
func (c Config) Server() ws.ServerConfig {
	sc := ws.DefaultServerConfig()
	sc.ListenAddr = c.ListenAddr
	sc.WorkerPoolSize = c.WorkerPoolSize
	sc.MaxConnections = c.MaxConnections
	sc.ReadTimeout = c.ReadTimeout
	sc.WriteTimeout = c.WriteTimeout
	sc.HeartbeatInterval = c.HeartbeatInterval
	sc.HeartbeatTimeout = c.HeartbeatTimeout
	return sc
}

// Relay returns the router settings.
func (c Config) Relay() relay.Config {
	rc := relay.DefaultConfig()
	rc.StoreTimeout = c.StoreTimeout
	rc.TypingTimeout = c.TypingTimeout
	return rc
}

// Postgres returns the database settings. Callers check DatabaseURL first.
func (c Config) Postgres() postgres.Config {
	return postgres.DefaultConfig(c.DatabaseURL)
}

// CacheTTL returns the participant cache TTL, falling back to the cache
// default when unset.
func (c Config) CacheTTL() time.Duration {
	if c.ParticipantCacheTTL <= 0 {
		return cache.DefaultTTL
	}
	return c.ParticipantCacheTTL
}

// Broadcaster builds the fan-out used by the router.
func (c Config) Broadcaster() *broadcast.Broadcaster {
	return broadcast.New(c.BroadcastConcurrency)
}
