package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/whisper/chat-relay/internal/admin"
	"github.com/whisper/chat-relay/internal/config"
	"github.com/whisper/chat-relay/internal/messaging"
	"github.com/whisper/chat-relay/internal/ratelimit"
	"github.com/whisper/chat-relay/internal/session"
	"github.com/whisper/chat-relay/internal/store"
	"github.com/whisper/chat-relay/internal/store/cache"
	"github.com/whisper/chat-relay/internal/store/postgres"
)

type ctlConfig struct {
	DatabaseURL         string        `env:"DATABASE_URL"`
	RedisAddr           string        `env:"REDIS_ADDR"`
	NATSURL             string        `env:"NATS_URL"`
	JWTSecret           string        `env:"JWT_SECRET"`
	TokenTTL            time.Duration `env:"TOKEN_TTL"`
	ParticipantCacheTTL time.Duration `env:"PARTICIPANT_CACHE_TTL"`
}

func main() {
	var cfg ctlConfig
	if err := config.ParseEnv(&cfg); err != nil {
		log.Fatalf("config: %v", err)
	}

	cli := &admin.CLI{
		Secret:   []byte(cfg.JWTSecret),
		TokenTTL: cfg.TokenTTL,
		Out:      os.Stdout,
	}

	args := os.Args[1:]
	cmd := ""
	if len(args) > 0 {
		cmd = args[0]
	}
	if cfg.DatabaseURL != "" {
		cli.Migrate = func() error { return postgres.Migrate(cfg.DatabaseURL) }
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if cmd != "watch" {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
	}

	if err := run(ctx, cfg, cli, cmd, args); err != nil {
		if errors.Is(err, admin.ErrUsage) {
			fmt.Fprint(os.Stderr, admin.Usage)
		}
		log.Printf("relayctl: %v", err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg ctlConfig, cli *admin.CLI, cmd string, args []string) error {
	needsStore := cmd != "" && admin.NeedsStore(cmd)
	if cfg.RedisAddr != "" && (needsStore || cmd == "limits") {
		client, err := session.Dial(ctx, cfg.RedisAddr)
		if err != nil {
			return fmt.Errorf("connect to Redis: %w", err)
		}
		defer client.Close()
		cli.Limits = ratelimit.NewLimiter(client)

		if needsStore {
			st, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			// Membership edits go through the cache so relays stop serving
			// the stale participant set.
			cached := cache.New(st, client, cfg.ParticipantCacheTTL)
			defer cached.Close()
			cli.Store = cached
		}
	} else if needsStore {
		st, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close()
		cli.Store = st
		if admin.ChangesMembership(cmd) {
			log.Printf("REDIS_ADDR not set: relays may serve cached participants of this chat until the cache entry expires")
		}
	}

	if cmd == "watch" && cfg.NATSURL != "" {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = cfg.NATSURL
		natsConfig.Name = "relayctl"
		nc, err := messaging.NewNATSClient(natsConfig)
		if err != nil {
			return err
		}
		defer nc.Close()
		cli.Events = nc
	}

	return cli.Run(ctx, args)
}

func openStore(ctx context.Context, cfg ctlConfig) (store.Store, error) {
	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	pg, err := postgres.Open(ctx, postgres.DefaultConfig(cfg.DatabaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect to Postgres: %w", err)
	}
	return pg, nil
}
