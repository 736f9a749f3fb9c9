package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/whisper/chat-relay/internal/config"
	"github.com/whisper/chat-relay/internal/identity"
	"github.com/whisper/chat-relay/internal/messaging"
	"github.com/whisper/chat-relay/internal/metrics"
	"github.com/whisper/chat-relay/internal/presence"
	"github.com/whisper/chat-relay/internal/ratelimit"
	"github.com/whisper/chat-relay/internal/relay"
	"github.com/whisper/chat-relay/internal/session"
	"github.com/whisper/chat-relay/internal/store"
	"github.com/whisper/chat-relay/internal/store/cache"
	"github.com/whisper/chat-relay/internal/store/memory"
	"github.com/whisper/chat-relay/internal/store/postgres"
	"github.com/whisper/chat-relay/internal/ws"
)

func main() {
	cfg, err := config.ParseConfig(flag.NewFlagSet("wsserver", flag.ExitOnError), os.Args[1:])
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx := context.Background()

	// --- Store ---
	var st store.Store
	if cfg.DatabaseURL != "" {
		if cfg.MigrateOnStart {
			if err := postgres.Migrate(cfg.DatabaseURL); err != nil {
				log.Fatalf("failed to migrate database: %v", err)
			}
		}
		pg, err := postgres.Open(ctx, cfg.Postgres())
		if err != nil {
			log.Fatalf("failed to connect to Postgres: %v", err)
		}
		st = pg
	} else {
		log.Printf("DATABASE_URL not set, using in-memory store")
		st = memory.New()
	}

	var opts []relay.Option
	opts = append(opts, relay.WithBroadcaster(cfg.Broadcaster()))

	// --- Redis ---
	var (
		redisClient  *redis.Client
		sessionStore *session.Store
	)
	if cfg.RedisAddr != "" {
		redisClient, err = session.Dial(ctx, cfg.RedisAddr)
		if err != nil {
			log.Fatalf("failed to connect to Redis: %v", err)
		}
		sessionStore = session.NewStore(redisClient, cfg.ServerName)
		st = cache.New(st, redisClient, cfg.CacheTTL())
		opts = append(opts,
			relay.WithLimiter(ratelimit.NewLimiter(redisClient)),
			relay.WithSessionMirror(sessionStore),
		)
	}

	// --- NATS ---
	var natsClient *messaging.NATSClient
	if cfg.NATSURL != "" {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = cfg.NATSURL
		natsClient, err = messaging.NewNATSClient(natsConfig)
		if err != nil {
			log.Fatalf("failed to connect to NATS: %v", err)
		}
		opts = append(opts, relay.WithEventTap(messaging.NewTap(natsClient, cfg.ServerName)))
	}

	verifier, err := identity.NewJWTVerifier([]byte(cfg.JWTSecret))
	if err != nil {
		log.Fatalf("identity: %v", err)
	}

	log.Printf("Whisper relay starting")
	log.Printf("  listen_addr:     %s", cfg.ListenAddr)
	log.Printf("  worker_pool:     %d", cfg.WorkerPoolSize)
	log.Printf("  max_connections: %d", cfg.MaxConnections)
	log.Printf("  store:           %s", storeKind(cfg))
	log.Printf("  redis_addr:      %s", orDisabled(cfg.RedisAddr))
	log.Printf("  nats_url:        %s", orDisabled(cfg.NATSURL))
	log.Printf("  server_name:     %s", cfg.ServerName)
	log.Printf("  typing_timeout:  %s", cfg.TypingTimeout)
	log.Printf("  store_timeout:   %s", cfg.StoreTimeout)

	registry := presence.NewRegistry()
	router := relay.NewRouter(cfg.Relay(), verifier, st, registry, opts...)

	server := ws.NewServer(cfg.Server(), sessionStore, func(conn *ws.Connection, data []byte) {
		router.Dispatch(conn, data)
	})
	server.SetOnConnect(func(conn *ws.Connection) { router.HandleConnect(conn) })
	server.SetOnDisconnect(func(conn *ws.Connection) { router.HandleDisconnect(conn) })

	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		metricsServer = &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
	} else {
		server.Handle("/metrics", metrics.Handler())
	}

	// Graceful shutdown on signal, or when either listener fails.
	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(sigCtx)

	g.Go(server.Start)
	if metricsServer != nil {
		g.Go(func() error {
			log.Printf("metrics listening on %s", cfg.MetricsAddr)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Printf("initiating graceful shutdown...")
		if err := server.Shutdown(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		if metricsServer != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := metricsServer.Shutdown(shutdownCtx); err != nil {
				log.Printf("metrics shutdown error: %v", err)
			}
		}
		return nil
	})
	runErr := g.Wait()

	router.Close()
	if natsClient != nil {
		if err := natsClient.Flush(2 * time.Second); err != nil {
			log.Printf("nats flush error: %v", err)
		}
		natsClient.Close()
	}
	if err := st.Close(); err != nil {
		log.Printf("store close error: %v", err)
	}
	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			log.Printf("redis close error: %v", err)
		}
	}
	if runErr != nil {
		log.Fatalf("server error: %v", runErr)
	}
}

func storeKind(cfg config.Config) string {
	if cfg.DatabaseURL == "" {
		return "memory"
	}
	return "postgres"
}

func orDisabled(v string) string {
	if v == "" {
		return "disabled"
	}
	return v
}
