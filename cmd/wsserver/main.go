package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mystify/realtime/internal/config"
	"github.com/mystify/realtime/internal/conversation"
	"github.com/mystify/realtime/internal/eventlog"
	"github.com/mystify/realtime/internal/fanout"
	"github.com/mystify/realtime/internal/game"
	"github.com/mystify/realtime/internal/group"
	"github.com/mystify/realtime/internal/httpapi"
	"github.com/mystify/realtime/internal/messaging"
	"github.com/mystify/realtime/internal/metrics"
	"github.com/mystify/realtime/internal/moderation"
	"github.com/mystify/realtime/internal/presence"
	"github.com/mystify/realtime/internal/ratelimit"
	"github.com/mystify/realtime/internal/receipt"
	"github.com/mystify/realtime/internal/report"
	"github.com/mystify/realtime/internal/session"
	"github.com/mystify/realtime/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// --- Redis ---
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	cancel()

	// --- Event log ---
	var (
		db      *sql.DB
		store   eventlog.Store
		reports report.Store
		groups  group.Store
	)
	if cfg.DatabaseURL != "" {
		db, err = eventlog.OpenPostgres(cfg.Postgres())
		if err != nil {
			log.Fatalf("failed to connect to Postgres: %v", err)
		}
		if cfg.MigrateOnStart {
			if err := eventlog.Migrate(db); err != nil {
				log.Fatalf("failed to migrate: %v", err)
			}
		}
		store = eventlog.NewPostgresStore(db)
		reports = report.NewPostgresStore(db)
		groups = group.NewPostgresStore(db)
	} else {
		log.Printf("DATABASE_URL not set, keeping the event log in memory")
		store = eventlog.NewMemoryStore()
		reports = report.NewMemoryStore()
		groups = group.NewMemoryStore()
	}
	store = eventlog.Instrument(store)

	// --- Broker ---
	var (
		broker fanout.Broker
		nc     *messaging.NATSClient
	)
	if cfg.NATSURL != "" {
		nc, err = messaging.NewNATSClient(cfg.NATS())
		if err != nil {
			log.Fatalf("failed to connect to NATS: %v", err)
		}
		broker = nc
	} else {
		log.Printf("NATS_URL not set, fanning out in process")
		broker = fanout.NewLocalBroker()
	}

	routerConfig := fanout.DefaultConfig()
	if cfg.SubscriptionBuffer > 0 {
		routerConfig.Buffer = cfg.SubscriptionBuffer
	}
	router := fanout.NewRouter(store, broker, routerConfig)

	// --- Services ---
	limiter := ratelimit.NewLimiter(rdb)
	filterConfig := moderation.DefaultConfig()
	filterConfig.BlockURLs = cfg.BlockURLs
	filterConfig.BlockPhones = cfg.BlockPhones

	conversations := conversation.NewService(conversation.Deps{
		Log:       store,
		Publisher: router,
		Typing:    presence.NewTracker(presence.NewRedisStore(rdb), router, cfg.TypingTTL),
		Receipts:  receipt.NewRedisTracker(rdb),
		Filter:    moderation.NewFilterWithConfig(filterConfig),
		Limiter:   limiter,
		Blocks:    reports,
		Groups:    groups,
	}, conversation.DefaultConfig())

	leaderboard := game.NewRedisLeaderboard(rdb)
	games := game.NewCoordinator(game.NewRedisStore(rdb), store, router, leaderboard, game.DefaultConfig())
	sessions := session.NewStore(rdb, cfg.ServerName)

	log.Printf("Realtime server starting")
	log.Printf("  listen_addr:      %s", cfg.ListenAddr)
	log.Printf("  worker_pool:      %d", cfg.WorkerPoolSize)
	log.Printf("  max_connections:  %d (per user %d)", cfg.MaxConnections, cfg.MaxConnectionsPerUser)
	log.Printf("  read_timeout:     %s", cfg.ReadTimeout)
	log.Printf("  write_timeout:    %s", cfg.WriteTimeout)
	log.Printf("  redis_addr:       %s", cfg.RedisAddr)
	log.Printf("  postgres:         %v", db != nil)
	log.Printf("  nats_url:         %s", cfg.NATSURL)
	log.Printf("  server_name:      %s", cfg.ServerName)

	// --- Transport ---
	handlers := &ws.Handlers{
		Conversations: conversations,
		Games:         games,
		Router:        router,
		Log:           store,
		Limiter:       limiter,
	}
	dispatcher := ws.NewMessageDispatcher(cfg.RequestTimeout)
	handlers.Register(dispatcher)

	server := ws.NewServer(cfg.Server(), sessions, limiter, dispatcher.Dispatch)
	server.SetOnDisconnect(handlers.OnDisconnect)
	server.Handle("/metrics", metrics.Handler())
	server.Handle("/v1/", httpapi.NewRouter(httpapi.Deps{
		Conversations:  conversations,
		Games:          games,
		Leaderboard:    leaderboard,
		Reports:        reports,
		Sessions:       sessions,
		Limiter:        limiter,
		AllowedOrigins: cfg.AllowedOrigins,
	}))

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		router.Close()
		if nc != nil {
			nc.Close()
		}
		if db != nil {
			if err := db.Close(); err != nil {
				log.Printf("postgres close error: %v", err)
			}
		}
		if err := rdb.Close(); err != nil {
			log.Printf("redis close error: %v", err)
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
