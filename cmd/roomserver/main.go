// Package main provides the room server binary: the websocket and REST
// frontend, the optional gRPC session transport, and their supporting stores.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/cory-johannsen/roomsync/internal/api"
	"github.com/cory-johannsen/roomsync/internal/auth"
	"github.com/cory-johannsen/roomsync/internal/config"
	"github.com/cory-johannsen/roomsync/internal/frontend"
	"github.com/cory-johannsen/roomsync/internal/frontend/ws"
	"github.com/cory-johannsen/roomsync/internal/game/anim"
	"github.com/cory-johannsen/roomsync/internal/game/room"
	"github.com/cory-johannsen/roomsync/internal/gameserver"
	"github.com/cory-johannsen/roomsync/internal/gateway"
	"github.com/cory-johannsen/roomsync/internal/observability"
	"github.com/cory-johannsen/roomsync/internal/presence"
	"github.com/cory-johannsen/roomsync/internal/server"
	"github.com/cory-johannsen/roomsync/internal/storage/migrations"
	"github.com/cory-johannsen/roomsync/internal/storage/postgres"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	migrate := flag.Bool("migrate", true, "apply database migrations at startup when the database is enabled")
	healthInterval := flag.Duration("db-health-interval", 30*time.Second, "database health check interval")
	flag.Parse()

	ctx := context.Background()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
		os.Exit(1)
	}

	logger, err := observability.NewLogger(cfg.Logging,
		zap.String("service", "roomserver"),
		zap.String("node_id", cfg.Redis.NodeID),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "initializing logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting room server",
		zap.String("http_addr", cfg.HTTP.Addr()),
		zap.Bool("grpc", cfg.GameServer.Enabled),
		zap.Bool("database", cfg.Database.Enabled),
		zap.Bool("redis", cfg.Redis.Enabled),
	)

	lifecycle := server.NewLifecycle(logger)

	registry := room.NewRegistry(room.WithMaxMembers(cfg.Limits.MaxRoomMembers))
	gwOpts := []gateway.Option{
		gateway.WithUpdateRate(cfg.Limits.UpdateRate, cfg.Limits.UpdateBurst),
	}

	if cfg.Limits.AnimationCatalog != "" {
		catalog, err := anim.LoadFromFile(cfg.Limits.AnimationCatalog)
		if err != nil {
			logger.Fatal("loading animation catalog", zap.String("path", cfg.Limits.AnimationCatalog), zap.Error(err))
		}
		logger.Info("animation catalog loaded", zap.Int("clips", len(catalog.Clips())))
		gwOpts = append(gwOpts, gateway.WithCatalog(catalog))
	}

	// Services are stopped in reverse order: the frontend and gRPC stop
	// before the presence publisher so final leave counts are flushed.
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer func() { _ = rdb.Close() }()

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			logger.Fatal("connecting to redis", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
		}
		store := presence.NewRedisStore(rdb, cfg.Redis.KeyPrefix, cfg.Redis.NodeID)
		publisher := presence.NewPublisher(store, cfg.Redis.QueueSize, logger.Named("presence"),
			presence.WithCounts(registry),
		)
		gwOpts = append(gwOpts, gateway.WithObserver(publisher))
		lifecycle.Add("presence", publisher)
		logger.Info("presence publisher enabled", zap.String("key", store.Key()))
	}

	gw := gateway.New(registry, logger.Named("gateway"), gwOpts...)

	tokens := auth.NewTokens(cfg.Auth.Secret, cfg.Auth.Issuer, cfg.Auth.TokenTTL, nil)
	apiOpts := []api.Option{api.WithTokens(tokens)}

	if cfg.Database.Enabled {
		if *migrate {
			m, err := migrations.New(cfg.Database.DSN(), logger.Named("migrate"))
			if err != nil {
				logger.Fatal("creating migrator", zap.Error(err))
			}
			if err := m.Up(); err != nil {
				logger.Fatal("applying migrations", zap.Error(err))
			}
			if err := m.Close(); err != nil {
				logger.Warn("closing migrator", zap.Error(err))
			}
		}

		dbStart := time.Now()
		pool, err := postgres.NewPool(ctx, cfg.Database)
		if err != nil {
			logger.Fatal("connecting to database", zap.Error(err))
		}
		defer pool.Close()
		logger.Info("database connected",
			zap.String("host", cfg.Database.Host),
			zap.Duration("elapsed", time.Since(dbStart)),
		)

		apiOpts = append(apiOpts,
			api.WithAccounts(postgres.NewAccountRepository(pool.DB())),
			api.WithRooms(postgres.NewRoomRepository(pool.DB())),
			api.WithHealthCheck("database", func(ctx context.Context) error {
				return pool.Health(ctx, time.Second)
			}),
		)

		healthCtx, stopHealth := context.WithCancel(ctx)
		lifecycle.Add("db-health", &server.FuncService{
			StartFn: func(context.Context) error {
				pool.MonitorHealth(healthCtx, *healthInterval, 2*time.Second, logger.Named("db"))
				return nil
			},
			StopFn: func(context.Context) { stopHealth() },
		})
	}

	if cfg.GameServer.Enabled {
		sessions := gameserver.NewSessionServer(gw, logger.Named("grpc"),
			gameserver.WithTokens(tokens, cfg.Auth.RequireToken),
			gameserver.WithSendBuffer(cfg.HTTP.SendBuffer),
		)
		grpcServer := gameserver.NewGRPCServer(cfg.GameServer.Addr(), sessions, logger.Named("grpc"))
		lifecycle.Add("grpc", &server.FuncService{
			StartFn: grpcServer.Start,
			StopFn: func(ctx context.Context) {
				sessions.Shutdown()
				grpcServer.Stop(ctx)
			},
		})
	}

	wsHandler := ws.NewHandler(cfg.HTTP, gw, logger.Named("ws"),
		ws.WithTokens(tokens, cfg.Auth.RequireToken),
	)
	mux := http.NewServeMux()
	mux.Handle("GET /ws", wsHandler)
	api.New(registry, logger.Named("api"), apiOpts...).Register(mux)

	acceptor := frontend.NewAcceptor(cfg.HTTP, mux, logger.Named("http"), wsHandler.Shutdown)
	lifecycle.Add("http", &server.FuncService{
		StartFn: func(context.Context) error { return acceptor.ListenAndServe() },
		StopFn:  acceptor.Stop,
	})

	logger.Info("room server initialized", zap.Duration("startup", time.Since(start)))

	if err := lifecycle.Run(ctx); err != nil {
		logger.Error("room server stopped with error", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
	logger.Info("room server stopped")
}
