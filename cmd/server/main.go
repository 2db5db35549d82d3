package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"

	"github.com/dexterr404/watch-room/config"
	"github.com/dexterr404/watch-room/internal/cache"
	"github.com/dexterr404/watch-room/internal/postgres"
	"github.com/dexterr404/watch-room/internal/security"
	"github.com/dexterr404/watch-room/internal/service"
	grpcx "github.com/dexterr404/watch-room/internal/transport/grpc"
	httpx "github.com/dexterr404/watch-room/internal/transport/http"
	httpmw "github.com/dexterr404/watch-room/internal/transport/http/middleware"
	"github.com/dexterr404/watch-room/internal/transport/ws"
	"github.com/dexterr404/watch-room/pkg/logger"
	"github.com/dexterr404/watch-room/pkg/tracing"
)

func main() {
	// --- config ---
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger.Init(logger.Config{
		Env:       logger.Env(cfg.Logging.Env),
		Service:   cfg.Logging.Service,
		Version:   cfg.Logging.Version,
		Backend:   logger.Backend(cfg.Logging.Backend),
		AddSource: cfg.Logging.AddSource,
		Debug:     cfg.Logging.Debug,
	})
	defer func() { _ = logger.Sync() }()
	slog.Info("starting watch-room",
		"env", cfg.Logging.Env, "version", cfg.Logging.Version)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, cfg.Logging.Service, cfg.Logging.Version, cfg.Tracing.Endpoint)
	if err != nil {
		slog.Warn("tracing disabled", "err", err)
	}

	// --- postgres ---
	db, err := postgres.New(ctx, postgres.Config{
		DSN:             cfg.Postgres.DSN,
		MaxConns:        cfg.Postgres.MaxConns,
		ApplicationName: cfg.Postgres.ApplicationName,
	})
	if err != nil {
		log.Fatalf("postgres: %v", err)
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		log.Fatalf("postgres migrate: %v", err)
	}

	// --- redis (опционально: кэш профилей и relay между инстансами) ---
	hub := ws.NewHub()
	var (
		publisher    service.InsertPublisher = hub
		profileCache service.ProfileCache
		health       = map[string]grpcx.Pinger{"postgres": db}
		relay        *ws.Relay
	)
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer func() { _ = rdb.Close() }()

		c := cache.New(rdb, "watch:", cfg.ProfileTTL())
		if err := c.Ping(ctx); err != nil {
			log.Fatalf("redis: %v", err)
		}
		profileCache = c
		health["redis"] = c
		defer func() { slog.Info("profile cache stats", "stats", c.Stats()) }()

		relay = ws.NewRelay(rdb, hub, cfg.Realtime.InsertsTopic)
		if err := relay.Start(ctx); err != nil {
			log.Fatalf("redis relay: %v", err)
		}
		publisher = relay
	}

	// --- services ---
	chatSvc := service.NewChatService(postgres.NewChatRepository(db.Pool), publisher, cfg.Realtime.MaxMessage)
	profileSvc := service.NewProfileService(postgres.NewProfileRepository(db.Pool), profileCache)
	verifier := security.NewJWTVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.Audience, cfg.ClockSkew())

	// --- HTTP + WS ---
	wsServer := ws.NewServer(hub, verifier, cfg.PingEvery())
	postLimiter := httpmw.NewRateLimiter(rate.Limit(cfg.HTTP.PostRate), cfg.HTTP.PostBurst, 2*time.Minute)
	defer postLimiter.Stop()
	router := httpx.NewRouter(httpx.RouterDeps{
		Handler:        httpx.NewHandler(chatSvc, profileSvc),
		Auth:           verifier,
		WS:             wsServer.HandleWS,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		PostLimiter:    postLimiter,
	})
	httpSrv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// --- gRPC health ---
	grpcServer := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(grpcx.UnaryServerInterceptor()),
		grpc.ChainStreamInterceptor(grpcx.StreamServerInterceptor()),
	)
	healthSrv := grpcx.NewServer(health, 10*time.Second)
	grpcx.Register(grpcServer, healthSrv)
	go healthSrv.Run(ctx)

	// --- run both servers ---
	errCh := make(chan error, 2)

	go func() {
		slog.Info("http listen", "addr", cfg.HTTP.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	if cfg.GRPC.Addr != "" {
		go func() {
			lis, err := net.Listen("tcp", cfg.GRPC.Addr)
			if err != nil {
				errCh <- err
				return
			}
			slog.Info("grpc listen", "addr", cfg.GRPC.Addr)
			if err := grpcServer.Serve(lis); err != nil {
				errCh <- err
			}
		}()
	}

	// --- graceful shutdown ---
	select {
	case <-ctx.Done():
		slog.Info("shutdown signal")
	case err := <-errCh:
		slog.Error("server error", "err", err)
	}

	ctxShutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	grpcServer.GracefulStop()
	_ = httpSrv.Shutdown(ctxShutdown)
	if relay != nil {
		_ = relay.Close()
	}
	if err := shutdownTracing(ctxShutdown); err != nil {
		slog.Warn("tracing shutdown", "err", err)
	}
	slog.Info("stopped")
}
