package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/skylight-hq/presenced/internal/auth"
	cfg "github.com/skylight-hq/presenced/internal/config"
	"github.com/skylight-hq/presenced/internal/connmgr"
	"github.com/skylight-hq/presenced/internal/health"
	"github.com/skylight-hq/presenced/internal/pubsub"
	"github.com/skylight-hq/presenced/internal/service"
	"github.com/skylight-hq/presenced/internal/store"
	"github.com/skylight-hq/presenced/internal/transport"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	config, err := cfg.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := newLogger(config.Logging.Level)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Two clients: one for commands, one dedicated to subscribing. Internal
	// retries are disabled on both so the connection manager and subscriber
	// observe failures instead of queued commands.
	client := redis.NewClient(&redis.Options{
		Addr:       config.Redis.Addr,
		Password:   config.Redis.Password,
		DB:         config.Redis.DB,
		MaxRetries: -1,
	})
	defer client.Close()
	subClient := redis.NewClient(&redis.Options{
		Addr:       config.Redis.Addr,
		Password:   config.Redis.Password,
		DB:         config.Redis.DB,
		MaxRetries: -1,
	})
	defer subClient.Close()
	if err := connmgr.ValidateClientOptions(client.Options()); err != nil {
		logger.Fatal("Invalid Redis client configuration", zap.Error(err))
	}
	if err := connmgr.ValidateClientOptions(subClient.Options()); err != nil {
		logger.Fatal("Invalid Redis subscriber configuration", zap.Error(err))
	}

	st := store.New(client, logger)
	conns := connmgr.For(client, st, logger, connmgr.Options{
		PruningInterval: config.Presence.PruningInterval(),
	})
	defer conns.Close()
	subscriber := pubsub.For(subClient, logger)
	defer subscriber.Close()

	// Health and metrics share the admin mux so probes respond even while
	// the API server is still coming up.
	hm := health.NewManager(logger)
	_ = hm.RegisterChecker(health.NewRedisHealthChecker(client, logger))
	_ = hm.RegisterChecker(health.NewConnectionHealthChecker(conns))
	if err := hm.Start(ctx); err != nil {
		logger.Fatal("Failed to start health manager", zap.Error(err))
	}
	adminMux := http.NewServeMux()
	health.NewHTTPHandler(hm, logger).RegisterRoutes(adminMux)
	adminMux.Handle("/metrics", promhttp.Handler())

	svcConfig := service.Config{
		TTLSeconds:      config.Presence.TTLSeconds,
		SizeLimit:       config.Presence.SizeLimit,
		PollingInterval: config.Presence.PollingInterval(),
	}
	jwtSecret := []byte(config.Auth.JWTSecret)
	wsServer := transport.NewWSServer(func(token string, conn transport.Connection) error {
		authorizer, err := auth.NewJWTAuthorizer(token, jwtSecret)
		if err != nil {
			return err
		}
		svc, err := service.New(authorizer, st, subscriber, conns, svcConfig, logger)
		if err != nil {
			return err
		}
		svc.Register(conn)
		return nil
	}, logger)

	apiMux := http.NewServeMux()
	apiMux.Handle("/presence", wsServer)

	apiServer := &http.Server{
		Addr:         config.Server.ListenAddr,
		Handler:      apiMux,
		ReadTimeout:  10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	adminServer := &http.Server{
		Addr:         config.Server.AdminAddr,
		Handler:      adminMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("API server listening", zap.String("addr", apiServer.Addr))
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		logger.Info("Admin server listening", zap.String("addr", adminServer.Addr))
		if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = apiServer.Shutdown(shutdownCtx)
		_ = adminServer.Shutdown(shutdownCtx)
		hm.Stop()
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Fatal("Server failed", zap.Error(err))
	}
	logger.Info("Shutdown complete")
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	if os.Getenv("PRESENCED_DEV_LOGGING") != "" {
		zc = zap.NewDevelopmentConfig()
		zc.Level = zap.NewAtomicLevelAt(lvl)
	}
	return zc.Build()
}
