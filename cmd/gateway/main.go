package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"sessioncast/internal/core/domain"
	"sessioncast/internal/core/ports"
	handlers "sessioncast/internal/handlers/http"
	"sessioncast/internal/infrastructure/middleware"
	"sessioncast/internal/infrastructure/monitoring"
	redisrepo "sessioncast/internal/infrastructure/repositories/redis"
	signalinfra "sessioncast/internal/infrastructure/signal"
	"sessioncast/internal/infrastructure/storage"
	"sessioncast/pkg/config"
	"sessioncast/pkg/logger"
	"sessioncast/pkg/tracing"
)

func main() {
	configPaths := []string{
		"configs/config.yaml",
		"./configs/config.yaml",
		"config.yaml",
	}

	var cfg *config.Config
	var err error
	for _, path := range configPaths {
		cfg, err = config.Load(path)
		if err == nil {
			break
		}
	}
	if err != nil {
		cfg = config.DefaultConfig()
	}

	zapLogger := logger.New(cfg.Logging.Level)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		JaegerURL:   cfg.Tracing.JaegerEndpoint,
	})
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		tp.Shutdown(ctx)
	}()

	redisClient, err := redisrepo.NewClient(cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.PoolSize, log)
	if err != nil {
		log.Fatalw("failed to connect to redis", "address", cfg.Redis.Address, "error", err)
	}
	defer redisClient.Close()

	sessionRepo := redisrepo.NewRedisSessionRepository(redisClient)

	store, err := storage.NewFSStore(cfg.Storage.RootDir)
	if err != nil {
		log.Fatalw("failed to open storage root", "root", cfg.Storage.RootDir, "error", err)
	}
	signer := storage.NewURLSigner(cfg.Storage.URLSecret, cfg.Storage.BaseURL)

	collector := monitoring.NewCollector()

	openChannel := func(sessionID domain.SessionID) ports.SignalChannel {
		return signalinfra.NewRedisChannel(redisClient, sessionID, log, collector)
	}
	relay := signalinfra.NewWebSocketRelay(openChannel, collector, log)

	handler := handlers.NewSessionHandler(
		sessionRepo,
		signer,
		store,
		relay,
		openChannel,
		cfg.Storage.WriteTTL,
		cfg.Storage.DefaultReadTTL,
		log,
	)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Logger())
	router.Use(middleware.RecoveryMiddleware(log))
	router.Use(middleware.NewRateLimitMiddleware(cfg))
	if cfg.Tracing.Enabled {
		router.Use(middleware.TracingMiddleware())
	}

	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:         cfg.Gateway.Address,
		Handler:      router,
		ReadTimeout:  cfg.Gateway.ReadTimeout,
		WriteTimeout: cfg.Gateway.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("starting gateway", "address", cfg.Gateway.Address)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Fatalw("gateway failed", "error", err)
	case sig := <-sigChan:
		log.Infow("received shutdown signal", "signal", sig)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Gateway.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during shutdown", "error", err)
		srv.Close()
	}
	log.Info("gateway stopped")
}
