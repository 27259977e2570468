package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/ayalabs/defigw/service/ai"
	"github.com/ayalabs/defigw/service/bootstrap"
	"github.com/ayalabs/defigw/service/chain"
	"github.com/ayalabs/defigw/service/config"
	"github.com/ayalabs/defigw/service/db"
	"github.com/ayalabs/defigw/service/metrics"
	"github.com/ayalabs/defigw/service/orchestrator"
	"github.com/ayalabs/defigw/service/portfolio"
	"github.com/ayalabs/defigw/service/pricing"
	"github.com/ayalabs/defigw/service/server"
	"github.com/ayalabs/defigw/service/tracker"
	"github.com/ayalabs/defigw/service/vault"
)

func main() {
	// Load and validate configuration from environment.
	// This fails fast if any required config is missing or invalid.
	cfg := config.MustLoad()

	logger := setupLogger(cfg.LogLevel)
	logger.Info("starting gateway server",
		"addr", cfg.ServerAddr,
		"log_level", cfg.LogLevel,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database connection pool
	dbPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbPool.Close()

	if err := dbPool.Ping(ctx); err != nil {
		logger.Error("failed to ping database", "error", err)
		os.Exit(1)
	}
	logger.Info("connected to database")

	metricsCollector := metrics.NewMetrics(nil) // nil uses default registry

	store := db.NewStore(dbPool, metricsCollector)

	registry := chain.NewRegistry(chain.DefaultProtocols())

	chainSet, err := bootstrap.BuildChainSet(cfg, registry, logger)
	if err != nil {
		logger.Error("failed to build chain adapters", "error", err)
		os.Exit(1)
	}
	logger.Info("initialized chain adapters", "chains", len(chainSet.Chains()))

	keyVault, err := vault.New(cfg.VaultSecret, store, logger)
	if err != nil {
		logger.Error("failed to initialize key vault", "error", err)
		os.Exit(1)
	}

	// Pricing collaborator, with an optional Redis quote cache in front.
	var prices pricing.Provider
	priceClient := pricing.NewClient(cfg.PriceAPIURL, bootstrap.AuthedHTTPClient(cfg.PriceAPIKey, cfg.RPCTimeout), logger)
	prices = priceClient
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		prices = pricing.NewCachedProvider(priceClient, rdb, cfg.PriceCacheTTL, logger)
		logger.Info("price cache enabled", "redis_addr", cfg.RedisAddr, "ttl", cfg.PriceCacheTTL)
	}

	aggregator := portfolio.New(chainSet, prices, logger)

	// Temporal client for transaction lifecycle tracking
	trackerClient, err := tracker.NewClient(
		cfg.TemporalHost,
		cfg.TemporalNamespace,
		cfg.TemporalTaskQueue,
		tracker.TrackPolicy{
			InitialInterval: cfg.TrackInitialInterval,
			MaxInterval:     cfg.TrackMaxInterval,
			MaxAge:          cfg.TrackMaxAge,
		},
		logger,
	)
	if err != nil {
		logger.Error("failed to create temporal client", "error", err)
		os.Exit(1)
	}
	defer trackerClient.Close()
	logger.Info("connected to temporal",
		"host", cfg.TemporalHost,
		"namespace", cfg.TemporalNamespace,
	)

	orch := orchestrator.New(chainSet, store, keyVault, trackerClient, orchestrator.Config{
		MaxSlippagePct:  cfg.MaxSlippagePct,
		ExecuteAttempts: cfg.ExecuteAttempts,
		ExecuteBackoff:  cfg.ExecuteBackoff,
	}, metricsCollector, logger)

	// Text-completion collaborator is optional; defi.analyze reports it
	// unavailable when no key is configured.
	var analyzer server.AnalyzerService
	if cfg.OpenAIAPIKey != "" {
		analyzer = ai.NewAnalyzer(ai.NewOpenAIClient(cfg.OpenAIAPIKey), "", logger)
		logger.Info("analysis collaborator enabled")
	}

	handlers := server.NewHandlers(
		chainSet,
		registry,
		orch,
		aggregator,
		analyzer,
		store,
		keyVault,
		metricsCollector,
		logger,
	)

	httpServer := server.New(cfg.ServerAddr, cfg, handlers, metricsCollector, logger)

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- httpServer.Start()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error("server error", "error", err)
		os.Exit(1)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown server gracefully", "error", err)
			os.Exit(1)
		}

		logger.Info("server shutdown complete")
	}
}

// setupLogger creates a structured logger with the given log level.
func setupLogger(levelStr string) *slog.Logger {
	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
