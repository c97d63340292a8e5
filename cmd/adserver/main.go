package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ethicalads/adserver/internal/config"
	"github.com/ethicalads/adserver/internal/database"
	"github.com/ethicalads/adserver/internal/geo"
	"github.com/ethicalads/adserver/internal/httpserver"
	"github.com/ethicalads/adserver/internal/metrics"
	"github.com/ethicalads/adserver/internal/middleware"
	"github.com/ethicalads/adserver/internal/ratelimit"
	"github.com/ethicalads/adserver/internal/storage"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Setup logger
	logger := setupLogger(cfg)
	defer logger.Sync()

	logger.Info("starting ad server",
		zap.String("env", cfg.Server.Env),
		zap.String("addr", cfg.Server.Addr),
		zap.String("decision_backend", cfg.Decision.Backend),
	)

	// Background goroutines stop when this context is cancelled.
	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()

	connectCtx, connectCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer connectCancel()

	// Try to connect to PostgreSQL
	db, err := database.NewPostgresDB(connectCtx, cfg.Database, logger)
	if err != nil {
		logger.Warn("PostgreSQL not available, using in-memory storage", zap.Error(err))
		db = nil
	} else {
		defer db.Close()
	}

	// Try to connect to Redis
	rdb, err := database.NewRedisDB(connectCtx, cfg.Redis, logger)
	if err != nil {
		logger.Warn("Redis not available, using in-memory state", zap.Error(err))
		rdb = nil
	} else {
		defer rdb.Close()
	}

	// Click velocity limits
	windows, err := ratelimit.ParseLimits(cfg.RateLimit.ClickLimits)
	if err != nil {
		logger.Fatal("invalid click rate limits", zap.Error(err))
	}
	var limiter ratelimit.Limiter
	if rdb != nil {
		limiter = ratelimit.NewRedisLimiter(rdb.Client, windows, logger)
	} else {
		memLimiter := ratelimit.NewMemoryLimiter(windows)
		go memLimiter.RunReaper(bgCtx, time.Hour)
		limiter = memLimiter
	}

	// Geo resolver, with a static fallback when no database is present
	resolver := newResolver(bgCtx, cfg, logger)
	defer resolver.Close()

	// Optional ClickHouse analytics sink
	var analytics *storage.AnalyticsSink
	if cfg.ClickHouse.Enabled {
		analytics, err = storage.NewAnalyticsSink(storage.AnalyticsSinkConfig{
			Addr:          cfg.ClickHouse.Addr,
			Database:      cfg.ClickHouse.Database,
			Username:      cfg.ClickHouse.User,
			Password:      cfg.ClickHouse.Password,
			BatchSize:     cfg.ClickHouse.BatchSize,
			FlushInterval: cfg.ClickHouse.FlushInterval,
		}, logger)
		if err != nil {
			logger.Warn("ClickHouse not available, analytics disabled", zap.Error(err))
			analytics = nil
		} else {
			go analytics.Run(bgCtx)
			defer analytics.Close()
		}
	}

	m := metrics.NewMetrics("adserver")

	deps := &httpserver.Dependencies{
		DB:        db,
		Redis:     rdb,
		Config:    cfg,
		Logger:    logger,
		Metrics:   m,
		Resolver:  resolver,
		Limiter:   limiter,
		Analytics: analytics,
	}

	handler := httpserver.NewServer(deps)

	// HTTP middleware chain
	rateLimitMw := middleware.NewRateLimitMiddleware(cfg.RateLimit, logger)
	loggingMw := middleware.NewLoggingMiddleware(logger)
	recoveryMw := middleware.NewRecoveryMiddleware(logger)
	handler = recoveryMw.Handler(loggingMw.Handler(rateLimitMw.Handler(handler)))

	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-bgCtx.Done():
				return
			case <-ticker.C:
				rateLimitMw.CleanupIPLimiters()
			}
		}
	}()

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("HTTP server listening", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")
	bgCancel()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}

	logger.Info("server stopped")
}

// newResolver opens the city database if present, falling back to the
// country database and finally to a resolver that reports every IP as
// unknown. Serving continues either way; unknown geography only
// affects targeting.
func newResolver(ctx context.Context, cfg *config.Config, logger *zap.Logger) geo.Resolver {
	candidates := []struct {
		path string
		city bool
	}{
		{cfg.Geo.CityDBPath, true},
		{cfg.Geo.CountryDBPath, false},
	}

	for _, c := range candidates {
		if c.path == "" {
			continue
		}
		r, err := geo.NewMaxMindResolver(c.path, c.city, cfg.Geo.CacheSize, cfg.Geo.CacheTTL, logger)
		if err != nil {
			logger.Warn("GeoIP database unavailable",
				zap.String("path", c.path),
				zap.Error(err))
			continue
		}
		go r.RunReloader(ctx, cfg.Geo.ReloadInterval)
		return r
	}

	logger.Warn("no GeoIP database, all requests resolve as unknown")
	return geo.NewStaticResolver()
}

func setupLogger(cfg *config.Config) *zap.Logger {
	var zapCfg zap.Config

	if cfg.IsDevelopment() {
		zapCfg = zap.NewDevelopmentConfig()
		zapCfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	switch cfg.Log.Level {
	case "debug":
		zapCfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		zapCfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		zapCfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		zapCfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	}

	logger, err := zapCfg.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to create logger: %v", err))
	}

	return logger
}
