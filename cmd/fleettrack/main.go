package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"fleettrack/internal/cache"
	"fleettrack/internal/config"
	"fleettrack/internal/geofence"
	"fleettrack/internal/handler"
	"fleettrack/internal/hub"
	"fleettrack/internal/ingest"
	"fleettrack/internal/middleware"
	"fleettrack/internal/store"
	"fleettrack/internal/track"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)

	logger.Info("starting fleettrack server",
		"log_level", cfg.LogLevel.String(),
		"http_addr", cfg.HTTPAddr,
		"redis_enabled", cfg.RedisEnabled,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := store.New(ctx, cfg.PostgresDSN, logger)
	if err != nil {
		logger.Error("postgres connection failed", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.Migrate(ctx); err != nil {
		logger.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	var redisCache *cache.RedisCache
	if cfg.RedisEnabled {
		redisCache, err = cache.NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, logger)
		if err != nil {
			logger.Error("redis connection failed", "error", err)
			os.Exit(1)
		}
		defer redisCache.Close()
	}

	states := track.New(cfg.MovingThresholdKmh, cfg.StaleAfter)
	evaluator := geofence.New()
	wsHub := hub.NewHub(logger)

	var stateCache ingest.StateCache
	if redisCache != nil {
		stateCache = redisCache
	}
	gateway := ingest.New(db, db, db, states, evaluator, wsHub, stateCache, ingest.Config{
		QueueSize:        cfg.SampleQueueSize,
		PersistAttempts:  cfg.PersistAttempts,
		PersistBackoff:   cfg.PersistBackoff,
		IdleTimeout:      cfg.WorkerIdleTimeout,
		MinSpeedFloorKmh: cfg.MinSpeedFloorKmh,
		CacheTTL:         cfg.CacheTTL,
	}, logger)
	defer gateway.Close()

	if cfg.WarmOnStart {
		warmer := cache.NewStateWarmer(redisCache, states, db, logger)
		if err := warmer.Warm(ctx); err != nil {
			logger.Warn("state warming failed", "error", err)
		}
	}

	httpHandler := handler.NewHTTPHandler(gateway, states, db, cfg.MinSpeedFloorKmh)
	wsHandler := handler.NewWSHandler(wsHub, gateway, states, cfg.ClientSendBuffer, logger)
	healthHandler := handler.NewHealthHandler(db, states)
	statsHandler := handler.NewStatsHandler(states, wsHub)

	rateLimiter := middleware.NewRateLimiter(
		cfg.RateLimitPerWindow,
		cfg.RateLimitWindow,
		cfg.RateLimitWhitelist,
		handler.ServerStats.IncRateLimitBlocked,
		logger,
	)

	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/jobs/{jobID}/locations", httpHandler.SubmitLocation)
	mux.HandleFunc("GET /v1/jobs/{jobID}/tracking", httpHandler.GetTracking)
	mux.HandleFunc("POST /v1/jobs/{jobID}/waypoints/{waypointID}/checkin", httpHandler.CheckinWaypoint)
	mux.HandleFunc("POST /v1/jobs/{jobID}/status", httpHandler.UpdateJobStatus)
	mux.HandleFunc("GET /v1/stats", statsHandler.GetStats)

	mux.HandleFunc("GET /healthz", healthHandler.Healthz)
	mux.HandleFunc("GET /readyz", healthHandler.Readyz)

	wsMux := http.NewServeMux()
	wsMux.HandleFunc("/v1/ws", wsHandler.ServeWS)
	wsMux.Handle("/", rateLimiter.Middleware(handler.GzipMiddleware(mux)))

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      handler.CORSMiddleware(wsMux),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	go wsHub.Run(ctx)

	go func() {
		logger.Info("starting HTTP server", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server error", "error", err)
			cancel()
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigChan:
		logger.Info("shutdown signal received")
	case <-ctx.Done():
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	logger.Info("shutdown complete")
}
