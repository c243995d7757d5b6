package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/snarg/busiq/internal/api"
	"github.com/snarg/busiq/internal/catalog"
	"github.com/snarg/busiq/internal/config"
	"github.com/snarg/busiq/internal/crowd"
	"github.com/snarg/busiq/internal/health"
	"github.com/snarg/busiq/internal/ingest"
	"github.com/snarg/busiq/internal/metrics"
	"github.com/snarg/busiq/internal/ops"
	"github.com/snarg/busiq/internal/state"
	"github.com/snarg/busiq/internal/stats"
)

var version = "dev"

func main() {
	startTime := time.Now()

	var overrides config.Overrides
	flag.StringVar(&overrides.EnvFile, "env-file", "", "path to .env file")
	flag.StringVar(&overrides.HTTPAddr, "addr", "", "http listen address")
	flag.StringVar(&overrides.LogLevel, "log-level", "", "log level")
	flag.StringVar(&overrides.RedisURL, "redis-url", "", "redis connection url")
	flag.Parse()

	// Config
	cfg, err := config.Load(overrides)
	if err != nil {
		early := zerolog.New(os.Stderr).With().Timestamp().Logger()
		early.Fatal().Err(err).Msg("failed to load config")
	}

	// Logger
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stdout).With().Timestamp().Logger().Level(level)
	log.Info().Str("version", version).Msg("busiq starting")

	// Context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// State store. Redis is preferred; the in-memory store keeps a single
	// instance serving when Redis is down.
	stateLog := log.With().Str("component", "state").Logger()
	var store state.Store
	var pool metrics.PoolStats
	if rs, err := state.ConnectRedis(ctx, cfg.RedisURL, stateLog); err != nil {
		stateLog.Warn().Err(err).Msg("redis unavailable, using in-memory store")
		store = state.NewMemory()
	} else {
		store = rs
		pool = rs
	}
	defer store.Close()
	prometheus.MustRegister(metrics.NewCollector(pool))

	// Static catalog. A failed download leaves an empty catalog; route names
	// degrade to raw ids and coverage scoring uses its fallback denominator.
	catLog := log.With().Str("component", "catalog").Logger()
	cat := catalog.Load(ctx, &http.Client{Timeout: catalog.DownloadTimeout}, cfg.GTFSStaticURLs, catLog)

	// Services
	crowdSvc := crowd.NewService(store, log)
	engine := ops.NewEngine(store, cat, crowdSvc, log)
	scorer := health.NewScorer(store, cat, crowdSvc, log)

	// Realtime poller
	client := ingest.NewClient(&http.Client{}, cfg.NTAAPIKey, cfg.VehiclesURL, cfg.TripUpdatesURL)
	poller := ingest.NewPoller(client, store, cat, cfg.PollInterval, log)
	go poller.Run(ctx)

	// Stats snapshotter
	collector := stats.NewCollector(store, cat, crowdSvc, cfg.StatsFile, cfg.StatsInterval, log)
	go collector.Run(ctx)

	// HTTP server
	httpLog := log.With().Str("component", "http").Logger()
	srv := api.NewServer(cfg, api.Deps{
		Store:     store,
		Catalog:   cat,
		Crowd:     crowdSvc,
		Engine:    engine,
		Health:    scorer,
		StatsPath: cfg.StatsFile,
		Version:   version,
		StartTime: startTime,
	}, httpLog)

	// Start HTTP server in background
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	// Wait for shutdown signal or server error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("http server error")
		}
	}

	// Graceful shutdown with 10s timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown error")
	}

	log.Info().Msg("busiq stopped")
}
