package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"webvm-manager/internal/api"
	"webvm-manager/internal/config"
	"webvm-manager/internal/enrich"
	"webvm-manager/internal/monitor"
	"webvm-manager/internal/policy"
	"webvm-manager/internal/sandbox"
	"webvm-manager/internal/storage"
	"webvm-manager/internal/threat"
	"webvm-manager/internal/vm"
)

func main() {
	// Structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	if os.Getenv("ENV") != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	var cfg *config.Config
	var err error

	if _, statErr := os.Stat(configPath); statErr == nil {
		cfg, err = config.Load(configPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", configPath).Msg("failed to load config")
		}
	} else {
		log.Info().Msg("no config file found, using defaults")
		cfg = config.DefaultConfig()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := monitor.NewMetrics()

	// Sandbox backend (auto-detects containerd vs Docker)
	backend, err := sandbox.NewBackend(ctx, sandbox.Options{
		Backend:          cfg.Sandbox.Backend,
		ContainerdSocket: cfg.Sandbox.ContainerdSocket,
		Namespace:        cfg.Sandbox.Namespace,
		MaxConcurrent:    cfg.Sandbox.MaxConcurrent,
	})
	if err != nil {
		log.Warn().Err(err).Msg("no sandbox backend available (execution will fail)")
		// Continue startup so health/metrics endpoints work for debugging
	}

	var runner vm.Runner
	if backend != nil {
		box := sandbox.New(backend)
		defer func() {
			if err := box.Close(); err != nil {
				log.Error().Err(err).Msg("backend close error")
			}
		}()
		runner = box
	}

	// Repository: PostgreSQL when configured, otherwise in-memory.
	var repo vm.Repository
	var health api.HealthChecker
	if cfg.Database.DSN != "" {
		db, err := storage.New(ctx, cfg.Database.DSN)
		if err != nil {
			log.Warn().Err(err).Msg("database unavailable, falling back to in-memory repository")
			repo = storage.NewMemRepository()
		} else {
			defer db.Close()
			repo = db
			health = db
		}
	} else {
		repo = storage.NewMemRepository()
	}

	analyzer := threat.NewAnalyzer(cfg.Threat.Weights)
	manager := vm.NewManager(vm.Config{
		MaxInstancesPerOwner: cfg.Quotas.MaxInstancesPerOwner,
		MaxInstancesTotal:    cfg.Quotas.MaxInstancesTotal,
		DefaultSecurityLevel: policyLevel(cfg.Security.DefaultSecurityLevel),
		BlockThreshold:       cfg.Threat.BlockThreshold,
	}, runner, analyzer, repo, enrich.NewHeuristic(), vm.NewNotifier(1024))

	// Buffered sample persistence plus the resource monitor.
	writer := storage.NewSampleWriter(repo, cfg.Database.SampleBuffer, cfg.Database.SampleFlushPeriod)
	writer.Start()
	defer writer.Flush(10 * time.Second)

	mon := monitor.New(monitor.Options{
		Interval:  cfg.Monitor.Interval,
		Retention: cfg.Monitor.Retention,
		HighWater: cfg.Monitor.HighWater,
	}, manager.Registry(), monitor.NewSyntheticSource(0), manager, writer, metrics)
	go mon.Run(ctx)

	reaper := vm.NewReaper(manager, cfg.Reaper.IdleTimeout, cfg.Reaper.Interval)
	reaper.SetRetention(cfg.Reaper.RetainTerminated)
	go reaper.Run(ctx)

	server := api.NewServer(cfg, manager, health, metrics)

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh

		log.Info().Str("signal", sig.String()).Msg("shutting down")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown error")
		}
		cancel()
	}()

	log.Info().
		Str("addr", cfg.Address()).
		Bool("db_enabled", health != nil).
		Bool("backend_available", backend != nil).
		Msg("server starting")

	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server failed")
	}

	log.Info().Msg("server stopped")
}

// policyLevel trusts Validate to have rejected unknown levels; the fallback
// only covers a hand-built Config.
func policyLevel(s string) policy.Level {
	level, err := policy.ParseLevel(s)
	if err != nil {
		return policy.LevelMedium
	}
	return level
}
