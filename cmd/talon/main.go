// Talon - Loyalty admission control that deploys in 60 seconds.
// Copyright (c) 2025 loyalty-foundry
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/loyalty-foundry/talon/internal/anomaly"
	"github.com/loyalty-foundry/talon/internal/api"
	"github.com/loyalty-foundry/talon/internal/bus"
	"github.com/loyalty-foundry/talon/internal/cache"
	"github.com/loyalty-foundry/talon/internal/configstore"
	"github.com/loyalty-foundry/talon/internal/domain"
	"github.com/loyalty-foundry/talon/internal/limiter"
	"github.com/loyalty-foundry/talon/internal/repository"
	"github.com/loyalty-foundry/talon/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	// Initialize structured logger
	logLevel := slog.LevelInfo
	if os.Getenv("TALON_DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	// Log startup
	slog.Info("starting talon",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	// Load configuration
	cfg := domain.DefaultConfig()

	// Check for Pro tier via environment
	if os.Getenv("TALON_TIER") == "pro" {
		cfg = domain.ProConfig()
		slog.Info("running in Pro tier mode")
	}
	applyEnvOverrides(cfg)

	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Initialize Config Store
	configs := configstore.New(repo, cacheImpl)

	// Initialize Signal Engine
	signals, err := anomaly.NewSignalEngine()
	if err != nil {
		slog.Error("failed to initialize signal engine", "error", err)
		os.Exit(1)
	}

	// Initialize Findings Registry and Detector
	registry := anomaly.NewRegistry()
	detector := anomaly.NewDetector(cfg.Detector, signals)

	// Initialize Limiter
	store := limiter.NewStore(cfg.Limiter.LockWait, repo)
	admitter := limiter.NewService(store, registry)
	slog.Info("limiter initialized", "lock_wait", cfg.Limiter.LockWait)

	// Initialize scan Worker
	scanWorker := worker.New(repo, configs, detector, registry, busImpl, cfg.Detector)
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		if err := scanWorker.Start(ctx); err != nil {
			slog.Error("scan worker failed", "error", err)
		}
	}()
	slog.Info("scan worker started", "interval", cfg.Detector.ScanInterval)

	// Initialize Server
	handler := api.NewHandler(repo, cacheImpl, busImpl, configs, admitter, store, registry, signals, Version)
	srv := api.NewServer(handler, cfg.Server)

	// Start Server in goroutine
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("talon is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutting down...")

	// Wait for the scan worker to drain
	select {
	case <-workerDone:
	case <-time.After(5 * time.Second):
		slog.Warn("scan worker did not stop in time")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("talon shutdown complete")
}

// applyEnvOverrides lets single settings be tuned without switching tier.
func applyEnvOverrides(cfg *domain.Config) {
	if v := os.Getenv("TALON_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("TALON_SQLITE_PATH"); v != "" {
		cfg.Repository.SQLitePath = v
	}
	if v := os.Getenv("TALON_POSTGRES_HOST"); v != "" {
		cfg.Repository.PostgresHost = v
	}
	if v := os.Getenv("TALON_POSTGRES_USER"); v != "" {
		cfg.Repository.PostgresUser = v
	}
	if v := os.Getenv("TALON_POSTGRES_PASSWORD"); v != "" {
		cfg.Repository.PostgresPassword = v
	}
	if v := os.Getenv("TALON_POSTGRES_DB"); v != "" {
		cfg.Repository.PostgresDB = v
	}
	if v := os.Getenv("TALON_REDIS_ADDR"); v != "" {
		cfg.Cache.RedisAddr = v
	}
	if v := os.Getenv("TALON_NATS_URL"); v != "" {
		cfg.EventBus.NATSUrl = v
	}
	if v := os.Getenv("TALON_SCAN_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Detector.ScanInterval = d
		}
	}
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════╗")
	fmt.Println("  ║               🦅 TALON                    ║")
	fmt.Println("  ║     Loyalty Admission Control Engine      ║")
	fmt.Println("  ║      Every transaction, in check.         ║")
	fmt.Println("  ╚═══════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST   /admit              - Admit a transaction")
	fmt.Println("    POST   /preview            - Preview effective rates")
	fmt.Println("    POST   /receipts           - Ingest a receipt")
	fmt.Println("    GET    /config/{document}  - Read configuration")
	fmt.Println("    PUT    /config/{document}  - Update configuration")
	fmt.Println("    POST   /limits/reset       - Reset velocity counters")
	fmt.Println("    GET    /findings           - List active findings")
	fmt.Println("    DELETE /findings/{id}      - Clear a finding")
	fmt.Println("    GET    /health             - Health check")
	fmt.Println()
	fmt.Println("  Docs: https://github.com/loyalty-foundry/talon")
	fmt.Println()
}
