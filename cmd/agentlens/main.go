// AgentLens server — multi-tenant observability backend for AI agents:
// append-only event ingest, session replay, analytics, guardrails and
// streaming.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/agentlens/agentlens/pkg/analytics"
	"github.com/agentlens/agentlens/pkg/api"
	"github.com/agentlens/agentlens/pkg/config"
	"github.com/agentlens/agentlens/pkg/database"
	"github.com/agentlens/agentlens/pkg/events"
	"github.com/agentlens/agentlens/pkg/guardrail"
	"github.com/agentlens/agentlens/pkg/metrics"
	"github.com/agentlens/agentlens/pkg/replay"
	"github.com/agentlens/agentlens/pkg/retention"
	"github.com/agentlens/agentlens/pkg/services"
	"github.com/agentlens/agentlens/pkg/storage"
	"github.com/agentlens/agentlens/pkg/version"
)

// resolveOrigin determines the replica identifier for cross-replica event
// announcements. Priority: POD_ID env > HOSTNAME env > "local"
func resolveOrigin() string {
	if id := os.Getenv("POD_ID"); id != "" {
		return id
	}
	if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		return hostname
	}
	return "local"
}

func newLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if format == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

func main() {
	envPath := flag.String("env-file", ".env", "Path to an optional .env file")
	flag.Parse()

	if err := godotenv.Load(*envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", *envPath, "error", err)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	origin := resolveOrigin()
	logger.Info("Starting AgentLens",
		"version", version.Full(),
		"backend", cfg.Storage.Backend,
		"http_port", cfg.HTTP.Port,
		"origin", origin)

	ctx := context.Background()

	// 1. Storage backend.
	var store storage.Store
	var dbClient *database.Client
	switch cfg.Storage.Backend {
	case config.BackendPostgres:
		dbCfg, err := database.LoadConfigFromEnv()
		if err != nil {
			logger.Error("Failed to load database config", "error", err)
			os.Exit(1)
		}
		dbClient, err = database.NewPostgresClient(ctx, dbCfg)
		if err != nil {
			logger.Error("Failed to connect to PostgreSQL", "error", err)
			os.Exit(1)
		}
		store, err = storage.NewPartitionedStore(ctx, dbClient, storage.PartitionedOptions{
			VectorDims: cfg.Storage.VectorDims,
		})
		if err != nil {
			logger.Error("Failed to initialize partitioned store", "error", err)
			os.Exit(1)
		}
	case config.BackendSQLite:
		dbClient, err = database.NewSQLiteClient(ctx, cfg.Storage.SQLitePath)
		if err != nil {
			logger.Error("Failed to open SQLite database", "error", err)
			os.Exit(1)
		}
		store = storage.NewEmbeddedStore(dbClient)
	default:
		logger.Error("Unknown storage backend", "backend", cfg.Storage.Backend)
		os.Exit(1)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("Error closing store", "error", err)
		}
	}()
	if health, err := dbClient.Health(ctx); err != nil {
		logger.Warn("Database health check failed", "error", err)
	} else {
		logger.Info("Storage initialized",
			"variant", store.Capabilities().Variant,
			"latency_ms", health.LatencyMS,
			"max_open_conns", health.MaxOpenConns)
	}

	// 2. Event bus and instrumentation.
	bus := events.NewBus(cfg.Bus.HighWaterMark)
	m := metrics.New(bus)

	// 3. Domain services.
	analyzer, err := analytics.New(store, cfg.Analytics)
	if err != nil {
		logger.Error("Invalid analytics configuration", "error", err)
		os.Exit(1)
	}

	var announcer storage.Announcer
	if store.Capabilities().Notify {
		announcer, _ = store.(storage.Announcer)
	}

	ingestService := services.NewIngestService(store, bus, announcer, origin, cfg.Ingest, m)
	queryService := services.NewQueryService(store,
		replay.NewProjector(store, cfg.Replay.CacheTTL, cfg.Replay.CacheEntries), analyzer)
	guardrailService := services.NewGuardrailService(store)
	keyService := services.NewKeyService(store, cfg.Auth)

	// 4. Bootstrap credential for fresh deployments.
	if !cfg.Auth.Disabled {
		if err := keyService.Seed(ctx); err != nil {
			logger.Error("Failed to seed bootstrap API key", "error", err)
			os.Exit(1)
		}
	}

	// 5. Background loops.
	var engine *guardrail.Engine
	if cfg.Guardrail.Enabled {
		engine = guardrail.NewEngine(store, analyzer, bus, cfg.Guardrail, logger)
		engine.SetMetrics(m)
		engine.Start(ctx)
	}

	var purger *retention.Purger
	if cfg.Retention.Enabled {
		purger = retention.NewPurger(store, cfg.Retention, logger)
		purger.SetMetrics(m)
		if err := purger.Start(ctx); err != nil {
			logger.Error("Failed to start retention purger", "error", err)
			os.Exit(1)
		}
	}

	var bridge *events.Bridge
	if store.Capabilities().Notify {
		bridge = events.NewBridge(dbClient.DSN(), origin, bus, store)
		if err := bridge.Start(ctx); err != nil {
			logger.Error("Failed to start event bridge", "error", err)
			os.Exit(1)
		}
	}

	// 6. HTTP server (non-blocking).
	server := api.NewServer(ingestService, queryService, guardrailService, keyService,
		bus, store, m, cfg.HTTP, cfg.Auth, logger)

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil {
			errCh <- err
		}
	}()
	logger.Info("AgentLens started")

	// 7. Wait for shutdown signal or server error.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		logger.Error("Server error triggered shutdown", "error", err)
	}

	// 8. Graceful shutdown: stop producers of new work first, then drain the
	// HTTP server within its own budget.
	if engine != nil {
		engine.Stop()
	}
	if purger != nil {
		purger.Stop()
	}
	if bridge != nil {
		stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		bridge.Stop(stopCtx)
		cancel()
	}

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	logger.Info("Shutdown complete")
}
