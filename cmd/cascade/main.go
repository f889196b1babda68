package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/cascadeio/cascade/internal/engine"
	"github.com/cascadeio/cascade/internal/logging"
	"github.com/cascadeio/cascade/internal/scheduler"
	"github.com/cascadeio/cascade/internal/store"
	"github.com/cascadeio/cascade/internal/streaming"
	"github.com/cascadeio/cascade/internal/transport"
	"github.com/cascadeio/cascade/pkg/mcp"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "cascade:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	engCfg := cfg.engineConfig()
	engCfg.Logger = logger
	engCfg.Emitter = streaming.NewHub()

	if cfg.DBPath != "" {
		ledger, err := store.NewLibSQLLedger("file:" + cfg.DBPath)
		if err != nil {
			return fmt.Errorf("open ledger at %s: %w", cfg.DBPath, err)
		}
		engCfg.Ledger = ledger
		logger.Info("durable ledger enabled", slog.String("db_path", cfg.DBPath))
	}

	registry := transport.NewRegistry()
	for ref, endpoint := range cfg.Actors {
		registry.Register(ref, transport.NewHTTPTransport(endpoint, transport.HTTPConfig{}))
		logger.Info("actor registered", slog.String("ref", ref), slog.String("endpoint", endpoint))
	}

	eng, err := engine.New(registry, engCfg)
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}
	defer eng.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var sched *scheduler.Scheduler
	if cfg.Scheduler {
		sched = scheduler.NewScheduler(eng, logger)
		if err := sched.Start(ctx); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
		defer sched.Stop()
	}

	srv := mcp.NewCascadeServer(mcp.CascadeServerDeps{
		Engine:    eng,
		Scheduler: sched,
		Logger:    logger,
	})

	logger.Info("cascade engine serving on stdio",
		slog.Int("max_concurrent", engCfg.MaxConcurrent),
		slog.Int("actors", len(cfg.Actors)))
	return srv.Serve(ctx)
}

// newLogger builds the process logger: text to stderr (stdout carries the
// MCP protocol) with correlation IDs injected from context.
func newLogger(level string) *slog.Logger {
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
	inner := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}
