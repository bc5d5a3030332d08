package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"resellpilot/internal/audit"
	"resellpilot/internal/autopilot"
	"resellpilot/internal/config"
	"resellpilot/internal/db"
	"resellpilot/internal/execution"
	"resellpilot/internal/httpapi"
	"resellpilot/internal/performance"
	"resellpilot/internal/ratelimit"
	"resellpilot/internal/scheduler"
	"resellpilot/internal/store"
	"resellpilot/internal/strategy"
)

func main() {
	// Parse CLI flags.
	serve := flag.Bool("serve", true, "Serve the HTTP API alongside the scheduler")
	sweepOnce := flag.Bool("sweep-once", false, "Run a single sweep and execution pass, then exit")
	useDefaults := flag.Bool("defaults", false, "Run with built-in defaults when no config file exists")
	flag.Parse()

	// Load configuration.
	configPath := "config.toml"
	if p := os.Getenv("RP_CONFIG_PATH"); p != "" {
		configPath = p
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		if !*useDefaults || !errors.Is(err, os.ErrNotExist) {
			slog.Error("failed to load config", "error", err)
			os.Exit(1)
		}
		cfg = config.DefaultConfig()
	}

	// Set up structured logging.
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(cfg.General.LogLevel),
	})))

	slog.Info("resellpilot starting", "config", configPath)

	loc, err := cfg.Location()
	if err != nil {
		slog.Error("invalid timezone", "error", err)
		os.Exit(1)
	}

	// Initialize database.
	database, err := db.Open(cfg.General.DBPath)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer database.Close()

	// Graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := db.Migrate(ctx, database); err != nil {
		slog.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}
	slog.Info("database initialized", "path", cfg.General.DBPath)

	clock := time.Now
	st := store.New(database, cfg.Defaults.Offer, cfg.Defaults.Reprice, clock)
	counters := ratelimit.NewSQLiteStore(database)
	limiter := ratelimit.New(counters, ratelimit.CategoryReprice, cfg.Limits.DailyRepriceQuota, clock, loc)
	trail := audit.NewTrail(database, cfg.UndoWindows(), clock)
	ledger := audit.NewLedger(database, trail, clock)

	// No marketplace client ships yet; mutations are logged and mirrored
	// onto local listings.
	applier := execution.NewSyncingApplier(execution.LogMarketplace{}, st, clock)
	executor := execution.NewExecutor(ledger, applier, cfg.Execution.MaxAttempts)

	svc := autopilot.New(autopilot.Deps{
		Store:     st,
		Evaluator: strategy.NewEvaluator(clock, loc),
		Limiter:   limiter,
		Ledger:    ledger,
		Undoer:    audit.NewUndoer(ledger, applier, clock),
		Executor:  executor,
		Clock:     clock,
	})

	sched := scheduler.New(
		st, svc, executor, ledger, counters,
		performance.NewTracker(database),
		cfg.Schedule, cfg.Limits.SweepWorkers, clock,
	)

	if *sweepOnce {
		stats := sched.RunOnce(ctx)
		slog.Info("single sweep finished", "evaluated", stats.Evaluated, "errors", stats.Errors)
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sched.Run(gctx)
	})

	if *serve {
		srv := &http.Server{
			Addr:              cfg.Server.ListenAddr,
			Handler:           httpapi.New(svc).Routes(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			slog.Info("http server listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("resellpilot error", "error", err)
		os.Exit(1)
	}

	slog.Info("resellpilot stopped")
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
