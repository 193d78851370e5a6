package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/atmx/staking-engine/internal/app"
	"github.com/atmx/staking-engine/internal/config"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	// Runs started by the scheduler stop cooperatively on shutdown.
	runCtx, stopRuns := context.WithCancel(context.Background())
	defer stopRuns()

	a, err := app.Open(runCtx, cfg, app.Options{WebSocket: true, Migrate: true}, logger)
	if err != nil {
		slog.Error("startup failed", "err", err)
		os.Exit(1)
	}
	defer a.Close()

	if cfg.AdminToken == "" {
		slog.Warn("ADMIN_TOKEN not set, admin endpoints are disabled")
	}

	// --- Scheduler ---
	var sched *app.Scheduler
	if cfg.Schedule != "" {
		sched, err = app.NewScheduler(runCtx, cfg.Schedule, a.Orchestrator, logger)
		if err != nil {
			slog.Error("invalid DISTRIBUTION_SCHEDULE", "schedule", cfg.Schedule, "err", err)
			os.Exit(1)
		}
		sched.Start()
		slog.Info("distribution scheduler started", "schedule", cfg.Schedule)
	}

	// --- Server ---
	srv := &http.Server{
		Addr:        cfg.Addr,
		Handler:     a.Router(),
		ReadTimeout: 10 * time.Second,
		// Admin-triggered runs respond when the run finishes.
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("staking-engine listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down staking-engine...")
	stopRuns()
	if sched != nil {
		sched.Stop()
	}
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("staking-engine stopped")
}
