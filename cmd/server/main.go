package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"

	"github.com/calfeed/calfeed/internal/calsync"
	"github.com/calfeed/calfeed/internal/calsync/engine"
	"github.com/calfeed/calfeed/internal/calsync/feed"
	"github.com/calfeed/calfeed/internal/calsync/model"
	"github.com/calfeed/calfeed/internal/config"
	"github.com/calfeed/calfeed/internal/httpx"
	"github.com/calfeed/calfeed/internal/mongox"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, os.Kill)
	defer cancel()

	configPath := flag.String("config", "", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	loc, err := cfg.Location()
	if err != nil {
		slog.Error("Failed to resolve timezone", "error", err)
		os.Exit(1)
	}

	// Initialize OpenTelemetry
	meterProvider, _, err := httpx.SetupPrometheusExporter()
	if err != nil {
		slog.Error("Failed to initialize OpenTelemetry", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := httpx.Shutdown(shutdownCtx, meterProvider); err != nil {
			slog.Error("Failed to shutdown OpenTelemetry", "error", err)
		}
	}()

	otel.SetMeterProvider(meterProvider)
	slog.Info("OpenTelemetry initialized", "metrics_endpoint", "/metrics")

	// Initialize MongoDB
	mongo := mongox.MustConnect(cfg.MongoURI)
	repo := model.New(mongo, cfg.MongoDatabase)

	// Calendars left mid-sync by an earlier crash must not stay syncing.
	if repaired, err := repo.RepairInterrupted(ctx); err != nil {
		slog.Error("Failed to repair interrupted syncs", "error", err)
		os.Exit(1)
	} else if repaired > 0 {
		slog.Info("Repaired interrupted syncs", "count", repaired)
	}

	// Initialize the sync engine
	metrics, err := engine.NewMetrics()
	if err != nil {
		slog.Error("Failed to initialize engine metrics", "error", err)
		os.Exit(1)
	}

	unit := engine.NewUnit(repo, feed.NewFetcher(), loc)
	orch := engine.NewOrchestrator(repo, unit, metrics)
	server := calsync.NewServer(repo, orch)

	scheduler, err := calsync.NewScheduler(cfg.RefreshCron, repo, orch, metrics)
	if err != nil {
		slog.Error("Failed to initialize scheduler", "error", err)
		os.Exit(1)
	}
	scheduler.Start()
	defer scheduler.Stop()
	slog.Info("Staleness scheduler started", "schedule", cfg.RefreshCron)

	// Initialize telemetry
	telemetry, err := httpx.NewTelemetry()
	if err != nil {
		slog.Error("Failed to initialize telemetry", "error", err)
		os.Exit(1)
	}

	// Configure handler
	handler := mux.NewRouter()
	handler.Use(
		telemetry.Middleware,
		httpx.Logger(),
		httpx.Recovery(),
	)

	handler.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprint(w, "calfeed calendar sync service")
	})

	handler.Handle("/metrics", promhttp.Handler())

	server.Register(handler)

	httpServer := &http.Server{
		Addr:         cfg.Listen,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("Starting the server", "addr", cfg.Listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("Shutting down gracefully")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server shutdown error", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped")
}
