// Package main is the entry point for the histo-embed server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/histo-embed/server/internal/api"
	"github.com/histo-embed/server/internal/app"
	"github.com/histo-embed/server/internal/config"
	"github.com/histo-embed/server/internal/logger"
	"github.com/histo-embed/server/internal/slide"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// Parse command line flags
	configPath := flag.String("config", "config/server.yaml", "Path to configuration file")
	csvPath := flag.String("csv", "", "Slide manifest to load at startup (overrides data.csv)")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if *csvPath != "" {
		cfg.Data.CSV = *csvPath
	}

	closer, err := logger.Setup(cfg.Log)
	if err != nil {
		return err
	}
	defer closer.Close()
	log := slog.Default()

	log.Info("starting histo-embed server",
		"port", cfg.Server.Port,
		"sampling_mode", cfg.Sampling.Mode,
		"num_tiles_per_wsi", cfg.Sampling.NumTilesPerWSI,
		"openslide", slide.OpenSlideSupported,
	)

	// Initialize components
	components, err := app.New(cfg, log)
	if err != nil {
		return err
	}
	defer components.Close()

	session := api.NewSession(cfg.Server.Title)

	// Initialize job manager for load jobs (SQLite persistence)
	jobManager, err := api.NewJobManager(api.JobManagerConfig{
		MaxConcurrent: 1,
		SQLitePath:    cfg.Data.JobsSQLitePath,
		RetentionDays: cfg.Data.RetentionDays,
		CleanupPeriod: 1 * time.Hour,
		Logger:        log,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize job manager: %w", err)
	}
	log.Info("load job manager ready",
		"retention_days", cfg.Data.RetentionDays,
		"sqlite", cfg.Data.JobsSQLitePath,
	)

	// Wire up the dataset loader as job executor
	loader := &api.Loader{
		Session:     session,
		Features:    components.Features,
		Coords:      components.Coords,
		Cache:       components.Cache,
		Concurrency: cfg.Sampling.Concurrency,
		Logger:      log,
	}
	jobManager.Executor = loader.Execute

	jobManager.Start()
	defer jobManager.Stop()

	if cfg.Data.CSV != "" {
		job, err := jobManager.Submit(app.LoadParams(cfg, cfg.Data.CSV))
		if err != nil {
			return fmt.Errorf("failed to queue initial load: %w", err)
		}
		log.Info("initial load queued", "job_id", job.ID, "csv_path", cfg.Data.CSV)
	} else {
		log.Warn("no slide manifest configured; POST /api/load to load one")
	}

	// Set up HTTP router
	router := api.NewRouter(api.RouterConfig{
		Session:         session,
		Tiles:           components.Tiles,
		Gallery:         components.Gallery,
		Cache:           components.Cache,
		JobManager:      jobManager,
		CORSOrigins:     cfg.Server.CORSOrigins,
		GalleryDefaults: app.GalleryOptions(cfg.Gallery),
		LoadDefaults:    app.LoadParams(cfg, cfg.Data.CSV),
		Logger:          log,
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	errCh := make(chan error, 1)
	go func() {
		log.Info("server listening", "addr", fmt.Sprintf("http://localhost:%d", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}

	log.Info("shutting down server")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("server forced to shutdown", "error", err)
	}

	log.Info("server stopped")
	return nil
}
