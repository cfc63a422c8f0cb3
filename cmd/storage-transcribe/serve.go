package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/snarg/storage-transcribe/internal/api"
	"github.com/snarg/storage-transcribe/internal/config"
	"github.com/snarg/storage-transcribe/internal/ingest"
	"github.com/snarg/storage-transcribe/internal/metrics"
	"github.com/snarg/storage-transcribe/internal/storage"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newServeCmd(overrides *config.Overrides) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP trigger endpoint, store watcher and pipeline workers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), overrides)
		},
	}
}

func serve(parent context.Context, overrides *config.Overrides) error {
	startTime := time.Now()

	cfg, log, err := loadConfig(overrides, os.Stdout)
	if err != nil {
		return err
	}
	log.Info().Str("version", version).Msg("storage-transcribe starting")

	// Context for graceful shutdown
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		log.Error().Err(err).Msg("startup failed")
		return err
	}
	defer a.close()

	// Run workers
	disp := ingest.NewDispatcher(ingest.DispatcherOptions{
		Handler:    a.orch,
		Workers:    cfg.Workers,
		QueueSize:  cfg.QueueSize,
		RunTimeout: cfg.RunTimeout,
		Log:        log,
	})
	prometheus.MustRegister(metrics.NewCollector(disp))
	disp.Start()

	health := api.HealthOptions{
		Queue:      disp,
		StoreType:  a.store.Type(),
		Recognizer: cfg.Recognizer,
		Version:    version,
		StartTime:  startTime,
	}
	if a.mqtt != nil {
		health.Events = a.mqtt
	}

	// Store watcher (local backend only; remote stores notify over HTTP)
	var watcher *ingest.Watcher
	if local, ok := a.store.(*storage.LocalStore); ok && cfg.WatchEnabled {
		watcher = ingest.NewWatcher(ingest.WatcherOptions{
			Store:    local,
			Queue:    disp,
			Debounce: cfg.WatchDebounce,
			Log:      log,
		})
		if err := watcher.Start(ctx); err != nil {
			disp.Stop()
			log.Error().Err(err).Msg("failed to start store watcher")
			return err
		}
		health.Watcher = watcher
	}

	// HTTP server
	srv := api.NewServer(api.ServerOptions{
		Config: cfg,
		Store:  a.store,
		Queue:  disp,
		Health: health,
		Log:    log.With().Str("component", "http").Logger(),
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		if ctx.Err() != nil {
			log.Info().Msg("shutdown signal received")
		}
		// Graceful shutdown with 10s timeout
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	err = g.Wait()
	if err != nil {
		log.Error().Err(err).Msg("http server error")
	}

	// Stop raising triggers, then let queued runs finish.
	if watcher != nil {
		watcher.Stop()
	}
	log.Info().Int("pending", disp.Pending()).Msg("draining run queue")
	disp.Stop()

	log.Info().Msg("storage-transcribe stopped")
	return err
}
