// Package main is the entry point for the coverage-map server.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/covmap/server/internal/api"
	"github.com/covmap/server/internal/cluster"
	"github.com/covmap/server/internal/config"
	"github.com/covmap/server/internal/render"
	"github.com/covmap/server/internal/service"
	"github.com/covmap/server/internal/store"
	"github.com/covmap/server/internal/transport"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config/server.yaml", "Path to configuration file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()
	if *debug {
		logger = logger.Level(zerolog.DebugLevel)
	} else {
		logger = logger.Level(zerolog.InfoLevel)
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger.Info().Int("port", cfg.Server.Port).Msg("starting coverage-map server")

	ctx := context.Background()

	// Persistent partition cache store
	kv, err := store.OpenSQLite(cfg.Cache.Path)
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.Cache.Path).Msg("failed to open cache store")
	}

	// Remote collaborators: catalog index and partition CDN
	remote := transport.NewClient(transport.Config{
		CatalogURL: cfg.Catalog.URL,
		BaseURL:    cfg.Data.BaseURL,
	})

	svc, err := service.New(service.Config{
		LoadThresholdZoom: cfg.Loader.LoadThresholdZoom,
		EvictAfter:        time.Duration(cfg.Loader.EvictAfterSeconds) * time.Second,
		HotSizeMB:         cfg.Cache.HotSizeMB,
		HotTTL:            time.Duration(cfg.Cache.HotTTLMinutes) * time.Minute,
		OverlayCacheSize:  cfg.Cache.OverlayLRU,
		ClusterParams: cluster.Params{
			Eps:    cfg.Cluster.EpsMeters,
			MinPts: cfg.Cluster.MinPoints,
		},
	}, remote, remote, kv, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize service")
	}
	defer svc.Close()

	// Initial catalog fetch; failure here is fatal since the server
	// cannot answer anything without pointers.
	if err := svc.RefreshCatalog(ctx); err != nil {
		logger.Fatal().Err(err).Str("url", cfg.Catalog.URL).Msg("failed to fetch catalog")
	}
	logger.Info().Int("partitions", len(svc.Catalog())).Msg("catalog loaded")

	// Periodic catalog refresh; failures are logged and retried on the
	// next tick.
	refreshEvery := time.Duration(cfg.Catalog.RefreshMinutes) * time.Minute
	refreshTicker := time.NewTicker(refreshEvery)
	defer refreshTicker.Stop()
	go func() {
		for range refreshTicker.C {
			if err := svc.RefreshCatalog(ctx); err != nil {
				logger.Warn().Err(err).Msg("catalog refresh failed")
			}
		}
	}()

	renderer := render.NewSnapshotRenderer(render.Config{
		Width:  cfg.Render.Width,
		Height: cfg.Render.Height,
		Colors: cfg.Render.Colors,
	})

	// Set up HTTP router
	router := api.NewRouter(api.RouterConfig{
		Service:     svc,
		Renderer:    renderer,
		CORSOrigins: cfg.Server.CORSOrigins,
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info().Msgf("server listening on http://localhost:%d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("server forced to shutdown")
	}

	logger.Info().Msg("server stopped")
}
