package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	httpapi "github.com/i474232898/mrms-rala/internal/api/http"
	"github.com/i474232898/mrms-rala/internal/config"
	"github.com/i474232898/mrms-rala/internal/logging"
	"github.com/i474232898/mrms-rala/internal/radar"
	"github.com/i474232898/mrms-rala/internal/radar/grib2"
	"github.com/i474232898/mrms-rala/internal/radar/mrms"
	"github.com/i474232898/mrms-rala/internal/scheduler"
	"github.com/i474232898/mrms-rala/internal/store"
	"github.com/i474232898/mrms-rala/internal/supervisor"
	"github.com/i474232898/mrms-rala/internal/tracker"
)

func main() {
	// Load configuration.
	cfg, err := config.Load()
	if err != nil {
		logging.Error().Err(err).Msg("failed to load config")
		os.Exit(1)
	}

	logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	if err := os.MkdirAll(cfg.CacheDir, 0o755); err != nil {
		logging.Error().Err(err).Str("dir", cfg.CacheDir).Msg("failed to create cache dir")
		os.Exit(1)
	}

	// Processed-timestamp history survives restarts.
	history, err := tracker.New(cfg.CacheDir, cfg.TrackerCapacity)
	if err != nil {
		logging.Error().Err(err).Msg("failed to open download tracker")
		os.Exit(1)
	}

	composites, err := store.Open(cfg.CacheDir, cfg.MaxCacheSize)
	if err != nil {
		logging.Error().Err(err).Msg("failed to open composite cache")
		os.Exit(1)
	}

	source, err := mrms.NewSource(mrms.Config{
		BaseURL:    cfg.MRMSBaseURL,
		Elevations: cfg.ElevationAngles,
		Timeout:    cfg.DownloadTimeout,
		CacheDir:   filepath.Join(cfg.CacheDir, "raw"),
		CacheLimit: cfg.RawCacheSize,
		RateLimit:  cfg.MRMSRateLimit,
	}, grib2.Decoder{})
	if err != nil {
		logging.Error().Err(err).Msg("failed to create MRMS source")
		os.Exit(1)
	}

	// Core service: discover, fetch, fuse, publish.
	service := radar.NewService(source, history, composites,
		radar.Fuser{Workers: cfg.MaxWorkers, ChunkRows: cfg.ChunkRows},
		radar.ServiceConfig{
			Elevations:       cfg.ElevationAngles,
			QualityThreshold: cfg.RALAMinQuality,
			QCMin:            float32(cfg.QCMinDBZ),
			QCMax:            float32(cfg.QCMaxDBZ),
			SmoothingRadius:  cfg.SmoothingRadius,
		})

	sched := scheduler.New(service, history, cfg.UpdateInterval)

	app := httpapi.NewApp()
	httpapi.RegisterRoutes(app, httpapi.Deps{
		Composites: composites,
		Scheduler:  sched,
		Tracker:    history,
	})

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.TreeConfig{
		ShutdownTimeout: cfg.ShutdownTimeout,
	})
	tree.AddIngestService(supervisor.NewRunnerService("refresh-scheduler", sched))
	tree.AddAPIService(supervisor.NewHTTPService(app, cfg.Addr(), cfg.ShutdownTimeout))

	// Wait for termination signal
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logging.Info().
		Str("addr", cfg.Addr()).
		Dur("update_interval", cfg.UpdateInterval).
		Int("elevations", len(cfg.ElevationAngles)).
		Msg("mrms-rala starting")

	if err := tree.Serve(ctx); err != nil {
		logging.Error().Err(err).Msg("supervisor stopped")
		os.Exit(1)
	}
	logging.Info().Msg("shutdown complete")
}
