package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tierfs/tierfs/internal/logger"
	"github.com/tierfs/tierfs/internal/telemetry"
	"github.com/tierfs/tierfs/pkg/api"
	"github.com/tierfs/tierfs/pkg/cleaner"
	"github.com/tierfs/tierfs/pkg/config"
	"github.com/tierfs/tierfs/pkg/files"
	"github.com/tierfs/tierfs/pkg/lock"
	"github.com/tierfs/tierfs/pkg/metadata"
	"github.com/tierfs/tierfs/pkg/metrics"
	"github.com/tierfs/tierfs/pkg/progress"
	"github.com/tierfs/tierfs/pkg/restorer"
	"github.com/tierfs/tierfs/pkg/storage"
	"github.com/tierfs/tierfs/pkg/storage/fscache"
	"github.com/tierfs/tierfs/pkg/storage/nas"
	"github.com/tierfs/tierfs/pkg/storage/s3cache"
	"github.com/tierfs/tierfs/pkg/syncer"
)

// rebuildSessionLimit bounds the ACTIVE session scan on startup. The
// admission cap is far below this; the headroom covers a cap that was
// lowered between restarts.
const rebuildSessionLimit = 1000

// gaugeInterval is how often the queue and admission gauges refresh.
const gaugeInterval = 15 * time.Second

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the TierFS server",
	Long: `Start the TierFS server with the specified configuration.

Use --config to specify a custom configuration file, or it will use the
default location at $XDG_CONFIG_HOME/tierfs/config.yaml.

Examples:
  # Start with default config location
  tierfs start

  # Start with custom config file
  tierfs start --config /etc/tierfs/config.yaml

  # Start with environment variable overrides
  TIERFS_LOGGING_LEVEL=DEBUG tierfs start`,
	RunE: runStart,
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}

	if err := InitLogger(cfg); err != nil {
		return err
	}

	// Cancellable context for graceful shutdown.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	telemetryShutdown, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    "tierfs",
		ServiceVersion: Version,
		Endpoint:       cfg.Telemetry.Endpoint,
		Insecure:       cfg.Telemetry.Insecure,
		SampleRate:     cfg.Telemetry.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		if err := telemetryShutdown(context.Background()); err != nil {
			logger.Error("telemetry shutdown error", "error", err)
		}
	}()

	logger.Info("TierFS starting", "version", Version)
	logger.Info("Configuration loaded", "source", getConfigSource(GetConfigFile()))
	if telemetry.IsEnabled() {
		logger.Info("Telemetry enabled", "endpoint", cfg.Telemetry.Endpoint, "sample_rate", cfg.Telemetry.SampleRate)
	}

	// Metrics are opt-in. The registry must exist before any collector
	// constructor runs.
	if cfg.Metrics.Enabled {
		metrics.InitRegistry()
	}
	fileMetrics := metrics.NewFileMetrics()

	meta, err := metadata.New(&cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to open metadata store: %w", err)
	}
	defer func() { _ = meta.Close() }()
	logger.Info("Metadata store ready", "type", cfg.Database.Type)

	cacheStore, err := newCacheStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open cache store: %w", err)
	}
	defer func() { _ = cacheStore.Close() }()
	logger.Info("Cache store ready", "backend", cfg.Cache.Backend, "capacity", cfg.Cache.Capacity)

	nasStore, err := nas.New(nas.Config{BasePath: cfg.NAS.Path, CreateDir: true})
	if err != nil {
		return fmt.Errorf("failed to open NAS store: %w", err)
	}
	defer func() { _ = nasStore.Close() }()
	logger.Info("NAS store ready", "path", cfg.NAS.Path)

	progressStore, err := newProgressStore(cfg)
	if err != nil {
		return fmt.Errorf("failed to open progress store: %w", err)
	}
	defer func() { _ = progressStore.Close() }()

	syncLocks := lock.NewManager(lock.Config{TTL: cfg.Sync.LockTTL})
	defer syncLocks.Close()
	restoreLocks := lock.NewManager(lock.Config{TTL: cfg.Restore.LockTTL})
	defer restoreLocks.Close()

	admission := files.NewAdmission(cfg.Upload)
	defer admission.Close()

	// Sessions that survived a restart keep their admission slots.
	active, err := meta.ListSessionsByStatus(ctx, metadata.SessionActive, rebuildSessionLimit)
	if err != nil {
		return fmt.Errorf("failed to list active sessions: %w", err)
	}
	admission.Rebuild(active)
	if len(active) > 0 {
		logger.Info("Admission slots rebuilt", "sessions", len(active))
	}

	syncWorkers := syncer.New(syncer.Deps{
		Meta:      meta,
		Cache:     cacheStore,
		NAS:       nasStore,
		Locks:     syncLocks,
		Progress:  progressStore,
		Admission: admission,
		Metrics:   fileMetrics,
	}, syncer.Config{
		Workers:                 cfg.Sync.Workers,
		ParallelUploadThreshold: int64(cfg.Sync.ParallelUploadThreshold),
		ChunkSize:               int64(cfg.NAS.ChunkSize),
		ChunkConcurrency:        cfg.NAS.ChunkConcurrency,
		LockWaitTimeout:         cfg.Sync.LockWaitTimeout,
		RetryBaseDelay:          cfg.Sync.RetryBaseDelay,
		MaxRetries:              cfg.Sync.MaxRetries,
	})
	defer syncWorkers.Close()
	logger.Info("Sync workers started", "workers", cfg.Sync.Workers)

	restoreWorkers := restorer.New(restorer.Deps{
		Meta:     meta,
		Cache:    cacheStore,
		NAS:      nasStore,
		Locks:    restoreLocks,
		Progress: progressStore,
		Metrics:  fileMetrics,
	}, restorer.Config{
		Workers: cfg.Restore.Workers,
	})
	defer restoreWorkers.Close()
	logger.Info("Restore workers started", "workers", cfg.Restore.Workers)

	svc := files.NewService(files.Deps{
		Meta:         meta,
		Cache:        cacheStore,
		NAS:          nasStore,
		SyncQueue:    syncWorkers.Queue(),
		RestoreQueue: restoreWorkers.Queue(),
		Progress:     progressStore,
		Admission:    admission,
	}, cfg.Upload)

	sweeper := cleaner.New(cleaner.Deps{
		Meta:      meta,
		Cache:     cacheStore,
		SyncQueue: syncWorkers.Queue(),
		Admission: admission,
	}, cleaner.Config{
		Interval:  cfg.Cleaner.Interval,
		Retention: time.Duration(cfg.Cleaner.RetentionHours) * time.Hour,
		BatchSize: cfg.Cleaner.BatchSize,
	})
	sweeper.Start(ctx)
	defer sweeper.Close()

	if fileMetrics != nil {
		go runGauges(ctx, fileMetrics, syncWorkers, restoreWorkers, admission)
	}

	metricsServer := startMetricsServer(cfg)
	if metricsServer != nil {
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
			defer shutdownCancel()
			_ = metricsServer.Shutdown(shutdownCtx)
		}()
	}

	server := api.NewServer(cfg.API, api.NewRouter(api.Deps{
		Files:   svc,
		Meta:    meta,
		Cache:   cacheStore,
		NAS:     nasStore,
		Metrics: fileMetrics,
	}))
	logger.Info("API server configured", "host", cfg.API.Host, "port", server.Port())

	serverDone := make(chan error, 1)
	go func() {
		serverDone <- server.Start(ctx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Server is running. Press Ctrl+C to stop.")

	select {
	case <-sigChan:
		signal.Stop(sigChan)
		logger.Info("Shutdown signal received, initiating graceful shutdown")
		cancel()

		if err := <-serverDone; err != nil {
			logger.Error("Server shutdown error", "error", err)
			return err
		}
		logger.Info("Server stopped gracefully")

	case err := <-serverDone:
		signal.Stop(sigChan)
		if err != nil {
			logger.Error("Server error", "error", err)
			return err
		}
		logger.Info("Server stopped")
	}

	return nil
}

// newCacheStore builds the fast tier backend the config selects.
func newCacheStore(ctx context.Context, cfg *config.Config) (storage.CacheStore, error) {
	switch cfg.Cache.Backend {
	case config.CacheBackendS3:
		return s3cache.New(ctx, s3cache.Config{
			Bucket:          cfg.Cache.S3.Bucket,
			Region:          cfg.Cache.S3.Region,
			Endpoint:        cfg.Cache.S3.Endpoint,
			Prefix:          cfg.Cache.S3.Prefix,
			AccessKeyID:     cfg.Cache.S3.AccessKeyID,
			SecretAccessKey: cfg.Cache.S3.SecretAccessKey,
			UsePathStyle:    cfg.Cache.S3.UsePathStyle,
		})
	default:
		return fscache.New(fscache.DefaultConfig(cfg.Cache.Path))
	}
}

// newProgressStore builds the progress store. An empty path keeps progress
// in memory, which is lost on restart.
func newProgressStore(cfg *config.Config) (progress.Store, error) {
	if cfg.Progress.Path == "" {
		return progress.NewMemoryStore(cfg.Progress.TTL), nil
	}
	return progress.NewBadgerStore(cfg.Progress.Path, cfg.Progress.TTL)
}

// startMetricsServer serves the scrape endpoint on its own port when
// metrics are enabled. The API router also mounts /metrics; the dedicated
// listener keeps scrapes off the data port.
func startMetricsServer(cfg *config.Config) *http.Server {
	if !cfg.Metrics.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Metrics.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Metrics server listening", "port", cfg.Metrics.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server error", "error", err)
		}
	}()

	return srv
}

// runGauges refreshes the queue depth and admission gauges until the
// context ends.
func runGauges(ctx context.Context, m *metrics.FileMetrics, s *syncer.Syncer, r *restorer.Restorer, a *files.Admission) {
	ticker := time.NewTicker(gaugeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.SetQueueDepth("nas_sync", s.Queue().Depth())
			m.SetQueueDepth("cache_restore", r.Queue().Depth())
			m.SetAdmission(a.ActiveCount(), a.QueueDepth())
		}
	}
}
