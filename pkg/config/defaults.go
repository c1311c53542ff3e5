package config

import (
	"strings"
	"time"

	"github.com/tierfs/tierfs/internal/bytesize"
	"github.com/tierfs/tierfs/pkg/metadata"
)

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// This function is called after loading configuration from file and
// environment variables to fill in any missing values with sensible defaults.
//
// Default Strategy:
//   - Zero values (0, "", false, nil) are replaced with defaults
//   - Explicit values are preserved
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyTelemetryDefaults(&cfg.Telemetry)
	applyShutdownTimeoutDefaults(cfg)
	cfg.Database.ApplyDefaults()
	applyAPIDefaults(&cfg.API)
	applyMetricsDefaults(&cfg.Metrics)
	applyCacheDefaults(&cfg.Cache)
	applyNASDefaults(&cfg.NAS)
	applyUploadDefaults(&cfg.Upload)
	applySyncDefaults(&cfg.Sync)
	applyRestoreDefaults(&cfg.Restore)
	applyCleanerDefaults(&cfg.Cleaner)
	applyProgressDefaults(&cfg.Progress)
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	// Normalize log level to uppercase for consistent internal representation
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

// applyTelemetryDefaults sets OpenTelemetry defaults.
func applyTelemetryDefaults(cfg *TelemetryConfig) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "localhost:4317"
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 1.0
	}
}

func applyShutdownTimeoutDefaults(cfg *Config) {
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
}

func applyAPIDefaults(cfg *APIConfig) {
	if cfg.Host == "" {
		cfg.Host = "0.0.0.0"
	}
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.ReadHeaderTimeout == 0 {
		cfg.ReadHeaderTimeout = 10 * time.Second
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 120 * time.Second
	}
}

func applyMetricsDefaults(cfg *MetricsConfig) {
	// Port defaults to 9090 if metrics are enabled
	if cfg.Enabled && cfg.Port == 0 {
		cfg.Port = 9090
	}
}

func applyCacheDefaults(cfg *CacheConfig) {
	if cfg.Backend == "" {
		cfg.Backend = CacheBackendFS
	}
	if cfg.Capacity == 0 {
		cfg.Capacity = 100 * bytesize.GiB
	}
	if cfg.Backend == CacheBackendS3 && cfg.S3.Region == "" {
		cfg.S3.Region = "us-east-1"
	}
}

func applyNASDefaults(cfg *NASConfig) {
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = 50 * bytesize.MiB
	}
	if cfg.ChunkConcurrency == 0 {
		cfg.ChunkConcurrency = 4
	}
}

func applyUploadDefaults(cfg *UploadConfig) {
	if cfg.MaxFileSize == 0 {
		cfg.MaxFileSize = 20 * bytesize.GiB
	}
	if cfg.MultipartMinFileSize == 0 {
		cfg.MultipartMinFileSize = 100 * bytesize.MiB
	}
	if cfg.DefaultPartSize == 0 {
		cfg.DefaultPartSize = 10 * bytesize.MiB
	}
	if cfg.SessionTTL == 0 {
		cfg.SessionTTL = 24 * time.Hour
	}
	if cfg.MaxActiveSessions == 0 {
		cfg.MaxActiveSessions = 10
	}
	if cfg.MaxSessionsPerUser == 0 {
		cfg.MaxSessionsPerUser = 3
	}
	if cfg.MaxTotalUploadBytes == 0 {
		cfg.MaxTotalUploadBytes = 50 * bytesize.GiB
	}
	if cfg.MaxQueueSize == 0 {
		cfg.MaxQueueSize = 50
	}
	if cfg.TicketTTL == 0 {
		cfg.TicketTTL = 30 * time.Minute
	}
	if cfg.ReadyClaimTTL == 0 {
		cfg.ReadyClaimTTL = 5 * time.Minute
	}
	if cfg.EstimatedSessionDuration == 0 {
		cfg.EstimatedSessionDuration = 5 * time.Minute
	}
	if cfg.QueueMaintenanceInterval == 0 {
		cfg.QueueMaintenanceInterval = 30 * time.Second
	}
}

func applySyncDefaults(cfg *SyncConfig) {
	if cfg.Workers == 0 {
		cfg.Workers = 5
	}
	if cfg.ParallelUploadThreshold == 0 {
		cfg.ParallelUploadThreshold = 100 * bytesize.MiB
	}
	if cfg.LockTTL == 0 {
		cfg.LockTTL = 60 * time.Second
	}
	if cfg.LockWaitTimeout == 0 {
		cfg.LockWaitTimeout = 30 * time.Second
	}
	if cfg.RetryBaseDelay == 0 {
		cfg.RetryBaseDelay = 10 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = metadata.DefaultMaxRetries
	}
}

func applyRestoreDefaults(cfg *RestoreConfig) {
	if cfg.Workers == 0 {
		cfg.Workers = 3
	}
	if cfg.LockTTL == 0 {
		cfg.LockTTL = 120 * time.Second
	}
}

func applyCleanerDefaults(cfg *CleanerConfig) {
	if cfg.Interval == 0 {
		cfg.Interval = 30 * time.Minute
	}
	if cfg.RetentionHours == 0 {
		cfg.RetentionHours = 24
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 50
	}
}

func applyProgressDefaults(cfg *ProgressConfig) {
	if cfg.TTL == 0 {
		cfg.TTL = time.Hour
	}
}

// GetDefaultConfig returns a Config struct with all default values applied.
//
// This is useful for:
//   - Generating sample configuration files
//   - Testing
//   - Documentation
func GetDefaultConfig() *Config {
	cfg := &Config{
		Database: metadata.Config{
			Type: metadata.DatabaseTypeSQLite, // Default to SQLite for single-node
		},
		Cache: CacheConfig{
			Backend: CacheBackendFS,
			Path:    "/var/lib/tierfs/cache",
		},
		NAS: NASConfig{
			Path: "/mnt/nas/tierfs",
		},
	}

	ApplyDefaults(cfg)
	return cfg
}
