package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/tierfs/tierfs/internal/bytesize"
	"github.com/tierfs/tierfs/pkg/metadata"
)

// Config represents the TierFS server configuration.
//
// This structure captures the static configuration of the server:
//   - Logging configuration
//   - Telemetry/tracing configuration
//   - HTTP API server settings
//   - Metadata database connection (SQLite or PostgreSQL)
//   - Cache tier backend (filesystem or S3)
//   - NAS tier mount settings
//   - Upload, sync, restore and cleaner tuning
//
// Configuration sources (in order of precedence):
//  1. CLI flags (highest priority)
//  2. Environment variables (TIERFS_*)
//  3. Configuration file (YAML)
//  4. Default values (lowest priority)
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Telemetry controls OpenTelemetry distributed tracing
	Telemetry TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry"`

	// ShutdownTimeout is the maximum time to wait for graceful shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0" yaml:"shutdown_timeout"`

	// Database configures the metadata database (SQLite or PostgreSQL).
	Database metadata.Config `mapstructure:"database" yaml:"database"`

	// API contains HTTP API server configuration
	API APIConfig `mapstructure:"api" yaml:"api"`

	// Metrics contains Prometheus metrics server configuration
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// Cache configures the fast tier backend
	Cache CacheConfig `mapstructure:"cache" yaml:"cache"`

	// NAS configures the slow tier backend
	NAS NASConfig `mapstructure:"nas" yaml:"nas"`

	// Upload tunes direct uploads, multipart sessions and admission control
	Upload UploadConfig `mapstructure:"upload" yaml:"upload"`

	// Sync tunes the cache-to-NAS synchronization workers
	Sync SyncConfig `mapstructure:"sync" yaml:"sync"`

	// Restore tunes the NAS-to-cache restore workers
	Restore RestoreConfig `mapstructure:"restore" yaml:"restore"`

	// Cleaner tunes the periodic orphan sweep
	Cleaner CleanerConfig `mapstructure:"cleaner" yaml:"cleaner"`

	// Progress configures the upload progress store
	Progress ProgressConfig `mapstructure:"progress" yaml:"progress"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive, normalized to uppercase)
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR" yaml:"level"`

	// Format specifies the log output format
	// Valid values: text, json
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// TelemetryConfig controls OpenTelemetry distributed tracing.
// When enabled, trace data is exported to an OTLP-compatible collector.
type TelemetryConfig struct {
	// Enabled controls whether distributed tracing is enabled
	// Default: false (opt-in for telemetry)
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Endpoint is the OTLP collector endpoint (host:port)
	// Default: "localhost:4317" (standard OTLP gRPC port)
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`

	// Insecure controls whether to use insecure (non-TLS) connection
	// Default: true (for local development)
	Insecure bool `mapstructure:"insecure" yaml:"insecure"`

	// SampleRate controls the trace sampling rate (0.0 to 1.0)
	// Default: 1.0 (sample all)
	SampleRate float64 `mapstructure:"sample_rate" validate:"omitempty,gte=0,lte=1" yaml:"sample_rate"`
}

// APIConfig configures the HTTP API server.
type APIConfig struct {
	// Host is the bind address. Default: 0.0.0.0
	Host string `mapstructure:"host" yaml:"host"`

	// Port is the HTTP port. Default: 8080
	Port int `mapstructure:"port" validate:"omitempty,min=1,max=65535" yaml:"port"`

	// ReadHeaderTimeout bounds how long reading request headers may take.
	// Body reads are not bounded here since uploads can legitimately take
	// hours; per-request deadlines come from the client context.
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" yaml:"read_header_timeout"`

	// IdleTimeout is the keep-alive idle timeout. Default: 120s
	IdleTimeout time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
}

// MetricsConfig configures the Prometheus metrics HTTP endpoint.
type MetricsConfig struct {
	// Enabled controls whether metrics collection and the endpoint are enabled
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Port is the HTTP port for the metrics endpoint
	// Default: 9090
	Port int `mapstructure:"port" validate:"omitempty,min=1,max=65535" yaml:"port"`
}

// CacheBackend selects the fast tier implementation.
type CacheBackend string

const (
	// CacheBackendFS stores cache objects on a local filesystem.
	CacheBackendFS CacheBackend = "fs"

	// CacheBackendS3 stores cache objects in an S3-compatible bucket.
	CacheBackendS3 CacheBackend = "s3"
)

// CacheConfig configures the fast, capacity-limited tier.
type CacheConfig struct {
	// Backend selects the implementation: fs or s3. Default: fs
	Backend CacheBackend `mapstructure:"backend" validate:"required,oneof=fs s3" yaml:"backend"`

	// Path is the cache root directory (fs backend, required)
	Path string `mapstructure:"path" yaml:"path,omitempty"`

	// Capacity is the total cache budget used for upload admission.
	// Supports human-readable formats: "100GB", "512MB", "10Gi"
	// Default: 100Gi
	Capacity bytesize.ByteSize `mapstructure:"capacity" yaml:"capacity,omitempty"`

	// S3 configures the s3 backend
	S3 S3Config `mapstructure:"s3" yaml:"s3,omitempty"`
}

// S3Config configures the S3-compatible cache backend.
type S3Config struct {
	// Bucket is the bucket name (required for the s3 backend)
	Bucket string `mapstructure:"bucket" yaml:"bucket"`

	// Region is the AWS region. Default: us-east-1
	Region string `mapstructure:"region" yaml:"region"`

	// Endpoint overrides the S3 endpoint for MinIO and similar
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint,omitempty"`

	// Prefix is prepended to all object keys
	Prefix string `mapstructure:"prefix" yaml:"prefix,omitempty"`

	// AccessKeyID and SecretAccessKey are static credentials.
	// When empty, the default AWS credential chain is used.
	AccessKeyID     string `mapstructure:"access_key_id" yaml:"access_key_id,omitempty"`
	SecretAccessKey string `mapstructure:"secret_access_key" yaml:"secret_access_key,omitempty"`

	// UsePathStyle forces path-style addressing (required by MinIO)
	UsePathStyle bool `mapstructure:"use_path_style" yaml:"use_path_style,omitempty"`
}

// NASConfig configures the slow, capacity-rich tier.
type NASConfig struct {
	// Path is the NAS mount root (required)
	Path string `mapstructure:"path" validate:"required" yaml:"path"`

	// ChunkSize is the write chunk size for large file synchronization.
	// Default: 50Mi
	ChunkSize bytesize.ByteSize `mapstructure:"chunk_size" yaml:"chunk_size,omitempty"`

	// ChunkConcurrency is how many chunks are written in parallel per file.
	// Default: 4
	ChunkConcurrency int `mapstructure:"chunk_concurrency" validate:"omitempty,min=1" yaml:"chunk_concurrency,omitempty"`
}

// UploadConfig tunes uploads and the admission queue.
type UploadConfig struct {
	// MaxFileSize is the hard cap on a single file. Default: 20Gi
	MaxFileSize bytesize.ByteSize `mapstructure:"max_file_size" yaml:"max_file_size,omitempty"`

	// MultipartMinFileSize is the size at which uploads must switch to
	// multipart sessions; smaller sessions are rejected at initiation.
	// Default: 100Mi
	MultipartMinFileSize bytesize.ByteSize `mapstructure:"multipart_min_file_size" yaml:"multipart_min_file_size,omitempty"`

	// DefaultPartSize is the part size handed to clients at session
	// initiation. Default: 10Mi
	DefaultPartSize bytesize.ByteSize `mapstructure:"default_part_size" yaml:"default_part_size,omitempty"`

	// SessionTTL is the sliding expiry of a multipart session.
	// Each part upload pushes the deadline out again. Default: 24h
	SessionTTL time.Duration `mapstructure:"session_ttl" yaml:"session_ttl,omitempty"`

	// MaxActiveSessions caps how many multipart sessions may be ACTIVE at
	// once; further initiations receive a queue ticket. Default: 10
	MaxActiveSessions int `mapstructure:"max_active_sessions" validate:"omitempty,min=1" yaml:"max_active_sessions,omitempty"`

	// MaxSessionsPerUser caps ACTIVE sessions per user. Default: 3
	MaxSessionsPerUser int `mapstructure:"max_sessions_per_user" validate:"omitempty,min=1" yaml:"max_sessions_per_user,omitempty"`

	// MaxTotalUploadBytes caps the aggregate declared size of all ACTIVE
	// sessions. Default: 50Gi
	MaxTotalUploadBytes bytesize.ByteSize `mapstructure:"max_total_upload_bytes" yaml:"max_total_upload_bytes,omitempty"`

	// MaxQueueSize caps the admission waiting queue. Default: 50
	MaxQueueSize int `mapstructure:"max_queue_size" validate:"omitempty,min=1" yaml:"max_queue_size,omitempty"`

	// TicketTTL is how long a WAITING ticket survives without promotion.
	// Default: 30m
	TicketTTL time.Duration `mapstructure:"ticket_ttl" yaml:"ticket_ttl,omitempty"`

	// ReadyClaimTTL is how long a READY ticket stays claimable before the
	// slot is handed to the next waiter. Default: 5m
	ReadyClaimTTL time.Duration `mapstructure:"ready_claim_ttl" yaml:"ready_claim_ttl,omitempty"`

	// EstimatedSessionDuration feeds the queue-position ETA. Default: 5m
	EstimatedSessionDuration time.Duration `mapstructure:"estimated_session_duration" yaml:"estimated_session_duration,omitempty"`

	// QueueMaintenanceInterval is how often the admission queue expires
	// stale tickets and promotes waiters. Default: 30s
	QueueMaintenanceInterval time.Duration `mapstructure:"queue_maintenance_interval" yaml:"queue_maintenance_interval,omitempty"`
}

// SyncConfig tunes the cache-to-NAS synchronization workers.
type SyncConfig struct {
	// Workers is the number of concurrent sync workers. Default: 5
	Workers int `mapstructure:"workers" validate:"omitempty,min=1" yaml:"workers,omitempty"`

	// ParallelUploadThreshold is the file size above which NAS writes
	// switch from a single stream to parallel chunks. Default: 100Mi
	ParallelUploadThreshold bytesize.ByteSize `mapstructure:"parallel_upload_threshold" yaml:"parallel_upload_threshold,omitempty"`

	// LockTTL is the per-file lock lease duration. Default: 60s
	LockTTL time.Duration `mapstructure:"lock_ttl" yaml:"lock_ttl,omitempty"`

	// LockWaitTimeout bounds how long a worker waits for the per-file
	// lock before the job retries. Default: 30s
	LockWaitTimeout time.Duration `mapstructure:"lock_wait_timeout" yaml:"lock_wait_timeout,omitempty"`

	// RetryBaseDelay seeds the exponential backoff between retries.
	// Default: 10s
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay" yaml:"retry_base_delay,omitempty"`

	// MaxRetries is the per-event retry budget. Default: 3
	MaxRetries int `mapstructure:"max_retries" validate:"omitempty,min=0" yaml:"max_retries,omitempty"`
}

// RestoreConfig tunes the NAS-to-cache restore workers.
type RestoreConfig struct {
	// Workers is the number of concurrent restore workers. Default: 3
	Workers int `mapstructure:"workers" validate:"omitempty,min=1" yaml:"workers,omitempty"`

	// LockTTL is the per-file restore lock duration. Default: 120s
	LockTTL time.Duration `mapstructure:"lock_ttl" yaml:"lock_ttl,omitempty"`
}

// CleanerConfig tunes the periodic orphan sweep.
type CleanerConfig struct {
	// Interval is how often the sweep runs. Default: 30m
	Interval time.Duration `mapstructure:"interval" yaml:"interval,omitempty"`

	// RetentionHours is how long aborted and expired sessions are kept
	// before their parts are reaped. Default: 24
	RetentionHours int `mapstructure:"retention_hours" validate:"omitempty,min=1" yaml:"retention_hours,omitempty"`

	// BatchSize bounds how many sessions one sweep handles. Default: 50
	BatchSize int `mapstructure:"batch_size" validate:"omitempty,min=1" yaml:"batch_size,omitempty"`
}

// ProgressConfig configures the upload/sync progress store.
type ProgressConfig struct {
	// Path is the directory for the progress database.
	// Empty keeps progress in memory only.
	Path string `mapstructure:"path" yaml:"path,omitempty"`

	// TTL is how long finished progress entries are retained. Default: 1h
	TTL time.Duration `mapstructure:"ttl" yaml:"ttl,omitempty"`
}

// Load loads configuration from file, environment, and defaults.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (TIERFS_*)
//  2. Configuration file
//  3. Default values
//
// Parameters:
//   - configPath: Path to config file (empty string uses default location)
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: Configuration loading or validation error
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setupViper(v, configPath)

	configFileFound, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}

	// If no config file was found, use defaults
	if !configFileFound {
		cfg := GetDefaultConfig()
		if err := Validate(cfg); err != nil {
			return nil, fmt.Errorf("configuration validation failed: %w", err)
		}
		return cfg, nil
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// MustLoad loads configuration with helpful error messages.
// It checks if the config file exists and provides instructions if not.
func MustLoad(configPath string) (*Config, error) {
	if configPath == "" {
		if !DefaultConfigExists() {
			return nil, fmt.Errorf("no configuration file found at default location: %s\n\n"+
				"Please initialize a configuration file first:\n"+
				"  tierfs init\n\n"+
				"Or specify a custom config file:\n"+
				"  tierfs <command> --config /path/to/config.yaml",
				GetDefaultConfigPath())
		}
		configPath = GetDefaultConfigPath()
	} else {
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			return nil, fmt.Errorf("configuration file not found: %s\n\n"+
				"Please create the configuration file:\n"+
				"  tierfs init --config %s",
				configPath, configPath)
		}
	}

	cfg, err := Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to the specified file path.
// The configuration is saved in YAML format using proper yaml tags.
func SaveConfig(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// 0600 because the file may carry S3 credentials.
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// setupViper configures viper with environment variables and config file settings.
func setupViper(v *viper.Viper, configPath string) {
	// Environment variables use the TIERFS_ prefix and underscores
	// Example: TIERFS_LOGGING_LEVEL=DEBUG
	v.SetEnvPrefix("TIERFS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Default location: $XDG_CONFIG_HOME/tierfs/config.yaml
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// readConfigFile reads the configuration file if it exists.
// Returns (fileFound, error) where fileFound indicates if a config file was found.
func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		// Also covers os.PathError when an explicit config file is missing
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}

	return true, nil
}

// configDecodeHooks returns a combined decode hook for all custom types.
// This includes ByteSize and time.Duration parsing.
func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		byteSizeDecodeHook(),
		durationDecodeHook(),
	)
}

// byteSizeDecodeHook converts strings and integers to bytesize.ByteSize so
// config files can use human-readable sizes like "1Gi", "500Mi" or "100MB".
func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(bytesize.ByteSize(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			return bytesize.Parse(v)
		case int:
			return bytesize.ByteSize(v), nil
		case int64:
			return bytesize.ByteSize(v), nil
		case uint64:
			return bytesize.ByteSize(v), nil
		case float64:
			// YAML often deserializes numbers as float64
			return bytesize.ByteSize(v), nil
		default:
			return data, nil
		}
	}
}

// durationDecodeHook converts strings to time.Duration so config files can
// use human-readable durations like "30s", "5m", "1h".
func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

// getConfigDir returns the configuration directory path.
//
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config, or falls back to the
// current directory if the home directory cannot be determined.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "tierfs")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	return filepath.Join(home, ".config", "tierfs")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// DefaultConfigExists checks if a config file exists at the default location.
func DefaultConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}

// GetConfigDir returns the configuration directory path (exposed for the init command).
func GetConfigDir() string {
	return getConfigDir()
}
