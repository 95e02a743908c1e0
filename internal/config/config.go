package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Source    SourceConfig    `yaml:"source"`
	Target    TargetConfig    `yaml:"target"`
	Media     MediaConfig     `yaml:"media"`
	Store     StoreConfig     `yaml:"store"`
	Migration Migration       `yaml:"migration"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	LogLevel  string          `yaml:"log_level" env:"SITEMIGRATE_LOG_LEVEL"`
	LogFile   string          `yaml:"log_file" env:"SITEMIGRATE_LOG_FILE"`
}

// SourceConfig is the export API of the site being migrated
type SourceConfig struct {
	URL            string  `yaml:"url" env:"SITEMIGRATE_SOURCE_URL"`
	APIKey         string  `yaml:"api_key" env:"SITEMIGRATE_SOURCE_API_KEY"`
	RateLimit      float64 `yaml:"rate_limit"`
	TimeoutSeconds int     `yaml:"timeout_seconds"`
}

// TargetConfig is the receiving site
type TargetConfig struct {
	URL            string  `yaml:"url" env:"SITEMIGRATE_TARGET_URL"`
	Credential     string  `yaml:"credential" env:"SITEMIGRATE_TARGET_CREDENTIAL"`
	RateLimit      float64 `yaml:"rate_limit"`
	TimeoutSeconds int     `yaml:"timeout_seconds"`
	Retries        int     `yaml:"retries"`
	RetryBackoffMs int     `yaml:"retry_backoff_ms"`
}

// MediaConfig is the S3-compatible bucket holding media originals. Leave the
// endpoint empty to let the target download from the source URLs.
type MediaConfig struct {
	Endpoint  string `yaml:"endpoint" env:"SITEMIGRATE_MEDIA_ENDPOINT"`
	AccessKey string `yaml:"access_key" env:"SITEMIGRATE_MEDIA_ACCESS_KEY"`
	SecretKey string `yaml:"secret_key" env:"SITEMIGRATE_MEDIA_SECRET_KEY"`
	Secure    bool   `yaml:"secure"`
	Bucket    string `yaml:"bucket"`
	MaxSizeMB int64  `yaml:"max_size_mb"`
}

// StoreConfig selects the document store
type StoreConfig struct {
	Driver        string `yaml:"driver" env:"SITEMIGRATE_STORE_DRIVER"` // sqlite, redis or memory
	Path          string `yaml:"path"`
	RedisAddr     string `yaml:"redis_addr" env:"SITEMIGRATE_REDIS_ADDR"`
	RedisPassword string `yaml:"redis_password" env:"SITEMIGRATE_REDIS_PASSWORD"`
	RedisDB       int    `yaml:"redis_db"`
	Prefix        string `yaml:"prefix"`
}

// Migration represents migration-specific configuration
type Migration struct {
	MediaBatchSize          int               `yaml:"media_batch_size"`
	PostsBatchSize          int               `yaml:"posts_batch_size"`
	MediaMaxRetries         int               `yaml:"media_max_retries"`
	PostsMaxRetries         int               `yaml:"posts_max_retries"`
	IncludeMedia            bool              `yaml:"include_media"`
	Categories              []string          `yaml:"categories"`
	CategoryMappings        map[string]string `yaml:"category_mappings"`
	ExecutionCeilingSeconds int               `yaml:"execution_ceiling_seconds"`
	StaleTTLSeconds         int               `yaml:"stale_ttl_seconds"`
	LockTTLSeconds          int               `yaml:"lock_ttl_seconds"`
	HistoryRetentionDays    int               `yaml:"history_retention_days"`
	ShowProgress            bool              `yaml:"show_progress"`
}

// SchedulerConfig controls the background trigger surface
type SchedulerConfig struct {
	// Poll is a robfig/cron spec, seconds field included
	Poll string `yaml:"poll"`
}

// MetricsConfig controls the Prometheus endpoint
type MetricsConfig struct {
	Addr string `yaml:"addr" env:"SITEMIGRATE_METRICS_ADDR"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Source: SourceConfig{
			TimeoutSeconds: 30,
		},
		Target: TargetConfig{
			TimeoutSeconds: 60,
			Retries:        3,
			RetryBackoffMs: 500,
		},
		Store: StoreConfig{
			Driver: "sqlite",
			Path:   "./sitemigrate.db",
			Prefix: "sitemigrate:",
		},
		Migration: Migration{
			MediaBatchSize:       3,
			PostsBatchSize:       10,
			MediaMaxRetries:      2,
			PostsMaxRetries:      3,
			IncludeMedia:         true,
			StaleTTLSeconds:      300,
			LockTTLSeconds:       300,
			HistoryRetentionDays: 10,
			ShowProgress:         true,
		},
		Scheduler: SchedulerConfig{
			Poll: "*/30 * * * * *",
		},
		Metrics: MetricsConfig{
			Addr: ":9090",
		},
	}
}

// Load loads configuration from file, environment and command line flags,
// in that order of precedence (flags win).
func Load(configFile string, flags *pflag.FlagSet) (*Config, error) {
	cfg := Default()

	// Load from YAML file if provided
	if configFile != "" {
		if err := loadFromFile(cfg, configFile); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	// Override with command line flags
	if flags != nil {
		if err := loadFromFlags(cfg, flags); err != nil {
			return nil, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func loadFromFile(cfg *Config, filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, cfg)
}

// RegisterFlags declares the flags loadFromFlags understands
func RegisterFlags(flags *pflag.FlagSet) {
	flags.String("source-url", "", "Source site export API URL")
	flags.String("source-api-key", "", "Source site API key")
	flags.String("target-url", "", "Target site URL")
	flags.String("target-credential", "", "Target site migration credential")
	flags.String("store-driver", "", "Document store driver (sqlite, redis, memory)")
	flags.String("store-path", "", "SQLite document store path")
	flags.String("redis-addr", "", "Redis address for the redis store driver")
	flags.Int("media-batch-size", 0, "Media items per batch")
	flags.Int("posts-batch-size", 0, "Posts per batch")
	flags.Bool("include-media", true, "Migrate media before posts")
	flags.StringSlice("categories", nil, "Only migrate posts in these categories")
	flags.Int("execution-ceiling", 0, "Execution ceiling in seconds of one headless slice (0 = unbounded)")
	flags.String("metrics-addr", "", "Prometheus metrics listen address")
	flags.String("log-level", "", "Log level (debug, info, warn, error)")
	flags.String("log-file", "", "Also write logs to this rotating file")
	flags.Bool("show-progress", true, "Show the progress bar")
}

func loadFromFlags(cfg *Config, flags *pflag.FlagSet) error {
	if flags.Changed("source-url") {
		cfg.Source.URL, _ = flags.GetString("source-url")
	}
	if flags.Changed("source-api-key") {
		cfg.Source.APIKey, _ = flags.GetString("source-api-key")
	}

	if flags.Changed("target-url") {
		cfg.Target.URL, _ = flags.GetString("target-url")
	}
	if flags.Changed("target-credential") {
		cfg.Target.Credential, _ = flags.GetString("target-credential")
	}

	if flags.Changed("store-driver") {
		cfg.Store.Driver, _ = flags.GetString("store-driver")
	}
	if flags.Changed("store-path") {
		cfg.Store.Path, _ = flags.GetString("store-path")
	}
	if flags.Changed("redis-addr") {
		cfg.Store.RedisAddr, _ = flags.GetString("redis-addr")
	}

	if flags.Changed("media-batch-size") {
		cfg.Migration.MediaBatchSize, _ = flags.GetInt("media-batch-size")
	}
	if flags.Changed("posts-batch-size") {
		cfg.Migration.PostsBatchSize, _ = flags.GetInt("posts-batch-size")
	}
	if flags.Changed("include-media") {
		cfg.Migration.IncludeMedia, _ = flags.GetBool("include-media")
	}
	if flags.Changed("categories") {
		cfg.Migration.Categories, _ = flags.GetStringSlice("categories")
	}
	if flags.Changed("execution-ceiling") {
		cfg.Migration.ExecutionCeilingSeconds, _ = flags.GetInt("execution-ceiling")
	}
	if flags.Changed("show-progress") {
		cfg.Migration.ShowProgress, _ = flags.GetBool("show-progress")
	}

	if flags.Changed("metrics-addr") {
		cfg.Metrics.Addr, _ = flags.GetString("metrics-addr")
	}
	if flags.Changed("log-level") {
		cfg.LogLevel, _ = flags.GetString("log-level")
	}
	if flags.Changed("log-file") {
		cfg.LogFile, _ = flags.GetString("log-file")
	}

	return nil
}

func (c *Config) validate() error {
	if c.Source.URL == "" {
		return fmt.Errorf("source url is required")
	}
	if c.Target.URL == "" {
		return fmt.Errorf("target url is required")
	}

	switch strings.ToLower(c.Store.Driver) {
	case "sqlite":
		if c.Store.Path == "" {
			return fmt.Errorf("store path is required for the sqlite driver")
		}
	case "redis":
		if c.Store.RedisAddr == "" {
			return fmt.Errorf("redis address is required for the redis driver")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}

	if c.Media.Endpoint != "" && c.Media.Bucket == "" {
		return fmt.Errorf("media bucket is required when a media endpoint is set")
	}

	if c.Migration.MediaBatchSize < 0 || c.Migration.PostsBatchSize < 0 {
		return fmt.Errorf("batch sizes must not be negative")
	}
	if c.Migration.ExecutionCeilingSeconds < 0 {
		return fmt.Errorf("execution ceiling must not be negative")
	}
	if c.Migration.StaleTTLSeconds <= 0 {
		return fmt.Errorf("stale ttl must be positive")
	}
	if c.Migration.LockTTLSeconds <= 0 {
		return fmt.Errorf("lock ttl must be positive")
	}

	if c.Target.Retries <= 0 {
		return fmt.Errorf("target retries must be positive")
	}

	return nil
}

// ExecutionCeiling returns the configured ceiling, 0 when unbounded
func (m Migration) ExecutionCeiling() time.Duration {
	return time.Duration(m.ExecutionCeilingSeconds) * time.Second
}

// StaleTTL returns the progress staleness threshold
func (m Migration) StaleTTL() time.Duration {
	return time.Duration(m.StaleTTLSeconds) * time.Second
}

// LockTTL returns the batch lock lifetime
func (m Migration) LockTTL() time.Duration {
	return time.Duration(m.LockTTLSeconds) * time.Second
}

// HistoryRetention returns how long finished run records are kept
func (m Migration) HistoryRetention() time.Duration {
	return time.Duration(m.HistoryRetentionDays) * 24 * time.Hour
}
