// Package config holds all configuration types and loading logic for notifyd.
// Fields are only ever added; existing YAML keys keep their meaning.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for a notifyd instance.
type Config struct {
	Node     NodeConfig     `yaml:"node"`
	HTTP     HTTPConfig     `yaml:"http"`
	Log      LogConfig      `yaml:"log"`
	Store    StoreConfig    `yaml:"store"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Retry    RetryConfig    `yaml:"retry"`
	Breaker  BreakerConfig  `yaml:"breaker"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Database DatabaseConfig `yaml:"database"`
	Channels ChannelsConfig `yaml:"channels"`
}

// NodeConfig holds identity settings for this process.
type NodeConfig struct {
	// ID is a ULID string. Use "auto" to generate and persist one on first start.
	ID      string `yaml:"id"`
	DataDir string `yaml:"data_dir"`
}

// HTTPConfig controls the API listener.
type HTTPConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// APIKey, when non-empty, is required in the X-Api-Key header.
	APIKey string `yaml:"api_key"`
	// RateLimit is requests per second per client IP. 0 disables limiting.
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`
}

// LogConfig selects level and output format for the zerolog logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json | console
}

// StoreConfig controls the bbolt-backed queue store.
type StoreConfig struct {
	// Path is the bbolt file. Empty means <data_dir>/queues.db.
	Path string `yaml:"path"`
	// Namespace prefixes every bucket so several deployments can share a file.
	Namespace      string        `yaml:"namespace"`
	DequeueTimeout time.Duration `yaml:"dequeue_timeout"`
	OpenTimeout    time.Duration `yaml:"open_timeout"`
}

// PipelineConfig sizes the worker pool and lifecycle timings.
type PipelineConfig struct {
	Workers       int           `yaml:"workers"`
	MaxRetries    int           `yaml:"max_retries"`
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
	// ErrorPause is how long a worker sleeps after an unexpected failure in
	// its own processing loop.
	ErrorPause time.Duration `yaml:"error_pause"`
	// Channels lists the delivery channels that get a circuit breaker.
	Channels []string `yaml:"channels"`
}

// RetryConfig controls exponential backoff and delayed-task promotion.
type RetryConfig struct {
	BaseDelay       time.Duration `yaml:"base_delay"`
	MaxDelay        time.Duration `yaml:"max_delay"`
	Jitter          time.Duration `yaml:"jitter"`
	PromoteInterval time.Duration `yaml:"promote_interval"`
}

// BreakerConfig applies to every per-channel circuit breaker.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout"`
}

// MetricsConfig controls the Prometheus listener and the snapshot publisher.
type MetricsConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Port            int           `yaml:"port"`
	PublishInterval time.Duration `yaml:"publish_interval"`
	SnapshotTTL     time.Duration `yaml:"snapshot_ttl"`
	// MaxHistory caps total_processed before counters are compacted.
	MaxHistory int64 `yaml:"max_history"`
}

// DatabaseDriver selects the notification repository implementation.
type DatabaseDriver string

const (
	DriverPostgres DatabaseDriver = "postgres"
	DriverMemory   DatabaseDriver = "memory" // dev/test only
)

// DatabaseConfig points at the notification records store.
type DatabaseConfig struct {
	Driver          DatabaseDriver `yaml:"driver"`
	DSN             string         `yaml:"dsn"`
	MaxOpenConns    int            `yaml:"max_open_conns"`
	MaxIdleConns    int            `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration  `yaml:"conn_max_lifetime"`
}

// ChannelsConfig configures the concrete channel senders.
type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
	Email    EmailConfig    `yaml:"email"`
	SMS      WebhookConfig  `yaml:"sms"`
}

// TelegramConfig configures the Bot API sender.
type TelegramConfig struct {
	Enabled  bool          `yaml:"enabled"`
	BotToken string        `yaml:"bot_token"`
	APIURL   string        `yaml:"api_url"`
	Timeout  time.Duration `yaml:"timeout"`
}

// EmailConfig configures the SES sender. Credentials come from the default
// AWS credential chain.
type EmailConfig struct {
	Enabled     bool   `yaml:"enabled"`
	FromAddress string `yaml:"from_address"`
	Region      string `yaml:"region"`
	// Endpoint overrides the SES endpoint (localstack).
	Endpoint string `yaml:"endpoint"`
}

// WebhookConfig configures an HMAC-signed HTTP gateway sender.
type WebhookConfig struct {
	Enabled bool          `yaml:"enabled"`
	URL     string        `yaml:"url"`
	Secret  string        `yaml:"secret"`
	Timeout time.Duration `yaml:"timeout"`
}

// Default returns a Config populated with safe, sensible defaults.
// It is the canonical source of truth for default values.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			ID:      "auto",
			DataDir: "./data",
		},
		HTTP: HTTPConfig{
			Host:      "0.0.0.0",
			Port:      8080,
			RateLimit: 200,
			RateBurst: 400,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Store: StoreConfig{
			Namespace:      "notifyd",
			DequeueTimeout: 5 * time.Second,
			OpenTimeout:    time.Second,
		},
		Pipeline: PipelineConfig{
			Workers:       4,
			MaxRetries:    3,
			ShutdownGrace: 30 * time.Second,
			ErrorPause:    time.Second,
			Channels:      []string{"telegram", "email", "sms"},
		},
		Retry: RetryConfig{
			BaseDelay:       time.Second,
			MaxDelay:        5 * time.Minute,
			Jitter:          time.Second,
			PromoteInterval: 10 * time.Second,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			RecoveryTimeout:  time.Minute,
		},
		Metrics: MetricsConfig{
			Enabled:         true,
			Port:            9090,
			PublishInterval: time.Minute,
			SnapshotTTL:     5 * time.Minute,
			MaxHistory:      1_000_000,
		},
		Database: DatabaseConfig{
			Driver:          DriverPostgres,
			MaxOpenConns:    50,
			MaxIdleConns:    10,
			ConnMaxLifetime: time.Hour,
		},
		Channels: ChannelsConfig{
			Telegram: TelegramConfig{
				APIURL:  "https://api.telegram.org",
				Timeout: 10 * time.Second,
			},
			Email: EmailConfig{
				Region: "us-east-1",
			},
			SMS: WebhookConfig{
				Timeout: 10 * time.Second,
			},
		},
	}
}

// Load reads a YAML config file at path and overlays it on top of Default().
// If the file does not exist the default config is returned without error.
//
// After loading the file, environment variables are applied as overrides:
//
//	NOTIFYD_DATA_DIR            sets node.data_dir
//	NOTIFYD_PORT                sets http.port
//	NOTIFYD_API_KEY             sets http.api_key
//	NOTIFYD_LOG_LEVEL           sets log.level
//	NOTIFYD_DATABASE_DSN        sets database.dsn
//	NOTIFYD_TELEGRAM_BOT_TOKEN  sets channels.telegram.bot_token and enables it
//	NOTIFYD_SMS_WEBHOOK_SECRET  sets channels.sms.secret
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			applyEnv(cfg)
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("NOTIFYD_DATA_DIR"); v != "" {
		cfg.Node.DataDir = v
	}
	if v := os.Getenv("NOTIFYD_PORT"); v != "" {
		var p int
		if _, err := fmt.Sscanf(v, "%d", &p); err == nil && p > 0 {
			cfg.HTTP.Port = p
		}
	}
	if v := os.Getenv("NOTIFYD_API_KEY"); v != "" {
		cfg.HTTP.APIKey = v
	}
	if v := os.Getenv("NOTIFYD_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("NOTIFYD_DATABASE_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("NOTIFYD_TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.Channels.Telegram.BotToken = v
		cfg.Channels.Telegram.Enabled = true
	}
	if v := os.Getenv("NOTIFYD_SMS_WEBHOOK_SECRET"); v != "" {
		cfg.Channels.SMS.Secret = v
	}
}

// StorePath returns the bbolt file path, defaulting into the data directory.
func (c *Config) StorePath() string {
	if c.Store.Path != "" {
		return c.Store.Path
	}
	return filepath.Join(c.Node.DataDir, "queues.db")
}

// Validate checks that the config values are consistent and within acceptable
// ranges. It returns the first error found.
func (c *Config) Validate() error {
	if c.HTTP.Port < 1 || c.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if c.Node.DataDir == "" {
		return errors.New("node.data_dir must not be empty")
	}
	if c.Store.Namespace == "" || strings.Contains(c.Store.Namespace, "/") {
		return errors.New("store.namespace must be non-empty and must not contain '/'")
	}
	if c.Store.DequeueTimeout <= 0 {
		return errors.New("store.dequeue_timeout must be positive")
	}
	if c.Pipeline.Workers < 1 {
		return errors.New("pipeline.workers must be at least 1")
	}
	if c.Pipeline.MaxRetries < 0 {
		return errors.New("pipeline.max_retries must be >= 0")
	}
	if len(c.Pipeline.Channels) == 0 {
		return errors.New("pipeline.channels must list at least one channel")
	}
	if c.Retry.BaseDelay <= 0 || c.Retry.MaxDelay < c.Retry.BaseDelay {
		return errors.New("retry.base_delay must be positive and not exceed retry.max_delay")
	}
	if c.Retry.Jitter < 0 {
		return errors.New("retry.jitter must be >= 0")
	}
	if c.Retry.PromoteInterval <= 0 {
		return errors.New("retry.promote_interval must be positive")
	}
	if c.Breaker.FailureThreshold < 1 {
		return errors.New("breaker.failure_threshold must be at least 1")
	}
	if c.Breaker.RecoveryTimeout <= 0 {
		return errors.New("breaker.recovery_timeout must be positive")
	}
	if c.Metrics.Enabled && (c.Metrics.Port < 1 || c.Metrics.Port > 65535) {
		return errors.New("metrics.port must be between 1 and 65535")
	}
	if c.Metrics.PublishInterval <= 0 {
		return errors.New("metrics.publish_interval must be positive")
	}
	switch c.Database.Driver {
	case DriverPostgres:
		if c.Database.DSN == "" {
			return errors.New("database.dsn is required for the postgres driver")
		}
	case DriverMemory:
		// valid
	default:
		return errors.New(`database.driver must be one of "postgres", "memory"`)
	}
	if c.Channels.Telegram.Enabled && c.Channels.Telegram.BotToken == "" {
		return errors.New("channels.telegram.bot_token is required when telegram is enabled")
	}
	if c.Channels.Email.Enabled && c.Channels.Email.FromAddress == "" {
		return errors.New("channels.email.from_address is required when email is enabled")
	}
	if c.Channels.SMS.Enabled && c.Channels.SMS.URL == "" {
		return errors.New("channels.sms.url is required when sms is enabled")
	}
	// Every enabled sender needs a breaker.
	for _, ch := range []struct {
		name    string
		enabled bool
	}{
		{"telegram", c.Channels.Telegram.Enabled},
		{"email", c.Channels.Email.Enabled},
		{"sms", c.Channels.SMS.Enabled},
	} {
		if ch.enabled && !slices.Contains(c.Pipeline.Channels, ch.name) {
			return fmt.Errorf("channels.%s is enabled but missing from pipeline.channels", ch.name)
		}
	}
	return nil
}
