// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Analyzers AnalyzersConfig `mapstructure:"analyzers"`
	Fetch     FetchConfig     `mapstructure:"fetch"`
	Headless  HeadlessConfig  `mapstructure:"headless"`
	Broker    BrokerConfig    `mapstructure:"broker"`
	Store     StoreConfig     `mapstructure:"store"`
	Assets    AssetsConfig    `mapstructure:"assets"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// PipelineConfig governs orchestration and retry behavior.
type PipelineConfig struct {
	JobBudgetSeconds    int `mapstructure:"job_budget_seconds"`
	ReapIntervalSeconds int `mapstructure:"reap_interval_seconds"`
	MaxAttempts         int `mapstructure:"max_attempts"`
	BackoffInitialMs    int `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs        int `mapstructure:"backoff_max_ms"`
	WorkersPerStage     int `mapstructure:"workers_per_stage"`
}

// AnalyzersConfig governs analyze-stage execution.
type AnalyzersConfig struct {
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// FetchConfig configures the probe fetch.
type FetchConfig struct {
	UserAgent      string `mapstructure:"user_agent"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// HeadlessConfig configures the headless rendering subsystem.
type HeadlessConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	MaxParallel       int  `mapstructure:"max_parallel"`
	NavTimeoutSec     int  `mapstructure:"nav_timeout_seconds"`
	CaptureScreenshot bool `mapstructure:"capture_screenshot"`
	MinHTMLBytes      int  `mapstructure:"min_html_bytes"`
}

// BrokerConfig selects and configures the task broker.
type BrokerConfig struct {
	Provider                 string `mapstructure:"provider"`
	Capacity                 int    `mapstructure:"capacity"`
	VisibilityTimeoutSeconds int    `mapstructure:"visibility_timeout_seconds"`
	NackDelayMs              int    `mapstructure:"nack_delay_ms"`
	ProjectID                string `mapstructure:"project_id"`
	Prefix                   string `mapstructure:"prefix"`
}

// StoreConfig selects and configures the record store.
type StoreConfig struct {
	Provider        string `mapstructure:"provider"`
	DSN             string `mapstructure:"dsn"`
	MaxConns        int    `mapstructure:"max_conns"`
	MinConns        int    `mapstructure:"min_conns"`
	MaxConnLifetime int    `mapstructure:"max_conn_lifetime_seconds"`
}

// AssetsConfig selects and configures the asset bundle store.
type AssetsConfig struct {
	Provider  string `mapstructure:"provider"`
	LocalPath string `mapstructure:"local_path"`
	GCSBucket string `mapstructure:"gcs_bucket"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PAGELENS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("pipeline.job_budget_seconds", 600)
	v.SetDefault("pipeline.reap_interval_seconds", 15)
	v.SetDefault("pipeline.max_attempts", 3)
	v.SetDefault("pipeline.backoff_initial_ms", 250)
	v.SetDefault("pipeline.backoff_max_ms", 30000)
	v.SetDefault("pipeline.workers_per_stage", 2)
	v.SetDefault("analyzers.timeout_seconds", 60)
	v.SetDefault("fetch.user_agent", "pagelens-bot/0.1")
	v.SetDefault("fetch.timeout_seconds", 15)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout_seconds", 45)
	v.SetDefault("headless.capture_screenshot", true)
	v.SetDefault("headless.min_html_bytes", 2048)
	v.SetDefault("broker.provider", "memory")
	v.SetDefault("broker.capacity", 64)
	v.SetDefault("broker.visibility_timeout_seconds", 30)
	v.SetDefault("broker.nack_delay_ms", 250)
	v.SetDefault("broker.prefix", "pagelens")
	v.SetDefault("store.provider", "memory")
	v.SetDefault("store.max_conns", 8)
	v.SetDefault("store.min_conns", 0)
	v.SetDefault("store.max_conn_lifetime_seconds", 1800)
	v.SetDefault("assets.provider", "memory")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Pipeline.JobBudgetSeconds <= 0 {
		return fmt.Errorf("pipeline.job_budget_seconds must be > 0")
	}
	if c.Pipeline.MaxAttempts <= 0 {
		return fmt.Errorf("pipeline.max_attempts must be > 0")
	}
	if c.Pipeline.WorkersPerStage <= 0 {
		return fmt.Errorf("pipeline.workers_per_stage must be > 0")
	}
	if c.Fetch.TimeoutSeconds <= 0 {
		return fmt.Errorf("fetch.timeout_seconds must be > 0")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.Broker.Provider {
	case "memory":
	case "pubsub":
		if c.Broker.ProjectID == "" {
			return fmt.Errorf("broker.project_id must be set for the pubsub broker")
		}
	default:
		return fmt.Errorf("broker.provider %q is not supported", c.Broker.Provider)
	}
	switch c.Store.Provider {
	case "memory":
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn must be set for the postgres store")
		}
	default:
		return fmt.Errorf("store.provider %q is not supported", c.Store.Provider)
	}
	switch c.Assets.Provider {
	case "memory":
	case "local":
		if c.Assets.LocalPath == "" {
			return fmt.Errorf("assets.local_path must be set for the local asset store")
		}
	case "gcs":
		if c.Assets.GCSBucket == "" {
			return fmt.Errorf("assets.gcs_bucket must be set for the gcs asset store")
		}
	default:
		return fmt.Errorf("assets.provider %q is not supported", c.Assets.Provider)
	}
	return nil
}

// JobBudget returns the per-job wall-clock budget.
func (c Config) JobBudget() time.Duration {
	return time.Duration(c.Pipeline.JobBudgetSeconds) * time.Second
}

// ReapInterval returns how often overdue jobs are reaped.
func (c Config) ReapInterval() time.Duration {
	return time.Duration(c.Pipeline.ReapIntervalSeconds) * time.Second
}

// FetchTimeout returns the probe fetch timeout.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Fetch.TimeoutSeconds) * time.Second
}

// AnalyzerTimeout returns the per-analyzer execution bound.
func (c Config) AnalyzerTimeout() time.Duration {
	return time.Duration(c.Analyzers.TimeoutSeconds) * time.Second
}
