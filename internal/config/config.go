// Package config loads and validates siteaudit configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/rankwell/siteaudit/internal/audit"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Crawl     CrawlConfig     `mapstructure:"crawl"`
	Headless  HeadlessConfig  `mapstructure:"headless"`
	Jobs      JobsConfig      `mapstructure:"jobs"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Store     StoreConfig     `mapstructure:"store"`
	Storage   StorageConfig   `mapstructure:"storage"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Progress  ProgressConfig  `mapstructure:"progress"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                  int    `mapstructure:"port"`
	RequestTimeoutSeconds int    `mapstructure:"request_timeout_seconds"`
	APIKey                string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// CrawlConfig supplies defaults for per-audit options plus the fetch
// behavior shared by every audit.
type CrawlConfig struct {
	MaxDepthDefault       int    `mapstructure:"max_depth_default"`
	MaxPagesDefault       int    `mapstructure:"max_pages_default"`
	MaxConcurrencyDefault int    `mapstructure:"max_concurrency_default"`
	UserAgent             string `mapstructure:"user_agent"`
	RespectRobots         bool   `mapstructure:"respect_robots"`
	FetchTimeoutSeconds   int    `mapstructure:"fetch_timeout_seconds"`
	MaxBodyBytes          int    `mapstructure:"max_body_bytes"`
}

// HeadlessConfig configures the headless rendering subsystem.
type HeadlessConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	MaxParallel   int  `mapstructure:"max_parallel"`
	NavTimeoutSec int  `mapstructure:"nav_timeout_seconds"`
}

// JobsConfig governs the background job queue.
type JobsConfig struct {
	Concurrency          int `mapstructure:"concurrency"`
	RetentionMinutes     int `mapstructure:"retention_minutes"`
	SweepIntervalMinutes int `mapstructure:"sweep_interval_minutes"`
}

// SchedulerConfig governs the recurring-audit poller.
type SchedulerConfig struct {
	Enabled         bool `mapstructure:"enabled"`
	IntervalMinutes int  `mapstructure:"interval_minutes"`
	RunHour         int  `mapstructure:"run_hour"`
}

// StoreConfig selects and tunes audit persistence.
type StoreConfig struct {
	Backend             string `mapstructure:"backend"`
	DSN                 string `mapstructure:"dsn"`
	MaxConns            int32  `mapstructure:"max_conns"`
	MinConns            int32  `mapstructure:"min_conns"`
	ConnLifetimeMinutes int    `mapstructure:"conn_lifetime_minutes"`
}

// StorageConfig selects blob persistence for reports and screenshots.
type StorageConfig struct {
	Backend          string `mapstructure:"backend"`
	Bucket           string `mapstructure:"bucket"`
	BaseDir          string `mapstructure:"base_dir"`
	ReportPrefix     string `mapstructure:"report_prefix"`
	ScreenshotPrefix string `mapstructure:"screenshot_prefix"`
}

// PubSubConfig holds completion-event publishing metadata. Leaving both
// fields empty selects the in-memory publisher.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// RateLimitConfig tunes per-host politeness. RPS <= 0 disables it.
type RateLimitConfig struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

// ProgressConfig tunes the audit event hub.
type ProgressConfig struct {
	BufferSize     int  `mapstructure:"buffer_size"`
	MaxBatchEvents int  `mapstructure:"max_batch_events"`
	MaxBatchWaitMs int  `mapstructure:"max_batch_wait_ms"`
	SinkTimeoutSec int  `mapstructure:"sink_timeout_seconds"`
	LogEvents      bool `mapstructure:"log_events"`
}

// Store backends.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

// Storage backends.
const (
	StorageMemory = "memory"
	StorageLocal  = "local"
	StorageGCS    = "gcs"
)

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SITEAUDIT")
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
	v.SetDefault("server.request_timeout_seconds", 60)
	v.SetDefault("logging.development", false)
	v.SetDefault("crawl.max_depth_default", 3)
	v.SetDefault("crawl.max_pages_default", 100)
	v.SetDefault("crawl.max_concurrency_default", 5)
	v.SetDefault("crawl.user_agent", "rankwell-siteaudit/1.0")
	v.SetDefault("crawl.respect_robots", true)
	v.SetDefault("crawl.fetch_timeout_seconds", 15)
	v.SetDefault("crawl.max_body_bytes", 2<<20)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 2)
	v.SetDefault("headless.nav_timeout_seconds", 25)
	v.SetDefault("jobs.concurrency", 2)
	v.SetDefault("jobs.retention_minutes", 60)
	v.SetDefault("jobs.sweep_interval_minutes", 5)
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.interval_minutes", 60)
	v.SetDefault("scheduler.run_hour", 6)
	v.SetDefault("store.backend", StoreMemory)
	v.SetDefault("store.max_conns", 8)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("store.conn_lifetime_minutes", 30)
	v.SetDefault("storage.backend", StorageMemory)
	v.SetDefault("storage.report_prefix", "reports")
	v.SetDefault("storage.screenshot_prefix", "screenshots")
	v.SetDefault("ratelimit.rps", 4)
	v.SetDefault("ratelimit.burst", 2)
	v.SetDefault("progress.buffer_size", 4096)
	v.SetDefault("progress.max_batch_events", 256)
	v.SetDefault("progress.max_batch_wait_ms", 500)
	v.SetDefault("progress.sink_timeout_seconds", 10)
	v.SetDefault("progress.log_events", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Crawl.MaxPagesDefault <= 0 {
		return fmt.Errorf("crawl.max_pages_default must be > 0")
	}
	if c.Crawl.MaxDepthDefault <= 0 {
		return fmt.Errorf("crawl.max_depth_default must be > 0")
	}
	if c.Crawl.MaxConcurrencyDefault <= 0 {
		return fmt.Errorf("crawl.max_concurrency_default must be > 0")
	}
	if c.Crawl.FetchTimeoutSeconds <= 0 {
		return fmt.Errorf("crawl.fetch_timeout_seconds must be > 0")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	if c.Jobs.Concurrency <= 0 {
		return fmt.Errorf("jobs.concurrency must be > 0")
	}
	if c.Scheduler.RunHour < 0 || c.Scheduler.RunHour > 23 {
		return fmt.Errorf("scheduler.run_hour must be between 0 and 23")
	}
	switch c.Store.Backend {
	case StoreMemory:
	case StorePostgres:
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required when store.backend is %q", StorePostgres)
		}
	default:
		return fmt.Errorf("store.backend must be %q or %q, got %q", StoreMemory, StorePostgres, c.Store.Backend)
	}
	switch c.Storage.Backend {
	case StorageMemory:
	case StorageLocal:
		if c.Storage.BaseDir == "" {
			return fmt.Errorf("storage.base_dir is required when storage.backend is %q", StorageLocal)
		}
	case StorageGCS:
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket is required when storage.backend is %q", StorageGCS)
		}
	default:
		return fmt.Errorf("storage.backend must be %q, %q, or %q, got %q",
			StorageMemory, StorageLocal, StorageGCS, c.Storage.Backend)
	}
	if (c.PubSub.ProjectID == "") != (c.PubSub.Topic == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic must be set together")
	}
	return nil
}

// CrawlDefaults converts the crawl section into the option defaults
// applied to audit requests.
func (c Config) CrawlDefaults() audit.CrawlOptions {
	return audit.CrawlOptions{
		MaxDepth:       c.Crawl.MaxDepthDefault,
		MaxPages:       c.Crawl.MaxPagesDefault,
		MaxConcurrency: c.Crawl.MaxConcurrencyDefault,
		UserAgent:      c.Crawl.UserAgent,
		RespectRobots:  c.Crawl.RespectRobots,
	}
}

// RequestTimeout converts the server timeout config into a duration.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.RequestTimeoutSeconds) * time.Second
}

// FetchTimeout converts the crawl fetch timeout into a duration.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Crawl.FetchTimeoutSeconds) * time.Second
}
