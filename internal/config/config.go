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
	Server       ServerConfig       `mapstructure:"server"`
	Auth         AuthConfig         `mapstructure:"auth"`
	Store        StoreConfig        `mapstructure:"store"`
	Lock         LockConfig         `mapstructure:"lock"`
	Queue        QueueConfig        `mapstructure:"queue"`
	Sink         SinkConfig         `mapstructure:"sink"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Scheduler    SchedulerConfig    `mapstructure:"scheduler"`
	Feed         FeedConfig         `mapstructure:"feed"`
	Crawler      CrawlerConfig      `mapstructure:"crawler"`
	Logging      LoggingConfig      `mapstructure:"logging"`
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

// StoreConfig selects and configures the document store backend.
type StoreConfig struct {
	// Backend is "memory" or "postgres".
	Backend      string `mapstructure:"backend"`
	DSN          string `mapstructure:"dsn"`
	Table        string `mapstructure:"table"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

// LockConfig selects and configures the mutual-exclusion backend.
type LockConfig struct {
	// Backend is "memory" or "redis".
	Backend    string `mapstructure:"backend"`
	RedisAddr  string `mapstructure:"redis_addr"`
	TTLMinutes int    `mapstructure:"ttl_minutes"`
}

// QueueConfig selects and configures the submission queue backend.
type QueueConfig struct {
	// Backend is "memory" or "pubsub".
	Backend      string `mapstructure:"backend"`
	Depth        int    `mapstructure:"depth"`
	ProjectID    string `mapstructure:"project_id"`
	TopicName    string `mapstructure:"topic_name"`
	Subscription string `mapstructure:"subscription"`
}

// SinkConfig selects and configures the extracted-content sink.
type SinkConfig struct {
	// Backend is "memory", "local" or "gcs".
	Backend   string `mapstructure:"backend"`
	BaseDir   string `mapstructure:"base_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
}

// OrchestratorConfig bounds crawl orchestration runs.
type OrchestratorConfig struct {
	Concurrency      int `mapstructure:"concurrency"`
	WallClockMinutes int `mapstructure:"wall_clock_minutes"`
}

// SchedulerConfig governs subscription trigger provisioning.
type SchedulerConfig struct {
	IntervalHours int `mapstructure:"interval_hours"`
	PageSize      int `mapstructure:"page_size"`
}

// FeedConfig configures feed fetching and post crawls.
type FeedConfig struct {
	UserAgent      string `mapstructure:"user_agent"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	LinkLimit      int    `mapstructure:"link_limit"`
}

// CrawlerConfig governs the bounded page worker.
type CrawlerConfig struct {
	UserAgent      string `mapstructure:"user_agent"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	PagesPerInvoke int    `mapstructure:"pages_per_invoke"`
	DefaultLimit   int    `mapstructure:"default_limit"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("INGESTD")
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
	v.SetDefault("store.backend", "memory")
	v.SetDefault("store.table", "documents")
	v.SetDefault("store.max_open_conns", 8)
	v.SetDefault("lock.backend", "memory")
	v.SetDefault("lock.ttl_minutes", 130)
	v.SetDefault("queue.backend", "memory")
	v.SetDefault("queue.depth", 64)
	v.SetDefault("sink.backend", "memory")
	v.SetDefault("orchestrator.concurrency", 4)
	v.SetDefault("orchestrator.wall_clock_minutes", 120)
	v.SetDefault("scheduler.interval_hours", 24)
	v.SetDefault("scheduler.page_size", 100)
	v.SetDefault("feed.user_agent", "ingestd-feed/0.1")
	v.SetDefault("feed.timeout_seconds", 30)
	v.SetDefault("feed.link_limit", 30)
	v.SetDefault("crawler.user_agent", "ingestd-bot/0.1")
	v.SetDefault("crawler.timeout_seconds", 15)
	v.SetDefault("crawler.pages_per_invoke", 5)
	v.SetDefault("crawler.default_limit", 50)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Orchestrator.Concurrency <= 0 {
		return fmt.Errorf("orchestrator.concurrency must be > 0")
	}
	if c.Orchestrator.WallClockMinutes <= 0 {
		return fmt.Errorf("orchestrator.wall_clock_minutes must be > 0")
	}
	if c.Lock.TTLMinutes <= c.Orchestrator.WallClockMinutes {
		return fmt.Errorf("lock.ttl_minutes must exceed orchestrator.wall_clock_minutes")
	}
	switch c.Store.Backend {
	case "memory":
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn must be set for the postgres backend")
		}
	default:
		return fmt.Errorf("store.backend must be memory or postgres")
	}
	switch c.Lock.Backend {
	case "memory":
	case "redis":
		if c.Lock.RedisAddr == "" {
			return fmt.Errorf("lock.redis_addr must be set for the redis backend")
		}
	default:
		return fmt.Errorf("lock.backend must be memory or redis")
	}
	switch c.Queue.Backend {
	case "memory":
		if c.Queue.Depth <= 0 {
			return fmt.Errorf("queue.depth must be > 0")
		}
	case "pubsub":
		if c.Queue.ProjectID == "" || c.Queue.TopicName == "" || c.Queue.Subscription == "" {
			return fmt.Errorf("queue.project_id, queue.topic_name and queue.subscription must be set for the pubsub backend")
		}
	default:
		return fmt.Errorf("queue.backend must be memory or pubsub")
	}
	switch c.Sink.Backend {
	case "memory":
	case "local":
		if c.Sink.BaseDir == "" {
			return fmt.Errorf("sink.base_dir must be set for the local backend")
		}
	case "gcs":
		if c.Sink.GCSBucket == "" {
			return fmt.Errorf("sink.gcs_bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("sink.backend must be memory, local or gcs")
	}
	if c.Feed.LinkLimit <= 0 {
		return fmt.Errorf("feed.link_limit must be > 0")
	}
	if c.Crawler.DefaultLimit <= 0 {
		return fmt.Errorf("crawler.default_limit must be > 0")
	}
	return nil
}

// WallClock converts the orchestrator ceiling into a duration.
func (c Config) WallClock() time.Duration {
	return time.Duration(c.Orchestrator.WallClockMinutes) * time.Minute
}

// LockTTL converts the lock TTL into a duration.
func (c Config) LockTTL() time.Duration {
	return time.Duration(c.Lock.TTLMinutes) * time.Minute
}
