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
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	DB         DBConfig         `mapstructure:"db"`
	ClickHouse ClickHouseConfig `mapstructure:"clickhouse"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Worker     WorkerConfig     `mapstructure:"worker"`
	Scraper    ScraperConfig    `mapstructure:"scraper"`
	Logging    LoggingConfig    `mapstructure:"logging"`
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

// DBConfig controls access to the Postgres database holding product and job
// rows.
type DBConfig struct {
	DSN             string `mapstructure:"dsn"`
	MaxConns        int32  `mapstructure:"max_conns"`
	MinConns        int32  `mapstructure:"min_conns"`
	ConnLifetimeMin int    `mapstructure:"conn_lifetime_minutes"`
}

// ClickHouseConfig controls the price-history time-series store.
type ClickHouseConfig struct {
	Addr     string `mapstructure:"addr"`
	Database string `mapstructure:"database"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Table    string `mapstructure:"table"`
}

// QueueConfig selects and tunes the work queue.
type QueueConfig struct {
	Provider          string `mapstructure:"provider"` // "redis" or "memory"
	RedisAddr         string `mapstructure:"redis_addr"`
	RedisPassword     string `mapstructure:"redis_password"`
	RedisDB           int    `mapstructure:"redis_db"`
	KeyPrefix         string `mapstructure:"key_prefix"`
	VisibilitySeconds int    `mapstructure:"visibility_seconds"`
	MaxAttempts       int    `mapstructure:"max_attempts"`
	MemoryDepth       int    `mapstructure:"memory_depth"`
}

// WorkerConfig governs the consumer pool.
type WorkerConfig struct {
	Concurrency          int `mapstructure:"concurrency"`
	ScrapeTimeoutSeconds int `mapstructure:"scrape_timeout_seconds"`
}

// ScraperConfig configures page fetching and parsing.
type ScraperConfig struct {
	UserAgent         string `mapstructure:"user_agent"`
	BaseURL           string `mapstructure:"base_url"`
	Headless          bool   `mapstructure:"headless"`
	HeadlessParallel  int    `mapstructure:"headless_parallel"`
	NavTimeoutSeconds int    `mapstructure:"nav_timeout_seconds"`
	TimeoutSeconds    int    `mapstructure:"timeout_seconds"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("TRACKER")
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
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("db.conn_lifetime_minutes", 30)
	v.SetDefault("clickhouse.addr", "localhost:9000")
	v.SetDefault("clickhouse.database", "default")
	v.SetDefault("clickhouse.table", "price_history")
	v.SetDefault("queue.provider", "memory")
	v.SetDefault("queue.redis_addr", "localhost:6379")
	v.SetDefault("queue.key_prefix", "tracker:scrape")
	v.SetDefault("queue.visibility_seconds", 120)
	v.SetDefault("queue.max_attempts", 3)
	v.SetDefault("queue.memory_depth", 64)
	v.SetDefault("worker.concurrency", 2)
	v.SetDefault("worker.scrape_timeout_seconds", 90)
	v.SetDefault("scraper.user_agent", "price-tracker-bot/0.1")
	v.SetDefault("scraper.base_url", "https://www.bestbuy.ca")
	v.SetDefault("scraper.headless", false)
	v.SetDefault("scraper.headless_parallel", 1)
	v.SetDefault("scraper.nav_timeout_seconds", 45)
	v.SetDefault("scraper.timeout_seconds", 15)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker.concurrency must be > 0")
	}
	if c.Worker.ScrapeTimeoutSeconds <= 0 {
		return fmt.Errorf("worker.scrape_timeout_seconds must be > 0")
	}
	switch c.Queue.Provider {
	case "redis", "memory":
	default:
		return fmt.Errorf("queue.provider must be 'redis' or 'memory', got %q", c.Queue.Provider)
	}
	if c.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("queue.max_attempts must be > 0")
	}
	if c.Queue.VisibilitySeconds <= 0 {
		return fmt.Errorf("queue.visibility_seconds must be > 0")
	}
	if c.Scraper.Headless && c.Scraper.HeadlessParallel <= 0 {
		return fmt.Errorf("scraper.headless_parallel must be > 0 when headless is enabled")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	return nil
}

// ScrapeTimeout returns the per-job scrape deadline as a duration.
func (c Config) ScrapeTimeout() time.Duration {
	return time.Duration(c.Worker.ScrapeTimeoutSeconds) * time.Second
}

// Visibility returns the queue redelivery deadline as a duration.
func (c Config) Visibility() time.Duration {
	return time.Duration(c.Queue.VisibilitySeconds) * time.Second
}
