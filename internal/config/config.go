// Package config loads and validates roundcrawler configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. ROUNDCRAWLER_DATABASE_DSN.
const EnvPrefix = "ROUNDCRAWLER"

// Database providers.
const (
	ProviderPostgres = "postgres"
	ProviderMemory   = "memory"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Logging      LoggingConfig      `mapstructure:"logging"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Loop         LoopConfig         `mapstructure:"loop"`
	Targets      TargetsConfig      `mapstructure:"targets"`
	Crawler      CrawlerConfig      `mapstructure:"crawler"`
	Proxy        ProxyConfig        `mapstructure:"proxy"`
	Accounts     AccountsConfig     `mapstructure:"accounts"`
	Compensation CompensationConfig `mapstructure:"compensation"`
	Server       ServerConfig       `mapstructure:"server"`
	PubSub       PubSubConfig       `mapstructure:"pubsub"`
	Clock        ClockConfig        `mapstructure:"clock"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// DatabaseConfig selects and tunes the persistence backend.
type DatabaseConfig struct {
	Provider        string        `mapstructure:"provider"`
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// LoopConfig controls round scheduling.
type LoopConfig struct {
	IntervalSeconds int  `mapstructure:"interval_seconds"`
	Once            bool `mapstructure:"once"`
	DryRun          bool `mapstructure:"dry_run"`
	// SingleShotMarker selects single-shot mode when the target list's base
	// name contains it. Empty disables the check.
	SingleShotMarker  string `mapstructure:"single_shot_marker"`
	CompensationLimit int    `mapstructure:"compensation_limit"`
}

// TargetsConfig locates the target list.
type TargetsConfig struct {
	Path       string `mapstructure:"path"`
	IDContains string `mapstructure:"id_contains"`
	WorkDir    string `mapstructure:"work_dir"`
}

// CrawlerConfig describes the external crawl executable.
type CrawlerConfig struct {
	Command string        `mapstructure:"command"`
	Args    []string      `mapstructure:"args"`
	Env     []string      `mapstructure:"env"`
	WorkDir string        `mapstructure:"work_dir"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// ProxyConfig configures the proxy lease manager.
type ProxyConfig struct {
	Enabled               bool              `mapstructure:"enabled"`
	ProviderURL           string            `mapstructure:"provider_url"`
	Key                   string            `mapstructure:"key"`
	ExtraParams           map[string]string `mapstructure:"extra_params"`
	IPLifetime            time.Duration     `mapstructure:"ip_lifetime"`
	RefreshBuffer         time.Duration     `mapstructure:"refresh_buffer"`
	MaxRetries            int               `mapstructure:"max_retries"`
	RetryDelay            time.Duration     `mapstructure:"retry_delay"`
	RequestTimeout        time.Duration     `mapstructure:"request_timeout"`
	FallbackAfterFailures int               `mapstructure:"fallback_after_failures"`
	ProbeURL              string            `mapstructure:"probe_url"`
}

// AccountsConfig tunes account retry helpers.
type AccountsConfig struct {
	RetryDelay         time.Duration `mapstructure:"retry_delay"`
	FailedLookbackDays int           `mapstructure:"failed_lookback_days"`
}

// CompensationConfig tunes the backlog window.
type CompensationConfig struct {
	WindowDays int `mapstructure:"window_days"`
}

// ServerConfig controls the admin HTTP server.
type ServerConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// PubSubConfig holds the round outcome topic.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// ClockConfig sets the zone that defines calendar days.
type ClockConfig struct {
	Timezone string `mapstructure:"timezone"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("loop.interval_seconds", EnvPrefix+"_LOOP_INTERVAL_SECONDS", "LOOP_INTERVAL_SECONDS"); err != nil {
		return Config{}, fmt.Errorf("bind env: %w", err)
	}

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
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("database.provider", ProviderPostgres)
	v.SetDefault("database.max_conns", 4)
	v.SetDefault("database.min_conns", 0)
	v.SetDefault("database.max_conn_lifetime", "30m")
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("loop.interval_seconds", 60)
	v.SetDefault("loop.once", false)
	v.SetDefault("loop.dry_run", false)
	v.SetDefault("loop.single_shot_marker", "test")
	v.SetDefault("loop.compensation_limit", 0)
	v.SetDefault("targets.path", "data/target_articles.csv")
	v.SetDefault("targets.work_dir", "data/tmp")
	v.SetDefault("crawler.timeout", "24h")
	v.SetDefault("proxy.enabled", false)
	v.SetDefault("proxy.ip_lifetime", "60s")
	v.SetDefault("proxy.refresh_buffer", "10s")
	v.SetDefault("proxy.max_retries", 3)
	v.SetDefault("proxy.retry_delay", "5s")
	v.SetDefault("proxy.request_timeout", "10s")
	v.SetDefault("proxy.fallback_after_failures", 3)
	v.SetDefault("accounts.retry_delay", "5m")
	v.SetDefault("accounts.failed_lookback_days", 2)
	v.SetDefault("compensation.window_days", 7)
	v.SetDefault("server.enabled", false)
	v.SetDefault("server.port", 8080)
	v.SetDefault("pubsub.enabled", false)
	v.SetDefault("pubsub.topic", "crawl-rounds")
	v.SetDefault("clock.timezone", "Local")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	switch c.Database.Provider {
	case ProviderPostgres:
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn must be set for the postgres provider")
		}
		if c.Database.MaxConns <= 0 {
			return fmt.Errorf("database.max_conns must be > 0")
		}
	case ProviderMemory:
	default:
		return fmt.Errorf("database.provider must be %q or %q, got %q", ProviderPostgres, ProviderMemory, c.Database.Provider)
	}
	if c.Loop.IntervalSeconds < 0 {
		return fmt.Errorf("loop.interval_seconds must be >= 0")
	}
	if c.Loop.CompensationLimit < 0 {
		return fmt.Errorf("loop.compensation_limit must be >= 0")
	}
	if c.Crawler.Timeout <= 0 {
		return fmt.Errorf("crawler.timeout must be > 0")
	}
	if c.Proxy.Enabled {
		if c.Proxy.IPLifetime <= c.Proxy.RefreshBuffer {
			return fmt.Errorf("proxy.ip_lifetime must exceed proxy.refresh_buffer")
		}
		if c.Proxy.MaxRetries <= 0 {
			return fmt.Errorf("proxy.max_retries must be > 0")
		}
		if c.Proxy.FallbackAfterFailures <= 0 {
			return fmt.Errorf("proxy.fallback_after_failures must be > 0")
		}
	}
	if c.Accounts.FailedLookbackDays <= 0 {
		return fmt.Errorf("accounts.failed_lookback_days must be > 0")
	}
	if c.Compensation.WindowDays <= 0 {
		return fmt.Errorf("compensation.window_days must be > 0")
	}
	if c.Server.Enabled && c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.PubSub.Enabled && (c.PubSub.ProjectID == "" || c.PubSub.Topic == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic must be set when pubsub is enabled")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}

// LoopInterval converts loop.interval_seconds to a duration.
func (c Config) LoopInterval() time.Duration {
	return time.Duration(c.Loop.IntervalSeconds) * time.Second
}

// Location resolves clock.timezone. Empty and "Local" mean the host zone.
func (c Config) Location() (*time.Location, error) {
	switch c.Clock.Timezone {
	case "", "Local":
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Clock.Timezone)
	if err != nil {
		return nil, fmt.Errorf("clock.timezone: %w", err)
	}
	return loc, nil
}
