package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Master     MasterConfig     `yaml:"master" mapstructure:"master"`
	Reconcile  ReconcileConfig  `yaml:"reconcile" mapstructure:"reconcile"`
	Scoring    ScoringConfig    `yaml:"scoring" mapstructure:"scoring"`
	Schedule   ScheduleConfig   `yaml:"schedule" mapstructure:"schedule"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Retry      RetryConfig      `yaml:"retry" mapstructure:"retry"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// MasterConfig names the authoritative site whose traces define versions.
type MasterConfig struct {
	Site string `yaml:"site" mapstructure:"site"`
}

// ReconcileConfig bounds reconciliation concurrency.
type ReconcileConfig struct {
	Workers        int     `yaml:"workers" mapstructure:"workers"`
	SitesPerSecond float64 `yaml:"sites_per_second" mapstructure:"sites_per_second"`
}

// ScoringConfig holds the scoring thresholds and bounds.
type ScoringConfig struct {
	IgnoreThreshold    float64 `yaml:"ignore_threshold" mapstructure:"ignore_threshold"`
	BootstrapDeltaSecs int     `yaml:"bootstrap_delta_secs" mapstructure:"bootstrap_delta_secs"`
	MinScore           float64 `yaml:"min_score" mapstructure:"min_score"`
	MaxScore           float64 `yaml:"max_score" mapstructure:"max_score"`
}

// ScheduleConfig controls how often serve runs a processing pass.
type ScheduleConfig struct {
	IntervalSecs int `yaml:"interval_secs" mapstructure:"interval_secs"`
}

// Interval returns the pass interval as a duration.
func (c ScheduleConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSecs) * time.Second
}

// ServerConfig configures the HTTP read API.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// MonitoringConfig configures fleet health checks and alerting.
type MonitoringConfig struct {
	StaleAgeHours     int     `yaml:"stale_age_hours" mapstructure:"stale_age_hours"`
	AlertErrorRatio   float64 `yaml:"alert_error_ratio" mapstructure:"alert_error_ratio"`
	CheckIntervalSecs int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	WebhookURL        string  `yaml:"webhook_url" mapstructure:"webhook_url"`
}

// RetryConfig configures retries of transient store failures.
type RetryConfig struct {
	MaxAttempts      int `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("MIRRORSTATUS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("master.site", "ftp-master.debian.org")
	v.SetDefault("reconcile.workers", 4)
	v.SetDefault("reconcile.sites_per_second", 0)
	v.SetDefault("scoring.ignore_threshold", 0.7)
	v.SetDefault("scoring.bootstrap_delta_secs", 300)
	v.SetDefault("scoring.min_score", -100)
	v.SetDefault("scoring.max_score", 100)
	v.SetDefault("schedule.interval_secs", 600)
	v.SetDefault("server.port", 8080)
	v.SetDefault("monitoring.stale_age_hours", 48)
	v.SetDefault("monitoring.alert_error_ratio", 0.5)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.webhook_url", "")
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff_ms", 200)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the values a command mode depends on. Modes: "store"
// (any command touching the database), "process", "serve".
func (c *Config) Validate(mode string) error {
	switch mode {
	case "store", "process", "serve":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	var errs []string

	switch c.Store.Driver {
	case "postgres":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required for the postgres driver")
		}
	case "sqlite":
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q is not one of postgres, sqlite", c.Store.Driver))
	}

	if mode == "process" || mode == "serve" {
		if c.Master.Site == "" {
			errs = append(errs, "master.site is required")
		}
		if c.Reconcile.Workers < 1 {
			errs = append(errs, "reconcile.workers must be at least 1")
		}
		if c.Reconcile.SitesPerSecond < 0 {
			errs = append(errs, "reconcile.sites_per_second must not be negative")
		}
		if c.Scoring.IgnoreThreshold <= 0 || c.Scoring.IgnoreThreshold > 1 {
			errs = append(errs, "scoring.ignore_threshold must be in (0, 1]")
		}
		if c.Scoring.BootstrapDeltaSecs <= 0 {
			errs = append(errs, "scoring.bootstrap_delta_secs must be positive")
		}
		if c.Scoring.MinScore >= c.Scoring.MaxScore {
			errs = append(errs, "scoring.min_score must be below scoring.max_score")
		}
	}

	if mode == "serve" {
		if c.Server.Port < 1 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server.port %d is out of range", c.Server.Port))
		}
		if c.Schedule.IntervalSecs <= 0 {
			errs = append(errs, "schedule.interval_secs must be positive")
		}
		if c.Monitoring.CheckIntervalSecs <= 0 {
			errs = append(errs, "monitoring.check_interval_secs must be positive")
		}
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
