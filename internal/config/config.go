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
	Server  ServerConfig  `mapstructure:"server"`
	Jobs    JobsConfig    `mapstructure:"jobs"`
	Scraper ScraperConfig `mapstructure:"scraper"`
	Driver  DriverConfig  `mapstructure:"driver"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// JobsConfig governs the job manager.
type JobsConfig struct {
	Workers      int `mapstructure:"workers"`
	QueueDepth   int `mapstructure:"queue_depth"`
	MaxTarget    int `mapstructure:"max_target"`
	CleanupHours int `mapstructure:"cleanup_hours"`
}

// ScraperConfig sets campaign defaults and artifact placement.
// DefaultBounds is [min_lat, min_lng, max_lat, max_lng], used when a
// submission omits its search area.
type ScraperConfig struct {
	DataDir       string    `mapstructure:"data_dir"`
	Zoom          int       `mapstructure:"zoom"`
	PerCellCap    int       `mapstructure:"per_cell_cap"`
	DefaultBounds []float64 `mapstructure:"default_bounds"`
}

// DriverConfig configures the browser automation layer.
type DriverConfig struct {
	Headless       bool   `mapstructure:"headless"`
	UserAgent      string `mapstructure:"user_agent"`
	NavTimeoutSec  int    `mapstructure:"nav_timeout_seconds"`
	CallTimeoutSec int    `mapstructure:"call_timeout_seconds"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PLACECRAWLER")
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
	v.SetDefault("jobs.workers", 2)
	v.SetDefault("jobs.queue_depth", 32)
	v.SetDefault("jobs.max_target", 1000)
	v.SetDefault("jobs.cleanup_hours", 24)
	v.SetDefault("scraper.data_dir", "data")
	v.SetDefault("scraper.zoom", 15)
	v.SetDefault("scraper.per_cell_cap", 120)
	v.SetDefault("scraper.default_bounds", []float64{43.6, -79.5, 43.9, -79.2})
	v.SetDefault("driver.headless", true)
	v.SetDefault("driver.nav_timeout_seconds", 45)
	v.SetDefault("driver.call_timeout_seconds", 20)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Jobs.Workers <= 0 {
		return fmt.Errorf("jobs.workers must be > 0")
	}
	if c.Jobs.QueueDepth <= 0 {
		return fmt.Errorf("jobs.queue_depth must be > 0")
	}
	if c.Scraper.DataDir == "" {
		return fmt.Errorf("scraper.data_dir must be set")
	}
	if c.Scraper.Zoom < 3 || c.Scraper.Zoom > 21 {
		return fmt.Errorf("scraper.zoom must be within [3, 21]")
	}
	if len(c.Scraper.DefaultBounds) != 4 {
		return fmt.Errorf("scraper.default_bounds must have 4 values [min_lat, min_lng, max_lat, max_lng]")
	}
	if c.Driver.NavTimeoutSec <= 0 {
		return fmt.Errorf("driver.nav_timeout_seconds must be > 0")
	}
	return nil
}

// NavTimeout returns the driver navigation timeout as a duration.
func (c Config) NavTimeout() time.Duration {
	return time.Duration(c.Driver.NavTimeoutSec) * time.Second
}

// CallTimeout returns the driver per-interaction timeout as a duration.
func (c Config) CallTimeout() time.Duration {
	return time.Duration(c.Driver.CallTimeoutSec) * time.Second
}

// CleanupAge returns the retention window for finished jobs.
func (c Config) CleanupAge() time.Duration {
	return time.Duration(c.Jobs.CleanupHours) * time.Hour
}
