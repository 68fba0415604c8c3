// Package config loads brigade configuration from a yaml file and
// environment variables, with defaults for local development.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"brigade/core"
)

// Config holds all configuration for the brigade service
type Config struct {
	Log struct {
		Level string `mapstructure:"level"`
	} `mapstructure:"log"`

	API struct {
		Host      string `mapstructure:"host"`
		Port      int    `mapstructure:"port"`
		RateLimit struct {
			RequestsPerSecond int `mapstructure:"requests_per_second"`
			Burst             int `mapstructure:"burst"`
		} `mapstructure:"rate_limit"`
	} `mapstructure:"api"`

	Storage struct {
		// Backend selects "memory" or "sqlite" for interventions and the
		// ledger journal. Resource and team catalogs are always in memory.
		Backend    string `mapstructure:"backend"`
		SQLitePath string `mapstructure:"sqlite_path"`
	} `mapstructure:"storage"`

	Redis struct {
		Enabled   bool   `mapstructure:"enabled"`
		Addr      string `mapstructure:"addr"`
		Password  string `mapstructure:"password"`
		DB        int    `mapstructure:"db"`
		QueueSize int    `mapstructure:"queue_size"`
	} `mapstructure:"redis"`

	Registry struct {
		// StatusShortcuts whitelists extra forward edges in the intervention
		// lifecycle, e.g. "PENDING": ["ON_SITE"] for walk-in incidents.
		StatusShortcuts map[string][]string `mapstructure:"status_shortcuts"`
	} `mapstructure:"registry"`

	Lock struct {
		Timeout time.Duration `mapstructure:"timeout"`
	} `mapstructure:"lock"`

	Fanout struct {
		BufferSize int `mapstructure:"buffer_size"`
	} `mapstructure:"fanout"`
}

// setDefaults sets default configuration values
func setDefaults() {
	viper.SetDefault("log.level", "info")

	viper.SetDefault("api.host", "0.0.0.0")
	viper.SetDefault("api.port", 8081)
	viper.SetDefault("api.rate_limit.requests_per_second", 100)
	viper.SetDefault("api.rate_limit.burst", 100)

	viper.SetDefault("storage.backend", "memory")
	viper.SetDefault("storage.sqlite_path", "./data/brigade.db")

	viper.SetDefault("redis.enabled", false)
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.queue_size", 1024)

	viper.SetDefault("lock.timeout", 2*time.Second)
	viper.SetDefault("fanout.buffer_size", 256)
}

// loadFromEnv sets up environment variable loading
func loadFromEnv() {
	viper.SetEnvPrefix("BRIGADE")
	viper.AutomaticEnv()

	_ = viper.BindEnv("api.port", "BRIGADE_API_PORT")
	_ = viper.BindEnv("storage.backend", "BRIGADE_STORAGE_BACKEND")
	_ = viper.BindEnv("storage.sqlite_path", "BRIGADE_SQLITE_PATH")
	_ = viper.BindEnv("redis.enabled", "BRIGADE_REDIS_ENABLED")
	_ = viper.BindEnv("redis.addr", "BRIGADE_REDIS_ADDR")
}

// LoadConfig loads configuration from file and environment variables
func LoadConfig() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	setDefaults()
	loadFromEnv()

	if err := viper.ReadInConfig(); err != nil {
		// Config file not found, will use defaults and env vars
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := validateConfig(&config); err != nil {
		return nil, err
	}
	return &config, nil
}

func validateConfig(c *Config) error {
	if c.API.Port <= 0 || c.API.Port > 65535 {
		return fmt.Errorf("invalid api port %d", c.API.Port)
	}
	switch c.Storage.Backend {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("unknown storage backend %q (expected memory or sqlite)", c.Storage.Backend)
	}
	if c.Storage.Backend == "sqlite" && c.Storage.SQLitePath == "" {
		return fmt.Errorf("storage.sqlite_path is required for the sqlite backend")
	}
	if c.Lock.Timeout <= 0 {
		return fmt.Errorf("lock.timeout must be positive")
	}
	if _, err := c.StatusShortcuts(); err != nil {
		return err
	}
	return nil
}

// StatusShortcuts converts the configured shortcut map into domain statuses.
// Unknown statuses fail here, at startup, not on first use.
func (c *Config) StatusShortcuts() (map[core.InterventionStatus][]core.InterventionStatus, error) {
	if len(c.Registry.StatusShortcuts) == 0 {
		return nil, nil
	}
	shortcuts := make(map[core.InterventionStatus][]core.InterventionStatus, len(c.Registry.StatusShortcuts))
	for from, tos := range c.Registry.StatusShortcuts {
		fromStatus := core.InterventionStatus(from)
		if !fromStatus.IsValid() {
			return nil, fmt.Errorf("registry.status_shortcuts: unknown status %q", from)
		}
		for _, to := range tos {
			toStatus := core.InterventionStatus(to)
			if !toStatus.IsValid() {
				return nil, fmt.Errorf("registry.status_shortcuts: unknown status %q", to)
			}
			shortcuts[fromStatus] = append(shortcuts[fromStatus], toStatus)
		}
	}
	return shortcuts, nil
}
