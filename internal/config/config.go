// Package config loads and validates the presenced configuration from a YAML
// file with environment overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full process configuration.
type Config struct {
	Presence PresenceConfig `mapstructure:"presence"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// PresenceConfig carries the domain knobs.
type PresenceConfig struct {
	// TTLSeconds is the presence expiry. Minimum 10.
	TTLSeconds int `mapstructure:"ttl_seconds"`
	// SizeLimit is the maximum encoded presence size in bytes. Minimum 3.
	SizeLimit int `mapstructure:"size_limit"`
	// PruningIntervalMS is the janitor tick in milliseconds.
	PruningIntervalMS int `mapstructure:"pruning_interval_ms"`
	// PollingIntervalSeconds is the stream reload period. Minimum 10.
	PollingIntervalSeconds int `mapstructure:"polling_interval_seconds"`
}

// RedisConfig locates the Redis server.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// ServerConfig carries the listen addresses.
type ServerConfig struct {
	// ListenAddr serves the WebSocket API.
	ListenAddr string `mapstructure:"listen_addr"`
	// AdminAddr serves health and metrics.
	AdminAddr string `mapstructure:"admin_addr"`
}

// AuthConfig carries token verification material.
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

// LoggingConfig selects the log level.
type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// PruningInterval returns the janitor tick as a duration.
func (c *PresenceConfig) PruningInterval() time.Duration {
	return time.Duration(c.PruningIntervalMS) * time.Millisecond
}

// PollingInterval returns the stream reload period as a duration.
func (c *PresenceConfig) PollingInterval() time.Duration {
	return time.Duration(c.PollingIntervalSeconds) * time.Second
}

// Load reads configuration from path (or the default search paths when empty)
// merged with PRESENCED_* environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetDefault("presence.ttl_seconds", 60)
	v.SetDefault("presence.size_limit", 1024)
	v.SetDefault("presence.pruning_interval_ms", 1000)
	v.SetDefault("presence.polling_interval_seconds", 60)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("server.listen_addr", ":8080")
	v.SetDefault("server.admin_addr", ":8081")
	v.SetDefault("logging.level", "info")

	v.SetEnvPrefix("PRESENCED")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("presenced")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/presenced")
		if err := v.ReadInConfig(); err != nil {
			// Defaults plus env are a complete configuration.
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate enforces the configuration bounds.
func (c *Config) Validate() error {
	if c.Presence.TTLSeconds < 10 {
		return fmt.Errorf("presence.ttl_seconds %d below minimum 10", c.Presence.TTLSeconds)
	}
	if c.Presence.SizeLimit < 3 {
		return fmt.Errorf("presence.size_limit %d below minimum 3", c.Presence.SizeLimit)
	}
	if c.Presence.PruningIntervalMS <= 0 {
		return fmt.Errorf("presence.pruning_interval_ms must be positive")
	}
	if c.Presence.PollingIntervalSeconds < 10 {
		return fmt.Errorf("presence.polling_interval_seconds %d below minimum 10", c.Presence.PollingIntervalSeconds)
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required")
	}
	return nil
}
