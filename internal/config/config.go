// Package config handles configuration management for watchd.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all configuration for the daemon.
type Config struct {
	Server  ServerConfig  `mapstructure:"server" yaml:"server"`
	Watcher WatcherConfig `mapstructure:"watcher" yaml:"watcher"`
	Store   StoreConfig   `mapstructure:"store" yaml:"store"`
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`
}

// ServerConfig holds server-related configuration.
type ServerConfig struct {
	Host string `mapstructure:"host" yaml:"host"`
	Port int    `mapstructure:"port" yaml:"port"`

	// MinRequestTimeoutSecs is the minimum number of seconds a watch
	// request is kept open before the server times it out. Watches
	// without an explicit timeoutSeconds get a randomized deadline in
	// [min, 2*min).
	MinRequestTimeoutSecs int `mapstructure:"min_request_timeout_secs" yaml:"min_request_timeout_secs"`
}

// WatcherConfig holds the built-in file watcher configuration.
type WatcherConfig struct {
	Enabled        bool     `mapstructure:"enabled" yaml:"enabled"`
	Path           string   `mapstructure:"path" yaml:"path"`
	Topic          string   `mapstructure:"topic" yaml:"topic"`
	DebounceMS     int      `mapstructure:"debounce_ms" yaml:"debounce_ms"`
	IgnorePatterns []string `mapstructure:"ignore_patterns" yaml:"ignore_patterns"`
}

// StoreConfig holds event log configuration.
type StoreConfig struct {
	Path      string `mapstructure:"path" yaml:"path"`
	MaxEvents int    `mapstructure:"max_events" yaml:"max_events"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// Load loads configuration from files and environment.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.watchd")
		v.AddConfigPath("/etc/watchd")
	}

	v.SetEnvPrefix("WATCHD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Config file is optional
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error parsing config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8710)
	v.SetDefault("server.min_request_timeout_secs", 1800)

	// Watcher defaults - disabled until a path is configured
	v.SetDefault("watcher.enabled", false)
	v.SetDefault("watcher.path", "")
	v.SetDefault("watcher.topic", "files")
	v.SetDefault("watcher.debounce_ms", 100)
	v.SetDefault("watcher.ignore_patterns", DefaultIgnorePatterns)

	// Store defaults
	v.SetDefault("store.path", "watchd.db")
	v.SetDefault("store.max_events", 100000)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
}

// Validate checks the configuration for consistency.
func Validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in [1, 65535], got %d", cfg.Server.Port)
	}
	if cfg.Server.MinRequestTimeoutSecs <= 0 {
		return fmt.Errorf("server.min_request_timeout_secs must be positive, got %d", cfg.Server.MinRequestTimeoutSecs)
	}
	if cfg.Watcher.Enabled && cfg.Watcher.Path == "" {
		return fmt.Errorf("watcher.path is required when the watcher is enabled")
	}
	if cfg.Watcher.DebounceMS < 0 {
		return fmt.Errorf("watcher.debounce_ms cannot be negative, got %d", cfg.Watcher.DebounceMS)
	}
	if cfg.Watcher.Enabled && cfg.Watcher.Topic == "" {
		return fmt.Errorf("watcher.topic cannot be empty when the watcher is enabled")
	}
	if cfg.Store.Path == "" {
		return fmt.Errorf("store.path cannot be empty")
	}
	return nil
}
