// Package config provides configuration management using Viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// defaultDataDir returns the default directory for bridge data. Uses
// ~/.wa-slack-bridge/ so data is in a fixed location regardless of CWD.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".wa-slack-bridge")
}

// Config holds all configuration for the bridge server.
type Config struct {
	// Server
	ListenAddr string `mapstructure:"listen_addr"`

	// Paths
	DataDir          string `mapstructure:"data_dir"`
	SessionPath      string `mapstructure:"session_path"`
	BridgeConfigPath string `mapstructure:"bridge_config_path"`
	ThreadMapPath    string `mapstructure:"thread_map_path"`

	// Relay
	ReconnectDelay      time.Duration `mapstructure:"reconnect_delay"`
	DedupCapacity       int           `mapstructure:"dedup_capacity"`
	ThreadFlushInterval time.Duration `mapstructure:"thread_flush_interval"`

	// Logging
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	dataDir := defaultDataDir()
	return &Config{
		ListenAddr:          ":8080",
		DataDir:             dataDir,
		SessionPath:         filepath.Join(dataDir, "session.db"),
		BridgeConfigPath:    filepath.Join(dataDir, "bridge-config.json"),
		ThreadMapPath:       filepath.Join(dataDir, "message-map.json"),
		ReconnectDelay:      3 * time.Second,
		DedupCapacity:       1000,
		ThreadFlushInterval: 30 * time.Second,
		LogLevel:            "info",
		LogFormat:           "json",
	}
}

// LoadConfig loads configuration from file, environment, and defaults.
// Priority: Environment > Config file > Defaults
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	defaults := DefaultConfig()
	v.SetDefault("listen_addr", defaults.ListenAddr)
	v.SetDefault("data_dir", defaults.DataDir)
	v.SetDefault("session_path", defaults.SessionPath)
	v.SetDefault("bridge_config_path", defaults.BridgeConfigPath)
	v.SetDefault("thread_map_path", defaults.ThreadMapPath)
	v.SetDefault("reconnect_delay", defaults.ReconnectDelay)
	v.SetDefault("dedup_capacity", defaults.DedupCapacity)
	v.SetDefault("thread_flush_interval", defaults.ThreadFlushInterval)
	v.SetDefault("log_level", defaults.LogLevel)
	v.SetDefault("log_format", defaults.LogFormat)

	// Environment variables with WSBRIDGE_ prefix
	v.SetEnvPrefix("WSBRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			isNotFound := errors.Is(err, os.ErrNotExist)
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !isNotFound {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.LogLevel)
	}

	if c.LogFormat != "json" && c.LogFormat != "text" {
		return fmt.Errorf("invalid log format: %s (must be json or text)", c.LogFormat)
	}

	if c.ListenAddr == "" {
		return fmt.Errorf("listen address is required")
	}

	if c.ReconnectDelay <= 0 {
		return fmt.Errorf("reconnect delay must be positive")
	}

	if c.DedupCapacity <= 0 {
		return fmt.Errorf("dedup capacity must be positive")
	}

	if c.ThreadFlushInterval <= 0 {
		return fmt.Errorf("thread flush interval must be positive")
	}

	return nil
}
