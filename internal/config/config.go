// Package config provides configuration management for the option chain client.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	apperrors "chainsync/internal/errors"
	"chainsync/internal/logging"
)

// Config holds all application configuration.
type Config struct {
	Upstream UpstreamConfig `mapstructure:"upstream"`
	Stream   StreamConfig   `mapstructure:"stream"`
	Breaker  BreakerConfig  `mapstructure:"breaker"`
	Store    StoreConfig    `mapstructure:"store"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	UI       UIConfig       `mapstructure:"ui"`
	Server   ServerConfig   `mapstructure:"server"`
}

// UpstreamConfig holds the dashboard API settings.
type UpstreamConfig struct {
	APIURL            string        `mapstructure:"api_url"`
	PreferredExchange string        `mapstructure:"preferred_exchange"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
}

// StreamConfig holds push channel settings.
type StreamConfig struct {
	URL              string        `mapstructure:"url"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	PingInterval     time.Duration `mapstructure:"ping_interval"`
	BufferSize       int           `mapstructure:"buffer_size"`
}

// BreakerConfig holds circuit breaker settings for snapshot fetches.
type BreakerConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
	Timeout          time.Duration `mapstructure:"timeout"`
}

// StoreConfig holds last-known chain storage settings.
type StoreConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Console    bool   `mapstructure:"console"`
	File       bool   `mapstructure:"file"`
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
}

// UIConfig holds UI-related configuration.
type UIConfig struct {
	ColorEnabled bool `mapstructure:"color_enabled"`
}

// ServerConfig holds settings for the local development upstream.
type ServerConfig struct {
	Addr         string        `mapstructure:"addr"`
	PushInterval time.Duration `mapstructure:"push_interval"`
	FixturesPath string        `mapstructure:"fixtures_path"`
}

// DefaultConfigDir returns the default configuration directory.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".config/chainsync"
	}
	return filepath.Join(home, ".config", "chainsync")
}

// Default returns the configuration used when no file overrides it.
func Default() *Config {
	cfg := &Config{}
	v := viper.New()
	setDefaults(v, DefaultConfigDir())
	// Unmarshal of pure defaults cannot fail.
	_ = v.Unmarshal(cfg)
	return cfg
}

func setDefaults(v *viper.Viper, configDir string) {
	v.SetDefault("upstream.api_url", "http://127.0.0.1:8000/api")
	v.SetDefault("upstream.preferred_exchange", "NSE")
	v.SetDefault("upstream.request_timeout", "10s")

	v.SetDefault("stream.url", "ws://127.0.0.1:8000/ws/option_chain")
	v.SetDefault("stream.handshake_timeout", "10s")
	v.SetDefault("stream.ping_interval", "30s")
	v.SetDefault("stream.buffer_size", 16)

	v.SetDefault("breaker.enabled", true)
	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.timeout", "30s")

	v.SetDefault("store.enabled", true)
	v.SetDefault("store.path", filepath.Join(configDir, "chains.db"))

	logDefaults := logging.DefaultLogConfig()
	v.SetDefault("logging.level", logDefaults.Level)
	v.SetDefault("logging.console", logDefaults.Console)
	v.SetDefault("logging.file", logDefaults.File)
	v.SetDefault("logging.file_path", logDefaults.FilePath)
	v.SetDefault("logging.max_size", logDefaults.MaxSize)
	v.SetDefault("logging.max_backups", logDefaults.MaxBackups)
	v.SetDefault("logging.max_age", logDefaults.MaxAge)

	v.SetDefault("ui.color_enabled", true)

	v.SetDefault("server.addr", "127.0.0.1:8000")
	v.SetDefault("server.push_interval", "2s")
	v.SetDefault("server.fixtures_path", "")
}

// Load loads configuration from the specified directory.
// If configDir is empty, uses the default config directory. A missing
// config.toml is created from the template and then read.
func Load(configDir string) (*Config, error) {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)
	setDefaults(v, configDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("loading config.toml: %w", err)
		}
		if err := createTemplateConfig(configDir); err != nil {
			return nil, err
		}
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("loading config.toml: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CHAINSYNC_API_URL"); v != "" {
		cfg.Upstream.APIURL = v
	}
	if v := os.Getenv("CHAINSYNC_STREAM_URL"); v != "" {
		cfg.Stream.URL = v
	}
	if v := os.Getenv("CHAINSYNC_PREFERRED_EXCHANGE"); v != "" {
		cfg.Upstream.PreferredExchange = v
	}
	if v := os.Getenv("CHAINSYNC_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := validateURL("upstream.api_url", c.Upstream.APIURL, "http", "https"); err != nil {
		return err
	}
	if err := validateURL("stream.url", c.Stream.URL, "ws", "wss"); err != nil {
		return err
	}
	if strings.TrimSpace(c.Upstream.PreferredExchange) == "" {
		return apperrors.NewValidationError("upstream.preferred_exchange", c.Upstream.PreferredExchange, "must not be empty")
	}
	if c.Upstream.RequestTimeout <= 0 {
		return apperrors.NewValidationError("upstream.request_timeout", c.Upstream.RequestTimeout, "must be positive")
	}
	if c.Stream.HandshakeTimeout <= 0 {
		return apperrors.NewValidationError("stream.handshake_timeout", c.Stream.HandshakeTimeout, "must be positive")
	}
	if c.Stream.BufferSize < 0 {
		return apperrors.NewValidationError("stream.buffer_size", c.Stream.BufferSize, "must be non-negative")
	}
	if c.Breaker.Enabled && c.Breaker.FailureThreshold <= 0 {
		return apperrors.NewValidationError("breaker.failure_threshold", c.Breaker.FailureThreshold, "must be positive when the breaker is enabled")
	}
	if c.Store.Enabled && c.Store.Path == "" {
		return apperrors.NewValidationError("store.path", c.Store.Path, "required when the store is enabled")
	}
	if c.Server.PushInterval <= 0 {
		return apperrors.NewValidationError("server.push_interval", c.Server.PushInterval, "must be positive")
	}
	return nil
}

func validateURL(field, raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return apperrors.NewValidationError(field, raw, "must be an absolute URL")
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return apperrors.NewValidationError(field, raw, fmt.Sprintf("scheme must be one of %v", schemes))
}

// LogConfig converts the logging section for the logging package.
func (c *Config) LogConfig() logging.LogConfig {
	return logging.LogConfig{
		Level:      c.Logging.Level,
		Console:    c.Logging.Console,
		File:       c.Logging.File,
		FilePath:   c.Logging.FilePath,
		MaxSize:    c.Logging.MaxSize,
		MaxBackups: c.Logging.MaxBackups,
		MaxAge:     c.Logging.MaxAge,
	}
}
