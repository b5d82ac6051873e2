// Package config provides configuration management for agentq.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	v1 "github.com/agentq/agentq/pkg/api/v1"
)

// Config holds all configuration sections for agentq.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Store   StoreConfig   `mapstructure:"store"`
	NATS    NATSConfig    `mapstructure:"nats"`
	Queue   QueueConfig   `mapstructure:"queue"`
	Agents  AgentsConfig  `mapstructure:"agents"`
	Invoker InvokerConfig `mapstructure:"invoker"`
	Logging LoggingConfig `mapstructure:"logging"`
	Debug   bool          `mapstructure:"debug"`
}

// ServerConfig holds HTTP server configuration. There is deliberately no
// write timeout knob: the event stream endpoints hold responses open.
type ServerConfig struct {
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	ReadTimeout int    `mapstructure:"readTimeout"` // in seconds
}

// StoreConfig holds queue store backend configuration. An empty endpoint
// selects the in-memory fallback; Required makes an unreachable backend a
// startup failure instead of a degradation.
type StoreConfig struct {
	Endpoint string `mapstructure:"endpoint"`
	Required bool   `mapstructure:"required"`
}

// NATSConfig holds the optional event relay configuration. An empty URL
// disables the relay.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// QueueConfig holds the default execution settings applied to queues created
// without overrides. Delay and timeout values are milliseconds.
type QueueConfig struct {
	MaxConcurrency int   `mapstructure:"maxConcurrency"`
	RetryCount     int   `mapstructure:"retryCount"`
	RetryDelay     int64 `mapstructure:"retryDelay"`
	TimeoutPerTask int64 `mapstructure:"timeoutPerTask"`
}

// Settings converts the section into the per-queue settings record.
func (q QueueConfig) Settings() v1.QueueSettings {
	return v1.QueueSettings{
		MaxConcurrency: q.MaxConcurrency,
		RetryCount:     q.RetryCount,
		RetryDelay:     q.RetryDelay,
		TimeoutPerTask: q.TimeoutPerTask,
	}
}

// AgentsConfig locates the worker agent registry.
type AgentsConfig struct {
	RegistryPath string `mapstructure:"registryPath"`
}

// InvokerConfig holds agent invocation tuning. ReadTimeout is the per-frame
// silence deadline in milliseconds.
type InvokerConfig struct {
	ReadTimeout int64 `mapstructure:"readTimeout"`
}

// ReadTimeoutDuration returns the per-frame deadline as a duration.
func (i InvokerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(i.ReadTimeout) * time.Millisecond
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// Addr returns the host:port the HTTP server binds to.
func (s *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// detectDefaultLogFormat returns "json" in production-like environments and
// "text" for terminals.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("AGENTQ_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)

	// Store defaults - empty endpoint means in-memory fallback
	v.SetDefault("store.endpoint", "")
	v.SetDefault("store.required", false)

	// NATS defaults - empty URL disables the event relay
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "agentq")
	v.SetDefault("nats.maxReconnects", 10)

	// Queue execution defaults
	v.SetDefault("queue.maxConcurrency", 3)
	v.SetDefault("queue.retryCount", 3)
	v.SetDefault("queue.retryDelay", 2000)
	v.SetDefault("queue.timeoutPerTask", 300000)

	// Agent registry defaults
	v.SetDefault("agents.registryPath", "agents.yaml")

	// Invoker defaults
	v.SetDefault("invoker.readTimeout", 30000)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("debug", false)
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix AGENTQ_ with underscore naming.
// The config file is config.yaml in the current directory or /etc/agentq/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("AGENTQ")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings where env var naming differs from config key naming
	// (AutomaticEnv does not handle camelCase to SNAKE_CASE conversion).
	_ = v.BindEnv("store.endpoint", "AGENTQ_STORE_ENDPOINT")
	_ = v.BindEnv("store.required", "AGENTQ_STORE_REQUIRED")
	_ = v.BindEnv("queue.maxConcurrency", "AGENTQ_MAX_CONCURRENCY")
	_ = v.BindEnv("queue.retryCount", "AGENTQ_RETRY_COUNT")
	_ = v.BindEnv("queue.retryDelay", "AGENTQ_RETRY_DELAY")
	_ = v.BindEnv("queue.timeoutPerTask", "AGENTQ_TIMEOUT_PER_TASK")
	_ = v.BindEnv("agents.registryPath", "AGENTQ_AGENTS_REGISTRY_PATH")
	_ = v.BindEnv("invoker.readTimeout", "AGENTQ_INVOKER_READ_TIMEOUT")
	_ = v.BindEnv("debug", "AGENTQ_DEBUG_MODE", "AGENTQ_DEBUG")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/agentq/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Debug mode forces verbose logging.
	if cfg.Debug {
		cfg.Logging.Level = "debug"
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set, collecting
// every violation into one error.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Queue.MaxConcurrency <= 0 {
		errs = append(errs, "queue.maxConcurrency must be positive")
	}
	if cfg.Queue.RetryCount < 0 {
		errs = append(errs, "queue.retryCount must not be negative")
	}
	if cfg.Queue.RetryDelay <= 0 {
		errs = append(errs, "queue.retryDelay must be positive")
	}
	if cfg.Queue.TimeoutPerTask <= 0 {
		errs = append(errs, "queue.timeoutPerTask must be positive")
	}

	if cfg.Invoker.ReadTimeout <= 0 {
		errs = append(errs, "invoker.readTimeout must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
