// File: internal/config/config.go
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config holds the entire application configuration.
type Config struct {
	Logger   LoggerConfig   `mapstructure:"logger" yaml:"logger"`
	Relay    RelayConfig    `mapstructure:"relay" yaml:"relay"`
	Executor ExecutorConfig `mapstructure:"executor" yaml:"executor"`
	Browser  BrowserConfig  `mapstructure:"browser" yaml:"browser"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"`
	AddSource   bool   `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int    `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool   `mapstructure:"compress" yaml:"compress"`
}

// RelayConfig tunes the message relay and both framed channels.
type RelayConfig struct {
	// SocketName is the well-known local endpoint shared by the relay and
	// the serve process. Resolved to a path under the temp dir unless
	// SocketPath overrides it outright.
	SocketName string `mapstructure:"socket_name" yaml:"socket_name"`
	SocketPath string `mapstructure:"socket_path" yaml:"socket_path"`

	// MaxMessageSize caps a single framed message on either channel. The
	// browser's native messaging channel enforces its own limit; ours must
	// not exceed it.
	MaxMessageSize int `mapstructure:"max_message_size" yaml:"max_message_size"`

	ConnectAttempts   int           `mapstructure:"connect_attempts" yaml:"connect_attempts"`
	ConnectRetryDelay time.Duration `mapstructure:"connect_retry_delay" yaml:"connect_retry_delay"`
}

// ResolvedSocketPath returns the filesystem path of the local socket.
// An explicit socket_path wins; otherwise the well-known name is placed
// in the system temp directory.
func (r RelayConfig) ResolvedSocketPath() string {
	if r.SocketPath != "" {
		return r.SocketPath
	}
	return filepath.Join(os.TempDir(), r.SocketName)
}

// ExecutorConfig tunes the step execution state machine.
type ExecutorConfig struct {
	// Load detection (navigate, click with wait_for_nav).
	LoadPollInterval time.Duration `mapstructure:"load_poll_interval" yaml:"load_poll_interval"`
	LoadTimeout      time.Duration `mapstructure:"load_timeout" yaml:"load_timeout"`
	PostLoadGrace    time.Duration `mapstructure:"post_load_grace" yaml:"post_load_grace"`

	// Element waits (click, wait_for_selector, extract).
	ElementPollInterval   time.Duration `mapstructure:"element_poll_interval" yaml:"element_poll_interval"`
	DefaultElementTimeout time.Duration `mapstructure:"default_element_timeout" yaml:"default_element_timeout"`

	MaxConcurrentTasks int `mapstructure:"max_concurrent_tasks" yaml:"max_concurrent_tasks"`
}

// BrowserConfig holds settings for the headless browser instance.
type BrowserConfig struct {
	Headless     bool     `mapstructure:"headless" yaml:"headless"`
	DisableGPU   bool     `mapstructure:"disable_gpu" yaml:"disable_gpu"`
	DisableCache bool     `mapstructure:"disable_cache" yaml:"disable_cache"`
	Args         []string `mapstructure:"args" yaml:"args"`
}

// SetDefaults initializes default values for all configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "agentis-bridge")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 50)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 14)
	v.SetDefault("logger.compress", true)

	// -- Relay --
	v.SetDefault("relay.socket_name", "com.projectagentis.bridge.sock")
	v.SetDefault("relay.max_message_size", 10*1024*1024)
	v.SetDefault("relay.connect_attempts", 5)
	v.SetDefault("relay.connect_retry_delay", "1s")

	// -- Executor --
	v.SetDefault("executor.load_poll_interval", "200ms")
	v.SetDefault("executor.load_timeout", "30s")
	v.SetDefault("executor.post_load_grace", "500ms")
	v.SetDefault("executor.element_poll_interval", "100ms")
	v.SetDefault("executor.default_element_timeout", "10s")
	v.SetDefault("executor.max_concurrent_tasks", 4)

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.disable_gpu", true)
	v.SetDefault("browser.disable_cache", true)
}

// NewDefaultConfig creates a configuration populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// Cannot happen with defaults only, but fail loudly if it does.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// NewConfigFromViper creates a configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.Relay.SocketName == "" && c.Relay.SocketPath == "" {
		return fmt.Errorf("relay.socket_name or relay.socket_path is required")
	}
	if c.Relay.MaxMessageSize <= 0 {
		return fmt.Errorf("relay.max_message_size must be a positive integer")
	}
	if c.Relay.ConnectAttempts <= 0 {
		return fmt.Errorf("relay.connect_attempts must be a positive integer")
	}
	if c.Executor.LoadPollInterval <= 0 || c.Executor.ElementPollInterval <= 0 {
		return fmt.Errorf("executor poll intervals must be positive durations")
	}
	if c.Executor.LoadTimeout <= 0 {
		return fmt.Errorf("executor.load_timeout must be a positive duration")
	}
	if c.Executor.MaxConcurrentTasks <= 0 {
		return fmt.Errorf("executor.max_concurrent_tasks must be a positive integer")
	}
	return nil
}
