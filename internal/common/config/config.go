// Package config loads backend configuration from file and environment.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration for the backend service
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Executor  ExecutorConfig  `mapstructure:"executor"`
	Autonomy  AutonomyConfig  `mapstructure:"autonomy"`
	Broadcast BroadcastConfig `mapstructure:"broadcast"`
	Store     StoreConfig     `mapstructure:"store"`
	State     StateConfig     `mapstructure:"state"`
	Browser   BrowserConfig   `mapstructure:"browser"`
}

// ServerConfig holds HTTP server options
type ServerConfig struct {
	Port         int `mapstructure:"port"`
	ReadTimeout  int `mapstructure:"read_timeout"`  // seconds
	WriteTimeout int `mapstructure:"write_timeout"` // seconds
}

// ReadTimeoutDuration returns the read timeout as a duration
func (s ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a duration
func (s ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// LoggingConfig holds logging options
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ExecutorConfig holds action executor options
type ExecutorConfig struct {
	Mode            string `mapstructure:"mode"` // auto, simulated, bridge, browser
	BridgeTimeoutMS int    `mapstructure:"bridge_timeout_ms"`
	RetryCount      int    `mapstructure:"retry_count"`
	RetryDelayMS    int    `mapstructure:"retry_delay_ms"`
}

// BridgeTimeout returns the per-command bridge timeout as a duration
func (e ExecutorConfig) BridgeTimeout() time.Duration {
	return time.Duration(e.BridgeTimeoutMS) * time.Millisecond
}

// RetryDelay returns the per-attempt retry delay as a duration
func (e ExecutorConfig) RetryDelay() time.Duration {
	return time.Duration(e.RetryDelayMS) * time.Millisecond
}

// AutonomyConfig holds autonomy runner options
type AutonomyConfig struct {
	AgentLogCap            int `mapstructure:"agent_log_cap"`
	DefaultIterationBudget int `mapstructure:"default_iteration_budget"`
}

// BroadcastConfig holds broadcast hub options
type BroadcastConfig struct {
	MaxConnections int `mapstructure:"max_connections"`
	SendTimeoutMS  int `mapstructure:"send_timeout_ms"`
}

// SendTimeout returns the per-send timeout as a duration
func (b BroadcastConfig) SendTimeout() time.Duration {
	return time.Duration(b.SendTimeoutMS) * time.Millisecond
}

// StoreConfig holds durable store options
type StoreConfig struct {
	Path string `mapstructure:"path"` // SQLite file path; empty selects in-memory
}

// StateConfig holds desktop state store options
type StateConfig struct {
	HistorySize int `mapstructure:"history_size"`
}

// BrowserConfig holds browser executor options
type BrowserConfig struct {
	DebugURL string `mapstructure:"debug_url"` // DevTools endpoint, e.g. http://127.0.0.1:9222
}

// Load reads configuration from desktopai.yaml and DESKTOPAI_* env vars
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("desktopai")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("$HOME/.desktopai")

	v.SetEnvPrefix("DESKTOPAI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// Missing config file is fine; env vars and defaults apply
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	// Clamp values the rest of the system depends on
	if cfg.Executor.RetryCount < 1 {
		cfg.Executor.RetryCount = 1
	}
	if cfg.Executor.RetryDelayMS < 0 {
		cfg.Executor.RetryDelayMS = 0
	}
	if cfg.Autonomy.AgentLogCap <= 0 {
		cfg.Autonomy.AgentLogCap = 200
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8765)
	v.SetDefault("server.read_timeout", 30)
	v.SetDefault("server.write_timeout", 30)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("executor.mode", "auto")
	v.SetDefault("executor.bridge_timeout_ms", 15000)
	v.SetDefault("executor.retry_count", 2)
	v.SetDefault("executor.retry_delay_ms", 500)

	v.SetDefault("autonomy.agent_log_cap", 200)
	v.SetDefault("autonomy.default_iteration_budget", 25)

	v.SetDefault("broadcast.max_connections", 32)
	v.SetDefault("broadcast.send_timeout_ms", 2000)

	v.SetDefault("store.path", "desktopai.db")
	v.SetDefault("state.history_size", 50)

	v.SetDefault("browser.debug_url", "http://127.0.0.1:9222")
}
