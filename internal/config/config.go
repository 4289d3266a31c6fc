package config

import (
	"encoding/json"
	"fmt"
)

// Config represents the main ToolVault configuration
type Config struct {
	// Tool loading
	Tools ToolsConfig `json:"tools" mapstructure:"tools"`

	// Session authority
	Sessions SessionsConfig `json:"sessions" mapstructure:"sessions"`

	// API key authority
	APIKeys APIKeysConfig `json:"apikeys" mapstructure:"apikeys"`

	// Scheduled reload
	Reload ReloadConfig `json:"reload" mapstructure:"reload"`

	// Admin HTTP server
	Server ServerConfig `json:"server" mapstructure:"server"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Tracing
	Tracing TracingConfig `json:"tracing" mapstructure:"tracing"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// ToolsConfig holds tool registry configuration
type ToolsConfig struct {
	DescriptorDir       string `json:"descriptor_dir" mapstructure:"descriptor_dir"`
	PluginDir           string `json:"plugin_dir" mapstructure:"plugin_dir"`
	PollIntervalSeconds int    `json:"poll_interval_seconds" mapstructure:"poll_interval_seconds"`
}

// SessionsConfig holds session authority configuration
type SessionsConfig struct {
	UsersFile            string `json:"users_file" mapstructure:"users_file"`
	IdleTimeoutMinutes   int    `json:"idle_timeout_minutes" mapstructure:"idle_timeout_minutes"`
	MaxLoginAttempts     int    `json:"max_login_attempts" mapstructure:"max_login_attempts"`
	LockoutWindowMinutes int    `json:"lockout_window_minutes" mapstructure:"lockout_window_minutes"`
	AdminUser            string `json:"admin_user" mapstructure:"admin_user"`
}

// APIKeysConfig holds API key authority configuration
type APIKeysConfig struct {
	KeysFile         string          `json:"keys_file" mapstructure:"keys_file"`
	KeyPrefix        string          `json:"key_prefix" mapstructure:"key_prefix"`
	KeyLength        int             `json:"key_length" mapstructure:"key_length"`
	DefaultRateLimit RateLimitConfig `json:"default_rate_limit" mapstructure:"default_rate_limit"`
	MaxKeysPerUser   int             `json:"max_keys_per_user" mapstructure:"max_keys_per_user"`
}

// RateLimitConfig holds per-key rate limit defaults
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" mapstructure:"requests_per_minute"`
	RequestsPerHour   int `json:"requests_per_hour" mapstructure:"requests_per_hour"`
}

// ReloadConfig holds the reload coordinator schedule
type ReloadConfig struct {
	// Schedule is a five-field cron expression; empty disables the timer.
	Schedule string `json:"schedule" mapstructure:"schedule"`
}

// ServerConfig holds admin HTTP server configuration
type ServerConfig struct {
	Host string `json:"host" mapstructure:"host"`
	Port int    `json:"port" mapstructure:"port"`
}

// TracingConfig holds OpenTelemetry tracing configuration
type TracingConfig struct {
	// SamplingRatio is the fraction of traces to record, 0 through 1.
	SamplingRatio float64 `json:"sampling_ratio" mapstructure:"sampling_ratio"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Console   bool   `json:"console" mapstructure:"console"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Tools: ToolsConfig{
			PollIntervalSeconds: 5,
		},
		Sessions: SessionsConfig{
			IdleTimeoutMinutes:   60,
			MaxLoginAttempts:     5,
			LockoutWindowMinutes: 5,
			AdminUser:            "admin",
		},
		APIKeys: APIKeysConfig{
			KeyPrefix:      "sja_",
			KeyLength:      32,
			MaxKeysPerUser: 10,
		},
		Reload: ReloadConfig{
			Schedule: "",
		},
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8080,
		},
		Logging: LoggingConfig{
			Level:     "info",
			Console:   true,
			Redaction: true,
		},
		Tracing: TracingConfig{
			SamplingRatio: 1,
		},
		DataDir: "",
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Tools.DescriptorDir == "" {
		return fmt.Errorf("tools.descriptor_dir is required")
	}
	if c.Tools.PollIntervalSeconds <= 0 {
		return fmt.Errorf("tools.poll_interval_seconds must be positive")
	}
	if c.Sessions.IdleTimeoutMinutes <= 0 {
		return fmt.Errorf("sessions.idle_timeout_minutes must be positive")
	}
	if c.Sessions.MaxLoginAttempts <= 0 {
		return fmt.Errorf("sessions.max_login_attempts must be positive")
	}
	if c.APIKeys.KeyLength < 16 {
		return fmt.Errorf("apikeys.key_length must be at least 16")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging level: %s", c.Logging.Level)
	}
	if c.Tracing.SamplingRatio < 0 || c.Tracing.SamplingRatio > 1 {
		return fmt.Errorf("tracing.sampling_ratio must be between 0 and 1")
	}
	return nil
}
