package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete configuration
type Config struct {
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Session      SessionConfig      `mapstructure:"session"`
	Approval     ApprovalConfig     `mapstructure:"approval"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Discovery    DiscoveryConfig    `mapstructure:"discovery"`
	Notify       NotifyConfig       `mapstructure:"notify"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// OrchestratorConfig describes how to reach the session orchestrator.
type OrchestratorConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// SessionConfig contains session lifecycle settings
type SessionConfig struct {
	WorkingDir     string        `mapstructure:"working_dir"`
	PermissionMode string        `mapstructure:"permission_mode"`
	SettleDelay    time.Duration `mapstructure:"settle_delay"`
	EchoTimeout    time.Duration `mapstructure:"echo_timeout"`
}

// ApprovalConfig contains approval channel settings
type ApprovalConfig struct {
	ReconnectBase time.Duration `mapstructure:"reconnect_base"`
	ReconnectMax  time.Duration `mapstructure:"reconnect_max"`
}

// DatabaseConfig contains database settings
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// DiscoveryConfig contains local session discovery settings
type DiscoveryConfig struct {
	ProjectsDir string        `mapstructure:"projects_dir"`
	Debounce    time.Duration `mapstructure:"debounce"`
}

// NotifyConfig contains approval notification settings
type NotifyConfig struct {
	SlackWebhookURL string `mapstructure:"slack_webhook_url"`
	Channel         string `mapstructure:"channel"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// Load loads configuration from file and environment variables
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/cc-console/")

	// Environment variable settings
	v.SetEnvPrefix("CC_CONSOLE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicitly bind environment variables
	v.BindEnv("orchestrator.base_url")
	v.BindEnv("orchestrator.timeout")
	v.BindEnv("session.working_dir")
	v.BindEnv("session.permission_mode")
	v.BindEnv("session.settle_delay")
	v.BindEnv("session.echo_timeout")
	v.BindEnv("approval.reconnect_base")
	v.BindEnv("approval.reconnect_max")
	v.BindEnv("database.path")
	v.BindEnv("discovery.projects_dir")
	v.BindEnv("discovery.debounce")
	v.BindEnv("notify.slack_webhook_url")
	v.BindEnv("notify.channel")
	v.BindEnv("logging.level")
	v.BindEnv("logging.output")

	// Set defaults with the new viper instance
	setDefaultsWithViper(v)

	// Read config file if exists
	if err := v.ReadInConfig(); err != nil {
		// It's okay if config file doesn't exist
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Unmarshal to struct
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate configuration
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// setDefaultsWithViper sets default values with a specific viper instance
func setDefaultsWithViper(v *viper.Viper) {
	// Orchestrator defaults
	v.SetDefault("orchestrator.base_url", "http://localhost:8181")
	v.SetDefault("orchestrator.timeout", "30s")

	// Session defaults
	v.SetDefault("session.permission_mode", "default")
	v.SetDefault("session.settle_delay", "2s")
	v.SetDefault("session.echo_timeout", "5s")

	// Approval channel defaults
	v.SetDefault("approval.reconnect_base", "1s")
	v.SetDefault("approval.reconnect_max", "30s")

	// Database defaults
	v.SetDefault("database.path", "./data/cc-console.db")

	// Discovery defaults
	v.SetDefault("discovery.projects_dir", "")
	v.SetDefault("discovery.debounce", "500ms")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "./logs/cc-console.log")
	v.SetDefault("logging.max_size_mb", 50)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age_days", 14)
}

// validate validates the configuration
func (c *Config) validate() error {
	if c.Orchestrator.BaseURL == "" {
		return fmt.Errorf("orchestrator.base_url is required")
	}
	if !strings.HasPrefix(c.Orchestrator.BaseURL, "http://") && !strings.HasPrefix(c.Orchestrator.BaseURL, "https://") {
		return fmt.Errorf("orchestrator.base_url must be an http(s) URL: %s", c.Orchestrator.BaseURL)
	}

	// Validate time durations
	if c.Session.SettleDelay <= 0 {
		return fmt.Errorf("session.settle_delay must be positive")
	}
	if c.Session.EchoTimeout <= 0 {
		return fmt.Errorf("session.echo_timeout must be positive")
	}
	if c.Approval.ReconnectBase <= 0 {
		return fmt.Errorf("approval.reconnect_base must be positive")
	}
	if c.Approval.ReconnectMax < c.Approval.ReconnectBase {
		return fmt.Errorf("approval.reconnect_max must be >= approval.reconnect_base")
	}

	switch c.Session.PermissionMode {
	case "default", "acceptEdits", "plan", "bypassPermissions":
	default:
		return fmt.Errorf("invalid session.permission_mode: %s", c.Session.PermissionMode)
	}

	return nil
}
