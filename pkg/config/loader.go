package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Initialize loads, merges and validates configuration.
//
// Steps performed:
//  1. Start from built-in defaults
//  2. Read ambient.yaml from configDir (optional; defaults apply when
//     absent)
//  3. Expand environment variables using {{.VAR}} template syntax
//  4. Merge user values over defaults
//  5. Validate the result
func Initialize(configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)

	cfg := Default()
	user, err := loadYAMLFile(filepath.Join(configDir, "ambient.yaml"))
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if user != nil {
		if err := mergo.Merge(cfg, user, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge configuration: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	log.Info("Configuration initialized",
		"server_port", cfg.Server.Port,
		"database_enabled", cfg.Database.Enabled,
		"policies", len(cfg.Security.Policies),
		"drivers", len(cfg.Drivers))
	return cfg, nil
}

// loadYAMLFile reads and parses one config file. A missing file is not
// an error; defaults carry the runtime.
func loadYAMLFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Info("No configuration file found, using defaults", "path", path)
			return nil, nil
		}
		return nil, err
	}

	data = ExpandEnv(data)

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}
	return &cfg, nil
}

// Validate checks the resolved configuration for values the runtime
// cannot work with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Processor.Workers <= 0 {
		return fmt.Errorf("processor.workers must be positive, got %d", c.Processor.Workers)
	}
	if c.Processor.QueueSize <= 0 {
		return fmt.Errorf("processor.queue_size must be positive, got %d", c.Processor.QueueSize)
	}
	if c.Scheduler.TickInterval <= 0 {
		return fmt.Errorf("scheduler.tick_interval must be positive, got %s", c.Scheduler.TickInterval)
	}
	if c.Database.Enabled {
		if c.Database.Host == "" || c.Database.Database == "" {
			return fmt.Errorf("database enabled but host or database name missing")
		}
	}
	for i, p := range c.Security.Policies {
		if p.ID == "" {
			return fmt.Errorf("security.policies[%d]: id must not be empty", i)
		}
		if p.Condition == "" {
			return fmt.Errorf("security policy %s: condition must not be empty", p.ID)
		}
		switch p.Action {
		case "ALLOW", "DENY", "RESTRICT", "LOG", "NOTIFY":
		default:
			return fmt.Errorf("security policy %s: unknown action %q", p.ID, p.Action)
		}
	}
	return nil
}

// DatabasePassword resolves the database password from the configured
// environment variable.
func (c *Config) DatabasePassword() string {
	return os.Getenv(c.Database.PasswordEnv)
}

// LLMAPIKey resolves the LLM API key from the configured environment
// variable.
func (c *Config) LLMAPIKey() string {
	return os.Getenv(c.LLM.APIKeyEnv)
}

// SlackToken resolves the Slack bot token from the configured
// environment variable.
func (c *Config) SlackToken() string {
	return os.Getenv(c.Slack.TokenEnv)
}
