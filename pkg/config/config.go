// Package config loads and validates the runtime configuration from
// ambient.yaml, layering user values over built-in defaults and
// expanding environment references.
package config

import (
	"errors"
	"time"
)

// Sentinel errors surfaced by configuration loading.
var (
	ErrConfigNotFound = errors.New("configuration file not found")
	ErrInvalidYAML    = errors.New("invalid YAML syntax")
)

// Config is the fully resolved runtime configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Bus        BusConfig        `yaml:"bus"`
	Processor  ProcessorConfig  `yaml:"processor"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Security   SecurityConfig   `yaml:"security"`
	ContextHub ContextHubConfig `yaml:"context_hub"`
	LLM        LLMConfig        `yaml:"llm"`
	Slack      SlackConfig      `yaml:"slack"`

	// Drivers carries per-driver configuration maps keyed by driver id,
	// passed verbatim to each driver constructor.
	Drivers map[string]map[string]any `yaml:"drivers"`
}

// ServerConfig holds the HTTP API settings.
type ServerConfig struct {
	Host             string   `yaml:"host"`
	Port             int      `yaml:"port"`
	AllowedWSOrigins []string `yaml:"allowed_ws_origins"`
}

// DatabaseConfig holds Postgres settings. When Enabled is false the
// runtime keeps all state in memory.
type DatabaseConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	User        string `yaml:"user"`
	PasswordEnv string `yaml:"password_env"`
	Database    string `yaml:"database"`
	SSLMode     string `yaml:"ssl_mode"`
	MaxConns    int32  `yaml:"max_conns"`
	MinConns    int32  `yaml:"min_conns"`
}

// BusConfig holds event bus settings.
type BusConfig struct {
	HistorySize    int `yaml:"history_size"`
	StreamCapacity int `yaml:"stream_capacity"`
}

// ProcessorConfig holds event pipeline settings.
type ProcessorConfig struct {
	Workers   int `yaml:"workers"`
	QueueSize int `yaml:"queue_size"`
}

// SchedulerConfig holds scheduler settings.
type SchedulerConfig struct {
	TickInterval time.Duration `yaml:"tick_interval"`
}

// SecurityConfig holds the policy engine settings. Policies extends the
// built-in default policy set.
type SecurityConfig struct {
	CostCeiling     float64        `yaml:"cost_ceiling"`
	DailyEventLimit int            `yaml:"daily_event_limit"`
	AuditSize       int            `yaml:"audit_size"`
	Policies        []PolicyConfig `yaml:"policies"`
}

// PolicyConfig is one user-defined policy rule.
type PolicyConfig struct {
	ID        string         `yaml:"id"`
	Name      string         `yaml:"name"`
	Condition string         `yaml:"condition"`
	Action    string         `yaml:"action"`
	Config    map[string]any `yaml:"config"`
	AppliesTo []string       `yaml:"applies_to"`
	Enabled   bool           `yaml:"enabled"`
	Priority  int            `yaml:"priority"`
}

// ContextHubConfig points at the context hub service.
type ContextHubConfig struct {
	URL string `yaml:"url"`
}

// LLMConfig holds the language model driver settings.
type LLMConfig struct {
	Model     string `yaml:"model"`
	APIKeyEnv string `yaml:"api_key_env"`
	MaxTokens int64  `yaml:"max_tokens"`
}

// SlackConfig holds Slack notification settings.
type SlackConfig struct {
	Enabled  bool   `yaml:"enabled"`
	TokenEnv string `yaml:"token_env"`
	Channel  string `yaml:"channel"`
}

// Default returns the built-in configuration. User YAML merges on top.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8090,
		},
		Database: DatabaseConfig{
			Host:        "localhost",
			Port:        5432,
			User:        "ambient",
			PasswordEnv: "AMBIENT_DB_PASSWORD",
			Database:    "ambient",
			SSLMode:     "disable",
			MaxConns:    10,
			MinConns:    2,
		},
		Bus: BusConfig{
			HistorySize:    1000,
			StreamCapacity: 1024,
		},
		Processor: ProcessorConfig{
			Workers:   4,
			QueueSize: 1024,
		},
		Scheduler: SchedulerConfig{
			TickInterval: 30 * time.Second,
		},
		Security: SecurityConfig{
			CostCeiling:     100,
			DailyEventLimit: 1000,
			AuditSize:       10000,
		},
		ContextHub: ContextHubConfig{
			URL: "http://localhost:8091",
		},
		LLM: LLMConfig{
			Model:     "claude-sonnet-4-5",
			APIKeyEnv: "ANTHROPIC_API_KEY",
			MaxTokens: 4096,
		},
		Slack: SlackConfig{
			TokenEnv: "SLACK_BOT_TOKEN",
		},
	}
}
