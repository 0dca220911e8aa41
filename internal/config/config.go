package config

import (
	"encoding/json"
	"fmt"
)

// Config represents the main conduit configuration
type Config struct {
	Logging     LoggingConfig     `json:"logging" mapstructure:"logging"`
	Gateway     GatewayConfig     `json:"gateway" mapstructure:"gateway"`
	Tools       ToolsConfig       `json:"tools" mapstructure:"tools"`
	Providers   []ProviderConfig  `json:"providers" mapstructure:"providers"`
	Automations AutomationsConfig `json:"automations" mapstructure:"automations"`
	Agents      []AgentConfig     `json:"agents" mapstructure:"agents"`
	AI          AIConfig          `json:"ai" mapstructure:"ai"`
	Realtime    RealtimeConfig    `json:"realtime" mapstructure:"realtime"`
	HealthCheck HealthCheckConfig `json:"health_check" mapstructure:"health_check"`

	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Console   bool   `json:"console" mapstructure:"console"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// GatewayConfig holds gateway server configuration
type GatewayConfig struct {
	Port         int    `json:"port" mapstructure:"port"`
	Host         string `json:"host" mapstructure:"host"`
	SharedSecret string `json:"shared_secret" mapstructure:"shared_secret"`
}

// ToolsConfig controls dispatch behaviour shared by text turns and realtime sessions.
type ToolsConfig struct {
	ExecutionMode       string   `json:"execution_mode" mapstructure:"execution_mode"` // auto, manual
	TimeoutSeconds      int      `json:"timeout_seconds" mapstructure:"timeout_seconds"`
	ConfirmationTimeout int      `json:"confirmation_timeout_seconds" mapstructure:"confirmation_timeout_seconds"` // 0 waits for a decision
	ReplayTTLSeconds    int      `json:"replay_ttl_seconds" mapstructure:"replay_ttl_seconds"`                     // memory ledger only
	LedgerPath          string   `json:"ledger_path" mapstructure:"ledger_path"`                                   // "memory" keeps the ledger in process
	DefaultToolkits     []string `json:"default_toolkits" mapstructure:"default_toolkits"`
	WorkspaceRoot       string   `json:"workspace_root" mapstructure:"workspace_root"` // root for the files toolkit
}

// ProviderConfig describes one external tool server.
type ProviderConfig struct {
	ID                   string            `json:"id" mapstructure:"id"`
	DisplayName          string            `json:"display_name" mapstructure:"display_name"`
	Transport            string            `json:"transport" mapstructure:"transport"` // stdio, http
	Command              string            `json:"command" mapstructure:"command"`
	Args                 []string          `json:"args" mapstructure:"args"`
	Env                  map[string]string `json:"env" mapstructure:"env"`
	URL                  string            `json:"url" mapstructure:"url"`
	Disabled             bool              `json:"disabled" mapstructure:"disabled"`
	CustomizationPrompt  string            `json:"customization_prompt" mapstructure:"customization_prompt"`
	ToolCustomizations   map[string]string `json:"tool_customizations" mapstructure:"tool_customizations"`
	RequireConfirmation  []string          `json:"require_confirmation" mapstructure:"require_confirmation"`
	ConnectTimeoutSecond int               `json:"connect_timeout_seconds" mapstructure:"connect_timeout_seconds"`
}

// AutomationsConfig points at the YAML automation definitions.
type AutomationsConfig struct {
	Dir   string `json:"dir" mapstructure:"dir"`
	Watch bool   `json:"watch" mapstructure:"watch"`
	// WebhookSecret enables POST /hooks/automations/{id} on the gateway.
	WebhookSecret    string `json:"webhook_secret" mapstructure:"webhook_secret"`
	WebhookRateLimit int    `json:"webhook_rate_limit" mapstructure:"webhook_rate_limit"` // requests per minute per IP
}

// AgentConfig represents an agent configuration
type AgentConfig struct {
	ID           string           `json:"id" mapstructure:"id"`
	Name         string           `json:"name" mapstructure:"name"`
	Model        string           `json:"model" mapstructure:"model"`
	Temperature  float64          `json:"temperature" mapstructure:"temperature"`
	MaxTokens    int              `json:"max_tokens" mapstructure:"max_tokens"`
	SystemPrompt string           `json:"system_prompt" mapstructure:"system_prompt"`
	Capabilities CapabilityConfig `json:"capabilities" mapstructure:"capabilities"`
}

// CapabilityConfig is an agent's fixed tool set. External entries map a
// provider id to tool names, "*" meaning every tool of that provider.
type CapabilityConfig struct {
	Toolkits []string            `json:"toolkits" mapstructure:"toolkits"`
	Tools    []string            `json:"tools" mapstructure:"tools"`
	External map[string][]string `json:"external" mapstructure:"external"`
}

// AIConfig holds AI provider configuration
type AIConfig struct {
	Profiles []AIProfile `json:"profiles" mapstructure:"profiles"`
}

// AIProfile represents an AI provider profile
type AIProfile struct {
	ID       string `json:"id" mapstructure:"id"`
	Provider string `json:"provider" mapstructure:"provider"` // anthropic, openai
	APIKey   string `json:"api_key" mapstructure:"api_key"`
	BaseURL  string `json:"base_url" mapstructure:"base_url"`
	Priority int    `json:"priority" mapstructure:"priority"`
}

// RealtimeConfig configures the voice session adapter.
type RealtimeConfig struct {
	URL               string `json:"url" mapstructure:"url"`
	Model             string `json:"model" mapstructure:"model"`
	APIKey            string `json:"api_key" mapstructure:"api_key"`
	Voice             string `json:"voice" mapstructure:"voice"`
	Instructions      string `json:"instructions" mapstructure:"instructions"`
	StepDelayMillis   int    `json:"step_delay_ms" mapstructure:"step_delay_ms"`
	AckTimeoutMillis  int    `json:"ack_timeout_ms" mapstructure:"ack_timeout_ms"`
	FallbackTimeoutMs int    `json:"fallback_timeout_ms" mapstructure:"fallback_timeout_ms"`
	DialAttempts      int    `json:"dial_attempts" mapstructure:"dial_attempts"`
}

// HealthCheckConfig schedules external provider pings.
type HealthCheckConfig struct {
	Enabled  bool   `json:"enabled" mapstructure:"enabled"`
	Schedule string `json:"schedule" mapstructure:"schedule"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:     "info",
			Console:   true,
			Pretty:    true,
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
		Gateway: GatewayConfig{
			Port: 8080,
			Host: "127.0.0.1",
		},
		Tools: ToolsConfig{
			ExecutionMode:       "auto",
			TimeoutSeconds:      30,
			ConfirmationTimeout: 0,
			ReplayTTLSeconds:    600,
		},
		Providers: []ProviderConfig{},
		Agents: []AgentConfig{
			{
				ID:          "default",
				Name:        "Default Agent",
				Model:       "claude-sonnet-4",
				Temperature: 0.7,
				MaxTokens:   4096,
			},
		},
		AI: AIConfig{Profiles: []AIProfile{}},
		Realtime: RealtimeConfig{
			URL:               "wss://api.openai.com/v1/realtime",
			Model:             "gpt-realtime",
			Voice:             "alloy",
			StepDelayMillis:   100,
			AckTimeoutMillis:  3000,
			FallbackTimeoutMs: 2000,
			DialAttempts:      2,
		},
		HealthCheck: HealthCheckConfig{
			Enabled:  true,
			Schedule: "@every 30s",
		},
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Agent returns the agent with the given id.
func (c *Config) Agent(id string) (AgentConfig, bool) {
	for _, a := range c.Agents {
		if a.ID == id {
			return a, true
		}
	}
	return AgentConfig{}, false
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	v := NewValidator()

	for i, profile := range c.AI.Profiles {
		if profile.ID == "" {
			return fmt.Errorf("AI profile %d: ID is required", i)
		}
		if profile.Provider != "anthropic" && profile.Provider != "openai" {
			return fmt.Errorf("AI profile %s: invalid provider %q (must be: anthropic, openai)", profile.ID, profile.Provider)
		}
		if profile.APIKey == "" {
			return fmt.Errorf("AI profile %s: api_key is required", profile.ID)
		}
	}

	if err := v.ValidateExecutionMode(c.Tools.ExecutionMode); err != nil {
		return err
	}
	if c.Tools.TimeoutSeconds < 0 || c.Tools.ConfirmationTimeout < 0 {
		return fmt.Errorf("tool timeouts must not be negative")
	}
	if c.Automations.WebhookRateLimit < 0 {
		return fmt.Errorf("automations: webhook_rate_limit must not be negative")
	}

	seen := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		if err := v.ValidateProviderID(p.ID); err != nil {
			return fmt.Errorf("provider %d: %w", i, err)
		}
		if seen[p.ID] {
			return fmt.Errorf("provider %s: duplicate id", p.ID)
		}
		seen[p.ID] = true
		if err := v.ValidateTransport(p); err != nil {
			return fmt.Errorf("provider %s: %w", p.ID, err)
		}
	}

	for i, agent := range c.Agents {
		if agent.ID == "" {
			return fmt.Errorf("agent %d: ID is required", i)
		}
		if agent.Model == "" {
			return fmt.Errorf("agent %s: model is required", agent.ID)
		}
	}

	if c.HealthCheck.Enabled {
		if err := v.ValidateSchedule(c.HealthCheck.Schedule); err != nil {
			return fmt.Errorf("health_check: %w", err)
		}
	}

	if c.Realtime.StepDelayMillis < 0 || c.Realtime.AckTimeoutMillis <= 0 || c.Realtime.FallbackTimeoutMs <= 0 {
		return fmt.Errorf("realtime: handshake timings must be positive")
	}

	return nil
}
