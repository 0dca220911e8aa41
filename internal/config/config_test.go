package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "auto", cfg.Tools.ExecutionMode)
	assert.Equal(t, 30, cfg.Tools.TimeoutSeconds)
	assert.Zero(t, cfg.Tools.ConfirmationTimeout, "confirmations wait for a decision by default")
	assert.Equal(t, 100, cfg.Realtime.StepDelayMillis)
	assert.Equal(t, 3000, cfg.Realtime.AckTimeoutMillis)
	assert.Equal(t, 2000, cfg.Realtime.FallbackTimeoutMs)
	assert.NoError(t, cfg.Validate())
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name: "invalid execution mode",
			mutate: func(c *Config) {
				c.Tools.ExecutionMode = "sometimes"
			},
			wantErr: "invalid execution mode",
		},
		{
			name: "negative webhook rate limit",
			mutate: func(c *Config) {
				c.Automations.WebhookRateLimit = -1
			},
			wantErr: "webhook_rate_limit",
		},
		{
			name: "provider id with separator",
			mutate: func(c *Config) {
				c.Providers = []ProviderConfig{{ID: "git__hub", Transport: "stdio", Command: "x"}}
			},
			wantErr: "must not contain",
		},
		{
			name: "duplicate provider",
			mutate: func(c *Config) {
				p := ProviderConfig{ID: "github", Transport: "http", URL: "https://example.com/mcp"}
				c.Providers = []ProviderConfig{p, p}
			},
			wantErr: "duplicate id",
		},
		{
			name: "stdio without command",
			mutate: func(c *Config) {
				c.Providers = []ProviderConfig{{ID: "fs", Transport: "stdio"}}
			},
			wantErr: "requires command",
		},
		{
			name: "unknown AI provider",
			mutate: func(c *Config) {
				c.AI.Profiles = []AIProfile{{ID: "p", Provider: "gemini", APIKey: "k"}}
			},
			wantErr: "invalid provider",
		},
		{
			name: "bad health schedule",
			mutate: func(c *Config) {
				c.HealthCheck.Schedule = "every now and then"
			},
			wantErr: "invalid schedule",
		},
		{
			name: "agent without model",
			mutate: func(c *Config) {
				c.Agents = append(c.Agents, AgentConfig{ID: "analyst"})
			},
			wantErr: "model is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfigAgent(t *testing.T) {
	cfg := DefaultConfig()

	a, ok := cfg.Agent("default")
	require.True(t, ok)
	assert.Equal(t, "Default Agent", a.Name)

	_, ok = cfg.Agent("missing")
	assert.False(t, ok)
}
