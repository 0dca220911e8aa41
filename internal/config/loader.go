package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// Loader handles configuration loading
type Loader struct {
	configPath string
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{configPath: configPath}
}

// Load reads the config file, falling back to defaults when it is absent.
// Environment variables prefixed with CONDUIT_ override file values.
func (l *Loader) Load() (*Config, error) {
	configPath, err := l.resolvePath()
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, l.applyDerivedDefaults(cfg)
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")
	v.SetEnvPrefix("CONDUIT")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// AutomaticEnv only affects Get, so secrets are pulled explicitly.
	if key := v.GetString("realtime_api_key"); key != "" {
		cfg.Realtime.APIKey = key
	}
	if secret := v.GetString("gateway_shared_secret"); secret != "" {
		cfg.Gateway.SharedSecret = secret
	}
	if secret := v.GetString("automations_webhook_secret"); secret != "" {
		cfg.Automations.WebhookSecret = secret
	}

	return cfg, l.applyDerivedDefaults(cfg)
}

func (l *Loader) applyDerivedDefaults(cfg *Config) error {
	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(home, ".conduit")
	}
	if cfg.Logging.File == "" {
		cfg.Logging.File = filepath.Join(cfg.DataDir, "conduit.log")
	}
	if cfg.Tools.WorkspaceRoot == "" {
		cfg.Tools.WorkspaceRoot = filepath.Join(cfg.DataDir, "workspace")
	}
	if cfg.Automations.Dir == "" {
		cfg.Automations.Dir = filepath.Join(cfg.DataDir, "automations")
	}
	if cfg.Tools.LedgerPath == "" {
		cfg.Tools.LedgerPath = filepath.Join(cfg.DataDir, "ledger.db")
	}
	return nil
}

// Save writes cfg to the loader's path.
func (l *Loader) Save(cfg *Config) error {
	configPath, err := l.resolvePath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")

	v.Set("logging", cfg.Logging)
	v.Set("gateway", cfg.Gateway)
	v.Set("tools", cfg.Tools)
	v.Set("providers", cfg.Providers)
	v.Set("automations", cfg.Automations)
	v.Set("agents", cfg.Agents)
	v.Set("ai", cfg.AI)
	v.Set("realtime", cfg.Realtime)
	v.Set("health_check", cfg.HealthCheck)
	v.Set("data_dir", cfg.DataDir)

	if err := v.WriteConfig(); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	p, _ := l.resolvePath()
	return p
}

func (l *Loader) resolvePath() (string, error) {
	if l.configPath != "" {
		return l.configPath, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".conduit", "conduit.json"), nil
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	return NewLoader(configPath).Load()
}
