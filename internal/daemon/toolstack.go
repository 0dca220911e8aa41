package daemon

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/harun/conduit/internal/config"
	"github.com/harun/conduit/pkg/agent"
	"github.com/harun/conduit/pkg/automation"
	"github.com/harun/conduit/pkg/coretools"
	"github.com/harun/conduit/pkg/toolexecutor"
	"github.com/rs/zerolog"
)

// Version is reported to external tool providers during the MCP handshake.
const Version = "0.1.0"

const defaultConnectTimeout = 10 * time.Second

// ToolStack is the dispatch engine assembled from config: built-in toolkits,
// automations, external providers, the confirmation gate and the ledger.
// Both the daemon and one-shot CLI commands build one.
type ToolStack struct {
	Catalog     *toolexecutor.BuiltinCatalog
	Automations *automation.Catalog
	Registry    *toolexecutor.Registry
	Dispatcher  *toolexecutor.Dispatcher
}

// NewToolStack builds the tool stack. Providers are registered but not
// connected; call Registry.Load to connect them.
func NewToolStack(cfg *config.Config, logger zerolog.Logger) (*ToolStack, error) {
	catalog := toolexecutor.NewBuiltinCatalog()
	if err := os.MkdirAll(cfg.Tools.WorkspaceRoot, 0755); err != nil {
		return nil, fmt.Errorf("failed to create workspace root: %w", err)
	}
	if err := coretools.RegisterCoreTools(catalog, coretools.Options{WorkspaceRoot: cfg.Tools.WorkspaceRoot}); err != nil {
		return nil, fmt.Errorf("failed to register core tools: %w", err)
	}

	automations := automation.NewCatalog(cfg.Automations.Dir, catalog)
	if err := automations.Load(); err != nil {
		return nil, fmt.Errorf("failed to load automations: %w", err)
	}
	for file, msg := range automations.LoadErrors() {
		logger.Warn().Str("file", file).Str("error", msg).Msg("Skipped invalid automation")
	}

	registry := toolexecutor.NewRegistry(toolexecutor.RegistryConfig{
		Builtins:    catalog,
		Automations: automations,
	})
	for _, p := range cfg.Providers {
		if p.Disabled {
			logger.Info().Str("provider_id", p.ID).Msg("Provider disabled, skipping")
			continue
		}
		if err := registry.AddProvider(providerSpec(p), toolexecutor.NewMCPClient(p.ID, Version, providerTransport(p))); err != nil {
			return nil, fmt.Errorf("failed to add provider %s: %w", p.ID, err)
		}
	}

	ledger, err := newLedger(cfg.Tools)
	if err != nil {
		return nil, err
	}

	mode, err := toolexecutor.ParseExecutionMode(cfg.Tools.ExecutionMode)
	if err != nil {
		return nil, err
	}

	dispatcher := toolexecutor.NewDispatcher(toolexecutor.DispatcherConfig{
		Registry: registry,
		Gate:     toolexecutor.NewConfirmationGate(time.Duration(cfg.Tools.ConfirmationTimeout) * time.Second),
		Ledger:   ledger,
		Mode:     mode,
		Timeout:  time.Duration(cfg.Tools.TimeoutSeconds) * time.Second,
	})

	return &ToolStack{
		Catalog:     catalog,
		Automations: automations,
		Registry:    registry,
		Dispatcher:  dispatcher,
	}, nil
}

// Close disconnects providers and closes the ledger.
func (t *ToolStack) Close() error {
	regErr := t.Registry.Close()
	if err := t.Dispatcher.Ledger().Close(); err != nil {
		return err
	}
	return regErr
}

// TriggerAutomation dispatches a scheduled automation through the same
// gate and ledger as a model-issued call.
func (t *ToolStack) TriggerAutomation(ctx context.Context, def *automation.Definition, inputs map[string]interface{}) error {
	name := automation.ToolName(def.ID)
	perms := toolexecutor.Resolve(toolexecutor.CallerAllow{Tools: []string{name}}, nil)

	_, terminal := toolexecutor.Collect(t.Dispatcher.Dispatch(ctx, toolexecutor.ToolCall{
		Name:  name,
		Args:  inputs,
		Owner: "scheduler:" + def.ID,
	}, perms))

	switch {
	case terminal == nil:
		return fmt.Errorf("automation %s ended without a result", def.ID)
	case terminal.Kind == toolexecutor.EventError && terminal.Error != nil:
		return terminal.Error
	case terminal.Kind == toolexecutor.EventRejected:
		return fmt.Errorf("automation %s was declined", def.ID)
	}
	return nil
}

// LedgerInMemory selects the in-process ledger. Replays are then only
// guaranteed within replay_ttl_seconds and across no restart.
const LedgerInMemory = "memory"

func newLedger(cfg config.ToolsConfig) (*toolexecutor.Ledger, error) {
	if cfg.LedgerPath == "" || cfg.LedgerPath == LedgerInMemory {
		ttl := time.Duration(cfg.ReplayTTLSeconds) * time.Second
		if ttl <= 0 {
			ttl = 10 * time.Minute
		}
		return toolexecutor.NewLedger(toolexecutor.NewMemoryLedgerStore(context.Background(), ttl)), nil
	}
	store, err := toolexecutor.OpenSQLiteLedgerStore(cfg.LedgerPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open invocation ledger: %w", err)
	}
	return toolexecutor.NewLedger(store), nil
}

func providerSpec(p config.ProviderConfig) toolexecutor.ProviderSpec {
	timeout := time.Duration(p.ConnectTimeoutSecond) * time.Second
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	name := p.DisplayName
	if name == "" {
		name = p.ID
	}
	return toolexecutor.ProviderSpec{
		ID:                  p.ID,
		DisplayName:         name,
		CustomizationPrompt: p.CustomizationPrompt,
		ToolCustomizations:  p.ToolCustomizations,
		RequireConfirmation: p.RequireConfirmation,
		ConnectTimeout:      timeout,
	}
}

func providerTransport(p config.ProviderConfig) toolexecutor.TransportFactory {
	if p.Transport == "http" {
		return toolexecutor.HTTPTransport(p.URL)
	}
	return toolexecutor.StdioTransport(p.Command, p.Args, p.Env)
}

// AgentConfigs converts configured agents into runner configs keyed by id.
func AgentConfigs(cfg *config.Config) map[string]agent.AgentConfig {
	out := make(map[string]agent.AgentConfig, len(cfg.Agents))
	for _, a := range cfg.Agents {
		ac := agent.DefaultConfig()
		ac.ID = a.ID
		if a.Model != "" {
			ac.Model = a.Model
		}
		if a.Temperature != 0 {
			ac.Temperature = a.Temperature
		}
		if a.MaxTokens > 0 {
			ac.MaxTokens = a.MaxTokens
		}
		ac.SystemPrompt = a.SystemPrompt

		caps := a.Capabilities
		if len(caps.Toolkits) > 0 || len(caps.Tools) > 0 || len(caps.External) > 0 {
			ac.Capabilities = &toolexecutor.AgentScope{
				Toolkits: caps.Toolkits,
				Tools:    caps.Tools,
				External: caps.External,
			}
		}
		out[a.ID] = ac
	}
	return out
}

// AuthProfiles converts configured AI profiles for the agent runner.
func AuthProfiles(profiles []config.AIProfile) []agent.AuthProfile {
	out := make([]agent.AuthProfile, 0, len(profiles))
	for _, p := range profiles {
		out = append(out, agent.AuthProfile{
			ID:       p.ID,
			Provider: p.Provider,
			APIKey:   p.APIKey,
			BaseURL:  p.BaseURL,
			Priority: p.Priority,
		})
	}
	return out
}
