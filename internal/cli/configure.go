package cli

import (
	"fmt"
	"os"

	"github.com/harun/conduit/internal/config"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/spf13/cobra"
)

var (
	configureForce        bool
	configureAnthropicKey string
	configureOpenAIKey    string
	configureMode         string
)

var configureCmd = &cobra.Command{
	Use:   "configure",
	Short: "Write a starter configuration file",
	Long: `Write a starter configuration file for Conduit.
The file holds the default agent, AI profiles for the given API keys and a
freshly generated gateway shared secret. Existing files are kept unless
--force is set.`,
	RunE: runConfigure,
}

func init() {
	configureCmd.Flags().BoolVar(&configureForce, "force", false, "overwrite an existing configuration file")
	configureCmd.Flags().StringVar(&configureAnthropicKey, "anthropic-key", "", "Anthropic API key")
	configureCmd.Flags().StringVar(&configureOpenAIKey, "openai-key", "", "OpenAI API key, also used for realtime sessions")
	configureCmd.Flags().StringVar(&configureMode, "execution-mode", "auto", "tool execution mode (auto, manual)")
	rootCmd.AddCommand(configureCmd)
}

func runConfigure(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader(cfgFile)
	configPath := loader.GetConfigPath()

	if _, err := os.Stat(configPath); err == nil && !configureForce {
		return fmt.Errorf("configuration already exists at %s (use --force to overwrite)", configPath)
	}

	cfg, err := starterConfig(configureAnthropicKey, configureOpenAIKey, configureMode)
	if err != nil {
		return err
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := loader.Save(cfg); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "\nConfiguration saved to: %s\n", configPath)
	fmt.Fprintln(cmd.OutOrStdout(), "\nYou can now start Conduit with: conduit serve")
	return nil
}

func starterConfig(anthropicKey, openAIKey, mode string) (*config.Config, error) {
	cfg := config.DefaultConfig()
	cfg.Tools.ExecutionMode = mode

	secret, err := gonanoid.New(32)
	if err != nil {
		return nil, fmt.Errorf("failed to generate shared secret: %w", err)
	}
	cfg.Gateway.SharedSecret = secret

	priority := 1
	if anthropicKey != "" {
		cfg.AI.Profiles = append(cfg.AI.Profiles, config.AIProfile{ID: "anthropic", Provider: "anthropic", APIKey: anthropicKey, Priority: priority})
		priority++
	}
	if openAIKey != "" {
		cfg.AI.Profiles = append(cfg.AI.Profiles, config.AIProfile{ID: "openai", Provider: "openai", APIKey: openAIKey, Priority: priority})
		cfg.Realtime.APIKey = openAIKey
	}
	return cfg, nil
}
