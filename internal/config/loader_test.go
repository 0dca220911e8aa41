package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoaderLoad(t *testing.T) {
	t.Run("defaults when file is missing", func(t *testing.T) {
		dir := t.TempDir()
		cfg, err := NewLoader(filepath.Join(dir, "missing.json")).Load()

		require.NoError(t, err)
		assert.Equal(t, "auto", cfg.Tools.ExecutionMode)
		assert.NotEmpty(t, cfg.DataDir)
	})

	t.Run("file values override defaults", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "conduit.json")
		content := `{
			"data_dir": "` + dir + `",
			"tools": {"execution_mode": "manual", "timeout_seconds": 5},
			"providers": [
				{"id": "github", "transport": "http", "url": "https://mcp.example.com",
				 "customization_prompt": "Prefer draft PRs.",
				 "tool_customizations": {"create_issue": "Label with triage."}}
			],
			"agents": [
				{"id": "charts", "model": "gpt-4o",
				 "capabilities": {"tools": ["chart_tool"], "external": {"github": ["*"]}}}
			]
		}`
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))

		cfg, err := NewLoader(path).Load()
		require.NoError(t, err)

		assert.Equal(t, "manual", cfg.Tools.ExecutionMode)
		assert.Equal(t, 5, cfg.Tools.TimeoutSeconds)
		require.Len(t, cfg.Providers, 1)
		assert.Equal(t, "Prefer draft PRs.", cfg.Providers[0].CustomizationPrompt)
		assert.Equal(t, "Label with triage.", cfg.Providers[0].ToolCustomizations["create_issue"])
		require.Len(t, cfg.Agents, 1)
		assert.Equal(t, []string{"chart_tool"}, cfg.Agents[0].Capabilities.Tools)
		assert.Equal(t, []string{"*"}, cfg.Agents[0].Capabilities.External["github"])
		assert.Equal(t, filepath.Join(dir, "conduit.log"), cfg.Logging.File)
		assert.Equal(t, filepath.Join(dir, "automations"), cfg.Automations.Dir)
		assert.Equal(t, filepath.Join(dir, "ledger.db"), cfg.Tools.LedgerPath)
	})

	t.Run("malformed file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "conduit.json")
		require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

		_, err := NewLoader(path).Load()
		assert.Error(t, err)
	})
}

func TestLoaderSave(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "conduit.json")
	loader := NewLoader(path)

	cfg := DefaultConfig()
	cfg.DataDir = dir
	cfg.Gateway.Port = 9191
	require.NoError(t, loader.Save(cfg))

	loaded, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, 9191, loaded.Gateway.Port)
	assert.Equal(t, path, loader.GetConfigPath())
}
