package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`store:
  driver: sqlite
`))
	require.NoError(t, err)
	assert.Equal(t, "agentloom.db", cfg.Store.Path)
	assert.Equal(t, "sqlite", cfg.Store.DriverName)
	assert.Equal(t, "python:3.12-slim", cfg.Sandbox.Image)
	assert.Equal(t, "none", cfg.Sandbox.Network)
	assert.Equal(t, "anthropic", cfg.Model.Provider)
	assert.Equal(t, 4096, cfg.Model.MaxTokens)
	assert.Equal(t, []string{"finished"}, cfg.Planner.ChildTerminalEventTypes)
}

func TestParsePostgresDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`store:
  driver: postgres
  dsn: "postgres://localhost/agentloom"
`))
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.Store.MaxOpenConns)
	assert.Equal(t, 5, cfg.Store.MaxIdleConns)
	assert.Empty(t, cfg.Store.Path)
}

func TestParsePreservesExplicitValues(t *testing.T) {
	cfg, err := Parse([]byte(`
model:
  provider: openai
  default_model: gpt-4o
  max_tokens: 8192
planner:
  model: claude-opus
  max_depth: 3
`))
	require.NoError(t, err)
	assert.Equal(t, "openai", cfg.Model.Provider)
	assert.Equal(t, 8192, cfg.Model.MaxTokens)
	assert.Equal(t, "claude-opus", cfg.Planner.Model)
	assert.Equal(t, 3, cfg.Planner.MaxDepth)
}

func TestParseEnvOverridesTakePrecedence(t *testing.T) {
	t.Setenv("LLM_PROVIDER", "bedrock")
	t.Setenv("PLANNER_MODEL", "claude-haiku")
	t.Setenv("DATABRICKS_HOST", "https://example.databricks.com")

	cfg, err := Parse([]byte(`model:
  provider: anthropic
`))
	require.NoError(t, err)
	assert.Equal(t, "bedrock", cfg.Model.Provider)
	assert.Equal(t, "claude-haiku", cfg.Planner.Model)
	assert.Equal(t, "https://example.databricks.com", cfg.Model.BaseURL)
}

func TestLoadReadsFile(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "agentd-*.yaml")
	require.NoError(t, err)
	_, err = f.WriteString("store:\n  driver: sqlite\n  path: test.db\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	cfg, err := Load(f.Name())
	require.NoError(t, err)
	assert.Equal(t, "test.db", cfg.Store.Path)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/agentd.yaml")
	assert.Error(t, err)
}
