package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "gpt-4o-mini", cfg.Oracle.Model)
	assert.InDelta(t, 0.3, cfg.Oracle.Temperature, 1e-9)
	assert.Equal(t, 500, cfg.Oracle.MaxTokens)
	assert.Equal(t, 2, cfg.Workflow.MaxRetries)
	assert.InDelta(t, 0.7, cfg.Workflow.AcceptanceThreshold, 1e-9)
	assert.Equal(t, 300*time.Second, cfg.Workflow.WallClockTimeout)
	assert.Equal(t, 30*time.Second, cfg.Retrieval.BackendTimeout)
	assert.Equal(t, 5, cfg.Retrieval.WebTopK)
	assert.Equal(t, 12, cfg.Compiler.MaxItems)
	assert.Equal(t, 8000, cfg.Compiler.MaxChars)
	require.NoError(t, cfg.Validate())
}

func TestLoader_YAMLOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
oracle:
  model: gpt-4o
  temperature: 0.1
workflow:
  max_retries: 4
retrieval:
  knowledge_store_url: http://localhost:9621
`), 0o644))

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", cfg.Oracle.Model)
	assert.InDelta(t, 0.1, cfg.Oracle.Temperature, 1e-9)
	assert.Equal(t, 4, cfg.Workflow.MaxRetries)
	assert.Equal(t, "http://localhost:9621", cfg.Retrieval.KnowledgeStoreURL)
	// Untouched fields keep their defaults.
	assert.Equal(t, 500, cfg.Oracle.MaxTokens)
}

func TestLoader_EnvOverridesDefaults(t *testing.T) {
	t.Setenv("RAGFLOW_ORACLE_MODEL", "env-model")
	t.Setenv("RAGFLOW_WORKFLOW_MAX_RETRIES", "5")
	t.Setenv("RAGFLOW_WORKFLOW_ACCEPTANCE_THRESHOLD", "0.85")
	t.Setenv("RAGFLOW_WORKFLOW_WALL_CLOCK_TIMEOUT_SECONDS", "120")
	t.Setenv("RAGFLOW_RETRIEVAL_BACKEND_TIMEOUT_SECONDS", "10s")
	t.Setenv("RAGFLOW_METRICS_ENABLED", "false")
	t.Setenv("RAGFLOW_LOG_OUTPUT_PATHS", "stdout, /var/log/ragflow.log")

	cfg, err := NewLoader().Load()
	require.NoError(t, err)
	assert.Equal(t, "env-model", cfg.Oracle.Model)
	assert.Equal(t, 5, cfg.Workflow.MaxRetries)
	assert.InDelta(t, 0.85, cfg.Workflow.AcceptanceThreshold, 1e-9)
	// Bare numbers are seconds; duration syntax also accepted.
	assert.Equal(t, 120*time.Second, cfg.Workflow.WallClockTimeout)
	assert.Equal(t, 10*time.Second, cfg.Retrieval.BackendTimeout)
	assert.False(t, cfg.Metrics.Enabled)
	assert.Equal(t, []string{"stdout", "/var/log/ragflow.log"}, cfg.Log.OutputPaths)
}

func TestLoader_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := NewLoader().WithConfigPath("/nonexistent/config.yaml").Load()
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", cfg.Oracle.Model)
}

func TestLoader_MalformedYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("oracle: ["), 0o644))

	_, err := NewLoader().WithConfigPath(path).Load()
	require.Error(t, err)
}

func TestLoader_ValidatorRuns(t *testing.T) {
	t.Setenv("RAGFLOW_ORACLE_TEMPERATURE", "1.7")

	_, err := NewLoader().WithValidator(func(c *Config) error {
		return c.Validate()
	}).Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "temperature")
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Workflow.AcceptanceThreshold = 1.5
	cfg.Compiler.MaxItems = 0
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "acceptance_threshold")
	assert.Contains(t, err.Error(), "max_items")
}
