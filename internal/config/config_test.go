package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"agentloop/internal/config"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoad_Success(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, `
log_level: debug
database:
  driver: postgres
  connection_string: "postgres://u:p@localhost/agentloop"
llm:
  provider: anthropic
  anthropic:
    api_key: "sk-test"
`)

	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, "debug", cfg.LogLevel)
	require.Equal(t, "postgres", cfg.Database.Driver)
	require.Equal(t, "anthropic", cfg.LLM.Provider)
	require.Equal(t, "sk-test", cfg.LLM.Anthropic.APIKey)
}

func TestLoad_AppliesDefaults(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, `database:
  driver: memory
`)

	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, "info", cfg.LogLevel)
	require.Equal(t, "agentloop.notifications", cfg.Kafka.Topic)
	require.Equal(t, "anthropic", cfg.LLM.Provider)
	require.Equal(t, 4, cfg.Conversations.MaxConcurrency)
	require.Equal(t, 3, cfg.Tasks.MaxRetries)
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()
	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestLoad_InvalidYAML(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "not: [valid\n")
	_, err := config.Load(path)
	require.Error(t, err)
}

func TestLoad_EnvOverride(t *testing.T) {
	path := writeConfig(t, `database:
  driver: memory
  connection_string: original
`)
	t.Setenv("AGENTLOOP_DATABASE_DSN", "postgres://override")
	t.Setenv("AGENTLOOP_WORKER_CONCURRENCY", "9")

	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, "postgres://override", cfg.Database.ConnectionString)
	require.Equal(t, 9, cfg.Conversations.MaxConcurrency)
	require.Equal(t, 9, cfg.Tasks.MaxConcurrency)
}
