package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const sample = `
server:
  addr: ":9090"
logging:
  level: warn
session:
  backend: redis
  resume_window: 30m
llm:
  base_url: https://llm.internal/v1
  requests_per_minute: 120
models:
  default: openai/gpt-4o-mini
  routes:
    planning: anthropic/claude-3.5-haiku
    synthesis: openai/gpt-4o
  fallbacks: [openai/gpt-4o-mini, meta-llama/llama-3.1-70b-instruct]
evaluation:
  batch_size: 3
reports:
  driver: sqlite3
  dsn: file:reports.db
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "deepdive.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadFile(t *testing.T) {
	m, err := Load(writeConfig(t, sample))
	require.NoError(t, err)
	cfg := m.Config()

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "redis", cfg.Session.Backend)
	assert.Equal(t, 30*time.Minute, cfg.Session.ResumeWindow)
	assert.Equal(t, 5*time.Second, cfg.Session.AutosaveInterval, "unset keys keep defaults")
	assert.Equal(t, 120, cfg.LLM.RequestsPerMinute)
	assert.Equal(t, "anthropic/claude-3.5-haiku", cfg.Models.Routes["planning"])
	assert.Equal(t, []string{"openai/gpt-4o-mini", "meta-llama/llama-3.1-70b-instruct"}, cfg.Models.Fallbacks)
	assert.Equal(t, 3, cfg.Evaluation.BatchSize)
	assert.Equal(t, 10, cfg.Evaluation.NormalCap)
	assert.Equal(t, "sqlite3", cfg.Reports.Driver)
	assert.Equal(t, 10*time.Minute, cfg.Pipeline.ClientTimeout)
	assert.True(t, cfg.Session.Persist)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("DEEPDIVE_LLM_API_KEY", "sk-test")
	t.Setenv("DEEPDIVE_SERVER_ADDR", ":7070")
	t.Setenv("DEEPDIVE_SESSION_PERSIST", "false")
	t.Setenv("DEEPDIVE_PIPELINE_HEARTBEAT_INTERVAL", "2s")

	m, err := Load(writeConfig(t, sample))
	require.NoError(t, err)
	cfg := m.Config()
	assert.Equal(t, "sk-test", cfg.LLM.APIKey)
	assert.Equal(t, ":7070", cfg.Server.Addr)
	assert.False(t, cfg.Session.Persist)
	assert.Equal(t, 2*time.Second, cfg.Pipeline.HeartbeatInterval)
}

func TestDefaultsWithoutFile(t *testing.T) {
	t.Setenv(PathEnv, "")
	t.Chdir(t.TempDir())

	m, err := Load("")
	require.NoError(t, err)
	cfg := m.Config()
	assert.Equal(t, DefaultPath, m.Path())
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "file", cfg.Reports.Driver)
	assert.Equal(t, "memory", cfg.Session.Backend)
	assert.Equal(t, 2*time.Hour, cfg.Session.ResumeWindow)
}

func TestExplicitMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unknown session backend", "session:\n  backend: etcd\n"},
		{"batch size out of range", "evaluation:\n  batch_size: 40\n"},
		{"sql reports without dsn", "reports:\n  driver: postgres\n"},
		{"bad log level", "logging:\n  level: chatty\n"},
		{"bad llm url", "llm:\n  base_url: not a url\n"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.body))
			assert.Error(t, err)
		})
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("DEEPDIVE_SEARCH_BRAVE_API_KEY=brave-key\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("DEEPDIVE_SEARCH_BRAVE_API_KEY") })

	require.NoError(t, LoadDotEnv(path, filepath.Join(dir, "missing.env")))
	m, err := Load(writeConfig(t, sample))
	require.NoError(t, err)
	assert.Equal(t, "brave-key", m.Config().Search.BraveAPIKey)
}

func TestWatchReloads(t *testing.T) {
	path := writeConfig(t, sample)
	m, err := Load(path)
	require.NoError(t, err)

	changed := make(chan *Config, 4)
	m.Watch(zaptest.NewLogger(t), func(cfg *Config) { changed <- cfg })

	require.NoError(t, os.WriteFile(path, []byte(sample+"pricing:\n  file: /etc/deepdive/models.yaml\n"), 0o644))
	select {
	case cfg := <-changed:
		assert.Equal(t, "/etc/deepdive/models.yaml", cfg.Pricing.File)
		assert.Equal(t, cfg, m.Config())
	case <-time.After(5 * time.Second):
		t.Fatal("config change was not observed")
	}
}

func TestShippedConfigIsValid(t *testing.T) {
	m, err := Load(filepath.Join("..", "..", "config", "deepdive.yaml"))
	require.NoError(t, err)
	cfg := m.Config()
	assert.Equal(t, "redis", cfg.Session.Backend)
	assert.Equal(t, "anthropic/claude-3.5-sonnet", cfg.Models.Routes["synthesis"])
	assert.Len(t, cfg.Models.Fallbacks, 3)
}
