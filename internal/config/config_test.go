package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "file", cfg.State.Backend)
	assert.NotEmpty(t, cfg.State.Dir)
	assert.Equal(t, ".", cfg.Workspace.Root)
	assert.True(t, cfg.Workspace.CommitEnabled)
	assert.Equal(t, 100, cfg.Discovery.MaxItems)
	assert.Equal(t, float64(1), cfg.Agent.RatePerSecond)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("CONDUCT_STATE_BACKEND", "sqlite")
	t.Setenv("CONDUCT_STATE_DIR", "/tmp/conduct-test")
	t.Setenv("CONDUCT_AGENT_TOKEN", "sk-secret")
	t.Setenv("CONDUCT_AGENT_RATE_PER_SECOND", "2.5")
	t.Setenv("CONDUCT_LOGGING_LEVEL", "debug")
	t.Setenv("CONDUCT_WORKSPACE_COMMIT_ENABLED", "false")
	t.Setenv("CONDUCT_OBSERVABILITY_ENABLE_TELEMETRY", "true")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.State.Backend)
	assert.Equal(t, "/tmp/conduct-test", cfg.State.Dir)
	assert.Equal(t, "sk-secret", cfg.Agent.Token.Value())
	assert.Equal(t, 2.5, cfg.Agent.RatePerSecond)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.False(t, cfg.Workspace.CommitEnabled, "environment overrides the default")
	assert.True(t, cfg.Observability.EnableTelemetry)

	// Derived defaults follow the overridden state dir.
	assert.Equal(t, filepath.Join("/tmp/conduct-test", "discovery"), cfg.Discovery.HistoryPath)
	assert.Equal(t, filepath.Join("/tmp/conduct-test", "logs"), cfg.Agent.LogDir)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad backend", func(c *Config) { c.State.Backend = "redis" }},
		{"empty state dir", func(c *Config) { c.State.Dir = "" }},
		{"empty workspace root", func(c *Config) { c.Workspace.Root = "" }},
		{"zero agent rate", func(c *Config) { c.Agent.RatePerSecond = 0 }},
		{"bad logging format", func(c *Config) { c.Logging.Format = "xml" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load()
			require.NoError(t, err)
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadWithFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := []byte(`
state:
  backend: sqlite
  dir: ` + dir + `
agent:
  token: file-token
  rate_per_second: 3
logging:
  level: warn
`)
	require.NoError(t, os.WriteFile(path, content, 0o600))

	cfg, err := LoadWithFile(path)
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.State.Backend)
	assert.Equal(t, "file-token", cfg.Agent.Token.Value())
	assert.Equal(t, float64(3), cfg.Agent.RatePerSecond)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestLoadWithFileEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: warn\n"), 0o600))

	t.Setenv("CONDUCT_LOGGING_LEVEL", "debug")

	cfg, err := LoadWithFile(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level, "environment wins over the file")
}

func TestLoadWithFileRejectsWeakPermissions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0o644))

	_, err := LoadWithFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insecure config file permissions")
}

func TestLoadWithFileMissingFile(t *testing.T) {
	cfg, err := LoadWithFile(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err, "a missing file falls back to env and defaults")
	assert.Equal(t, "file", cfg.State.Backend)
}

func TestSecretRedaction(t *testing.T) {
	s := Secret("sk-12345")

	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "sk-12345", s.Value())
	assert.True(t, s.IsSet())

	data, err := s.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"[REDACTED]"`, string(data))

	var empty Secret
	assert.Equal(t, "", empty.String())
	assert.False(t, empty.IsSet())
}

func TestDuration(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("90s")))
	assert.Equal(t, "1m30s", d.Duration().String())

	assert.Error(t, d.UnmarshalText([]byte("-5s")))
	assert.Error(t, d.UnmarshalText([]byte("soon")))
}
