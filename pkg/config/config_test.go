package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "asteroniris.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestInitializeDefaults(t *testing.T) {
	cfg, err := Initialize(writeConfig(t, ""))
	require.NoError(t, err)

	assert.Equal(t, "anthropic", cfg.Provider)
	assert.Equal(t, "kv+fts+vector", cfg.Memory.Backend)
	assert.InDelta(t, 0.7, cfg.Memory.VectorWeight, 1e-9)
	assert.InDelta(t, 0.3, cfg.Memory.KeywordWeight, 1e-9)
	assert.Equal(t, "127.0.0.1", cfg.Gateway.Host)
	assert.Equal(t, "enforce", cfg.Gateway.DefenseMode)
	assert.Equal(t, int64(64*1024), cfg.Gateway.BodyLimitBytes)
	assert.Equal(t, "supervised", cfg.Autonomy.Level)
	assert.Equal(t, 5, cfg.Scheduler.MaxPendingSelfTasks)
	assert.Contains(t, cfg.Autonomy.AllowedCommands, "git")
}

func TestInitializeParsesTOML(t *testing.T) {
	cfg, err := Initialize(writeConfig(t, `
provider = "openai"
model = "gpt-4o"
temperature = 0.4

[memory]
backend = "append-only-text"

[gateway]
port = 9000
defense_mode = "warn"
request_timeout = "45s"

[autonomy]
level = "full"
max_actions_per_hour = 10

[channels.slack]
enabled = true
token_env = "SLACK_BOT_TOKEN"
autonomy = "supervised"
`))
	require.NoError(t, err)
	assert.Equal(t, "openai", cfg.Provider)
	assert.Equal(t, "append-only-text", cfg.Memory.Backend)
	assert.Equal(t, 9000, cfg.Gateway.Port)
	assert.Equal(t, "45s", cfg.Gateway.RequestTimeout.Duration().String())
	assert.Equal(t, "full", cfg.Autonomy.Level)
	assert.Equal(t, 10, cfg.Autonomy.MaxActionsPerHour)
	require.Contains(t, cfg.Channels, "slack")
	assert.True(t, cfg.Channels["slack"].Enabled)
}

func TestInitializeEnvOverrides(t *testing.T) {
	t.Setenv("PROVIDER", "openai")
	t.Setenv("MODEL", "gpt-4o-mini")
	t.Setenv("GATEWAY_PORT", "7777")
	t.Setenv("TEMPERATURE", "0.2")

	cfg, err := Initialize(writeConfig(t, `provider = "anthropic"`))
	require.NoError(t, err)
	assert.Equal(t, "openai", cfg.Provider)
	assert.Equal(t, "gpt-4o-mini", cfg.Model)
	assert.Equal(t, 7777, cfg.Gateway.Port)
	assert.InDelta(t, 0.2, cfg.Temperature, 1e-9)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []string{
		`[memory]` + "\n" + `backend = "postgres"`,
		`[gateway]` + "\n" + `defense_mode = "yolo"`,
		`[autonomy]` + "\n" + `level = "unbounded"`,
		`[observability]` + "\n" + `backend = "statsd"`,
		`[memory]` + "\n" + `backend = "columnar-vector"`, // missing redis_addr
		`[channels.slack]` + "\n" + `enabled = true`,      // missing token_env
	}
	for _, content := range cases {
		_, err := Initialize(writeConfig(t, content))
		assert.Error(t, err, "expected rejection for %q", content)
	}
}

func TestMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Initialize(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Equal(t, "anthropic", cfg.Provider)
}
