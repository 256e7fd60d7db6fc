package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	t.Run("file with defaults", func(t *testing.T) {
		path := writeConfig(t, `
agent:
  base_url: http://agent.internal:9090/
webhook:
  secret: hook-secret
token:
  secret: sign-secret
`)
		cfg, err := Load(path)
		require.NoError(t, err)

		assert.Equal(t, ":8080", cfg.Server.Addr)
		assert.Equal(t, "relay.db", cfg.DB.Path)
		assert.Equal(t, "http://agent.internal:9090", cfg.Agent.BaseURL)
		assert.Equal(t, 30*time.Second, cfg.Agent.DispatchTimeout)
		assert.Equal(t, time.Minute, cfg.Scheduler.TickInterval)
		assert.Equal(t, "info", cfg.Log.Level)
	})

	t.Run("overrides", func(t *testing.T) {
		path := writeConfig(t, `
server:
  addr: ":9999"
agent:
  base_url: http://agent.internal:9090
  dispatch_timeout: 5s
webhook:
  secret: hook-secret
token:
  secret: sign-secret
scheduler:
  tick_interval: 15s
log:
  level: debug
  format: json
`)
		cfg, err := Load(path)
		require.NoError(t, err)

		assert.Equal(t, ":9999", cfg.Server.Addr)
		assert.Equal(t, 5*time.Second, cfg.Agent.DispatchTimeout)
		assert.Equal(t, 15*time.Second, cfg.Scheduler.TickInterval)
		assert.Equal(t, "json", cfg.Log.Format)
	})

	t.Run("env override", func(t *testing.T) {
		path := writeConfig(t, `
agent:
  base_url: http://agent.internal:9090
webhook:
  secret: hook-secret
token:
  secret: sign-secret
`)
		t.Setenv("RELAY_AGENT_BASE_URL", "http://other-host:7000")

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, "http://other-host:7000", cfg.Agent.BaseURL)
	})

	t.Run("missing required keys", func(t *testing.T) {
		path := writeConfig(t, `
webhook:
  secret: hook-secret
`)
		_, err := Load(path)
		assert.Error(t, err)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, err)
	})
}
