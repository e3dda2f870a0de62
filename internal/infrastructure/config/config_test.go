package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "device:\n  id: edge-1\n"))
	require.NoError(t, err)

	assert.Equal(t, "edge-1", cfg.Device.ID)
	assert.NotEmpty(t, cfg.Device.AgentVersion)
	assert.Equal(t, "./flows.json", cfg.Flow.Path)
	assert.Equal(t, 256, cfg.Flow.Capacity)
	assert.Equal(t, "/devices", cfg.Transport.Path)
	assert.Equal(t, 3*time.Second, cfg.Transport.ReconnectBase())
	assert.Equal(t, 55*time.Second, cfg.Transport.SlowRetryBase())
	assert.Equal(t, 30*time.Second, cfg.Transport.HeartbeatInterval())
	assert.Equal(t, 3, cfg.Transport.MaxRedirects)
	assert.Equal(t, 10, cfg.Transport.MaxAuthRetries)
	assert.Equal(t, 219, cfg.Restart.ExitCode)
	assert.Equal(t, time.Second, cfg.Restart.Delay())
	assert.False(t, cfg.Redis.Enabled)
	assert.Equal(t, "127.0.0.1:8120", cfg.Status.GetAddr())
	assert.Same(t, cfg, Get())
}

func TestLoad_Accounts(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
accounts:
  - fqn: acme@hub.example.com
    user: edge
    password: secret
    secure: true
  - fqn: beta@hub.example.com
    managed: true
`))
	require.NoError(t, err)

	require.Len(t, cfg.Accounts, 2)
	assert.Equal(t, "acme@hub.example.com", cfg.Accounts[0].FQN)
	assert.True(t, cfg.Accounts[0].Secure)
	assert.True(t, cfg.Accounts[1].Managed)
	assert.NotEmpty(t, cfg.Device.ID, "device id is generated when absent")
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("FLOWLINK_FLOW_PATH", "/var/lib/flowlink/flows.json")
	t.Setenv("FLOWLINK_RESTART_EXIT_CODE", "42")

	cfg, err := Load(writeConfig(t, "flow:\n  path: ./local.json\n"))
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/flowlink/flows.json", cfg.Flow.Path)
	assert.Equal(t, 42, cfg.Restart.ExitCode)
}

func TestLoad_InvalidAccount(t *testing.T) {
	_, err := Load(writeConfig(t, "accounts:\n  - fqn: no-host\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config")
}

func TestLoad_InvalidRestartCode(t *testing.T) {
	_, err := Load(writeConfig(t, "restart:\n  exit_code: 0\n"))
	require.Error(t, err)
}

func TestLoad_MissingExplicitPath(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}
