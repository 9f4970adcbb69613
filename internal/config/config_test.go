package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
node:
  id: node-a
coordinator:
  base_url: http://coordinator:9090
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 7800, cfg.Router.TCPPort)
	require.Equal(t, 8080, cfg.HTTP.Port)
	require.Equal(t, 9090, cfg.Metrics.Port)
	require.Equal(t, 10*time.Second, cfg.Coordinator.Timeout)
	require.Equal(t, "/tmp/compute-node-agent", cfg.TempDir)
}

func TestLoadHonorsExplicitValues(t *testing.T) {
	path := writeConfig(t, `
node:
  id: node-a
coordinator:
  base_url: http://coordinator:9090
  timeout: 30s
router:
  tcp_port: 9100
  socket_path: /var/run/agent.sock
session:
  client_connection_timeout: 2m
temp_dir: /var/tmp/agent
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 9100, cfg.Router.TCPPort)
	require.Equal(t, "/var/run/agent.sock", cfg.Router.SocketPath)
	require.Equal(t, 30*time.Second, cfg.Coordinator.Timeout)
	require.Equal(t, 2*time.Minute, cfg.Session.ClientConnectionTimeout)
	require.Equal(t, "/var/tmp/agent", cfg.TempDir)
}

func TestLoadMissingNodeIDFails(t *testing.T) {
	path := writeConfig(t, `
coordinator:
  base_url: http://coordinator:9090
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
