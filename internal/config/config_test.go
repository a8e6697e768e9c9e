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
	path := filepath.Join(t.TempDir(), "bridge.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	fc, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7400", fc.Listen)
	assert.NotEmpty(t, fc.WorkDir)
	assert.Equal(t, filepath.Join(fc.WorkDir, "bin"), fc.BinDir)
	assert.Equal(t, filepath.Join(fc.WorkDir, "bridge.db"), fc.StorePath)
	assert.Equal(t, "info", fc.LogLevel)
	assert.Empty(t, fc.NodeID, "node id only defaults when a hub is set")
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
listen = "0.0.0.0:9400"
workdir = "/var/lib/frpbridge"
mode = "client"
log_level = "debug"
rpc_timeout = "15s"
hub_url = "ws://hub.internal:7400/nodes/ws"
node_name = "edge rack 3"
`)
	fc, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9400", fc.Listen)
	assert.Equal(t, "/var/lib/frpbridge", fc.WorkDir)
	assert.Equal(t, filepath.Join("/var/lib/frpbridge", "bin"), fc.BinDir)
	assert.Equal(t, "client", fc.Mode)
	assert.Equal(t, "debug", fc.LogLevel)
	assert.Equal(t, 15*time.Second, fc.RPCTimeout)
	assert.Equal(t, "edge rack 3", fc.NodeName)
	assert.NotEmpty(t, fc.NodeID, "hostname fallback applies when hub_url is set")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.Error(t, err)
}

func TestInvalidMode(t *testing.T) {
	path := writeConfig(t, `mode = "proxy"`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid mode")
}

func TestNegativeInterval(t *testing.T) {
	path := writeConfig(t, `heartbeat = "-5s"`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "negative")
}
