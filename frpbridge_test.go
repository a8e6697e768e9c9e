package frpbridge

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/frpbridge/internal/command"
	"github.com/loykin/frpbridge/internal/event"
)

func testConfig(t *testing.T, workDir string) Config {
	t.Helper()
	c, err := LoadConfig("")
	require.NoError(t, err)
	c.WorkDir = workDir
	c.BinDir = filepath.Join(workDir, "bin")
	c.StorePath = filepath.Join(workDir, "bridge.db")
	c.Mode = "server"
	return c
}

func TestBridgeCommandFlow(t *testing.T) {
	b, err := New(testConfig(t, t.TempDir()), nil)
	require.NoError(t, err)
	defer func() { _ = b.Close(context.Background()) }()

	assert.Equal(t, RoleServer, b.Role())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, _ := b.Subscribe(ctx)

	payload, err := json.Marshal(ProxyEntry{
		Name: "ssh", Kind: "tcp", LocalIP: "127.0.0.1", LocalPort: 22, RemotePort: 6022,
	})
	require.NoError(t, err)
	res := b.Execute(ctx, "proxy.add", payload)
	require.Equal(t, command.StatusOK, res.Status, res.Error)

	res = b.Query(ctx, "proxy.list", nil)
	require.Equal(t, command.StatusOK, res.Status)
	entries, ok := res.Result.([]ProxyEntry)
	require.True(t, ok)
	require.Len(t, entries, 1)
	assert.Equal(t, "ssh", entries[0].Name)

	select {
	case ev := <-events:
		assert.Equal(t, event.TypeConfigUpdated, ev.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("no config:updated event after proxy.add")
	}
}

func TestBridgeReconfigurePersistsMode(t *testing.T) {
	workDir := t.TempDir()
	b, err := New(testConfig(t, workDir), nil)
	require.NoError(t, err)

	require.NoError(t, b.Reconfigure(context.Background(), "client"))
	assert.Equal(t, RoleClient, b.Role())

	require.NoError(t, b.Reconfigure(context.Background(), "client"), "same role is a no-op")
	require.NoError(t, b.Close(context.Background()))

	// A fresh bridge over the same workdir boots into the recorded role, not
	// the settings-file one.
	b2, err := New(testConfig(t, workDir), nil)
	require.NoError(t, err)
	defer func() { _ = b2.Close(context.Background()) }()
	assert.Equal(t, RoleClient, b2.Role())
}

func TestBridgeStatusQueryWithoutBinary(t *testing.T) {
	b, err := New(testConfig(t, t.TempDir()), nil)
	require.NoError(t, err)
	defer func() { _ = b.Close(context.Background()) }()

	res := b.Query(context.Background(), "queryProcess", nil)
	require.Equal(t, command.StatusOK, res.Status)
	out, err := json.Marshal(res.Result)
	require.NoError(t, err)
	assert.JSONEq(t, `{"running":false}`, string(out))
}
