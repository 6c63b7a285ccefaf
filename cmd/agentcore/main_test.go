package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/agentcore/internal/config"
	"github.com/normanking/agentcore/internal/plugin"
	"github.com/normanking/agentcore/pkg/types"
)

// offlineConfig writes a config that never leaves the machine.
func offlineConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()

	cfg := config.Default()
	cfg.Store.Path = filepath.Join(dir, "agentcore.db")
	cfg.Plugins.Dir = filepath.Join(dir, "plugins")
	cfg.Plugins.FilesRoot = filepath.Join(dir, "files")
	cfg.Plugins.SearchEndpoint = ""
	cfg.Logging.File = filepath.Join(dir, "logs", "agentcore.log")
	cfg.LLM.Providers = map[string]config.ProviderConfig{"builtin": {Type: "builtin", Tier: 1}}
	cfg.Router.Preference = nil

	cfgPath = filepath.Join(dir, "config.yaml")
	t.Cleanup(func() { cfgPath = "" })
	require.NoError(t, cfg.SaveToPath(cfgPath))
	require.NoError(t, initLogging(&cobra.Command{Use: "test"}, nil))
	return cfg
}

func TestInitializeAppAnswers(t *testing.T) {
	offlineConfig(t)

	a, err := initializeApp(context.Background())
	require.NoError(t, err)
	defer a.Close()

	assert.Equal(t, []string{"calculator", "clock", "conversation", "files", "system"}, a.registry.Domains())

	resp, err := a.pipeline.Process(context.Background(), types.Request{SessionID: "s1", Text: "calculate 25 * 47"})
	require.NoError(t, err)
	assert.Contains(t, resp.Text, "1175")
	assert.Equal(t, "calculator", resp.Plugin)

	// The turn reaches SQLite once the lease is released.
	_, found, err := a.store.LoadSession(context.Background(), "s1")
	require.NoError(t, err)
	assert.True(t, found)

	require.NoError(t, a.unloadPlugins(context.Background()))
	assert.Empty(t, a.registry.List())
}

func TestInitializeAppRejectsInvalidConfig(t *testing.T) {
	cfg := offlineConfig(t)
	cfg.Router.RemoteTimeout = 2 * cfg.Pipeline.Budget
	require.NoError(t, cfg.SaveToPath(cfgPath))

	_, err := initializeApp(context.Background())
	assert.ErrorContains(t, err, "router.remote_timeout")
}

func TestPluginRow(t *testing.T) {
	info := plugin.Info{
		Descriptor: plugin.Descriptor{Name: "weather", Version: "0.3.0", Domains: []string{"weather"}, Permissions: []plugin.Permission{plugin.PermNetwork, plugin.PermProcess}, Priority: 5},
		Status:     plugin.StatusLoaded,
	}
	assert.Equal(t, []string{"weather", "0.3.0", "weather", "network,process", "5", "manifest", "loaded"},
		pluginRow(info, map[string]bool{"weather": true}))

	info.Descriptor.Permissions = nil
	assert.Equal(t, "none", pluginRow(info, nil)[3])
	assert.Equal(t, "builtin", pluginRow(info, nil)[5])
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
}
