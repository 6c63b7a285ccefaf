package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 10000, cfg.Pipeline.MaxInputBytes)
	assert.Equal(t, 10, cfg.Session.MaxTurns)
	assert.Equal(t, 1, cfg.Session.QueueDepth)
	assert.Equal(t, 0.4, cfg.Classifier.Threshold)
	assert.Equal(t, 0.05, cfg.Classifier.Epsilon)
	assert.Equal(t, 10*time.Second, cfg.Plugins.MaxWallTime)
	assert.Equal(t, "standard", cfg.Router.Privacy)
	assert.Less(t, cfg.Router.RemoteTimeout, cfg.Pipeline.Budget)

	builtin, ok := cfg.LLM.Providers["builtin"]
	require.True(t, ok)
	assert.Equal(t, "builtin", builtin.Type)

	require.NoError(t, cfg.Validate())
}

func TestLoadFromPathCreatesDefault(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), ".agentcore", "config.yaml")

	cfg, err := LoadFromPath(configPath)
	require.NoError(t, err)

	_, err = os.Stat(configPath)
	require.NoError(t, err, "config file should be created")
	assert.Equal(t, 15*time.Second, cfg.Pipeline.Budget)

	again, err := LoadFromPath(configPath)
	require.NoError(t, err)
	assert.Equal(t, cfg.Router, again.Router)
	assert.Equal(t, cfg.Session, again.Session)
}

func TestSaveToPathRoundTrip(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")

	cfg := Default()
	cfg.Router.Privacy = "strict"
	cfg.Session.RejectWhenBusy = true
	cfg.Session.IdleTimeout = 90 * time.Second

	require.NoError(t, cfg.SaveToPath(configPath))

	loaded, err := LoadFromPath(configPath)
	require.NoError(t, err)
	assert.Equal(t, "strict", loaded.Router.Privacy)
	assert.True(t, loaded.Session.RejectWhenBusy)
	assert.Equal(t, 90*time.Second, loaded.Session.IdleTimeout)
}

func TestEnvOverride(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, Default().SaveToPath(configPath))

	t.Setenv("AGENTCORE_ROUTER_PRIVACY", "strict")
	t.Setenv("AGENTCORE_LOGGING_LEVEL", "debug")

	cfg, err := LoadFromPath(configPath)
	require.NoError(t, err)
	assert.Equal(t, "strict", cfg.Router.Privacy)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestProviderKeyFromEnvironment(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, Default().SaveToPath(configPath))

	t.Setenv("OPENAI_API_KEY", "sk-test")

	cfg, err := LoadFromPath(configPath)
	require.NoError(t, err)
	assert.Equal(t, "sk-test", cfg.LLM.Providers["openai"].APIKey)
}

func TestEnsureDirectories(t *testing.T) {
	tempDir := t.TempDir()
	cfg := Default()
	cfg.Store.Path = filepath.Join(tempDir, "data", "agentcore.db")
	cfg.Logging.File = filepath.Join(tempDir, "logs", "agentcore.log")
	cfg.Plugins.Dir = filepath.Join(tempDir, "plugins")

	require.NoError(t, cfg.EnsureDirectories())

	for _, dir := range []string{"data", "logs", "plugins"} {
		_, err := os.Stat(filepath.Join(tempDir, dir))
		assert.NoError(t, err, dir)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"remote timeout equals budget", func(c *Config) { c.Router.RemoteTimeout = c.Pipeline.Budget }},
		{"remote timeout exceeds budget", func(c *Config) { c.Router.RemoteTimeout = c.Pipeline.Budget + time.Second }},
		{"negative queue depth", func(c *Config) { c.Session.QueueDepth = -1 }},
		{"threshold above one", func(c *Config) { c.Classifier.Threshold = 1.5 }},
		{"negative epsilon", func(c *Config) { c.Classifier.Epsilon = -0.1 }},
		{"unknown privacy", func(c *Config) { c.Router.Privacy = "paranoid" }},
		{"missing local provider", func(c *Config) { c.Router.Local = "nope" }},
		{"remote local provider", func(c *Config) { c.Router.Local = "openai" }},
		{"unknown preference", func(c *Config) { c.Router.Preference = []string{"ghost"} }},
		{"unknown grant", func(c *Config) { c.Plugins.DefaultGrants = []string{"teleport"} }},
		{"unknown driver", func(c *Config) { c.Store.Driver = "postgres" }},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }},
		{"zero turns", func(c *Config) { c.Session.MaxTurns = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
