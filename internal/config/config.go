package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/normanking/agentcore/internal/plugin"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for agentcore.
// It is loaded from ~/.agentcore/config.yaml and can be overridden by environment variables.
type Config struct {
	Pipeline   PipelineConfig   `mapstructure:"pipeline" yaml:"pipeline"`
	Session    SessionConfig    `mapstructure:"session" yaml:"session"`
	Classifier ClassifierConfig `mapstructure:"classifier" yaml:"classifier"`
	Router     RouterConfig     `mapstructure:"router" yaml:"router"`
	LLM        LLMConfig        `mapstructure:"llm" yaml:"llm"`
	Plugins    PluginsConfig    `mapstructure:"plugins" yaml:"plugins"`
	Store      StoreConfig      `mapstructure:"store" yaml:"store"`
	Server     ServerConfig     `mapstructure:"server" yaml:"server"`
	Logging    LoggingConfig    `mapstructure:"logging" yaml:"logging"`
}

// PipelineConfig bounds a single request.
type PipelineConfig struct {
	// Budget is the end-to-end deadline for one request.
	Budget time.Duration `mapstructure:"budget" yaml:"budget"`
	// MaxInputBytes rejects longer request text with a validation error.
	MaxInputBytes int `mapstructure:"max_input_bytes" yaml:"max_input_bytes"`
	// ApologyTimeout bounds apology generation after a failed dispatch.
	ApologyTimeout time.Duration `mapstructure:"apology_timeout" yaml:"apology_timeout"`
	// ResponsesFile holds response rules and template overrides (YAML or JSON).
	// Empty disables customization.
	ResponsesFile string `mapstructure:"responses_file" yaml:"responses_file,omitempty"`
}

// SessionConfig controls the context store.
type SessionConfig struct {
	MaxTurns      int           `mapstructure:"max_turns" yaml:"max_turns"`
	IdleTimeout   time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	SweepInterval time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`
	// QueueDepth is how many requests may wait behind the lease holder.
	QueueDepth int `mapstructure:"queue_depth" yaml:"queue_depth"`
	// RejectWhenBusy disables waiting entirely.
	RejectWhenBusy bool `mapstructure:"reject_when_busy" yaml:"reject_when_busy"`
}

// ClassifierConfig controls intent classification.
type ClassifierConfig struct {
	Threshold float64 `mapstructure:"threshold" yaml:"threshold"`
	Epsilon   float64 `mapstructure:"epsilon" yaml:"epsilon"`
	// SemanticThreshold: below this top confidence the model-backed pass is consulted.
	// Zero disables the semantic pass.
	SemanticThreshold float64       `mapstructure:"semantic_threshold" yaml:"semantic_threshold"`
	SemanticTimeout   time.Duration `mapstructure:"semantic_timeout" yaml:"semantic_timeout"`
}

// RouterConfig controls model selection.
type RouterConfig struct {
	RemoteTimeout time.Duration `mapstructure:"remote_timeout" yaml:"remote_timeout"`
	HealthTTL     time.Duration `mapstructure:"health_ttl" yaml:"health_ttl"`
	// Privacy is "standard" or "strict". Strict never contacts a remote provider.
	Privacy     string  `mapstructure:"privacy" yaml:"privacy"`
	CostCeiling float64 `mapstructure:"cost_ceiling" yaml:"cost_ceiling"`
	MinTier     int     `mapstructure:"min_tier" yaml:"min_tier"`
	// Preference lists remote provider names in preferred order.
	Preference []string `mapstructure:"preference" yaml:"preference"`
	// Local names the local provider used for fallback.
	Local string `mapstructure:"local" yaml:"local"`
}

// LLMConfig contains configuration for model providers.
type LLMConfig struct {
	Providers map[string]ProviderConfig `mapstructure:"providers" yaml:"providers"`
}

// ProviderConfig contains configuration for a specific provider.
type ProviderConfig struct {
	// Type is one of "openai", "ollama", "builtin".
	Type     string `mapstructure:"type" yaml:"type"`
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint,omitempty"`
	APIKey   string `mapstructure:"api_key" yaml:"api_key,omitempty"`
	Model    string `mapstructure:"model" yaml:"model,omitempty"`
	// Tier is the capability tier; higher is more capable.
	Tier int `mapstructure:"tier" yaml:"tier"`
	// Cost is the price per 1K tokens, used against router.cost_ceiling.
	Cost float64 `mapstructure:"cost" yaml:"cost"`
}

// PluginsConfig controls plugin discovery and permissions.
type PluginsConfig struct {
	Dir string `mapstructure:"dir" yaml:"dir"`
	// DefaultGrants are the permissions the policy may hand out.
	DefaultGrants []string `mapstructure:"default_grants" yaml:"default_grants"`
	// PolicyFile optionally replaces the built-in Rego grant policy.
	PolicyFile     string        `mapstructure:"policy_file" yaml:"policy_file,omitempty"`
	MaxWallTime    time.Duration `mapstructure:"max_wall_time" yaml:"max_wall_time"`
	FilesRoot      string        `mapstructure:"files_root" yaml:"files_root"`
	SearchEndpoint string        `mapstructure:"search_endpoint" yaml:"search_endpoint"`
}

// StoreConfig selects the SQLite database.
type StoreConfig struct {
	// Driver is "sqlite" (pure Go) or "sqlite3" (cgo).
	Driver string `mapstructure:"driver" yaml:"driver"`
	Path   string `mapstructure:"path" yaml:"path"`
}

// ServerConfig controls the HTTP API.
type ServerConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
	// AuthTokenHash is a bcrypt hash of the bearer token; empty disables auth.
	AuthTokenHash string `mapstructure:"auth_token_hash" yaml:"auth_token_hash,omitempty"`
	A2A           bool   `mapstructure:"a2a" yaml:"a2a"`
	PublicURL     string `mapstructure:"public_url" yaml:"public_url"`
}

// LoggingConfig contains configuration for application logging.
type LoggingConfig struct {
	// Level is the log level ("debug", "info", "warn", "error")
	Level string `mapstructure:"level" yaml:"level"`
	// File is the path to the log file
	File string `mapstructure:"file" yaml:"file"`
}

// Default returns a Config with sensible default values.
func Default() *Config {
	dataDir := DataDir()

	return &Config{
		Pipeline: PipelineConfig{
			Budget:         15 * time.Second,
			MaxInputBytes:  10000,
			ApologyTimeout: 2 * time.Second,
		},
		Session: SessionConfig{
			MaxTurns:      10,
			IdleTimeout:   30 * time.Minute,
			SweepInterval: time.Minute,
			QueueDepth:    1,
		},
		Classifier: ClassifierConfig{
			Threshold:         0.4,
			Epsilon:           0.05,
			SemanticThreshold: 0,
			SemanticTimeout:   3 * time.Second,
		},
		Router: RouterConfig{
			RemoteTimeout: 8 * time.Second,
			HealthTTL:     30 * time.Second,
			Privacy:       "standard",
			CostCeiling:   0.01,
			MinTier:       1,
			Preference:    []string{"openai"},
			Local:         "builtin",
		},
		LLM: LLMConfig{
			Providers: map[string]ProviderConfig{
				"builtin": {
					Type: "builtin",
					Tier: 1,
				},
				"ollama": {
					Type:     "ollama",
					Endpoint: "http://127.0.0.1:11434",
					Model:    "llama3.2",
					Tier:     2,
				},
				"openai": {
					Type:     "openai",
					Endpoint: "https://api.openai.com/v1",
					Model:    "gpt-4o-mini",
					Tier:     3,
					Cost:     0.0006,
				},
			},
		},
		Plugins: PluginsConfig{
			Dir:            filepath.Join(dataDir, "plugins"),
			DefaultGrants:  []string{"filesystem", "network", "system", "notifications"},
			MaxWallTime:    10 * time.Second,
			FilesRoot:      filepath.Join(dataDir, "files"),
			SearchEndpoint: "https://api.duckduckgo.com/",
		},
		Store: StoreConfig{
			Driver: "sqlite",
			Path:   filepath.Join(dataDir, "agentcore.db"),
		},
		Server: ServerConfig{
			Addr:      "127.0.0.1:8420",
			A2A:       true,
			PublicURL: "http://127.0.0.1:8420",
		},
		Logging: LoggingConfig{
			Level: "info",
			File:  filepath.Join(dataDir, "logs", "agentcore.log"),
		},
	}
}

// DataDir returns the agentcore data directory (~/.agentcore).
func DataDir() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".agentcore")
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	return filepath.Join(DataDir(), "config.yaml")
}

// Load reads configuration from the default location and merges environment variables.
// If no config file exists, it creates one with default values.
func Load() (*Config, error) {
	return LoadFromPath(DefaultPath())
}

// LoadFromPath reads configuration from a specific file path and merges with
// environment variables. If the file doesn't exist, it creates one with default values.
func LoadFromPath(path string) (*Config, error) {
	path = expandPath(path)

	configDir := filepath.Dir(path)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := writeConfigFile(path, Default()); err != nil {
			return nil, fmt.Errorf("failed to write default config: %w", err)
		}
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	// Example: AGENTCORE_ROUTER_PRIVACY=strict
	v.SetEnvPrefix("AGENTCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.Plugins.Dir = expandPath(cfg.Plugins.Dir)
	cfg.Plugins.FilesRoot = expandPath(cfg.Plugins.FilesRoot)
	cfg.Plugins.PolicyFile = expandPath(cfg.Plugins.PolicyFile)
	cfg.Store.Path = expandPath(cfg.Store.Path)
	cfg.Logging.File = expandPath(cfg.Logging.File)
	cfg.applyProviderKeys()

	return &cfg, nil
}

// applyProviderKeys fills empty API keys from the conventional provider variables.
func (c *Config) applyProviderKeys() {
	for name, p := range c.LLM.Providers {
		if p.APIKey != "" {
			continue
		}
		if key := os.Getenv(strings.ToUpper(name) + "_API_KEY"); key != "" {
			p.APIKey = key
			c.LLM.Providers[name] = p
		}
	}
}

// SaveToPath writes the current configuration to a specific file path.
func (c *Config) SaveToPath(path string) error {
	path = expandPath(path)

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	return writeConfigFile(path, c)
}

// EnsureDirectories creates the directories agentcore writes into.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		filepath.Dir(c.Store.Path),
		filepath.Dir(c.Logging.File),
		c.Plugins.Dir,
		c.Plugins.FilesRoot,
	}

	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}

// Validate checks the configuration for common errors and inconsistencies.
func (c *Config) Validate() error {
	if c.Pipeline.Budget <= 0 {
		return fmt.Errorf("pipeline.budget must be positive")
	}
	if c.Pipeline.MaxInputBytes <= 0 {
		return fmt.Errorf("pipeline.max_input_bytes must be positive")
	}

	if c.Session.MaxTurns <= 0 {
		return fmt.Errorf("session.max_turns must be positive")
	}
	if c.Session.QueueDepth < 0 {
		return fmt.Errorf("session.queue_depth cannot be negative")
	}

	if c.Classifier.Threshold < 0 || c.Classifier.Threshold > 1 {
		return fmt.Errorf("classifier.threshold must be within [0, 1]")
	}
	if c.Classifier.Epsilon < 0 || c.Classifier.Epsilon > 1 {
		return fmt.Errorf("classifier.epsilon must be within [0, 1]")
	}

	if c.Router.RemoteTimeout <= 0 {
		return fmt.Errorf("router.remote_timeout must be positive")
	}
	if c.Router.RemoteTimeout >= c.Pipeline.Budget {
		return fmt.Errorf("router.remote_timeout (%s) must be shorter than pipeline.budget (%s)",
			c.Router.RemoteTimeout, c.Pipeline.Budget)
	}
	if c.Router.Privacy != "standard" && c.Router.Privacy != "strict" {
		return fmt.Errorf("invalid router.privacy '%s', must be 'standard' or 'strict'", c.Router.Privacy)
	}

	local, ok := c.LLM.Providers[c.Router.Local]
	if !ok {
		return fmt.Errorf("router.local '%s' not found in llm.providers", c.Router.Local)
	}
	if local.Type == "openai" {
		return fmt.Errorf("router.local '%s' must be a local provider", c.Router.Local)
	}
	for _, name := range c.Router.Preference {
		if _, ok := c.LLM.Providers[name]; !ok {
			return fmt.Errorf("router.preference entry '%s' not found in llm.providers", name)
		}
	}
	validTypes := map[string]bool{"openai": true, "ollama": true, "builtin": true}
	for name, p := range c.LLM.Providers {
		if !validTypes[p.Type] {
			return fmt.Errorf("provider '%s' has invalid type '%s'", name, p.Type)
		}
	}

	for _, g := range c.Plugins.DefaultGrants {
		if _, err := plugin.ParsePermission(g); err != nil {
			return fmt.Errorf("plugins.default_grants: %w", err)
		}
	}
	if c.Plugins.MaxWallTime <= 0 {
		return fmt.Errorf("plugins.max_wall_time must be positive")
	}

	if c.Store.Driver != "sqlite" && c.Store.Driver != "sqlite3" {
		return fmt.Errorf("invalid store.driver '%s', must be 'sqlite' or 'sqlite3'", c.Store.Driver)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level '%s', must be one of: debug, info, warn, error", c.Logging.Level)
	}

	return nil
}

// YAML renders the configuration as it would be written to disk.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}

func writeConfigFile(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// expandPath expands ~ to the user's home directory in a path string.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(homeDir, path[1:])
	}
	return path
}
