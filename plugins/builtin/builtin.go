// Package builtin holds the plugins compiled into the agent: calculator,
// conversation, clock, files, system and web search.
package builtin

import (
	"fmt"
	"net/http"
	"time"

	"github.com/normanking/agentcore/internal/config"
	"github.com/normanking/agentcore/internal/logging"
	"github.com/normanking/agentcore/internal/plugin"
)

// Version is reported in every built-in descriptor.
const Version = "1.0.0"

// Plugin is a handler that knows its own descriptor.
type Plugin interface {
	plugin.Handler
	Descriptor() plugin.Descriptor
}

// Config parameterizes the built-ins.
type Config struct {
	// FilesRoot confines the files plugin. Empty disables it.
	FilesRoot string

	// SearchEndpoint is an instant-answer API taking ?q=. Empty disables web.
	SearchEndpoint string

	HTTPClient *http.Client

	// Domains lists the served domains for the help reply.
	Domains func() []string

	Now func() time.Time
}

// ConfigFrom maps the plugins config section.
func ConfigFrom(cfg config.PluginsConfig) Config {
	return Config{
		FilesRoot:      cfg.FilesRoot,
		SearchEndpoint: cfg.SearchEndpoint,
	}
}

func (c Config) withDefaults() Config {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Domains == nil {
		c.Domains = func() []string { return nil }
	}
	return c
}

// All returns the built-ins enabled by cfg.
func All(cfg Config) []Plugin {
	cfg = cfg.withDefaults()
	out := []Plugin{
		Calculator{},
		&Conversation{domains: cfg.Domains},
		&Clock{now: cfg.Now},
		NewSystem(cfg.Now),
	}
	if cfg.FilesRoot != "" {
		out = append(out, NewFiles(cfg.FilesRoot))
	}
	if cfg.SearchEndpoint != "" {
		out = append(out, NewWeb(cfg.SearchEndpoint, cfg.HTTPClient))
	}
	return out
}

// Register adds every enabled built-in to the registry.
func Register(reg *plugin.Registry, cfg Config) error {
	log := logging.Global().WithComponent("builtin")
	if cfg.Domains == nil {
		cfg.Domains = reg.Domains
	}
	for _, p := range All(cfg) {
		desc := p.Descriptor()
		if err := reg.Register(desc, p); err != nil {
			return fmt.Errorf("register %s: %w", desc.Name, err)
		}
	}
	if cfg.FilesRoot == "" {
		log.Info("[Builtin] files plugin disabled: no files_root")
	}
	if cfg.SearchEndpoint == "" {
		log.Info("[Builtin] web plugin disabled: no search_endpoint")
	}
	return nil
}
