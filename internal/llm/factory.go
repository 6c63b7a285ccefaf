package llm

import (
	"fmt"
	"sort"
	"time"

	"github.com/normanking/agentcore/internal/config"
)

// New creates a provider from its configuration entry. Every provider is
// wrapped with MetricsProvider for call counting and latency tracking.
func New(name string, pc config.ProviderConfig, timeout time.Duration) (*MetricsProvider, error) {
	var provider Provider

	cfg := &ProviderConfig{
		Name:      name,
		Endpoint:  pc.Endpoint,
		APIKey:    pc.APIKey,
		Model:     pc.Model,
		Tier:      pc.Tier,
		CostPer1K: pc.Cost,
		Timeout:   timeout,
	}

	switch pc.Type {
	case "openai":
		provider = NewOpenAIProvider(cfg)
	case "ollama":
		provider = NewOllamaProvider(cfg)
	case "builtin", "":
		provider = NewTemplateProvider(name)
	default:
		return nil, fmt.Errorf("unknown provider type %q for %s", pc.Type, name)
	}

	return NewMetricsProvider(provider), nil
}

// NewAll builds every configured provider, keyed by name. The HTTP client
// ceiling is the pipeline budget; routers apply shorter per-call deadlines.
func NewAll(cfg *config.Config) (map[string]*MetricsProvider, error) {
	names := make([]string, 0, len(cfg.LLM.Providers))
	for name := range cfg.LLM.Providers {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make(map[string]*MetricsProvider, len(names))
	for _, name := range names {
		p, err := New(name, cfg.LLM.Providers[name], cfg.Pipeline.Budget)
		if err != nil {
			return nil, err
		}
		out[name] = p
	}
	return out, nil
}
