// Package llm provides the model providers agentcore routes between: an
// OpenAI-compatible remote provider, a local Ollama provider, and the builtin
// template provider that is always available.
package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// Security limits to prevent unbounded memory usage
const (
	// MaxErrorBodySize limits how much error response body we read (1MB)
	MaxErrorBodySize = 1 * 1024 * 1024

	// MaxResponseSize limits a successful response body (8MB)
	MaxResponseSize = 8 * 1024 * 1024
)

// readLimitedBody reads up to maxBytes from r.
func readLimitedBody(r io.Reader, maxBytes int64) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r, maxBytes))
}

// ═══════════════════════════════════════════════════════════════════════════════
// CONTRACT
// ═══════════════════════════════════════════════════════════════════════════════

// Locality distinguishes on-device providers from network ones.
type Locality string

const (
	Local  Locality = "local"
	Remote Locality = "remote"
)

// Info is the routing metadata of a provider.
type Info struct {
	Name     string   `json:"name"`
	Locality Locality `json:"locality"`
	Model    string   `json:"model"`
	// Tier is the capability tier; higher is more capable.
	Tier int `json:"tier"`
	// CostPer1K is the price per 1K tokens. Local providers cost 0.
	CostPer1K float64 `json:"cost_per_1k"`
}

// Provider is the closed contract every model backend implements.
type Provider interface {
	Info() Info

	// Complete produces text for a prompt.
	Complete(ctx context.Context, req *CompletionRequest) (*Completion, error)

	// Classify ranks the candidate labels for a text, best first.
	Classify(ctx context.Context, req *ClassifyRequest) ([]RankedLabel, error)

	// Ping reports whether the provider is reachable and configured.
	Ping(ctx context.Context) error
}

// CompletionRequest is a prompt plus generation parameters.
type CompletionRequest struct {
	System string `json:"system,omitempty"`
	Prompt string `json:"prompt"`

	// Template names a response template; Vars fill its {placeholders}.
	// Template providers render it; model providers receive the rendered
	// text as a draft in the prompt.
	Template string            `json:"template,omitempty"`
	Vars     map[string]string `json:"vars,omitempty"`

	// Variants, when set, replace the built-in variants of Template.
	Variants []string `json:"variants,omitempty"`

	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}

// Usage reports token consumption.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Completion is the result of Complete.
type Completion struct {
	Text     string        `json:"text"`
	Model    string        `json:"model"`
	Provider string        `json:"provider"`
	Usage    Usage         `json:"usage"`
	Duration time.Duration `json:"duration"`
}

// Label is a classification candidate.
type Label struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Keywords    []string `json:"keywords,omitempty"`
}

// ClassifyRequest asks for a ranking of Labels against Text.
type ClassifyRequest struct {
	Text   string  `json:"text"`
	Labels []Label `json:"labels"`
}

// RankedLabel is one scored label.
type RankedLabel struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

// ═══════════════════════════════════════════════════════════════════════════════
// FAILURES
// ═══════════════════════════════════════════════════════════════════════════════

// FailureKind classifies provider failures for routing and events.
type FailureKind string

const (
	FailureTimeout       FailureKind = "timeout"
	FailureAuth          FailureKind = "auth"
	FailureRateLimit     FailureKind = "rate_limit"
	FailureTransport     FailureKind = "transport"
	FailureServer        FailureKind = "server"
	FailureBadResponse   FailureKind = "bad_response"
	FailureNotConfigured FailureKind = "not_configured"
)

// ProviderError is returned by providers for every failed call.
type ProviderError struct {
	Provider string
	Kind     FailureKind
	Status   int
	Err      error
}

func (e *ProviderError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s (status %d): %v", e.Provider, e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// FailureOf extracts the FailureKind of err. Context expiry counts as a timeout.
func FailureOf(err error) FailureKind {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return FailureTimeout
	}
	return FailureTransport
}

func statusFailure(status int) FailureKind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return FailureAuth
	case status == http.StatusTooManyRequests:
		return FailureRateLimit
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return FailureTimeout
	case status >= 500:
		return FailureServer
	default:
		return FailureBadResponse
	}
}

func transportFailure(provider string, err error) *ProviderError {
	kind := FailureTransport
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		kind = FailureTimeout
	}
	return &ProviderError{Provider: provider, Kind: kind, Err: err}
}

// ═══════════════════════════════════════════════════════════════════════════════
// CONFIG
// ═══════════════════════════════════════════════════════════════════════════════

// ProviderConfig contains configuration for an HTTP provider.
type ProviderConfig struct {
	Name        string
	Endpoint    string
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float64
	Tier        int
	CostPer1K   float64

	// Timeout is the HTTP client ceiling. Callers apply shorter per-call deadlines.
	Timeout time.Duration
}

// DefaultConfig returns sensible defaults for a provider type.
func DefaultConfig(kind string) *ProviderConfig {
	switch kind {
	case "ollama":
		return &ProviderConfig{
			Name:        "ollama",
			Endpoint:    "http://127.0.0.1:11434",
			Model:       "llama3.2",
			MaxTokens:   512,
			Temperature: 0.3,
			Tier:        2,
			Timeout:     2 * time.Minute,
		}
	case "openai":
		return &ProviderConfig{
			Name:        "openai",
			Endpoint:    "https://api.openai.com/v1",
			Model:       "gpt-4o-mini",
			MaxTokens:   512,
			Temperature: 0.3,
			Tier:        3,
			CostPer1K:   0.0006,
			Timeout:     time.Minute,
		}
	default:
		return &ProviderConfig{
			Name:        kind,
			MaxTokens:   512,
			Temperature: 0.3,
			Tier:        1,
			Timeout:     time.Minute,
		}
	}
}

// baseProvider provides common functionality for HTTP-based providers.
type baseProvider struct {
	config *ProviderConfig
	client *http.Client
}

func newBaseProvider(cfg *ProviderConfig, kind string) baseProvider {
	defaults := DefaultConfig(kind)
	if cfg == nil {
		cfg = defaults
	}
	if cfg.Name == "" {
		cfg.Name = defaults.Name
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = defaults.Endpoint
	}
	if cfg.Model == "" {
		cfg.Model = defaults.Model
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = defaults.MaxTokens
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = defaults.Temperature
	}
	if cfg.Tier == 0 {
		cfg.Tier = defaults.Tier
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaults.Timeout
	}

	return baseProvider{
		config: cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

func (b *baseProvider) info(loc Locality) Info {
	cost := b.config.CostPer1K
	if loc == Local {
		cost = 0
	}
	return Info{
		Name:      b.config.Name,
		Locality:  loc,
		Model:     b.config.Model,
		Tier:      b.config.Tier,
		CostPer1K: cost,
	}
}

func (b *baseProvider) maxTokens(req *CompletionRequest) int {
	if req.MaxTokens > 0 {
		return req.MaxTokens
	}
	return b.config.MaxTokens
}

func (b *baseProvider) temperature(req *CompletionRequest) float64 {
	if req.Temperature > 0 {
		return req.Temperature
	}
	return b.config.Temperature
}

// promptWithDraft folds a rendered template into the prompt so a model can rephrase it.
func promptWithDraft(req *CompletionRequest) string {
	if req.Template == "" {
		return req.Prompt
	}
	draft := req.Render()
	return fmt.Sprintf("%s\n\nDraft answer (keep every number and fact): %s", req.Prompt, draft)
}
