// Package autollm selects which model provider serves a call. Selection is an
// ordered chain: strict privacy forces local, an unreachable remote side forces
// local, otherwise remotes are chosen by cost ceiling then capability tier.
// A failed remote call is retried once on the next remote before the local
// provider answers.
package autollm

import (
	"fmt"
	"time"

	"github.com/normanking/agentcore/internal/config"
	"github.com/normanking/agentcore/internal/llm"
)

// ═══════════════════════════════════════════════════════════════════════════════
// REQUIREMENTS
// ═══════════════════════════════════════════════════════════════════════════════

// Privacy controls whether remote providers may be contacted.
type Privacy string

const (
	PrivacyStandard Privacy = "standard"
	// PrivacyStrict never contacts a remote provider.
	PrivacyStrict Privacy = "strict"
)

// ParsePrivacy converts a config string. Empty means standard.
func ParsePrivacy(s string) (Privacy, error) {
	switch Privacy(s) {
	case "", PrivacyStandard:
		return PrivacyStandard, nil
	case PrivacyStrict:
		return PrivacyStrict, nil
	default:
		return "", fmt.Errorf("unknown privacy level %q", s)
	}
}

// Requirements constrain selection for one call.
type Requirements struct {
	Privacy Privacy

	// MaxCostPer1K excludes remotes priced above it. Zero means no ceiling.
	MaxCostPer1K float64

	// MinTier excludes remotes below this capability tier.
	MinTier int

	// PreferLocal skips remotes entirely. Used for degraded-mode paths such
	// as apology generation.
	PreferLocal bool
}

// Request identifies the pipeline request a call belongs to, for events.
type Request struct {
	SessionID string
	RequestID string
}

// ═══════════════════════════════════════════════════════════════════════════════
// SELECTION
// ═══════════════════════════════════════════════════════════════════════════════

// Selection reasons.
const (
	ReasonPrivacyStrict    = "privacy_strict"
	ReasonPreferLocal      = "prefer_local"
	ReasonNoEligibleRemote = "no_eligible_remote"
	ReasonNoHealthyRemote  = "no_healthy_remote"
	ReasonPreference       = "preference"
	ReasonRetry            = "retry_next_remote"
	ReasonLocalFallback    = "local_fallback"
)

// Selection is the outcome of SelectModel.
type Selection struct {
	Provider string       `json:"provider"`
	Model    string       `json:"model"`
	Locality llm.Locality `json:"locality"`
	Reason   string       `json:"reason"`

	// Chain is the ordered list of healthy remotes considered, best first.
	// Empty when a local provider was selected up front.
	Chain []string `json:"chain,omitempty"`
}

// IsLocal reports whether the selected provider is on-device.
func (s Selection) IsLocal() bool { return s.Locality == llm.Local }

// ═══════════════════════════════════════════════════════════════════════════════
// CONFIG
// ═══════════════════════════════════════════════════════════════════════════════

// Config configures the Router.
type Config struct {
	// RemoteTimeout bounds a single remote call. Must be shorter than the
	// pipeline budget so the local fallback can still answer in time.
	RemoteTimeout time.Duration

	// HealthTTL is how long a health probe result is trusted.
	HealthTTL time.Duration

	// ProbeTimeout bounds a single health probe.
	ProbeTimeout time.Duration

	// Preference lists remote provider names in declared order.
	Preference []string

	// Local names the local fallback provider.
	Local string

	// Defaults applied when a caller passes zero Requirements fields.
	Defaults Requirements
}

// DefaultConfig returns router defaults.
func DefaultConfig() Config {
	return Config{
		RemoteTimeout: 8 * time.Second,
		HealthTTL:     30 * time.Second,
		ProbeTimeout:  2 * time.Second,
		Local:         "builtin",
		Defaults:      Requirements{Privacy: PrivacyStandard},
	}
}

// ConfigFrom maps the application config onto router settings.
func ConfigFrom(cfg *config.Config) (Config, error) {
	privacy, err := ParsePrivacy(cfg.Router.Privacy)
	if err != nil {
		return Config{}, err
	}
	out := DefaultConfig()
	out.RemoteTimeout = cfg.Router.RemoteTimeout
	out.HealthTTL = cfg.Router.HealthTTL
	out.Preference = append([]string(nil), cfg.Router.Preference...)
	out.Local = cfg.Router.Local
	out.Defaults = Requirements{
		Privacy:      privacy,
		MaxCostPer1K: cfg.Router.CostCeiling,
		MinTier:      cfg.Router.MinTier,
	}
	return out, nil
}

// Stats counts router outcomes.
type Stats struct {
	LocalSelections  int64 `json:"local_selections"`
	RemoteSelections int64 `json:"remote_selections"`
	RemoteFailures   int64 `json:"remote_failures"`
	Retries          int64 `json:"retries"`
	LocalFallbacks   int64 `json:"local_fallbacks"`
}
