package autollm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/normanking/agentcore/internal/bus"
	"github.com/normanking/agentcore/internal/llm"
	"github.com/normanking/agentcore/internal/logging"
	"github.com/normanking/agentcore/pkg/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ROUTER
// ═══════════════════════════════════════════════════════════════════════════════

// Router selects the provider for each model call and runs the call with a
// bounded retry and a local fallback.
type Router struct {
	cfg       Config
	providers map[string]llm.Provider
	remotes   []string // declared preference order
	local     llm.Provider
	health    *HealthChecker
	events    bus.Publisher
	log       *logging.Logger

	localSelections  atomic.Int64
	remoteSelections atomic.Int64
	remoteFailures   atomic.Int64
	retries          atomic.Int64
	localFallbacks   atomic.Int64
}

// NewRouter creates a router over the given providers. events may be nil.
func NewRouter(cfg Config, providers map[string]llm.Provider, events bus.Publisher) (*Router, error) {
	if cfg.RemoteTimeout <= 0 {
		return nil, fmt.Errorf("remote timeout must be positive")
	}

	local, ok := providers[cfg.Local]
	if !ok {
		return nil, fmt.Errorf("local provider %q not configured", cfg.Local)
	}
	if local.Info().Locality != llm.Local {
		return nil, fmt.Errorf("provider %q is not local", cfg.Local)
	}

	r := &Router{
		cfg:       cfg,
		providers: providers,
		local:     local,
		events:    events,
		log:       logging.Global().WithComponent("autollm"),
	}

	// Declared preference first, then any remaining remotes by name.
	seen := make(map[string]bool)
	for _, name := range cfg.Preference {
		p, ok := providers[name]
		if !ok {
			return nil, fmt.Errorf("preferred provider %q not configured", name)
		}
		if p.Info().Locality == llm.Remote && !seen[name] {
			r.remotes = append(r.remotes, name)
			seen[name] = true
		}
	}
	var rest []string
	for name, p := range providers {
		if p.Info().Locality == llm.Remote && !seen[name] {
			rest = append(rest, name)
		}
	}
	sort.Strings(rest)
	r.remotes = append(r.remotes, rest...)

	remoteProviders := make(map[string]llm.Provider, len(r.remotes))
	for _, name := range r.remotes {
		remoteProviders[name] = providers[name]
	}
	r.health = NewHealthChecker(remoteProviders, cfg.HealthTTL, cfg.ProbeTimeout)

	return r, nil
}

// Health returns the router's health checker.
func (r *Router) Health() *HealthChecker { return r.health }

// Local returns the local fallback provider.
func (r *Router) Local() llm.Provider { return r.local }

// Providers returns routing metadata for every provider, sorted by name.
func (r *Router) Providers() []llm.Info {
	out := make([]llm.Info, 0, len(r.providers))
	for _, p := range r.providers {
		out = append(out, p.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Stats returns router counters.
func (r *Router) Stats() Stats {
	return Stats{
		LocalSelections:  r.localSelections.Load(),
		RemoteSelections: r.remoteSelections.Load(),
		RemoteFailures:   r.remoteFailures.Load(),
		Retries:          r.retries.Load(),
		LocalFallbacks:   r.localFallbacks.Load(),
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// SELECTION
// ═══════════════════════════════════════════════════════════════════════════════

// SelectModel applies the selection chain, first match wins:
//
//  1. strict privacy (or PreferLocal): local only, no remote is contacted
//  2. no eligible or healthy remote: local
//  3. otherwise the best eligible healthy remote by tier, then declared order
func (r *Router) SelectModel(ctx context.Context, req Request, reqs Requirements) Selection {
	reqs = r.withDefaults(reqs)

	if reqs.Privacy == PrivacyStrict {
		return r.selectLocal(ReasonPrivacyStrict)
	}
	if reqs.PreferLocal {
		return r.selectLocal(ReasonPreferLocal)
	}

	eligible := r.eligible(reqs)
	if len(eligible) == 0 {
		return r.selectLocal(ReasonNoEligibleRemote)
	}

	healthy := r.health.Healthy(ctx, eligible)
	if len(healthy) == 0 {
		r.publishFallback(req, "", r.local.Info().Name, ReasonNoHealthyRemote)
		return r.selectLocal(ReasonNoHealthyRemote)
	}

	r.remoteSelections.Add(1)
	info := r.providers[healthy[0]].Info()
	return Selection{
		Provider: info.Name,
		Model:    info.Model,
		Locality: llm.Remote,
		Reason:   ReasonPreference,
		Chain:    healthy,
	}
}

func (r *Router) withDefaults(reqs Requirements) Requirements {
	d := r.cfg.Defaults
	if reqs.Privacy == "" {
		reqs.Privacy = d.Privacy
	}
	// A request may tighten the configured privacy but never loosen it.
	if d.Privacy == PrivacyStrict {
		reqs.Privacy = PrivacyStrict
	}
	if reqs.MaxCostPer1K == 0 {
		reqs.MaxCostPer1K = d.MaxCostPer1K
	}
	if reqs.MinTier == 0 {
		reqs.MinTier = d.MinTier
	}
	return reqs
}

// eligible filters remotes by cost ceiling and minimum tier, then orders them
// by tier (highest first) keeping declared order among equals.
func (r *Router) eligible(reqs Requirements) []string {
	var out []string
	for _, name := range r.remotes {
		info := r.providers[name].Info()
		if reqs.MaxCostPer1K > 0 && info.CostPer1K > reqs.MaxCostPer1K {
			continue
		}
		if info.Tier < reqs.MinTier {
			continue
		}
		out = append(out, name)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return r.providers[out[i]].Info().Tier > r.providers[out[j]].Info().Tier
	})
	return out
}

func (r *Router) selectLocal(reason string) Selection {
	r.localSelections.Add(1)
	info := r.local.Info()
	return Selection{Provider: info.Name, Model: info.Model, Locality: llm.Local, Reason: reason}
}

// ═══════════════════════════════════════════════════════════════════════════════
// CALLS
// ═══════════════════════════════════════════════════════════════════════════════

// Complete routes a completion.
func (r *Router) Complete(ctx context.Context, req Request, reqs Requirements, creq *llm.CompletionRequest) (*llm.Completion, Selection, error) {
	return route(ctx, r, req, reqs, "complete", func(ctx context.Context, p llm.Provider) (*llm.Completion, error) {
		return p.Complete(ctx, creq)
	})
}

// Classify routes a classification.
func (r *Router) Classify(ctx context.Context, req Request, reqs Requirements, creq *llm.ClassifyRequest) ([]llm.RankedLabel, Selection, error) {
	return route(ctx, r, req, reqs, "classify", func(ctx context.Context, p llm.Provider) ([]llm.RankedLabel, error) {
		return p.Classify(ctx, creq)
	})
}

// route runs call on the selected remote, retries once on the next remote in
// the chain, then falls back to the local provider. Each remote attempt gets
// its own RemoteTimeout; the local call runs under the caller's deadline.
func route[T any](ctx context.Context, r *Router, req Request, reqs Requirements, op string, call func(context.Context, llm.Provider) (T, error)) (T, Selection, error) {
	var zero T
	sel := r.SelectModel(ctx, req, reqs)

	if !sel.IsLocal() {
		chain := sel.Chain
		if len(chain) > 2 {
			chain = chain[:2]
		}

		last := ""
		for i, name := range chain {
			if i > 0 {
				r.retries.Add(1)
				r.publishFallback(req, last, name, ReasonRetry)
			}

			rctx, cancel := context.WithTimeout(ctx, r.cfg.RemoteTimeout)
			out, err := call(rctx, r.providers[name])
			cancel()
			if err == nil {
				info := r.providers[name].Info()
				sel.Provider, sel.Model = info.Name, info.Model
				if i > 0 {
					sel.Reason = ReasonRetry
				}
				return out, sel, nil
			}

			if cerr := contextError("autollm."+op, ctx); cerr != nil {
				return zero, sel, cerr
			}
			r.recordFailure(req, name, err)
			last = name
		}

		r.localFallbacks.Add(1)
		r.publishFallback(req, last, r.local.Info().Name, ReasonLocalFallback)
		sel = r.selectLocal(ReasonLocalFallback)
	}

	out, err := call(ctx, r.local)
	if err != nil {
		if cerr := contextError("autollm."+op, ctx); cerr != nil {
			return zero, sel, cerr
		}
		r.publishFailure(req, r.local.Info(), err)
		return zero, sel, types.Wrap(types.KindProviderFailure, "autollm."+op, err)
	}
	return out, sel, nil
}

// contextError maps a finished caller context to a pipeline error kind.
func contextError(op string, ctx context.Context) error {
	err := ctx.Err()
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return types.Wrap(types.KindTimeout, op, err)
	default:
		return types.Wrap(types.KindCancelled, op, err)
	}
}

func (r *Router) recordFailure(req Request, name string, err error) {
	r.remoteFailures.Add(1)
	r.health.MarkFailure(name, err)
	r.publishFailure(req, r.providers[name].Info(), err)
}

// ═══════════════════════════════════════════════════════════════════════════════
// EVENTS
// ═══════════════════════════════════════════════════════════════════════════════

func (r *Router) publishFailure(req Request, info llm.Info, err error) {
	kind := llm.FailureOf(err)
	r.log.Warn("[AutoLLM] provider %s failed (%s): %v", info.Name, kind, err)

	errKind := types.KindProviderFailure
	if kind == llm.FailureTimeout {
		errKind = types.KindTimeout
	}

	ev := bus.NewEvent(bus.EventProviderFailure)
	ev.SessionID = req.SessionID
	ev.RequestID = req.RequestID
	ev.Provider = info.Name
	ev.Model = info.Model
	ev.Reason = string(kind)
	ev.ErrorKind = string(errKind)
	ev.Details = err.Error()
	r.publish(ev)
}

func (r *Router) publishFallback(req Request, from, to, reason string) {
	if from != "" {
		r.log.Info("[AutoLLM] falling back from %s to %s (%s)", from, to, reason)
	} else {
		r.log.Info("[AutoLLM] routing to %s (%s)", to, reason)
	}

	ev := bus.NewEvent(bus.EventRouterFallback)
	ev.SessionID = req.SessionID
	ev.RequestID = req.RequestID
	ev.Provider = to
	ev.Model = r.providers[to].Info().Model
	ev.Reason = reason
	if from != "" {
		ev.Details = "from " + from
	}
	r.publish(ev)
}

func (r *Router) publish(ev bus.Event) {
	if r.events == nil {
		return
	}
	if err := r.events.Publish(ev); err != nil {
		r.log.Debug("[AutoLLM] event dropped: %v", err)
	}
}
