package autollm

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/normanking/agentcore/internal/llm"
	"github.com/normanking/agentcore/internal/logging"
)

// ═══════════════════════════════════════════════════════════════════════════════
// HEALTH CHECKER
// ═══════════════════════════════════════════════════════════════════════════════

// HealthChecker caches provider reachability for a short TTL so selection does
// not probe the network on every request.
type HealthChecker struct {
	mu           sync.RWMutex
	providers    map[string]llm.Provider
	cache        map[string]healthEntry
	ttl          time.Duration
	probeTimeout time.Duration
	now          func() time.Time
	log          *logging.Logger
}

type healthEntry struct {
	healthy   bool
	err       string
	checkedAt time.Time
}

// HealthStatus is the exported view of one cache entry.
type HealthStatus struct {
	Provider  string    `json:"provider"`
	Healthy   bool      `json:"healthy"`
	Error     string    `json:"error,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// NewHealthChecker creates a checker for the given providers.
func NewHealthChecker(providers map[string]llm.Provider, ttl, probeTimeout time.Duration) *HealthChecker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if probeTimeout <= 0 {
		probeTimeout = 2 * time.Second
	}
	return &HealthChecker{
		providers:    providers,
		cache:        make(map[string]healthEntry),
		ttl:          ttl,
		probeTimeout: probeTimeout,
		now:          time.Now,
		log:          logging.Global().WithComponent("autollm"),
	}
}

// Healthy filters names down to those currently healthy, preserving order.
// Stale or missing entries are probed in parallel first.
func (h *HealthChecker) Healthy(ctx context.Context, names []string) []string {
	var stale []string
	h.mu.RLock()
	for _, name := range names {
		e, ok := h.cache[name]
		if !ok || h.now().Sub(e.checkedAt) >= h.ttl {
			stale = append(stale, name)
		}
	}
	h.mu.RUnlock()

	if len(stale) > 0 {
		h.probe(ctx, stale)
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(names))
	for _, name := range names {
		if h.cache[name].healthy {
			out = append(out, name)
		}
	}
	return out
}

// Refresh probes every provider regardless of cache age.
func (h *HealthChecker) Refresh(ctx context.Context) {
	names := make([]string, 0, len(h.providers))
	for name := range h.providers {
		names = append(names, name)
	}
	h.probe(ctx, names)
}

// probe pings the named providers concurrently and records the results.
func (h *HealthChecker) probe(ctx context.Context, names []string) {
	results := make([]healthEntry, len(names))

	g, gctx := errgroup.WithContext(ctx)
	for i, name := range names {
		p, ok := h.providers[name]
		if !ok {
			results[i] = healthEntry{err: "not configured", checkedAt: h.now()}
			continue
		}
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(gctx, h.probeTimeout)
			defer cancel()
			entry := healthEntry{healthy: true, checkedAt: h.now()}
			if err := p.Ping(pctx); err != nil {
				entry = healthEntry{err: err.Error(), checkedAt: h.now()}
			}
			results[i] = entry
			return nil
		})
	}
	_ = g.Wait()

	// A cancelled caller tells us nothing about the providers.
	if ctx.Err() != nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for i, name := range names {
		prev, had := h.cache[name]
		h.cache[name] = results[i]
		if had && prev.healthy != results[i].healthy {
			h.log.Info("[AutoLLM] provider %s healthy=%v %s", name, results[i].healthy, results[i].err)
		}
	}
}

// MarkFailure records a failed call so the provider is skipped until the TTL
// expires.
func (h *HealthChecker) MarkFailure(name string, err error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	h.mu.Lock()
	h.cache[name] = healthEntry{healthy: false, err: msg, checkedAt: h.now()}
	h.mu.Unlock()
}

// Status returns the cached health of every probed provider.
func (h *HealthChecker) Status() []HealthStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]HealthStatus, 0, len(h.cache))
	for name, e := range h.cache {
		out = append(out, HealthStatus{Provider: name, Healthy: e.healthy, Error: e.err, CheckedAt: e.checkedAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out
}
