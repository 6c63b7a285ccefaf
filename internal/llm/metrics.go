package llm

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/normanking/agentcore/internal/logging"
)

// MetricsProvider wraps a provider with timing and metrics collection.
type MetricsProvider struct {
	provider Provider
	name     string
	log      *logging.Logger

	// Atomic counters
	totalCalls        int64
	totalErrors       int64
	totalInputTokens  int64
	totalOutputTokens int64

	// Protected by mutex
	mu             sync.RWMutex
	totalLatency   time.Duration
	minLatency     time.Duration
	maxLatency     time.Duration
	latencyBuckets []int64 // <100ms, <500ms, <1s, <2s, <5s, 5s+
	failures       map[FailureKind]int64
	estimatedCost  float64
}

var _ Provider = (*MetricsProvider)(nil)

// Metrics is a snapshot of a MetricsProvider.
type Metrics struct {
	Provider     string                `json:"provider"`
	Locality     Locality              `json:"locality"`
	Calls        int64                 `json:"calls"`
	Errors       int64                 `json:"errors"`
	ErrorRate    float64               `json:"error_rate"`
	InputTokens  int64                 `json:"input_tokens"`
	OutputTokens int64                 `json:"output_tokens"`
	CostUSD      float64               `json:"cost_usd"`
	AvgLatencyMs int64                 `json:"avg_latency_ms"`
	MinLatencyMs int64                 `json:"min_latency_ms"`
	MaxLatencyMs int64                 `json:"max_latency_ms"`
	Histogram    map[string]int64      `json:"latency_histogram"`
	Failures     map[FailureKind]int64 `json:"failures,omitempty"`
}

// NewMetricsProvider wraps a provider with metrics collection.
func NewMetricsProvider(provider Provider) *MetricsProvider {
	return &MetricsProvider{
		provider:       provider,
		name:           provider.Info().Name,
		log:            logging.Global().WithComponent("llm"),
		minLatency:     time.Hour,
		latencyBuckets: make([]int64, 6),
		failures:       make(map[FailureKind]int64),
	}
}

// Info implements Provider.
func (m *MetricsProvider) Info() Info { return m.provider.Info() }

// Ping implements Provider. Pings are not counted as calls.
func (m *MetricsProvider) Ping(ctx context.Context) error { return m.provider.Ping(ctx) }

// Complete implements Provider with metrics.
func (m *MetricsProvider) Complete(ctx context.Context, req *CompletionRequest) (*Completion, error) {
	start := time.Now()
	m.log.Debug("[LLM-Metrics] Starting %s completion", m.name)

	resp, err := m.provider.Complete(ctx, req)
	latency := time.Since(start)
	m.observe(latency, err)

	if resp != nil {
		m.addUsage(resp.Usage)
	}

	if err != nil {
		m.log.Warn("[LLM-Metrics] %s completion FAILED after %v: %v", m.name, latency, err)
	} else {
		m.log.Debug("[LLM-Metrics] %s completion in %v (%d tokens)", m.name, latency, resp.Usage.TotalTokens)
	}
	return resp, err
}

// Classify implements Provider with metrics.
func (m *MetricsProvider) Classify(ctx context.Context, req *ClassifyRequest) ([]RankedLabel, error) {
	start := time.Now()
	ranked, err := m.provider.Classify(ctx, req)
	latency := time.Since(start)
	m.observe(latency, err)

	if err != nil {
		m.log.Warn("[LLM-Metrics] %s classify FAILED after %v: %v", m.name, latency, err)
	}
	return ranked, err
}

func (m *MetricsProvider) observe(latency time.Duration, err error) {
	atomic.AddInt64(&m.totalCalls, 1)
	if err != nil {
		atomic.AddInt64(&m.totalErrors, 1)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.totalLatency += latency
	if latency < m.minLatency {
		m.minLatency = latency
	}
	if latency > m.maxLatency {
		m.maxLatency = latency
	}

	switch {
	case latency < 100*time.Millisecond:
		m.latencyBuckets[0]++
	case latency < 500*time.Millisecond:
		m.latencyBuckets[1]++
	case latency < time.Second:
		m.latencyBuckets[2]++
	case latency < 2*time.Second:
		m.latencyBuckets[3]++
	case latency < 5*time.Second:
		m.latencyBuckets[4]++
	default:
		m.latencyBuckets[5]++
	}

	if err != nil {
		m.failures[FailureOf(err)]++
	}
}

func (m *MetricsProvider) addUsage(u Usage) {
	if u.TotalTokens == 0 {
		return
	}
	atomic.AddInt64(&m.totalInputTokens, int64(u.PromptTokens))
	atomic.AddInt64(&m.totalOutputTokens, int64(u.CompletionTokens))

	cost := float64(u.TotalTokens) / 1000.0 * m.provider.Info().CostPer1K
	m.mu.Lock()
	m.estimatedCost += cost
	m.mu.Unlock()
}

// Snapshot returns the current metrics.
func (m *MetricsProvider) Snapshot() Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	calls := atomic.LoadInt64(&m.totalCalls)
	errs := atomic.LoadInt64(&m.totalErrors)

	out := Metrics{
		Provider:     m.name,
		Locality:     m.provider.Info().Locality,
		Calls:        calls,
		Errors:       errs,
		InputTokens:  atomic.LoadInt64(&m.totalInputTokens),
		OutputTokens: atomic.LoadInt64(&m.totalOutputTokens),
		CostUSD:      m.estimatedCost,
		MaxLatencyMs: m.maxLatency.Milliseconds(),
		Histogram: map[string]int64{
			"<100ms": m.latencyBuckets[0],
			"<500ms": m.latencyBuckets[1],
			"<1s":    m.latencyBuckets[2],
			"<2s":    m.latencyBuckets[3],
			"<5s":    m.latencyBuckets[4],
			"5s+":    m.latencyBuckets[5],
		},
		Failures: make(map[FailureKind]int64, len(m.failures)),
	}
	if calls > 0 {
		out.AvgLatencyMs = (m.totalLatency / time.Duration(calls)).Milliseconds()
		out.MinLatencyMs = m.minLatency.Milliseconds()
		out.ErrorRate = float64(errs) / float64(calls)
	}
	for k, v := range m.failures {
		out.Failures[k] = v
	}
	return out
}

// CostSummary returns a human-readable cost summary.
func (m *MetricsProvider) CostSummary() string {
	s := m.Snapshot()
	tokens := s.InputTokens + s.OutputTokens
	switch {
	case s.Calls == 0:
		return fmt.Sprintf("%s: no calls", m.name)
	case s.Locality == Local:
		return fmt.Sprintf("%s: %d calls, %d tokens (free)", m.name, s.Calls, tokens)
	default:
		return fmt.Sprintf("%s: %d calls, %d tokens, $%.4f", m.name, s.Calls, tokens, s.CostUSD)
	}
}

// Reset clears all metrics.
func (m *MetricsProvider) Reset() {
	atomic.StoreInt64(&m.totalCalls, 0)
	atomic.StoreInt64(&m.totalErrors, 0)
	atomic.StoreInt64(&m.totalInputTokens, 0)
	atomic.StoreInt64(&m.totalOutputTokens, 0)

	m.mu.Lock()
	m.totalLatency = 0
	m.minLatency = time.Hour
	m.maxLatency = 0
	m.latencyBuckets = make([]int64, 6)
	m.failures = make(map[FailureKind]int64)
	m.estimatedCost = 0
	m.mu.Unlock()
}

// Unwrap returns the underlying provider.
func (m *MetricsProvider) Unwrap() Provider {
	return m.provider
}
