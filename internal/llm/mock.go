package llm

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// MockProvider is a scriptable provider for tests and offline demos.
type MockProvider struct {
	info Info

	mu      sync.Mutex
	text    string
	labels  []RankedLabel
	delay   time.Duration
	hang    bool
	err     error
	pingErr error
	prompts []string
	systems []string

	completeCalls atomic.Int64
	classifyCalls atomic.Int64
	pingCalls     atomic.Int64
}

var _ Provider = (*MockProvider)(nil)

// NewMockProvider creates a mock with the given routing metadata.
func NewMockProvider(name string, loc Locality, tier int, cost float64) *MockProvider {
	return &MockProvider{
		info: Info{Name: name, Locality: loc, Model: "mock-" + name, Tier: tier, CostPer1K: cost},
		text: "mock response from " + name,
	}
}

// WithResponse sets the completion text.
func (m *MockProvider) WithResponse(text string) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.text = text
	return m
}

// WithLabels sets the classification result.
func (m *MockProvider) WithLabels(labels ...RankedLabel) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.labels = labels
	return m
}

// WithDelay sets a simulated latency. The call still honors ctx.
func (m *MockProvider) WithDelay(d time.Duration) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
	return m
}

// WithHang makes every call block until ctx is done.
func (m *MockProvider) WithHang() *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hang = true
	return m
}

// WithError makes every call fail with err.
func (m *MockProvider) WithError(err error) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
	return m
}

// WithPingError makes Ping fail with err.
func (m *MockProvider) WithPingError(err error) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pingErr = err
	return m
}

// Info implements Provider.
func (m *MockProvider) Info() Info { return m.info }

// Ping implements Provider.
func (m *MockProvider) Ping(ctx context.Context) error {
	m.pingCalls.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pingErr
}

// Complete implements Provider.
func (m *MockProvider) Complete(ctx context.Context, req *CompletionRequest) (*Completion, error) {
	m.completeCalls.Add(1)
	m.mu.Lock()
	m.prompts = append(m.prompts, req.Prompt)
	m.systems = append(m.systems, req.System)
	text := m.text
	m.mu.Unlock()

	if err := m.wait(ctx); err != nil {
		return nil, err
	}
	if req.Template != "" && text == "" {
		text = req.Render()
	}
	return &Completion{Text: text, Model: m.info.Model, Provider: m.info.Name}, nil
}

// Classify implements Provider.
func (m *MockProvider) Classify(ctx context.Context, req *ClassifyRequest) ([]RankedLabel, error) {
	m.classifyCalls.Add(1)
	if err := m.wait(ctx); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]RankedLabel(nil), m.labels...), nil
}

func (m *MockProvider) wait(ctx context.Context) error {
	m.mu.Lock()
	delay, hang, err := m.delay, m.hang, m.err
	m.mu.Unlock()

	if hang {
		<-ctx.Done()
		return transportFailure(m.info.Name, ctx.Err())
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return transportFailure(m.info.Name, ctx.Err())
		}
	}
	if err != nil {
		return &ProviderError{Provider: m.info.Name, Kind: FailureOf(err), Err: err}
	}
	return nil
}

// CompleteCalls returns how many times Complete was called.
func (m *MockProvider) CompleteCalls() int64 { return m.completeCalls.Load() }

// ClassifyCalls returns how many times Classify was called.
func (m *MockProvider) ClassifyCalls() int64 { return m.classifyCalls.Load() }

// PingCalls returns how many times Ping was called.
func (m *MockProvider) PingCalls() int64 { return m.pingCalls.Load() }

// TotalCalls returns every call made to the provider, pings included.
func (m *MockProvider) TotalCalls() int64 {
	return m.CompleteCalls() + m.ClassifyCalls() + m.PingCalls()
}

// Prompts returns the prompts seen by Complete.
func (m *MockProvider) Prompts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.prompts...)
}

// Systems returns the system prompts seen by Complete.
func (m *MockProvider) Systems() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.systems...)
}

func (m *MockProvider) String() string {
	return fmt.Sprintf("mock(%s)", m.info.Name)
}
