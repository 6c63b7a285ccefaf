package autollm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/normanking/agentcore/internal/bus"
	"github.com/normanking/agentcore/internal/llm"
	"github.com/normanking/agentcore/pkg/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TEST FIXTURES
// ═══════════════════════════════════════════════════════════════════════════════

type fixture struct {
	router  *Router
	bus     *bus.Bus
	local   *llm.MockProvider
	primary *llm.MockProvider
	backup  *llm.MockProvider
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()

	f := &fixture{
		bus:     bus.NewBus(),
		local:   llm.NewMockProvider("local", llm.Local, 1, 0).WithResponse("local answer"),
		primary: llm.NewMockProvider("primary", llm.Remote, 3, 0.002).WithResponse("primary answer"),
		backup:  llm.NewMockProvider("backup", llm.Remote, 2, 0.001).WithResponse("backup answer"),
	}
	t.Cleanup(func() { _ = f.bus.Close() })

	cfg := DefaultConfig()
	cfg.Local = "local"
	cfg.Preference = []string{"primary", "backup"}
	cfg.RemoteTimeout = 100 * time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}

	r, err := NewRouter(cfg, map[string]llm.Provider{
		"local":   f.local,
		"primary": f.primary,
		"backup":  f.backup,
	}, f.bus)
	require.NoError(t, err)
	f.router = r
	return f
}

func eventsOfType(b *bus.Bus, typ bus.EventType) []bus.Event {
	return b.History(bus.OfType(typ), 0)
}

var testReq = Request{SessionID: "s1", RequestID: "r1"}

// ═══════════════════════════════════════════════════════════════════════════════
// SELECTION
// ═══════════════════════════════════════════════════════════════════════════════

func TestSelectModelPrefersHighestTier(t *testing.T) {
	f := newFixture(t, nil)

	sel := f.router.SelectModel(context.Background(), testReq, Requirements{})
	assert.Equal(t, "primary", sel.Provider)
	assert.Equal(t, llm.Remote, sel.Locality)
	assert.Equal(t, ReasonPreference, sel.Reason)
	assert.Equal(t, []string{"primary", "backup"}, sel.Chain)
}

func TestSelectModelCostCeiling(t *testing.T) {
	f := newFixture(t, nil)

	sel := f.router.SelectModel(context.Background(), testReq, Requirements{MaxCostPer1K: 0.0015})
	assert.Equal(t, "backup", sel.Provider)

	sel = f.router.SelectModel(context.Background(), testReq, Requirements{MaxCostPer1K: 0.0001})
	assert.Equal(t, "local", sel.Provider)
	assert.Equal(t, ReasonNoEligibleRemote, sel.Reason)
}

func TestSelectModelMinTier(t *testing.T) {
	f := newFixture(t, nil)
	sel := f.router.SelectModel(context.Background(), testReq, Requirements{MinTier: 3})
	assert.Equal(t, []string{"primary"}, sel.Chain)
}

func TestSelectModelNoHealthyRemote(t *testing.T) {
	f := newFixture(t, nil)
	f.primary.WithPingError(errors.New("down"))
	f.backup.WithPingError(errors.New("down"))

	sel := f.router.SelectModel(context.Background(), testReq, Requirements{})
	assert.Equal(t, "local", sel.Provider)
	assert.Equal(t, ReasonNoHealthyRemote, sel.Reason)

	fallbacks := eventsOfType(f.bus, bus.EventRouterFallback)
	require.Len(t, fallbacks, 1)
	assert.Equal(t, ReasonNoHealthyRemote, fallbacks[0].Reason)
}

func TestHealthIsCachedForTTL(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.HealthTTL = time.Hour })

	for i := 0; i < 5; i++ {
		f.router.SelectModel(context.Background(), testReq, Requirements{})
	}
	assert.EqualValues(t, 1, f.primary.PingCalls())
	assert.EqualValues(t, 1, f.backup.PingCalls())
}

func TestStrictPrivacyNeverContactsRemote(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		f := newFixture(t, nil)
		reqs := Requirements{
			Privacy:      PrivacyStrict,
			MaxCostPer1K: rapid.Float64Range(0, 1).Draw(rt, "cost"),
			MinTier:      rapid.IntRange(0, 5).Draw(rt, "tier"),
		}

		sel := f.router.SelectModel(context.Background(), testReq, reqs)
		if sel.Provider != "local" {
			rt.Fatalf("strict privacy selected %s", sel.Provider)
		}
		if _, _, err := f.router.Complete(context.Background(), testReq, reqs, &llm.CompletionRequest{Prompt: "hi"}); err != nil {
			rt.Fatalf("complete: %v", err)
		}
		if n := f.primary.TotalCalls() + f.backup.TotalCalls(); n != 0 {
			rt.Fatalf("remote providers contacted %d times", n)
		}
	})
}

func TestConfiguredStrictCannotBeLoosened(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.Defaults.Privacy = PrivacyStrict })
	sel := f.router.SelectModel(context.Background(), testReq, Requirements{Privacy: PrivacyStandard})
	assert.Equal(t, ReasonPrivacyStrict, sel.Reason)
	assert.Zero(t, f.primary.TotalCalls())
}

// ═══════════════════════════════════════════════════════════════════════════════
// CALLS
// ═══════════════════════════════════════════════════════════════════════════════

func TestCompleteUsesRemote(t *testing.T) {
	f := newFixture(t, nil)
	c, sel, err := f.router.Complete(context.Background(), testReq, Requirements{}, &llm.CompletionRequest{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "primary answer", c.Text)
	assert.Equal(t, "primary", sel.Provider)
	assert.Zero(t, f.local.CompleteCalls())
}

func TestCompleteRetriesNextRemote(t *testing.T) {
	f := newFixture(t, nil)
	f.primary.WithError(&llm.ProviderError{Provider: "primary", Kind: llm.FailureRateLimit, Err: errors.New("429")})

	c, sel, err := f.router.Complete(context.Background(), testReq, Requirements{}, &llm.CompletionRequest{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "backup answer", c.Text)
	assert.Equal(t, ReasonRetry, sel.Reason)

	failures := eventsOfType(f.bus, bus.EventProviderFailure)
	require.Len(t, failures, 1)
	assert.Equal(t, "primary", failures[0].Provider)
	assert.Equal(t, string(llm.FailureRateLimit), failures[0].Reason)
	assert.Equal(t, "s1", failures[0].SessionID)
	assert.EqualValues(t, 1, f.router.Stats().Retries)
}

func TestHangingRemoteFallsBackToLocalWithinDeadline(t *testing.T) {
	f := newFixture(t, nil)
	f.primary.WithHang()
	f.backup.WithHang()

	budget := 2 * time.Second
	ctx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()

	start := time.Now()
	c, sel, err := f.router.Complete(ctx, testReq, Requirements{}, &llm.CompletionRequest{Prompt: "hi"})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), budget)
	assert.Equal(t, "local answer", c.Text)
	assert.Equal(t, ReasonLocalFallback, sel.Reason)

	// One attempt plus one retry, never more.
	assert.EqualValues(t, 1, f.primary.CompleteCalls())
	assert.EqualValues(t, 1, f.backup.CompleteCalls())

	failures := eventsOfType(f.bus, bus.EventProviderFailure)
	require.Len(t, failures, 2)
	assert.Equal(t, string(types.KindTimeout), failures[0].ErrorKind)

	fallbacks := eventsOfType(f.bus, bus.EventRouterFallback)
	require.Len(t, fallbacks, 2)
	assert.Equal(t, ReasonRetry, fallbacks[0].Reason)
	assert.Equal(t, ReasonLocalFallback, fallbacks[1].Reason)
	assert.Equal(t, "local", fallbacks[1].Provider)
}

func TestFailedRemoteIsSkippedUntilTTL(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.HealthTTL = time.Hour })
	f.primary.WithError(errors.New("boom"))

	_, _, err := f.router.Complete(context.Background(), testReq, Requirements{}, &llm.CompletionRequest{Prompt: "a"})
	require.NoError(t, err)
	_, sel, err := f.router.Complete(context.Background(), testReq, Requirements{}, &llm.CompletionRequest{Prompt: "b"})
	require.NoError(t, err)

	assert.Equal(t, "backup", sel.Provider)
	assert.EqualValues(t, 1, f.primary.CompleteCalls())
}

func TestCallerCancellationIsNotAProviderFailure(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.RemoteTimeout = time.Minute })
	f.primary.WithHang()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	_, _, err := f.router.Complete(ctx, testReq, Requirements{}, &llm.CompletionRequest{Prompt: "hi"})
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrCancelled)
	assert.Empty(t, eventsOfType(f.bus, bus.EventProviderFailure))
	assert.Zero(t, f.backup.CompleteCalls())
}

func TestLocalFailureSurfacesProviderFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.local.WithError(errors.New("model missing"))

	_, _, err := f.router.Complete(context.Background(), testReq, Requirements{PreferLocal: true}, &llm.CompletionRequest{Prompt: "hi"})
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrProviderFailure)
	assert.Zero(t, f.primary.TotalCalls())
}

func TestClassifyRoutes(t *testing.T) {
	f := newFixture(t, nil)
	f.primary.WithLabels(llm.RankedLabel{Label: "calculator.evaluate", Score: 0.9})

	ranked, sel, err := f.router.Classify(context.Background(), testReq, Requirements{}, &llm.ClassifyRequest{Text: "2+2"})
	require.NoError(t, err)
	assert.Equal(t, "primary", sel.Provider)
	require.Len(t, ranked, 1)
	assert.Equal(t, "calculator.evaluate", ranked[0].Label)
}

func TestNewRouterValidation(t *testing.T) {
	local := llm.NewMockProvider("local", llm.Local, 1, 0)
	remote := llm.NewMockProvider("remote", llm.Remote, 3, 0.01)

	cfg := DefaultConfig()
	cfg.Local = "remote"
	_, err := NewRouter(cfg, map[string]llm.Provider{"local": local, "remote": remote}, nil)
	assert.Error(t, err, "remote provider cannot be the local fallback")

	cfg.Local = "local"
	cfg.Preference = []string{"missing"}
	_, err = NewRouter(cfg, map[string]llm.Provider{"local": local, "remote": remote}, nil)
	assert.Error(t, err)

	cfg.Preference = nil
	r, err := NewRouter(cfg, map[string]llm.Provider{"local": local, "remote": remote}, nil)
	require.NoError(t, err)
	assert.Len(t, r.Providers(), 2)
}

func TestParsePrivacy(t *testing.T) {
	p, err := ParsePrivacy("")
	require.NoError(t, err)
	assert.Equal(t, PrivacyStandard, p)

	_, err = ParsePrivacy("paranoid")
	assert.Error(t, err)
}
