package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"pgregory.net/rapid"

	"github.com/normanking/agentcore/internal/bus"
	"github.com/normanking/agentcore/internal/config"
	"github.com/normanking/agentcore/internal/data"
	"github.com/normanking/agentcore/internal/plugin"
	"github.com/normanking/agentcore/pkg/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var _ plugin.Scratch = (*Lease)(nil)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestStore(opts Options, options ...StoreOption) (*Store, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	s := NewStore(opts, options...)
	s.now = clock.Now
	return s, clock
}

// ═══════════════════════════════════════════════════════════════════════════════
// CONTEXT
// ═══════════════════════════════════════════════════════════════════════════════

func TestGetContextCreatesOnFirstAccess(t *testing.T) {
	s, clock := newTestStore(DefaultOptions())
	sess := s.GetContext(context.Background(), "new")

	assert.Equal(t, "new", sess.ID)
	assert.Empty(t, sess.Turns)
	assert.NotNil(t, sess.Scratch)
	assert.Equal(t, clock.Now(), sess.CreatedAt)
	assert.Equal(t, 1, s.Len())
}

func TestGetContextReturnsSnapshot(t *testing.T) {
	s, _ := newTestStore(DefaultOptions())
	ctx := context.Background()
	s.AppendTurn(ctx, "s", Turn{IntentSummary: "a"})

	snap := s.GetContext(ctx, "s")
	snap.Turns[0].IntentSummary = "mutated"
	snap.Scratch["x"] = json.RawMessage(`1`)

	again := s.GetContext(ctx, "s")
	assert.Equal(t, "a", again.Turns[0].IntentSummary)
	assert.NotContains(t, again.Scratch, "x")
}

func TestAppendTurnEvictsOldest(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxTurns = 3
	s, _ := newTestStore(opts)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		s.AppendTurn(ctx, "s", Turn{IntentSummary: fmt.Sprintf("t%d", i)})
	}
	var got []string
	for _, turn := range s.GetContext(ctx, "s").Turns {
		got = append(got, turn.IntentSummary)
	}
	assert.Equal(t, []string{"t2", "t3", "t4"}, got)
}

func TestEvictionInvariant(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		opts := DefaultOptions()
		opts.MaxTurns = rapid.IntRange(1, 8).Draw(rt, "maxTurns")
		s, _ := newTestStore(opts)
		ctx := context.Background()

		n := rapid.IntRange(0, 40).Draw(rt, "appends")
		for i := 0; i < n; i++ {
			s.AppendTurn(ctx, "s", Turn{IntentSummary: fmt.Sprint(i)})
			turns := s.GetContext(ctx, "s").Turns
			if len(turns) > opts.MaxTurns {
				rt.Fatalf("%d turns exceed bound %d", len(turns), opts.MaxTurns)
			}
			if last := turns[len(turns)-1].IntentSummary; last != fmt.Sprint(i) {
				rt.Fatalf("newest turn is %s, want %d", last, i)
			}
		}
	})
}

func TestScratchSharedAcrossWriters(t *testing.T) {
	s, _ := newTestStore(DefaultOptions())
	ctx := context.Background()

	require.NoError(t, s.WriteScratch(ctx, "s", "awaiting", map[string]string{"plugin": "files", "step": "confirm"}))
	raw, ok := s.ReadScratch(ctx, "s", "awaiting")
	require.True(t, ok)
	assert.JSONEq(t, `{"plugin":"files","step":"confirm"}`, string(raw))

	require.NoError(t, s.WriteScratch(ctx, "s", "awaiting", nil))
	_, ok = s.ReadScratch(ctx, "s", "awaiting")
	assert.False(t, ok)

	assert.ErrorIs(t, s.WriteScratch(ctx, "s", "", 1), types.ErrValidation)
	assert.Error(t, s.WriteScratch(ctx, "s", "bad", make(chan int)))
}

// ═══════════════════════════════════════════════════════════════════════════════
// LEASE
// ═══════════════════════════════════════════════════════════════════════════════

func TestLeaseQueuesThenRejects(t *testing.T) {
	s, _ := newTestStore(DefaultOptions()) // queue depth 1
	ctx := context.Background()

	first, err := s.Acquire(ctx, "s", "r1")
	require.NoError(t, err)
	holder, ok := s.Holder("s")
	require.True(t, ok)
	assert.Equal(t, "r1", holder)

	acquired := make(chan *Lease, 1)
	go func() {
		l, err := s.Acquire(ctx, "s", "r2")
		if err == nil {
			acquired <- l
		}
	}()

	// Wait until r2 is queued, then a third request must be rejected.
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.sessions["s"].pending == 2
	}, time.Second, time.Millisecond)

	_, err = s.Acquire(ctx, "s", "r3")
	assert.ErrorIs(t, err, types.ErrSessionBusy)

	select {
	case <-acquired:
		t.Fatal("queued request acquired while the lease was held")
	case <-time.After(20 * time.Millisecond):
	}

	first.Release(ctx)
	second := <-acquired
	assert.Equal(t, "r2", second.RequestID)
	second.Release(ctx)

	_, ok = s.Holder("s")
	assert.False(t, ok)
}

func TestLeaseRejectWhenBusy(t *testing.T) {
	opts := DefaultOptions()
	opts.RejectWhenBusy = true
	s, _ := newTestStore(opts)
	ctx := context.Background()

	l, err := s.Acquire(ctx, "s", "r1")
	require.NoError(t, err)
	defer l.Release(ctx)

	_, err = s.Acquire(ctx, "s", "r2")
	assert.ErrorIs(t, err, types.ErrSessionBusy)

	// Other sessions are unaffected.
	other, err := s.Acquire(ctx, "t", "r3")
	require.NoError(t, err)
	other.Release(ctx)
}

func TestLeaseWaitCancelled(t *testing.T) {
	s, _ := newTestStore(DefaultOptions())
	l, err := s.Acquire(context.Background(), "s", "r1")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(10*time.Millisecond, cancel)
	_, err = s.Acquire(ctx, "s", "r2")
	assert.ErrorIs(t, err, types.ErrCancelled)

	tctx, tcancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer tcancel()
	_, err = s.Acquire(tctx, "s", "r3")
	assert.ErrorIs(t, err, types.ErrTimeout)

	// The abandoned waiters gave their queue slots back.
	l.Release(context.Background())
	l2, err := s.Acquire(context.Background(), "s", "r4")
	require.NoError(t, err)
	l2.Release(context.Background())
}

func TestLeaseReleaseIsIdempotent(t *testing.T) {
	s, _ := newTestStore(DefaultOptions())
	ctx := context.Background()
	l, err := s.Acquire(ctx, "s", "r1")
	require.NoError(t, err)
	l.Release(ctx)
	l.Release(ctx)

	l2, err := s.Acquire(ctx, "s", "r2")
	require.NoError(t, err)
	l2.Release(ctx)
}

func TestConcurrentLeasesNeverOverlap(t *testing.T) {
	opts := DefaultOptions()
	opts.QueueDepth = 16
	s, _ := newTestStore(opts)
	ctx := context.Background()

	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l, err := s.Acquire(ctx, "s", fmt.Sprintf("r%d", i))
			if err != nil {
				return
			}
			defer l.Release(ctx)
			n := inside.Add(1)
			for {
				m := maxInside.Load()
				if n <= m || maxInside.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			assert.NoError(t, l.AppendTurn(Turn{IntentSummary: "x"}))
			inside.Add(-1)
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, maxInside.Load())
	assert.Len(t, s.GetContext(ctx, "s").Turns, 10)
}

func TestLeaseScratchAndAppend(t *testing.T) {
	s, _ := newTestStore(DefaultOptions())
	ctx := context.Background()
	l, err := s.Acquire(ctx, "s", "r1")
	require.NoError(t, err)

	require.NoError(t, l.WriteScratch("count", 3))
	raw, ok := l.ReadScratch("count")
	require.True(t, ok)
	assert.Equal(t, "3", string(raw))

	require.NoError(t, l.AppendTurn(Turn{IntentSummary: "calculator.evaluate", Domain: "calculator"}))
	l.Release(ctx)

	sess := s.GetContext(ctx, "s")
	require.Len(t, sess.Turns, 1)
	assert.Equal(t, "r1", sess.Turns[0].RequestID)
	assert.Equal(t, "calculator", sess.LastDomain())
}

func TestReleasedLeaseRefusesWrites(t *testing.T) {
	s, _ := newTestStore(DefaultOptions())
	ctx := context.Background()

	stale, err := s.Acquire(ctx, "s", "r1")
	require.NoError(t, err)
	require.NoError(t, stale.WriteScratch("step", 1))
	stale.Release(ctx)

	current, err := s.Acquire(ctx, "s", "r2")
	require.NoError(t, err)
	defer current.Release(ctx)

	assert.ErrorIs(t, stale.WriteScratch("step", 2), types.ErrCancelled)
	assert.ErrorIs(t, stale.AppendTurn(Turn{IntentSummary: "late"}), types.ErrCancelled)
	_, ok := stale.ReadScratch("step")
	assert.False(t, ok)

	raw, ok := current.ReadScratch("step")
	require.True(t, ok)
	assert.Equal(t, "1", string(raw))
	assert.Empty(t, current.Session().Turns)
}

// ═══════════════════════════════════════════════════════════════════════════════
// REAPER
// ═══════════════════════════════════════════════════════════════════════════════

func TestSweepSkipsLeasedSessions(t *testing.T) {
	b := bus.NewBus()
	defer b.Close()

	opts := DefaultOptions()
	opts.IdleTimeout = time.Minute
	s, clock := newTestStore(opts, WithEvents(b))
	ctx := context.Background()

	s.GetContext(ctx, "idle")
	l, err := s.Acquire(ctx, "busy", "r1")
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	assert.Equal(t, []string{"idle"}, s.Sweep())
	assert.Equal(t, []string{"busy"}, s.Active())

	l.Release(ctx)
	assert.Empty(t, s.Sweep(), "release refreshes activity")
	clock.Advance(2 * time.Minute)
	assert.Equal(t, []string{"busy"}, s.Sweep())

	var reaped []string
	for _, ev := range b.History(bus.OfType(bus.EventSessionReaped), 0) {
		reaped = append(reaped, ev.SessionID)
	}
	assert.Equal(t, []string{"idle", "busy"}, reaped)
}

func TestSweepDestroysPersistedSnapshot(t *testing.T) {
	p := newSQLPersister(t)
	opts := DefaultOptions()
	opts.IdleTimeout = time.Minute
	s, clock := newTestStore(opts, WithPersister(p))
	ctx := context.Background()

	l, err := s.Acquire(ctx, "s", "r1")
	require.NoError(t, err)
	require.NoError(t, l.AppendTurn(Turn{IntentSummary: "calculator.evaluate", Domain: "calculator"}))
	require.NoError(t, l.WriteScratch("last", 1175))
	l.Release(ctx)

	clock.Advance(time.Hour)
	assert.Equal(t, []string{"s"}, s.Sweep())

	_, found, err := p.Load(ctx, "s")
	require.NoError(t, err)
	assert.False(t, found)

	sess := s.GetContext(ctx, "s")
	assert.Empty(t, sess.Turns)
	assert.Empty(t, sess.Scratch)
	assert.Equal(t, "", sess.LastDomain())
}

func TestExpiredSnapshotStartsFresh(t *testing.T) {
	p := newSQLPersister(t)
	opts := DefaultOptions()
	opts.IdleTimeout = time.Minute
	ctx := context.Background()

	first, _ := newTestStore(opts, WithPersister(p))
	first.AppendTurn(ctx, "s", Turn{IntentSummary: "files.list", Domain: "files"})
	l, err := first.Acquire(ctx, "s", "r1")
	require.NoError(t, err)
	l.Release(ctx)

	// A restarted process that comes back after the idle timeout.
	second, clock := newTestStore(opts, WithPersister(p))
	clock.Advance(time.Hour)
	assert.Empty(t, second.GetContext(ctx, "s").Turns)

	_, found, err := p.Load(ctx, "s")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestReaperStartStop(t *testing.T) {
	opts := DefaultOptions()
	opts.IdleTimeout = time.Nanosecond
	opts.SweepInterval = 5 * time.Millisecond
	s := NewStore(opts)

	s.GetContext(context.Background(), "s")
	s.Start(context.Background())
	require.Eventually(t, func() bool { return s.Len() == 0 }, time.Second, 5*time.Millisecond)
	s.Stop()
	s.Stop()
}

func TestDeleteLeasedSession(t *testing.T) {
	s, _ := newTestStore(DefaultOptions())
	ctx := context.Background()
	l, err := s.Acquire(ctx, "s", "r1")
	require.NoError(t, err)
	assert.ErrorIs(t, s.Delete(ctx, "s"), types.ErrSessionBusy)
	l.Release(ctx)
	assert.NoError(t, s.Delete(ctx, "s"))
	assert.Zero(t, s.Len())
}

// ═══════════════════════════════════════════════════════════════════════════════
// PERSISTENCE
// ═══════════════════════════════════════════════════════════════════════════════

func genSession(rt *rapid.T) *Session {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := &Session{
		ID:           rapid.StringMatching(`[a-z0-9-]{1,16}`).Draw(rt, "id"),
		Scratch:      make(map[string]json.RawMessage),
		CreatedAt:    base.Add(time.Duration(rapid.Int64Range(0, 1e12).Draw(rt, "created"))),
		LastActiveAt: base.Add(time.Duration(rapid.Int64Range(0, 1e12).Draw(rt, "active"))),
	}
	for i, n := 0, rapid.IntRange(0, 5).Draw(rt, "turns"); i < n; i++ {
		s.Turns = append(s.Turns, Turn{
			RequestID:       rapid.StringMatching(`[a-f0-9-]{0,36}`).Draw(rt, "rid"),
			IntentSummary:   rapid.StringMatching(`[ -~]{0,40}`).Draw(rt, "intent"),
			ResponseSummary: rapid.StringMatching(`[ -~]{0,80}`).Draw(rt, "response"),
			Domain:          rapid.SampledFrom([]string{"", "calculator", "files"}).Draw(rt, "domain"),
			Success:         rapid.Bool().Draw(rt, "success"),
			ErrorKind:       rapid.SampledFrom([]types.ErrorKind{types.KindNone, types.KindTimeout}).Draw(rt, "kind"),
			Timestamp:       base.Add(time.Duration(i) * time.Second),
		})
	}
	for i, n := 0, rapid.IntRange(0, 4).Draw(rt, "scratch"); i < n; i++ {
		v, _ := json.Marshal(rapid.SampledFrom([]any{"pending", 42.5, true}).Draw(rt, "value"))
		s.Scratch[rapid.StringMatching(`[a-z]{1,8}`).Draw(rt, "key")] = v
	}
	return s
}

func TestCodecRoundTrip(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		s := genSession(rt)
		data, err := Encode(s)
		if err != nil {
			rt.Fatalf("encode: %v", err)
		}
		got, err := Decode(data)
		if err != nil {
			rt.Fatalf("decode: %v", err)
		}
		if diff := cmp.Diff(s, got, cmpopts.EquateEmpty()); diff != "" {
			rt.Fatalf("round trip mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestDecodeRejects(t *testing.T) {
	_, err := Decode([]byte(`not json`))
	assert.Error(t, err)
	_, err = Decode([]byte(`{"v":1}`))
	assert.Error(t, err)
	_, err = Decode([]byte(`{"v":99,"session_id":"s"}`))
	assert.Error(t, err)
}

func newSQLPersister(t *testing.T) *SQLPersister {
	t.Helper()
	db, err := sql.Open(data.DriverCgo, ":memory:")
	require.NoError(t, err)
	store, err := data.NewStoreFromDB(db)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return NewSQLPersister(store)
}

func TestPersistAcrossStores(t *testing.T) {
	p := newSQLPersister(t)
	ctx := context.Background()

	first := NewStore(DefaultOptions(), WithPersister(p))
	l, err := first.Acquire(ctx, "s", "r1")
	require.NoError(t, err)
	require.NoError(t, l.AppendTurn(Turn{IntentSummary: "files.list", ResponseSummary: "3 files", Domain: "files", Success: true}))
	require.NoError(t, l.WriteScratch("cwd", "/tmp"))
	l.Release(ctx)

	second := NewStore(DefaultOptions(), WithPersister(p))
	sess := second.GetContext(ctx, "s")
	require.Len(t, sess.Turns, 1)
	assert.Equal(t, "files", sess.LastDomain())
	raw, ok := second.ReadScratch(ctx, "s", "cwd")
	require.True(t, ok)
	assert.Equal(t, `"/tmp"`, string(raw))

	want := first.GetContext(ctx, "s")
	if diff := cmp.Diff(want, sess, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("persisted session differs (-want +got):\n%s", diff)
	}

	require.NoError(t, second.Delete(ctx, "s"))
	_, found, err := p.Load(ctx, "s")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestReleasePersistsAfterCancel(t *testing.T) {
	p := newSQLPersister(t)
	s := NewStore(DefaultOptions(), WithPersister(p))

	ctx, cancel := context.WithCancel(context.Background())
	l, err := s.Acquire(ctx, "s", "r1")
	require.NoError(t, err)
	cancel()
	l.Release(ctx)

	_, found, err := p.Load(context.Background(), "s")
	require.NoError(t, err)
	assert.True(t, found)
}

func TestOptionsFrom(t *testing.T) {
	opts := OptionsFrom(config.SessionConfig{MaxTurns: 5, QueueDepth: 0, RejectWhenBusy: true})
	assert.Equal(t, 5, opts.MaxTurns)
	assert.Equal(t, 0, opts.QueueDepth)
	assert.True(t, opts.RejectWhenBusy)
	assert.Equal(t, DefaultOptions().IdleTimeout, opts.IdleTimeout)
}
