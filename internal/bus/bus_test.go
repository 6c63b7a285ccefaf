package bus

import (
	"encoding/json"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func transition(session, request, state string) Event {
	e := NewEvent(EventStateTransition)
	e.SessionID = session
	e.RequestID = request
	e.State = state
	return e
}

// ═══════════════════════════════════════════════════════════════════════════════
// FILTERS
// ═══════════════════════════════════════════════════════════════════════════════

func TestFilterMatch(t *testing.T) {
	e := transition("s1", "r1", "validated")

	tests := []struct {
		name   string
		filter Filter
		want   bool
	}{
		{"zero matches all", Filter{}, true},
		{"same type", OfType(EventStateTransition), true},
		{"one of several types", OfType(EventRouterFallback, EventStateTransition), true},
		{"other type", OfType(EventPluginInvoked), false},
		{"same request", ForRequest("s1", "r1"), true},
		{"other request", ForRequest("s1", "r2"), false},
		{"other session", Filter{SessionID: "s2"}, false},
		{"session and type", Filter{SessionID: "s1", Types: []EventType{EventStateTransition}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filter.Match(e))
		})
	}
}

func TestParseFilter(t *testing.T) {
	q, err := url.ParseQuery("session=s1&types=state_transition,%20router_fallback,&request=r9")
	require.NoError(t, err)

	f := ParseFilter(q)
	assert.Equal(t, "s1", f.SessionID)
	assert.Equal(t, "r9", f.RequestID)
	assert.Equal(t, []EventType{EventStateTransition, EventRouterFallback}, f.Types)
	assert.Equal(t, Filter{}, ParseFilter(nil))
}

// ═══════════════════════════════════════════════════════════════════════════════
// DELIVERY
// ═══════════════════════════════════════════════════════════════════════════════

func TestSubscribeDeliversMatchingEvents(t *testing.T) {
	b := NewBus()
	defer b.Close()

	got := make(chan Event, 4)
	id := b.Subscribe(Filter{SessionID: "s1"}, func(e Event) { got <- e })
	require.NotEmpty(t, id)

	require.NoError(t, b.Publish(transition("s2", "r1", "received")))
	require.NoError(t, b.Publish(transition("s1", "r1", "validated")))

	select {
	case e := <-got:
		assert.Equal(t, "validated", e.State)
		assert.Equal(t, "s1", e.SessionID)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
	assert.Empty(t, got)
}

func TestDeliveryKeepsPublishOrder(t *testing.T) {
	b := NewBus()
	defer b.Close()

	var mu sync.Mutex
	var states []string
	var wg sync.WaitGroup
	wg.Add(len(AllEventTypes))
	b.Subscribe(Filter{}, func(e Event) {
		mu.Lock()
		states = append(states, string(e.Type))
		mu.Unlock()
		wg.Done()
	})

	var want []string
	for _, et := range AllEventTypes {
		want = append(want, string(et))
		require.NoError(t, b.Publish(NewEvent(et)))
	}

	waitTimeout(t, &wg)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, want, states)
}

func TestUnsubscribe(t *testing.T) {
	b := NewBus()
	defer b.Close()

	var calls atomic.Int32
	id := b.Subscribe(OfType(EventRouterFallback), func(Event) { calls.Add(1) })
	require.NoError(t, b.Unsubscribe(id))
	assert.Equal(t, 0, b.Subscriptions())

	require.NoError(t, b.Publish(NewEvent(EventRouterFallback)))
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, int32(0), calls.Load())
	assert.Error(t, b.Unsubscribe(id))
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	b := NewBus(WithBuffer(4))
	defer b.Close()

	release := make(chan struct{})
	b.Subscribe(OfType(EventPluginInvoked), func(Event) { <-release })

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			_ = b.Publish(NewEvent(EventPluginInvoked))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
	close(release)
	assert.Greater(t, b.Dropped(), uint64(0))
}

func TestClosedBus(t *testing.T) {
	b := NewBus()
	b.Subscribe(Filter{}, func(Event) {})
	require.NoError(t, b.Close())

	assert.ErrorIs(t, b.Publish(NewEvent(EventStateTransition)), ErrClosed)
	assert.Empty(t, b.Subscribe(Filter{}, func(Event) {}))
	assert.ErrorIs(t, b.Close(), ErrClosed)
	assert.Equal(t, 0, b.Subscriptions())
}

func TestConcurrentPublishSubscribe(t *testing.T) {
	b := NewBus()
	defer b.Close()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			b.Subscribe(OfType(EventStateTransition), func(Event) {})
		}()
		go func() {
			defer wg.Done()
			_ = b.Publish(NewEvent(EventStateTransition))
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, b.Subscriptions())
	assert.Len(t, b.History(Filter{}, 0), 10)
}

// ═══════════════════════════════════════════════════════════════════════════════
// HISTORY
// ═══════════════════════════════════════════════════════════════════════════════

func TestHistoryRingKeepsNewest(t *testing.T) {
	b := NewBus(WithHistorySize(3))
	defer b.Close()

	for _, rid := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, b.Publish(transition("s", rid, "received")))
	}

	var ids []string
	for _, e := range b.History(Filter{}, 0) {
		ids = append(ids, e.RequestID)
	}
	assert.Equal(t, []string{"c", "d", "e"}, ids)

	last := b.History(Filter{}, 2)
	require.Len(t, last, 2)
	assert.Equal(t, "d", last[0].RequestID)
	assert.Equal(t, "e", last[1].RequestID)
}

func TestHistoryFor(t *testing.T) {
	b := NewBus()
	defer b.Close()

	for i, rid := range []string{"r1", "r2", "r1"} {
		require.NoError(t, b.Publish(transition("s", rid, []string{"received", "received", "validated"}[i])))
	}

	got := b.HistoryFor("s", "r1")
	require.Len(t, got, 2)
	assert.Equal(t, "received", got[0].State)
	assert.Equal(t, "validated", got[1].State)
	assert.Empty(t, b.HistoryFor("other", "r1"))
}

func TestHistoryDisabled(t *testing.T) {
	b := NewBus(WithHistorySize(0))
	defer b.Close()

	require.NoError(t, b.Publish(NewEvent(EventStateTransition)))
	assert.Empty(t, b.History(Filter{}, 0))
}

func TestNewEventIDsAreUnique(t *testing.T) {
	a, c := NewEvent(EventStateTransition), NewEvent(EventStateTransition)
	assert.NotEqual(t, a.ID, c.ID)
	assert.Equal(t, time.UTC, a.Timestamp.Location())
}

// ═══════════════════════════════════════════════════════════════════════════════
// OBSERVER
// ═══════════════════════════════════════════════════════════════════════════════

func dialObserver(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "?" + query
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var e Event
	require.NoError(t, json.Unmarshal(data, &e))
	return e
}

func TestObserverStreamsFilteredEvents(t *testing.T) {
	b := NewBus()
	defer b.Close()

	obs := NewObserver(b, DefaultObserverConfig())
	require.NoError(t, obs.Start())
	defer obs.Stop()

	srv := httptest.NewServer(obs)
	defer srv.Close()

	conn := dialObserver(t, srv, "session=s1&replay=false")
	defer conn.Close()
	require.Eventually(t, func() bool { return obs.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, b.Publish(transition("s2", "r1", "received")))
	require.NoError(t, b.Publish(transition("s1", "r1", "closed")))

	got := readEvent(t, conn)
	assert.Equal(t, "s1", got.SessionID)
	assert.Equal(t, "closed", got.State)
}

func TestObserverReplaysHistory(t *testing.T) {
	b := NewBus()
	defer b.Close()

	require.NoError(t, b.Publish(transition("s1", "r1", "received")))
	fb := NewEvent(EventRouterFallback)
	fb.SessionID = "s1"
	fb.Reason = "remote timeout"
	require.NoError(t, b.Publish(fb))
	require.NoError(t, b.Publish(transition("s1", "r1", "validated")))

	obs := NewObserver(b, DefaultObserverConfig())
	require.NoError(t, obs.Start())
	defer obs.Stop()

	srv := httptest.NewServer(obs)
	defer srv.Close()

	conn := dialObserver(t, srv, "types=router_fallback")
	defer conn.Close()

	got := readEvent(t, conn)
	assert.Equal(t, EventRouterFallback, got.Type)
	assert.Equal(t, "remote timeout", got.Reason)
}

func TestObserverNotRunning(t *testing.T) {
	b := NewBus()
	defer b.Close()

	obs := NewObserver(b, DefaultObserverConfig())
	rec := httptest.NewRecorder()
	obs.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
	assert.Equal(t, 503, rec.Code)
	assert.False(t, obs.IsRunning())
}

func TestObserverStopDisconnectsClients(t *testing.T) {
	b := NewBus()
	defer b.Close()

	obs := NewObserver(b, DefaultObserverConfig())
	require.NoError(t, obs.Start())

	srv := httptest.NewServer(obs)
	defer srv.Close()

	conn := dialObserver(t, srv, "")
	defer conn.Close()
	require.Eventually(t, func() bool { return obs.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, obs.Stop())
	assert.Equal(t, 0, obs.ClientCount())
	assert.Equal(t, 0, b.Subscriptions())

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
}

func waitTimeout(t *testing.T, wg *sync.WaitGroup) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for handlers")
	}
}
