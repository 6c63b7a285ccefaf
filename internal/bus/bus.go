package bus

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
)

const (
	// DefaultHistorySize is how many recent events the ring keeps.
	DefaultHistorySize = 1000

	// DefaultBuffer is the per-subscriber queue length.
	DefaultBuffer = 100
)

// ErrClosed is returned by operations on a closed bus.
var ErrClosed = errors.New("bus is closed")

// Publisher is the write side of the bus. Components depend on this rather than *Bus.
type Publisher interface {
	Publish(event Event) error
}

var _ Publisher = (*Bus)(nil)

// ═══════════════════════════════════════════════════════════════════════════════
// FILTERS
// ═══════════════════════════════════════════════════════════════════════════════

// Filter selects events. Zero fields match everything.
type Filter struct {
	Types     []EventType
	SessionID string
	RequestID string
}

// OfType matches any of the given event types.
func OfType(types ...EventType) Filter {
	return Filter{Types: types}
}

// ForRequest matches the events of one request.
func ForRequest(sessionID, requestID string) Filter {
	return Filter{SessionID: sessionID, RequestID: requestID}
}

// Match reports whether e passes the filter.
func (f Filter) Match(e Event) bool {
	if f.SessionID != "" && f.SessionID != e.SessionID {
		return false
	}
	if f.RequestID != "" && f.RequestID != e.RequestID {
		return false
	}
	return len(f.Types) == 0 || slices.Contains(f.Types, e.Type)
}

// ═══════════════════════════════════════════════════════════════════════════════
// BUS
// ═══════════════════════════════════════════════════════════════════════════════

// SubscriptionID identifies a subscription.
type SubscriptionID string

type subscriber struct {
	filter  Filter
	handler func(Event)
	queue   chan Event
	stop    chan struct{}
}

// Bus fans events out to subscribers and keeps the most recent ones in a ring.
// Each subscriber has its own goroutine and queue; when the queue is full the
// event is dropped for that subscriber only, so Publish never blocks.
type Bus struct {
	mu     sync.RWMutex
	subs   map[SubscriptionID]*subscriber
	nextID atomic.Uint64
	buffer int

	ringMu sync.RWMutex
	ring   []Event
	head   int // next write position
	size   int

	dropped atomic.Uint64
	closed  atomic.Bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// Option configures a Bus.
type Option func(*Bus)

// WithHistorySize sets the ring capacity. Zero disables history.
func WithHistorySize(n int) Option {
	return func(b *Bus) {
		if n >= 0 {
			b.ring = make([]Event, n)
		}
	}
}

// WithBuffer sets the per-subscriber queue length.
func WithBuffer(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.buffer = n
		}
	}
}

// NewBus creates a bus.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		subs:   make(map[SubscriptionID]*subscriber),
		buffer: DefaultBuffer,
		ring:   make([]Event, DefaultHistorySize),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe calls handler for every published event matching f, in publish
// order, on a goroutine owned by the subscription. It returns "" once the bus
// is closed.
func (b *Bus) Subscribe(f Filter, handler func(Event)) SubscriptionID {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed.Load() {
		return ""
	}

	id := SubscriptionID(fmt.Sprintf("sub_%d", b.nextID.Add(1)))
	sub := &subscriber{
		filter:  f,
		handler: handler,
		queue:   make(chan Event, b.buffer),
		stop:    make(chan struct{}),
	}
	b.subs[id] = sub

	b.wg.Add(1)
	go b.run(sub)
	return id
}

func (b *Bus) run(sub *subscriber) {
	defer b.wg.Done()
	for {
		select {
		case e := <-sub.queue:
			sub.handler(e)
		case <-sub.stop:
			return
		case <-b.done:
			return
		}
	}
}

// Unsubscribe stops a subscription. Events still queued for it are discarded.
func (b *Bus) Unsubscribe(id SubscriptionID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed.Load() {
		return ErrClosed
	}
	sub, ok := b.subs[id]
	if !ok {
		return fmt.Errorf("subscription %s not found", id)
	}
	delete(b.subs, id)
	close(sub.stop)
	return nil
}

// Publish records the event and queues it for every matching subscriber.
func (b *Bus) Publish(event Event) error {
	if b.closed.Load() {
		return ErrClosed
	}
	if event.ID == "" {
		event.ID = generateEventID()
	}
	b.record(event)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !sub.filter.Match(event) {
			continue
		}
		select {
		case sub.queue <- event:
		default:
			b.dropped.Add(1)
		}
	}
	return nil
}

func (b *Bus) record(e Event) {
	b.ringMu.Lock()
	defer b.ringMu.Unlock()
	if len(b.ring) == 0 {
		return
	}
	b.ring[b.head] = e
	b.head = (b.head + 1) % len(b.ring)
	if b.size < len(b.ring) {
		b.size++
	}
}

// History returns up to limit of the most recent events matching f, oldest
// first. A limit <= 0 returns every match still in the ring.
func (b *Bus) History(f Filter, limit int) []Event {
	b.ringMu.RLock()
	defer b.ringMu.RUnlock()

	var out []Event
	// Walk newest to oldest so the limit keeps the most recent matches.
	for i := 0; i < b.size; i++ {
		idx := (b.head - 1 - i + len(b.ring)) % len(b.ring)
		if e := b.ring[idx]; f.Match(e) {
			out = append(out, e)
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	slices.Reverse(out)
	return out
}

// HistoryFor returns the recorded events of one request, oldest first.
func (b *Bus) HistoryFor(sessionID, requestID string) []Event {
	return b.History(ForRequest(sessionID, requestID), 0)
}

// Dropped counts deliveries skipped because a subscriber's queue was full.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Subscriptions returns the number of active subscriptions.
func (b *Bus) Subscriptions() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close stops every subscription goroutine and waits for handlers in progress.
// Later publishes fail with ErrClosed.
func (b *Bus) Close() error {
	b.mu.Lock()
	if !b.closed.CompareAndSwap(false, true) {
		b.mu.Unlock()
		return ErrClosed
	}
	close(b.done)
	b.subs = make(map[SubscriptionID]*subscriber)
	b.mu.Unlock()

	b.wg.Wait()
	return nil
}
