package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/normanking/agentcore/internal/bus"
	"github.com/normanking/agentcore/internal/config"
	"github.com/normanking/agentcore/internal/logging"
	"github.com/normanking/agentcore/pkg/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// OPTIONS
// ═══════════════════════════════════════════════════════════════════════════════

// Options configures the Store.
type Options struct {
	MaxTurns      int
	IdleTimeout   time.Duration
	SweepInterval time.Duration

	// QueueDepth is how many requests may wait behind the lease holder.
	QueueDepth int

	// RejectWhenBusy refuses a second request outright instead of queueing it.
	RejectWhenBusy bool

	// PersistTimeout bounds one snapshot write.
	PersistTimeout time.Duration
}

// DefaultOptions returns the defaults.
func DefaultOptions() Options {
	return Options{
		MaxTurns:       DefaultMaxTurns,
		IdleTimeout:    30 * time.Minute,
		SweepInterval:  time.Minute,
		QueueDepth:     1,
		PersistTimeout: 2 * time.Second,
	}
}

// OptionsFrom maps the session config section.
func OptionsFrom(cfg config.SessionConfig) Options {
	opts := DefaultOptions()
	if cfg.MaxTurns > 0 {
		opts.MaxTurns = cfg.MaxTurns
	}
	if cfg.IdleTimeout > 0 {
		opts.IdleTimeout = cfg.IdleTimeout
	}
	if cfg.SweepInterval > 0 {
		opts.SweepInterval = cfg.SweepInterval
	}
	if cfg.QueueDepth >= 0 {
		opts.QueueDepth = cfg.QueueDepth
	}
	opts.RejectWhenBusy = cfg.RejectWhenBusy
	return opts
}

// Persister stores session snapshots. Implementations must be safe for
// concurrent use.
type Persister interface {
	Save(ctx context.Context, s *Session) error
	Load(ctx context.Context, id string) (*Session, bool, error)
	Delete(ctx context.Context, id string) error
}

// ═══════════════════════════════════════════════════════════════════════════════
// STORE
// ═══════════════════════════════════════════════════════════════════════════════

type entry struct {
	mu   sync.Mutex
	sess *Session

	// sem holds one token while the session is leased.
	sem chan struct{}
	// pending counts the holder plus waiters. Guarded by Store.mu.
	pending int
	holder  string
}

// Store is the in-memory context store with optional persistence.
type Store struct {
	opts      Options
	persister Persister
	events    bus.Publisher
	log       *logging.Logger
	now       func() time.Time

	mu       sync.Mutex
	sessions map[string]*entry

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	wg        sync.WaitGroup
}

// StoreOption configures the Store.
type StoreOption func(*Store)

// WithPersister saves a snapshot on every lease release and loads it on first
// access.
func WithPersister(p Persister) StoreOption {
	return func(s *Store) { s.persister = p }
}

// WithEvents publishes session_reaped events.
func WithEvents(p bus.Publisher) StoreOption {
	return func(s *Store) { s.events = p }
}

// NewStore creates a store. Call Start to run the idle reaper.
func NewStore(opts Options, options ...StoreOption) *Store {
	if opts.MaxTurns <= 0 {
		opts.MaxTurns = DefaultMaxTurns
	}
	if opts.QueueDepth < 0 {
		opts.QueueDepth = 0
	}
	if opts.PersistTimeout <= 0 {
		opts.PersistTimeout = DefaultOptions().PersistTimeout
	}
	s := &Store{
		opts:     opts,
		log:      logging.Global().WithComponent("session"),
		now:      utcNow,
		sessions: make(map[string]*entry),
		stop:     make(chan struct{}),
	}
	for _, o := range options {
		o(s)
	}
	return s
}

// entryFor returns the entry for id, creating it (from the persister when a
// snapshot exists) on first access. Store.mu must not be held.
func (s *Store) entryFor(ctx context.Context, id string) *entry {
	s.mu.Lock()
	e, ok := s.sessions[id]
	s.mu.Unlock()
	if ok {
		return e
	}

	sess := s.load(ctx, id)

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.sessions[id]; ok {
		return e
	}
	e = &entry{sess: sess, sem: make(chan struct{}, 1)}
	s.sessions[id] = e
	return e
}

func (s *Store) load(ctx context.Context, id string) *Session {
	if s.persister != nil {
		sess, found, err := s.persister.Load(ctx, id)
		if err != nil {
			s.log.Warn("[Session] load %s failed, starting fresh: %v", id, err)
		} else if found && s.expired(sess.LastActiveAt) {
			s.log.Debug("[Session] snapshot of %s expired, starting fresh", id)
			s.forget(ctx, id)
		} else if found {
			if len(sess.Turns) > s.opts.MaxTurns {
				sess.Turns = sess.Turns[len(sess.Turns)-s.opts.MaxTurns:]
			}
			if sess.Scratch == nil {
				sess.Scratch = make(map[string]json.RawMessage)
			}
			return sess
		}
	}
	return newSession(id, s.now())
}

// GetContext returns a snapshot of the session, creating it on first access.
// Absent and fresh sessions look the same.
func (s *Store) GetContext(ctx context.Context, id string) *Session {
	e := s.entryFor(ctx, id)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sess.Clone()
}

// AppendTurn records a completed exchange, evicting the oldest turn once the
// bound is exceeded.
func (s *Store) AppendTurn(ctx context.Context, id string, t Turn) {
	e := s.entryFor(ctx, id)
	e.mu.Lock()
	defer e.mu.Unlock()
	s.appendLocked(e, t)
}

func (s *Store) appendLocked(e *entry, t Turn) {
	now := s.now()
	if t.Timestamp.IsZero() {
		t.Timestamp = now
	}
	e.sess.appendTurn(t, s.opts.MaxTurns)
	e.sess.LastActiveAt = now
}

// ReadScratch returns the raw value stored under key.
func (s *Store) ReadScratch(ctx context.Context, id, key string) (json.RawMessage, bool) {
	e := s.entryFor(ctx, id)
	e.mu.Lock()
	defer e.mu.Unlock()
	return readScratch(e, key)
}

// WriteScratch stores value under key. Every plugin in the session sees it.
func (s *Store) WriteScratch(ctx context.Context, id, key string, value any) error {
	e := s.entryFor(ctx, id)
	e.mu.Lock()
	defer e.mu.Unlock()
	return s.writeScratch(e, key, value)
}

func readScratch(e *entry, key string) (json.RawMessage, bool) {
	v, ok := e.sess.Scratch[key]
	if !ok {
		return nil, false
	}
	return append(json.RawMessage(nil), v...), true
}

func (s *Store) writeScratch(e *entry, key string, value any) error {
	if key == "" {
		return types.Errorf(types.KindValidation, "session.WriteScratch", "scratch key cannot be empty")
	}
	if value == nil {
		delete(e.sess.Scratch, key)
		return nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("scratch %s: %w", key, err)
	}
	e.sess.Scratch[key] = raw
	e.sess.LastActiveAt = s.now()
	return nil
}

// Delete forgets a session in memory and in the persister. A leased session
// cannot be deleted.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	if e, ok := s.sessions[id]; ok {
		if e.pending > 0 {
			s.mu.Unlock()
			return types.Errorf(types.KindSessionBusy, "session.Delete", "session %s is in use", id)
		}
		delete(s.sessions, id)
	}
	s.mu.Unlock()

	if s.persister != nil {
		return s.persister.Delete(ctx, id)
	}
	return nil
}

// Active lists the in-memory session IDs, sorted.
func (s *Store) Active() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len is the number of in-memory sessions.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// ═══════════════════════════════════════════════════════════════════════════════
// LEASE
// ═══════════════════════════════════════════════════════════════════════════════

// Lease is an exclusive, request-scoped claim on a session. Release must be
// called on every path; it is idempotent.
type Lease struct {
	store     *Store
	entry     *entry
	SessionID string
	RequestID string
	once      sync.Once

	// released is guarded by entry.mu.
	released bool
}

// Acquire claims the session for requestID. When the session is leased the
// call waits in a bounded queue; a full queue, or any contention in reject
// mode, fails with SessionBusy. A context that ends while waiting returns
// Cancelled or Timeout.
func (s *Store) Acquire(ctx context.Context, sessionID, requestID string) (*Lease, error) {
	const op = "session.Acquire"

	var e *entry
	for {
		e = s.entryFor(ctx, sessionID)

		s.mu.Lock()
		if s.sessions[sessionID] != e {
			// Reaped between lookup and reservation.
			s.mu.Unlock()
			continue
		}
		limit := 1 + s.opts.QueueDepth
		if s.opts.RejectWhenBusy {
			limit = 1
		}
		if e.pending >= limit {
			holder := e.holder
			s.mu.Unlock()
			return nil, types.Errorf(types.KindSessionBusy, op, "session %s is busy with request %s", sessionID, holder)
		}
		e.pending++
		s.mu.Unlock()
		break
	}

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		s.mu.Lock()
		e.pending--
		s.mu.Unlock()
		kind := types.KindCancelled
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			kind = types.KindTimeout
		}
		return nil, types.Wrap(kind, op, ctx.Err())
	}

	s.mu.Lock()
	e.holder = requestID
	s.mu.Unlock()

	e.mu.Lock()
	e.sess.LastActiveAt = s.now()
	e.mu.Unlock()

	return &Lease{store: s, entry: e, SessionID: sessionID, RequestID: requestID}, nil
}

// Session returns a snapshot of the leased session.
func (l *Lease) Session() *Session {
	l.entry.mu.Lock()
	defer l.entry.mu.Unlock()
	return l.entry.sess.Clone()
}

func (l *Lease) releasedError(op string) error {
	return types.Errorf(types.KindCancelled, op, "lease of %s for request %s was released", l.SessionID, l.RequestID)
}

// AppendTurn records the outcome of the leased request. It fails once the
// lease has been released.
func (l *Lease) AppendTurn(t Turn) error {
	if t.RequestID == "" {
		t.RequestID = l.RequestID
	}
	l.entry.mu.Lock()
	defer l.entry.mu.Unlock()
	if l.released {
		return l.releasedError("session.AppendTurn")
	}
	l.store.appendLocked(l.entry, t)
	return nil
}

// ReadScratch implements plugin.Scratch. A released lease reads nothing.
func (l *Lease) ReadScratch(key string) (json.RawMessage, bool) {
	l.entry.mu.Lock()
	defer l.entry.mu.Unlock()
	if l.released {
		return nil, false
	}
	return readScratch(l.entry, key)
}

// WriteScratch implements plugin.Scratch. It fails once the lease has been
// released.
func (l *Lease) WriteScratch(key string, value any) error {
	l.entry.mu.Lock()
	defer l.entry.mu.Unlock()
	if l.released {
		return l.releasedError("session.WriteScratch")
	}
	return l.store.writeScratch(l.entry, key, value)
}

// Release gives the session back and persists a snapshot. The snapshot write
// runs on a detached context so a cancelled request still saves.
func (l *Lease) Release(ctx context.Context) {
	l.once.Do(func() {
		s := l.store
		e := l.entry

		e.mu.Lock()
		l.released = true
		e.sess.LastActiveAt = s.now()
		snap := e.sess.Clone()
		e.mu.Unlock()

		s.mu.Lock()
		e.holder = ""
		e.pending--
		s.mu.Unlock()
		<-e.sem

		if s.persister == nil {
			return
		}
		pctx, cancel := logging.DetachContextWithTimeout(ctx, s.opts.PersistTimeout)
		defer cancel()
		if err := s.persister.Save(pctx, snap); err != nil {
			s.log.Warn("[Session] persist %s failed: %v", l.SessionID, err)
		}
	})
}

// Holder returns the request currently holding the session's lease.
func (s *Store) Holder(sessionID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.sessions[sessionID]
	if !ok || e.holder == "" {
		return "", false
	}
	return e.holder, true
}

// ═══════════════════════════════════════════════════════════════════════════════
// REAPER
// ═══════════════════════════════════════════════════════════════════════════════

// Start runs the idle sweep every SweepInterval until Stop or ctx ends.
func (s *Store) Start(ctx context.Context) {
	if s.opts.SweepInterval <= 0 || s.opts.IdleTimeout <= 0 {
		return
	}
	s.startOnce.Do(func() {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			ticker := time.NewTicker(s.opts.SweepInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					s.Sweep()
				case <-s.stop:
					return
				case <-ctx.Done():
					return
				}
			}
		}()
		s.log.Debug("[Session] reaper started (interval=%v idle=%v)", s.opts.SweepInterval, s.opts.IdleTimeout)
	})
}

// Stop ends the reaper and waits for it.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.wg.Wait()
}

// expired reports whether a session last active at t is past the idle timeout.
func (s *Store) expired(t time.Time) bool {
	return s.opts.IdleTimeout > 0 && t.Before(s.now().Add(-s.opts.IdleTimeout))
}

// forget deletes the persisted snapshot of a reaped session.
func (s *Store) forget(ctx context.Context, id string) {
	if s.persister == nil {
		return
	}
	dctx, cancel := logging.DetachContextWithTimeout(ctx, s.opts.PersistTimeout)
	defer cancel()
	if err := s.persister.Delete(dctx, id); err != nil {
		s.log.Warn("[Session] delete snapshot of %s failed: %v", id, err)
	}
}

// Sweep destroys sessions idle longer than IdleTimeout, in memory and in the
// persister. Leased or queued sessions are skipped. It returns the reaped IDs.
func (s *Store) Sweep() []string {
	s.mu.Lock()
	var reaped []string
	for id, e := range s.sessions {
		if e.pending > 0 {
			continue
		}
		e.mu.Lock()
		idle := s.expired(e.sess.LastActiveAt)
		e.mu.Unlock()
		if idle {
			delete(s.sessions, id)
			reaped = append(reaped, id)
		}
	}
	s.mu.Unlock()

	sort.Strings(reaped)
	for _, id := range reaped {
		s.log.Debug("[Session] reaped idle session %s", id)
		s.forget(context.Background(), id)
		if s.events != nil {
			ev := bus.NewEvent(bus.EventSessionReaped)
			ev.SessionID = id
			_ = s.events.Publish(ev)
		}
	}
	return reaped
}
