package orchestrator

import (
	"sync"
	"time"

	"github.com/normanking/agentcore/internal/bus"
	"github.com/normanking/agentcore/internal/logging"
	"github.com/normanking/agentcore/pkg/types"
)

// State is a pipeline state.
type State string

const (
	StateReceived               State = "received"
	StateValidated              State = "validated"
	StateClassified             State = "classified"
	StateClarificationRequested State = "clarification_requested"
	StateRouted                 State = "routed"
	StateDispatched             State = "dispatched"
	StateResponded              State = "responded"
	StateErrored                State = "errored"
	StateClosed                 State = "closed"
)

// transitions lists the legal successors of each state. Errored is reachable
// from every non-terminal state.
var transitions = map[State][]State{
	StateReceived:               {StateValidated},
	StateValidated:              {StateClassified},
	StateClassified:             {StateRouted, StateClarificationRequested},
	StateClarificationRequested: {StateResponded},
	StateRouted:                 {StateDispatched},
	StateDispatched:             {StateResponded},
	StateResponded:              {StateClosed},
	StateErrored:                {StateClosed},
}

// CanTransition reports whether from -> to is legal.
func CanTransition(from, to State) bool {
	if to == StateErrored {
		return from != StateClosed && from != StateErrored
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// run tracks one request through the state machine and emits a
// state_transition event on every entry. DurationMs is the time spent in the
// state being left.
type run struct {
	sessionID string
	requestID string
	events    bus.Publisher
	log       *logging.Logger

	mu      sync.Mutex
	state   State
	entered time.Time
	start   time.Time
	trace   []State
}

func newRun(sessionID, requestID string, events bus.Publisher, log *logging.Logger) *run {
	now := time.Now()
	r := &run{
		sessionID: sessionID,
		requestID: requestID,
		events:    events,
		log:       log,
		state:     StateReceived,
		entered:   now,
		start:     now,
		trace:     []State{StateReceived},
	}
	r.publish(StateReceived, 0, types.KindNone)
	return r
}

func (r *run) to(next State) { r.fail(next, types.KindNone) }

// fail moves to next, attaching kind to the event.
func (r *run) fail(next State, kind types.ErrorKind) {
	r.mu.Lock()
	from := r.state
	if !CanTransition(from, next) {
		r.mu.Unlock()
		r.log.Error("[Pipeline] illegal transition %s -> %s (request %s)", from, next, r.requestID)
		return
	}
	now := time.Now()
	spent := now.Sub(r.entered)
	r.state = next
	r.entered = now
	r.trace = append(r.trace, next)
	r.mu.Unlock()

	r.publish(next, spent, kind)
}

func (r *run) publish(state State, spent time.Duration, kind types.ErrorKind) {
	if r.events == nil {
		return
	}
	ev := bus.NewEvent(bus.EventStateTransition)
	ev.SessionID = r.sessionID
	ev.RequestID = r.requestID
	ev.State = string(state)
	ev.DurationMs = spent.Milliseconds()
	ev.ErrorKind = string(kind)
	_ = r.events.Publish(ev)
}

func (r *run) current() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *run) states() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.trace...)
}

func (r *run) elapsed() time.Duration { return time.Since(r.start) }
