package plugin

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/normanking/agentcore/internal/bus"
	"github.com/normanking/agentcore/internal/logging"
	"github.com/normanking/agentcore/pkg/types"
)

// DefaultMaxWallTime applies when a descriptor declares no ceiling.
const DefaultMaxWallTime = 10 * time.Second

// Executor runs plugin calls under the permission gate and the wall-clock
// ceiling.
type Executor struct {
	registry    *Registry
	events      bus.Publisher
	log         *logging.Logger
	maxWallTime time.Duration

	statsMu sync.Mutex
	stats   ExecutorStats
}

// ExecutorStats tracks plugin execution metrics.
type ExecutorStats struct {
	TotalExecutions int64         `json:"total_executions"`
	SuccessCount    int64         `json:"success_count"`
	FailureCount    int64         `json:"failure_count"`
	DeniedCount     int64         `json:"denied_count"`
	TimeoutCount    int64         `json:"timeout_count"`
	FaultCount      int64         `json:"fault_count"`
	TotalDuration   time.Duration `json:"total_duration"`
}

// ExecutorOption configures the Executor.
type ExecutorOption func(*Executor)

// WithMaxWallTime sets the default and upper bound for the call ceiling.
func WithMaxWallTime(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d > 0 {
			e.maxWallTime = d
		}
	}
}

// WithEvents publishes a plugin_invoked event per call.
func WithEvents(p bus.Publisher) ExecutorOption {
	return func(e *Executor) {
		e.events = p
	}
}

// NewExecutor creates an executor over the registry.
func NewExecutor(registry *Registry, opts ...ExecutorOption) *Executor {
	e := &Executor{
		registry:    registry,
		log:         logging.Global().WithComponent("plugin"),
		maxWallTime: DefaultMaxWallTime,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Invocation carries everything a single call needs besides the descriptor.
type Invocation struct {
	SessionID string
	RequestID string
	Intent    types.Intent
	Granted   PermissionSet
	Scratch   Scratch
}

type outcome struct {
	result *types.ExecutionResult
	err    error
}

// Invoke runs one call. It never returns an error and never panics: every
// failure is an ExecutionResult with an ErrorKind.
//
//   - permissions the action requires but the grant lacks: PermissionDenied,
//     before any handler code runs
//   - the ceiling expires: Timeout, and the handler is abandoned
//   - the handler errors, panics or reports failure: HandlerFault, unless it
//     reported PermissionDenied or Timeout
func (e *Executor) Invoke(ctx context.Context, desc Descriptor, inv Invocation) *types.ExecutionResult {
	start := time.Now()

	ent, release, err := e.registry.acquire(desc.Name)
	if err != nil {
		return e.finish(desc.Name, inv, start, types.Failed(types.KindOf(err), err.Error()))
	}
	// Always judge against the registered descriptor, not the caller's copy.
	desc = ent.desc

	if missing := inv.Granted.Missing(desc.RequiredFor(inv.Intent.Action)); len(missing) > 0 {
		release()
		e.log.Warn("[Plugin] %s denied: missing %v", desc.Name, missing)
		return e.finish(desc.Name, inv, start, types.Failed(types.KindPermissionDenied,
			fmt.Sprintf("%s needs %s, which has not been granted", desc.Name, describeMissing(missing))))
	}

	wall := desc.Limits.MaxWallTime
	if wall <= 0 || wall > e.maxWallTime {
		wall = e.maxWallTime
	}
	callCtx, cancel := context.WithTimeout(ctx, wall)
	defer cancel()

	inner := inv.Scratch
	if inner == nil {
		inner = nopScratch{}
	}
	scratch := &callScratch{inner: inner, plugin: desc.Name}
	defer scratch.revoke()
	call := &Call{
		Plugin:    desc.Name,
		SessionID: inv.SessionID,
		RequestID: inv.RequestID,
		Intent:    inv.Intent,
		Granted:   inv.Granted,
		Scratch:   scratch,
	}

	done := make(chan outcome, 1)
	go func() {
		defer release()
		defer func() {
			if p := recover(); p != nil {
				e.log.Error("[Plugin] %s panicked: %v\n%s", desc.Name, p, debug.Stack())
				done <- outcome{err: fmt.Errorf("panic: %v", p)}
			}
		}()
		res, err := ent.handler.Invoke(callCtx, call)
		done <- outcome{result: res, err: err}
	}()

	// The timer fires regardless of whether the handler ever looks at callCtx.
	select {
	case out := <-done:
		if out.err != nil && callCtx.Err() != nil {
			return e.finish(desc.Name, inv, start, e.expired(ctx, desc.Name, wall))
		}
		return e.finish(desc.Name, inv, start, normalize(desc.Name, out))
	case <-callCtx.Done():
		e.log.Warn("[Plugin] %s stopped after %v, abandoning call", desc.Name, time.Since(start))
		return e.finish(desc.Name, inv, start, e.expired(ctx, desc.Name, wall))
	}
}

// expired classifies a call whose context ended: the caller cancelling is
// Cancelled, anything else is the ceiling.
func (e *Executor) expired(parent context.Context, name string, wall time.Duration) *types.ExecutionResult {
	if err := parent.Err(); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return types.Failed(types.KindCancelled, "request cancelled")
	}
	return types.Failed(types.KindTimeout, fmt.Sprintf("%s did not finish within %v", name, wall))
}

// normalize turns whatever the handler produced into a well-formed result.
func normalize(name string, out outcome) *types.ExecutionResult {
	if out.err != nil {
		return types.Failed(handlerKind(types.KindOf(out.err)), out.err.Error())
	}
	if out.result == nil {
		return types.Failed(types.KindHandlerFault, fmt.Sprintf("%s returned no result", name))
	}

	res := *out.result
	if res.Success {
		res.ErrorKind = types.KindNone
	} else {
		res.ErrorKind = handlerKind(res.ErrorKind)
	}
	return &res
}

// handlerKind is the kind a handler may report for its own failure. Only the
// executor decides Cancelled; anything else unknown is a HandlerFault.
func handlerKind(kind types.ErrorKind) types.ErrorKind {
	switch kind {
	case types.KindPermissionDenied, types.KindTimeout:
		return kind
	default:
		return types.KindHandlerFault
	}
}

func (e *Executor) finish(name string, inv Invocation, start time.Time, res *types.ExecutionResult) *types.ExecutionResult {
	res.Duration = time.Since(start)

	e.statsMu.Lock()
	e.stats.TotalExecutions++
	e.stats.TotalDuration += res.Duration
	switch {
	case res.Success:
		e.stats.SuccessCount++
	default:
		e.stats.FailureCount++
		switch res.ErrorKind {
		case types.KindPermissionDenied:
			e.stats.DeniedCount++
		case types.KindTimeout:
			e.stats.TimeoutCount++
		case types.KindHandlerFault:
			e.stats.FaultCount++
		}
	}
	e.statsMu.Unlock()

	if e.events != nil {
		ev := bus.NewEvent(bus.EventPluginInvoked)
		ev.SessionID = inv.SessionID
		ev.RequestID = inv.RequestID
		ev.Plugin = name
		ev.DurationMs = res.Duration.Milliseconds()
		ev.ErrorKind = string(res.ErrorKind)
		if !res.Success {
			ev.Details = res.Message
		}
		_ = e.events.Publish(ev)
	}
	return res
}

// Stats returns execution statistics.
func (e *Executor) Stats() ExecutorStats {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	return e.stats
}

// SuccessRate returns the success rate as a percentage.
func (s *ExecutorStats) SuccessRate() float64 {
	if s.TotalExecutions == 0 {
		return 0
	}
	return float64(s.SuccessCount) / float64(s.TotalExecutions) * 100
}

// AvgDuration returns the average execution duration.
func (s *ExecutorStats) AvgDuration() time.Duration {
	if s.TotalExecutions == 0 {
		return 0
	}
	return time.Duration(int64(s.TotalDuration) / s.TotalExecutions)
}
