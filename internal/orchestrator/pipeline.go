// Package orchestrator runs a request through the pipeline: validate, lease
// the session, classify, route to a plugin, dispatch under the executor, and
// compose a response. Every state change is published on the event bus.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/normanking/agentcore/internal/autollm"
	"github.com/normanking/agentcore/internal/bus"
	"github.com/normanking/agentcore/internal/config"
	"github.com/normanking/agentcore/internal/intent"
	"github.com/normanking/agentcore/internal/llm"
	"github.com/normanking/agentcore/internal/logging"
	"github.com/normanking/agentcore/internal/plugin"
	"github.com/normanking/agentcore/internal/policy"
	"github.com/normanking/agentcore/internal/session"
	"github.com/normanking/agentcore/pkg/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// DEPENDENCIES
// ═══════════════════════════════════════════════════════════════════════════════

// Completer generates text through the model router. *autollm.Router
// implements it.
type Completer interface {
	Complete(ctx context.Context, req autollm.Request, reqs autollm.Requirements, creq *llm.CompletionRequest) (*llm.Completion, autollm.Selection, error)
}

// Granter decides a plugin's permissions for one call. *policy.Engine
// implements it.
type Granter interface {
	Grant(ctx context.Context, in policy.Input) (plugin.PermissionSet, error)
}

var (
	_ Completer = (*autollm.Router)(nil)
	_ Granter   = (*policy.Engine)(nil)
)

// Options bounds a request.
type Options struct {
	Budget         time.Duration
	MaxInputBytes  int
	ApologyTimeout time.Duration
}

// DefaultOptions returns the defaults.
func DefaultOptions() Options {
	return Options{
		Budget:         30 * time.Second,
		MaxInputBytes:  10000,
		ApologyTimeout: 3 * time.Second,
	}
}

// OptionsFrom maps the pipeline config section.
func OptionsFrom(cfg config.PipelineConfig) Options {
	opts := DefaultOptions()
	if cfg.Budget > 0 {
		opts.Budget = cfg.Budget
	}
	if cfg.MaxInputBytes > 0 {
		opts.MaxInputBytes = cfg.MaxInputBytes
	}
	if cfg.ApologyTimeout > 0 {
		opts.ApologyTimeout = cfg.ApologyTimeout
	}
	return opts
}

// Deps are the components the pipeline drives. Models, Grants and Responses
// may be nil: without Models responses come from the built-in templates,
// without Grants a plugin gets exactly its declared permissions, and without
// Responses replies are not customized.
type Deps struct {
	Sessions   *session.Store
	Classifier *intent.Classifier
	Registry   *plugin.Registry
	Executor   *plugin.Executor
	Grants     Granter
	Models     Completer
	Responses  *Customizer
	Events     bus.Publisher
}

// ═══════════════════════════════════════════════════════════════════════════════
// RESPONSE
// ═══════════════════════════════════════════════════════════════════════════════

// Response is what the pipeline returns for one request.
type Response struct {
	RequestID string                 `json:"request_id"`
	SessionID string                 `json:"session_id"`
	Text      string                 `json:"text"`
	Intent    *types.Intent          `json:"intent,omitempty"`
	Plugin    string                 `json:"plugin,omitempty"`
	Result    *types.ExecutionResult `json:"result,omitempty"`
	ErrorKind types.ErrorKind        `json:"error_kind,omitempty"`

	// Clarification is set when the pipeline asked a question instead of
	// dispatching.
	Clarification bool `json:"clarification,omitempty"`

	// Provider and Model name who composed Text; empty for fixed templates.
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`

	States   []State       `json:"states"`
	Duration time.Duration `json:"duration"`
}

// Stats counts request outcomes.
type Stats struct {
	Processed      int64 `json:"processed"`
	Succeeded      int64 `json:"succeeded"`
	Clarifications int64 `json:"clarifications"`
	Errored        int64 `json:"errored"`
	Rejected       int64 `json:"rejected"`
	Busy           int64 `json:"busy"`
	Cancelled      int64 `json:"cancelled"`
}

// ═══════════════════════════════════════════════════════════════════════════════
// PIPELINE
// ═══════════════════════════════════════════════════════════════════════════════

// Pipeline processes requests. It is safe for concurrent use; requests for
// different sessions run in parallel and requests for one session are
// serialized by the session lease.
type Pipeline struct {
	opts Options
	deps Deps
	log  *logging.Logger

	mu       sync.Mutex
	inflight map[string]context.CancelFunc

	statsMu sync.Mutex
	stats   Stats
}

// New creates a pipeline.
func New(opts Options, deps Deps) (*Pipeline, error) {
	if deps.Sessions == nil || deps.Classifier == nil || deps.Registry == nil || deps.Executor == nil {
		return nil, fmt.Errorf("pipeline needs sessions, classifier, registry and executor")
	}
	if opts.Budget <= 0 {
		opts.Budget = DefaultOptions().Budget
	}
	if opts.MaxInputBytes <= 0 {
		opts.MaxInputBytes = DefaultOptions().MaxInputBytes
	}
	if opts.ApologyTimeout <= 0 {
		opts.ApologyTimeout = DefaultOptions().ApologyTimeout
	}
	return &Pipeline{
		opts:     opts,
		deps:     deps,
		log:      logging.Global().WithComponent("pipeline"),
		inflight: make(map[string]context.CancelFunc),
	}, nil
}

// Stats returns a snapshot of the counters.
func (p *Pipeline) Stats() Stats {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	return p.stats
}

func (p *Pipeline) count(f func(*Stats)) {
	p.statsMu.Lock()
	f(&p.stats)
	p.statsMu.Unlock()
}

func inflightKey(sessionID, requestID string) string { return sessionID + "\x00" + requestID }

// Cancel stops an in-flight request. It reports whether the request was found.
func (p *Pipeline) Cancel(sessionID, requestID string) bool {
	p.mu.Lock()
	cancel, ok := p.inflight[inflightKey(sessionID, requestID)]
	p.mu.Unlock()
	if ok {
		p.log.Info("[Pipeline] cancelling %s/%s", sessionID, requestID)
		cancel()
	}
	return ok
}

// InFlight is the number of requests currently running.
func (p *Pipeline) InFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inflight)
}

// Process runs one request to completion. The returned Response is never nil.
// The error is non-nil when no handler ran to a result for the caller:
// ValidationError, SessionBusy, Cancelled, or Timeout while waiting for the
// session. Dispatch failures are reported in the Response, not as an error.
func (p *Pipeline) Process(ctx context.Context, req types.Request) (*Response, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = time.Now().UTC()
	}
	if req.Channel == "" {
		req.Channel = types.ChannelText
	}

	ctx, cancel := context.WithTimeout(ctx, p.opts.Budget)
	defer cancel()

	r := newRun(req.SessionID, req.ID, p.deps.Events, p.log)
	resp := &Response{RequestID: req.ID, SessionID: req.SessionID}
	p.count(func(s *Stats) { s.Processed++ })

	finish := func(err error) (*Response, error) {
		r.to(StateClosed)
		resp.States = r.states()
		resp.Duration = r.elapsed()
		p.log.Debug("[Pipeline] %s/%s closed after %v via %v", req.SessionID, req.ID, resp.Duration, resp.States)
		return resp, err
	}

	// Received -> Validated
	if err := p.validate(req); err != nil {
		p.count(func(s *Stats) { s.Rejected++ })
		resp.ErrorKind = types.KindValidation
		resp.Text = plainValidation(err)
		r.fail(StateErrored, types.KindValidation)
		return finish(err)
	}

	key := inflightKey(req.SessionID, req.ID)
	p.mu.Lock()
	if _, dup := p.inflight[key]; dup {
		p.mu.Unlock()
		err := types.Errorf(types.KindValidation, "pipeline.Process", "request %s is already in flight", req.ID)
		p.count(func(s *Stats) { s.Rejected++ })
		resp.ErrorKind = types.KindValidation
		resp.Text = plainValidation(err)
		r.fail(StateErrored, types.KindValidation)
		return finish(err)
	}
	p.inflight[key] = cancel
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.inflight, key)
		p.mu.Unlock()
	}()

	r.to(StateValidated)

	lease, err := p.deps.Sessions.Acquire(ctx, req.SessionID, req.ID)
	if err != nil {
		kind := types.KindOf(err)
		resp.ErrorKind = kind
		switch kind {
		case types.KindSessionBusy:
			p.count(func(s *Stats) { s.Busy++ })
			resp.Text = "I'm still working on your previous request. Please try again in a moment."
		case types.KindCancelled:
			p.count(func(s *Stats) { s.Cancelled++ })
			resp.Text = "Request cancelled."
		default:
			p.count(func(s *Stats) { s.Errored++ })
			resp.Text = "I couldn't get to your request in time. Please try again."
		}
		r.fail(StateErrored, kind)
		return finish(err)
	}
	defer lease.Release(ctx)

	return p.runLeased(ctx, req, lease, r, resp, finish)
}

type finishFunc func(error) (*Response, error)

func (p *Pipeline) runLeased(ctx context.Context, req types.Request, lease *session.Lease, r *run, resp *Response, finish finishFunc) (*Response, error) {
	sess := lease.Session()
	reqs := requirementsFor(req)
	areq := autollm.Request{SessionID: req.SessionID, RequestID: req.ID}

	// Validated -> Classified
	intents, err := p.deps.Classifier.Classify(ctx, req.Text, intent.Context{
		SessionID:    req.SessionID,
		RequestID:    req.ID,
		LastDomain:   sess.LastDomain(),
		Domains:      p.deps.Registry.Domains(),
		Requirements: reqs,
	})
	if err != nil {
		return p.abort(ctx, err, r, resp, finish)
	}
	r.to(StateClassified)

	// Classified -> ClarificationRequested -> Responded
	if len(intents) == 0 || len(intents[0].MissingRequired) > 0 {
		var top *types.Intent
		if len(intents) > 0 {
			top = &intents[0]
		}
		r.to(StateClarificationRequested)
		resp.Clarification = true
		resp.Intent = top
		p.compose(ctx, areq, reqs, resp, clarificationRequest(top, req.ID), req.Text)
		if ctx.Err() != nil {
			return p.abort(ctx, ctx.Err(), r, resp, finish)
		}
		r.to(StateResponded)
		p.count(func(s *Stats) { s.Clarifications++ })

		turn := session.Turn{IntentSummary: "clarification", ResponseSummary: summarize(resp.Text), Success: true}
		if top != nil {
			turn.IntentSummary = summarizeIntent(*top) + " (clarification)"
			turn.Domain = top.Domain
		}
		p.appendTurn(lease, turn)
		return finish(nil)
	}

	top := intents[0]
	resp.Intent = &top

	// Classified -> Routed
	candidates := p.deps.Registry.Resolve(top.Domain)
	if len(candidates) == 0 {
		// The classifier only offers served domains; the plugin was unloaded
		// in between.
		result := types.Failed(types.KindHandlerFault, fmt.Sprintf("no plugin serves %s", top.Domain))
		return p.errored(ctx, areq, lease, top, req.Text, result, r, resp, finish)
	}
	desc := candidates[0]
	resp.Plugin = desc.Name

	granted := desc.Declared()
	if p.deps.Grants != nil {
		granted, err = p.deps.Grants.Grant(ctx, policy.Input{
			SessionID: req.SessionID,
			Channel:   string(req.Channel),
			Plugin:    desc.Name,
			Domain:    top.Domain,
			Action:    top.Action,
			Declared:  desc.Declared().Strings(),
		})
		if err != nil {
			p.log.Warn("[Pipeline] grant policy failed for %s, granting nothing: %v", desc.Name, err)
			granted = 0
		}
	}
	r.to(StateRouted)

	// Routed -> Dispatched
	result := p.deps.Executor.Invoke(ctx, desc, plugin.Invocation{
		SessionID: req.SessionID,
		RequestID: req.ID,
		Intent:    top,
		Granted:   granted,
		Scratch:   lease,
	})
	resp.Result = result
	r.to(StateDispatched)

	if result.ErrorKind == types.KindCancelled || (ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded)) {
		return p.abort(ctx, types.Wrap(types.KindCancelled, "pipeline.Process", context.Canceled), r, resp, finish)
	}
	if !result.Success {
		return p.errored(ctx, areq, lease, top, req.Text, result, r, resp, finish)
	}

	// Dispatched -> Responded
	p.compose(ctx, areq, reqs, resp, resultRequest(top, result, p.deps.Registry.Domains(), req.ID), req.Text)
	if ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return p.abort(ctx, ctx.Err(), r, resp, finish)
	}
	r.to(StateResponded)
	p.count(func(s *Stats) { s.Succeeded++ })

	p.appendTurn(lease, session.Turn{
		IntentSummary:   summarizeIntent(top),
		ResponseSummary: summarize(resp.Text),
		Domain:          top.Domain,
		Success:         true,
	})
	return finish(nil)
}

// errored handles a failed dispatch: an explanation or an apology is generated,
// the failed turn is still appended, and the request closes from Errored.
func (p *Pipeline) errored(ctx context.Context, areq autollm.Request, lease *session.Lease, top types.Intent, input string, result *types.ExecutionResult, r *run, resp *Response, finish finishFunc) (*Response, error) {
	kind := result.ErrorKind
	resp.ErrorKind = kind
	resp.Result = result
	r.fail(StateErrored, kind)
	p.count(func(s *Stats) { s.Errored++ })

	if kind == types.KindPermissionDenied {
		resp.Text = "I can't do that here: " + result.Message + "."
	} else {
		p.apologize(ctx, areq, resp, result, input)
	}
	p.log.Warn("[Pipeline] %s/%s errored (%s): %s", areq.SessionID, areq.RequestID, kind, result.Message)

	p.appendTurn(lease, session.Turn{
		IntentSummary:   summarizeIntent(top),
		ResponseSummary: summarize(resp.Text),
		Domain:          top.Domain,
		Success:         false,
		ErrorKind:       kind,
	})
	return finish(nil)
}

func (p *Pipeline) appendTurn(lease *session.Lease, t session.Turn) {
	if err := lease.AppendTurn(t); err != nil {
		p.log.Warn("[Pipeline] turn not recorded: %v", err)
	}
}

// abort ends a request that was cancelled or ran out of budget before a
// result existed. Nothing is appended to the session.
func (p *Pipeline) abort(ctx context.Context, err error, r *run, resp *Response, finish finishFunc) (*Response, error) {
	kind := types.KindOf(err)
	if kind == types.KindNone {
		kind = types.KindCancelled
		if errors.Is(err, context.DeadlineExceeded) {
			kind = types.KindTimeout
		}
		err = types.Wrap(kind, "pipeline.Process", err)
	}
	resp.ErrorKind = kind
	if kind == types.KindCancelled {
		p.count(func(s *Stats) { s.Cancelled++ })
		resp.Text = "Request cancelled."
	} else {
		p.count(func(s *Stats) { s.Errored++ })
		resp.Text = "Sorry, that took too long. Please try again."
	}
	r.fail(StateErrored, kind)
	return finish(err)
}

// apologize composes a failure response local-first on a detached context,
// so a cancelled or expired request still gets one. A model failure falls back
// to the fixed template.
func (p *Pipeline) apologize(ctx context.Context, areq autollm.Request, resp *Response, result *types.ExecutionResult, input string) {
	actx, cancel := logging.DetachContextWithTimeout(ctx, p.opts.ApologyTimeout)
	defer cancel()
	p.compose(actx, areq, autollm.Requirements{PreferLocal: true}, resp, apologyRequest(result, areq.RequestID), input)
}

// compose fills resp.Text through the router, or from the template when there
// is no router or it fails. input is the user's text, which selects the
// response rules.
func (p *Pipeline) compose(ctx context.Context, areq autollm.Request, reqs autollm.Requirements, resp *Response, creq *llm.CompletionRequest, input string) {
	creq = p.deps.Responses.Apply(creq, input)
	if p.deps.Models != nil {
		c, sel, err := p.deps.Models.Complete(ctx, areq, reqs, creq)
		if err == nil && strings.TrimSpace(c.Text) != "" {
			resp.Text = strings.TrimSpace(p.deps.Responses.Filter(c.Text, input))
			resp.Provider = sel.Provider
			resp.Model = sel.Model
			if mustContain := creq.Vars["result"]; mustContain == "" || strings.Contains(resp.Text, mustContain) {
				return
			}
			// A model that dropped the computed value is not trusted.
			p.log.Debug("[Pipeline] %s reply omitted the result, using template", sel.Provider)
		} else if err != nil {
			p.log.Warn("[Pipeline] response composition failed, using template: %v", err)
		}
	}
	resp.Text = strings.TrimSpace(p.deps.Responses.Filter(creq.Render(), input))
	resp.Provider = ""
	resp.Model = ""
}

// ═══════════════════════════════════════════════════════════════════════════════
// VALIDATION
// ═══════════════════════════════════════════════════════════════════════════════

func (p *Pipeline) validate(req types.Request) error {
	const op = "pipeline.Validate"
	switch {
	case strings.TrimSpace(req.SessionID) == "":
		return types.Errorf(types.KindValidation, op, "session id is required")
	case strings.TrimSpace(req.Text) == "":
		return types.Errorf(types.KindValidation, op, "request text is empty")
	case len(req.Text) > p.opts.MaxInputBytes:
		return types.Errorf(types.KindValidation, op, "request text is %d bytes, the limit is %d", len(req.Text), p.opts.MaxInputBytes)
	case !utf8.ValidString(req.Text):
		return types.Errorf(types.KindValidation, op, "request text is not valid UTF-8")
	case !req.Channel.IsValid():
		return types.Errorf(types.KindValidation, op, "unknown input channel %q", req.Channel)
	}
	return nil
}

func plainValidation(err error) string {
	var e *types.Error
	if errors.As(err, &e) && e.Msg != "" {
		return "I couldn't accept that request: " + e.Msg + "."
	}
	return "I couldn't accept that request."
}

// requirementsFor reads per-request routing hints from the raw metadata.
func requirementsFor(req types.Request) autollm.Requirements {
	var reqs autollm.Requirements
	if p, err := autollm.ParsePrivacy(req.RawMetadata["privacy"]); err == nil {
		reqs.Privacy = p
	}
	reqs.PreferLocal = req.RawMetadata["prefer_local"] == "true"
	return reqs
}
