// Package intent turns request text into ranked intents. A pattern pass scores
// every (domain, action) rule by keyword and regex weights; when it is unsure,
// an optional semantic pass asks a routed model to rank the same labels.
package intent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/normanking/agentcore/internal/autollm"
	"github.com/normanking/agentcore/internal/config"
	"github.com/normanking/agentcore/internal/llm"
	"github.com/normanking/agentcore/internal/logging"
	"github.com/normanking/agentcore/pkg/types"
)

// ModelClassifier ranks labels with a language model. *autollm.Router
// implements it.
type ModelClassifier interface {
	Classify(ctx context.Context, req autollm.Request, reqs autollm.Requirements, creq *llm.ClassifyRequest) ([]llm.RankedLabel, autollm.Selection, error)
}

var _ ModelClassifier = (*autollm.Router)(nil)

// Context is what the classifier knows about the conversation.
type Context struct {
	SessionID string
	RequestID string

	// LastDomain is the domain of the most recent turn; it wins ties.
	LastDomain string

	// Domains restricts candidates to domains a plugin serves. Nil allows all.
	Domains []string

	// Requirements are passed to the model router for the semantic pass.
	Requirements autollm.Requirements
}

// Options configures the Classifier.
type Options struct {
	// Threshold is the minimum confidence an intent needs to be returned.
	Threshold float64
	// Epsilon is the band within which two confidences count as tied.
	Epsilon float64
	// SemanticThreshold: below this top confidence the model pass runs.
	// Zero disables it.
	SemanticThreshold float64
	SemanticTimeout   time.Duration
}

// DefaultOptions returns the defaults.
func DefaultOptions() Options {
	return Options{
		Threshold:       0.4,
		Epsilon:         0.05,
		SemanticTimeout: 2 * time.Second,
	}
}

// OptionsFrom maps the classifier config section.
func OptionsFrom(cfg config.ClassifierConfig) Options {
	opts := DefaultOptions()
	if cfg.Threshold > 0 {
		opts.Threshold = cfg.Threshold
	}
	if cfg.Epsilon > 0 {
		opts.Epsilon = cfg.Epsilon
	}
	opts.SemanticThreshold = cfg.SemanticThreshold
	if cfg.SemanticTimeout > 0 {
		opts.SemanticTimeout = cfg.SemanticTimeout
	}
	return opts
}

// Stats tracks classification outcomes.
type Stats struct {
	Total            int64 `json:"total"`
	Matched          int64 `json:"matched"`
	NoMatch          int64 `json:"no_match"`
	SemanticCalls    int64 `json:"semantic_calls"`
	SemanticWins     int64 `json:"semantic_wins"`
	SemanticFailures int64 `json:"semantic_failures"`
}

// Classifier ranks intents for request text.
type Classifier struct {
	opts  Options
	model ModelClassifier
	log   *logging.Logger

	mu    sync.RWMutex
	rules []*Rule
	keys  map[string]bool

	statsMu sync.Mutex
	stats   Stats
}

// NewClassifier creates a classifier. A nil rules slice installs DefaultRules;
// model may be nil to disable the semantic pass.
func NewClassifier(opts Options, rules []*Rule, model ModelClassifier) (*Classifier, error) {
	if opts.Threshold < 0 || opts.Threshold > 1 {
		return nil, fmt.Errorf("threshold %v out of range [0,1]", opts.Threshold)
	}
	if opts.Epsilon < 0 || opts.Epsilon > 1 {
		return nil, fmt.Errorf("epsilon %v out of range [0,1]", opts.Epsilon)
	}
	if rules == nil {
		rules = DefaultRules()
	}
	c := &Classifier{
		opts:  opts,
		model: model,
		log:   logging.Global().WithComponent("intent"),
		keys:  make(map[string]bool),
	}
	for _, r := range rules {
		if err := c.AddRule(r); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// AddRule registers a rule. Keys must be unique.
func (c *Classifier) AddRule(r *Rule) error {
	if r == nil || r.Domain == "" || r.Action == "" {
		return fmt.Errorf("rule needs a domain and an action")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.keys[r.Key()] {
		return types.Errorf(types.KindDuplicateName, "intent.AddRule", "rule %s already registered", r.Key())
	}
	c.keys[r.Key()] = true
	c.rules = append(c.rules, r)
	return nil
}

// Keys lists the registered rule keys in registration order.
func (c *Classifier) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, len(c.rules))
	for i, r := range c.rules {
		out[i] = r.Key()
	}
	return out
}

// Stats returns a snapshot of the counters.
func (c *Classifier) Stats() Stats {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	return c.stats
}

type candidate struct {
	intent types.Intent
	order  int
}

// Classify returns intents at or above the threshold, highest confidence
// first. Intents within Epsilon of each other are ordered by topic continuity,
// then by entity count. An empty result means nothing matched; it is not an
// error. Only a cancelled or expired ctx returns an error.
func (c *Classifier) Classify(ctx context.Context, text string, cctx Context) ([]types.Intent, error) {
	n := normalize(text)
	normalized := n.text
	key := matchKey(normalized)

	c.mu.RLock()
	rules := c.eligibleRules(cctx.Domains)
	c.mu.RUnlock()

	byKey := make(map[string]*candidate)
	var cands []*candidate
	var top float64
	for i, r := range rules {
		score, hits := r.score(key, normalized)
		if hits == 0 {
			continue
		}
		conf := score / (score + 1)
		cand := &candidate{intent: c.build(r, n, conf, cctx.RequestID), order: i}
		byKey[r.Key()] = cand
		cands = append(cands, cand)
		if conf > top {
			top = conf
		}
	}

	if c.model != nil && c.opts.SemanticThreshold > 0 && top < c.opts.SemanticThreshold && len(rules) > 0 {
		extra, err := c.semantic(ctx, n, rules, byKey, cctx)
		if err != nil {
			return nil, err
		}
		cands = append(cands, extra...)
	}

	var kept []*candidate
	for _, cand := range cands {
		if cand.intent.Confidence >= c.opts.Threshold {
			kept = append(kept, cand)
		}
	}
	out := c.rank(kept, cctx.LastDomain)

	c.statsMu.Lock()
	c.stats.Total++
	if len(out) == 0 {
		c.stats.NoMatch++
	} else {
		c.stats.Matched++
	}
	c.statsMu.Unlock()

	if len(out) > 0 {
		c.log.Debug("[Intent] %q -> %s (%.2f, %d candidates)", normalized, out[0].Key(), out[0].Confidence, len(out))
	} else {
		c.log.Debug("[Intent] %q -> no intent above %.2f", normalized, c.opts.Threshold)
	}
	return out, nil
}

func (c *Classifier) eligibleRules(domains []string) []*Rule {
	if domains == nil {
		return append([]*Rule(nil), c.rules...)
	}
	allowed := make(map[string]bool, len(domains))
	for _, d := range domains {
		allowed[d] = true
	}
	var out []*Rule
	for _, r := range c.rules {
		if allowed[r.Domain] {
			out = append(out, r)
		}
	}
	return out
}

// build extracts entities from the normalized text and reports their spans
// against the raw input.
func (c *Classifier) build(r *Rule, n normalized, conf float64, requestID string) types.Intent {
	in := types.Intent{
		Domain:          r.Domain,
		Action:          r.Action,
		Confidence:      conf,
		SourceRequestID: requestID,
	}
	seen := make(map[string]bool)
	for _, x := range r.Extractors {
		if seen[x.Name] {
			continue
		}
		if ent, ok := x.Extract(n.text); ok {
			ent.Span = n.original(ent.Span)
			in.Entities = append(in.Entities, ent)
			seen[x.Name] = true
		}
	}
	for _, req := range r.Required {
		if !seen[req] {
			in.MissingRequired = append(in.MissingRequired, req)
		}
	}
	return in
}

// semantic asks the model to rank the rule labels. A label the model scores
// higher than the pattern pass raises that intent's confidence. Model failures
// are logged and ignored.
func (c *Classifier) semantic(ctx context.Context, n normalized, rules []*Rule, byKey map[string]*candidate, cctx Context) ([]*candidate, error) {
	labels := make([]llm.Label, len(rules))
	index := make(map[string]int, len(rules))
	for i, r := range rules {
		labels[i] = llm.Label{Name: r.Key(), Description: r.Description, Keywords: r.Keywords}
		index[r.Key()] = i
	}

	c.statsMu.Lock()
	c.stats.SemanticCalls++
	c.statsMu.Unlock()

	sctx, cancel := context.WithTimeout(ctx, c.opts.SemanticTimeout)
	defer cancel()

	ranked, sel, err := c.model.Classify(sctx,
		autollm.Request{SessionID: cctx.SessionID, RequestID: cctx.RequestID},
		cctx.Requirements,
		&llm.ClassifyRequest{Text: n.text, Labels: labels})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			kind := types.KindCancelled
			if errors.Is(ctxErr, context.DeadlineExceeded) {
				kind = types.KindTimeout
			}
			return nil, types.Wrap(kind, "intent.Classify", ctxErr)
		}
		c.statsMu.Lock()
		c.stats.SemanticFailures++
		c.statsMu.Unlock()
		c.log.Warn("[Intent] semantic pass failed, keeping pattern result: %v", err)
		return nil, nil
	}

	var extra []*candidate
	won := false
	for _, rl := range ranked {
		i, ok := index[rl.Label]
		if !ok || rl.Score <= 0 {
			continue
		}
		score := rl.Score
		if score > 1 {
			score = 1
		}
		if cand, ok := byKey[rl.Label]; ok {
			if score > cand.intent.Confidence {
				cand.intent.Confidence = score
				won = true
			}
			continue
		}
		cand := &candidate{intent: c.build(rules[i], n, score, cctx.RequestID), order: i}
		byKey[rl.Label] = cand
		extra = append(extra, cand)
		won = true
	}
	if won {
		c.statsMu.Lock()
		c.stats.SemanticWins++
		c.statsMu.Unlock()
		c.log.Debug("[Intent] semantic pass via %s/%s raised candidates", sel.Provider, sel.Model)
	}
	return extra, nil
}

// rank orders candidates greedily: at each position the candidates within
// Epsilon of the best remaining confidence compete, and the winner is the one
// continuing the last turn's domain, then the one with more entities, then the
// one missing no required entity, then the more confident, then the earlier
// rule.
func (c *Classifier) rank(cands []*candidate, lastDomain string) []types.Intent {
	remaining := append([]*candidate(nil), cands...)
	out := make([]types.Intent, 0, len(cands))
	for len(remaining) > 0 {
		var best float64
		for _, cand := range remaining {
			if cand.intent.Confidence > best {
				best = cand.intent.Confidence
			}
		}
		win := -1
		for i, cand := range remaining {
			if best-cand.intent.Confidence > c.opts.Epsilon {
				continue
			}
			if win < 0 || c.beats(cand, remaining[win], lastDomain) {
				win = i
			}
		}
		out = append(out, remaining[win].intent)
		remaining = append(remaining[:win], remaining[win+1:]...)
	}
	return out
}

func (c *Classifier) beats(a, b *candidate, lastDomain string) bool {
	if lastDomain != "" {
		am, bm := a.intent.Domain == lastDomain, b.intent.Domain == lastDomain
		if am != bm {
			return am
		}
	}
	if len(a.intent.Entities) != len(b.intent.Entities) {
		return len(a.intent.Entities) > len(b.intent.Entities)
	}
	if ac, bc := len(a.intent.MissingRequired) == 0, len(b.intent.MissingRequired) == 0; ac != bc {
		return ac
	}
	if a.intent.Confidence != b.intent.Confidence {
		return a.intent.Confidence > b.intent.Confidence
	}
	return a.order < b.order
}
