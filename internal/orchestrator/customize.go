package orchestrator

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/normanking/agentcore/internal/llm"
	"github.com/normanking/agentcore/internal/logging"
)

// ═══════════════════════════════════════════════════════════════════════════════
// RESPONSE CUSTOMIZATION
// ═══════════════════════════════════════════════════════════════════════════════

// ResponseRule adds guidance to the system prompt when the user's text matches
// Pattern (case-insensitive). Filter names a built-in reply filter applied to
// replies for matching requests.
type ResponseRule struct {
	Name        string `yaml:"name"`
	Pattern     string `yaml:"pattern"`
	Instruction string `yaml:"system_prompt_addition"`
	Filter      string `yaml:"response_filter,omitempty"`
	Priority    int    `yaml:"priority,omitempty"`

	re *regexp.Regexp
}

// ResponseConfig is the customization file. JSON is valid YAML, so either
// format loads.
type ResponseConfig struct {
	Rules []ResponseRule `yaml:"rules"`

	// Templates replace the built-in variants of the named response templates.
	Templates map[string][]string `yaml:"templates,omitempty"`
}

// Reply filter names.
const (
	FilterRemoveDisclaimers = "remove_disclaimers"
	FilterPersonalize       = "personalize"
)

// FilterFunc rewrites a reply. input is the user's request text.
type FilterFunc func(reply, input string) string

var builtinFilters = map[string]FilterFunc{
	FilterRemoveDisclaimers: removeDisclaimers,
	FilterPersonalize:       personalize,
}

var disclaimers = regexp.MustCompile(`(?i)\s*(I'm an AI|As an AI|I should mention|Please note that)[^.!]*[.!]`)

func removeDisclaimers(reply, _ string) string {
	return strings.TrimSpace(disclaimers.ReplaceAllString(reply, ""))
}

var personalizer = strings.NewReplacer("you should", "you might want to", "it is recommended", "I'd recommend")

func personalize(reply, _ string) string {
	return personalizer.Replace(reply)
}

// Customizer tailors composed responses to the request text. A nil
// *Customizer changes nothing.
type Customizer struct {
	rules     []ResponseRule
	templates map[string][]string
	log       *logging.Logger

	mu      sync.RWMutex
	filters map[string]FilterFunc
	order   []string
}

// NewCustomizer compiles cfg. Rules are applied highest priority first; equal
// priorities keep file order.
func NewCustomizer(cfg ResponseConfig) (*Customizer, error) {
	rules := make([]ResponseRule, 0, len(cfg.Rules))
	for i, r := range cfg.Rules {
		if strings.TrimSpace(r.Pattern) == "" {
			return nil, fmt.Errorf("response rule %d (%s): pattern is required", i, r.Name)
		}
		re, err := regexp.Compile("(?i)" + r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("response rule %d (%s): %w", i, r.Name, err)
		}
		if r.Filter != "" && builtinFilters[r.Filter] == nil {
			return nil, fmt.Errorf("response rule %d (%s): unknown filter %q", i, r.Name, r.Filter)
		}
		r.re = re
		rules = append(rules, r)
	}
	sort.SliceStable(rules, func(i, j int) bool { return rules[i].Priority > rules[j].Priority })

	templates := make(map[string][]string, len(cfg.Templates))
	for name, variants := range cfg.Templates {
		var kept []string
		for _, v := range variants {
			if strings.TrimSpace(v) != "" {
				kept = append(kept, v)
			}
		}
		if len(kept) > 0 {
			templates[name] = kept
		}
	}

	return &Customizer{
		rules:     rules,
		templates: templates,
		log:       logging.Global().WithComponent("pipeline"),
		filters:   make(map[string]FilterFunc),
	}, nil
}

// LoadCustomizer reads a customization file. An empty path yields a customizer
// with no rules.
func LoadCustomizer(path string) (*Customizer, error) {
	if path == "" {
		return NewCustomizer(ResponseConfig{})
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read response rules: %w", err)
	}
	var cfg ResponseConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid response rules %s: %w", path, err)
	}
	c, err := NewCustomizer(cfg)
	if err != nil {
		return nil, err
	}
	c.log.Info("[Pipeline] loaded %d response rule(s), %d template override(s) from %s",
		len(c.rules), len(c.templates), path)
	return c, nil
}

// AddFilter registers a reply filter that runs on every reply after the rule
// filters. Filters run in registration order; re-adding a name replaces it.
func (c *Customizer) AddFilter(name string, fn FilterFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.filters[name]; !ok {
		c.order = append(c.order, name)
	}
	c.filters[name] = fn
}

// System appends the guidance of every rule matching input to base.
func (c *Customizer) System(base, input string) string {
	if c == nil {
		return base
	}
	var b strings.Builder
	b.WriteString(base)
	var applied []string
	for _, r := range c.rules {
		if r.Instruction == "" || !r.re.MatchString(input) {
			continue
		}
		b.WriteString("\n\nAdditional guidance: ")
		b.WriteString(r.Instruction)
		applied = append(applied, r.Name)
	}
	if len(applied) > 0 {
		c.log.Debug("[Pipeline] response rules applied: %v", applied)
	}
	return b.String()
}

// Variants returns the override variants for a template, or nil.
func (c *Customizer) Variants(template string) []string {
	if c == nil {
		return nil
	}
	return c.templates[template]
}

// Apply returns a copy of creq with the system prompt and template variants
// customized for input.
func (c *Customizer) Apply(creq *llm.CompletionRequest, input string) *llm.CompletionRequest {
	if c == nil {
		return creq
	}
	out := *creq
	out.System = c.System(creq.System, input)
	if v := c.Variants(creq.Template); v != nil {
		out.Variants = v
	}
	return &out
}

// Filter runs the reply through the filters of matching rules, then through
// every registered filter. A filter that panics is skipped.
func (c *Customizer) Filter(reply, input string) string {
	if c == nil {
		return reply
	}
	for _, r := range c.rules {
		if r.Filter != "" && r.re.MatchString(input) {
			reply = c.run(r.Filter, builtinFilters[r.Filter], reply, input)
		}
	}

	c.mu.RLock()
	order := append([]string(nil), c.order...)
	filters := make([]FilterFunc, len(order))
	for i, name := range order {
		filters[i] = c.filters[name]
	}
	c.mu.RUnlock()

	for i, fn := range filters {
		reply = c.run(order[i], fn, reply, input)
	}
	return reply
}

func (c *Customizer) run(name string, fn FilterFunc, reply, input string) (out string) {
	defer func() {
		if p := recover(); p != nil {
			c.log.Warn("[Pipeline] reply filter %s failed: %v", name, p)
			out = reply
		}
	}()
	return fn(reply, input)
}
