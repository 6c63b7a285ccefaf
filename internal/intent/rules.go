package intent

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Pattern is a compiled regex with its weight. Higher weight is a stronger
// signal.
type Pattern struct {
	Regex  *regexp.Regexp
	Weight float64
}

// Rule scores one (domain, action) pair.
type Rule struct {
	Domain      string
	Action      string
	Description string

	// Keywords are phrases matched on word boundaries. A phrase of n words
	// weighs 0.8 + 0.2n, so longer phrases count more.
	Keywords []string
	Patterns []Pattern

	Extractors []Extractor
	// Required names entities the action cannot run without.
	Required []string
}

// Key returns "domain.action".
func (r *Rule) Key() string { return r.Domain + "." + r.Action }

// KeywordWeight is the score contributed by one matched keyword phrase.
func KeywordWeight(phrase string) float64 {
	return 0.8 + 0.2*float64(len(strings.Fields(phrase)))
}

// score sums matched keyword and pattern weights against the match key and
// the normalized text.
func (r *Rule) score(key, text string) (float64, int) {
	var score float64
	var hits int
	for _, kw := range r.Keywords {
		if strings.Contains(key, " "+strings.ToLower(kw)+" ") {
			score += KeywordWeight(kw)
			hits++
		}
	}
	for _, p := range r.Patterns {
		if p.Regex.MatchString(text) {
			score += p.Weight
			hits++
		}
	}
	return score, hits
}

// RuleSpec is the declarative form of a Rule, as found in plugin manifests.
type RuleSpec struct {
	Action      string             `yaml:"action" json:"action"`
	Description string             `yaml:"description,omitempty" json:"description,omitempty"`
	Keywords    []string           `yaml:"keywords,omitempty" json:"keywords,omitempty"`
	Patterns    map[string]float64 `yaml:"patterns,omitempty" json:"patterns,omitempty"`
	Entities    map[string]string  `yaml:"entities,omitempty" json:"entities,omitempty"`
	Required    []string           `yaml:"required,omitempty" json:"required,omitempty"`
}

// Compile turns a spec into a Rule for domain. Entity regexes must have one
// capture group holding the value.
func (s RuleSpec) Compile(domain string) (*Rule, error) {
	if domain == "" || s.Action == "" {
		return nil, fmt.Errorf("rule needs a domain and an action")
	}
	r := &Rule{
		Domain:      domain,
		Action:      s.Action,
		Description: s.Description,
		Keywords:    append([]string(nil), s.Keywords...),
		Required:    append([]string(nil), s.Required...),
	}
	for expr, weight := range s.Patterns {
		re, err := regexp.Compile("(?i)" + expr)
		if err != nil {
			return nil, fmt.Errorf("rule %s: pattern %q: %w", r.Key(), expr, err)
		}
		r.Patterns = append(r.Patterns, Pattern{Regex: re, Weight: weight})
	}
	// Map iteration order is random; keep scoring and extraction stable.
	sortPatterns(r.Patterns)
	for name, expr := range s.Entities {
		re, err := regexp.Compile("(?i)" + expr)
		if err != nil {
			return nil, fmt.Errorf("rule %s: entity %s: %w", r.Key(), name, err)
		}
		group := 0
		if re.NumSubexp() > 0 {
			group = 1
		}
		r.Extractors = append(r.Extractors, Extractor{Name: name, Regex: re, Group: group})
	}
	sortExtractors(r.Extractors)
	if len(r.Keywords) == 0 && len(r.Patterns) == 0 {
		return nil, fmt.Errorf("rule %s has no keywords or patterns", r.Key())
	}
	return r, nil
}

func re(expr string) *regexp.Regexp { return regexp.MustCompile("(?i)" + expr) }

// DefaultRules covers the built-in plugin domains.
func DefaultRules() []*Rule {
	return []*Rule{
		// Calculator
		{
			Domain:      "calculator",
			Action:      "evaluate",
			Description: "evaluate an arithmetic expression",
			Keywords: []string{
				"calculate", "compute", "math", "what is", "how much is", "sum", "total",
				"equation", "arithmetic", "plus", "minus", "times", "divided by",
				"multiply", "divide", "subtract", "percentage", "equals",
			},
			Patterns: []Pattern{
				{exprRe, 1.2},
				{re(`\b(calculate|compute|evaluate|solve)\b`), 0.6},
			},
			Extractors: []Extractor{ExpressionExtractor},
			Required:   []string{"expression"},
		},

		// Conversation
		{
			Domain:      "conversation",
			Action:      "greet",
			Description: "greeting or small talk opener",
			Keywords: []string{
				"hello", "hi", "hey", "good morning", "good afternoon", "good evening",
				"howdy", "greetings", "what is up", "how are you", "nice to meet you",
				"hiya", "yo", "sup", "g'day",
			},
		},
		{
			Domain:      "conversation",
			Action:      "help",
			Description: "ask what the assistant can do",
			Keywords: []string{
				"help", "assistance", "support", "guide", "instructions", "tutorial",
				"what can you do", "i need help", "can you help", "assist me", "guidance",
			},
		},
		{
			Domain:      "conversation",
			Action:      "status",
			Description: "ask whether the assistant is working",
			Keywords:    []string{"status", "are you there", "are you ok", "are you working", "health check"},
			Patterns:    []Pattern{{re(`\b(your|agent|assistant)\s+status\b`), 0.8}},
		},
		{
			Domain:      "conversation",
			Action:      "farewell",
			Description: "end the conversation",
			Keywords:    []string{"goodbye", "bye", "see you", "good night", "thanks", "thank you", "that is all"},
		},

		// Clock
		{
			Domain:      "clock",
			Action:      "now",
			Description: "current time",
			Keywords:    []string{"time", "what time", "current time", "clock", "time is it"},
			Patterns:    []Pattern{{re(`\bwhat\s+time\b`), 0.8}},
		},
		{
			Domain:      "clock",
			Action:      "date",
			Description: "current date or weekday",
			Keywords:    []string{"date", "today", "what day", "current date", "what date", "day is it"},
			Patterns:    []Pattern{{re(`\bwhat\s+(day|date)\b`), 0.8}},
		},

		// Files
		{
			Domain:      "files",
			Action:      "list",
			Description: "list files in a directory",
			Keywords:    []string{"list files", "show files", "ls", "directory", "folder", "files in", "list the files"},
			Patterns:    []Pattern{{re(`\b(list|show|display)\b.*\b(files?|folders?|director(y|ies))\b`), 1.2}},
			Extractors:  []Extractor{PathExtractor},
		},
		{
			Domain:      "files",
			Action:      "search",
			Description: "find files by name",
			Keywords:    []string{"find file", "find files", "search files", "locate", "look for file"},
			Patterns:    []Pattern{{re(`\b(find|search|locate)\b.*\b(files?|named|called)\b`), 1.2}},
			Extractors:  []Extractor{FileQueryExtractor, PathExtractor},
			Required:    []string{"query"},
		},
		{
			Domain:      "files",
			Action:      "read",
			Description: "show the contents of a file",
			Keywords:    []string{"read file", "open file", "cat", "contents of", "read the file"},
			Patterns:    []Pattern{{re(`\b(read|open|cat|show)\b.*\b(file|contents)\b`), 1.0}},
			Extractors:  []Extractor{PathExtractor},
			Required:    []string{"path"},
		},

		// System
		{
			Domain:      "system",
			Action:      "info",
			Description: "host and runtime information",
			Keywords: []string{
				"system info", "system information", "system status", "computer info",
				"cpu", "memory", "disk space", "hardware", "uptime", "os version",
			},
			Patterns: []Pattern{{re(`\bsystem\s+(info|information|status|details)\b`), 1.2}},
		},

		// Web
		{
			Domain:      "web",
			Action:      "search",
			Description: "search the web",
			Keywords:    []string{"search the web", "web search", "look up", "google", "search for", "search online", "lookup"},
			Patterns:    []Pattern{{re(`\b(search|look\s+up)\b.*\b(web|online|internet)\b`), 1.0}},
			Extractors:  []Extractor{WebQueryExtractor},
			Required:    []string{"query"},
		},
	}
}

func sortPatterns(ps []Pattern) {
	sort.Slice(ps, func(i, j int) bool { return ps[i].Regex.String() < ps[j].Regex.String() })
}

func sortExtractors(xs []Extractor) {
	sort.Slice(xs, func(i, j int) bool { return xs[i].Name < xs[j].Name })
}
