package intent

import (
	"regexp"
	"strings"

	"github.com/normanking/agentcore/pkg/types"
)

// Extractor pulls one named entity out of normalized text.
type Extractor struct {
	Name string

	// Regex must match the entity; Group selects the submatch holding the
	// value (0 for the whole match).
	Regex *regexp.Regexp
	Group int

	// Clean optionally post-processes the value. An empty result is a miss.
	Clean func(string) string
}

// Extract returns the entity and its byte span in text.
func (x Extractor) Extract(text string) (types.Entity, bool) {
	loc := x.Regex.FindStringSubmatchIndex(text)
	if loc == nil || 2*x.Group+1 >= len(loc) || loc[2*x.Group] < 0 {
		return types.Entity{}, false
	}
	start, end := loc[2*x.Group], loc[2*x.Group+1]
	raw := text[start:end]

	value := strings.TrimSpace(raw)
	if x.Clean != nil {
		value = x.Clean(value)
	}
	if value == "" {
		return types.Entity{}, false
	}
	// Narrow the span to the cleaned value when it is still a substring.
	if i := strings.Index(raw, value); i >= 0 {
		start += i
		end = start + len(value)
	}
	return types.Entity{Name: x.Name, Value: value, Span: types.Span{Start: start, End: end}}, true
}

// ═══════════════════════════════════════════════════════════════════════════════
// BUILT-IN EXTRACTORS
// ═══════════════════════════════════════════════════════════════════════════════

// exprRe matches an arithmetic expression with at least one operator, in
// symbols or words ("25 * 47", "(2 + 3) x 4", "10 divided by 4").
var exprRe = regexp.MustCompile(`(?i)[(\-]*\s*\d[\d.,]*\)*(?:\s*(?:[-+*/^%]|x|times|plus|minus|mod|divided\s+by|multiplied\s+by|over|to\s+the\s+power\s+of)\s*[(\-]*\s*\d[\d.]*\)*)+`)

// ExpressionExtractor finds arithmetic expressions.
var ExpressionExtractor = Extractor{
	Name:  "expression",
	Regex: exprRe,
	Clean: func(s string) string {
		return strings.TrimRight(strings.TrimSpace(s), ",")
	},
}

// PathExtractor finds a file system path or a file name.
var PathExtractor = Extractor{
	Name:  "path",
	Regex: regexp.MustCompile(`(?:^|\s)((?:~|\.{1,2})?/[\w.\-/]*|[\w\-]+\.[A-Za-z0-9]{1,6}|[\w\-]+/[\w.\-/]*)(?:\s|$|[?!,])`),
	Group: 1,
}

// FileQueryExtractor finds what a file search is looking for.
var FileQueryExtractor = Extractor{
	Name:  "query",
	Regex: regexp.MustCompile(`(?i)\b(?:named|called|matching|containing|for)\s+["']?([\w.\-*]+)`),
	Group: 1,
	Clean: func(s string) string {
		switch strings.ToLower(s) {
		case "files", "file", "a", "the":
			return ""
		}
		return s
	},
}

// WebQueryExtractor takes everything after the search verb.
var WebQueryExtractor = Extractor{
	Name:  "query",
	Regex: regexp.MustCompile(`(?i)\b(?:search\s+(?:the\s+web\s+|online\s+)?for|look\s+up|lookup|google|search\s+the\s+web|search\s+online)\s+(.+)$`),
	Group: 1,
	Clean: func(s string) string {
		return strings.TrimRight(strings.TrimSpace(s), "?!.")
	},
}
