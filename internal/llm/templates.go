package llm

import (
	"hash/fnv"
	"regexp"
	"sort"
	"strings"
)

// Response template names.
const (
	TemplateGreeting      = "greeting"
	TemplateHelp          = "help"
	TemplateCalculation   = "calculation"
	TemplateResult        = "result"
	TemplateClarification = "clarification"
	TemplateError         = "error"
	TemplateUnknown       = "unknown"
)

// templates holds the variants for each template. {name} placeholders are filled
// from CompletionRequest.Vars.
var templates = map[string][]string{
	TemplateGreeting: {
		"Hello! How can I help you?",
		"Hi there! What would you like me to help you with today?",
		"Greetings! I'm here to assist you with various tasks.",
	},
	TemplateHelp: {
		"I can help with: {domains}. Try asking me to calculate 25 * 4.",
		"Available features: {domains}. What would you like to try?",
	},
	TemplateCalculation: {
		"The result is {result}.",
		"That equals {result}.",
		"The answer is {result}.",
	},
	TemplateResult: {
		"{message}",
	},
	TemplateClarification: {
		"Could you clarify what you'd like me to do?",
		"I'm not sure what you mean. Could you rephrase that?",
	},
	TemplateError: {
		"Sorry, I couldn't finish that: {reason}.",
		"I'm having trouble with that request right now: {reason}.",
	},
	TemplateUnknown: {
		"I'm not sure how to handle that request. Could you try rephrasing?",
	},
}

// TemplateNames returns the known template names, sorted.
func TemplateNames() []string {
	names := make([]string, 0, len(templates))
	for name := range templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RenderTemplate fills the named template. The variant is chosen by hashing
// Vars["seed"] so a given request always renders the same text. Unknown names
// fall back to TemplateUnknown; unfilled placeholders are removed.
func RenderTemplate(name string, vars map[string]string) string {
	variants, ok := templates[name]
	if !ok {
		variants = templates[TemplateUnknown]
	}
	return renderVariants(variants, vars)
}

// Render fills the request's template, preferring its own Variants over the
// built-in ones.
func (r *CompletionRequest) Render() string {
	if len(r.Variants) > 0 {
		return renderVariants(r.Variants, r.Vars)
	}
	return RenderTemplate(r.Template, r.Vars)
}

func renderVariants(variants []string, vars map[string]string) string {
	h := fnv.New32a()
	h.Write([]byte(vars["seed"]))
	text := variants[int(h.Sum32()%uint32(len(variants)))]

	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return stripPlaceholders(strings.NewReplacer(pairs...).Replace(text))
}

var placeholder = regexp.MustCompile(`\{[a-z_]+\}`)

func stripPlaceholders(s string) string {
	return strings.TrimSpace(placeholder.ReplaceAllString(s, ""))
}
