package builtin

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/normanking/agentcore/internal/plugin"
	"github.com/normanking/agentcore/pkg/types"
)

// Calculator evaluates arithmetic expressions.
type Calculator struct{}

// Descriptor implements Plugin.
func (Calculator) Descriptor() plugin.Descriptor {
	return plugin.Descriptor{
		Name:    "calculator",
		Version: Version,
		Domains: []string{"calculator"},
		Limits:  plugin.Limits{MaxWallTime: 2 * time.Second},
	}
}

// Invoke implements plugin.Handler.
func (Calculator) Invoke(ctx context.Context, call *plugin.Call) (*types.ExecutionResult, error) {
	expr := call.Intent.EntityValue("expression")
	if expr == "" {
		return nil, fmt.Errorf("no expression to evaluate")
	}
	v, err := Evaluate(expr)
	if err != nil {
		return nil, err
	}
	result := formatNumber(v)
	return types.Succeeded(map[string]any{
		"result":     result,
		"expression": expr,
	}, fmt.Sprintf("%s = %v", expr, result)), nil
}

// formatNumber keeps integral values integral so they render without an
// exponent.
func formatNumber(v float64) any {
	if v == math.Trunc(v) && math.Abs(v) < 1e15 {
		return int64(v)
	}
	return v
}

// ═══════════════════════════════════════════════════════════════════════════════
// EVALUATOR
// ═══════════════════════════════════════════════════════════════════════════════

var wordOps = []struct {
	re *regexp.Regexp
	op string
}{
	{regexp.MustCompile(`(?i)\bto\s+the\s+power\s+of\b`), "^"},
	{regexp.MustCompile(`(?i)\bdivided\s+by\b`), "/"},
	{regexp.MustCompile(`(?i)\bmultiplied\s+by\b`), "*"},
	{regexp.MustCompile(`(?i)\b(times|x)\b`), "*"},
	{regexp.MustCompile(`(?i)\bover\b`), "/"},
	{regexp.MustCompile(`(?i)\bplus\b`), "+"},
	{regexp.MustCompile(`(?i)\bminus\b`), "-"},
	{regexp.MustCompile(`(?i)\bmod\b`), "%"},
}

var (
	thousandsRe = regexp.MustCompile(`(\d),(\d{3})`)

	// "2x3" has no word boundary around the x.
	glueTimesRe = regexp.MustCompile(`(\d)\s*[xX]\s*(\d)`)
)

// Evaluate computes an arithmetic expression with + - * / % ^, parentheses
// and unary minus. ^ is right-associative and binds tighter than unary minus.
func Evaluate(expr string) (float64, error) {
	s := expr
	for _, w := range wordOps {
		s = w.re.ReplaceAllString(s, " "+w.op+" ")
	}
	s = glueTimesRe.ReplaceAllString(s, "$1*$2")
	for thousandsRe.MatchString(s) {
		s = thousandsRe.ReplaceAllString(s, "$1$2")
	}

	p := &parser{src: s}
	v, err := p.expr()
	if err != nil {
		return 0, err
	}
	p.skipSpace()
	if p.pos < len(p.src) {
		return 0, fmt.Errorf("unexpected %q in %q", p.src[p.pos:], expr)
	}
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return 0, fmt.Errorf("%q has no finite value", expr)
	}
	return v, nil
}

type parser struct {
	src   string
	pos   int
	depth int
}

const maxDepth = 64

func (p *parser) skipSpace() {
	for p.pos < len(p.src) && (p.src[p.pos] == ' ' || p.src[p.pos] == '\t') {
		p.pos++
	}
}

func (p *parser) peek() byte {
	p.skipSpace()
	if p.pos >= len(p.src) {
		return 0
	}
	return p.src[p.pos]
}

func (p *parser) expr() (float64, error) {
	left, err := p.term()
	if err != nil {
		return 0, err
	}
	for {
		op := p.peek()
		if op != '+' && op != '-' {
			return left, nil
		}
		p.pos++
		right, err := p.term()
		if err != nil {
			return 0, err
		}
		if op == '+' {
			left += right
		} else {
			left -= right
		}
	}
}

func (p *parser) term() (float64, error) {
	left, err := p.unary()
	if err != nil {
		return 0, err
	}
	for {
		op := p.peek()
		if op != '*' && op != '/' && op != '%' {
			return left, nil
		}
		p.pos++
		right, err := p.unary()
		if err != nil {
			return 0, err
		}
		switch op {
		case '*':
			left *= right
		case '/':
			if right == 0 {
				return 0, fmt.Errorf("division by zero")
			}
			left /= right
		case '%':
			if right == 0 {
				return 0, fmt.Errorf("division by zero")
			}
			left = math.Mod(left, right)
		}
	}
}

func (p *parser) unary() (float64, error) {
	switch p.peek() {
	case '-':
		p.pos++
		v, err := p.unary()
		return -v, err
	case '+':
		p.pos++
		return p.unary()
	}
	return p.power()
}

func (p *parser) power() (float64, error) {
	base, err := p.primary()
	if err != nil {
		return 0, err
	}
	if p.peek() != '^' {
		return base, nil
	}
	p.pos++
	exp, err := p.unary()
	if err != nil {
		return 0, err
	}
	return math.Pow(base, exp), nil
}

func (p *parser) primary() (float64, error) {
	c := p.peek()
	if c == '(' {
		p.depth++
		if p.depth > maxDepth {
			return 0, fmt.Errorf("expression nested too deeply")
		}
		p.pos++
		v, err := p.expr()
		if err != nil {
			return 0, err
		}
		if p.peek() != ')' {
			return 0, fmt.Errorf("missing closing parenthesis")
		}
		p.pos++
		p.depth--
		return v, nil
	}

	start := p.pos
	for p.pos < len(p.src) && (p.src[p.pos] >= '0' && p.src[p.pos] <= '9' || p.src[p.pos] == '.') {
		p.pos++
	}
	if start == p.pos {
		if c == 0 {
			return 0, fmt.Errorf("expression ends early")
		}
		return 0, fmt.Errorf("expected a number at %q", strings.TrimSpace(p.src[start:]))
	}
	return strconv.ParseFloat(p.src[start:p.pos], 64)
}
