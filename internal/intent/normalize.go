package intent

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/normanking/agentcore/pkg/types"
)

var whitespaceRe = regexp.MustCompile(`\s+`)

// folds maps typographic quotes and operators to ASCII.
var folds = map[rune]string{
	'“': `"`, '”': `"`, '„': `"`,
	'‘': "'", '’': "'", '‚': "'",
	'×': "*", '÷': "/",
}

// contractions are expanded in order; the specific forms come before the
// generic suffixes.
var contractions = []struct {
	re  *regexp.Regexp
	out string
}{
	{regexp.MustCompile(`(?i)\bwon't\b`), "will not"},
	{regexp.MustCompile(`(?i)\bcan't\b`), "cannot"},
	{regexp.MustCompile(`(?i)\blet's\b`), "let us"},
	{regexp.MustCompile(`(?i)\b(what|that|it|there|here|who|where|how)'s\b`), "$1 is"},
	{regexp.MustCompile(`(?i)n't\b`), " not"},
	{regexp.MustCompile(`(?i)'re\b`), " are"},
	{regexp.MustCompile(`(?i)'ve\b`), " have"},
	{regexp.MustCompile(`(?i)'ll\b`), " will"},
	{regexp.MustCompile(`(?i)'d\b`), " would"},
	{regexp.MustCompile(`(?i)'m\b`), " am"},
}

// Normalize collapses whitespace, folds typographic quotes and operators to
// ASCII and expands common contractions. Case is preserved so entity values
// keep the user's spelling.
func Normalize(text string) string {
	return normalize(text).text
}

// normalized is normalized text that remembers, for every byte, the range of
// the raw input it was produced from.
type normalized struct {
	text  string
	start []int
	end   []int
}

func normalize(text string) normalized {
	n := identity(text)

	var folded [][]int
	for i, r := range n.text {
		if _, ok := folds[r]; ok {
			folded = append(folded, []int{i, i + utf8.RuneLen(r)})
		}
	}
	n = n.replace(folded, func(src string, loc []int) string {
		r, _ := utf8.DecodeRuneInString(src[loc[0]:])
		return folds[r]
	})

	n = n.replace(whitespaceRe.FindAllStringIndex(n.text, -1), func(string, []int) string { return " " })

	lo := len(n.text) - len(strings.TrimLeftFunc(n.text, unicode.IsSpace))
	hi := len(strings.TrimRightFunc(n.text, unicode.IsSpace))
	if lo > hi {
		lo = hi
	}
	n = n.slice(lo, hi)

	for _, c := range contractions {
		n = n.replace(c.re.FindAllStringSubmatchIndex(n.text, -1), func(src string, loc []int) string {
			return string(c.re.ExpandString(nil, c.out, src, loc))
		})
	}
	return n
}

func identity(text string) normalized {
	n := normalized{text: text, start: make([]int, len(text)), end: make([]int, len(text))}
	for i := 0; i < len(text); i++ {
		n.start[i], n.end[i] = i, i+1
	}
	return n
}

func (n normalized) slice(lo, hi int) normalized {
	return normalized{text: n.text[lo:hi], start: n.start[lo:hi], end: n.end[lo:hi]}
}

// replace substitutes every match in locs, which are ordered and disjoint and
// hold the whole match in loc[0:2]. Each substituted byte maps to the whole
// range its match came from.
func (n normalized) replace(locs [][]int, repl func(src string, loc []int) string) normalized {
	if len(locs) == 0 {
		return n
	}
	out := normalized{start: make([]int, 0, len(n.text)), end: make([]int, 0, len(n.text))}
	var b strings.Builder
	prev := 0
	for _, loc := range locs {
		lo, hi := loc[0], loc[1]
		b.WriteString(n.text[prev:lo])
		out.start = append(out.start, n.start[prev:lo]...)
		out.end = append(out.end, n.end[prev:lo]...)

		r := repl(n.text, loc)
		b.WriteString(r)
		from, to := n.point(lo), n.point(lo)
		if hi > lo {
			to = n.end[hi-1]
		}
		for range len(r) {
			out.start = append(out.start, from)
			out.end = append(out.end, to)
		}
		prev = hi
	}
	b.WriteString(n.text[prev:])
	out.start = append(out.start, n.start[prev:]...)
	out.end = append(out.end, n.end[prev:]...)
	out.text = b.String()
	return out
}

// point is the raw offset of the position before byte i.
func (n normalized) point(i int) int {
	switch {
	case i < len(n.start):
		return n.start[i]
	case i > 0:
		return n.end[i-1]
	default:
		return 0
	}
}

// original maps a span of the normalized text onto the raw input.
func (n normalized) original(s types.Span) types.Span {
	if s.Start < 0 || s.End > len(n.text) || s.Start >= s.End {
		return s
	}
	return types.Span{Start: n.start[s.Start], End: n.end[s.End-1]}
}

var punctuationReplacer = strings.NewReplacer("?", " ", "!", " ", ",", " ", ";", " ", ":", " ", `"`, " ")

// matchKey lowercases and pads text so keywords match on word boundaries
// with a plain substring search.
func matchKey(text string) string {
	text = punctuationReplacer.Replace(strings.ToLower(text))
	text = strings.TrimRight(whitespaceRe.ReplaceAllString(text, " "), " .")
	return " " + strings.TrimSpace(text) + " "
}
