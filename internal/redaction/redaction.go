// Package redaction scrubs PII from outbound text. Matching is two-phase:
// RE2 finds candidates, then per-type validators reject structurally
// invalid hits (impossible SSN ranges, Luhn failures) so policy numbers
// and form ids survive. Replacement tokens contain no digits or @, which
// makes redaction idempotent.
package redaction

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/worksafeai/copilot/internal/metrics"
)

// Match records one redacted span with offsets into the original text.
type Match struct {
	Type     string `json:"type"`
	Original string `json:"original_value"`
	Redacted string `json:"redacted_value"`
	Start    int    `json:"start_position"`
	Length   int    `json:"length"`
}

type rule struct {
	name     string
	re       *regexp.Regexp
	token    string
	validate func(string) bool
}

var defaultRules = []rule{
	{
		name:  "email",
		re:    regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`),
		token: "[EMAIL-REDACTED]",
	},
	{
		name:     "ssn",
		re:       regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
		token:    "[SSN-REDACTED]",
		validate: validSSN,
	},
	{
		name:     "credit_card",
		re:       regexp.MustCompile(`\b\d{4}[- ]?\d{4}[- ]?\d{4}[- ]?\d{4}\b`),
		token:    "[CARD-REDACTED]",
		validate: luhnValid,
	},
	{
		// The \b sits after the optional paren: a boundary can never
		// precede a literal "(", and the inner one still blocks matches
		// that start inside a longer digit run.
		name:  "phone",
		re:    regexp.MustCompile(`(\+?1[-. ])?\(?\b\d{3}\)?[-. ]\d{3}[-. ]\d{4}\b`),
		token: "[PHONE-REDACTED]",
	},
}

// Engine applies the rule set when enabled. Each engine owns its rules,
// so custom additions never leak between instances.
type Engine struct {
	enabled bool
	rules   []rule
}

func NewEngine(enabled bool) *Engine {
	return &Engine{
		enabled: enabled,
		rules:   append([]rule(nil), defaultRules...),
	}
}

func (e *Engine) Enabled() bool { return e.enabled }

// AddRule registers a custom pattern checked after the built-ins. Call
// it during setup; Redact does not lock the rule set.
func (e *Engine) AddRule(name, pattern, replacement string) error {
	if name == "" || replacement == "" {
		return fmt.Errorf("redaction rule needs a name and a replacement")
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return fmt.Errorf("compile redaction rule %q: %w", name, err)
	}
	e.rules = append(e.rules, rule{name: name, re: re, token: replacement})
	return nil
}

type span struct {
	start, end int
	token      string
	name       string
}

// Redact returns the scrubbed text plus the matches found, with offsets
// into the input. A disabled engine passes text through untouched.
func (e *Engine) Redact(text string) (string, []Match) {
	if !e.enabled || text == "" {
		return text, nil
	}

	var spans []span
	for _, r := range e.rules {
		for _, loc := range r.re.FindAllStringIndex(text, -1) {
			hit := text[loc[0]:loc[1]]
			if r.validate != nil && !r.validate(hit) {
				continue
			}
			spans = append(spans, span{start: loc[0], end: loc[1], token: r.token, name: r.name})
		}
	}
	if len(spans) == 0 {
		return text, nil
	}

	// Earlier rules win overlaps; replacement runs right to left so the
	// remaining offsets stay valid.
	sort.SliceStable(spans, func(i, j int) bool { return spans[i].start < spans[j].start })
	kept := spans[:0]
	lastEnd := -1
	for _, s := range spans {
		if s.start < lastEnd {
			continue
		}
		kept = append(kept, s)
		lastEnd = s.end
	}

	matches := make([]Match, len(kept))
	for i, s := range kept {
		matches[i] = Match{
			Type:     s.name,
			Original: text[s.start:s.end],
			Redacted: s.token,
			Start:    s.start,
			Length:   s.end - s.start,
		}
		metrics.Redactions.WithLabelValues(s.name).Inc()
	}

	out := text
	for i := len(kept) - 1; i >= 0; i-- {
		s := kept[i]
		out = out[:s.start] + s.token + out[s.end:]
	}
	return out, matches
}

// validSSN rejects the ranges the SSA never issues.
func validSSN(s string) bool {
	area, group, serial := s[:3], s[4:6], s[7:]
	if area == "000" || area == "666" || area[0] == '9' {
		return false
	}
	if group == "00" {
		return false
	}
	if serial == "0000" {
		return false
	}
	return true
}

func luhnValid(s string) bool {
	var digits []int
	for _, r := range s {
		if r >= '0' && r <= '9' {
			digits = append(digits, int(r-'0'))
		}
	}
	if len(digits) < 13 || len(digits) > 19 {
		return false
	}
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := digits[i]
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}

// Types lists the built-in rule names, for health and documentation
// surfaces.
func Types() []string {
	out := make([]string, len(defaultRules))
	for i, r := range defaultRules {
		out[i] = r.name
	}
	return out
}

// ContainsToken reports whether text already carries a built-in
// redaction token.
func ContainsToken(text string) bool {
	for _, r := range defaultRules {
		if strings.Contains(text, r.token) {
			return true
		}
	}
	return false
}
