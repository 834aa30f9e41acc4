package moderation

import (
	"context"
	"strings"
	"unicode"
)

// localTerms maps flag words to raw severity levels on the 0-6 scale.
// Matching is whole-word, so "skills" never trips "kill".
var localTerms = map[string]int{
	"dangerous": 5,
	"kill":      6,
	"murder":    6,
	"weapon":    5,
	"bomb":      6,
	"assault":   4,
	"threat":    3,
	"harass":    3,
}

// LocalModerator is the offline keyword screen used in demo mode and as
// the default when no Content Safety endpoint is configured.
type LocalModerator struct {
	threshold Severity
}

func NewLocalModerator(threshold Severity) *LocalModerator {
	return &LocalModerator{threshold: threshold}
}

func (m *LocalModerator) Check(_ context.Context, text string) (*Result, error) {
	level := 0
	var hits map[string]int
	for _, tok := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if l, ok := localTerms[tok]; ok {
			if hits == nil {
				hits = make(map[string]int)
			}
			hits[tok] = l
			if l > level {
				level = l
			}
		}
	}
	return Evaluate(level, m.threshold, m.Name(), hits), nil
}

func (m *LocalModerator) Name() string { return "local" }
