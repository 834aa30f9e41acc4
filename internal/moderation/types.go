// Package moderation screens question text and generated output. Severity
// follows the Azure Content Safety 0-6 scale collapsed to four levels; a
// check is flagged when its level reaches the configured threshold.
package moderation

import (
	"context"
	"fmt"
)

type Severity int

const (
	SeveritySafe Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
)

func (s Severity) String() string {
	switch s {
	case SeveritySafe:
		return "safe"
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	default:
		return "unknown"
	}
}

// ParseThreshold reads the configured flag threshold.
func ParseThreshold(s string) (Severity, error) {
	switch s {
	case "low":
		return SeverityLow, nil
	case "medium", "":
		return SeverityMedium, nil
	case "high":
		return SeverityHigh, nil
	default:
		return 0, fmt.Errorf("unknown moderation threshold %q", s)
	}
}

// SeverityFromLevel collapses the raw 0-6 provider level.
func SeverityFromLevel(level int) Severity {
	switch {
	case level <= 0:
		return SeveritySafe
	case level <= 2:
		return SeverityLow
	case level <= 4:
		return SeverityMedium
	default:
		return SeverityHigh
	}
}

type Action string

const (
	ActionAllow            Action = "allow"
	ActionAllowWithWarning Action = "allow_with_warning"
	ActionBlock            Action = "block"
)

// ActionForSeverity is advisory and depends on severity alone; blocking
// decisions key off Flagged, which folds in the threshold.
func ActionForSeverity(s Severity) Action {
	switch s {
	case SeverityHigh:
		return ActionBlock
	case SeverityMedium, SeverityLow:
		return ActionAllowWithWarning
	default:
		return ActionAllow
	}
}

// Result is the outcome of one moderation check.
type Result struct {
	Flagged    bool           `json:"flagged"`
	Severity   Severity       `json:"-"`
	SeverityS  string         `json:"severity"`
	Action     Action         `json:"action"`
	Level      int            `json:"level"`
	Categories map[string]int `json:"categories,omitempty"`
	Provider   string         `json:"provider"`
}

// Evaluate builds a Result from a raw provider level.
func Evaluate(level int, threshold Severity, provider string, categories map[string]int) *Result {
	sev := SeverityFromLevel(level)
	return &Result{
		Flagged:    sev >= threshold,
		Severity:   sev,
		SeverityS:  sev.String(),
		Action:     ActionForSeverity(sev),
		Level:      level,
		Categories: categories,
		Provider:   provider,
	}
}

// Moderator checks one piece of text. A returned error means the provider
// could not judge the text at all; callers decide whether to fail open.
type Moderator interface {
	Check(ctx context.Context, text string) (*Result, error)
	Name() string
}
