package agents

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/worksafeai/copilot/internal/llm"
	"github.com/worksafeai/copilot/internal/models"
)

// minParagraphCoverage is the fraction of non-empty paragraphs that must
// carry at least one citation marker for an answer to pass unrepaired.
const minParagraphCoverage = 0.8

var (
	// markerRe matches the [#n] citation markers answers carry.
	markerRe = regexp.MustCompile(`\[#(\d+)\]`)

	// sentenceSplitRe splits prose on sentence-ending punctuation.
	sentenceSplitRe = regexp.MustCompile(`[.!?]+\s+`)

	// policyRefPatterns extract the policy-style references letter bodies
	// cite: numbered policies, sections, and regulations, plus named
	// forms and procedures like "Form WS-101".
	policyRefPatterns = []*regexp.Regexp{
		regexp.MustCompile(`\b(?:Policy|Section|Regulation)\s+\d+(?:\.\d+)*\b`),
		regexp.MustCompile(`\b(?:Form|Procedure)\s+[A-Z0-9][A-Za-z0-9-]*\b`),
	}
)

// CiteChecker validates citation markers on answers and extracts policy
// references from letter drafts. It never fails the pipeline: a broken
// answer is repaired in place, and anything unexpected only logs.
type CiteChecker struct {
	logger *zap.Logger
}

func NewCiteChecker(logger *zap.Logger) *CiteChecker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CiteChecker{logger: logger}
}

func (c *CiteChecker) Name() string { return NameCiteChecker }

func (c *CiteChecker) Execute(_ context.Context, ac *Context) error {
	start := time.Now()
	switch {
	case ac.Answer != nil:
		c.checkAnswer(ac, start)
	case ac.Letter != nil:
		c.checkLetter(ac, start)
	default:
		ac.AddTrace(NameCiteChecker, "skip", "no artifact to check", start)
	}
	return nil
}

func (c *CiteChecker) checkAnswer(ac *Context, start time.Time) {
	content := ac.Answer.Content
	if content == llm.InsufficientInfoAnswer {
		ac.AddTrace(NameCiteChecker, "check_answer", "insufficient info fallback", start)
		return
	}
	valid := answerCitationsValid(content, len(ac.Citations))
	detail := fmt.Sprintf("markers=%d valid=%t", len(citationMarkers(content)), valid)

	if !valid && len(ac.Citations) > 0 {
		repaired := repairCitations(content, len(ac.Citations))
		if repaired != content {
			ac.Answer.Content = repaired
			detail += " repaired=true"
			c.logger.Debug("answer citations repaired",
				zap.String("correlation_id", ac.CorrelationID),
				zap.Int("citations", len(ac.Citations)))
		}
	}
	ac.AddTrace(NameCiteChecker, "check_answer", detail, start)
}

func (c *CiteChecker) checkLetter(ac *Context, start time.Time) {
	refs := extractPolicyRefs(ac.Letter.Body)
	ac.PolicyRefs = &models.PolicyValidationResult{References: refs, Checked: true}
	ac.AddTrace(NameCiteChecker, "check_letter", fmt.Sprintf("references=%d", len(refs)), start)
}

// answerCitationsValid reports whether the content carries at least one
// marker, every marker is within the citation range, and marker coverage
// over non-empty paragraphs reaches the threshold.
func answerCitationsValid(content string, citationCount int) bool {
	markers := citationMarkers(content)
	if len(markers) == 0 {
		return false
	}
	for _, k := range markers {
		if k < 1 || k > citationCount {
			return false
		}
	}
	return paragraphCoverage(content) >= minParagraphCoverage
}

// citationMarkers returns the distinct marker numbers in order of first
// appearance.
func citationMarkers(content string) []int {
	matches := markerRe.FindAllStringSubmatch(content, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[int]struct{}, len(matches))
	var markers []int
	for _, m := range matches {
		k, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		markers = append(markers, k)
	}
	return markers
}

// paragraphCoverage is the fraction of non-empty paragraphs containing
// at least one citation marker.
func paragraphCoverage(content string) float64 {
	var total, cited int
	for _, p := range strings.Split(content, "\n\n") {
		if strings.TrimSpace(p) == "" {
			continue
		}
		total++
		if markerRe.MatchString(p) {
			cited++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(cited) / float64(total)
}

// repairCitations applies the deterministic fallback: markers outside
// the citation range are dropped, then each sentence without a marker
// gets [#i] appended, i being its one-based position, while i stays
// within the citation range. Sentences are rejoined with ". " and a
// trailing period, so original punctuation is normalized.
func repairCitations(content string, citationCount int) string {
	content = dropOutOfRangeMarkers(content, citationCount)
	var out []string
	for _, raw := range splitSentences(content) {
		if raw == "" {
			continue
		}
		s := raw
		idx := len(out) + 1
		if !markerRe.MatchString(s) && idx <= citationCount {
			s = fmt.Sprintf("%s [#%d]", s, idx)
		}
		out = append(out, s)
	}
	if len(out) == 0 {
		return content
	}
	return joinSentences(out)
}

func dropOutOfRangeMarkers(content string, citationCount int) string {
	return markerRe.ReplaceAllStringFunc(content, func(m string) string {
		sub := markerRe.FindStringSubmatch(m)
		k, err := strconv.Atoi(sub[1])
		if err != nil || k < 1 || k > citationCount {
			return ""
		}
		return m
	})
}

// splitSentences breaks prose into sentences with internal whitespace
// collapsed and terminal punctuation stripped.
func splitSentences(content string) []string {
	parts := sentenceSplitRe.Split(content, -1)
	sentences := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.Join(strings.Fields(p), " ")
		s = strings.TrimRight(s, ".!?")
		sentences = append(sentences, strings.TrimSpace(s))
	}
	return sentences
}

// joinSentences is the inverse of splitSentences with normalized
// punctuation.
func joinSentences(sentences []string) string {
	kept := make([]string, 0, len(sentences))
	for _, s := range sentences {
		if s != "" {
			kept = append(kept, s)
		}
	}
	if len(kept) == 0 {
		return ""
	}
	return strings.Join(kept, ". ") + "."
}

// extractPolicyRefs pulls the distinct policy-style references from a
// letter body, in order of first appearance per pattern.
func extractPolicyRefs(body string) []string {
	refs := []string{}
	seen := make(map[string]struct{})
	for _, re := range policyRefPatterns {
		for _, m := range re.FindAllString(body, -1) {
			if _, ok := seen[m]; ok {
				continue
			}
			seen[m] = struct{}{}
			refs = append(refs, m)
		}
	}
	return refs
}
