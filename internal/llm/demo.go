package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/worksafeai/copilot/internal/budget"
	"github.com/worksafeai/copilot/internal/metrics"
)

// InsufficientInfoAnswer is the fixed reply when retrieval produced no
// usable context. The answer agent recognizes it to skip citations.
const InsufficientInfoAnswer = "I don't have enough information in the safety library to answer that. Try rephrasing the question, or ingest the relevant policy documents first."

// contextHeaderRe matches the numbered context blocks the drafting agents
// put into prompts: "[#1] Title (Section 3.1)".
var contextHeaderRe = regexp.MustCompile(`^\[#(\d+)\]\s+(.+)$`)

// DemoCompleter is the offline completer for demo mode. It reads the same
// prompt layout the real provider receives and produces grounded, stable
// output: cited answer paragraphs from the numbered context blocks, or a
// small JSON letter for drafting prompts.
type DemoCompleter struct{}

func NewDemoCompleter() *DemoCompleter { return &DemoCompleter{} }

func (d *DemoCompleter) Complete(_ context.Context, req Request) (*Completion, error) {
	var text string
	if isLetterPrompt(req.Prompt) {
		text = demoLetter(req.Prompt)
	} else {
		text = demoAnswer(req.Prompt)
	}
	out := &Completion{
		Text:         text,
		Model:        "demo-completer",
		InputTokens:  budget.EstimateTokens(req.System + " " + req.Prompt),
		OutputTokens: budget.EstimateTokens(text),
	}
	metrics.RecordTokens(out.InputTokens, out.OutputTokens)
	return out, nil
}

func (d *DemoCompleter) Model() string { return "demo-completer" }

func isLetterPrompt(prompt string) bool {
	return strings.Contains(prompt, `"subject"`) && strings.Contains(prompt, `"body"`)
}

type demoContextBlock struct {
	index   int
	excerpt string
}

func parseContextBlocks(prompt string) []demoContextBlock {
	lines := strings.Split(prompt, "\n")
	var blocks []demoContextBlock
	for i, line := range lines {
		m := contextHeaderRe.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		var idx int
		fmt.Sscanf(m[1], "%d", &idx)
		excerpt := ""
		for j := i + 1; j < len(lines); j++ {
			candidate := strings.TrimSpace(lines[j])
			if candidate == "" {
				break
			}
			if contextHeaderRe.MatchString(candidate) {
				break
			}
			excerpt = candidate
			break
		}
		blocks = append(blocks, demoContextBlock{index: idx, excerpt: excerpt})
	}
	return blocks
}

func demoAnswer(prompt string) string {
	blocks := parseContextBlocks(prompt)
	if len(blocks) == 0 {
		return InsufficientInfoAnswer
	}
	if len(blocks) > 3 {
		blocks = blocks[:3]
	}
	paragraphs := make([]string, 0, len(blocks))
	for _, b := range blocks {
		sentence := firstSentence(b.excerpt)
		if sentence == "" {
			continue
		}
		paragraphs = append(paragraphs, fmt.Sprintf("%s [#%d].", strings.TrimSuffix(sentence, "."), b.index))
	}
	if len(paragraphs) == 0 {
		return InsufficientInfoAnswer
	}
	return strings.Join(paragraphs, "\n\n")
}

func demoLetter(prompt string) string {
	purpose := lineAfter(prompt, "Purpose:")
	recipient := lineAfter(prompt, "Recipient:")
	tone := strings.ToLower(lineAfter(prompt, "Tone:"))
	points := bulletsAfter(prompt, "Key points:")

	subject := "Workplace safety correspondence"
	if purpose != "" {
		subject = "Re: " + purpose
	}

	greeting := "Dear {{recipient_name}},"
	if recipient != "" {
		greeting = "Dear " + recipient + ","
	}

	var body strings.Builder
	body.WriteString(greeting)
	body.WriteString("\n\n")
	if purpose != "" {
		body.WriteString("I am writing to you regarding " + strings.TrimSuffix(purpose, ".") + ".")
	} else {
		body.WriteString("I am writing to you regarding a workplace health and safety matter.")
	}
	if len(points) > 0 {
		body.WriteString(" Please note the following:\n")
		for _, p := range points {
			body.WriteString("\n- " + p)
		}
	}
	body.WriteString("\n\nPlease contact us if you require any further information.\n\n")
	if tone == "formal" {
		body.WriteString("Yours sincerely,\n{{sender_name}}")
	} else {
		body.WriteString("Kind regards,\n{{sender_name}}")
	}

	out, _ := json.Marshal(map[string]string{
		"subject": subject,
		"body":    body.String(),
	})
	return string(out)
}

func lineAfter(prompt, prefix string) string {
	for _, line := range strings.Split(prompt, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, prefix) {
			return strings.TrimSpace(strings.TrimPrefix(trimmed, prefix))
		}
	}
	return ""
}

func bulletsAfter(prompt, heading string) []string {
	var points []string
	collecting := false
	for _, line := range strings.Split(prompt, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, heading) {
			collecting = true
			continue
		}
		if !collecting {
			continue
		}
		if strings.HasPrefix(trimmed, "- ") {
			points = append(points, strings.TrimSpace(strings.TrimPrefix(trimmed, "- ")))
			continue
		}
		if trimmed == "" && len(points) > 0 {
			break
		}
		if trimmed != "" {
			break
		}
	}
	return points
}

func firstSentence(text string) string {
	text = strings.TrimSpace(text)
	if i := strings.Index(text, ". "); i > 0 {
		return text[:i+1]
	}
	return text
}
