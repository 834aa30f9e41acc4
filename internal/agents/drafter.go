package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"text/template"
	"time"

	"go.uber.org/zap"

	"github.com/worksafeai/copilot/internal/llm"
	"github.com/worksafeai/copilot/internal/metrics"
	"github.com/worksafeai/copilot/internal/models"
	"github.com/worksafeai/copilot/internal/promptreg"
)

// defaultSystemPrompt backs the drafter when the registry has no system
// template. The registry seeds one, so this only covers broken setups.
const defaultSystemPrompt = "You are a workplace health and safety assistant. Answer only from the supplied context and cite your sources."

// defaultPlaceholders is the fallback placeholder list when a letter
// reply could not be parsed as JSON.
var defaultPlaceholders = []string{"recipient_name", "sender_name"}

// placeholderRe finds {{token}} placeholders in letter bodies.
var placeholderRe = regexp.MustCompile(`\{\{\s*(\w+)\s*\}\}`)

// Drafter renders the prompt for the request type, records the prompt
// revision, and calls the completion provider. The assembled prompt is
// hashed after all interpolation, so context, persona, and conversation
// changes each produce a distinct prompt version.
type Drafter struct {
	completer   llm.Client
	registry    promptreg.Registry
	versions    promptreg.VersionStore
	recentTurns int
	logger      *zap.Logger
}

func NewDrafter(completer llm.Client, registry promptreg.Registry, versions promptreg.VersionStore, recentTurns int, logger *zap.Logger) *Drafter {
	if recentTurns <= 0 {
		recentTurns = 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Drafter{
		completer:   completer,
		registry:    registry,
		versions:    versions,
		recentTurns: recentTurns,
		logger:      logger,
	}
}

func (d *Drafter) Name() string { return NameDrafter }

func (d *Drafter) Execute(ctx context.Context, ac *Context) error {
	switch ac.RequestType {
	case TypeDraft:
		return d.draftLetter(ctx, ac)
	default:
		return d.answerQuestion(ctx, ac)
	}
}

// promptBlock is one numbered context block rendered into the prompt.
// Index lines up with the citation list so [#k] markers resolve.
type promptBlock struct {
	Index   int
	Title   string
	Section string
	Excerpt string
}

type askPromptData struct {
	Question    string
	Blocks      []promptBlock
	History     string
	PersonaLine string
}

type letterPromptData struct {
	Purpose   string
	Recipient string
	Tone      string
	Points    []string
	Blocks    []promptBlock
}

func (d *Drafter) answerQuestion(ctx context.Context, ac *Context) error {
	start := time.Now()

	question := ac.Param("question")
	if question == "" && ac.Ask != nil {
		question = strings.TrimSpace(ac.Ask.Question)
	}
	if question == "" {
		return ErrNoQuery
	}

	data := askPromptData{
		Question:    question,
		Blocks:      promptBlocks(ac),
		History:     ac.Conversation.RecentContext(d.recentTurns),
		PersonaLine: ac.Persona.PromptLine(),
	}
	prompt, err := d.renderPrompt(ctx, "ask", data)
	if err != nil {
		return err
	}
	d.recordPromptVersion(ctx, ac, prompt, "ask")

	completion, err := d.complete(ctx, ac, prompt)
	if err != nil {
		return err
	}

	text := strings.TrimSpace(completion.Text)
	if text != llm.InsufficientInfoAnswer && len(ac.Citations) > 0 {
		text = ensureMarkers(text, len(ac.Citations))
	}
	ac.Answer = &models.Answer{Content: text, Citations: ac.Citations}

	ac.AddTrace(NameDrafter, "complete",
		fmt.Sprintf("model=%s blocks=%d tokens_out=%d", completion.Model, len(data.Blocks), completion.OutputTokens), start)
	return nil
}

func (d *Drafter) draftLetter(ctx context.Context, ac *Context) error {
	start := time.Now()

	purpose := ac.Param("purpose")
	if purpose == "" && ac.Draft != nil {
		purpose = strings.TrimSpace(ac.Draft.Purpose)
	}
	if purpose == "" {
		return ErrNoQuery
	}

	data := letterPromptData{
		Purpose:   purpose,
		Recipient: ac.Param("recipient"),
		Tone:      ac.Param("tone"),
		Blocks:    promptBlocks(ac),
	}
	if data.Tone == "" {
		data.Tone = "formal"
	}
	if ac.Draft != nil {
		data.Points = ac.Draft.Points
	}
	prompt, err := d.renderPrompt(ctx, "letter", data)
	if err != nil {
		return err
	}
	d.recordPromptVersion(ctx, ac, prompt, "letter")

	completion, err := d.complete(ctx, ac, prompt)
	if err != nil {
		return err
	}

	draft, ok := parseLetterJSON(completion.Text)
	if !ok {
		d.logger.Warn("letter reply was not valid JSON, using raw body",
			zap.String("correlation_id", ac.CorrelationID))
		ac.AddWarning("letter draft returned without structure")
		draft = &models.LetterDraft{
			Subject:      "Re: " + purpose,
			Body:         strings.TrimSpace(completion.Text),
			Placeholders: append([]string(nil), defaultPlaceholders...),
		}
	}
	if len(draft.Placeholders) == 0 {
		draft.Placeholders = scanPlaceholders(draft.Body)
	}
	ac.Letter = draft

	ac.AddTrace(NameDrafter, "complete",
		fmt.Sprintf("model=%s points=%d tokens_out=%d", completion.Model, len(data.Points), completion.OutputTokens), start)
	return nil
}

// renderPrompt loads the named template from the registry and executes
// it with the stage data.
func (d *Drafter) renderPrompt(ctx context.Context, name string, data any) (string, error) {
	tpl, err := d.registry.Find(ctx, name, "")
	if err != nil {
		return "", fmt.Errorf("load prompt template %q: %w", name, err)
	}
	parsed, err := template.New(name).Parse(tpl.Text)
	if err != nil {
		return "", fmt.Errorf("parse prompt template %q: %w", name, err)
	}
	var b strings.Builder
	if err := parsed.Execute(&b, data); err != nil {
		return "", fmt.Errorf("render prompt template %q: %w", name, err)
	}
	return b.String(), nil
}

// recordPromptVersion stores the assembled prompt in the version store
// and puts its hash on the context. Version store failures degrade to a
// locally computed hash so the response always carries one.
func (d *Drafter) recordPromptVersion(ctx context.Context, ac *Context, prompt, name string) {
	ac.Prompt = prompt
	if d.versions == nil {
		ac.PromptSha = promptreg.ComputeSha(prompt)
		return
	}
	sha, err := d.versions.Store(ctx, prompt, name)
	if err != nil {
		d.logger.Warn("prompt version store failed", zap.String("name", name), zap.Error(err))
		sha = promptreg.ComputeSha(prompt)
	}
	ac.PromptSha = sha
}

// complete calls the provider with the remaining token budget as the
// completion ceiling and charges the reported usage back to the budget.
func (d *Drafter) complete(ctx context.Context, ac *Context, prompt string) (*llm.Completion, error) {
	system := defaultSystemPrompt
	if tpl, err := d.registry.Find(ctx, "system", ""); err == nil {
		system = strings.TrimSpace(tpl.Text)
	}

	req := llm.Request{System: system, Prompt: prompt}
	if ac.Budget != nil {
		if remaining := ac.Budget.Remaining(); remaining > 0 {
			req.MaxTokens = remaining
		}
	}

	completion, err := d.completer.Complete(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("llm completion: %w", err)
	}

	ac.InputTokens += completion.InputTokens
	ac.OutputTokens += completion.OutputTokens
	if ac.Budget != nil && completion.OutputTokens > 0 {
		if err := ac.Budget.Consume(completion.OutputTokens); err != nil {
			metrics.BudgetRejections.Inc()
			ac.AddWarning("completion exceeded the token budget")
		}
	}
	return completion, nil
}

// promptBlocks numbers the admitted context chunks for the prompt. Only
// chunks that fit the budget are rendered; their indexes match the full
// citation list because admission is a prefix of the ranked results.
func promptBlocks(ac *Context) []promptBlock {
	n := len(ac.ContextChunks)
	if n > len(ac.SearchResults) {
		n = len(ac.SearchResults)
	}
	blocks := make([]promptBlock, 0, n)
	for i := 0; i < n; i++ {
		chunk := ac.SearchResults[i].Chunk
		blocks = append(blocks, promptBlock{
			Index:   i + 1,
			Title:   chunk.Title,
			Section: chunk.Section,
			Excerpt: chunk.Text,
		})
	}
	return blocks
}

// ensureMarkers backfills citation markers the model omitted: each
// missing [#k] is appended to the next marker-less sentence. Text with
// no marker-less sentences is returned unchanged.
func ensureMarkers(text string, citationCount int) string {
	missing := missingMarkers(text, citationCount)
	if len(missing) == 0 {
		return text
	}
	sentences := splitSentences(text)
	mi := 0
	changed := false
	for i, s := range sentences {
		if mi >= len(missing) {
			break
		}
		if s == "" || markerRe.MatchString(s) {
			continue
		}
		sentences[i] = fmt.Sprintf("%s [#%d]", s, missing[mi])
		mi++
		changed = true
	}
	if !changed {
		return text
	}
	return joinSentences(sentences)
}

// missingMarkers lists the citation indexes 1..n absent from the text,
// ascending.
func missingMarkers(text string, n int) []int {
	present := make(map[int]struct{})
	for _, k := range citationMarkers(text) {
		present[k] = struct{}{}
	}
	var missing []int
	for k := 1; k <= n; k++ {
		if _, ok := present[k]; !ok {
			missing = append(missing, k)
		}
	}
	return missing
}

// parseLetterJSON decodes the provider's letter reply, tolerating code
// fences around the JSON object.
func parseLetterJSON(raw string) (*models.LetterDraft, bool) {
	cleaned := strings.TrimSpace(raw)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	cleaned = strings.TrimSpace(cleaned)

	var draft models.LetterDraft
	if err := json.Unmarshal([]byte(cleaned), &draft); err != nil {
		return nil, false
	}
	if draft.Subject == "" && draft.Body == "" {
		return nil, false
	}
	return &draft, true
}

// scanPlaceholders collects the distinct {{token}} names in the body,
// in order of first appearance.
func scanPlaceholders(body string) []string {
	matches := placeholderRe.FindAllStringSubmatch(body, -1)
	if len(matches) == 0 {
		return []string{}
	}
	seen := make(map[string]struct{}, len(matches))
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		if _, ok := seen[m[1]]; ok {
			continue
		}
		seen[m[1]] = struct{}{}
		names = append(names, m[1])
	}
	return names
}
