package httpapi

import (
	"time"

	"github.com/worksafeai/copilot/internal/audit"
	"github.com/worksafeai/copilot/internal/health"
	"github.com/worksafeai/copilot/internal/memory"
	"github.com/worksafeai/copilot/internal/models"
	"github.com/worksafeai/copilot/internal/promptreg"
)

// The public API speaks camelCase. Internal structs keep their storage
// tags, so every endpoint maps through the wire shapes below instead of
// serializing models directly.

type askRequestWire struct {
	Question        string `json:"question"`
	ConversationID  string `json:"conversationId"`
	UserID          string `json:"userId"`
	MaxTokens       int    `json:"maxTokens"`
	TopK            int    `json:"topK"`
	IncludeMetadata bool   `json:"includeMetadata"`
}

type draftRequestWire struct {
	Purpose         string   `json:"purpose"`
	Points          []string `json:"points"`
	Recipient       string   `json:"recipient"`
	Tone            string   `json:"tone"`
	ConversationID  string   `json:"conversationId"`
	UserID          string   `json:"userId"`
	MaxTokens       int      `json:"maxTokens"`
	IncludeMetadata bool     `json:"includeMetadata"`
}

type citationWire struct {
	ID      string  `json:"id"`
	Title   string  `json:"title"`
	Section string  `json:"section,omitempty"`
	Excerpt string  `json:"excerpt,omitempty"`
	Score   float64 `json:"score"`
	URL     string  `json:"url,omitempty"`
}

type agentTraceWire struct {
	Agent      string    `json:"agent"`
	Action     string    `json:"action"`
	Detail     string    `json:"detail,omitempty"`
	DurationMs int64     `json:"durationMs"`
	Timestamp  time.Time `json:"timestamp"`
}

type metadataWire struct {
	CorrelationID    string           `json:"correlationId"`
	PromptSha        string           `json:"promptSha,omitempty"`
	ProcessingTimeMs int64            `json:"processingTimeMs"`
	AgentTraces      []agentTraceWire `json:"agentTraces,omitempty"`
	Warnings         []string         `json:"warnings,omitempty"`
	DemoFixture      bool             `json:"demoFixture,omitempty"`
	Timestamp        time.Time        `json:"timestamp"`
}

type askResponseWire struct {
	Answer    string         `json:"answer"`
	Citations []citationWire `json:"citations"`
	Metadata  metadataWire   `json:"metadata"`
}

type draftResponseWire struct {
	Subject      string       `json:"subject"`
	Body         string       `json:"body"`
	Placeholders []string     `json:"placeholders"`
	References   []string     `json:"references,omitempty"`
	Metadata     metadataWire `json:"metadata"`
}

type chunkWire struct {
	ID         string            `json:"id"`
	Text       string            `json:"text"`
	Title      string            `json:"title"`
	Section    string            `json:"section"`
	SourcePath string            `json:"sourcePath"`
	Hash       string            `json:"hash"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

type ingestRequestWire struct {
	Chunks []chunkWire `json:"chunks"`
}

type ingestErrorWire struct {
	Index int    `json:"index"`
	ID    string `json:"id"`
	Error string `json:"error"`
}

type ingestResponseWire struct {
	Succeeded int               `json:"succeeded"`
	Failed    []ingestErrorWire `json:"failed,omitempty"`
}

type turnWire struct {
	UserMessage       string    `json:"userMessage"`
	AssistantResponse string    `json:"assistantResponse"`
	CitationIDs       []string  `json:"citationIds,omitempty"`
	Timestamp         time.Time `json:"timestamp"`
}

type conversationWire struct {
	ID           string     `json:"id"`
	UserID       string     `json:"userId,omitempty"`
	Turns        []turnWire `json:"turns"`
	CreatedAt    time.Time  `json:"createdAt"`
	LastActivity time.Time  `json:"lastActivity"`
}

type personaWire struct {
	UserID      string            `json:"userId"`
	Variant     string            `json:"variant"`
	Profile     map[string]string `json:"profile"`
	Preferences []string          `json:"preferences,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
	UpdatedAt   time.Time         `json:"updatedAt"`
}

type personaUpdateWire struct {
	Variant     string            `json:"variant"`
	Profile     map[string]string `json:"profile"`
	Preferences []string          `json:"preferences"`
}

type policyWire struct {
	Key          string    `json:"key"`
	Title        string    `json:"title"`
	Content      string    `json:"content"`
	Tags         []string  `json:"tags,omitempty"`
	Category     string    `json:"category,omitempty"`
	AccessCount  int       `json:"accessCount"`
	LastAccessed time.Time `json:"lastAccessed"`
}

type policySearchWire struct {
	Query   string       `json:"query"`
	Count   int          `json:"count"`
	Results []policyWire `json:"results"`
}

// auditEntryWire is the listing view of an audit entry. Inputs, outputs
// and traces stay out of the listing; the full record lives in the store.
type auditEntryWire struct {
	ID            string     `json:"id"`
	Operation     string     `json:"operation"`
	Status        string     `json:"status"`
	UserID        string     `json:"userId,omitempty"`
	CorrelationID string     `json:"correlationId"`
	PromptSha     string     `json:"promptSha"`
	Model         string     `json:"model,omitempty"`
	CitedChunks   []string   `json:"citedChunks,omitempty"`
	InputTokens   int        `json:"inputTokens"`
	OutputTokens  int        `json:"outputTokens"`
	DurationMs    int64      `json:"durationMs"`
	Error         string     `json:"error,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
}

type auditLogsWire struct {
	Count   int              `json:"count"`
	Entries []auditEntryWire `json:"entries"`
}

type promptVersionWire struct {
	Sha       string    `json:"sha"`
	Name      string    `json:"name"`
	Version   int       `json:"version"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

type promptVersionsWire struct {
	Count    int                 `json:"count"`
	Versions []promptVersionWire `json:"versions"`
}

type healthWire struct {
	OK           bool                     `json:"ok"`
	Status       string                   `json:"status"`
	Version      string                   `json:"version"`
	Timestamp    time.Time                `json:"timestamp"`
	Dependencies map[string]health.Result `json:"dependencies,omitempty"`
}

type metricsWire struct {
	TotalRequests       float64   `json:"totalRequests"`
	AverageResponseTime float64   `json:"averageResponseTime"`
	ErrorRate           float64   `json:"errorRate"`
	InFlightRequests    float64   `json:"inflightRequests"`
	FixtureHits         float64   `json:"fixtureHits"`
	TokensConsumed      float64   `json:"tokensConsumed"`
	UptimeSeconds       int64     `json:"uptimeSeconds"`
	Timestamp           time.Time `json:"timestamp"`
}

// errorWire is the envelope every failed request returns.
type errorWire struct {
	Error         string         `json:"error"`
	Message       string         `json:"message"`
	Details       map[string]any `json:"details,omitempty"`
	CorrelationID string         `json:"correlationId"`
	Timestamp     time.Time      `json:"timestamp"`
	TraceID       string         `json:"traceId,omitempty"`
}

func citationsToWire(cs []models.Citation) []citationWire {
	out := make([]citationWire, 0, len(cs))
	for _, c := range cs {
		out = append(out, citationWire{
			ID:      c.ID,
			Title:   c.Title,
			Section: c.Section,
			Excerpt: c.Excerpt,
			Score:   c.Score,
			URL:     c.URL,
		})
	}
	return out
}

func tracesToWire(ts []models.AgentTrace) []agentTraceWire {
	if len(ts) == 0 {
		return nil
	}
	out := make([]agentTraceWire, 0, len(ts))
	for _, t := range ts {
		out = append(out, agentTraceWire{
			Agent:      t.Agent,
			Action:     t.Action,
			Detail:     t.Detail,
			DurationMs: t.DurationMs,
			Timestamp:  t.Timestamp,
		})
	}
	return out
}

// metadataToWire drops the per-stage traces unless the caller opted in;
// everything else in the metadata block is cheap and always returned.
func metadataToWire(m models.ResponseMetadata, includeTraces bool) metadataWire {
	w := metadataWire{
		CorrelationID:    m.CorrelationID,
		PromptSha:        m.PromptSha,
		ProcessingTimeMs: m.ProcessingTimeMs,
		Warnings:         m.Warnings,
		DemoFixture:      m.DemoFixture,
		Timestamp:        m.Timestamp,
	}
	if includeTraces {
		w.AgentTraces = tracesToWire(m.AgentTraces)
	}
	return w
}

func askResponseToWire(resp *models.AskResponse, includeMetadata bool) askResponseWire {
	return askResponseWire{
		Answer:    resp.Answer,
		Citations: citationsToWire(resp.Citations),
		Metadata:  metadataToWire(resp.Metadata, includeMetadata),
	}
}

func draftResponseToWire(resp *models.DraftResponse, includeMetadata bool) draftResponseWire {
	return draftResponseWire{
		Subject:      resp.Subject,
		Body:         resp.Body,
		Placeholders: resp.Placeholders,
		References:   resp.References,
		Metadata:     metadataToWire(resp.Metadata, includeMetadata),
	}
}

func chunksFromWire(cs []chunkWire) []models.Chunk {
	out := make([]models.Chunk, 0, len(cs))
	for _, c := range cs {
		out = append(out, models.Chunk{
			ID:         c.ID,
			Text:       c.Text,
			Title:      c.Title,
			Section:    c.Section,
			SourcePath: c.SourcePath,
			Hash:       c.Hash,
			Metadata:   c.Metadata,
		})
	}
	return out
}

func ingestResponseToWire(resp *models.IngestResponse) ingestResponseWire {
	w := ingestResponseWire{Succeeded: resp.Succeeded}
	for _, f := range resp.Failed {
		w.Failed = append(w.Failed, ingestErrorWire{Index: f.Index, ID: f.ID, Error: f.Error})
	}
	return w
}

func conversationToWire(c *memory.Conversation) conversationWire {
	w := conversationWire{
		ID:           c.ID,
		UserID:       c.UserID,
		Turns:        make([]turnWire, 0, len(c.Turns)),
		CreatedAt:    c.CreatedAt,
		LastActivity: c.LastActivity,
	}
	for _, t := range c.Turns {
		w.Turns = append(w.Turns, turnWire{
			UserMessage:       t.UserMessage,
			AssistantResponse: t.AssistantResponse,
			CitationIDs:       t.CitationIDs,
			Timestamp:         t.Timestamp,
		})
	}
	return w
}

func personaToWire(p *memory.Persona) personaWire {
	return personaWire{
		UserID:      p.UserID,
		Variant:     p.Variant,
		Profile:     p.Profile,
		Preferences: p.Preferences,
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
	}
}

func policiesToWire(es []memory.PolicyEntry) []policyWire {
	out := make([]policyWire, 0, len(es))
	for _, e := range es {
		out = append(out, policyWire{
			Key:          e.Key,
			Title:        e.Title,
			Content:      e.Content,
			Tags:         e.Tags,
			Category:     e.Category,
			AccessCount:  e.AccessCount,
			LastAccessed: e.LastAccessed,
		})
	}
	return out
}

func auditEntriesToWire(es []audit.Entry) []auditEntryWire {
	out := make([]auditEntryWire, 0, len(es))
	for _, e := range es {
		w := auditEntryWire{
			ID:            e.ID,
			Operation:     e.Operation,
			Status:        e.Status,
			UserID:        e.UserID,
			CorrelationID: e.CorrelationID,
			PromptSha:     e.PromptSha,
			Model:         e.Model,
			CitedChunks:   e.CitedChunks,
			InputTokens:   e.InputTokens,
			OutputTokens:  e.OutputTokens,
			DurationMs:    e.DurationMs,
			Error:         e.Error,
			CreatedAt:     e.CreatedAt,
		}
		if !e.CompletedAt.IsZero() {
			completed := e.CompletedAt
			w.CompletedAt = &completed
		}
		out = append(out, w)
	}
	return out
}

func promptVersionsToWire(vs []promptreg.PromptVersion) []promptVersionWire {
	out := make([]promptVersionWire, 0, len(vs))
	for _, v := range vs {
		out = append(out, promptVersionWire{
			Sha:       v.Sha,
			Name:      v.Name,
			Version:   v.Version,
			Content:   v.Content,
			CreatedAt: v.CreatedAt,
		})
	}
	return out
}
