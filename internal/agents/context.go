// Package agents implements the four pipeline stages the orchestrator
// runs for every request: the router classifies the request and loads
// memory, the retriever assembles the token-budgeted context window,
// the drafter renders the prompt and calls the completion provider, and
// the cite checker validates and repairs citation markers. Stages share
// one Context value and communicate only through it.
package agents

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/worksafeai/copilot/internal/budget"
	"github.com/worksafeai/copilot/internal/memory"
	"github.com/worksafeai/copilot/internal/models"
)

// Stage names as they appear in traces, metrics, and audit entries.
const (
	NameRouter      = "router"
	NameRetriever   = "retriever"
	NameDrafter     = "drafter"
	NameCiteChecker = "cite_checker"
)

// Request types the router classifies into.
const (
	TypeAsk     = "ask"
	TypeDraft   = "draft"
	TypeIngest  = "ingest"
	TypeUnknown = "unknown"
)

var (
	// ErrMissingRequest is returned by the router when no request payload
	// is present on the context.
	ErrMissingRequest = errors.New("no request payload on context")

	// ErrNoQuery is returned by the retriever when the request carries no
	// usable search query.
	ErrNoQuery = errors.New("no query parameter present")
)

// Agent is one pipeline stage. Execute reads and mutates the shared
// request context; the orchestrator decides whether a returned error
// aborts the request (hard stage) or is logged and ignored (soft stage).
type Agent interface {
	Name() string
	Execute(ctx context.Context, ac *Context) error
}

// Context is the state one request accumulates as it moves through the
// pipeline. The router fills the identity and parameter fields, the
// retriever the search fields, the drafter the artifact fields. Stages
// run sequentially within a request, so no locking is needed.
type Context struct {
	CorrelationID  string
	ConversationID string
	UserID         string
	RequestType    string

	// Exactly one request payload is set per pipeline run.
	Ask    *models.AskRequest
	Draft  *models.DraftRequest
	Ingest *models.IngestRequest

	// Params carries the request's public fields as strings for stages
	// that only need scalar lookups.
	Params map[string]string

	// Retrieval output.
	ContextChunks []string
	Citations     []models.Citation
	SearchResults []models.SearchResult

	// Drafting output.
	Answer     *models.Answer
	Letter     *models.LetterDraft
	PolicyRefs *models.PolicyValidationResult
	Prompt     string
	PromptSha  string

	// Memory loaded by the router.
	Conversation *memory.Conversation
	Persona      *memory.Persona

	AuditID string
	Budget  *budget.Budget

	InputTokens  int
	OutputTokens int

	Traces   []models.AgentTrace
	Warnings []string
}

// Param returns the named parameter, matching the key case-insensitively
// so stages can read "Question" and "question" interchangeably.
func (c *Context) Param(key string) string {
	for k, v := range c.Params {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return ""
}

// SetParam records one extracted request field.
func (c *Context) SetParam(key, value string) {
	if c.Params == nil {
		c.Params = make(map[string]string)
	}
	c.Params[key] = value
}

// AddTrace appends a stage trace stamped with the elapsed time since
// start. Traces are append-only for the lifetime of the request.
func (c *Context) AddTrace(agent, action, detail string, start time.Time) {
	c.Traces = append(c.Traces, models.AgentTrace{
		Agent:      agent,
		Action:     action,
		Detail:     detail,
		DurationMs: time.Since(start).Milliseconds(),
		Timestamp:  time.Now().UTC(),
	})
}

// AddWarning records a non-fatal problem surfaced in response metadata.
func (c *Context) AddWarning(msg string) {
	c.Warnings = append(c.Warnings, msg)
}

// CitedChunkIDs returns the chunk ids behind the current citation list,
// in citation order, for the audit trail.
func (c *Context) CitedChunkIDs() []string {
	if len(c.SearchResults) == 0 {
		return nil
	}
	ids := make([]string, 0, len(c.SearchResults))
	for _, r := range c.SearchResults {
		ids = append(ids, r.Chunk.ID)
	}
	return ids
}
