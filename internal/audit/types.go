// Package audit records every pipeline request as an append-only entry:
// inputs, outputs, per-stage agent traces, moderation outcomes, token
// counts. Entries are created at request start and enriched field by
// field as stages complete; no operation ever removes a trace already
// appended. Two backends exist, in-process maps and Postgres.
package audit

import (
	"context"
	"errors"
	"time"

	"github.com/worksafeai/copilot/internal/models"
	"github.com/worksafeai/copilot/internal/moderation"
)

var (
	// ErrNotFound is returned when an audit id is unknown.
	ErrNotFound = errors.New("audit entry not found")
	// ErrUnavailable wraps backend connectivity failures.
	ErrUnavailable = errors.New("audit store unavailable")
)

// Operations recorded in the log.
const (
	OperationAsk     = "ask"
	OperationDraft   = "draft"
	OperationIngest  = "ingest"
	OperationPersona = "persona"
	OperationPolicy  = "policy"
)

// Entry lifecycle states.
const (
	StatusOpen      = "open"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Moderation stage keys inside an entry.
const (
	StageInputModeration  = "input_moderation"
	StageOutputModeration = "output_moderation"
)

// PromptShaPending marks an entry opened before the drafter assembled
// its prompt.
const PromptShaPending = "PENDING"

// Entry is one audited request. Traces grow monotonically; the other
// fields are last-writer-wins at field granularity.
type Entry struct {
	ID            string                        `json:"id"`
	Operation     string                        `json:"operation"`
	UserID        string                        `json:"user_id,omitempty"`
	CorrelationID string                        `json:"correlation_id"`
	PromptSha     string                        `json:"prompt_sha"`
	Model         string                        `json:"model,omitempty"`
	Inputs        map[string]any                `json:"inputs"`
	Outputs       map[string]any                `json:"outputs,omitempty"`
	CitedChunks   []string                      `json:"cited_chunks,omitempty"`
	Traces        []models.AgentTrace           `json:"traces"`
	Moderation    map[string]*moderation.Result `json:"moderation,omitempty"`
	InputTokens   int                           `json:"input_tokens"`
	OutputTokens  int                           `json:"output_tokens"`
	Status        string                        `json:"status"`
	Error         string                        `json:"error,omitempty"`
	DurationMs    int64                         `json:"duration_ms"`
	CreatedAt     time.Time                     `json:"created_at"`
	CompletedAt   time.Time                     `json:"completed_at"`
}

// Filter narrows a Query. Zero values mean no constraint; Limit caps the
// result set and defaults to 50.
type Filter struct {
	UserID    string
	Operation string
	From      time.Time
	To        time.Time
	Limit     int
}

// Store is the audit backend contract. Implementations support many
// concurrent writers against one entry id.
type Store interface {
	// Open creates an entry and returns its id. Missing fields get
	// defaults: a generated id, status open, prompt sha PENDING.
	Open(ctx context.Context, e Entry) (string, error)

	// AppendOutputs merges output fields. Cited chunk ids are recorded
	// when provided and kept otherwise.
	AppendOutputs(ctx context.Context, id string, outputs map[string]any, citedChunks []string) error

	// AppendTrace appends one agent trace. Traces are never removed.
	AppendTrace(ctx context.Context, id string, trace models.AgentTrace) error

	// SetModeration records the outcome of one moderation stage.
	SetModeration(ctx context.Context, id, stage string, result *moderation.Result) error

	// SetTokenUsage records LLM token consumption.
	SetTokenUsage(ctx context.Context, id string, input, output int) error

	// SetPromptSha replaces the PENDING marker once the prompt exists.
	SetPromptSha(ctx context.Context, id, sha string) error

	// Finish closes the entry with a terminal status and total duration.
	// errMsg is empty for completed entries.
	Finish(ctx context.Context, id, status, errMsg string, durationMs int64) error

	// Get fetches one entry.
	Get(ctx context.Context, id string) (*Entry, error)

	// Query lists entries matching the filter, newest first.
	Query(ctx context.Context, f Filter) ([]Entry, error)

	// Count reports how many entries the log holds.
	Count(ctx context.Context) (int, error)

	// CleanupOlderThan removes entries created before now-retention and
	// reports how many were removed.
	CleanupOlderThan(ctx context.Context, retention time.Duration) (int, error)

	// HealthCheck reports whether the backend is reachable.
	HealthCheck(ctx context.Context) bool

	// Name identifies the backend for logs and metrics.
	Name() string

	Close() error
}
