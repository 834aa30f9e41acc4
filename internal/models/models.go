// Package models defines the core domain types shared across the copilot
// service: content chunks, citations, answers, letter drafts, and the
// request/response envelopes exposed by the HTTP layer.
package models

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Chunk is a retrievable unit of workplace-safety content. Chunks are the
// atoms of the knowledge base: ingestion produces them, the vector store
// indexes them, and the retriever assembles them into prompt context.
type Chunk struct {
	ID         string            `json:"id" db:"id"`
	Text       string            `json:"text" db:"text"`
	Title      string            `json:"title" db:"title"`
	Section    string            `json:"section" db:"section"`
	SourcePath string            `json:"source_path" db:"source_path"`
	Hash       string            `json:"hash" db:"hash"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"created_at" db:"created_at"`
}

// ContentHash returns the deterministic hash of the chunk body. Two chunks
// with the same text, title, and section always hash identically, which is
// what makes re-ingestion idempotent.
func ContentHash(text, title, section string) string {
	h := sha256.Sum256([]byte(text + "\x00" + title + "\x00" + section))
	return hex.EncodeToString(h[:])
}

// EmbeddedChunk pairs a chunk with its embedding vector for batch upserts.
type EmbeddedChunk struct {
	Chunk  Chunk     `json:"chunk"`
	Vector []float32 `json:"vector"`
}

// SearchResult is a chunk returned from similarity search with its score.
// Scores are cosine similarities in [-1, 1]; backends never return results
// below the caller's floor.
type SearchResult struct {
	Chunk Chunk   `json:"chunk"`
	Score float64 `json:"score"`
}

// Citation points a sentence of an answer back at the source chunk it was
// grounded on. IDs are positional ("c1", "c2", ...) and correspond to the
// [#N] markers embedded in answer text.
type Citation struct {
	ID      string  `json:"id"`
	Title   string  `json:"title"`
	Section string  `json:"section,omitempty"`
	Excerpt string  `json:"excerpt"`
	Score   float64 `json:"score"`
	URL     string  `json:"url,omitempty"`
}

// Answer is the drafter's product for question answering.
type Answer struct {
	Content   string     `json:"content"`
	Citations []Citation `json:"citations"`
}

// LetterDraft is the drafter's product for letter generation. Placeholders
// name the {{tokens}} left in the body for the caller to fill in.
type LetterDraft struct {
	Subject      string   `json:"subject"`
	Body         string   `json:"body"`
	Placeholders []string `json:"placeholders"`
}

// AgentTrace records one pipeline stage execution for observability and
// audit. Traces are append-only within a request.
type AgentTrace struct {
	Agent      string    `json:"agent"`
	Action     string    `json:"action"`
	Detail     string    `json:"detail,omitempty"`
	DurationMs int64     `json:"duration_ms"`
	Timestamp  time.Time `json:"timestamp"`
}

// PolicyValidationResult is the cite checker's output on the letter path:
// the policy/section/form references it found in the draft body.
type PolicyValidationResult struct {
	References []string `json:"references"`
	Checked    bool     `json:"checked"`
}
