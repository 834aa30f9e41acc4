// Package vectorstore provides pluggable persistence for embedded safety
// content. Four backends implement the same Store contract: a JSON file
// store for demos and tests, Qdrant for dedicated vector search, Postgres
// with pgvector for deployments that already run Postgres, and Redis for
// small corpora that fit a full-scan search.
package vectorstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/worksafeai/copilot/internal/models"
)

var (
	// ErrNotInitialized is returned when a store is used before Initialize.
	ErrNotInitialized = errors.New("vector store not initialized")
	// ErrNotFound is returned when a chunk id does not exist.
	ErrNotFound = errors.New("chunk not found")
	// ErrDimensionMismatch is returned when a vector's length does not match
	// the store's configured dimension.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
	// ErrUnavailable wraps backend connectivity failures so callers can map
	// them to a 503 without knowing which backend is configured.
	ErrUnavailable = errors.New("vector store unavailable")
)

// Store is the contract every vector backend satisfies.
type Store interface {
	// Initialize prepares backing storage (creates collections, tables, or
	// loads the persisted file). It must be called once before any other
	// operation and must be idempotent.
	Initialize(ctx context.Context) error

	// Upsert inserts or replaces one chunk and its embedding.
	Upsert(ctx context.Context, chunk models.Chunk, vector []float32) error

	// UpsertBatch inserts or replaces many chunks. Failures are reported
	// per item; one bad chunk never aborts the rest.
	UpsertBatch(ctx context.Context, items []models.EmbeddedChunk) (*BatchResult, error)

	// Search returns up to topK chunks with cosine similarity >= minScore,
	// ordered by descending score.
	Search(ctx context.Context, query []float32, topK int, minScore float64) ([]models.SearchResult, error)

	// GetByID fetches one chunk. Returns ErrNotFound when absent.
	GetByID(ctx context.Context, id string) (*models.Chunk, error)

	// Delete removes one chunk. Deleting an absent id is not an error.
	Delete(ctx context.Context, id string) error

	// DeleteBySource removes every chunk ingested from the given source
	// path and reports how many were removed.
	DeleteBySource(ctx context.Context, sourcePath string) (int, error)

	// Count returns the number of indexed chunks.
	Count(ctx context.Context) (int, error)

	// HealthCheck reports whether the backend is reachable.
	HealthCheck(ctx context.Context) bool

	// Name identifies the backend for logs and metrics.
	Name() string

	Close() error
}

// BatchError identifies one item of a batch that failed.
type BatchError struct {
	Index int    `json:"index"`
	ID    string `json:"id"`
	Err   error  `json:"-"`
}

func (e BatchError) Error() string {
	return fmt.Sprintf("item %d (%s): %v", e.Index, e.ID, e.Err)
}

// BatchResult reports the outcome of an UpsertBatch.
type BatchResult struct {
	Succeeded int
	Failed    []BatchError
}

// Ok reports whether every item succeeded.
func (r *BatchResult) Ok() bool { return len(r.Failed) == 0 }

func validateVector(vec []float32, dim int) error {
	if len(vec) != dim {
		return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vec), dim)
	}
	return nil
}

func validateChunk(chunk models.Chunk) error {
	if chunk.ID == "" {
		return errors.New("chunk id must not be empty")
	}
	if chunk.Text == "" {
		return errors.New("chunk text must not be empty")
	}
	return nil
}
