// Package embeddings turns text into vectors for retrieval. The provider
// client sits behind a two-level cache (in-process LRU, then Redis) keyed
// by model and text, so repeated questions and re-ingested chunks never
// pay for a second provider round trip.
package embeddings

import (
	"context"
	"fmt"
)

// Client produces embedding vectors for retrieval queries and chunk
// ingestion.
type Client interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
	Model() string
}

// ProviderError wraps upstream provider failures so callers can map them
// onto a service-unavailable response instead of a generic 500.
type ProviderError struct {
	Provider string
	Status   int
	Err      error
}

func (e *ProviderError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("embedding provider %s: status %d: %v", e.Provider, e.Status, e.Err)
	}
	return fmt.Sprintf("embedding provider %s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }
