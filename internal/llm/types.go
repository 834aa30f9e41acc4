// Package llm puts chat completion providers behind one interface so the
// answer and letter agents stay provider-agnostic, and demo mode can swap
// in a deterministic offline completer.
package llm

import (
	"context"
	"fmt"
)

// Request is a single completion call. Temperature zero means "use the
// client's configured default".
type Request struct {
	System      string
	Prompt      string
	MaxTokens   int
	Temperature float64
}

// Completion carries the generated text plus the provider-reported token
// usage the budget ledger charges against.
type Completion struct {
	Text         string
	Model        string
	InputTokens  int
	OutputTokens int
}

type Client interface {
	Complete(ctx context.Context, req Request) (*Completion, error)
	Model() string
}

// ProviderError wraps upstream completion failures so callers can map
// them onto a service-unavailable response.
type ProviderError struct {
	Provider string
	Status   int
	Err      error
}

func (e *ProviderError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("llm provider %s: status %d: %v", e.Provider, e.Status, e.Err)
	}
	return fmt.Sprintf("llm provider %s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }
