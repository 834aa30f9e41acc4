package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/worksafeai/copilot/internal/agents"
	"github.com/worksafeai/copilot/internal/embeddings"
	"github.com/worksafeai/copilot/internal/llm"
	"github.com/worksafeai/copilot/internal/vectorstore"
)

// Kind classifies a pipeline failure so the transport layer can map it
// onto a status code without inspecting causes itself.
type Kind string

const (
	KindValidation        Kind = "validation"
	KindNoQuery           Kind = "no_query"
	KindModerationBlocked Kind = "moderation_blocked"
	KindVectorStore       Kind = "vector_store_unavailable"
	KindEmbedding         Kind = "embedding_unavailable"
	KindLLM               Kind = "llm_unavailable"
	KindCancelled         Kind = "cancelled"
	KindTimeout           Kind = "timeout"
	KindInternal          Kind = "internal"
)

// ErrModerationBlocked marks content the moderation stage refused.
var ErrModerationBlocked = errors.New("content blocked by moderation")

// StatusClientClosedRequest is the nginx convention for a caller that
// cancelled mid-request; net/http has no constant for it.
const StatusClientClosedRequest = 499

// PipelineError ties a failure to the stage that raised it.
type PipelineError struct {
	Stage string
	Kind  Kind
	Err   error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("%s stage failed (%s): %v", e.Stage, e.Kind, e.Err)
}

func (e *PipelineError) Unwrap() error { return e.Err }

// HTTPStatus maps the failure kind onto the response status code.
func (e *PipelineError) HTTPStatus() int {
	switch e.Kind {
	case KindValidation, KindNoQuery, KindModerationBlocked:
		return http.StatusBadRequest
	case KindVectorStore, KindEmbedding, KindLLM:
		return http.StatusServiceUnavailable
	case KindCancelled:
		return StatusClientClosedRequest
	case KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// newValidationError reports a request rejected before any stage ran.
func newValidationError(msg string) *PipelineError {
	return &PipelineError{Stage: "validation", Kind: KindValidation, Err: errors.New(msg)}
}

// classify wraps err in a PipelineError carrying the kind its cause calls
// for. Deadline and cancellation are checked first: a provider error that
// wraps a dead context is a timeout, not a provider outage.
func classify(stage string, err error) *PipelineError {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe
	}

	var embErr *embeddings.ProviderError
	var llmErr *llm.ProviderError

	kind := KindInternal
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		kind = KindTimeout
	case errors.Is(err, context.Canceled):
		kind = KindCancelled
	case errors.Is(err, ErrModerationBlocked):
		kind = KindModerationBlocked
	case errors.Is(err, agents.ErrNoQuery):
		kind = KindNoQuery
	case errors.Is(err, agents.ErrMissingRequest):
		kind = KindValidation
	case errors.As(err, &embErr):
		kind = KindEmbedding
	case errors.As(err, &llmErr):
		kind = KindLLM
	case errors.Is(err, vectorstore.ErrUnavailable),
		errors.Is(err, vectorstore.ErrNotInitialized),
		errors.Is(err, vectorstore.ErrDimensionMismatch):
		kind = KindVectorStore
	}
	return &PipelineError{Stage: stage, Kind: kind, Err: err}
}
