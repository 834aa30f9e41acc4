package agents

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/worksafeai/copilot/internal/memory"
)

// Router classifies the request payload, extracts its public fields into
// the parameter map, and loads the caller's conversation and persona so
// later stages find them on the context. Missing memory never fails the
// request; the only hard failure is a context with no payload at all.
type Router struct {
	memory *memory.Manager
	logger *zap.Logger
}

func NewRouter(mem *memory.Manager, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{memory: mem, logger: logger}
}

func (r *Router) Name() string { return NameRouter }

func (r *Router) Execute(ctx context.Context, ac *Context) error {
	start := time.Now()

	switch {
	case ac.Ask != nil:
		ac.RequestType = TypeAsk
		ac.ConversationID = ac.Ask.ConversationID
		ac.UserID = ac.Ask.UserID
		if q := strings.TrimSpace(ac.Ask.Question); q != "" {
			ac.SetParam("question", q)
		}
		if ac.Ask.TopK > 0 {
			ac.SetParam("top_k", strconv.Itoa(ac.Ask.TopK))
		}
		if ac.Ask.MaxTokens > 0 {
			ac.SetParam("max_tokens", strconv.Itoa(ac.Ask.MaxTokens))
		}
	case ac.Draft != nil:
		ac.RequestType = TypeDraft
		ac.ConversationID = ac.Draft.ConversationID
		ac.UserID = ac.Draft.UserID
		if p := strings.TrimSpace(ac.Draft.Purpose); p != "" {
			ac.SetParam("purpose", p)
		}
		if rec := strings.TrimSpace(ac.Draft.Recipient); rec != "" {
			ac.SetParam("recipient", rec)
		}
		tone := strings.TrimSpace(ac.Draft.Tone)
		if tone == "" {
			tone = "formal"
		}
		ac.SetParam("tone", tone)
		if ac.Draft.MaxTokens > 0 {
			ac.SetParam("max_tokens", strconv.Itoa(ac.Draft.MaxTokens))
		}
	case ac.Ingest != nil:
		ac.RequestType = TypeIngest
		ac.SetParam("chunk_count", strconv.Itoa(len(ac.Ingest.Chunks)))
	default:
		ac.RequestType = TypeUnknown
		return ErrMissingRequest
	}

	r.loadMemory(ctx, ac)

	ac.AddTrace(NameRouter, "classify",
		fmt.Sprintf("type=%s params=%d", ac.RequestType, len(ac.Params)), start)
	return nil
}

// loadMemory attaches conversation history and the persona when the
// request identifies them. Both loads are best-effort.
func (r *Router) loadMemory(ctx context.Context, ac *Context) {
	if r.memory == nil {
		return
	}
	if ac.ConversationID != "" {
		conv, err := r.memory.GetConversation(ctx, ac.ConversationID)
		switch {
		case err == nil:
			ac.Conversation = conv
		case errors.Is(err, memory.ErrConversationNotFound):
			// First turn of a new conversation.
		default:
			r.logger.Warn("conversation load failed",
				zap.String("conversation_id", ac.ConversationID),
				zap.Error(err))
			ac.AddWarning("conversation history unavailable")
		}
	}
	if ac.UserID != "" {
		persona, err := r.memory.EnsurePersona(ctx, ac.UserID, "")
		if err != nil {
			r.logger.Warn("persona load failed",
				zap.String("user_id", ac.UserID),
				zap.Error(err))
			ac.AddWarning("persona unavailable")
		} else {
			ac.Persona = persona
		}
	}
}
