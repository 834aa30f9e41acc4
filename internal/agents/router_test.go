package agents

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/worksafeai/copilot/internal/config"
	"github.com/worksafeai/copilot/internal/memory"
	"github.com/worksafeai/copilot/internal/models"
)

func newTestManager(t *testing.T) *memory.Manager {
	t.Helper()
	logger := zaptest.NewLogger(t)
	m := memory.NewManager(memory.NewMemStore(10, logger), config.MemoryConfig{MaxTurns: 10, RecentTurns: 3}, logger)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestRouterClassifiesAsk(t *testing.T) {
	r := NewRouter(newTestManager(t), zaptest.NewLogger(t))
	ac := &Context{Ask: &models.AskRequest{
		Question:       "  What PPE is required?  ",
		ConversationID: "c1",
		UserID:         "u1",
		TopK:           5,
		MaxTokens:      800,
	}}

	require.NoError(t, r.Execute(context.Background(), ac))

	assert.Equal(t, TypeAsk, ac.RequestType)
	assert.Equal(t, "c1", ac.ConversationID)
	assert.Equal(t, "u1", ac.UserID)
	assert.Equal(t, "What PPE is required?", ac.Param("question"))
	assert.Equal(t, "What PPE is required?", ac.Param("Question"), "parameter lookup is case-insensitive")
	assert.Equal(t, "5", ac.Param("top_k"))
	assert.Equal(t, "800", ac.Param("max_tokens"))

	require.Len(t, ac.Traces, 1)
	assert.Equal(t, NameRouter, ac.Traces[0].Agent)
	assert.Equal(t, "classify", ac.Traces[0].Action)
}

func TestRouterClassifiesDraft(t *testing.T) {
	r := NewRouter(nil, zaptest.NewLogger(t))
	ac := &Context{Draft: &models.DraftRequest{
		Purpose:   "incident notification",
		Recipient: "Site Manager",
	}}

	require.NoError(t, r.Execute(context.Background(), ac))

	assert.Equal(t, TypeDraft, ac.RequestType)
	assert.Equal(t, "incident notification", ac.Param("purpose"))
	assert.Equal(t, "Site Manager", ac.Param("recipient"))
	assert.Equal(t, "formal", ac.Param("tone"), "tone defaults to formal")
}

func TestRouterKeepsExplicitTone(t *testing.T) {
	r := NewRouter(nil, zaptest.NewLogger(t))
	ac := &Context{Draft: &models.DraftRequest{Purpose: "p", Tone: "friendly"}}

	require.NoError(t, r.Execute(context.Background(), ac))
	assert.Equal(t, "friendly", ac.Param("tone"))
}

func TestRouterClassifiesIngest(t *testing.T) {
	r := NewRouter(nil, zaptest.NewLogger(t))
	ac := &Context{Ingest: &models.IngestRequest{Chunks: []models.Chunk{{ID: "a"}, {ID: "b"}}}}

	require.NoError(t, r.Execute(context.Background(), ac))
	assert.Equal(t, TypeIngest, ac.RequestType)
	assert.Equal(t, "2", ac.Param("chunk_count"))
}

func TestRouterMissingRequest(t *testing.T) {
	r := NewRouter(nil, zaptest.NewLogger(t))
	ac := &Context{}

	err := r.Execute(context.Background(), ac)
	require.ErrorIs(t, err, ErrMissingRequest)
	assert.Equal(t, TypeUnknown, ac.RequestType)
}

func TestRouterEmptyQuestionStillRoutes(t *testing.T) {
	// Query validation belongs to the retriever; the router only refuses
	// a context with no payload at all.
	r := NewRouter(nil, zaptest.NewLogger(t))
	ac := &Context{Ask: &models.AskRequest{Question: "   "}}

	require.NoError(t, r.Execute(context.Background(), ac))
	assert.Equal(t, TypeAsk, ac.RequestType)
	assert.Empty(t, ac.Param("question"))
}

func TestRouterLoadsConversationAndPersona(t *testing.T) {
	ctx := context.Background()
	mgr := newTestManager(t)
	_, err := mgr.AppendTurn(ctx, "c1", "u1", memory.Turn{
		UserMessage:       "first question",
		AssistantResponse: "first answer",
	})
	require.NoError(t, err)

	r := NewRouter(mgr, zaptest.NewLogger(t))
	ac := &Context{Ask: &models.AskRequest{Question: "next", ConversationID: "c1", UserID: "u1"}}

	require.NoError(t, r.Execute(ctx, ac))

	require.NotNil(t, ac.Conversation)
	require.Len(t, ac.Conversation.Turns, 1)
	assert.Equal(t, "first question", ac.Conversation.Turns[0].UserMessage)

	require.NotNil(t, ac.Persona)
	assert.Equal(t, "administrator", ac.Persona.Variant)
	assert.Empty(t, ac.Warnings)
}

func TestRouterNewConversationIsNotAWarning(t *testing.T) {
	r := NewRouter(newTestManager(t), zaptest.NewLogger(t))
	ac := &Context{Ask: &models.AskRequest{Question: "q", ConversationID: "brand-new"}}

	require.NoError(t, r.Execute(context.Background(), ac))
	assert.Nil(t, ac.Conversation)
	assert.Empty(t, ac.Warnings)
}

func TestRouterWithoutMemoryManager(t *testing.T) {
	r := NewRouter(nil, zaptest.NewLogger(t))
	ac := &Context{Ask: &models.AskRequest{Question: "q", ConversationID: "c1", UserID: "u1"}}

	require.NoError(t, r.Execute(context.Background(), ac))
	assert.Nil(t, ac.Conversation)
	assert.Nil(t, ac.Persona)
}
