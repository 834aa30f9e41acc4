package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/worksafeai/copilot/internal/agents"
	"github.com/worksafeai/copilot/internal/audit"
	"github.com/worksafeai/copilot/internal/budget"
	"github.com/worksafeai/copilot/internal/config"
	"github.com/worksafeai/copilot/internal/demo"
	"github.com/worksafeai/copilot/internal/embeddings"
	"github.com/worksafeai/copilot/internal/llm"
	"github.com/worksafeai/copilot/internal/memory"
	"github.com/worksafeai/copilot/internal/models"
	"github.com/worksafeai/copilot/internal/moderation"
	"github.com/worksafeai/copilot/internal/promptreg"
	"github.com/worksafeai/copilot/internal/redaction"
	"github.com/worksafeai/copilot/internal/vectorstore"
)

const testDim = 256

type fakeCompleter struct {
	reply string
	err   error
}

func (f *fakeCompleter) Complete(context.Context, llm.Request) (*llm.Completion, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &llm.Completion{Text: f.reply, Model: "fake-model", InputTokens: 10, OutputTokens: 20}, nil
}

func (f *fakeCompleter) Model() string { return "fake-model" }

// fakeEmbedder honors context cancellation and can be forced to fail,
// which the in-process demo embedder never does.
type fakeEmbedder struct {
	inner embeddings.Client
	err   error
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.inner.Embed(ctx, text)
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.inner.EmbedBatch(ctx, texts)
}

func (f *fakeEmbedder) Dimension() int { return testDim }

func (f *fakeEmbedder) Model() string { return "fake-embedder" }

type failingModerator struct{}

func (failingModerator) Check(context.Context, string) (*moderation.Result, error) {
	return nil, errors.New("content safety endpoint unavailable")
}

func (failingModerator) Name() string { return "failing" }

func testConfig() *config.Config {
	return &config.Config{
		Server:      config.ServerConfig{StageTimeout: 5 * time.Second},
		VectorStore: config.VectorStoreConfig{TopK: 10, MinScore: 0.1},
		Memory:      config.MemoryConfig{MaxTurns: 10, RecentTurns: 3},
		Budget:      config.BudgetConfig{MaxTokensPerRequest: 4096, PromptOverheadTokens: 300},
	}
}

type testEnv struct {
	orch  *Orchestrator
	audit *audit.MemoryStore
	store *vectorstore.JSONStore
	mem   *memory.Manager
}

// newTestEnv builds an orchestrator on the fully in-process stack. The
// mutate hook swaps individual dependencies before wiring.
func newTestEnv(t *testing.T, mutate func(*Deps)) *testEnv {
	t.Helper()
	logger := zaptest.NewLogger(t)

	store := vectorstore.NewJSONStore(filepath.Join(t.TempDir(), "chunks.json"), testDim, logger)
	require.NoError(t, store.Initialize(context.Background()))

	mem := memory.NewManager(memory.NewMemStore(10, logger), config.MemoryConfig{MaxTurns: 10, RecentTurns: 3}, logger)
	t.Cleanup(func() { mem.Close() })

	registry, err := promptreg.NewMemoryRegistry(logger)
	require.NoError(t, err)

	auditStore := audit.NewMemoryStore(logger)
	deps := Deps{
		Config:    testConfig(),
		Logger:    logger,
		Moderator: moderation.NewLocalModerator(moderation.SeverityMedium),
		Redactor:  redaction.NewEngine(true),
		Audit:     auditStore,
		Memory:    mem,
		Store:     store,
		Embedder:  embeddings.NewDemoEmbedder(testDim),
		Completer: llm.NewDemoCompleter(),
		Registry:  registry,
		Versions:  promptreg.NewMemoryVersionStore(),
	}
	if mutate != nil {
		mutate(&deps)
	}
	return &testEnv{orch: New(deps), audit: auditStore, store: store, mem: mem}
}

func newDemoService(t *testing.T) *demo.Service {
	t.Helper()
	dir := t.TempDir()
	svc, err := demo.New(config.DemoConfig{Enabled: true, FixturesPath: dir, TracePath: dir}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })
	return svc
}

func seedIncidentChunk(t *testing.T, env *testEnv) {
	t.Helper()
	resp, err := env.orch.ProcessIngest(context.Background(), &models.IngestRequest{Chunks: []models.Chunk{{
		ID:         "chunk-incident-1",
		Title:      "Incident Reporting Procedures",
		Section:    "Section 5",
		Text:       "Report every workplace incident to your supervisor within 24 hours using Form WS-101.",
		SourcePath: "policies/incident-reporting.md",
	}}})
	require.NoError(t, err)
	require.Equal(t, 1, resp.Succeeded)
}

func auditEntry(t *testing.T, env *testEnv, operation string) audit.Entry {
	t.Helper()
	entries, err := env.audit.Query(context.Background(), audit.Filter{Operation: operation})
	require.NoError(t, err)
	require.NotEmpty(t, entries, "no audit entry for operation %s", operation)
	return entries[0]
}

func TestProcessAskServesFixture(t *testing.T) {
	env := newTestEnv(t, func(d *Deps) { d.Demo = newDemoService(t) })

	resp, err := env.orch.ProcessAsk(context.Background(), &models.AskRequest{
		Question:       "What PPE is required for construction work?",
		ConversationID: "conv-demo",
		UserID:         "u1",
	})
	require.NoError(t, err)

	assert.Contains(t, resp.Answer, "hard hats")
	assert.Contains(t, resp.Answer, "safety glasses")
	assert.Contains(t, resp.Answer, "steel-toed boots")
	require.NotEmpty(t, resp.Citations)
	assert.Equal(t, "Personal Protective Equipment Standards", resp.Citations[0].Title)

	assert.True(t, resp.Metadata.DemoFixture)
	assert.True(t, strings.HasPrefix(resp.Metadata.PromptSha, "DEMO_"))
	assert.Len(t, resp.Metadata.PromptSha, 17)
	require.Len(t, resp.Metadata.AgentTraces, 1)
	assert.Equal(t, "demo", resp.Metadata.AgentTraces[0].Agent)
	assert.Equal(t, "fixture_hit", resp.Metadata.AgentTraces[0].Action)

	entry := auditEntry(t, env, audit.OperationAsk)
	assert.Equal(t, audit.StatusCompleted, entry.Status)
	assert.Equal(t, resp.Metadata.PromptSha, entry.PromptSha)
	assert.Equal(t, true, entry.Inputs["demo_fixture"])
	require.Len(t, entry.Traces, 1)
	assert.Equal(t, "demo", entry.Traces[0].Agent)
	stored, ok := entry.Outputs["response"].(*models.AskResponse)
	require.True(t, ok)
	assert.Equal(t, resp.Answer, stored.Answer)

	// Fixture hits still land in conversation memory, so follow-ups in
	// demo mode see the exchange.
	conv, err := env.mem.GetConversation(context.Background(), "conv-demo")
	require.NoError(t, err)
	require.Len(t, conv.Turns, 1)
	assert.Equal(t, resp.Answer, conv.Turns[0].AssistantResponse)
	assert.Equal(t, []string{"c1", "c2"}, conv.Turns[0].CitationIDs)
}

func TestProcessDraftServesFixture(t *testing.T) {
	env := newTestEnv(t, func(d *Deps) { d.Demo = newDemoService(t) })

	resp, err := env.orch.ProcessDraft(context.Background(), &models.DraftRequest{
		Purpose: "incident notification",
		UserID:  "u1",
	})
	require.NoError(t, err)

	assert.Equal(t, "Workplace Incident Notification", resp.Subject)
	assert.Contains(t, resp.Body, "{{recipient_name}}")
	assert.Contains(t, resp.Placeholders, "recipient_name")
	assert.True(t, resp.Metadata.DemoFixture)
	assert.True(t, strings.HasPrefix(resp.Metadata.PromptSha, "DEMO_"))

	entry := auditEntry(t, env, audit.OperationDraft)
	assert.Equal(t, audit.StatusCompleted, entry.Status)
	assert.Equal(t, true, entry.Inputs["demo_fixture"])
}

func TestProcessAskAnswersFromIndexedPolicies(t *testing.T) {
	env := newTestEnv(t, nil)
	seedIncidentChunk(t, env)

	resp, err := env.orch.ProcessAsk(context.Background(), &models.AskRequest{
		Question: "How do I report a workplace incident?",
		UserID:   "u1",
	})
	require.NoError(t, err)

	assert.Contains(t, resp.Answer, "24 hours")
	assert.Contains(t, resp.Answer, "Form WS-101")
	require.Len(t, resp.Citations, 1)
	assert.Equal(t, "c1", resp.Citations[0].ID)
	assert.Equal(t, "Incident Reporting Procedures", resp.Citations[0].Title)
	assert.Equal(t, "Section 5", resp.Citations[0].Section)
	assert.Positive(t, resp.Citations[0].Score)

	for _, para := range strings.Split(resp.Answer, "\n\n") {
		if strings.TrimSpace(para) == "" {
			continue
		}
		assert.Contains(t, para, "[#", "every paragraph carries a citation marker")
	}

	assert.False(t, resp.Metadata.DemoFixture)
	assert.Len(t, resp.Metadata.PromptSha, 64)
	assert.False(t, strings.HasPrefix(resp.Metadata.PromptSha, "DEMO_"))
	assert.Empty(t, resp.Metadata.Warnings)

	wantAgents := []string{"moderation", agents.NameRouter, agents.NameRetriever, agents.NameDrafter, agents.NameCiteChecker, "moderation", "redaction"}
	require.Len(t, resp.Metadata.AgentTraces, len(wantAgents))
	for i, trace := range resp.Metadata.AgentTraces {
		assert.Equal(t, wantAgents[i], trace.Agent, "trace %d", i)
	}
}

func TestProcessAskAuditTrail(t *testing.T) {
	env := newTestEnv(t, nil)
	seedIncidentChunk(t, env)

	resp, err := env.orch.ProcessAsk(context.Background(), &models.AskRequest{
		Question:      "How do I report a workplace incident?",
		UserID:        "u1",
		CorrelationID: "corr-123",
	})
	require.NoError(t, err)
	assert.Equal(t, "corr-123", resp.Metadata.CorrelationID)

	entry := auditEntry(t, env, audit.OperationAsk)
	assert.Equal(t, audit.StatusCompleted, entry.Status)
	assert.Equal(t, "corr-123", entry.CorrelationID)
	assert.Equal(t, "u1", entry.UserID)
	assert.Equal(t, "How do I report a workplace incident?", entry.Inputs["question"])
	assert.Equal(t, resp.Metadata.PromptSha, entry.PromptSha)
	assert.Positive(t, entry.InputTokens)
	assert.Positive(t, entry.OutputTokens)
	assert.Equal(t, []string{"chunk-incident-1"}, entry.CitedChunks)

	stored, ok := entry.Outputs["response"].(*models.AskResponse)
	require.True(t, ok)
	assert.Equal(t, resp.Answer, stored.Answer)

	// Every trace the response reports is mirrored into the entry, in
	// the same order.
	require.Len(t, entry.Traces, len(resp.Metadata.AgentTraces))
	for i := range entry.Traces {
		assert.Equal(t, resp.Metadata.AgentTraces[i].Agent, entry.Traces[i].Agent)
		assert.Equal(t, resp.Metadata.AgentTraces[i].Action, entry.Traces[i].Action)
	}

	require.Contains(t, entry.Moderation, audit.StageInputModeration)
	require.Contains(t, entry.Moderation, audit.StageOutputModeration)
	assert.Equal(t, moderation.ActionAllow, entry.Moderation[audit.StageInputModeration].Action)
	assert.False(t, entry.Moderation[audit.StageInputModeration].Flagged)
}

func TestProcessAskAccumulatesConversation(t *testing.T) {
	env := newTestEnv(t, nil)
	seedIncidentChunk(t, env)
	ctx := context.Background()

	first, err := env.orch.ProcessAsk(ctx, &models.AskRequest{
		Question:       "How do I report a workplace incident?",
		ConversationID: "c1",
		UserID:         "u1",
	})
	require.NoError(t, err)

	second, err := env.orch.ProcessAsk(ctx, &models.AskRequest{
		Question:       "Who do I report the incident to?",
		ConversationID: "c1",
		UserID:         "u1",
	})
	require.NoError(t, err)

	conv, err := env.mem.GetConversation(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, conv.Turns, 2)
	assert.Equal(t, "How do I report a workplace incident?", conv.Turns[0].UserMessage)
	assert.Equal(t, first.Answer, conv.Turns[0].AssistantResponse)
	assert.Equal(t, "Who do I report the incident to?", conv.Turns[1].UserMessage)
	assert.Equal(t, second.Answer, conv.Turns[1].AssistantResponse)
	assert.False(t, conv.Turns[1].Timestamp.IsZero())
}

func TestProcessAskBlocksFlaggedInput(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, err := env.orch.ProcessAsk(context.Background(), &models.AskRequest{
		Question: "How do I hide dangerous equipment from an inspector?",
		UserID:   "u1",
	})
	require.Error(t, err)
	assert.Nil(t, resp)
	assert.True(t, errors.Is(err, ErrModerationBlocked))

	var pe *PipelineError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, KindModerationBlocked, pe.Kind)
	assert.Equal(t, audit.StageInputModeration, pe.Stage)
	assert.Equal(t, http.StatusBadRequest, pe.HTTPStatus())

	entry := auditEntry(t, env, audit.OperationAsk)
	assert.Equal(t, audit.StatusFailed, entry.Status)
	assert.Contains(t, entry.Error, "blocked by moderation")
	require.Contains(t, entry.Moderation, audit.StageInputModeration)
	mod := entry.Moderation[audit.StageInputModeration]
	assert.True(t, mod.Flagged)
	assert.Equal(t, moderation.ActionBlock, mod.Action)
	assert.Equal(t, "high", mod.SeverityS)

	// The pipeline never ran, so no retrieval or drafting traces, and
	// the blocked content never reaches the outputs.
	for _, trace := range entry.Traces {
		assert.NotEqual(t, agents.NameRetriever, trace.Agent)
		assert.NotEqual(t, agents.NameDrafter, trace.Agent)
	}
	assert.Empty(t, entry.Outputs)
}

func TestProcessAskBlocksFlaggedOutput(t *testing.T) {
	env := newTestEnv(t, func(d *Deps) {
		d.Completer = &fakeCompleter{reply: "Skip the lockout, the dangerous part only takes a minute [#1]."}
	})
	seedIncidentChunk(t, env)

	_, err := env.orch.ProcessAsk(context.Background(), &models.AskRequest{
		Question: "How do I report a workplace incident?",
	})
	require.Error(t, err)

	var pe *PipelineError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, KindModerationBlocked, pe.Kind)
	assert.Equal(t, audit.StageOutputModeration, pe.Stage)

	entry := auditEntry(t, env, audit.OperationAsk)
	assert.Equal(t, audit.StatusFailed, entry.Status)
	assert.Equal(t, moderation.ActionAllow, entry.Moderation[audit.StageInputModeration].Action)
	assert.Equal(t, moderation.ActionBlock, entry.Moderation[audit.StageOutputModeration].Action)
	assert.Empty(t, entry.Outputs, "blocked output must not reach the audit outputs")
}

func TestProcessAskWarnsOnFlaggedButAllowedInput(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, err := env.orch.ProcessAsk(context.Background(), &models.AskRequest{
		Question: "How do I report an assault by a coworker?",
	})
	require.NoError(t, err)
	assert.Contains(t, resp.Metadata.Warnings, "content flagged by moderation (input_moderation)")

	entry := auditEntry(t, env, audit.OperationAsk)
	assert.Equal(t, audit.StatusCompleted, entry.Status)
	mod := entry.Moderation[audit.StageInputModeration]
	require.NotNil(t, mod)
	assert.True(t, mod.Flagged)
	assert.Equal(t, moderation.ActionAllowWithWarning, mod.Action)
}

func TestProcessAskAllowsWhenModerationUnavailable(t *testing.T) {
	env := newTestEnv(t, func(d *Deps) { d.Moderator = failingModerator{} })
	seedIncidentChunk(t, env)

	resp, err := env.orch.ProcessAsk(context.Background(), &models.AskRequest{
		Question: "How do I report a workplace incident?",
	})
	require.NoError(t, err)
	assert.Contains(t, resp.Answer, "24 hours")
	assert.Contains(t, resp.Metadata.Warnings, "moderation was unavailable for input_moderation")
	assert.Contains(t, resp.Metadata.Warnings, "moderation was unavailable for output_moderation")
}

func TestProcessAskRedactsIndexedPII(t *testing.T) {
	env := newTestEnv(t, nil)
	ingest, err := env.orch.ProcessIngest(context.Background(), &models.IngestRequest{Chunks: []models.Chunk{{
		ID:         "chunk-contact-1",
		Title:      "Incident Contact Sheet",
		Section:    "Section 2",
		Text:       "Email the completed incident report to test@example.com and quote reference 123-45-6789 when asked.",
		SourcePath: "policies/contact-sheet.md",
	}}})
	require.NoError(t, err)
	require.Equal(t, 1, ingest.Succeeded)

	resp, err := env.orch.ProcessAsk(context.Background(), &models.AskRequest{
		Question: "Where do I email the incident report?",
	})
	require.NoError(t, err)

	assert.NotContains(t, resp.Answer, "test@example.com")
	assert.NotContains(t, resp.Answer, "123-45-6789")
	assert.Contains(t, resp.Answer, "[EMAIL-REDACTED]")
	assert.Contains(t, resp.Answer, "[SSN-REDACTED]")

	var redactTrace *models.AgentTrace
	for i := range resp.Metadata.AgentTraces {
		if resp.Metadata.AgentTraces[i].Agent == "redaction" {
			redactTrace = &resp.Metadata.AgentTraces[i]
		}
	}
	require.NotNil(t, redactTrace)
	assert.Equal(t, "matches=2", redactTrace.Detail)

	// The audited response is the redacted one.
	entry := auditEntry(t, env, audit.OperationAsk)
	stored, ok := entry.Outputs["response"].(*models.AskResponse)
	require.True(t, ok)
	assert.NotContains(t, stored.Answer, "test@example.com")
	assert.NotContains(t, stored.Answer, "123-45-6789")
}

func TestProcessDraftGeneratesLetter(t *testing.T) {
	env := newTestEnv(t, nil)
	seedIncidentChunk(t, env)

	resp, err := env.orch.ProcessDraft(context.Background(), &models.DraftRequest{
		Purpose: "follow-up on last week's forklift incident",
		Points: []string{
			"Submit Form WS-101 within 24 hours.",
			"An investigation meeting is scheduled.",
		},
		UserID: "u1",
	})
	require.NoError(t, err)

	assert.Equal(t, "Re: follow-up on last week's forklift incident", resp.Subject)
	assert.Contains(t, resp.Body, "Dear {{recipient_name}},")
	assert.Contains(t, resp.Body, "Submit Form WS-101 within 24 hours.")
	assert.Contains(t, resp.Body, "An investigation meeting is scheduled.")
	assert.Contains(t, resp.Body, "{{sender_name}}")
	assert.Equal(t, []string{"recipient_name", "sender_name"}, resp.Placeholders)
	assert.Contains(t, resp.References, "Form WS-101")
	assert.False(t, resp.Metadata.DemoFixture)
	assert.Len(t, resp.Metadata.PromptSha, 64)

	entry := auditEntry(t, env, audit.OperationDraft)
	assert.Equal(t, audit.StatusCompleted, entry.Status)
	assert.Equal(t, "follow-up on last week's forklift incident", entry.Inputs["purpose"])
	stored, ok := entry.Outputs["response"].(*models.DraftResponse)
	require.True(t, ok)
	assert.Equal(t, resp.Subject, stored.Subject)
}

func TestProcessDraftAddressesNamedRecipient(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, err := env.orch.ProcessDraft(context.Background(), &models.DraftRequest{
		Purpose:   "safety inspection follow-up",
		Recipient: "Ms. Alvarez",
	})
	require.NoError(t, err)

	assert.Contains(t, resp.Body, "Dear Ms. Alvarez,")
	assert.NotContains(t, resp.Body, "{{recipient_name}}")
	assert.Equal(t, []string{"sender_name"}, resp.Placeholders)
}

func TestProcessDraftBlocksFlaggedPurpose(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, err := env.orch.ProcessDraft(context.Background(), &models.DraftRequest{
		Purpose: "justify keeping dangerous machinery unguarded",
	})
	require.Error(t, err)
	assert.Nil(t, resp)

	var pe *PipelineError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, KindModerationBlocked, pe.Kind)
	assert.Equal(t, audit.StageInputModeration, pe.Stage)

	entry := auditEntry(t, env, audit.OperationDraft)
	assert.Equal(t, audit.StatusFailed, entry.Status)
}

func TestProcessAskRequiresQuestion(t *testing.T) {
	env := newTestEnv(t, nil)

	_, err := env.orch.ProcessAsk(context.Background(), &models.AskRequest{Question: "   "})
	require.Error(t, err)

	var pe *PipelineError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, KindNoQuery, pe.Kind)
	assert.Equal(t, agents.NameRetriever, pe.Stage)
	assert.Equal(t, http.StatusBadRequest, pe.HTTPStatus())
}

func TestProcessRejectsMissingPayloads(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	cases := []struct {
		name string
		call func() error
	}{
		{"nil ask", func() error { _, err := env.orch.ProcessAsk(ctx, nil); return err }},
		{"nil draft", func() error { _, err := env.orch.ProcessDraft(ctx, nil); return err }},
		{"nil ingest", func() error { _, err := env.orch.ProcessIngest(ctx, nil); return err }},
		{"empty ingest", func() error { _, err := env.orch.ProcessIngest(ctx, &models.IngestRequest{}); return err }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.call()
			require.Error(t, err)
			var pe *PipelineError
			require.True(t, errors.As(err, &pe))
			assert.Equal(t, KindValidation, pe.Kind)
			assert.Equal(t, http.StatusBadRequest, pe.HTTPStatus())
		})
	}
}

func TestProcessAskEmbeddingProviderDown(t *testing.T) {
	env := newTestEnv(t, func(d *Deps) {
		d.Embedder = &fakeEmbedder{err: &embeddings.ProviderError{Provider: "azure", Status: 503, Err: errors.New("socket hang up")}}
	})

	_, err := env.orch.ProcessAsk(context.Background(), &models.AskRequest{Question: "How do I report an incident?"})
	require.Error(t, err)

	var pe *PipelineError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, KindEmbedding, pe.Kind)
	assert.Equal(t, agents.NameRetriever, pe.Stage)
	assert.Equal(t, http.StatusServiceUnavailable, pe.HTTPStatus())

	entry := auditEntry(t, env, audit.OperationAsk)
	assert.Equal(t, audit.StatusFailed, entry.Status)
	assert.NotEmpty(t, entry.Error)
}

func TestProcessAskCompletionProviderDown(t *testing.T) {
	env := newTestEnv(t, func(d *Deps) {
		d.Completer = &fakeCompleter{err: &llm.ProviderError{Provider: "azure", Status: 429, Err: errors.New("rate limited")}}
	})

	_, err := env.orch.ProcessAsk(context.Background(), &models.AskRequest{Question: "How do I report an incident?"})
	require.Error(t, err)

	var pe *PipelineError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, KindLLM, pe.Kind)
	assert.Equal(t, agents.NameDrafter, pe.Stage)
	assert.Equal(t, http.StatusServiceUnavailable, pe.HTTPStatus())
}

func TestProcessAskVectorStoreDown(t *testing.T) {
	env := newTestEnv(t, func(d *Deps) {
		// Never initialized, so every search fails.
		d.Store = vectorstore.NewJSONStore("", testDim, nil)
	})

	_, err := env.orch.ProcessAsk(context.Background(), &models.AskRequest{Question: "How do I report an incident?"})
	require.Error(t, err)

	var pe *PipelineError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, KindVectorStore, pe.Kind)
	assert.Equal(t, http.StatusServiceUnavailable, pe.HTTPStatus())
}

func TestProcessAskPropagatesCancellation(t *testing.T) {
	env := newTestEnv(t, func(d *Deps) {
		d.Embedder = &fakeEmbedder{inner: embeddings.NewDemoEmbedder(testDim)}
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := env.orch.ProcessAsk(ctx, &models.AskRequest{Question: "How do I report an incident?"})
	require.Error(t, err)

	var pe *PipelineError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, KindCancelled, pe.Kind)
	assert.Equal(t, StatusClientClosedRequest, pe.HTTPStatus())

	// The audit entry is still closed even though the request context
	// is dead.
	entry := auditEntry(t, env, audit.OperationAsk)
	assert.Equal(t, audit.StatusFailed, entry.Status)
}

func TestProcessAskPropagatesDeadline(t *testing.T) {
	env := newTestEnv(t, func(d *Deps) {
		d.Embedder = &fakeEmbedder{inner: embeddings.NewDemoEmbedder(testDim)}
	})
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	_, err := env.orch.ProcessAsk(ctx, &models.AskRequest{Question: "How do I report an incident?"})
	require.Error(t, err)

	var pe *PipelineError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, KindTimeout, pe.Kind)
	assert.Equal(t, http.StatusGatewayTimeout, pe.HTTPStatus())
}

func TestProcessAskTightBudgetDegrades(t *testing.T) {
	env := newTestEnv(t, nil)
	seedIncidentChunk(t, env)

	// 150 tokens is eaten by the prompt overhead reservation, so no
	// chunk is admitted and the drafter falls back.
	resp, err := env.orch.ProcessAsk(context.Background(), &models.AskRequest{
		Question:  "How do I report a workplace incident?",
		MaxTokens: 150,
	})
	require.NoError(t, err)
	assert.Equal(t, llm.InsufficientInfoAnswer, resp.Answer)
	assert.Contains(t, resp.Metadata.Warnings, "completion exceeded the token budget")
}

func TestProcessIngestFillsDefaultsAndIndexes(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	resp, err := env.orch.ProcessIngest(ctx, &models.IngestRequest{Chunks: []models.Chunk{
		{Title: "Ladder Safety", Section: "Section 1", Text: "Inspect ladders before each use."},
		{ID: "chunk-ppe-1", Title: "PPE Standards", Section: "Section 3.1", Text: "Hard hats are mandatory on site.", Hash: "abc123"},
		{Title: "Broken", Section: "Section 9", Text: ""},
	}})
	require.NoError(t, err)
	assert.Equal(t, 2, resp.Succeeded)
	require.Len(t, resp.Failed, 1)
	assert.Equal(t, 2, resp.Failed[0].Index)
	assert.Contains(t, resp.Failed[0].Error, "text")

	count, err := env.store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	stored, err := env.store.GetByID(ctx, "chunk-ppe-1")
	require.NoError(t, err)
	assert.Equal(t, "abc123", stored.Hash, "caller-provided hash is kept")
	assert.False(t, stored.CreatedAt.IsZero())

	entry := auditEntry(t, env, audit.OperationIngest)
	assert.Equal(t, audit.StatusCompleted, entry.Status)
	assert.Equal(t, 3, entry.Inputs["chunk_count"])
	assert.Equal(t, 2, entry.Outputs["succeeded"])
	assert.Equal(t, 1, entry.Outputs["failed"])
}

func TestClassifyKinds(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		kind   Kind
		status int
	}{
		{"timeout", context.DeadlineExceeded, KindTimeout, http.StatusGatewayTimeout},
		{"cancelled", context.Canceled, KindCancelled, StatusClientClosedRequest},
		{"moderation blocked", fmt.Errorf("%w: input severity high", ErrModerationBlocked), KindModerationBlocked, http.StatusBadRequest},
		{"no query", agents.ErrNoQuery, KindNoQuery, http.StatusBadRequest},
		{"missing request", agents.ErrMissingRequest, KindValidation, http.StatusBadRequest},
		{"embedding provider", fmt.Errorf("embed query: %w", &embeddings.ProviderError{Provider: "azure", Err: errors.New("boom")}), KindEmbedding, http.StatusServiceUnavailable},
		{"llm provider", fmt.Errorf("llm completion: %w", &llm.ProviderError{Provider: "azure", Err: errors.New("boom")}), KindLLM, http.StatusServiceUnavailable},
		{"vector store unavailable", fmt.Errorf("vector search: %w", vectorstore.ErrUnavailable), KindVectorStore, http.StatusServiceUnavailable},
		{"vector store uninitialized", vectorstore.ErrNotInitialized, KindVectorStore, http.StatusServiceUnavailable},
		{"internal", errors.New("boom"), KindInternal, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			pe := classify("stage", tc.err)
			assert.Equal(t, tc.kind, pe.Kind)
			assert.Equal(t, tc.status, pe.HTTPStatus())
			assert.Equal(t, "stage", pe.Stage)
			assert.True(t, errors.Is(pe, tc.err), "classified error must unwrap to the cause")
		})
	}
}

func TestClassifyKeepsExistingPipelineError(t *testing.T) {
	orig := newValidationError("bad input")
	pe := classify("later-stage", fmt.Errorf("wrapped: %w", orig))
	assert.Same(t, orig, pe)
}

func TestMaxBudgetTokens(t *testing.T) {
	o := New(Deps{Config: testConfig()})
	assert.Equal(t, 4096, o.maxBudgetTokens(0))
	assert.Equal(t, 500, o.maxBudgetTokens(500))
	assert.Equal(t, 4096, o.maxBudgetTokens(9000), "requests cannot raise the configured cap")

	o = New(Deps{})
	assert.Equal(t, budget.DefaultMaxTokens, o.maxBudgetTokens(0))
}

func TestMetadataSumsStageDurations(t *testing.T) {
	o := New(Deps{})
	ac := &agents.Context{
		CorrelationID: "corr-1",
		Traces: []models.AgentTrace{
			{Agent: agents.NameRouter, DurationMs: 3},
			{Agent: agents.NameRetriever, DurationMs: 11},
			{Agent: agents.NameDrafter, DurationMs: 40},
		},
		Warnings: []string{"w1"},
	}
	md := o.metadata(ac)
	assert.Equal(t, int64(54), md.ProcessingTimeMs)
	assert.Equal(t, "corr-1", md.CorrelationID)
	assert.Equal(t, []string{"w1"}, md.Warnings)
	assert.False(t, md.Timestamp.IsZero())
}
