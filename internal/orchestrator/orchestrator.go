// Package orchestrator drives each request through the pipeline: demo
// short-circuit, audit open, input moderation, the four agents in
// sequence, output moderation, redaction, audit close, and memory
// update. Hard stages abort the request; soft stages (cite checking,
// audit writes, memory updates) log and continue, so a computed reply
// always reaches the caller.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/worksafeai/copilot/internal/agents"
	"github.com/worksafeai/copilot/internal/audit"
	"github.com/worksafeai/copilot/internal/budget"
	"github.com/worksafeai/copilot/internal/config"
	"github.com/worksafeai/copilot/internal/demo"
	"github.com/worksafeai/copilot/internal/embeddings"
	"github.com/worksafeai/copilot/internal/llm"
	"github.com/worksafeai/copilot/internal/memory"
	"github.com/worksafeai/copilot/internal/metrics"
	"github.com/worksafeai/copilot/internal/models"
	"github.com/worksafeai/copilot/internal/moderation"
	"github.com/worksafeai/copilot/internal/promptreg"
	"github.com/worksafeai/copilot/internal/redaction"
	"github.com/worksafeai/copilot/internal/tracing"
	"github.com/worksafeai/copilot/internal/vectorstore"
)

const defaultStageTimeout = 30 * time.Second

// Deps bundles the collaborators the pipeline runs against. Store,
// Embedder and Completer feed the agents; the rest are used by the
// orchestrator directly.
type Deps struct {
	Config    *config.Config
	Logger    *zap.Logger
	Demo      *demo.Service
	Moderator moderation.Moderator
	Redactor  *redaction.Engine
	Audit     audit.Store
	Memory    *memory.Manager
	Store     vectorstore.Store
	Embedder  embeddings.Client
	Completer llm.Client
	Registry  promptreg.Registry
	Versions  promptreg.VersionStore
}

// Orchestrator owns the request state machine.
type Orchestrator struct {
	cfg       *config.Config
	logger    *zap.Logger
	demo      *demo.Service
	moderator moderation.Moderator
	redactor  *redaction.Engine
	audit     audit.Store
	memory    *memory.Manager
	store     vectorstore.Store
	embedder  embeddings.Client

	router      *agents.Router
	retriever   *agents.Retriever
	drafter     *agents.Drafter
	citeChecker *agents.CiteChecker

	stageTimeout time.Duration
}

// New wires the four agents from the dependency set. A nil logger is
// replaced with a no-op one; a nil config falls back to built-in
// defaults for timeouts and budgets.
func New(deps Deps) *Orchestrator {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	stageTimeout := defaultStageTimeout
	var retrieverCfg agents.RetrieverConfig
	recentTurns := 0
	if deps.Config != nil {
		if deps.Config.Server.StageTimeout > 0 {
			stageTimeout = deps.Config.Server.StageTimeout
		}
		retrieverCfg = agents.RetrieverConfig{
			TopK:     deps.Config.VectorStore.TopK,
			MinScore: deps.Config.VectorStore.MinScore,
			Overhead: deps.Config.Budget.PromptOverheadTokens,
		}
		recentTurns = deps.Config.Memory.RecentTurns
	}

	return &Orchestrator{
		cfg:          deps.Config,
		logger:       logger,
		demo:         deps.Demo,
		moderator:    deps.Moderator,
		redactor:     deps.Redactor,
		audit:        deps.Audit,
		memory:       deps.Memory,
		store:        deps.Store,
		embedder:     deps.Embedder,
		router:       agents.NewRouter(deps.Memory, logger),
		retriever:    agents.NewRetriever(deps.Store, deps.Embedder, retrieverCfg, logger),
		drafter:      agents.NewDrafter(deps.Completer, deps.Registry, deps.Versions, recentTurns, logger),
		citeChecker:  agents.NewCiteChecker(logger),
		stageTimeout: stageTimeout,
	}
}

// ProcessAsk answers a question through the full pipeline.
func (o *Orchestrator) ProcessAsk(ctx context.Context, req *models.AskRequest) (*models.AskResponse, error) {
	if req == nil {
		return nil, newValidationError("missing ask request")
	}
	start := time.Now()
	correlationID := ensureCorrelationID(req.CorrelationID)

	if o.demo.Enabled() {
		if fixture, ok := o.demo.MatchAsk(req.Question); ok {
			return o.serveAskFixture(ctx, req, fixture, correlationID, start), nil
		}
	}

	ac := &agents.Context{
		CorrelationID:  correlationID,
		ConversationID: req.ConversationID,
		UserID:         req.UserID,
		Ask:            req,
		Budget:         budget.New(o.maxBudgetTokens(req.MaxTokens)),
	}
	ac.AuditID = o.openAudit(ctx, audit.OperationAsk, req.UserID, correlationID, map[string]any{
		"question":        req.Question,
		"conversation_id": req.ConversationID,
		"max_tokens":      req.MaxTokens,
		"top_k":           req.TopK,
	})

	if err := o.moderate(ctx, ac, audit.StageInputModeration, req.Question); err != nil {
		return nil, o.fail(ctx, ac, audit.OperationAsk, audit.StageInputModeration, err, start)
	}

	for _, agent := range []agents.Agent{o.router, o.retriever, o.drafter} {
		if err := o.runStage(ctx, ac, agent); err != nil {
			return nil, o.fail(ctx, ac, audit.OperationAsk, agent.Name(), err, start)
		}
	}
	metrics.RecordTokens(ac.InputTokens, ac.OutputTokens)

	o.runSoftStage(ctx, ac, o.citeChecker)

	if ac.Answer == nil {
		err := errors.New("drafter produced no answer")
		return nil, o.fail(ctx, ac, audit.OperationAsk, agents.NameDrafter, err, start)
	}

	if err := o.moderate(ctx, ac, audit.StageOutputModeration, ac.Answer.Content); err != nil {
		return nil, o.fail(ctx, ac, audit.OperationAsk, audit.StageOutputModeration, err, start)
	}

	o.redactAnswer(ctx, ac)

	citations := ac.Answer.Citations
	if citations == nil {
		citations = []models.Citation{}
	}
	resp := &models.AskResponse{
		Answer:    ac.Answer.Content,
		Citations: citations,
		Metadata:  o.metadata(ac),
	}

	o.closeAudit(ctx, ac, map[string]any{"response": resp}, start)
	o.recordTurn(ctx, ac.ConversationID, ac.UserID, memory.Turn{
		UserMessage:       req.Question,
		AssistantResponse: ac.Answer.Content,
		CitationIDs:       citationIDs(citations),
	})

	metrics.RecordRequest(audit.OperationAsk, "completed", time.Since(start).Seconds())
	return resp, nil
}

// ProcessDraft generates a letter through the full pipeline.
func (o *Orchestrator) ProcessDraft(ctx context.Context, req *models.DraftRequest) (*models.DraftResponse, error) {
	if req == nil {
		return nil, newValidationError("missing draft request")
	}
	start := time.Now()
	correlationID := ensureCorrelationID(req.CorrelationID)

	if o.demo.Enabled() {
		if fixture, ok := o.demo.MatchLetter(req.Purpose); ok {
			return o.serveLetterFixture(ctx, req, fixture, correlationID, start), nil
		}
	}

	ac := &agents.Context{
		CorrelationID:  correlationID,
		ConversationID: req.ConversationID,
		UserID:         req.UserID,
		Draft:          req,
		Budget:         budget.New(o.maxBudgetTokens(req.MaxTokens)),
	}
	ac.AuditID = o.openAudit(ctx, audit.OperationDraft, req.UserID, correlationID, map[string]any{
		"purpose":   req.Purpose,
		"recipient": req.Recipient,
		"tone":      req.Tone,
		"points":    req.Points,
	})

	if err := o.moderate(ctx, ac, audit.StageInputModeration, req.Purpose); err != nil {
		return nil, o.fail(ctx, ac, audit.OperationDraft, audit.StageInputModeration, err, start)
	}

	for _, agent := range []agents.Agent{o.router, o.retriever, o.drafter} {
		if err := o.runStage(ctx, ac, agent); err != nil {
			return nil, o.fail(ctx, ac, audit.OperationDraft, agent.Name(), err, start)
		}
	}
	metrics.RecordTokens(ac.InputTokens, ac.OutputTokens)

	o.runSoftStage(ctx, ac, o.citeChecker)

	if ac.Letter == nil {
		err := errors.New("drafter produced no letter")
		return nil, o.fail(ctx, ac, audit.OperationDraft, agents.NameDrafter, err, start)
	}

	letterText := ac.Letter.Subject + "\n\n" + ac.Letter.Body
	if err := o.moderate(ctx, ac, audit.StageOutputModeration, letterText); err != nil {
		return nil, o.fail(ctx, ac, audit.OperationDraft, audit.StageOutputModeration, err, start)
	}

	o.redactLetter(ctx, ac)

	placeholders := ac.Letter.Placeholders
	if placeholders == nil {
		placeholders = []string{}
	}
	var references []string
	if ac.PolicyRefs != nil {
		references = ac.PolicyRefs.References
	}
	resp := &models.DraftResponse{
		Subject:      ac.Letter.Subject,
		Body:         ac.Letter.Body,
		Placeholders: placeholders,
		References:   references,
		Metadata:     o.metadata(ac),
	}

	o.closeAudit(ctx, ac, map[string]any{"response": resp}, start)
	o.recordTurn(ctx, ac.ConversationID, ac.UserID, memory.Turn{
		UserMessage:       req.Purpose,
		AssistantResponse: "Generated letter: " + ac.Letter.Subject,
	})

	metrics.RecordRequest(audit.OperationDraft, "completed", time.Since(start).Seconds())
	return resp, nil
}

// ProcessIngest embeds and indexes content chunks. Failures are reported
// per item; one bad chunk never aborts the rest of the batch.
func (o *Orchestrator) ProcessIngest(ctx context.Context, req *models.IngestRequest) (*models.IngestResponse, error) {
	if req == nil || len(req.Chunks) == 0 {
		return nil, newValidationError("no chunks to ingest")
	}
	start := time.Now()
	correlationID := uuid.NewString()
	auditID := o.openAudit(ctx, audit.OperationIngest, "", correlationID, map[string]any{
		"chunk_count": len(req.Chunks),
	})
	ac := &agents.Context{CorrelationID: correlationID, AuditID: auditID, Ingest: req}

	chunks := make([]models.Chunk, len(req.Chunks))
	texts := make([]string, len(req.Chunks))
	now := time.Now().UTC()
	for i, c := range req.Chunks {
		if c.ID == "" {
			c.ID = uuid.NewString()
		}
		if c.Hash == "" {
			c.Hash = models.ContentHash(c.Text, c.Title, c.Section)
		}
		if c.CreatedAt.IsZero() {
			c.CreatedAt = now
		}
		chunks[i] = c
		texts[i] = c.Text
	}

	vectors, err := o.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, o.fail(ctx, ac, audit.OperationIngest, "embed", err, start)
	}
	if len(vectors) != len(chunks) {
		err := fmt.Errorf("embedding count mismatch: got %d, want %d", len(vectors), len(chunks))
		return nil, o.fail(ctx, ac, audit.OperationIngest, "embed", err, start)
	}

	items := make([]models.EmbeddedChunk, len(chunks))
	for i := range chunks {
		items[i] = models.EmbeddedChunk{Chunk: chunks[i], Vector: vectors[i]}
	}
	result, err := o.store.UpsertBatch(ctx, items)
	if err != nil {
		return nil, o.fail(ctx, ac, audit.OperationIngest, "upsert", err, start)
	}

	resp := &models.IngestResponse{Succeeded: result.Succeeded}
	for _, f := range result.Failed {
		resp.Failed = append(resp.Failed, models.IngestError{Index: f.Index, ID: f.ID, Error: f.Err.Error()})
	}

	if o.audit != nil && auditID != "" {
		o.auditWrite("append_outputs", o.audit.AppendOutputs(ctx, auditID, map[string]any{
			"succeeded": result.Succeeded,
			"failed":    len(result.Failed),
		}, nil))
		o.auditWrite("finish", o.audit.Finish(ctx, auditID, audit.StatusCompleted, "", time.Since(start).Milliseconds()))
	}
	metrics.RecordRequest(audit.OperationIngest, "completed", time.Since(start).Seconds())
	return resp, nil
}

// runStage executes one hard agent under the per-stage timeout and
// mirrors any traces it added into the audit entry.
func (o *Orchestrator) runStage(ctx context.Context, ac *agents.Context, agent agents.Agent) error {
	stageCtx, cancel := context.WithTimeout(ctx, o.stageTimeout)
	defer cancel()
	stageCtx, span := tracing.StartStageSpan(stageCtx, agent.Name(), ac.CorrelationID)
	defer span.End()

	before := len(ac.Traces)
	start := time.Now()
	err := agent.Execute(stageCtx, ac)
	metrics.RecordStage(agent.Name(), float64(time.Since(start).Milliseconds()))
	o.appendTraces(ctx, ac, before)
	return err
}

// runSoftStage executes an agent whose failure must not block the reply.
func (o *Orchestrator) runSoftStage(ctx context.Context, ac *agents.Context, agent agents.Agent) {
	if err := o.runStage(ctx, ac, agent); err != nil {
		metrics.RecordStageFailure(agent.Name(), string(KindInternal))
		o.logger.Warn("soft stage failed, continuing with unchecked artifact",
			zap.String("agent", agent.Name()),
			zap.String("correlation_id", ac.CorrelationID),
			zap.Error(err))
	}
}

// moderate screens one text at the named stage. Block aborts the
// request; a provider failure degrades to allow, with redaction still
// running behind it.
func (o *Orchestrator) moderate(ctx context.Context, ac *agents.Context, stage, text string) error {
	if o.moderator == nil || strings.TrimSpace(text) == "" {
		return nil
	}
	before := len(ac.Traces)
	start := time.Now()

	checkCtx, cancel := context.WithTimeout(ctx, o.stageTimeout)
	defer cancel()
	result, err := o.moderator.Check(checkCtx, text)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		o.logger.Warn("moderation provider unavailable, allowing content",
			zap.String("stage", stage),
			zap.String("provider", o.moderator.Name()),
			zap.Error(err))
		ac.AddWarning("moderation was unavailable for " + stage)
		ac.AddTrace("moderation", stage, "provider_error action=allow", start)
		o.appendTraces(ctx, ac, before)
		return nil
	}

	metrics.ModerationChecks.WithLabelValues(stage, string(result.Action)).Inc()
	if o.audit != nil && ac.AuditID != "" {
		o.auditWrite("set_moderation", o.audit.SetModeration(ctx, ac.AuditID, stage, result))
	}
	ac.AddTrace("moderation", stage,
		fmt.Sprintf("action=%s severity=%s flagged=%t", result.Action, result.SeverityS, result.Flagged), start)
	o.appendTraces(ctx, ac, before)

	if result.Flagged && result.Action == moderation.ActionBlock {
		return fmt.Errorf("%w: %s severity %s", ErrModerationBlocked, stage, result.SeverityS)
	}
	if result.Flagged {
		ac.AddWarning(fmt.Sprintf("content flagged by moderation (%s)", stage))
	}
	return nil
}

// redactAnswer rebuilds the answer with PII scrubbed, citations intact.
func (o *Orchestrator) redactAnswer(ctx context.Context, ac *agents.Context) {
	if o.redactor == nil || !o.redactor.Enabled() || ac.Answer == nil {
		return
	}
	before := len(ac.Traces)
	start := time.Now()
	redacted, matches := o.redactor.Redact(ac.Answer.Content)
	if len(matches) > 0 {
		ac.Answer = &models.Answer{Content: redacted, Citations: ac.Answer.Citations}
	}
	ac.AddTrace("redaction", "redact_answer", fmt.Sprintf("matches=%d", len(matches)), start)
	o.appendTraces(ctx, ac, before)
}

// redactLetter rebuilds the letter with PII scrubbed from subject and
// body, placeholders intact.
func (o *Orchestrator) redactLetter(ctx context.Context, ac *agents.Context) {
	if o.redactor == nil || !o.redactor.Enabled() || ac.Letter == nil {
		return
	}
	before := len(ac.Traces)
	start := time.Now()
	subject, subjectMatches := o.redactor.Redact(ac.Letter.Subject)
	body, bodyMatches := o.redactor.Redact(ac.Letter.Body)
	total := len(subjectMatches) + len(bodyMatches)
	if total > 0 {
		ac.Letter = &models.LetterDraft{Subject: subject, Body: body, Placeholders: ac.Letter.Placeholders}
	}
	ac.AddTrace("redaction", "redact_letter", fmt.Sprintf("matches=%d", total), start)
	o.appendTraces(ctx, ac, before)
}

// serveAskFixture returns the canned answer and records the
// short-circuit in the audit log and demo trace file.
func (o *Orchestrator) serveAskFixture(ctx context.Context, req *models.AskRequest, fixture *demo.AskFixture, correlationID string, start time.Time) *models.AskResponse {
	sha := demo.PromptSha(req.Question)
	trace := models.AgentTrace{
		Agent:      "demo",
		Action:     "fixture_hit",
		Detail:     "signature=" + demo.Signature(req.Question),
		DurationMs: time.Since(start).Milliseconds(),
		Timestamp:  time.Now().UTC(),
	}

	resp := &models.AskResponse{
		Answer:    fixture.Answer,
		Citations: fixture.Citations,
		Metadata: models.ResponseMetadata{
			CorrelationID:    correlationID,
			PromptSha:        sha,
			ProcessingTimeMs: time.Since(start).Milliseconds(),
			AgentTraces:      []models.AgentTrace{trace},
			DemoFixture:      true,
			Timestamp:        time.Now().UTC(),
		},
	}

	auditID := o.openAudit(ctx, audit.OperationAsk, req.UserID, correlationID, map[string]any{
		"question":     req.Question,
		"demo_fixture": true,
	})
	if o.audit != nil && auditID != "" {
		o.auditWrite("append_trace", o.audit.AppendTrace(ctx, auditID, trace))
		o.auditWrite("set_prompt_sha", o.audit.SetPromptSha(ctx, auditID, sha))
		o.auditWrite("append_outputs", o.audit.AppendOutputs(ctx, auditID, map[string]any{"response": resp}, nil))
		o.auditWrite("finish", o.audit.Finish(ctx, auditID, audit.StatusCompleted, "", time.Since(start).Milliseconds()))
	}
	o.demo.RecordTrace(audit.OperationAsk, req.Question, correlationID)
	o.recordTurn(ctx, req.ConversationID, req.UserID, memory.Turn{
		UserMessage:       req.Question,
		AssistantResponse: fixture.Answer,
		CitationIDs:       citationIDs(fixture.Citations),
	})

	metrics.RecordRequest(audit.OperationAsk, "fixture", time.Since(start).Seconds())
	return resp
}

// serveLetterFixture returns the canned letter and records the
// short-circuit in the audit log and demo trace file.
func (o *Orchestrator) serveLetterFixture(ctx context.Context, req *models.DraftRequest, fixture *demo.LetterFixture, correlationID string, start time.Time) *models.DraftResponse {
	sha := demo.PromptSha(req.Purpose)
	trace := models.AgentTrace{
		Agent:      "demo",
		Action:     "fixture_hit",
		Detail:     "signature=" + demo.Signature(req.Purpose),
		DurationMs: time.Since(start).Milliseconds(),
		Timestamp:  time.Now().UTC(),
	}

	placeholders := fixture.Placeholders
	if placeholders == nil {
		placeholders = []string{}
	}
	resp := &models.DraftResponse{
		Subject:      fixture.Subject,
		Body:         fixture.Body,
		Placeholders: placeholders,
		Metadata: models.ResponseMetadata{
			CorrelationID:    correlationID,
			PromptSha:        sha,
			ProcessingTimeMs: time.Since(start).Milliseconds(),
			AgentTraces:      []models.AgentTrace{trace},
			DemoFixture:      true,
			Timestamp:        time.Now().UTC(),
		},
	}

	auditID := o.openAudit(ctx, audit.OperationDraft, req.UserID, correlationID, map[string]any{
		"purpose":      req.Purpose,
		"demo_fixture": true,
	})
	if o.audit != nil && auditID != "" {
		o.auditWrite("append_trace", o.audit.AppendTrace(ctx, auditID, trace))
		o.auditWrite("set_prompt_sha", o.audit.SetPromptSha(ctx, auditID, sha))
		o.auditWrite("append_outputs", o.audit.AppendOutputs(ctx, auditID, map[string]any{"response": resp}, nil))
		o.auditWrite("finish", o.audit.Finish(ctx, auditID, audit.StatusCompleted, "", time.Since(start).Milliseconds()))
	}
	o.demo.RecordTrace(audit.OperationDraft, req.Purpose, correlationID)
	o.recordTurn(ctx, req.ConversationID, req.UserID, memory.Turn{
		UserMessage:       req.Purpose,
		AssistantResponse: "Generated letter: " + fixture.Subject,
	})

	metrics.RecordRequest(audit.OperationDraft, "fixture", time.Since(start).Seconds())
	return resp
}

// fail closes the audit entry with the classified error and returns it.
func (o *Orchestrator) fail(ctx context.Context, ac *agents.Context, operation, stage string, err error, start time.Time) *PipelineError {
	pe := classify(stage, err)
	metrics.RecordStageFailure(pe.Stage, string(pe.Kind))
	metrics.RecordRequest(operation, "failed", time.Since(start).Seconds())

	if o.audit != nil && ac.AuditID != "" {
		// The close must land even when the request context is dead.
		closeCtx := context.WithoutCancel(ctx)
		o.auditWrite("finish", o.audit.Finish(closeCtx, ac.AuditID, audit.StatusFailed, pe.Error(), time.Since(start).Milliseconds()))
	}

	o.logger.Error("pipeline aborted",
		zap.String("operation", operation),
		zap.String("stage", pe.Stage),
		zap.String("kind", string(pe.Kind)),
		zap.String("correlation_id", ac.CorrelationID),
		zap.Error(err))
	return pe
}

// closeAudit records prompt sha, token usage, outputs and completion.
func (o *Orchestrator) closeAudit(ctx context.Context, ac *agents.Context, outputs map[string]any, start time.Time) {
	if o.audit == nil || ac.AuditID == "" {
		return
	}
	if ac.PromptSha != "" {
		o.auditWrite("set_prompt_sha", o.audit.SetPromptSha(ctx, ac.AuditID, ac.PromptSha))
	}
	if ac.InputTokens > 0 || ac.OutputTokens > 0 {
		o.auditWrite("set_token_usage", o.audit.SetTokenUsage(ctx, ac.AuditID, ac.InputTokens, ac.OutputTokens))
	}
	o.auditWrite("append_outputs", o.audit.AppendOutputs(ctx, ac.AuditID, outputs, ac.CitedChunkIDs()))
	o.auditWrite("finish", o.audit.Finish(ctx, ac.AuditID, audit.StatusCompleted, "", time.Since(start).Milliseconds()))
}

// openAudit creates the audit entry. A failed open degrades to an
// unaudited request rather than a failed one.
func (o *Orchestrator) openAudit(ctx context.Context, operation, userID, correlationID string, inputs map[string]any) string {
	if o.audit == nil {
		return ""
	}
	id, err := o.audit.Open(ctx, audit.Entry{
		Operation:     operation,
		UserID:        userID,
		CorrelationID: correlationID,
		Inputs:        inputs,
	})
	if err != nil {
		metrics.AuditWrites.WithLabelValues("error").Inc()
		o.logger.Warn("audit open failed", zap.String("operation", operation), zap.Error(err))
		return ""
	}
	metrics.AuditWrites.WithLabelValues("ok").Inc()
	return id
}

// appendTraces mirrors traces added since index from into the audit
// entry.
func (o *Orchestrator) appendTraces(ctx context.Context, ac *agents.Context, from int) {
	if o.audit == nil || ac.AuditID == "" {
		return
	}
	for _, trace := range ac.Traces[from:] {
		o.auditWrite("append_trace", o.audit.AppendTrace(ctx, ac.AuditID, trace))
	}
}

// auditWrite counts one audit backend write. Failures are logged; audit
// persistence never blocks a reply.
func (o *Orchestrator) auditWrite(op string, err error) {
	if err != nil {
		metrics.AuditWrites.WithLabelValues("error").Inc()
		o.logger.Warn("audit write failed", zap.String("op", op), zap.Error(err))
		return
	}
	metrics.AuditWrites.WithLabelValues("ok").Inc()
}

// recordTurn appends one exchange to conversation memory.
func (o *Orchestrator) recordTurn(ctx context.Context, conversationID, userID string, turn memory.Turn) {
	if o.memory == nil || conversationID == "" {
		return
	}
	if _, err := o.memory.AppendTurn(ctx, conversationID, userID, turn); err != nil {
		o.logger.Warn("conversation memory update failed",
			zap.String("conversation_id", conversationID),
			zap.Error(err))
	}
}

// metadata assembles the response envelope. Processing time is the sum
// of recorded stage durations.
func (o *Orchestrator) metadata(ac *agents.Context) models.ResponseMetadata {
	var totalMs int64
	for _, t := range ac.Traces {
		totalMs += t.DurationMs
	}
	return models.ResponseMetadata{
		CorrelationID:    ac.CorrelationID,
		PromptSha:        ac.PromptSha,
		ProcessingTimeMs: totalMs,
		AgentTraces:      ac.Traces,
		Warnings:         ac.Warnings,
		Timestamp:        time.Now().UTC(),
	}
}

// maxBudgetTokens resolves the per-request token cap: the configured
// maximum, lowered to the caller's request when smaller.
func (o *Orchestrator) maxBudgetTokens(requested int) int {
	max := budget.DefaultMaxTokens
	if o.cfg != nil && o.cfg.Budget.MaxTokensPerRequest > 0 {
		max = o.cfg.Budget.MaxTokensPerRequest
	}
	if requested > 0 && requested < max {
		max = requested
	}
	return max
}

func ensureCorrelationID(id string) string {
	if id != "" {
		return id
	}
	return uuid.NewString()
}

func citationIDs(citations []models.Citation) []string {
	if len(citations) == 0 {
		return nil
	}
	ids := make([]string, len(citations))
	for i, c := range citations {
		ids[i] = c.ID
	}
	return ids
}
