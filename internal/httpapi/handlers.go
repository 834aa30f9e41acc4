package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/worksafeai/copilot/internal/audit"
	"github.com/worksafeai/copilot/internal/health"
	"github.com/worksafeai/copilot/internal/memory"
	"github.com/worksafeai/copilot/internal/models"
	"github.com/worksafeai/copilot/internal/orchestrator"
	"github.com/worksafeai/copilot/internal/promptreg"
	"github.com/worksafeai/copilot/internal/tracing"
)

const (
	maxBodyBytes       = 1 << 20
	maxIngestBodyBytes = 16 << 20
)

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	var req askRequestWire
	if err := decodeJSON(w, r, &req, maxBodyBytes); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "validation", err.Error(), nil)
		return
	}

	resp, err := s.orch.ProcessAsk(r.Context(), &models.AskRequest{
		Question:       req.Question,
		ConversationID: req.ConversationID,
		UserID:         req.UserID,
		MaxTokens:      req.MaxTokens,
		TopK:           req.TopK,
		CorrelationID:  CorrelationID(r.Context()),
	})
	if err != nil {
		s.writePipelineError(w, r, "ask", err)
		return
	}
	s.writeJSON(w, http.StatusOK, askResponseToWire(resp, req.IncludeMetadata))
}

func (s *Server) handleDraftLetter(w http.ResponseWriter, r *http.Request) {
	var req draftRequestWire
	if err := decodeJSON(w, r, &req, maxBodyBytes); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "validation", err.Error(), nil)
		return
	}

	resp, err := s.orch.ProcessDraft(r.Context(), &models.DraftRequest{
		Purpose:        req.Purpose,
		Points:         req.Points,
		Recipient:      req.Recipient,
		Tone:           req.Tone,
		ConversationID: req.ConversationID,
		UserID:         req.UserID,
		MaxTokens:      req.MaxTokens,
		CorrelationID:  CorrelationID(r.Context()),
	})
	if err != nil {
		s.writePipelineError(w, r, "draft", err)
		return
	}
	s.writeJSON(w, http.StatusOK, draftResponseToWire(resp, req.IncludeMetadata))
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequestWire
	if err := decodeJSON(w, r, &req, maxIngestBodyBytes); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "validation", err.Error(), nil)
		return
	}

	resp, err := s.orch.ProcessIngest(r.Context(), &models.IngestRequest{Chunks: chunksFromWire(req.Chunks)})
	if err != nil {
		s.writePipelineError(w, r, "ingest", err)
		return
	}
	s.writeJSON(w, http.StatusOK, ingestResponseToWire(resp))
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	conv, err := s.memory.GetConversation(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, memory.ErrConversationNotFound):
			s.writeError(w, r, http.StatusNotFound, "not_found", fmt.Sprintf("conversation %q not found", id), nil)
		case errors.Is(err, memory.ErrUnavailable):
			s.writeError(w, r, http.StatusServiceUnavailable, "memory_unavailable", "conversation store unreachable", nil)
		default:
			s.writeError(w, r, http.StatusInternalServerError, "internal", err.Error(), nil)
		}
		return
	}
	s.writeJSON(w, http.StatusOK, conversationToWire(conv))
}

// handleGetPersona returns the persona for a user, seeding it from the
// variant defaults on first access. The optional ?variant= picks the
// seed role; an existing persona is returned as stored.
func (s *Server) handleGetPersona(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userId")
	variant := r.URL.Query().Get("variant")
	if variant != "" {
		normalized, err := memory.NormalizeVariant(variant)
		if err != nil {
			s.writeError(w, r, http.StatusBadRequest, "validation", err.Error(), nil)
			return
		}
		variant = normalized
	}

	p, err := s.memory.EnsurePersona(r.Context(), userID, variant)
	if err != nil {
		if errors.Is(err, memory.ErrUnavailable) {
			s.writeError(w, r, http.StatusServiceUnavailable, "memory_unavailable", "persona store unreachable", nil)
			return
		}
		s.writeError(w, r, http.StatusInternalServerError, "internal", err.Error(), nil)
		return
	}
	s.writeJSON(w, http.StatusOK, personaToWire(p))
}

func (s *Server) handlePutPersona(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userId")

	var req personaUpdateWire
	if err := decodeJSON(w, r, &req, maxBodyBytes); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "validation", err.Error(), nil)
		return
	}

	variant, err := memory.NormalizeVariant(req.Variant)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, "validation", err.Error(), nil)
		return
	}
	if req.Profile == nil {
		req.Profile = map[string]string{}
	}

	p, err := s.memory.PutPersona(r.Context(), memory.Persona{
		UserID:      userID,
		Variant:     variant,
		Profile:     req.Profile,
		Preferences: req.Preferences,
	})
	if err != nil {
		if errors.Is(err, memory.ErrUnavailable) {
			s.writeError(w, r, http.StatusServiceUnavailable, "memory_unavailable", "persona store unreachable", nil)
			return
		}
		s.writeError(w, r, http.StatusInternalServerError, "internal", err.Error(), nil)
		return
	}
	s.writeJSON(w, http.StatusOK, personaToWire(p))
}

func (s *Server) handlePolicySearch(w http.ResponseWriter, r *http.Request) {
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		s.writeError(w, r, http.StatusBadRequest, "validation", "query parameter q is required", nil)
		return
	}
	limit := queryInt(r, "limit", 10, 100)

	entries, err := s.memory.SearchPolicies(r.Context(), query, limit)
	if err != nil {
		if errors.Is(err, memory.ErrUnavailable) {
			s.writeError(w, r, http.StatusServiceUnavailable, "memory_unavailable", "policy store unreachable", nil)
			return
		}
		s.writeError(w, r, http.StatusInternalServerError, "internal", err.Error(), nil)
		return
	}
	s.writeJSON(w, http.StatusOK, policySearchWire{
		Query:   query,
		Count:   len(entries),
		Results: policiesToWire(entries),
	})
}

func (s *Server) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	entries, err := s.audit.Query(r.Context(), audit.Filter{
		Operation: q.Get("operation"),
		UserID:    q.Get("userId"),
		Limit:     queryInt(r, "limit", 0, 500),
	})
	if err != nil {
		s.writeError(w, r, http.StatusServiceUnavailable, "audit_unavailable", "audit store unreachable", nil)
		return
	}
	s.writeJSON(w, http.StatusOK, auditLogsWire{
		Count:   len(entries),
		Entries: auditEntriesToWire(entries),
	})
}

func (s *Server) handlePromptVersions(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.URL.Query().Get("promptName"))

	var (
		versions []promptreg.PromptVersion
		err      error
	)
	if name != "" {
		versions, err = s.versions.GetHistory(r.Context(), name)
	} else {
		versions, err = s.versions.List(r.Context(), queryInt(r, "limit", 20, 200))
	}
	if err != nil {
		s.writeError(w, r, http.StatusServiceUnavailable, "versions_unavailable", "prompt version store unreachable", nil)
		return
	}
	s.writeJSON(w, http.StatusOK, promptVersionsWire{
		Count:    len(versions),
		Versions: promptVersionsToWire(versions),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		s.writeJSON(w, http.StatusOK, healthWire{
			OK:        true,
			Status:    health.StatusUnknown.String(),
			Version:   s.version,
			Timestamp: time.Now().UTC(),
		})
		return
	}

	snap := s.health.Snapshot(r.Context())
	status := http.StatusOK
	if snap.Status == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, healthWire{
		OK:           snap.Ready,
		Status:       snap.Status.String(),
		Version:      s.version,
		Timestamp:    snap.Timestamp,
		Dependencies: snap.Components,
	})
}

// handleMetrics condenses the Prometheus registry into the headline
// numbers dashboards poll for. The full collector set stays on /metrics.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	families, err := s.gatherer.Gather()
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, "internal", "gathering metrics failed", nil)
		return
	}

	out := metricsWire{
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
		Timestamp:     time.Now().UTC(),
	}
	for _, mf := range families {
		switch mf.GetName() {
		case "copilot_requests_total":
			var total, failed float64
			for _, m := range mf.GetMetric() {
				v := m.GetCounter().GetValue()
				total += v
				for _, lp := range m.GetLabel() {
					if lp.GetName() == "status" && lp.GetValue() == "failed" {
						failed += v
					}
				}
			}
			out.TotalRequests = total
			if total > 0 {
				out.ErrorRate = failed / total
			}
		case "copilot_request_duration_seconds":
			var sum float64
			var count uint64
			for _, m := range mf.GetMetric() {
				h := m.GetHistogram()
				sum += h.GetSampleSum()
				count += h.GetSampleCount()
			}
			if count > 0 {
				out.AverageResponseTime = sum / float64(count) * 1000
			}
		case "copilot_fixture_hits_total":
			for _, m := range mf.GetMetric() {
				out.FixtureHits += m.GetCounter().GetValue()
			}
		case "copilot_tokens_total":
			for _, m := range mf.GetMetric() {
				out.TokensConsumed += m.GetCounter().GetValue()
			}
		case "copilot_http_inflight_requests":
			for _, m := range mf.GetMetric() {
				out.InFlightRequests = m.GetGauge().GetValue()
			}
		}
	}
	s.writeJSON(w, http.StatusOK, out)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any, maxBytes int64) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	err := json.NewDecoder(r.Body).Decode(dst)
	if err == nil {
		return nil
	}
	var maxErr *http.MaxBytesError
	switch {
	case errors.Is(err, io.EOF):
		return errors.New("request body is required")
	case errors.As(err, &maxErr):
		return fmt.Errorf("request body exceeds %d bytes", maxErr.Limit)
	default:
		return fmt.Errorf("invalid JSON: %v", err)
	}
}

func queryInt(r *http.Request, name string, def, max int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	if max > 0 && n > max {
		return max
	}
	return n
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn("encoding response failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, kind, message string, details map[string]any) {
	env := errorWire{
		Error:         kind,
		Message:       message,
		Details:       details,
		CorrelationID: CorrelationID(r.Context()),
		Timestamp:     time.Now().UTC(),
	}
	if tp := tracing.W3CTraceparent(r.Context()); tp != "" {
		if traceID, _, _, ok := tracing.ParseTraceparent(tp); ok {
			env.TraceID = traceID
		}
	}
	s.writeJSON(w, status, env)
}

// writePipelineError maps a pipeline failure onto the status code its
// kind calls for; anything else is a 500.
func (s *Server) writePipelineError(w http.ResponseWriter, r *http.Request, operation string, err error) {
	var pe *orchestrator.PipelineError
	if !errors.As(err, &pe) {
		s.logger.Error("request failed",
			zap.String("operation", operation),
			zap.Error(err),
		)
		s.writeError(w, r, http.StatusInternalServerError, "internal", err.Error(), nil)
		return
	}

	status := pe.HTTPStatus()
	s.logger.Warn("request rejected",
		zap.String("operation", operation),
		zap.String("stage", pe.Stage),
		zap.String("kind", string(pe.Kind)),
		zap.Int("status", status),
		zap.Error(pe.Err),
	)
	s.writeError(w, r, status, string(pe.Kind), pe.Error(), map[string]any{"stage": pe.Stage})
}
