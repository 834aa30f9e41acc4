package audit

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/worksafeai/copilot/internal/metrics"
	"github.com/worksafeai/copilot/internal/models"
	"github.com/worksafeai/copilot/internal/moderation"
)

// MemoryStore keeps audit entries in process. Suitable for demo mode and
// single-node deployments; entries do not survive a restart.
type MemoryStore struct {
	logger *zap.Logger

	mu      sync.RWMutex
	entries map[string]*Entry
}

func NewMemoryStore(logger *zap.Logger) *MemoryStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryStore{
		logger:  logger,
		entries: make(map[string]*Entry),
	}
}

func (s *MemoryStore) Open(_ context.Context, e Entry) (string, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if e.Status == "" {
		e.Status = StatusOpen
	}
	if e.PromptSha == "" {
		e.PromptSha = PromptShaPending
	}
	if e.Inputs == nil {
		e.Inputs = make(map[string]any)
	}

	s.mu.Lock()
	s.entries[e.ID] = copyEntry(&e)
	s.mu.Unlock()
	metrics.AuditWrites.WithLabelValues("ok").Inc()
	return e.ID, nil
}

func (s *MemoryStore) update(id string, fn func(*Entry)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		metrics.AuditWrites.WithLabelValues("error").Inc()
		return ErrNotFound
	}
	fn(e)
	metrics.AuditWrites.WithLabelValues("ok").Inc()
	return nil
}

func (s *MemoryStore) AppendOutputs(_ context.Context, id string, outputs map[string]any, citedChunks []string) error {
	return s.update(id, func(e *Entry) {
		if e.Outputs == nil {
			e.Outputs = make(map[string]any, len(outputs))
		}
		for k, v := range outputs {
			e.Outputs[k] = v
		}
		if len(citedChunks) > 0 {
			e.CitedChunks = append([]string(nil), citedChunks...)
		}
	})
}

func (s *MemoryStore) AppendTrace(_ context.Context, id string, trace models.AgentTrace) error {
	return s.update(id, func(e *Entry) {
		e.Traces = append(e.Traces, trace)
	})
}

func (s *MemoryStore) SetModeration(_ context.Context, id, stage string, result *moderation.Result) error {
	return s.update(id, func(e *Entry) {
		if e.Moderation == nil {
			e.Moderation = make(map[string]*moderation.Result, 2)
		}
		e.Moderation[stage] = result
	})
}

func (s *MemoryStore) SetTokenUsage(_ context.Context, id string, input, output int) error {
	return s.update(id, func(e *Entry) {
		e.InputTokens = input
		e.OutputTokens = output
	})
}

func (s *MemoryStore) SetPromptSha(_ context.Context, id, sha string) error {
	return s.update(id, func(e *Entry) {
		e.PromptSha = sha
	})
}

func (s *MemoryStore) Finish(_ context.Context, id, status, errMsg string, durationMs int64) error {
	return s.update(id, func(e *Entry) {
		e.Status = status
		e.Error = errMsg
		e.DurationMs = durationMs
		e.CompletedAt = time.Now().UTC()
	})
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyEntry(e), nil
}

func (s *MemoryStore) Query(_ context.Context, f Filter) ([]Entry, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	s.mu.RLock()
	var hits []*Entry
	for _, e := range s.entries {
		if matchesFilter(e, f) {
			hits = append(hits, e)
		}
	}
	s.mu.RUnlock()

	sort.Slice(hits, func(i, j int) bool {
		return hits[i].CreatedAt.After(hits[j].CreatedAt)
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	out := make([]Entry, len(hits))
	for i, e := range hits {
		out[i] = *copyEntry(e)
	}
	return out, nil
}

func matchesFilter(e *Entry, f Filter) bool {
	if f.UserID != "" && e.UserID != f.UserID {
		return false
	}
	if f.Operation != "" && e.Operation != f.Operation {
		return false
	}
	if !f.From.IsZero() && e.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && e.CreatedAt.After(f.To) {
		return false
	}
	return true
}

func (s *MemoryStore) Count(context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries), nil
}

func (s *MemoryStore) CleanupOlderThan(_ context.Context, retention time.Duration) (int, error) {
	cutoff := time.Now().Add(-retention)
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, e := range s.entries {
		if e.CreatedAt.Before(cutoff) {
			delete(s.entries, id)
			removed++
		}
	}
	if removed > 0 {
		s.logger.Info("expired audit entries removed", zap.Int("count", removed))
	}
	return removed, nil
}

func (s *MemoryStore) HealthCheck(context.Context) bool { return true }

func (s *MemoryStore) Name() string { return "memory" }

func (s *MemoryStore) Close() error { return nil }

func copyEntry(e *Entry) *Entry {
	out := *e
	out.Inputs = copyMap(e.Inputs)
	out.Outputs = copyMap(e.Outputs)
	out.CitedChunks = append([]string(nil), e.CitedChunks...)
	out.Traces = append([]models.AgentTrace(nil), e.Traces...)
	if e.Moderation != nil {
		out.Moderation = make(map[string]*moderation.Result, len(e.Moderation))
		for k, v := range e.Moderation {
			r := *v
			out.Moderation[k] = &r
		}
	}
	return &out
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
