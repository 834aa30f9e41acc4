package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/worksafeai/copilot/internal/metrics"
)

// MemStore keeps all three memories in process. It is the default
// backend: demo deployments and tests run against it, and a single-node
// service with modest traffic never needs more.
type MemStore struct {
	maxTurns int
	logger   *zap.Logger

	mu            sync.RWMutex
	conversations map[string]*Conversation
	personas      map[string]*Persona
	policies      map[string]*PolicyEntry
}

// NewMemStore creates an in-process store that retains at most maxTurns
// turns per conversation.
func NewMemStore(maxTurns int, logger *zap.Logger) *MemStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxTurns <= 0 {
		maxTurns = 10
	}
	return &MemStore{
		maxTurns:      maxTurns,
		logger:        logger,
		conversations: make(map[string]*Conversation),
		personas:      make(map[string]*Persona),
		policies:      make(map[string]*PolicyEntry),
	}
}

func (s *MemStore) AppendTurn(_ context.Context, conversationID, userID string, turn Turn) (*Conversation, error) {
	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[conversationID]
	if !ok {
		conv = &Conversation{
			ID:        conversationID,
			UserID:    userID,
			CreatedAt: turn.Timestamp,
		}
		s.conversations[conversationID] = conv
		metrics.ConversationsActive.Set(float64(len(s.conversations)))
	}
	if conv.UserID == "" {
		conv.UserID = userID
	}
	conv.Turns = appendTrimmed(conv.Turns, turn, s.maxTurns)
	conv.LastActivity = turn.Timestamp
	metrics.ConversationTurns.Inc()

	return copyConversation(conv), nil
}

func (s *MemStore) GetConversation(_ context.Context, id string) (*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.conversations[id]
	if !ok {
		return nil, ErrConversationNotFound
	}
	return copyConversation(conv), nil
}

func (s *MemStore) CleanupIdleConversations(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, conv := range s.conversations {
		if conv.LastActivity.Before(cutoff) {
			delete(s.conversations, id)
			removed++
		}
	}
	if removed > 0 {
		metrics.ConversationsActive.Set(float64(len(s.conversations)))
		s.logger.Info("idle conversations removed", zap.Int("count", removed))
	}
	return removed, nil
}

func (s *MemStore) GetPersona(_ context.Context, userID string) (*Persona, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.personas[userID]
	if !ok {
		return nil, ErrPersonaNotFound
	}
	return copyPersona(p), nil
}

func (s *MemStore) PutPersona(_ context.Context, p Persona) (*Persona, error) {
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	s.mu.Lock()
	if existing, ok := s.personas[p.UserID]; ok {
		p.CreatedAt = existing.CreatedAt
	}
	s.personas[p.UserID] = copyPersona(&p)
	s.mu.Unlock()
	return &p, nil
}

func (s *MemStore) PutPolicy(_ context.Context, e PolicyEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	if existing, ok := s.policies[e.Key]; ok {
		// Overwrites refresh content but keep the access history that
		// drives ranking.
		e.AccessCount = existing.AccessCount
		e.LastAccessed = existing.LastAccessed
		e.CreatedAt = existing.CreatedAt
	}
	s.policies[e.Key] = copyPolicy(&e)
	s.mu.Unlock()
	return nil
}

func (s *MemStore) GetPolicy(_ context.Context, key string) (*PolicyEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.policies[key]
	if !ok {
		return nil, ErrPolicyNotFound
	}
	e.AccessCount++
	e.LastAccessed = time.Now().UTC()
	return copyPolicy(e), nil
}

func (s *MemStore) SearchPolicies(_ context.Context, query string, limit int) ([]PolicyEntry, error) {
	lowered := strings.ToLower(strings.TrimSpace(query))
	if lowered == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	hits := lo.Filter(lo.Values(s.policies), func(e *PolicyEntry, _ int) bool {
		return e.Matches(lowered)
	})
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].AccessCount != hits[j].AccessCount {
			return hits[i].AccessCount > hits[j].AccessCount
		}
		return hits[i].LastAccessed.After(hits[j].LastAccessed)
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}

	now := time.Now().UTC()
	out := make([]PolicyEntry, len(hits))
	for i, e := range hits {
		e.AccessCount++
		e.LastAccessed = now
		out[i] = *copyPolicy(e)
	}
	return out, nil
}

func (s *MemStore) HealthCheck(context.Context) bool { return true }

func (s *MemStore) Name() string { return "memory" }

func (s *MemStore) Close() error { return nil }

func copyConversation(c *Conversation) *Conversation {
	out := *c
	out.Turns = make([]Turn, len(c.Turns))
	copy(out.Turns, c.Turns)
	return &out
}

func copyPersona(p *Persona) *Persona {
	out := *p
	out.Profile = make(map[string]string, len(p.Profile))
	for k, v := range p.Profile {
		out.Profile[k] = v
	}
	out.Preferences = make([]string, len(p.Preferences))
	copy(out.Preferences, p.Preferences)
	return &out
}

func copyPolicy(e *PolicyEntry) *PolicyEntry {
	out := *e
	out.Tags = make([]string, len(e.Tags))
	copy(out.Tags, e.Tags)
	return &out
}
