package promptreg

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// PromptVersion is one content-addressed prompt revision: the full
// assembled prompt text keyed by its sha256, with a dense per-name
// version number assigned in arrival order.
type PromptVersion struct {
	Sha       string    `json:"sha" db:"sha"`
	Name      string    `json:"name" db:"name"`
	Content   string    `json:"content" db:"content"`
	Version   int       `json:"version" db:"version"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// VersionStore records every distinct prompt the pipeline renders. The
// hash is the primary key: storing the same content twice returns the
// same hash without minting a new version, and a colliding hash never
// overwrites the content already stored under it.
type VersionStore interface {
	// Store persists content under its sha256 and returns the hash.
	Store(ctx context.Context, content, name string) (string, error)

	// GetByHash fetches one revision by full hash.
	GetByHash(ctx context.Context, sha string) (*PromptVersion, error)

	// GetHistory lists every revision recorded under name, oldest first.
	GetHistory(ctx context.Context, name string) ([]PromptVersion, error)

	// List returns the most recent revisions across all names.
	List(ctx context.Context, limit int) ([]PromptVersion, error)
}

// MemoryVersionStore keeps revisions in process.
type MemoryVersionStore struct {
	mu      sync.RWMutex
	byHash  map[string]PromptVersion
	perName map[string]int
}

func NewMemoryVersionStore() *MemoryVersionStore {
	return &MemoryVersionStore{
		byHash:  make(map[string]PromptVersion),
		perName: make(map[string]int),
	}
}

func (s *MemoryVersionStore) Store(_ context.Context, content, name string) (string, error) {
	sha := ComputeSha(content)
	name = strings.TrimSpace(name)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byHash[sha]; ok {
		// Same hash, keep the first write. Identical content is the
		// overwhelmingly likely case; a true collision must not clobber.
		return sha, nil
	}
	s.perName[name]++
	s.byHash[sha] = PromptVersion{
		Sha:       sha,
		Name:      name,
		Content:   content,
		Version:   s.perName[name],
		CreatedAt: time.Now().UTC(),
	}
	return sha, nil
}

func (s *MemoryVersionStore) GetByHash(_ context.Context, sha string) (*PromptVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.byHash[sha]
	if !ok {
		return nil, ErrNotFound
	}
	return &v, nil
}

func (s *MemoryVersionStore) GetHistory(_ context.Context, name string) ([]PromptVersion, error) {
	name = strings.TrimSpace(name)
	s.mu.RLock()
	var out []PromptVersion
	for _, v := range s.byHash {
		if v.Name == name {
			out = append(out, v)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func (s *MemoryVersionStore) List(_ context.Context, limit int) ([]PromptVersion, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.RLock()
	out := make([]PromptVersion, 0, len(s.byHash))
	for _, v := range s.byHash {
		out = append(out, v)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
