package vectorstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/worksafeai/copilot/internal/metrics"
	"github.com/worksafeai/copilot/internal/models"
)

// JSONStore keeps the whole index in memory and persists it to a single
// JSON file. It is the demo-mode default: no external services, survives
// restarts, and a corpus of a few thousand chunks searches in microseconds.
// An empty path disables persistence entirely (used by tests).
type JSONStore struct {
	path   string
	dim    int
	logger *zap.Logger

	mu          sync.RWMutex
	items       map[string]models.EmbeddedChunk
	initialized bool
}

// NewJSONStore creates a JSON-file-backed store.
func NewJSONStore(path string, dimension int, logger *zap.Logger) *JSONStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JSONStore{
		path:   path,
		dim:    dimension,
		logger: logger,
		items:  make(map[string]models.EmbeddedChunk),
	}
}

// Initialize loads the persisted file if it exists. A missing file is a
// fresh, empty store.
func (s *JSONStore) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initialized {
		return nil
	}
	if s.path != "" {
		if err := s.loadLocked(); err != nil {
			return fmt.Errorf("load %s: %w", s.path, err)
		}
	}
	s.initialized = true
	metrics.VectorStoreItems.WithLabelValues(s.Name()).Set(float64(len(s.items)))
	s.logger.Info("JSON vector store ready",
		zap.String("path", s.path),
		zap.Int("chunks", len(s.items)),
		zap.Int("dimension", s.dim),
	)
	return nil
}

func (s *JSONStore) loadLocked() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var stored []models.EmbeddedChunk
	if err := json.Unmarshal(data, &stored); err != nil {
		return fmt.Errorf("parse: %w", err)
	}
	for _, item := range stored {
		s.items[item.Chunk.ID] = item
	}
	return nil
}

// persistLocked writes the index atomically: serialize to a temp file in
// the same directory, then rename over the target.
func (s *JSONStore) persistLocked() error {
	if s.path == "" {
		return nil
	}
	stored := make([]models.EmbeddedChunk, 0, len(s.items))
	for _, item := range s.items {
		stored = append(stored, item)
	}
	sort.Slice(stored, func(i, j int) bool { return stored[i].Chunk.ID < stored[j].Chunk.ID })

	data, err := json.MarshalIndent(stored, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".chunks-*.json")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), s.path)
}

func (s *JSONStore) Upsert(ctx context.Context, chunk models.Chunk, vector []float32) error {
	if err := validateChunk(chunk); err != nil {
		return err
	}
	if err := validateVector(vector, s.dim); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return ErrNotInitialized
	}
	s.items[chunk.ID] = models.EmbeddedChunk{Chunk: chunk, Vector: vector}
	metrics.VectorStoreItems.WithLabelValues(s.Name()).Set(float64(len(s.items)))
	return s.persistLocked()
}

func (s *JSONStore) UpsertBatch(ctx context.Context, items []models.EmbeddedChunk) (*BatchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return nil, ErrNotInitialized
	}

	result := &BatchResult{}
	for i, item := range items {
		if err := validateChunk(item.Chunk); err != nil {
			result.Failed = append(result.Failed, BatchError{Index: i, ID: item.Chunk.ID, Err: err})
			continue
		}
		if err := validateVector(item.Vector, s.dim); err != nil {
			result.Failed = append(result.Failed, BatchError{Index: i, ID: item.Chunk.ID, Err: err})
			continue
		}
		s.items[item.Chunk.ID] = item
		result.Succeeded++
	}

	metrics.VectorStoreItems.WithLabelValues(s.Name()).Set(float64(len(s.items)))
	if result.Succeeded > 0 {
		if err := s.persistLocked(); err != nil {
			return result, fmt.Errorf("persist: %w", err)
		}
	}
	return result, nil
}

func (s *JSONStore) Search(ctx context.Context, query []float32, topK int, minScore float64) ([]models.SearchResult, error) {
	start := time.Now()
	if err := validateVector(query, s.dim); err != nil {
		return nil, err
	}
	if topK <= 0 {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.initialized {
		return nil, ErrNotInitialized
	}

	results := make([]models.SearchResult, 0, len(s.items))
	for _, item := range s.items {
		if err := ctx.Err(); err != nil {
			metrics.RecordVectorSearch(s.Name(), "error", time.Since(start).Seconds())
			return nil, err
		}
		score, err := CosineSimilarity(query, item.Vector)
		if err != nil {
			continue
		}
		if score >= minScore {
			results = append(results, models.SearchResult{Chunk: item.Chunk, Score: score})
		}
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > topK {
		results = results[:topK]
	}
	metrics.RecordVectorSearch(s.Name(), "ok", time.Since(start).Seconds())
	return results, nil
}

func (s *JSONStore) GetByID(ctx context.Context, id string) (*models.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.initialized {
		return nil, ErrNotInitialized
	}
	item, ok := s.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	chunk := item.Chunk
	return &chunk, nil
}

func (s *JSONStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return ErrNotInitialized
	}
	if _, ok := s.items[id]; !ok {
		return nil
	}
	delete(s.items, id)
	metrics.VectorStoreItems.WithLabelValues(s.Name()).Set(float64(len(s.items)))
	return s.persistLocked()
}

func (s *JSONStore) DeleteBySource(ctx context.Context, sourcePath string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return 0, ErrNotInitialized
	}
	removed := 0
	for id, item := range s.items {
		if item.Chunk.SourcePath == sourcePath {
			delete(s.items, id)
			removed++
		}
	}
	if removed > 0 {
		metrics.VectorStoreItems.WithLabelValues(s.Name()).Set(float64(len(s.items)))
		if err := s.persistLocked(); err != nil {
			return removed, err
		}
	}
	return removed, nil
}

func (s *JSONStore) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.initialized {
		return 0, ErrNotInitialized
	}
	return len(s.items), nil
}

func (s *JSONStore) HealthCheck(ctx context.Context) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.initialized
}

func (s *JSONStore) Name() string { return "json" }

func (s *JSONStore) Close() error { return nil }
