package vectorstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/worksafeai/copilot/internal/circuitbreaker"
	"github.com/worksafeai/copilot/internal/metrics"
	"github.com/worksafeai/copilot/internal/models"
	"github.com/worksafeai/copilot/internal/tracing"
)

// QdrantConfig controls the Qdrant REST client.
type QdrantConfig struct {
	Endpoint   string
	Collection string
	APIKey     string
	Dimension  int
	Timeout    time.Duration
}

// QdrantStore talks to Qdrant over its REST API through a circuit-breaker
// wrapped HTTP client. Chunk ids are arbitrary strings but Qdrant point ids
// must be UUIDs, so point ids are derived deterministically from the chunk
// id; the chunk itself travels in the payload.
type QdrantStore struct {
	cfg         QdrantConfig
	base        string
	httpw       *circuitbreaker.HTTPWrapper
	logger      *zap.Logger
	initialized bool
}

// NewQdrantStore creates a Qdrant-backed store.
func NewQdrantStore(cfg QdrantConfig, logger *zap.Logger) *QdrantStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Collection == "" {
		cfg.Collection = "safety_chunks"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	client := &http.Client{Timeout: cfg.Timeout}
	return &QdrantStore{
		cfg:    cfg,
		base:   strings.TrimRight(cfg.Endpoint, "/"),
		httpw:  circuitbreaker.NewHTTPWrapper(client, "qdrant", logger),
		logger: logger,
	}
}

// pointID maps a chunk id onto a stable UUID so re-upserting the same
// chunk overwrites the same point.
func pointID(chunkID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(chunkID)).String()
}

type qdrantPoint struct {
	ID      interface{}            `json:"id"`
	Score   float64                `json:"score"`
	Payload map[string]interface{} `json:"payload"`
}

type qdrantSearchResponse struct {
	Result []qdrantPoint `json:"result"`
}

// qdrantQueryResponse for the /points/query endpoint which nests results
type qdrantQueryResponse struct {
	Result struct {
		Points []qdrantPoint `json:"points"`
	} `json:"result"`
}

func (s *QdrantStore) do(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	var reader *bytes.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(buf)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.base+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.cfg.APIKey != "" {
		req.Header.Set("api-key", s.cfg.APIKey)
	}
	tracing.InjectTraceparent(ctx, req)

	resp, err := s.httpw.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return resp, nil
}

// Initialize creates the collection with cosine distance if it does not
// already exist.
func (s *QdrantStore) Initialize(ctx context.Context) error {
	resp, err := s.do(ctx, http.MethodGet, "/collections/"+s.cfg.Collection, nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		s.initialized = true
		s.logger.Info("Qdrant collection ready", zap.String("collection", s.cfg.Collection))
		return nil
	}

	create := map[string]interface{}{
		"vectors": map[string]interface{}{
			"size":     s.cfg.Dimension,
			"distance": "Cosine",
		},
	}
	resp, err = s.do(ctx, http.MethodPut, "/collections/"+s.cfg.Collection, create)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: create collection status %d", ErrUnavailable, resp.StatusCode)
	}
	s.initialized = true
	s.logger.Info("Qdrant collection created",
		zap.String("collection", s.cfg.Collection),
		zap.Int("dimension", s.cfg.Dimension),
	)
	return nil
}

func chunkPayload(chunk models.Chunk) map[string]interface{} {
	payload := map[string]interface{}{
		"chunk_id":    chunk.ID,
		"text":        chunk.Text,
		"title":       chunk.Title,
		"section":     chunk.Section,
		"source_path": chunk.SourcePath,
		"hash":        chunk.Hash,
		"created_at":  chunk.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if len(chunk.Metadata) > 0 {
		payload["metadata"] = chunk.Metadata
	}
	return payload
}

func chunkFromPayload(payload map[string]interface{}) models.Chunk {
	str := func(key string) string {
		if v, ok := payload[key].(string); ok {
			return v
		}
		return ""
	}
	chunk := models.Chunk{
		ID:         str("chunk_id"),
		Text:       str("text"),
		Title:      str("title"),
		Section:    str("section"),
		SourcePath: str("source_path"),
		Hash:       str("hash"),
	}
	if ts, err := time.Parse(time.RFC3339Nano, str("created_at")); err == nil {
		chunk.CreatedAt = ts
	}
	if md, ok := payload["metadata"].(map[string]interface{}); ok {
		chunk.Metadata = make(map[string]string, len(md))
		for k, v := range md {
			if sv, ok := v.(string); ok {
				chunk.Metadata[k] = sv
			}
		}
	}
	return chunk
}

func (s *QdrantStore) Upsert(ctx context.Context, chunk models.Chunk, vector []float32) error {
	if err := validateChunk(chunk); err != nil {
		return err
	}
	if err := validateVector(vector, s.cfg.Dimension); err != nil {
		return err
	}
	result, err := s.UpsertBatch(ctx, []models.EmbeddedChunk{{Chunk: chunk, Vector: vector}})
	if err != nil {
		return err
	}
	if len(result.Failed) > 0 {
		return result.Failed[0].Err
	}
	return nil
}

func (s *QdrantStore) UpsertBatch(ctx context.Context, items []models.EmbeddedChunk) (*BatchResult, error) {
	if !s.initialized {
		return nil, ErrNotInitialized
	}

	result := &BatchResult{}
	points := make([]map[string]interface{}, 0, len(items))
	accepted := make([]int, 0, len(items))
	for i, item := range items {
		if err := validateChunk(item.Chunk); err != nil {
			result.Failed = append(result.Failed, BatchError{Index: i, ID: item.Chunk.ID, Err: err})
			continue
		}
		if err := validateVector(item.Vector, s.cfg.Dimension); err != nil {
			result.Failed = append(result.Failed, BatchError{Index: i, ID: item.Chunk.ID, Err: err})
			continue
		}
		points = append(points, map[string]interface{}{
			"id":      pointID(item.Chunk.ID),
			"vector":  item.Vector,
			"payload": chunkPayload(item.Chunk),
		})
		accepted = append(accepted, i)
	}

	if len(points) > 0 {
		path := fmt.Sprintf("/collections/%s/points?wait=true", s.cfg.Collection)
		resp, err := s.do(ctx, http.MethodPut, path, map[string]interface{}{"points": points})
		if err != nil {
			for _, i := range accepted {
				result.Failed = append(result.Failed, BatchError{Index: i, ID: items[i].Chunk.ID, Err: err})
			}
			return result, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			err := fmt.Errorf("%w: upsert status %d", ErrUnavailable, resp.StatusCode)
			for _, i := range accepted {
				result.Failed = append(result.Failed, BatchError{Index: i, ID: items[i].Chunk.ID, Err: err})
			}
			return result, err
		}
		result.Succeeded = len(points)
	}
	return result, nil
}

// Search prefers the modern /points/query endpoint and falls back to
// /points/search for older Qdrant versions.
func (s *QdrantStore) Search(ctx context.Context, query []float32, topK int, minScore float64) ([]models.SearchResult, error) {
	if !s.initialized {
		return nil, ErrNotInitialized
	}
	if err := validateVector(query, s.cfg.Dimension); err != nil {
		return nil, err
	}
	if topK <= 0 {
		return nil, nil
	}
	start := time.Now()

	queryBody := map[string]interface{}{
		"query":        query,
		"limit":        topK,
		"with_payload": true,
	}
	if minScore > 0 {
		queryBody["score_threshold"] = minScore
	}

	var points []qdrantPoint
	resp, err := s.do(ctx, http.MethodPost, fmt.Sprintf("/collections/%s/points/query", s.cfg.Collection), queryBody)
	if err != nil {
		metrics.RecordVectorSearch(s.Name(), "error", time.Since(start).Seconds())
		return nil, err
	}
	if resp.StatusCode == http.StatusOK {
		var qr qdrantQueryResponse
		decodeErr := json.NewDecoder(resp.Body).Decode(&qr)
		resp.Body.Close()
		if decodeErr != nil {
			metrics.RecordVectorSearch(s.Name(), "error", time.Since(start).Seconds())
			return nil, fmt.Errorf("%w: decode query response: %v", ErrUnavailable, decodeErr)
		}
		points = qr.Result.Points
	} else {
		resp.Body.Close()
		legacy := map[string]interface{}{
			"vector":       query,
			"limit":        topK,
			"with_payload": true,
		}
		if minScore > 0 {
			legacy["score_threshold"] = minScore
		}
		resp, err = s.do(ctx, http.MethodPost, fmt.Sprintf("/collections/%s/points/search", s.cfg.Collection), legacy)
		if err != nil {
			metrics.RecordVectorSearch(s.Name(), "error", time.Since(start).Seconds())
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			metrics.RecordVectorSearch(s.Name(), "error", time.Since(start).Seconds())
			return nil, fmt.Errorf("%w: search status %d", ErrUnavailable, resp.StatusCode)
		}
		var sr qdrantSearchResponse
		if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
			metrics.RecordVectorSearch(s.Name(), "error", time.Since(start).Seconds())
			return nil, fmt.Errorf("%w: decode search response: %v", ErrUnavailable, err)
		}
		points = sr.Result
	}

	results := make([]models.SearchResult, 0, len(points))
	for _, p := range points {
		if p.Score < minScore {
			continue
		}
		results = append(results, models.SearchResult{Chunk: chunkFromPayload(p.Payload), Score: p.Score})
	}
	metrics.RecordVectorSearch(s.Name(), "ok", time.Since(start).Seconds())
	return results, nil
}

func (s *QdrantStore) GetByID(ctx context.Context, id string) (*models.Chunk, error) {
	if !s.initialized {
		return nil, ErrNotInitialized
	}
	path := fmt.Sprintf("/collections/%s/points/%s", s.cfg.Collection, pointID(id))
	resp, err := s.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: get point status %d", ErrUnavailable, resp.StatusCode)
	}
	var r struct {
		Result struct {
			Payload map[string]interface{} `json:"payload"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return nil, fmt.Errorf("%w: decode point: %v", ErrUnavailable, err)
	}
	if r.Result.Payload == nil {
		return nil, ErrNotFound
	}
	chunk := chunkFromPayload(r.Result.Payload)
	return &chunk, nil
}

func (s *QdrantStore) Delete(ctx context.Context, id string) error {
	if !s.initialized {
		return ErrNotInitialized
	}
	path := fmt.Sprintf("/collections/%s/points/delete?wait=true", s.cfg.Collection)
	resp, err := s.do(ctx, http.MethodPost, path, map[string]interface{}{
		"points": []string{pointID(id)},
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: delete status %d", ErrUnavailable, resp.StatusCode)
	}
	return nil
}

func (s *QdrantStore) DeleteBySource(ctx context.Context, sourcePath string) (int, error) {
	if !s.initialized {
		return 0, ErrNotInitialized
	}
	// Count first so the caller learns how many points the filter removes.
	count, err := s.countFiltered(ctx, sourcePath)
	if err != nil {
		return 0, err
	}
	if count == 0 {
		return 0, nil
	}
	path := fmt.Sprintf("/collections/%s/points/delete?wait=true", s.cfg.Collection)
	body := map[string]interface{}{
		"filter": map[string]interface{}{
			"must": []map[string]interface{}{
				{"key": "source_path", "match": map[string]interface{}{"value": sourcePath}},
			},
		},
	}
	resp, err := s.do(ctx, http.MethodPost, path, body)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("%w: delete by source status %d", ErrUnavailable, resp.StatusCode)
	}
	return count, nil
}

func (s *QdrantStore) countFiltered(ctx context.Context, sourcePath string) (int, error) {
	path := fmt.Sprintf("/collections/%s/points/count", s.cfg.Collection)
	body := map[string]interface{}{"exact": true}
	if sourcePath != "" {
		body["filter"] = map[string]interface{}{
			"must": []map[string]interface{}{
				{"key": "source_path", "match": map[string]interface{}{"value": sourcePath}},
			},
		}
	}
	resp, err := s.do(ctx, http.MethodPost, path, body)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("%w: count status %d", ErrUnavailable, resp.StatusCode)
	}
	var r struct {
		Result struct {
			Count int `json:"count"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return 0, fmt.Errorf("%w: decode count: %v", ErrUnavailable, err)
	}
	return r.Result.Count, nil
}

func (s *QdrantStore) Count(ctx context.Context) (int, error) {
	if !s.initialized {
		return 0, ErrNotInitialized
	}
	return s.countFiltered(ctx, "")
}

func (s *QdrantStore) HealthCheck(ctx context.Context) bool {
	resp, err := s.do(ctx, http.MethodGet, "/readyz", nil)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (s *QdrantStore) Name() string { return "qdrant" }

func (s *QdrantStore) Close() error { return nil }
