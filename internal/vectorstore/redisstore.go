package vectorstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/worksafeai/copilot/internal/circuitbreaker"
	"github.com/worksafeai/copilot/internal/metrics"
	"github.com/worksafeai/copilot/internal/models"
)

const (
	redisChunkKeyPrefix = "vec:chunk:"
	redisChunkIndexKey  = "vec:chunks"
)

// RedisStore keeps chunks as JSON documents in Redis with a set index of
// ids. Search loads every embedding and scores it in process, which holds
// up fine for the corpus sizes this backend is meant for (thousands of
// chunks, not millions).
type RedisStore struct {
	rdb         *circuitbreaker.RedisWrapper
	dim         int
	logger      *zap.Logger
	initialized bool
}

// NewRedisStore connects to Redis at addr.
func NewRedisStore(addr string, dimension int, logger *zap.Logger) *RedisStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	return &RedisStore{
		rdb:    circuitbreaker.NewRedisWrapper(client, logger),
		dim:    dimension,
		logger: logger,
	}
}

// Initialize verifies connectivity. Redis needs no schema.
func (s *RedisStore) Initialize(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: ping: %v", ErrUnavailable, err)
	}
	s.initialized = true
	count, _ := s.Count(ctx)
	metrics.VectorStoreItems.WithLabelValues(s.Name()).Set(float64(count))
	s.logger.Info("Redis vector store ready", zap.Int("chunks", count))
	return nil
}

func (s *RedisStore) Upsert(ctx context.Context, chunk models.Chunk, vector []float32) error {
	if !s.initialized {
		return ErrNotInitialized
	}
	if err := validateChunk(chunk); err != nil {
		return err
	}
	if err := validateVector(vector, s.dim); err != nil {
		return err
	}

	doc, err := json.Marshal(models.EmbeddedChunk{Chunk: chunk, Vector: vector})
	if err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, redisChunkKeyPrefix+chunk.ID, doc, 0).Err(); err != nil {
		return fmt.Errorf("%w: set: %v", ErrUnavailable, err)
	}
	if err := s.rdb.GetClient().SAdd(ctx, redisChunkIndexKey, chunk.ID).Err(); err != nil {
		return fmt.Errorf("%w: index: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *RedisStore) UpsertBatch(ctx context.Context, items []models.EmbeddedChunk) (*BatchResult, error) {
	if !s.initialized {
		return nil, ErrNotInitialized
	}
	result := &BatchResult{}
	for i, item := range items {
		if err := s.Upsert(ctx, item.Chunk, item.Vector); err != nil {
			result.Failed = append(result.Failed, BatchError{Index: i, ID: item.Chunk.ID, Err: err})
			continue
		}
		result.Succeeded++
	}
	return result, nil
}

func (s *RedisStore) loadAll(ctx context.Context) ([]models.EmbeddedChunk, error) {
	ids, err := s.rdb.GetClient().SMembers(ctx, redisChunkIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: index read: %v", ErrUnavailable, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = redisChunkKeyPrefix + id
	}
	docs, err := s.rdb.GetClient().MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: mget: %v", ErrUnavailable, err)
	}
	items := make([]models.EmbeddedChunk, 0, len(docs))
	for _, doc := range docs {
		raw, ok := doc.(string)
		if !ok {
			continue
		}
		var item models.EmbeddedChunk
		if err := json.Unmarshal([]byte(raw), &item); err != nil {
			continue
		}
		items = append(items, item)
	}
	return items, nil
}

func (s *RedisStore) Search(ctx context.Context, query []float32, topK int, minScore float64) ([]models.SearchResult, error) {
	if !s.initialized {
		return nil, ErrNotInitialized
	}
	if err := validateVector(query, s.dim); err != nil {
		return nil, err
	}
	if topK <= 0 {
		return nil, nil
	}
	start := time.Now()

	items, err := s.loadAll(ctx)
	if err != nil {
		metrics.RecordVectorSearch(s.Name(), "error", time.Since(start).Seconds())
		return nil, err
	}

	results := make([]models.SearchResult, 0, len(items))
	for _, item := range items {
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

func (s *RedisStore) GetByID(ctx context.Context, id string) (*models.Chunk, error) {
	if !s.initialized {
		return nil, ErrNotInitialized
	}
	raw, err := s.rdb.Get(ctx, redisChunkKeyPrefix+id).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get: %v", ErrUnavailable, err)
	}
	var item models.EmbeddedChunk
	if err := json.Unmarshal([]byte(raw), &item); err != nil {
		return nil, fmt.Errorf("corrupt chunk document %s: %w", id, err)
	}
	chunk := item.Chunk
	return &chunk, nil
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	if !s.initialized {
		return ErrNotInitialized
	}
	if err := s.rdb.Del(ctx, redisChunkKeyPrefix+id).Err(); err != nil {
		return fmt.Errorf("%w: del: %v", ErrUnavailable, err)
	}
	if err := s.rdb.GetClient().SRem(ctx, redisChunkIndexKey, id).Err(); err != nil {
		return fmt.Errorf("%w: index: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *RedisStore) DeleteBySource(ctx context.Context, sourcePath string) (int, error) {
	if !s.initialized {
		return 0, ErrNotInitialized
	}
	items, err := s.loadAll(ctx)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, item := range items {
		if item.Chunk.SourcePath == sourcePath {
			if err := s.Delete(ctx, item.Chunk.ID); err != nil {
				return removed, err
			}
			removed++
		}
	}
	return removed, nil
}

func (s *RedisStore) Count(ctx context.Context) (int, error) {
	if !s.initialized {
		return 0, ErrNotInitialized
	}
	n, err := s.rdb.GetClient().SCard(ctx, redisChunkIndexKey).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: scard: %v", ErrUnavailable, err)
	}
	return int(n), nil
}

func (s *RedisStore) HealthCheck(ctx context.Context) bool {
	return s.rdb.Ping(ctx).Err() == nil
}

func (s *RedisStore) Name() string { return "redis" }

func (s *RedisStore) Close() error { return s.rdb.Close() }
