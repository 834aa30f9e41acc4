package embeddings

import (
	"container/list"
	"context"
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"math"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/worksafeai/copilot/internal/circuitbreaker"
	"github.com/worksafeai/copilot/internal/metrics"
)

// Cache is the second-level embedding cache behind the in-process LRU.
type Cache interface {
	Get(ctx context.Context, key string) ([]float32, bool)
	Set(ctx context.Context, key string, v []float32, ttl time.Duration)
}

// MakeKey derives the cache key for a model/text pair.
func MakeKey(model, text string) string {
	h := md5.Sum([]byte(model + "|" + text))
	return "emb:" + hex.EncodeToString(h[:])
}

// LocalLRU is a simple in-process LRU with TTL.
type LocalLRU struct {
	mu   sync.Mutex
	cap  int
	list *list.List               // front = most recent
	m    map[string]*list.Element // key -> element
}

type lruEntry struct {
	key string
	vec []float32
	exp time.Time
}

func NewLocalLRU(capacity int) *LocalLRU {
	if capacity <= 0 {
		capacity = 1024
	}
	return &LocalLRU{cap: capacity, list: list.New(), m: make(map[string]*list.Element, capacity)}
}

func (l *LocalLRU) Get(_ context.Context, key string) ([]float32, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if el, ok := l.m[key]; ok {
		ent := el.Value.(lruEntry)
		if ent.exp.After(time.Now()) {
			l.list.MoveToFront(el)
			return ent.vec, true
		}
		// expired: remove
		l.list.Remove(el)
		delete(l.m, key)
	}
	return nil, false
}

func (l *LocalLRU) Set(_ context.Context, key string, v []float32, ttl time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if el, ok := l.m[key]; ok {
		el.Value = lruEntry{key: key, vec: v, exp: time.Now().Add(ttl)}
		l.list.MoveToFront(el)
		return
	}
	el := l.list.PushFront(lruEntry{key: key, vec: v, exp: time.Now().Add(ttl)})
	l.m[key] = el
	if l.list.Len() > l.cap {
		lru := l.list.Back()
		if lru != nil {
			ent := lru.Value.(lruEntry)
			delete(l.m, ent.key)
			l.list.Remove(lru)
		}
	}
}

// RedisCache stores vectors as packed little-endian float32 bytes behind
// the circuit-breaker wrapped client. Cache errors are swallowed; a cold
// or broken cache only costs a provider call.
type RedisCache struct {
	cli *circuitbreaker.RedisWrapper
}

func NewRedisCache(addr string, logger *zap.Logger) (*RedisCache, error) {
	rc := redis.NewClient(&redis.Options{Addr: addr})
	wrapper := circuitbreaker.NewRedisWrapper(rc, logger)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := wrapper.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &RedisCache{cli: wrapper}, nil
}

func (r *RedisCache) Get(ctx context.Context, key string) ([]float32, bool) {
	b, err := r.cli.Get(ctx, key).Bytes()
	if err != nil {
		return nil, false
	}
	if len(b)%4 != 0 {
		return nil, false
	}
	out := make([]float32, len(b)/4)
	for i := 0; i < len(out); i++ {
		u := binary.LittleEndian.Uint32(b[i*4:])
		out[i] = math.Float32frombits(u)
	}
	return out, true
}

func (r *RedisCache) Set(ctx context.Context, key string, v []float32, ttl time.Duration) {
	b := make([]byte, len(v)*4)
	for i, f := range v {
		u := math.Float32bits(f)
		binary.LittleEndian.PutUint32(b[i*4:], u)
	}
	_ = r.cli.Set(ctx, key, b, ttl).Err()
}

func (r *RedisCache) Close() error { return r.cli.Close() }

const localTTL = 30 * time.Minute

// CachingClient layers the LRU and the optional second-level cache over a
// provider client.
type CachingClient struct {
	inner Client
	lru   *LocalLRU
	cache Cache
	ttl   time.Duration
}

func NewCachingClient(inner Client, cache Cache, lruSize int, ttl time.Duration) *CachingClient {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &CachingClient{
		inner: inner,
		lru:   NewLocalLRU(lruSize),
		cache: cache,
		ttl:   ttl,
	}
}

func (c *CachingClient) Embed(ctx context.Context, text string) ([]float32, error) {
	key := MakeKey(c.inner.Model(), text)

	if v, ok := c.lru.Get(ctx, key); ok {
		metrics.RecordEmbedding(c.inner.Model(), "lru_hit", 0)
		return v, nil
	}
	if c.cache != nil {
		if v, ok := c.cache.Get(ctx, key); ok {
			c.lru.Set(ctx, key, v, localTTL)
			metrics.RecordEmbedding(c.inner.Model(), "cache_hit", 0)
			return v, nil
		}
	}

	v, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.lru.Set(ctx, key, v, localTTL)
	if c.cache != nil {
		c.cache.Set(ctx, key, v, c.ttl)
	}
	return v, nil
}

func (c *CachingClient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	results := make([][]float32, len(texts))
	uncachedTexts := []string{}
	uncachedIndices := []int{}

	for i, text := range texts {
		key := MakeKey(c.inner.Model(), text)
		if v, ok := c.lru.Get(ctx, key); ok {
			results[i] = v
			metrics.RecordEmbedding(c.inner.Model(), "lru_hit", 0)
			continue
		}
		if c.cache != nil {
			if v, ok := c.cache.Get(ctx, key); ok {
				results[i] = v
				c.lru.Set(ctx, key, v, localTTL)
				metrics.RecordEmbedding(c.inner.Model(), "cache_hit", 0)
				continue
			}
		}
		uncachedTexts = append(uncachedTexts, text)
		uncachedIndices = append(uncachedIndices, i)
	}

	if len(uncachedTexts) == 0 {
		return results, nil
	}

	fresh, err := c.inner.EmbedBatch(ctx, uncachedTexts)
	if err != nil {
		return nil, err
	}
	for i, v := range fresh {
		idx := uncachedIndices[i]
		results[idx] = v

		key := MakeKey(c.inner.Model(), uncachedTexts[i])
		c.lru.Set(ctx, key, v, localTTL)
		if c.cache != nil {
			c.cache.Set(ctx, key, v, c.ttl)
		}
	}
	return results, nil
}

func (c *CachingClient) Dimension() int { return c.inner.Dimension() }

func (c *CachingClient) Model() string { return c.inner.Model() }
