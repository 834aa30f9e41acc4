package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/worksafeai/copilot/internal/circuitbreaker"
	"github.com/worksafeai/copilot/internal/metrics"
)

const (
	redisConvKeyPrefix    = "mem:conv:"
	redisPersonaKeyPrefix = "mem:persona:"
	redisPolicyKeyPrefix  = "mem:policy:"
	redisPolicyIndexKey   = "mem:policies"
)

// RedisStore keeps memories as JSON documents in Redis. Conversations
// carry a key TTL equal to the idle bound, so Redis retires them on its
// own and CleanupIdleConversations has nothing left to do. This is the
// document-store backend the cosmos selector maps onto.
type RedisStore struct {
	rdb      *circuitbreaker.RedisWrapper
	maxTurns int
	idleTTL  time.Duration
	logger   *zap.Logger
}

// NewRedisStore connects to Redis at addr.
func NewRedisStore(addr string, maxTurns int, idleTTL time.Duration, logger *zap.Logger) (*RedisStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxTurns <= 0 {
		maxTurns = 10
	}
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	rdb := circuitbreaker.NewRedisWrapper(client, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("%w: ping %s: %v", ErrUnavailable, addr, err)
	}
	return &RedisStore{rdb: rdb, maxTurns: maxTurns, idleTTL: idleTTL, logger: logger}, nil
}

func newRedisStoreWithClient(client *redis.Client, maxTurns int, idleTTL time.Duration, logger *zap.Logger) *RedisStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxTurns <= 0 {
		maxTurns = 10
	}
	return &RedisStore{
		rdb:      circuitbreaker.NewRedisWrapper(client, logger),
		maxTurns: maxTurns,
		idleTTL:  idleTTL,
		logger:   logger,
	}
}

func (s *RedisStore) AppendTurn(ctx context.Context, conversationID, userID string, turn Turn) (*Conversation, error) {
	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now().UTC()
	}

	conv, err := s.GetConversation(ctx, conversationID)
	if err == ErrConversationNotFound {
		conv = &Conversation{ID: conversationID, UserID: userID, CreatedAt: turn.Timestamp}
	} else if err != nil {
		return nil, err
	}
	if conv.UserID == "" {
		conv.UserID = userID
	}
	conv.Turns = appendTrimmed(conv.Turns, turn, s.maxTurns)
	conv.LastActivity = turn.Timestamp

	doc, err := json.Marshal(conv)
	if err != nil {
		return nil, err
	}
	if err := s.rdb.Set(ctx, redisConvKeyPrefix+conversationID, doc, s.idleTTL).Err(); err != nil {
		return nil, fmt.Errorf("%w: set: %v", ErrUnavailable, err)
	}
	metrics.ConversationTurns.Inc()
	return conv, nil
}

func (s *RedisStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	raw, err := s.rdb.Get(ctx, redisConvKeyPrefix+id).Result()
	if err == redis.Nil {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get: %v", ErrUnavailable, err)
	}
	var conv Conversation
	if err := json.Unmarshal([]byte(raw), &conv); err != nil {
		return nil, fmt.Errorf("corrupt conversation document %s: %w", id, err)
	}
	return &conv, nil
}

// CleanupIdleConversations is a no-op on Redis: the per-key TTL applied
// on every append already expires idle conversations.
func (s *RedisStore) CleanupIdleConversations(context.Context, time.Time) (int, error) {
	return 0, nil
}

func (s *RedisStore) GetPersona(ctx context.Context, userID string) (*Persona, error) {
	raw, err := s.rdb.Get(ctx, redisPersonaKeyPrefix+userID).Result()
	if err == redis.Nil {
		return nil, ErrPersonaNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get: %v", ErrUnavailable, err)
	}
	var p Persona
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("corrupt persona document %s: %w", userID, err)
	}
	return &p, nil
}

func (s *RedisStore) PutPersona(ctx context.Context, p Persona) (*Persona, error) {
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	if existing, err := s.GetPersona(ctx, p.UserID); err == nil {
		p.CreatedAt = existing.CreatedAt
	}

	doc, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	if err := s.rdb.Set(ctx, redisPersonaKeyPrefix+p.UserID, doc, 0).Err(); err != nil {
		return nil, fmt.Errorf("%w: set: %v", ErrUnavailable, err)
	}
	return &p, nil
}

func (s *RedisStore) PutPolicy(ctx context.Context, e PolicyEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if existing, err := s.getPolicyRaw(ctx, e.Key); err == nil {
		e.AccessCount = existing.AccessCount
		e.LastAccessed = existing.LastAccessed
		e.CreatedAt = existing.CreatedAt
	}

	doc, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, redisPolicyKeyPrefix+e.Key, doc, 0).Err(); err != nil {
		return fmt.Errorf("%w: set: %v", ErrUnavailable, err)
	}
	if err := s.rdb.GetClient().SAdd(ctx, redisPolicyIndexKey, e.Key).Err(); err != nil {
		return fmt.Errorf("%w: index: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *RedisStore) getPolicyRaw(ctx context.Context, key string) (*PolicyEntry, error) {
	raw, err := s.rdb.Get(ctx, redisPolicyKeyPrefix+key).Result()
	if err == redis.Nil {
		return nil, ErrPolicyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get: %v", ErrUnavailable, err)
	}
	var e PolicyEntry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return nil, fmt.Errorf("corrupt policy document %s: %w", key, err)
	}
	return &e, nil
}

func (s *RedisStore) recordAccess(ctx context.Context, e *PolicyEntry) {
	e.AccessCount++
	e.LastAccessed = time.Now().UTC()
	if doc, err := json.Marshal(e); err == nil {
		if err := s.rdb.Set(ctx, redisPolicyKeyPrefix+e.Key, doc, 0).Err(); err != nil {
			s.logger.Warn("policy access update failed", zap.String("key", e.Key), zap.Error(err))
		}
	}
}

func (s *RedisStore) GetPolicy(ctx context.Context, key string) (*PolicyEntry, error) {
	e, err := s.getPolicyRaw(ctx, key)
	if err != nil {
		return nil, err
	}
	s.recordAccess(ctx, e)
	return e, nil
}

func (s *RedisStore) SearchPolicies(ctx context.Context, query string, limit int) ([]PolicyEntry, error) {
	lowered := strings.ToLower(strings.TrimSpace(query))
	if lowered == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}

	keys, err := s.rdb.GetClient().SMembers(ctx, redisPolicyIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: index read: %v", ErrUnavailable, err)
	}
	if len(keys) == 0 {
		return nil, nil
	}
	fullKeys := make([]string, len(keys))
	for i, k := range keys {
		fullKeys[i] = redisPolicyKeyPrefix + k
	}
	docs, err := s.rdb.GetClient().MGet(ctx, fullKeys...).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: mget: %v", ErrUnavailable, err)
	}

	var hits []*PolicyEntry
	for _, doc := range docs {
		raw, ok := doc.(string)
		if !ok {
			continue
		}
		var e PolicyEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			continue
		}
		if e.Matches(lowered) {
			hits = append(hits, &e)
		}
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].AccessCount != hits[j].AccessCount {
			return hits[i].AccessCount > hits[j].AccessCount
		}
		return hits[i].LastAccessed.After(hits[j].LastAccessed)
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}

	out := make([]PolicyEntry, len(hits))
	for i, e := range hits {
		s.recordAccess(ctx, e)
		out[i] = *e
	}
	return out, nil
}

func (s *RedisStore) HealthCheck(ctx context.Context) bool {
	return s.rdb.Ping(ctx).Err() == nil
}

func (s *RedisStore) Name() string { return "redis" }

func (s *RedisStore) Close() error { return s.rdb.Close() }
