package vectorstore

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/worksafeai/copilot/internal/config"
)

// NewFromConfig builds the configured backend. The returned store still
// needs Initialize called before use.
func NewFromConfig(cfg *config.Config, logger *zap.Logger) (Store, error) {
	vs := cfg.VectorStore
	switch vs.Backend {
	case config.VectorBackendJSON:
		return NewJSONStore(vs.JSONPath, vs.Dimension, logger), nil
	case config.VectorBackendQdrant:
		return NewQdrantStore(QdrantConfig{
			Endpoint:   vs.Qdrant.Endpoint,
			Collection: vs.Qdrant.Collection,
			APIKey:     vs.Qdrant.APIKey,
			Dimension:  vs.Dimension,
			Timeout:    vs.Qdrant.Timeout,
		}, logger), nil
	case config.VectorBackendPostgres:
		return NewPostgresStore(vs.PostgresConnStr, vs.Dimension, logger)
	case config.VectorBackendRedis:
		return NewRedisStore(vs.RedisAddr, vs.Dimension, logger), nil
	default:
		return nil, fmt.Errorf("unknown vector store backend %q", vs.Backend)
	}
}
