package embeddings

import (
	"go.uber.org/zap"

	"github.com/worksafeai/copilot/internal/config"
)

// NewFromConfig builds the embedding client for the configured mode. Demo
// mode gets the offline embedder; otherwise Azure OpenAI wrapped in the
// two-level cache. A dead cache Redis is logged and skipped, never fatal.
func NewFromConfig(cfg *config.Config, logger *zap.Logger) (Client, error) {
	if cfg.Demo.Enabled {
		return NewDemoEmbedder(cfg.VectorStore.Dimension), nil
	}

	azureClient, err := NewAzureClient(AzureConfig{
		Endpoint:   cfg.AzureOpenAI.Endpoint,
		APIKey:     cfg.AzureOpenAI.APIKey,
		APIVersion: cfg.AzureOpenAI.APIVersion,
		Deployment: cfg.AzureOpenAI.EmbedDeployment,
		Dimension:  cfg.VectorStore.Dimension,
		Timeout:    cfg.AzureOpenAI.Timeout,
	}, logger)
	if err != nil {
		return nil, err
	}

	var second Cache
	if cfg.EmbeddingCache.RedisAddr != "" {
		rc, err := NewRedisCache(cfg.EmbeddingCache.RedisAddr, logger)
		if err != nil {
			logger.Warn("embedding cache unavailable, continuing without it",
				zap.String("addr", cfg.EmbeddingCache.RedisAddr),
				zap.Error(err),
			)
		} else {
			second = rc
		}
	}
	return NewCachingClient(azureClient, second, cfg.EmbeddingCache.LRUSize, cfg.EmbeddingCache.TTL), nil
}
