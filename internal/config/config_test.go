package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DEMO_MODE", "true") // skip the AOAI credential requirement

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, VectorBackendJSON, cfg.VectorStore.Backend)
	assert.Equal(t, 1536, cfg.VectorStore.Dimension)
	assert.Equal(t, 10, cfg.VectorStore.TopK)
	assert.InDelta(t, 0.1, cfg.VectorStore.MinScore, 1e-9)
	assert.Equal(t, MemoryBackendMemory, cfg.Memory.Backend)
	assert.Equal(t, 10, cfg.Memory.MaxTurns)
	assert.Equal(t, 3, cfg.Memory.RecentTurns)
	assert.Equal(t, 4096, cfg.Budget.MaxTokensPerRequest)
	assert.Equal(t, 300, cfg.Budget.PromptOverheadTokens)
	assert.Equal(t, "medium", cfg.Moderation.Threshold)
	assert.Equal(t, "local", cfg.Moderation.Provider)
	assert.True(t, cfg.Redaction.Enabled)
	assert.Equal(t, 365, cfg.Audit.RetentionDays)
	assert.Equal(t, 30*time.Second, cfg.Server.StageTimeout)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("DEMO_MODE", "true")
	t.Setenv("PORT", "9090")
	t.Setenv("VECTOR_STORE", "qdrant")
	t.Setenv("QDRANT_ENDPOINT", "http://qdrant:6333")
	t.Setenv("VECTOR_SEARCH_TOP_K", "5")
	t.Setenv("MAX_TOKENS_PER_REQUEST", "2048")
	t.Setenv("MEMORY_BACKEND", "redis")
	t.Setenv("REDIS_ADDR", "redis-test:6379")
	t.Setenv("CONVERSATION_MAX_TURNS", "6")
	t.Setenv("CONVERSATION_TTL_HOURS", "2")
	t.Setenv("AUDIT_LOG_RETENTION_DAYS", "30")
	t.Setenv("REDACTION_ENABLED", "false")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, VectorBackendQdrant, cfg.VectorStore.Backend)
	assert.Equal(t, "http://qdrant:6333", cfg.VectorStore.Qdrant.Endpoint)
	assert.Equal(t, 5, cfg.VectorStore.TopK)
	assert.Equal(t, 2048, cfg.Budget.MaxTokensPerRequest)
	assert.Equal(t, MemoryBackendRedis, cfg.Memory.Backend)
	assert.Equal(t, "redis-test:6379", cfg.Memory.RedisAddr)
	assert.Equal(t, 6, cfg.Memory.MaxTurns)
	assert.Equal(t, 2*time.Hour, cfg.Memory.IdleTTL)
	assert.Equal(t, 30, cfg.Audit.RetentionDays)
	assert.False(t, cfg.Redaction.Enabled)
}

func TestPGConnStrFansOut(t *testing.T) {
	t.Setenv("DEMO_MODE", "true")
	t.Setenv("VECTOR_STORE", "postgres")
	t.Setenv("MEMORY_BACKEND", "postgres")
	t.Setenv("AUDIT_BACKEND", "postgres")
	t.Setenv("PG_CONN_STR", "postgres://copilot:pw@db:5432/copilot?sslmode=disable")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres://copilot:pw@db:5432/copilot?sslmode=disable", cfg.VectorStore.PostgresConnStr)
	assert.Equal(t, cfg.VectorStore.PostgresConnStr, cfg.Memory.PostgresConnStr)
	assert.Equal(t, cfg.VectorStore.PostgresConnStr, cfg.Audit.PostgresConnStr)
}

func TestCosmosBackendMapsToRedis(t *testing.T) {
	t.Setenv("DEMO_MODE", "true")
	t.Setenv("MEMORY_BACKEND", "cosmos")
	t.Setenv("VECTOR_STORE", "cosmos")
	t.Setenv("COSMOS_CONN_STR", "cosmos-cache:6380")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, MemoryBackendCosmos, cfg.Memory.Backend)
	assert.Equal(t, "cosmos-cache:6380", cfg.Memory.RedisAddr)
	assert.Equal(t, VectorBackendRedis, cfg.VectorStore.Backend)
	assert.Equal(t, "cosmos-cache:6380", cfg.VectorStore.RedisAddr)
}

func TestModerationProviderDerivedFromEndpoint(t *testing.T) {
	t.Setenv("DEMO_MODE", "true")
	t.Setenv("CONTENT_SAFETY_ENDPOINT", "https://cs.cognitiveservices.azure.com")
	t.Setenv("CONTENT_SAFETY_KEY", "secret")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "contentsafety", cfg.Moderation.Provider)
}

func TestValidationFailures(t *testing.T) {
	t.Run("missing AOAI credentials outside demo mode", func(t *testing.T) {
		t.Setenv("DEMO_MODE", "false")
		t.Setenv("AOAI_ENDPOINT", "")
		t.Setenv("AOAI_API_KEY", "")
		_, err := Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "AOAI_ENDPOINT")
	})

	t.Run("unknown vector backend", func(t *testing.T) {
		t.Setenv("DEMO_MODE", "true")
		t.Setenv("VECTOR_STORE", "dynamo")
		_, err := Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "vector store backend")
	})

	t.Run("qdrant without endpoint", func(t *testing.T) {
		t.Setenv("DEMO_MODE", "true")
		t.Setenv("VECTOR_STORE", "qdrant")
		t.Setenv("QDRANT_ENDPOINT", "")
		_, err := Load()
		require.Error(t, err)
	})

	t.Run("bad moderation threshold", func(t *testing.T) {
		t.Setenv("DEMO_MODE", "true")
		t.Setenv("CONTENT_SAFETY_THRESHOLD", "extreme")
		_, err := Load()
		require.Error(t, err)
	})
}

func TestConfigFileMergedUnderEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "copilot.yaml")
	yaml := []byte(`
server:
  port: 7000
vector_store:
  top_k: 3
`)
	require.NoError(t, os.WriteFile(path, yaml, 0o644))

	t.Setenv("DEMO_MODE", "true")
	t.Setenv("CONFIG_PATH", path)
	t.Setenv("PORT", "7100") // env beats file

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 7100, cfg.Server.Port)
	assert.Equal(t, 3, cfg.VectorStore.TopK)
}
