package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/worksafeai/copilot/internal/config"
)

func TestManagerEnsurePersonaSeedsOnFirstAccess(t *testing.T) {
	m := NewManager(NewMemStore(10, zaptest.NewLogger(t)), config.MemoryConfig{}, zaptest.NewLogger(t))
	defer m.Close()
	ctx := context.Background()

	p, err := m.EnsurePersona(ctx, "u1", VariantInspector)
	require.NoError(t, err)
	assert.Equal(t, VariantInspector, p.Variant)
	assert.NotEmpty(t, p.Profile["role"])

	// Second call returns the stored persona, even with a different hint.
	again, err := m.EnsurePersona(ctx, "u1", VariantAdministrator)
	require.NoError(t, err)
	assert.Equal(t, VariantInspector, again.Variant)
}

func TestManagerEnsurePersonaDefaultsToAdministrator(t *testing.T) {
	m := NewManager(NewMemStore(10, zaptest.NewLogger(t)), config.MemoryConfig{}, zaptest.NewLogger(t))
	defer m.Close()

	p, err := m.EnsurePersona(context.Background(), "u1", "")
	require.NoError(t, err)
	assert.Equal(t, VariantAdministrator, p.Variant)
}

func TestManagerEnsurePersonaRejectsUnknownVariant(t *testing.T) {
	m := NewManager(NewMemStore(10, zaptest.NewLogger(t)), config.MemoryConfig{}, zaptest.NewLogger(t))
	defer m.Close()

	_, err := m.EnsurePersona(context.Background(), "u1", "wizard")
	assert.Error(t, err)
}

func TestManagerRecentTurnsDefault(t *testing.T) {
	m := NewManager(NewMemStore(10, zaptest.NewLogger(t)), config.MemoryConfig{}, zaptest.NewLogger(t))
	defer m.Close()
	assert.Equal(t, 3, m.RecentTurns())

	m2 := NewManager(NewMemStore(10, zaptest.NewLogger(t)), config.MemoryConfig{RecentTurns: 5}, zaptest.NewLogger(t))
	defer m2.Close()
	assert.Equal(t, 5, m2.RecentTurns())
}

func TestManagerCleanupLoopRemovesIdleConversations(t *testing.T) {
	store := NewMemStore(10, zaptest.NewLogger(t))
	m := NewManager(store, config.MemoryConfig{
		IdleTTL:         time.Hour,
		CleanupInterval: 10 * time.Millisecond,
	}, zaptest.NewLogger(t))
	defer m.Close()
	ctx := context.Background()

	_, err := m.AppendTurn(ctx, "stale", "", Turn{
		UserMessage: "q", AssistantResponse: "a", Timestamp: time.Now().Add(-2 * time.Hour),
	})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		_, err := store.GetConversation(ctx, "stale")
		return err != nil
	}, time.Second, 10*time.Millisecond)
}

func TestManagerCloseIsIdempotent(t *testing.T) {
	m := NewManager(NewMemStore(10, zaptest.NewLogger(t)), config.MemoryConfig{
		IdleTTL:         time.Hour,
		CleanupInterval: time.Hour,
	}, zaptest.NewLogger(t))
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
}

func TestNewFromConfigSelectsBackend(t *testing.T) {
	cfg := &config.Config{}
	cfg.Memory.Backend = config.MemoryBackendMemory
	cfg.Memory.MaxTurns = 10

	m, err := NewFromConfig(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer m.Close()
	assert.Equal(t, "memory", m.Name())

	bad := &config.Config{}
	bad.Memory.Backend = "dynamo"
	_, err = NewFromConfig(context.Background(), bad, zaptest.NewLogger(t))
	assert.Error(t, err)
}
