package vectorstore

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/worksafeai/copilot/internal/models"
)

func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	s := NewRedisStore(mr.Addr(), 3, zaptest.NewLogger(t))
	require.NoError(t, s.Initialize(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func TestRedisStoreRequiresInitialize(t *testing.T) {
	mr := miniredis.RunT(t)
	s := NewRedisStore(mr.Addr(), 3, zaptest.NewLogger(t))

	err := s.Upsert(context.Background(), testChunk("c1", "text"), []float32{1, 0, 0})
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestRedisStoreUpsertGetRoundTrip(t *testing.T) {
	s, mr := newTestRedisStore(t)
	ctx := context.Background()

	chunk := testChunk("c1", "hot work permits")
	chunk.Metadata = map[string]string{"lang": "en"}
	require.NoError(t, s.Upsert(ctx, chunk, []float32{1, 0, 0}))

	got, err := s.GetByID(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, chunk.Text, got.Text)
	assert.Equal(t, chunk.Hash, got.Hash)
	assert.Equal(t, "en", got.Metadata["lang"])

	// Document key plus index membership.
	assert.True(t, mr.Exists("vec:chunk:c1"))
	members, _ := mr.SMembers("vec:chunks")
	assert.Contains(t, members, "c1")

	_, err = s.GetByID(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStoreSearchOrdering(t *testing.T) {
	s, _ := newTestRedisStore(t)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, testChunk("c1", "exact"), []float32{1, 0, 0}))
	require.NoError(t, s.Upsert(ctx, testChunk("c2", "close"), []float32{1, 1, 0}))
	require.NoError(t, s.Upsert(ctx, testChunk("c3", "far"), []float32{0, 1, 0}))

	results, err := s.Search(ctx, []float32{1, 0, 0}, 10, 0.1)
	require.NoError(t, err)
	require.Len(t, results, 2, "orthogonal chunk scores below the floor")
	assert.Equal(t, "c1", results[0].Chunk.ID)
	assert.Equal(t, "c2", results[1].Chunk.ID)
	assert.Greater(t, results[0].Score, results[1].Score)

	results, err = s.Search(ctx, []float32{1, 0, 0}, 1, 0.1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "c1", results[0].Chunk.ID)
}

func TestRedisStoreBatchPartialFailure(t *testing.T) {
	s, _ := newTestRedisStore(t)
	ctx := context.Background()

	result, err := s.UpsertBatch(ctx, []models.EmbeddedChunk{
		{Chunk: testChunk("c1", "ok"), Vector: []float32{1, 0, 0}},
		{Chunk: testChunk("c2", "bad"), Vector: []float32{1, 0}},
		{Chunk: testChunk("c3", "ok"), Vector: []float32{0, 1, 0}},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Succeeded)
	require.Len(t, result.Failed, 1)
	assert.Equal(t, 1, result.Failed[0].Index)
	assert.Equal(t, "c2", result.Failed[0].ID)
	assert.ErrorIs(t, result.Failed[0].Err, ErrDimensionMismatch)
}

func TestRedisStoreDelete(t *testing.T) {
	s, mr := newTestRedisStore(t)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, testChunk("c1", "a"), []float32{1, 0, 0}))
	require.NoError(t, s.Delete(ctx, "c1"))

	assert.False(t, mr.Exists("vec:chunk:c1"))
	_, err := s.GetByID(ctx, "c1")
	assert.ErrorIs(t, err, ErrNotFound)

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// Deleting an absent id is not an error.
	assert.NoError(t, s.Delete(ctx, "c1"))
}

func TestRedisStoreDeleteBySource(t *testing.T) {
	s, _ := newTestRedisStore(t)
	ctx := context.Background()

	keep := testChunk("c3", "other doc")
	keep.SourcePath = "docs/other.md"
	require.NoError(t, s.Upsert(ctx, testChunk("c1", "a"), []float32{1, 0, 0}))
	require.NoError(t, s.Upsert(ctx, testChunk("c2", "b"), []float32{0, 1, 0}))
	require.NoError(t, s.Upsert(ctx, keep, []float32{0, 0, 1}))

	removed, err := s.DeleteBySource(ctx, "docs/test.md")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = s.GetByID(ctx, "c3")
	assert.NoError(t, err)
}

func TestRedisStoreSurvivesReconnect(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	first := NewRedisStore(mr.Addr(), 3, zaptest.NewLogger(t))
	require.NoError(t, first.Initialize(ctx))
	require.NoError(t, first.Upsert(ctx, testChunk("c1", "persisted"), []float32{1, 0, 0}))
	require.NoError(t, first.Close())

	second := NewRedisStore(mr.Addr(), 3, zaptest.NewLogger(t))
	require.NoError(t, second.Initialize(ctx))
	defer second.Close()

	got, err := second.GetByID(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "persisted", got.Text)

	results, err := second.Search(ctx, []float32{1, 0, 0}, 5, 0.1)
	require.NoError(t, err)
	require.Len(t, results, 1)
}

func TestRedisStoreHealthCheck(t *testing.T) {
	s, mr := newTestRedisStore(t)
	assert.True(t, s.HealthCheck(context.Background()))

	mr.Close()
	assert.False(t, s.HealthCheck(context.Background()))
}
