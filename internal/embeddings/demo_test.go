package embeddings

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

func TestDemoEmbedderDeterministic(t *testing.T) {
	e := NewDemoEmbedder(64)
	ctx := context.Background()

	a, err := e.Embed(ctx, "What PPE is required on site?")
	require.NoError(t, err)
	b, err := e.Embed(ctx, "What PPE is required on site?")
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
}

func TestDemoEmbedderUnitNorm(t *testing.T) {
	e := NewDemoEmbedder(64)
	v, err := e.Embed(context.Background(), "hard hats and safety glasses")
	require.NoError(t, err)
	assert.InDelta(t, 1.0, dot(v, v), 1e-5)
}

func TestDemoEmbedderSharedVocabularyScoresHigher(t *testing.T) {
	e := NewDemoEmbedder(256)
	ctx := context.Background()

	query, _ := e.Embed(ctx, "what ppe is required for welding work")
	related, _ := e.Embed(ctx, "welding work requires ppe such as gloves and goggles")
	unrelated, _ := e.Embed(ctx, "forklift operators must hold a current licence")

	assert.Greater(t, dot(query, related), dot(query, unrelated))
}

func TestDemoEmbedderCaseAndPunctuationInsensitive(t *testing.T) {
	e := NewDemoEmbedder(64)
	ctx := context.Background()

	a, _ := e.Embed(ctx, "Hard-Hats, Required!")
	b, _ := e.Embed(ctx, "hard hats required")
	assert.Equal(t, a, b)
}

func TestDemoEmbedderEmptyText(t *testing.T) {
	e := NewDemoEmbedder(64)
	v, err := e.Embed(context.Background(), "   ")
	require.NoError(t, err)
	assert.True(t, math.Abs(dot(v, v)) < 1e-9, "no tokens means the zero vector")
}

func TestDemoEmbedderBatchMatchesSingle(t *testing.T) {
	e := NewDemoEmbedder(64)
	ctx := context.Background()

	single, err := e.Embed(ctx, "scaffold inspection tags")
	require.NoError(t, err)
	batch, err := e.EmbedBatch(ctx, []string{"noise exposure limits", "scaffold inspection tags"})
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, single, batch[1])
}

func TestDemoEmbedderDefaultDimension(t *testing.T) {
	e := NewDemoEmbedder(0)
	assert.Equal(t, 256, e.Dimension())
	assert.Equal(t, "demo-embedder", e.Model())
}
