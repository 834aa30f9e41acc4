package embeddings

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// DemoEmbedder is a deterministic offline embedder for demo mode: each
// token is hashed into a bucket and the count vector is L2-normalized.
// Texts sharing vocabulary land near each other, which is all the demo
// corpus needs, and no network or key is involved.
type DemoEmbedder struct {
	dim int
}

func NewDemoEmbedder(dimension int) *DemoEmbedder {
	if dimension <= 0 {
		dimension = 256
	}
	return &DemoEmbedder{dim: dimension}
}

func (d *DemoEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, d.dim)
	for _, tok := range demoTokens(text) {
		h := fnv.New32a()
		h.Write([]byte(tok))
		vec[int(h.Sum32()%uint32(d.dim))]++
	}
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum > 0 {
		norm := float32(math.Sqrt(sum))
		for i := range vec {
			vec[i] /= norm
		}
	}
	return vec, nil
}

func (d *DemoEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		v, err := d.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (d *DemoEmbedder) Dimension() int { return d.dim }

func (d *DemoEmbedder) Model() string { return "demo-embedder" }

func demoTokens(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
