package vectorstore

import (
	"errors"
	"math"
	"testing"
)

func TestCosineSimilarityIdentical(t *testing.T) {
	v := []float32{0.5, 0.3, 0.2}
	got, err := CosineSimilarity(v, v)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if math.Abs(got-1.0) > 1e-9 {
		t.Errorf("similarity = %v, want 1.0", got)
	}
}

func TestCosineSimilarityOrthogonal(t *testing.T) {
	got, err := CosineSimilarity([]float32{1, 0}, []float32{0, 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if math.Abs(got) > 1e-9 {
		t.Errorf("similarity = %v, want 0", got)
	}
}

func TestCosineSimilarityOpposite(t *testing.T) {
	got, err := CosineSimilarity([]float32{1, 2, 3}, []float32{-1, -2, -3})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if math.Abs(got+1.0) > 1e-9 {
		t.Errorf("similarity = %v, want -1.0", got)
	}
}

func TestCosineSimilarityZeroMagnitude(t *testing.T) {
	got, err := CosineSimilarity([]float32{0, 0, 0}, []float32{1, 2, 3})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 0 {
		t.Errorf("similarity with zero vector = %v, want 0", got)
	}
	// Both sides zero behaves the same.
	got, err = CosineSimilarity([]float32{0, 0}, []float32{0, 0})
	if err != nil || got != 0 {
		t.Errorf("similarity(0,0) = %v, %v, want 0, nil", got, err)
	}
}

func TestCosineSimilarityDimensionMismatch(t *testing.T) {
	_, err := CosineSimilarity([]float32{1, 2}, []float32{1, 2, 3})
	if !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("err = %v, want ErrDimensionMismatch", err)
	}
}

func TestCosineSimilarityScaleInvariant(t *testing.T) {
	a := []float32{0.2, 0.7, 0.1}
	b := []float32{2, 7, 1} // same direction, 10x magnitude
	got, err := CosineSimilarity(a, b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if math.Abs(got-1.0) > 1e-6 {
		t.Errorf("similarity = %v, want 1.0 for scaled vector", got)
	}
}
