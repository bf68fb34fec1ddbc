package embedder

import (
	"context"
	"errors"
	"math"
	"testing"
)

func TestLocalDeterministic(t *testing.T) {
	l := NewLocal(64)
	ctx := context.Background()

	a, err := l.Embed(ctx, "amoxicillin 500 mg every 8 hours")
	if err != nil {
		t.Fatalf("Embed() = %v", err)
	}
	b, err := l.Embed(ctx, "amoxicillin 500 mg every 8 hours")
	if err != nil {
		t.Fatalf("Embed() = %v", err)
	}

	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("vectors differ at %d: %v vs %v", i, a[i], b[i])
		}
	}
}

func TestLocalDimension(t *testing.T) {
	for _, dim := range []int{8, 128, 768} {
		l := NewLocal(dim)
		vec, err := l.Embed(context.Background(), "some text")
		if err != nil {
			t.Fatalf("Embed() = %v", err)
		}
		if len(vec) != dim {
			t.Errorf("len(vec) = %d, want %d", len(vec), dim)
		}
		if l.Dimension() != dim {
			t.Errorf("Dimension() = %d, want %d", l.Dimension(), dim)
		}
	}
}

func TestLocalUnitNorm(t *testing.T) {
	l := NewLocal(128)
	vec, err := l.Embed(context.Background(), "the quick brown fox jumps over the lazy dog")
	if err != nil {
		t.Fatalf("Embed() = %v", err)
	}

	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if math.Abs(sum-1.0) > 1e-5 {
		t.Errorf("squared norm = %v, want 1.0", sum)
	}
}

func TestLocalEmptyText(t *testing.T) {
	l := NewLocal(32)
	vec, err := l.Embed(context.Background(), "")
	if err != nil {
		t.Fatalf("Embed(\"\") = %v", err)
	}
	for i, v := range vec {
		if v != 0 {
			t.Errorf("zero vector expected, got %v at %d", v, i)
		}
	}
}

func TestLocalBatchMatchesSingle(t *testing.T) {
	l := NewLocal(64)
	ctx := context.Background()
	texts := []string{"first document", "second document", "third document"}

	batch, err := l.EmbedBatch(ctx, texts)
	if err != nil {
		t.Fatalf("EmbedBatch() = %v", err)
	}
	if len(batch) != len(texts) {
		t.Fatalf("len(batch) = %d, want %d", len(batch), len(texts))
	}

	for i, text := range texts {
		single, err := l.Embed(ctx, text)
		if err != nil {
			t.Fatalf("Embed() = %v", err)
		}
		for j := range single {
			if single[j] != batch[i][j] {
				t.Fatalf("batch[%d] differs from single embedding at %d", i, j)
			}
		}
	}
}

func TestLocalSimilarTextsCloser(t *testing.T) {
	l := NewLocal(256)
	ctx := context.Background()

	base, _ := l.Embed(ctx, "amoxicillin dosage for adults with pneumonia")
	near, _ := l.Embed(ctx, "amoxicillin dosage for children with pneumonia")
	far, _ := l.Embed(ctx, "quarterly financial report of the hospital")

	if cosine(base, near) <= cosine(base, far) {
		t.Errorf("lexically similar text not closer: near=%v far=%v",
			cosine(base, near), cosine(base, far))
	}
}

func cosine(a, b []float32) float64 {
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot // inputs are unit vectors
}

func TestLocalClosed(t *testing.T) {
	l := NewLocal(16)
	if err := l.Close(); err != nil {
		t.Fatalf("Close() = %v", err)
	}
	if _, err := l.Embed(context.Background(), "text"); !errors.Is(err, ErrClosed) {
		t.Errorf("Embed after Close = %v, want ErrClosed", err)
	}
}
