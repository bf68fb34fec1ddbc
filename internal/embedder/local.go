package embedder

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"sync"
	"unicode"
)

// LocalModelID identifies the hashed bag-of-words model. Bump the suffix if
// the hashing scheme changes, so stored embeddings are recreated.
const LocalModelID = "local-hash-v1"

// Local is a deterministic, dependency-free embedding backend.
//
// Each token is hashed into a bucket of the output vector with a
// hash-derived sign, and the result is L2-normalized. The same text always
// produces the same unit vector, which makes Local suitable for offline
// deployments and for tests that assert retrieval behavior.
//
// Semantic quality is far below a real model; it captures lexical overlap
// only.
type Local struct {
	dim int

	mu     sync.RWMutex
	closed bool
}

// NewLocal creates a Local embedder producing dim-length vectors.
func NewLocal(dim int) *Local {
	return &Local{dim: dim}
}

// Embed returns the deterministic vector for text.
func (l *Local) Embed(_ context.Context, text string) ([]float32, error) {
	l.mu.RLock()
	closed := l.closed
	l.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}

	vec := make([]float64, l.dim)
	for _, tok := range tokenize(text) {
		h := fnv.New64a()
		_, _ = h.Write([]byte(tok))
		sum := h.Sum64()

		idx := int(sum % uint64(l.dim)) // #nosec G115 -- dim is small and positive
		sign := 1.0
		if sum&(1<<63) != 0 {
			sign = -1.0
		}
		vec[idx] += sign
	}

	return normalize(vec), nil
}

// EmbedBatch embeds each text independently; there is no model-load cost to
// amortize locally.
func (l *Local) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		vec, err := l.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

// Dimension returns the output vector dimension.
func (l *Local) Dimension() int { return l.dim }

// ModelID returns LocalModelID.
func (l *Local) ModelID() string { return LocalModelID }

// Close marks the embedder closed.
func (l *Local) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

// tokenize lowercases and splits on non-letter/digit runes.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// normalize converts to float32 with unit L2 norm. The zero vector (empty
// input) is returned as-is.
func normalize(vec []float64) []float32 {
	var sum float64
	for _, v := range vec {
		sum += v * v
	}
	norm := math.Sqrt(sum)

	out := make([]float32, len(vec))
	if norm == 0 {
		return out
	}
	for i, v := range vec {
		out[i] = float32(v / norm)
	}
	return out
}
