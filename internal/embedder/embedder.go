// Package embedder converts text into fixed-dimension vectors for the
// vector store.
//
// Two backends are provided: Gemini (google.golang.org/genai, the production
// path) and Local (a deterministic hashed bag-of-words model for offline use
// and tests). Both produce unit-length vectors of the configured dimension.
//
// Backend outages surface as ErrUnavailable; callers treat that as retryable
// with backoff, never fatal.
package embedder

import (
	"context"
	"errors"
)

// ErrUnavailable indicates the embedding backend cannot be reached.
// Retryable: callers fall back to cached embeddings or skip retrieval.
var ErrUnavailable = errors.New("embedding backend unavailable")

// ErrClosed indicates the embedder was used after Close.
var ErrClosed = errors.New("embedder is closed")

// Embedder converts text into fixed-dimension vectors.
//
// Implementations are safe for concurrent use. The underlying model handle
// is process-wide: initialized lazily on first use, shared across calls, and
// released by Close at shutdown.
type Embedder interface {
	// Embed returns the vector for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch returns one vector per input text, in order. Inputs are
	// split into backend-sized batches internally.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimension returns the vector dimension D produced by this embedder.
	Dimension() int

	// ModelID identifies the embedding model; stored alongside vectors so a
	// model change invalidates old embeddings.
	ModelID() string

	// Close releases the model handle. Further calls fail with ErrClosed.
	Close() error
}
