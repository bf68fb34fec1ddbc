// Package vectorstore persists chunk vectors and serves approximate
// nearest-neighbor search.
//
// Two implementations share one contract: Postgres (pgvector, the production
// path) and Memory (brute-force cosine, for tests and embedded deployments).
// Ranking is descending cosine similarity with ties broken by chunk priority
// and then document recency.
package vectorstore

import (
	"context"
	"errors"
	"time"

	"github.com/koopa0/medrag/internal/chunker"
)

var (
	// ErrDimensionMismatch indicates a vector whose length disagrees with
	// the store's configured dimension. This is a programmer/config error:
	// it is checked fatally at startup and must never occur at request time.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")

	// ErrUnavailable indicates the backing store cannot be reached. Callers
	// recover locally by proceeding with cached or empty context.
	ErrUnavailable = errors.New("vector store unavailable")
)

// Record is a stored chunk vector plus retrieval metadata.
type Record struct {
	ChunkID     string
	DocumentID  string
	Content     string
	ContentType chunker.ContentType
	Priority    float64
	Position    int
	ModelID     string
	Vector      []float32
	CreatedAt   time.Time
}

// Match is a search result.
type Match struct {
	ChunkID     string
	DocumentID  string
	Content     string
	ContentType chunker.ContentType
	Priority    float64
	Score       float64 // cosine similarity in [-1,1]
}

// SearchOption configures Search using the functional options pattern.
type SearchOption func(*searchConfig)

type searchConfig struct {
	contentType *chunker.ContentType
}

// WithContentType restricts results to a single content category.
func WithContentType(ct chunker.ContentType) SearchOption {
	return func(c *searchConfig) {
		c.contentType = &ct
	}
}

func buildSearchConfig(opts []SearchOption) *searchConfig {
	cfg := &searchConfig{}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// Store is the vector storage contract.
//
// Implementations are safe for concurrent use.
type Store interface {
	// Upsert inserts or replaces the record keyed by ChunkID. A vector of
	// the wrong length fails with ErrDimensionMismatch.
	Upsert(ctx context.Context, rec Record) error

	// UpsertBatch upserts records in order; the first error aborts.
	UpsertBatch(ctx context.Context, recs []Record) error

	// DeleteDocument removes every chunk belonging to documentID.
	// Re-ingestion deletes before indexing: the prior version may hold
	// more chunks than the new one, so chunk-id upsert alone cannot
	// supersede it. Deleting an unknown document is not an error.
	DeleteDocument(ctx context.Context, documentID string) error

	// Search returns up to k matches ranked by similarity, priority,
	// recency. Fewer than k stored chunks is not an error.
	Search(ctx context.Context, vector []float32, k int, opts ...SearchOption) ([]Match, error)

	// Count returns the number of stored records.
	Count(ctx context.Context) (int, error)
}
