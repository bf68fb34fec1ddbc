package vectorstore

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process Store using brute-force cosine similarity.
// It backs tests and single-node deployments without PostgreSQL.
//
// Memory is safe for concurrent use.
type Memory struct {
	dim int

	mu      sync.RWMutex
	records map[string]Record
}

// NewMemory creates a Memory store enforcing the given vector dimension.
func NewMemory(dim int) *Memory {
	return &Memory{
		dim:     dim,
		records: make(map[string]Record),
	}
}

// Upsert inserts or replaces the record keyed by ChunkID.
func (m *Memory) Upsert(_ context.Context, rec Record) error {
	if len(rec.Vector) != m.dim {
		return fmt.Errorf("%w: got %d, store configured for %d",
			ErrDimensionMismatch, len(rec.Vector), m.dim)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	// Copy the vector so callers cannot mutate stored state.
	vec := make([]float32, len(rec.Vector))
	copy(vec, rec.Vector)
	rec.Vector = vec

	m.mu.Lock()
	m.records[rec.ChunkID] = rec
	m.mu.Unlock()
	return nil
}

// UpsertBatch validates all dimensions first, then upserts in order.
func (m *Memory) UpsertBatch(ctx context.Context, recs []Record) error {
	for _, rec := range recs {
		if len(rec.Vector) != m.dim {
			return fmt.Errorf("%w: chunk %q has dimension %d, store configured for %d",
				ErrDimensionMismatch, rec.ChunkID, len(rec.Vector), m.dim)
		}
	}
	for _, rec := range recs {
		if err := m.Upsert(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

// DeleteDocument removes every record belonging to documentID.
func (m *Memory) DeleteDocument(_ context.Context, documentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, rec := range m.records {
		if rec.DocumentID == documentID {
			delete(m.records, id)
		}
	}
	return nil
}

// Search ranks all records by cosine similarity, breaking ties by priority
// then recency, and returns at most k.
func (m *Memory) Search(_ context.Context, vector []float32, k int, opts ...SearchOption) ([]Match, error) {
	if len(vector) != m.dim {
		return nil, fmt.Errorf("%w: query vector has dimension %d, store configured for %d",
			ErrDimensionMismatch, len(vector), m.dim)
	}
	if k <= 0 {
		return nil, nil
	}
	cfg := buildSearchConfig(opts)

	m.mu.RLock()
	type scored struct {
		rec   Record
		score float64
	}
	candidates := make([]scored, 0, len(m.records))
	for _, rec := range m.records {
		if cfg.contentType != nil && rec.ContentType != *cfg.contentType {
			continue
		}
		candidates = append(candidates, scored{rec: rec, score: cosineSimilarity(vector, rec.Vector)})
	}
	m.mu.RUnlock()

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		if candidates[i].rec.Priority != candidates[j].rec.Priority {
			return candidates[i].rec.Priority > candidates[j].rec.Priority
		}
		return candidates[i].rec.CreatedAt.After(candidates[j].rec.CreatedAt)
	})

	if k > len(candidates) {
		k = len(candidates)
	}
	matches := make([]Match, 0, k)
	for _, c := range candidates[:k] {
		matches = append(matches, Match{
			ChunkID:     c.rec.ChunkID,
			DocumentID:  c.rec.DocumentID,
			Content:     c.rec.Content,
			ContentType: c.rec.ContentType,
			Priority:    c.rec.Priority,
			Score:       c.score,
		})
	}
	return matches, nil
}

// Count returns the number of stored records.
func (m *Memory) Count(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records), nil
}

// cosineSimilarity computes the cosine of the angle between a and b.
// Zero-norm inputs score 0.
func cosineSimilarity(a, b []float32) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
