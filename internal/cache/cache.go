// Package cache implements the tiered cache used for embedding and answer
// reuse. Reads walk the tiers from fastest to slowest and promote hits
// toward the front; writes land in the memory tier synchronously and
// propagate to slower tiers through a background write-behind queue.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

var (
	// ErrMiss is returned when no tier holds a live entry for the key.
	ErrMiss = errors.New("cache: miss")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("cache: closed")
)

// Entry is a single cached value. WriteTimestamp orders concurrent writes
// to the same key: the later timestamp wins in every tier.
type Entry struct {
	Key            string
	Value          []byte
	TTLExpiry      time.Time
	WriteTimestamp time.Time
}

// Expired reports whether the entry's TTL has elapsed at the given instant.
func (e Entry) Expired(now time.Time) bool {
	return !e.TTLExpiry.IsZero() && !now.Before(e.TTLExpiry)
}

// Tier is one storage level of the hybrid cache. Get returns ErrMiss for
// absent or expired keys. Set must honor last-write-wins ordering by
// Entry.WriteTimestamp.
type Tier interface {
	Name() string
	Get(ctx context.Context, key string) (Entry, error)
	Set(ctx context.Context, entry Entry) error
	Invalidate(ctx context.Context, key string) error
	Close() error
}

// EmbeddingKey builds the cache key for a text embedded under a given model.
func EmbeddingKey(modelID, text string) string {
	return "emb:" + modelID + ":" + hashText(text)
}

// AnswerKey builds the cache key for a generated answer per persona.
func AnswerKey(persona, query string) string {
	return "ans:" + persona + ":" + hashText(query)
}

func hashText(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
