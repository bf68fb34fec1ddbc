package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// querier is the common interface satisfied by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Postgres is the slowest, longest-retention tier. It lives in the same
// database as the vector store so cached embeddings and answers share the
// retrieval corpus's lifecycle and backups.
type Postgres struct {
	db  querier
	now func() time.Time
}

// NewPostgres creates the vector-database cache tier over an existing pool.
// The vector_cache table is created by db/migrations.
func NewPostgres(db querier) *Postgres {
	return &Postgres{db: db, now: time.Now}
}

func (p *Postgres) Name() string { return "vector" }

func (p *Postgres) Get(ctx context.Context, key string) (Entry, error) {
	var (
		entry      Entry
		expiryNano int64
		writeNano  int64
	)
	err := p.db.QueryRow(ctx,
		"SELECT key, value_blob, ttl_expiry, write_timestamp FROM vector_cache WHERE key = $1",
		key,
	).Scan(&entry.Key, &entry.Value, &expiryNano, &writeNano)
	if errors.Is(err, pgx.ErrNoRows) {
		return Entry{}, ErrMiss
	}
	if err != nil {
		return Entry{}, fmt.Errorf("reading vector cache entry: %w", err)
	}

	entry.TTLExpiry = time.Unix(0, expiryNano)
	entry.WriteTimestamp = time.Unix(0, writeNano)

	if entry.Expired(p.now()) {
		_, _ = p.db.Exec(ctx, "DELETE FROM vector_cache WHERE key = $1", key)
		return Entry{}, ErrMiss
	}
	return entry, nil
}

func (p *Postgres) Set(ctx context.Context, entry Entry) error {
	_, err := p.db.Exec(ctx, `
INSERT INTO vector_cache (key, value_blob, tier, ttl_expiry, write_timestamp)
VALUES ($1, $2, 'vector', $3, $4)
ON CONFLICT (key) DO UPDATE SET
    value_blob      = EXCLUDED.value_blob,
    ttl_expiry      = EXCLUDED.ttl_expiry,
    write_timestamp = EXCLUDED.write_timestamp
WHERE EXCLUDED.write_timestamp >= vector_cache.write_timestamp`,
		entry.Key, entry.Value, entry.TTLExpiry.UnixNano(), entry.WriteTimestamp.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("writing vector cache entry: %w", err)
	}
	return nil
}

func (p *Postgres) Invalidate(ctx context.Context, key string) error {
	if _, err := p.db.Exec(ctx, "DELETE FROM vector_cache WHERE key = $1", key); err != nil {
		return fmt.Errorf("invalidating vector cache entry: %w", err)
	}
	return nil
}

// Close is a no-op; the underlying pool is owned by the caller.
func (p *Postgres) Close() error { return nil }
