package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // sqlite driver
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS cache_entries (
    key             TEXT PRIMARY KEY,
    value_blob      BLOB NOT NULL,
    tier            TEXT NOT NULL DEFAULT 'durable',
    ttl_expiry      INTEGER NOT NULL,
    write_timestamp INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cache_entries_expiry ON cache_entries (ttl_expiry);
`

// SQLite is the durable cache tier. It survives process restarts, so an
// answer cached before a crash is still served after the next start even
// though the memory tier came up cold.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLite opens (or creates) the cache database at path and prepares the
// schema. WAL mode keeps the write-behind goroutine from blocking readers.
func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening cache database: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("configuring cache database: %w", err)
		}
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initializing cache schema: %w", err)
	}

	return &SQLite{db: db, now: time.Now}, nil
}

func (s *SQLite) Name() string { return "durable" }

func (s *SQLite) Get(ctx context.Context, key string) (Entry, error) {
	var (
		entry      Entry
		expiryNano int64
		writeNano  int64
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT key, value_blob, ttl_expiry, write_timestamp FROM cache_entries WHERE key = ?",
		key,
	).Scan(&entry.Key, &entry.Value, &expiryNano, &writeNano)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrMiss
	}
	if err != nil {
		return Entry{}, fmt.Errorf("reading cache entry: %w", err)
	}

	entry.TTLExpiry = time.Unix(0, expiryNano)
	entry.WriteTimestamp = time.Unix(0, writeNano)

	if entry.Expired(s.now()) {
		// Lazy expiry. Failure to delete is harmless; the row stays
		// unreadable and the next write replaces it.
		_, _ = s.db.ExecContext(ctx, "DELETE FROM cache_entries WHERE key = ?", key)
		return Entry{}, ErrMiss
	}
	return entry, nil
}

func (s *SQLite) Set(ctx context.Context, entry Entry) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO cache_entries (key, value_blob, tier, ttl_expiry, write_timestamp)
VALUES (?, ?, 'durable', ?, ?)
ON CONFLICT (key) DO UPDATE SET
    value_blob      = excluded.value_blob,
    ttl_expiry      = excluded.ttl_expiry,
    write_timestamp = excluded.write_timestamp
WHERE excluded.write_timestamp >= cache_entries.write_timestamp`,
		entry.Key, entry.Value, entry.TTLExpiry.UnixNano(), entry.WriteTimestamp.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("writing cache entry: %w", err)
	}
	return nil
}

func (s *SQLite) Invalidate(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM cache_entries WHERE key = ?", key); err != nil {
		return fmt.Errorf("invalidating cache entry: %w", err)
	}
	return nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
