package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pgvector/pgvector-go"

	"github.com/koopa0/medrag/internal/chunker"
	"github.com/koopa0/medrag/internal/log"
)

// querier is the common interface satisfied by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// searchTimeout bounds vector search queries so a slow index scan cannot
// stall the request path.
const searchTimeout = 10 * time.Second

const upsertChunkSQL = `INSERT INTO chunks
	(chunk_id, document_id, content, content_type, priority, position, model_id, embedding, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	ON CONFLICT (chunk_id) DO UPDATE SET
		document_id = EXCLUDED.document_id,
		content = EXCLUDED.content,
		content_type = EXCLUDED.content_type,
		priority = EXCLUDED.priority,
		position = EXCLUDED.position,
		model_id = EXCLUDED.model_id,
		embedding = EXCLUDED.embedding,
		created_at = EXCLUDED.created_at`

// Postgres stores chunk vectors in PostgreSQL with the pgvector extension.
//
// Postgres is safe for concurrent use by multiple goroutines.
type Postgres struct {
	db     querier
	dim    int
	logger log.Logger
}

// NewPostgres creates a Postgres store over an existing pool. dim is the
// vector dimension enforced on every write; it must match the dimension of
// the embedding column in db/migrations.
func NewPostgres(db querier, dim int, logger log.Logger) *Postgres {
	if logger == nil {
		logger = slog.Default()
	}
	return &Postgres{
		db:     db,
		dim:    dim,
		logger: logger.With("component", "vectorstore"),
	}
}

// Upsert inserts or replaces a chunk record.
func (p *Postgres) Upsert(ctx context.Context, rec Record) error {
	if len(rec.Vector) != p.dim {
		return fmt.Errorf("%w: got %d, store configured for %d",
			ErrDimensionMismatch, len(rec.Vector), p.dim)
	}

	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	vec := pgvector.NewVector(rec.Vector)
	_, err := p.db.Exec(ctx, upsertChunkSQL,
		rec.ChunkID, rec.DocumentID, rec.Content, rec.ContentType.String(),
		rec.Priority, rec.Position, rec.ModelID, &vec, createdAt)
	if err != nil {
		return fmt.Errorf("%w: upserting chunk %q: %w", ErrUnavailable, rec.ChunkID, err)
	}

	p.logger.Debug("upserted chunk", "chunk_id", rec.ChunkID, "content_type", rec.ContentType.String())
	return nil
}

// UpsertBatch upserts records sequentially; the first failure aborts.
// Dimension is validated for the whole batch before any write.
func (p *Postgres) UpsertBatch(ctx context.Context, recs []Record) error {
	for _, rec := range recs {
		if len(rec.Vector) != p.dim {
			return fmt.Errorf("%w: chunk %q has dimension %d, store configured for %d",
				ErrDimensionMismatch, rec.ChunkID, len(rec.Vector), p.dim)
		}
	}
	for _, rec := range recs {
		if err := p.Upsert(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

// DeleteDocument removes every chunk belonging to documentID.
func (p *Postgres) DeleteDocument(ctx context.Context, documentID string) error {
	tag, err := p.db.Exec(ctx, `DELETE FROM chunks WHERE document_id = $1`, documentID)
	if err != nil {
		return fmt.Errorf("%w: deleting document %q: %w", ErrUnavailable, documentID, err)
	}
	if tag.RowsAffected() > 0 {
		p.logger.Debug("deleted document chunks",
			"document_id", documentID, "count", tag.RowsAffected())
	}
	return nil
}

// Search performs cosine similarity search. Results are ordered by
// similarity, then chunk priority, then document recency.
func (p *Postgres) Search(ctx context.Context, vector []float32, k int, opts ...SearchOption) ([]Match, error) {
	if len(vector) != p.dim {
		return nil, fmt.Errorf("%w: query vector has dimension %d, store configured for %d",
			ErrDimensionMismatch, len(vector), p.dim)
	}
	if k <= 0 {
		return nil, nil
	}
	cfg := buildSearchConfig(opts)

	queryCtx, cancel := context.WithTimeout(ctx, searchTimeout)
	defer cancel()

	// pgvector's <=> operator is cosine distance; similarity = 1 - distance.
	query := `SELECT chunk_id, document_id, content, content_type, priority,
		1 - (embedding <=> $1) AS similarity
		FROM chunks`
	args := []any{}
	vec := pgvector.NewVector(vector)
	args = append(args, &vec)
	if cfg.contentType != nil {
		query += ` WHERE content_type = $2`
		args = append(args, cfg.contentType.String())
	}
	query += ` ORDER BY similarity DESC, priority DESC, created_at DESC LIMIT ` +
		fmt.Sprintf("$%d", len(args)+1)
	args = append(args, k)

	rows, err := p.db.Query(queryCtx, query, args...)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: search timeout: %w", ErrUnavailable, err)
		}
		return nil, fmt.Errorf("%w: search: %w", ErrUnavailable, err)
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		var m Match
		var ctName string
		if err := rows.Scan(&m.ChunkID, &m.DocumentID, &m.Content, &ctName, &m.Priority, &m.Score); err != nil {
			return nil, fmt.Errorf("%w: scanning match: %w", ErrUnavailable, err)
		}
		ct, ok := chunker.ParseContentType(ctName)
		if !ok {
			p.logger.Warn("unknown content type in store", "chunk_id", m.ChunkID, "content_type", ctName)
		}
		m.ContentType = ct
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: reading matches: %w", ErrUnavailable, err)
	}
	return matches, nil
}

// Count returns the number of stored chunks.
func (p *Postgres) Count(ctx context.Context) (int, error) {
	var count int64
	if err := p.db.QueryRow(ctx, `SELECT COUNT(*) FROM chunks`).Scan(&count); err != nil {
		return 0, fmt.Errorf("%w: count: %w", ErrUnavailable, err)
	}
	return int(count), nil
}
