// Package pipeline composes chunking, embedding, retrieval, caching,
// generation and QA into the answer and ingest operations. Every query
// terminates in either a completed answer or a degraded one; callers never
// see a raw error from a downstream dependency.
package pipeline

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/koopa0/medrag/internal/cache"
	"github.com/koopa0/medrag/internal/chunker"
	"github.com/koopa0/medrag/internal/embedder"
	"github.com/koopa0/medrag/internal/log"
	"github.com/koopa0/medrag/internal/provider"
	"github.com/koopa0/medrag/internal/qa"
	"github.com/koopa0/medrag/internal/vectorstore"
)

// stage names the pipeline states for logging.
type stage int

const (
	stageReceived stage = iota
	stageRetrieving
	stageGenerating
	stageValidating
	stageRetrying
	stageCompleted
	stageDegraded
)

func (s stage) String() string {
	switch s {
	case stageReceived:
		return "received"
	case stageRetrieving:
		return "retrieving"
	case stageGenerating:
		return "generating"
	case stageValidating:
		return "validating"
	case stageRetrying:
		return "retrying"
	case stageCompleted:
		return "completed"
	case stageDegraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// ingestConcurrency bounds parallel document indexing.
const ingestConcurrency = 4

// Answer is the final response for one query.
type Answer struct {
	Text     string   `json:"text"`
	Degraded bool     `json:"degraded"`
	Sources  []string `json:"sources"` // chunk IDs backing the answer
}

// IngestResult summarizes one batch ingestion.
type IngestResult struct {
	IndexedCount int `json:"indexed_count"` // chunks written to the store
	FailedCount  int `json:"failed_count"`  // documents that failed entirely
}

// Generator issues one generation attempt. *provider.Orchestrator satisfies it.
type Generator interface {
	Generate(ctx context.Context, req provider.Request) (provider.Result, error)
}

// Validator scores answers and produces regeneration hints. *qa.Gate
// satisfies it.
type Validator interface {
	Validate(answer string, persona provider.Persona, retryCount int) qa.Result
	Hint(persona provider.Persona, answer string) string
	MaxRetries() int
}

// Cache is the subset of the hybrid cache the pipeline uses. A nil Cache
// disables embedding and answer reuse.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// Config tunes the pipeline.
type Config struct {
	TopK            int           // retrieval depth (default 5)
	RequestDeadline time.Duration // applied when the caller has none (default 10s)
	AnswerTTL       time.Duration // answer cache TTL, 0 uses tier defaults
	EmbeddingTTL    time.Duration // embedding cache TTL, 0 uses tier defaults
}

func (c Config) withDefaults() Config {
	if c.TopK <= 0 {
		c.TopK = 5
	}
	if c.RequestDeadline <= 0 {
		c.RequestDeadline = 10 * time.Second
	}
	return c
}

// Pipeline wires the RAG components together. Requests are independent;
// the only state shared between them lives in the cache and the provider
// health registry, both internally synchronized.
type Pipeline struct {
	cfg       Config
	chunker   *chunker.Chunker
	embedder  embedder.Embedder
	store     vectorstore.Store
	cache     Cache
	generator Generator
	validator Validator
	logger    log.Logger
}

// New assembles a pipeline. chunker, embedder, store, generator and
// validator are required; cache may be nil.
func New(cfg Config, ck *chunker.Chunker, emb embedder.Embedder, store vectorstore.Store,
	c Cache, gen Generator, val Validator, logger log.Logger) (*Pipeline, error) {
	if ck == nil || emb == nil || store == nil || gen == nil || val == nil {
		return nil, errors.New("pipeline: missing required component")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		cfg:       cfg.withDefaults(),
		chunker:   ck,
		embedder:  emb,
		store:     store,
		cache:     c,
		generator: gen,
		validator: val,
		logger:    logger.With("component", "pipeline"),
	}, nil
}

// Answer runs the full query path. The caller's deadline propagates through
// every stage; when it elapses during retrieval the pipeline proceeds with
// whatever context it has, and when it elapses during generation the
// orchestrator falls back to the canned persona answer.
func (p *Pipeline) Answer(ctx context.Context, query string, persona provider.Persona) (Answer, error) {
	if strings.TrimSpace(query) == "" {
		return Answer{}, errors.New("pipeline: empty query")
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.RequestDeadline)
		defer cancel()
	}

	logger := p.logger.With("persona", string(persona))
	logger.Debug("query accepted", "stage", stageReceived.String())

	answerKey := cache.AnswerKey(string(persona), query)
	if cached, ok := p.cachedAnswer(ctx, answerKey); ok {
		logger.Debug("answer served from cache", "stage", stageCompleted.String())
		return cached, nil
	}

	retrieved, sources := p.retrieve(ctx, query, logger)

	answer := p.generate(ctx, provider.Request{
		Query:   query,
		Context: retrieved,
		Persona: persona,
	}, sources, logger)

	if !answer.Degraded && p.cache != nil {
		if data, err := json.Marshal(answer); err == nil {
			if err := p.cache.Set(ctx, answerKey, data, p.cfg.AnswerTTL); err != nil && !errors.Is(err, cache.ErrClosed) {
				logger.Warn("caching answer failed", "error", err)
			}
		}
	}
	return answer, nil
}

// cachedAnswer returns a previously completed answer for the key, if any.
func (p *Pipeline) cachedAnswer(ctx context.Context, key string) (Answer, bool) {
	if p.cache == nil {
		return Answer{}, false
	}
	data, err := p.cache.Get(ctx, key)
	if err != nil {
		return Answer{}, false
	}
	var a Answer
	if err := json.Unmarshal(data, &a); err != nil {
		return Answer{}, false
	}
	return a, true
}

// retrieve embeds the query and searches the store. Every failure here is
// recovered locally: embedding or store trouble yields empty context, and
// the request continues to generation.
func (p *Pipeline) retrieve(ctx context.Context, query string, logger log.Logger) (string, []string) {
	logger.Debug("retrieving context", "stage", stageRetrieving.String())

	if ctx.Err() != nil {
		logger.Warn("deadline elapsed before retrieval, skipping")
		return "", nil
	}

	vector, err := p.queryVector(ctx, query)
	if err != nil {
		logger.Warn("query embedding unavailable, skipping retrieval", "error", err)
		return "", nil
	}

	matches, err := p.store.Search(ctx, vector, p.cfg.TopK)
	if err != nil {
		logger.Warn("retrieval unavailable, proceeding with empty context", "error", err)
		return "", nil
	}

	var b strings.Builder
	sources := make([]string, 0, len(matches))
	for i, m := range matches {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(m.Content)
		sources = append(sources, m.ChunkID)
	}
	return b.String(), sources
}

// queryVector returns the query embedding, reusing a cached vector when
// one exists for this model and text.
func (p *Pipeline) queryVector(ctx context.Context, query string) ([]float32, error) {
	key := cache.EmbeddingKey(p.embedder.ModelID(), query)

	if p.cache != nil {
		if data, err := p.cache.Get(ctx, key); err == nil {
			if vec, err := decodeVector(data); err == nil && len(vec) == p.embedder.Dimension() {
				return vec, nil
			}
		}
	}

	vec, err := p.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	if p.cache != nil {
		if err := p.cache.Set(ctx, key, encodeVector(vec), p.cfg.EmbeddingTTL); err != nil && !errors.Is(err, cache.ErrClosed) {
			p.logger.Warn("caching embedding failed", "error", err)
		}
	}
	return vec, nil
}

// generate runs the generation/validation loop. The generator never errors
// on exhaustion (it returns a degraded fallback), so the loop only decides
// between a passing answer, the best-scoring rejected answer, and the
// fallback text.
func (p *Pipeline) generate(ctx context.Context, req provider.Request, sources []string, logger log.Logger) Answer {
	logger.Debug("generating answer", "stage", stageGenerating.String())

	var best qa.Result
	haveBest := false

	maxAttempts := p.validator.MaxRetries() + 1
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			logger.Debug("regenerating answer", "stage", stageRetrying.String(), "attempt", attempt)
		}

		res, err := p.generator.Generate(ctx, req)
		if err != nil {
			// Only caller cancellation surfaces here; treat as degraded.
			logger.Warn("generation aborted", "error", err)
			return Answer{Text: provider.FallbackAnswer(req.Persona), Degraded: true, Sources: sources}
		}
		if res.Degraded {
			logger.Info("all providers exhausted", "stage", stageDegraded.String())
			return Answer{Text: res.Text, Degraded: true, Sources: sources}
		}

		logger.Debug("validating answer", "stage", stageValidating.String(), "attempt", attempt)
		qres := p.validator.Validate(res.Text, req.Persona, attempt)
		if qres.Passed {
			logger.Debug("answer accepted",
				"stage", stageCompleted.String(),
				"score", qres.Score,
				"provider", res.Provider)
			return Answer{Text: qres.AnswerText, Sources: sources}
		}

		if !haveBest || qres.Score > best.Score {
			best = qres
			haveBest = true
		}
		req.Hint = p.validator.Hint(req.Persona, res.Text)
	}

	// Retries exhausted: release the best attempt flagged as degraded so
	// the caller can surface a disclaimer.
	logger.Info("validation retries exhausted, releasing best attempt",
		"stage", stageDegraded.String(),
		"score", best.Score,
		"reasons", strings.Join(best.RejectedReasons, "; "))
	return Answer{Text: best.AnswerText, Degraded: true, Sources: sources}
}

// Ingest chunks, embeds and indexes documents with bounded concurrency.
// A document failure is recorded, not fatal; the batch continues.
func (p *Pipeline) Ingest(ctx context.Context, docs []chunker.Document) (IngestResult, error) {
	var indexed, failed atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ingestConcurrency)

	for _, doc := range docs {
		g.Go(func() error {
			n, err := p.ingestOne(gctx, doc)
			if err != nil {
				p.logger.Warn("document ingestion failed", "document_id", doc.ID, "error", err)
				failed.Add(1)
				return nil
			}
			indexed.Add(int64(n))
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return IngestResult{}, err
	}
	return IngestResult{
		IndexedCount: int(indexed.Load()),
		FailedCount:  int(failed.Load()),
	}, nil
}

func (p *Pipeline) ingestOne(ctx context.Context, doc chunker.Document) (int, error) {
	chunks := p.chunker.Chunk(doc)
	if len(chunks) == 0 {
		return 0, nil
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}

	vectors, err := p.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("embedding chunks: %w", err)
	}
	if len(vectors) != len(chunks) {
		return 0, fmt.Errorf("embedder returned %d vectors for %d chunks", len(vectors), len(chunks))
	}

	now := time.Now().UTC()
	records := make([]vectorstore.Record, len(chunks))
	for i, c := range chunks {
		records[i] = vectorstore.Record{
			ChunkID:     c.ID,
			DocumentID:  c.DocumentID,
			Content:     c.Text,
			ContentType: c.ContentType,
			Priority:    c.Priority,
			Position:    c.Position,
			ModelID:     p.embedder.ModelID(),
			Vector:      vectors[i],
			CreatedAt:   now,
		}
	}

	// The previous version of the document may hold more chunks than the
	// new one, so its rows are removed before indexing rather than relying
	// on chunk-id collisions.
	if err := p.store.DeleteDocument(ctx, doc.ID); err != nil {
		return 0, fmt.Errorf("replacing document: %w", err)
	}
	if err := p.store.UpsertBatch(ctx, records); err != nil {
		return 0, fmt.Errorf("indexing chunks: %w", err)
	}
	return len(records), nil
}

// encodeVector packs a vector as little-endian float32 bits for caching.
func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, f := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(data []byte) ([]float32, error) {
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("malformed vector payload of %d bytes", len(data))
	}
	vec := make([]float32, len(data)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return vec, nil
}
