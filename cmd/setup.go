package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/time/rate"

	"github.com/koopa0/medrag/internal/cache"
	"github.com/koopa0/medrag/internal/chunker"
	"github.com/koopa0/medrag/internal/config"
	"github.com/koopa0/medrag/internal/database"
	"github.com/koopa0/medrag/internal/embedder"
	"github.com/koopa0/medrag/internal/log"
	"github.com/koopa0/medrag/internal/pipeline"
	"github.com/koopa0/medrag/internal/provider"
	"github.com/koopa0/medrag/internal/qa"
	"github.com/koopa0/medrag/internal/vectorstore"
)

// app holds the assembled component graph. Close releases resources in
// reverse construction order.
type app struct {
	Pool         *pgxpool.Pool
	Cache        *cache.Hybrid
	Embedder     embedder.Embedder
	Orchestrator *provider.Orchestrator
	Pipeline     *pipeline.Pipeline

	poolCleanup func()
	logger      log.Logger
}

// buildApp constructs every component from configuration. Construction is
// fail-fast; a partially built app is closed before the error returns.
func buildApp(ctx context.Context, cfg *config.Config, logger log.Logger) (*app, error) {
	a := &app{logger: logger}

	pool, cleanup, err := database.NewPool(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("connecting to PostgreSQL: %w", err)
	}
	a.Pool = pool
	a.poolCleanup = cleanup

	hybrid, err := buildCache(cfg, pool, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Cache = hybrid

	emb, err := buildEmbedder(cfg, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Embedder = emb

	orch, err := buildOrchestrator(cfg, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Orchestrator = orch

	ck := chunker.New(chunker.Config{
		MaxSize:        cfg.ChunkMaxSize,
		OverlapPct:     cfg.ChunkOverlapPct,
		TableThreshold: cfg.ChunkTableThreshold,
	})
	store := vectorstore.NewPostgres(pool, cfg.VectorDim, logger)
	gate := qa.NewGate(cfg.QAMinScore, cfg.QAMaxRetries, logger)

	p, err := pipeline.New(pipeline.Config{
		TopK:            cfg.RetrievalTopK,
		RequestDeadline: time.Duration(cfg.RequestDeadlineMS) * time.Millisecond,
	}, ck, emb, store, hybrid, orch, gate, logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("assembling pipeline: %w", err)
	}
	a.Pipeline = p

	return a, nil
}

// buildCache assembles the three-tier hybrid cache. The memory tier is the
// smallest window, the SQLite tier survives restarts, and the Postgres tier
// shares the vector store's database.
func buildCache(cfg *config.Config, pool *pgxpool.Pool, logger log.Logger) (*cache.Hybrid, error) {
	if err := os.MkdirAll(cfg.CacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}

	sqlite, err := cache.NewSQLite(filepath.Join(cfg.CacheDir, "cache.db"))
	if err != nil {
		return nil, fmt.Errorf("opening durable cache: %w", err)
	}

	hybrid, err := cache.NewHybrid([]cache.TierTTL{
		{Tier: cache.NewMemory(time.Minute), TTL: time.Duration(cfg.CacheMemoryTTLSeconds) * time.Second},
		{Tier: sqlite, TTL: time.Duration(cfg.CacheDurableTTLSeconds) * time.Second},
		{Tier: cache.NewPostgres(pool), TTL: time.Duration(cfg.CacheVectorTTLSeconds) * time.Second},
	}, logger)
	if err != nil {
		_ = sqlite.Close()
		return nil, fmt.Errorf("assembling hybrid cache: %w", err)
	}
	return hybrid, nil
}

func buildEmbedder(cfg *config.Config, logger log.Logger) (embedder.Embedder, error) {
	switch cfg.EmbeddingBackend {
	case config.EmbedderGemini:
		return embedder.NewGemini(embedder.GeminiConfig{
			ModelID:   cfg.EmbeddingModelID,
			Dimension: cfg.VectorDim,
			BatchSize: cfg.EmbeddingBatchSize,
		}, logger), nil
	case config.EmbedderLocal:
		return embedder.NewLocal(cfg.VectorDim), nil
	default:
		return nil, fmt.Errorf("%w: %q", config.ErrUnknownEmbedder, cfg.EmbeddingBackend)
	}
}

// buildOrchestrator constructs providers in priority order and wraps them
// with the shared breaker registry.
func buildOrchestrator(cfg *config.Config, logger log.Logger) (*provider.Orchestrator, error) {
	providers := make([]provider.Provider, 0, len(cfg.ProviderPriority))
	for _, name := range cfg.ProviderPriority {
		switch name {
		case config.ProviderGemini:
			providers = append(providers, provider.NewGemini(provider.GeminiConfig{
				ModelID: cfg.GeminiModel,
			}))
		case config.ProviderOpenAI:
			providers = append(providers, provider.NewOpenAI(provider.OpenAIConfig{
				BaseURL: cfg.OpenAIBaseURL,
				APIKey:  os.Getenv("OPENAI_API_KEY"),
				ModelID: cfg.OpenAIModel,
			}))
		case config.ProviderOllama:
			providers = append(providers, provider.NewOllama(provider.OllamaConfig{
				BaseURL: cfg.OllamaHost,
				ModelID: cfg.OllamaModel,
			}))
		default:
			return nil, fmt.Errorf("%w: %q", config.ErrUnknownProvider, name)
		}
	}

	registry := provider.NewRegistry(provider.BreakerConfig{
		FailureThreshold:   cfg.CircuitFailureThreshold,
		RateLimitThreshold: cfg.CircuitRateLimitThreshold,
		Cooldown:           time.Duration(cfg.CircuitCooldownSeconds) * time.Second,
	}, nil)

	opts := []provider.Option{
		provider.WithTimeout(time.Duration(cfg.ProviderTimeoutSeconds) * time.Second),
	}
	if rps := cfg.ProviderRateLimitRPS; rps > 0 {
		// Proactive smoothing so bursts hit the limiter here instead of
		// tripping the breaker on upstream 429s.
		burst := int(rps)
		if burst < 1 {
			burst = 1
		}
		for _, p := range providers {
			opts = append(opts, provider.WithRateLimiter(p.Name(),
				rate.NewLimiter(rate.Limit(rps), burst)))
		}
	}

	return provider.NewOrchestrator(providers, registry, logger, opts...)
}

// Close releases resources. Safe on a partially built app.
func (a *app) Close() {
	if a.Cache != nil {
		if err := a.Cache.Close(); err != nil {
			a.logger.Warn("closing cache", "error", err)
		}
	}
	if a.Embedder != nil {
		if err := a.Embedder.Close(); err != nil {
			a.logger.Warn("closing embedder", "error", err)
		}
	}
	if a.poolCleanup != nil {
		a.poolCleanup()
	}
}
