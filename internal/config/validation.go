package config

import (
	"fmt"
	"os"
	"slices"
)

// Validate validates configuration values.
// Returns sentinel errors checkable with errors.Is().
//
// Validation runs once at startup: anything rejected here (including a
// vector dimension that disagrees with the embedding backend) is fatal
// before the pipeline accepts traffic, never at request time.
func (c *Config) Validate() error {
	if c == nil {
		return ErrConfigNil
	}

	// Embedding
	switch c.EmbeddingBackend {
	case EmbedderGemini, EmbedderLocal:
	default:
		return fmt.Errorf("%w: %q (expected %q or %q)",
			ErrUnknownEmbedder, c.EmbeddingBackend, EmbedderGemini, EmbedderLocal)
	}
	if c.EmbeddingModelID == "" {
		return fmt.Errorf("%w: embedding_model_id cannot be empty", ErrUnknownEmbedder)
	}
	// pgvector indexes support up to 2000 dimensions for ivfflat.
	if c.VectorDim < 1 || c.VectorDim > 2000 {
		return fmt.Errorf("%w: must be between 1 and 2000, got %d", ErrInvalidVectorDim, c.VectorDim)
	}
	if c.EmbeddingBatchSize < 1 || c.EmbeddingBatchSize > 256 {
		return fmt.Errorf("%w: embedding_batch_size must be between 1 and 256, got %d",
			ErrInvalidChunkSize, c.EmbeddingBatchSize)
	}

	// Chunking
	if c.ChunkMaxSize < 100 || c.ChunkMaxSize > 20000 {
		return fmt.Errorf("%w: chunk_max_size must be between 100 and 20000, got %d",
			ErrInvalidChunkSize, c.ChunkMaxSize)
	}
	if c.ChunkOverlapPct < 0 || c.ChunkOverlapPct > 50 {
		return fmt.Errorf("%w: chunk_overlap_pct must be between 0 and 50, got %d",
			ErrInvalidOverlap, c.ChunkOverlapPct)
	}
	if c.ChunkTableThreshold < 0 {
		return fmt.Errorf("%w: chunk_table_threshold cannot be negative, got %d",
			ErrInvalidChunkSize, c.ChunkTableThreshold)
	}

	// Cache TTLs
	for name, ttl := range map[string]int{
		"cache_memory_ttl_seconds":  c.CacheMemoryTTLSeconds,
		"cache_durable_ttl_seconds": c.CacheDurableTTLSeconds,
		"cache_vector_ttl_seconds":  c.CacheVectorTTLSeconds,
	} {
		if ttl < 1 {
			return fmt.Errorf("%w: %s must be positive, got %d", ErrInvalidTTL, name, ttl)
		}
	}

	// Providers
	if len(c.ProviderPriority) == 0 {
		return fmt.Errorf("%w: provider_priority cannot be empty", ErrNoProviders)
	}
	for _, p := range c.ProviderPriority {
		if !slices.Contains([]string{ProviderGemini, ProviderOpenAI, ProviderOllama}, p) {
			return fmt.Errorf("%w: %q (expected gemini, openai or ollama)", ErrUnknownProvider, p)
		}
	}
	if c.CircuitFailureThreshold < 1 || c.CircuitFailureThreshold > 100 {
		return fmt.Errorf("%w: circuit_failure_threshold must be between 1 and 100, got %d",
			ErrInvalidThreshold, c.CircuitFailureThreshold)
	}
	if c.CircuitRateLimitThreshold < 1 || c.CircuitRateLimitThreshold > c.CircuitFailureThreshold {
		return fmt.Errorf("%w: circuit_ratelimit_threshold must be between 1 and circuit_failure_threshold (%d), got %d",
			ErrInvalidThreshold, c.CircuitFailureThreshold, c.CircuitRateLimitThreshold)
	}
	if c.CircuitCooldownSeconds < 1 {
		return fmt.Errorf("%w: circuit_cooldown_seconds must be positive, got %d",
			ErrInvalidThreshold, c.CircuitCooldownSeconds)
	}
	if c.ProviderTimeoutSeconds < 1 || c.ProviderTimeoutSeconds > 300 {
		return fmt.Errorf("%w: provider_timeout_seconds must be between 1 and 300, got %d",
			ErrInvalidThreshold, c.ProviderTimeoutSeconds)
	}
	if c.ProviderRateLimitRPS < 0 || c.ProviderRateLimitRPS > 1000 {
		return fmt.Errorf("%w: provider_rate_limit_rps must be between 0 and 1000, got %g",
			ErrInvalidThreshold, c.ProviderRateLimitRPS)
	}

	// API keys: only required for providers actually in the priority list,
	// and for the Gemini embedding backend.
	needGemini := slices.Contains(c.ProviderPriority, ProviderGemini) ||
		c.EmbeddingBackend == EmbedderGemini
	if needGemini && os.Getenv("GEMINI_API_KEY") == "" {
		return fmt.Errorf("%w: GEMINI_API_KEY environment variable is required\n"+
			"Get your API key at: https://ai.google.dev/gemini-api/docs/api-key",
			ErrMissingAPIKey)
	}
	if slices.Contains(c.ProviderPriority, ProviderOpenAI) && os.Getenv("OPENAI_API_KEY") == "" {
		return fmt.Errorf("%w: OPENAI_API_KEY environment variable is required", ErrMissingAPIKey)
	}

	// QA
	if c.QAMinScore < 0 || c.QAMinScore > 1 {
		return fmt.Errorf("%w: qa_min_score must be between 0.0 and 1.0, got %.2f",
			ErrInvalidQAScore, c.QAMinScore)
	}
	if c.QAMaxRetries < 0 || c.QAMaxRetries > 10 {
		return fmt.Errorf("%w: qa_max_retries must be between 0 and 10, got %d",
			ErrInvalidQARetries, c.QAMaxRetries)
	}

	// Pipeline
	if c.RequestDeadlineMS < 100 || c.RequestDeadlineMS > 600000 {
		return fmt.Errorf("%w: request_deadline_ms must be between 100 and 600000, got %d",
			ErrInvalidDeadline, c.RequestDeadlineMS)
	}
	if c.RetrievalTopK < 1 || c.RetrievalTopK > 50 {
		return fmt.Errorf("%w: retrieval_top_k must be between 1 and 50, got %d",
			ErrInvalidDeadline, c.RetrievalTopK)
	}

	// PostgreSQL
	if c.PostgresHost == "" {
		return fmt.Errorf("%w: host cannot be empty", ErrInvalidPostgres)
	}
	if c.PostgresPort < 1 || c.PostgresPort > 65535 {
		return fmt.Errorf("%w: port must be between 1 and 65535, got %d",
			ErrInvalidPostgres, c.PostgresPort)
	}
	if c.PostgresDBName == "" {
		return fmt.Errorf("%w: database name cannot be empty", ErrInvalidPostgres)
	}
	if c.PostgresPassword == "" {
		return fmt.Errorf("%w: postgres_password must be set", ErrInvalidPostgres)
	}

	return nil
}
