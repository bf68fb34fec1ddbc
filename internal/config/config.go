// Package config provides application configuration with multi-source priority.
//
// Configuration sources (highest to lowest priority):
//  1. Environment variables (runtime override, see bindEnv for recognized names)
//  2. Config file (~/.medrag/config.yaml or ./config.yaml)
//  3. Default values
//
// Main categories:
//   - Chunking: chunk size, overlap fraction, table threshold
//   - Embedding: backend selection, model id, vector dimension, batch size
//   - Cache: per-tier TTLs and durable cache location
//   - Providers: priority list, circuit breaker thresholds, call timeout
//   - QA: minimum score and retry bound
//   - Storage: PostgreSQL connection for the vector store
//
// Validation is fail-fast: Load returns an error before the pipeline accepts
// traffic if any value is out of range. Sentinel errors support errors.Is().
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

var (
	// ErrConfigNil indicates the configuration is nil.
	ErrConfigNil = errors.New("configuration is nil")

	// ErrInvalidVectorDim indicates the vector dimension is out of range.
	ErrInvalidVectorDim = errors.New("invalid vector dimension")

	// ErrInvalidChunkSize indicates the chunk size is out of range.
	ErrInvalidChunkSize = errors.New("invalid chunk size")

	// ErrInvalidOverlap indicates the chunk overlap percentage is out of range.
	ErrInvalidOverlap = errors.New("invalid chunk overlap")

	// ErrInvalidTTL indicates a cache TTL is not positive.
	ErrInvalidTTL = errors.New("invalid cache TTL")

	// ErrNoProviders indicates the provider priority list is empty.
	ErrNoProviders = errors.New("no providers configured")

	// ErrInvalidThreshold indicates a circuit breaker threshold is out of range.
	ErrInvalidThreshold = errors.New("invalid circuit threshold")

	// ErrInvalidQAScore indicates the QA minimum score is outside [0,1].
	ErrInvalidQAScore = errors.New("invalid QA minimum score")

	// ErrInvalidQARetries indicates the QA retry bound is out of range.
	ErrInvalidQARetries = errors.New("invalid QA retry bound")

	// ErrInvalidDeadline indicates the request deadline is out of range.
	ErrInvalidDeadline = errors.New("invalid request deadline")

	// ErrInvalidPostgres indicates the PostgreSQL connection settings are invalid.
	ErrInvalidPostgres = errors.New("invalid PostgreSQL configuration")

	// ErrMissingAPIKey indicates a required provider API key is missing.
	ErrMissingAPIKey = errors.New("missing API key")

	// ErrUnknownProvider indicates an unrecognized provider name in the priority list.
	ErrUnknownProvider = errors.New("unknown provider")

	// ErrUnknownEmbedder indicates an unrecognized embedding backend.
	ErrUnknownEmbedder = errors.New("unknown embedding backend")
)

// Embedding backend identifiers used in Config.EmbeddingBackend.
const (
	EmbedderGemini = "gemini"
	EmbedderLocal  = "local"
)

// Provider identifiers accepted in Config.ProviderPriority.
const (
	ProviderGemini = "gemini"
	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"
)

const (
	// DefaultEmbeddingModelID is the default Gemini embedder model.
	// gemini-embedding-001 outputs 3072 dimensions by default but supports
	// truncation via OutputDimensionality; the default schema uses 768.
	DefaultEmbeddingModelID = "gemini-embedding-001"

	// DefaultVectorDim is the pgvector column dimension used by db/migrations.
	DefaultVectorDim = 768

	// DefaultChunkMaxSize is the chunk size target in characters.
	DefaultChunkMaxSize = 1200

	// DefaultChunkOverlapPct is the chunk overlap as a percentage of size.
	DefaultChunkOverlapPct = 20

	// DefaultTableThreshold is the size under which table-like blocks are
	// never split.
	DefaultTableThreshold = 800
)

// Config stores application configuration.
// SECURITY: API keys and the Postgres password never appear in logs; see
// LogValue.
type Config struct {
	// Embedding configuration
	EmbeddingBackend   string `mapstructure:"embedding_backend" json:"embedding_backend"` // "gemini" (default) or "local"
	EmbeddingModelID   string `mapstructure:"embedding_model_id" json:"embedding_model_id"`
	EmbeddingBatchSize int    `mapstructure:"embedding_batch_size" json:"embedding_batch_size"`
	VectorDim          int    `mapstructure:"vector_dim" json:"vector_dim"`

	// Chunking configuration
	ChunkMaxSize        int `mapstructure:"chunk_max_size" json:"chunk_max_size"`
	ChunkOverlapPct     int `mapstructure:"chunk_overlap_pct" json:"chunk_overlap_pct"`
	ChunkTableThreshold int `mapstructure:"chunk_table_threshold" json:"chunk_table_threshold"`

	// Cache configuration (seconds, per tier)
	CacheMemoryTTLSeconds  int    `mapstructure:"cache_memory_ttl_seconds" json:"cache_memory_ttl_seconds"`
	CacheDurableTTLSeconds int    `mapstructure:"cache_durable_ttl_seconds" json:"cache_durable_ttl_seconds"`
	CacheVectorTTLSeconds  int    `mapstructure:"cache_vector_ttl_seconds" json:"cache_vector_ttl_seconds"`
	CacheDir               string `mapstructure:"cache_dir" json:"cache_dir"`

	// Provider orchestration
	ProviderPriority          []string `mapstructure:"provider_priority" json:"provider_priority"`
	CircuitFailureThreshold   int      `mapstructure:"circuit_failure_threshold" json:"circuit_failure_threshold"`
	CircuitRateLimitThreshold int      `mapstructure:"circuit_ratelimit_threshold" json:"circuit_ratelimit_threshold"`
	CircuitCooldownSeconds    int      `mapstructure:"circuit_cooldown_seconds" json:"circuit_cooldown_seconds"`
	ProviderTimeoutSeconds    int      `mapstructure:"provider_timeout_seconds" json:"provider_timeout_seconds"`
	ProviderRateLimitRPS      float64  `mapstructure:"provider_rate_limit_rps" json:"provider_rate_limit_rps"` // 0 disables

	// Provider endpoints and models
	GeminiModel   string `mapstructure:"gemini_model" json:"gemini_model"`
	OpenAIBaseURL string `mapstructure:"openai_base_url" json:"openai_base_url"`
	OpenAIModel   string `mapstructure:"openai_model" json:"openai_model"`
	OllamaHost    string `mapstructure:"ollama_host" json:"ollama_host"`
	OllamaModel   string `mapstructure:"ollama_model" json:"ollama_model"`

	// QA gate
	QAMinScore   float64 `mapstructure:"qa_min_score" json:"qa_min_score"`
	QAMaxRetries int     `mapstructure:"qa_max_retries" json:"qa_max_retries"`

	// Pipeline
	RequestDeadlineMS int `mapstructure:"request_deadline_ms" json:"request_deadline_ms"`
	RetrievalTopK     int `mapstructure:"retrieval_top_k" json:"retrieval_top_k"`

	// Storage configuration (PostgreSQL + pgvector)
	PostgresHost     string `mapstructure:"postgres_host" json:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port" json:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user" json:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password" json:"-"` // SENSITIVE
	PostgresDBName   string `mapstructure:"postgres_db_name" json:"postgres_db_name"`
	PostgresSSLMode  string `mapstructure:"postgres_ssl_mode" json:"postgres_ssl_mode"`

	// HTTP server
	ServerAddr string `mapstructure:"server_addr" json:"server_addr"`
}

// Load loads configuration.
// Priority: environment variables > configuration file > default values.
func Load() (*Config, error) {
	v := viper.New()

	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting user home directory: %w", err)
	}
	configDir := filepath.Join(home, ".medrag")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configDir)
	v.AddConfigPath(".")

	setDefaults(v)
	bindEnv(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		slog.Debug("configuration file not found, using defaults",
			"search_paths", []string{configDir, "."})
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	// PROVIDER_PRIORITY_LIST arrives as a comma-separated string from the
	// environment; viper leaves it as a single element in that case.
	cfg.ProviderPriority = splitList(cfg.ProviderPriority)

	if err := cfg.parseDatabaseURL(); err != nil {
		return nil, fmt.Errorf("parsing DATABASE_URL: %w", err)
	}

	// Fail fast: configuration errors must never reach the request path.
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets all default configuration values.
func setDefaults(v *viper.Viper) {
	// Embedding defaults
	v.SetDefault("embedding_backend", EmbedderGemini)
	v.SetDefault("embedding_model_id", DefaultEmbeddingModelID)
	v.SetDefault("embedding_batch_size", 32)
	v.SetDefault("vector_dim", DefaultVectorDim)

	// Chunking defaults
	v.SetDefault("chunk_max_size", DefaultChunkMaxSize)
	v.SetDefault("chunk_overlap_pct", DefaultChunkOverlapPct)
	v.SetDefault("chunk_table_threshold", DefaultTableThreshold)

	// Cache defaults: memory is the smallest window, vector the longest.
	v.SetDefault("cache_memory_ttl_seconds", 300)
	v.SetDefault("cache_durable_ttl_seconds", 3600)
	v.SetDefault("cache_vector_ttl_seconds", 86400)
	v.SetDefault("cache_dir", filepath.Join(os.TempDir(), "medrag-cache"))

	// Provider defaults
	v.SetDefault("provider_priority", []string{ProviderGemini, ProviderOpenAI, ProviderOllama})
	v.SetDefault("circuit_failure_threshold", 5)
	v.SetDefault("circuit_ratelimit_threshold", 2)
	v.SetDefault("circuit_cooldown_seconds", 30)
	v.SetDefault("provider_timeout_seconds", 15)
	v.SetDefault("provider_rate_limit_rps", 2.0)
	v.SetDefault("gemini_model", "gemini-2.5-flash")
	v.SetDefault("openai_base_url", "https://api.openai.com/v1")
	v.SetDefault("openai_model", "gpt-4o-mini")
	v.SetDefault("ollama_host", "http://localhost:11434")
	v.SetDefault("ollama_model", "llama3.3")

	// QA defaults
	v.SetDefault("qa_min_score", 0.9)
	v.SetDefault("qa_max_retries", 3)

	// Pipeline defaults
	v.SetDefault("request_deadline_ms", 30000)
	v.SetDefault("retrieval_top_k", 5)

	// PostgreSQL defaults (matching docker-compose.yml)
	v.SetDefault("postgres_host", "localhost")
	v.SetDefault("postgres_port", 5432)
	v.SetDefault("postgres_user", "medrag")
	v.SetDefault("postgres_password", "medrag_dev_password")
	v.SetDefault("postgres_db_name", "medrag")
	v.SetDefault("postgres_ssl_mode", "disable")

	// Server defaults
	v.SetDefault("server_addr", "127.0.0.1:3500")
}

// bindEnv binds the recognized environment variables explicitly.
// GEMINI_API_KEY and OPENAI_API_KEY are read directly by the provider
// clients, not through viper; Validate checks their presence based on the
// configured priority list.
func bindEnv(v *viper.Viper) {
	// Hardcoded keys cannot fail to bind; a panic here is a bug.
	mustBind := func(key, envVar string) {
		if err := v.BindEnv(key, envVar); err != nil {
			panic(fmt.Sprintf("BUG: failed to bind %q to %q: %v", key, envVar, err))
		}
	}

	mustBind("embedding_backend", "EMBEDDING_BACKEND")
	mustBind("embedding_model_id", "EMBEDDING_MODEL_ID")
	mustBind("vector_dim", "VECTOR_DIM")
	mustBind("chunk_max_size", "CHUNK_MAX_SIZE")
	mustBind("chunk_overlap_pct", "CHUNK_OVERLAP_PCT")
	mustBind("chunk_table_threshold", "CHUNK_TABLE_THRESHOLD")
	mustBind("cache_memory_ttl_seconds", "CACHE_MEMORY_TTL_SECONDS")
	mustBind("cache_durable_ttl_seconds", "CACHE_DURABLE_TTL_SECONDS")
	mustBind("cache_vector_ttl_seconds", "CACHE_VECTOR_TTL_SECONDS")
	mustBind("cache_dir", "MEDRAG_CACHE_DIR")
	mustBind("provider_priority", "PROVIDER_PRIORITY_LIST")
	mustBind("circuit_failure_threshold", "CIRCUIT_FAILURE_THRESHOLD")
	mustBind("circuit_ratelimit_threshold", "CIRCUIT_RATELIMIT_THRESHOLD")
	mustBind("circuit_cooldown_seconds", "CIRCUIT_COOLDOWN_SECONDS")
	mustBind("provider_timeout_seconds", "PROVIDER_TIMEOUT_SECONDS")
	mustBind("provider_rate_limit_rps", "PROVIDER_RATE_LIMIT_RPS")
	mustBind("qa_min_score", "QA_MIN_SCORE")
	mustBind("qa_max_retries", "QA_MAX_RETRIES")
	mustBind("request_deadline_ms", "REQUEST_DEADLINE_MS")
	mustBind("retrieval_top_k", "RETRIEVAL_TOP_K")
	mustBind("ollama_host", "MEDRAG_OLLAMA_HOST")
	mustBind("openai_base_url", "MEDRAG_OPENAI_BASE_URL")
	mustBind("server_addr", "MEDRAG_SERVER_ADDR")
}

// splitList normalizes a provider list that may have arrived as a single
// comma-separated string from the environment.
func splitList(in []string) []string {
	if len(in) != 1 || !strings.Contains(in[0], ",") {
		return in
	}
	parts := strings.Split(in[0], ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// quoteDSNValue quotes a value for PostgreSQL key=value DSN format.
// Within single quotes, backslashes and single quotes are escaped.
func quoteDSNValue(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `'`, `\'`)
	return "'" + s + "'"
}

// PostgresConnectionString returns the PostgreSQL DSN for pgx.
// Password is single-quoted to handle special characters.
func (c *Config) PostgresConnectionString() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.PostgresHost,
		c.PostgresPort,
		c.PostgresUser,
		quoteDSNValue(c.PostgresPassword),
		c.PostgresDBName,
		c.PostgresSSLMode,
	)
}

// PostgresURL returns the PostgreSQL URL for golang-migrate.
func (c *Config) PostgresURL() string {
	u := &url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.PostgresUser, c.PostgresPassword),
		Host:     fmt.Sprintf("%s:%d", c.PostgresHost, c.PostgresPort),
		Path:     c.PostgresDBName,
		RawQuery: fmt.Sprintf("sslmode=%s", c.PostgresSSLMode),
	}
	return u.String()
}

// parseDatabaseURL parses the DATABASE_URL environment variable and, when
// set, overrides the individual postgres_* settings. Commonly used in cloud
// deployments.
func (c *Config) parseDatabaseURL() error {
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return nil
	}

	parsed, err := url.Parse(dbURL)
	if err != nil {
		return fmt.Errorf("invalid DATABASE_URL format: %w", err)
	}
	if parsed.Scheme != "postgres" && parsed.Scheme != "postgresql" {
		return fmt.Errorf("unsupported DATABASE_URL scheme %q", parsed.Scheme)
	}

	c.PostgresHost = parsed.Hostname()
	if port := parsed.Port(); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("invalid DATABASE_URL port %q: %w", port, err)
		}
		c.PostgresPort = p
	}
	if user := parsed.User; user != nil {
		c.PostgresUser = user.Username()
		if pw, ok := user.Password(); ok {
			c.PostgresPassword = pw
		}
	}
	if name := strings.TrimPrefix(parsed.Path, "/"); name != "" {
		c.PostgresDBName = name
	}
	if mode := parsed.Query().Get("sslmode"); mode != "" {
		c.PostgresSSLMode = mode
	}
	return nil
}

// Durations derived from the integer second/millisecond fields live on
// methods so callers never re-derive units.

// OverlapFraction returns the chunk overlap as a fraction in [0,1).
func (c *Config) OverlapFraction() float64 {
	return float64(c.ChunkOverlapPct) / 100.0
}

// LogValue renders the configuration for structured logging with the
// Postgres password redacted. Provider API keys are read from the
// environment and never stored on Config.
func (c *Config) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("embedding_backend", c.EmbeddingBackend),
		slog.String("embedding_model_id", c.EmbeddingModelID),
		slog.Int("vector_dim", c.VectorDim),
		slog.Any("provider_priority", c.ProviderPriority),
		slog.String("postgres_host", c.PostgresHost),
		slog.Int("postgres_port", c.PostgresPort),
		slog.String("postgres_db_name", c.PostgresDBName),
		slog.String("server_addr", c.ServerAddr),
	)
}
