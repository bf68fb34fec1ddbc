package embedder

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"google.golang.org/genai"

	"github.com/koopa0/medrag/internal/log"
)

// GeminiConfig configures the Gemini embedding backend.
type GeminiConfig struct {
	ModelID   string // e.g. "gemini-embedding-001"
	Dimension int    // requested OutputDimensionality
	BatchSize int    // max texts per EmbedContent call (default 32)
	APIKey    string // falls back to GEMINI_API_KEY
}

// Gemini embeds text through the Gemini API.
//
// The genai client is created lazily on first use and shared by all calls;
// the client itself is safe for concurrent use, so no per-call serialization
// is needed.
type Gemini struct {
	cfg    GeminiConfig
	logger log.Logger

	initOnce sync.Once
	initErr  error

	mu     sync.RWMutex
	client *genai.Client
	closed bool
}

// NewGemini creates a Gemini embedder. The API connection is not established
// until the first Embed call.
func NewGemini(cfg GeminiConfig, logger log.Logger) *Gemini {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 32
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gemini{
		cfg:    cfg,
		logger: logger.With("component", "embedder", "model", cfg.ModelID),
	}
}

// init creates the shared client exactly once.
func (g *Gemini) init(ctx context.Context) error {
	g.initOnce.Do(func() {
		apiKey := g.cfg.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("GEMINI_API_KEY")
		}
		client, err := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  apiKey,
			Backend: genai.BackendGeminiAPI,
		})
		if err != nil {
			g.initErr = fmt.Errorf("%w: creating genai client: %w", ErrUnavailable, err)
			return
		}
		g.mu.Lock()
		g.client = client
		g.mu.Unlock()
		g.logger.Debug("embedding client initialized")
	})
	return g.initErr
}

// Embed returns the vector for a single text.
func (g *Gemini) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := g.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch embeds texts in API-sized batches to amortize call overhead.
func (g *Gemini) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if err := g.init(ctx); err != nil {
		return nil, err
	}

	g.mu.RLock()
	client, closed := g.client, g.closed
	g.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += g.cfg.BatchSize {
		end := min(start+g.cfg.BatchSize, len(texts))
		vecs, err := g.embedBatch(ctx, client, texts[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, vecs...)
	}
	return out, nil
}

func (g *Gemini) embedBatch(ctx context.Context, client *genai.Client, texts []string) ([][]float32, error) {
	contents := make([]*genai.Content, len(texts))
	for i, t := range texts {
		contents[i] = genai.NewContentFromText(t, genai.RoleUser)
	}

	dim := int32(g.cfg.Dimension) // #nosec G115 -- dimension validated at startup (1..2000)
	resp, err := client.Models.EmbedContent(ctx, g.cfg.ModelID, contents,
		&genai.EmbedContentConfig{OutputDimensionality: &dim})
	if err != nil {
		return nil, fmt.Errorf("%w: embed content: %w", ErrUnavailable, err)
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("%w: got %d embeddings for %d texts",
			ErrUnavailable, len(resp.Embeddings), len(texts))
	}

	vecs := make([][]float32, len(texts))
	for i, e := range resp.Embeddings {
		if e == nil || len(e.Values) == 0 {
			return nil, fmt.Errorf("%w: empty embedding at index %d", ErrUnavailable, i)
		}
		if len(e.Values) != g.cfg.Dimension {
			return nil, fmt.Errorf("embedding dimension %d does not match configured %d",
				len(e.Values), g.cfg.Dimension)
		}
		vecs[i] = e.Values
	}
	return vecs, nil
}

// Dimension returns the configured output dimensionality.
func (g *Gemini) Dimension() int { return g.cfg.Dimension }

// ModelID returns the Gemini embedding model identifier.
func (g *Gemini) ModelID() string { return g.cfg.ModelID }

// Close releases the shared client handle.
func (g *Gemini) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	g.client = nil
	return nil
}
