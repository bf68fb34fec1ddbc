package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"

	"google.golang.org/genai"
)

// GeminiConfig configures the Gemini provider.
type GeminiConfig struct {
	ModelID string // e.g. "gemini-2.5-flash"
	APIKey  string // falls back to GEMINI_API_KEY
}

// Gemini generates answers through the Gemini API. The client is created
// lazily on first call and reused for the process lifetime.
type Gemini struct {
	cfg GeminiConfig

	initOnce sync.Once
	initErr  error
	client   *genai.Client
}

// NewGemini creates the provider without connecting; the API key is only
// required once Generate is called.
func NewGemini(cfg GeminiConfig) *Gemini {
	if cfg.ModelID == "" {
		cfg.ModelID = "gemini-2.5-flash"
	}
	return &Gemini{cfg: cfg}
}

func (g *Gemini) Name() string { return "gemini" }

func (g *Gemini) init(ctx context.Context) error {
	g.initOnce.Do(func() {
		apiKey := g.cfg.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("GEMINI_API_KEY")
		}
		if apiKey == "" {
			g.initErr = errors.New("gemini: missing API key")
			return
		}
		g.client, g.initErr = genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  apiKey,
			Backend: genai.BackendGeminiAPI,
		})
	})
	return g.initErr
}

func (g *Gemini) Generate(ctx context.Context, req Request) (string, error) {
	if err := g.init(ctx); err != nil {
		return "", err
	}

	contents := []*genai.Content{
		genai.NewContentFromText(userPrompt(req), genai.RoleUser),
	}
	config := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(systemPrompt(req.Persona), genai.RoleUser),
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.cfg.ModelID, contents, config)
	if err != nil {
		var apiErr genai.APIError
		if errors.As(err, &apiErr) && apiErr.Code == http.StatusTooManyRequests {
			return "", fmt.Errorf("%w: %w", ErrRateLimited, err)
		}
		return "", fmt.Errorf("gemini generate: %w", err)
	}
	return resp.Text(), nil
}
