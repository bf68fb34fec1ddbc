// Package api exposes the RAG pipeline over HTTP.
//
// Endpoints:
//
//	POST /api/answer  →  answer a query for a persona
//	POST /api/ingest  →  index documents out-of-band
//	GET  /health      →  liveness probe
//	GET  /ready       →  readiness probe (pings the database)
//	GET  /providers   →  provider circuit breaker snapshot
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/koopa0/medrag/internal/chunker"
	"github.com/koopa0/medrag/internal/log"
	"github.com/koopa0/medrag/internal/pipeline"
	"github.com/koopa0/medrag/internal/provider"
)

const (
	// DefaultAddr is the default listen address.
	DefaultAddr = "127.0.0.1:3400"

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout = 10 * time.Second

	// ReadHeaderTimeout bounds header reads to prevent slowloris stalls.
	ReadHeaderTimeout = 10 * time.Second

	// ReadTimeout is the maximum duration for reading the entire request.
	ReadTimeout = 30 * time.Second

	// WriteTimeout is the maximum duration for writing the response.
	WriteTimeout = 60 * time.Second

	// IdleTimeout is the keep-alive idle limit.
	IdleTimeout = 120 * time.Second
)

// RAGService is the pipeline surface the API needs. *pipeline.Pipeline
// satisfies it.
type RAGService interface {
	Answer(ctx context.Context, query string, persona provider.Persona) (pipeline.Answer, error)
	Ingest(ctx context.Context, docs []chunker.Document) (pipeline.IngestResult, error)
}

// HealthReporter exposes provider breaker snapshots.
// *provider.Orchestrator satisfies it.
type HealthReporter interface {
	Health() []provider.Health
}

// Server is the HTTP server for the RAG API.
type Server struct {
	router chi.Router
}

// ServerConfig wires the server's dependencies. Service is required; Pool
// and Providers are optional and disable /ready checks and /providers
// respectively when nil.
type ServerConfig struct {
	Service   RAGService
	Pool      *pgxpool.Pool
	Providers HealthReporter
	Logger    log.Logger
}

// NewServer creates the server with all routes registered.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Service == nil {
		return nil, errors.New("api: service is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "api")

	r := chi.NewRouter()
	r.Use(recoveryMiddleware(logger))
	r.Use(loggingMiddleware(logger))

	health := &healthHandler{pool: cfg.Pool, logger: logger}
	r.Get("/health", health.liveness)
	r.Get("/ready", health.readiness)

	rag := &ragHandler{service: cfg.Service, providers: cfg.Providers, logger: logger}
	r.Post("/api/answer", rag.answer)
	r.Post("/api/ingest", rag.ingest)
	r.Get("/providers", rag.providerHealth)

	return &Server{router: r}, nil
}

// Handler returns the router for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// Run starts the server and blocks until ctx is canceled, then shuts down
// gracefully within ShutdownTimeout.
func (s *Server) Run(ctx context.Context, addr string, logger log.Logger) error {
	if addr == "" {
		addr = DefaultAddr
	}
	if logger == nil {
		logger = slog.Default()
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: ReadHeaderTimeout,
		ReadTimeout:       ReadTimeout,
		WriteTimeout:      WriteTimeout,
		IdleTimeout:       IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting HTTP server", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
