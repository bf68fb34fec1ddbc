package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/koopa0/medrag/internal/chunker"
	"github.com/koopa0/medrag/internal/log"
	"github.com/koopa0/medrag/internal/provider"
)

// maxBodySize bounds request bodies; ingestion payloads carry whole
// documents.
const maxBodySize = 10 << 20 // 10MB

type ragHandler struct {
	service   RAGService
	providers HealthReporter
	logger    log.Logger
}

// AnswerRequest is the body of POST /api/answer.
type AnswerRequest struct {
	Query      string `json:"query"`
	Persona    string `json:"persona"`     // "technical" (default) or "empathetic"
	DeadlineMS int    `json:"deadline_ms"` // optional per-request deadline
}

// AnswerResponse is the body of a successful answer.
type AnswerResponse struct {
	Text     string   `json:"text"`
	Degraded bool     `json:"degraded"`
	Sources  []string `json:"sources"`
}

func (h *ragHandler) answer(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	defer r.Body.Close()

	var req AnswerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "query is required")
		return
	}

	ctx := r.Context()
	if req.DeadlineMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.DeadlineMS)*time.Millisecond)
		defer cancel()
	}

	ans, err := h.service.Answer(ctx, req.Query, provider.ParsePersona(req.Persona))
	if err != nil {
		h.logger.Error("answer failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to answer query")
		return
	}

	if ans.Sources == nil {
		ans.Sources = []string{}
	}
	writeJSON(w, http.StatusOK, AnswerResponse{
		Text:     ans.Text,
		Degraded: ans.Degraded,
		Sources:  ans.Sources,
	})
}

// IngestDocument is one document in POST /api/ingest.
type IngestDocument struct {
	ID              string `json:"id"` // generated when empty
	SourcePath      string `json:"source_path"`
	RawText         string `json:"raw_text"`
	ContentTypeHint string `json:"content_type_hint"`
}

// IngestRequest is the body of POST /api/ingest.
type IngestRequest struct {
	Documents []IngestDocument `json:"documents"`
}

// IngestResponse summarizes the batch.
type IngestResponse struct {
	IndexedCount int `json:"indexed_count"`
	FailedCount  int `json:"failed_count"`
}

func (h *ragHandler) ingest(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	defer r.Body.Close()

	var req IngestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	if len(req.Documents) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "documents is required")
		return
	}

	now := time.Now().UTC()
	docs := make([]chunker.Document, len(req.Documents))
	for i, d := range req.Documents {
		id := d.ID
		if id == "" {
			id = uuid.NewString()
		}
		docs[i] = chunker.Document{
			ID:              id,
			SourcePath:      d.SourcePath,
			RawText:         d.RawText,
			ContentTypeHint: d.ContentTypeHint,
			CreatedAt:       now,
		}
	}

	res, err := h.service.Ingest(r.Context(), docs)
	if err != nil {
		h.logger.Error("ingest failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to ingest documents")
		return
	}
	writeJSON(w, http.StatusOK, IngestResponse{
		IndexedCount: res.IndexedCount,
		FailedCount:  res.FailedCount,
	})
}

// ProviderHealth is one provider's breaker snapshot in GET /providers.
type ProviderHealth struct {
	Provider            string `json:"provider"`
	State               string `json:"state"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	OpenedAt            string `json:"opened_at,omitempty"`
	NextProbeAt         string `json:"next_probe_at,omitempty"`
}

func (h *ragHandler) providerHealth(w http.ResponseWriter, _ *http.Request) {
	if h.providers == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "provider health not configured")
		return
	}

	snapshot := h.providers.Health()
	out := make([]ProviderHealth, len(snapshot))
	for i, s := range snapshot {
		ph := ProviderHealth{
			Provider:            s.Provider,
			State:               s.State.String(),
			ConsecutiveFailures: s.ConsecutiveFailures,
		}
		if !s.OpenedAt.IsZero() {
			ph.OpenedAt = s.OpenedAt.Format(time.RFC3339)
			ph.NextProbeAt = s.NextProbeAt.Format(time.RFC3339)
		}
		out[i] = ph
	}
	writeJSON(w, http.StatusOK, out)
}
