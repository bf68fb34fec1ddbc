package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestOpenAI_Generate(t *testing.T) {
	var gotAuth string
	var gotReq chatCompletionRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{"role": "assistant", "content": "answer text"}},
			},
		})
	}))
	defer srv.Close()

	p := NewOpenAI(OpenAIConfig{BaseURL: srv.URL, APIKey: "sk-test", ModelID: "gpt-4o-mini"})
	text, err := p.Generate(context.Background(), Request{
		Query:   "What is the amoxicillin dose?",
		Context: "Amoxicillin 500 mg three times daily.",
		Persona: PersonaTechnical,
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if text != "answer text" {
		t.Errorf("text = %q", text)
	}
	if gotAuth != "Bearer sk-test" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if len(gotReq.Messages) != 2 || gotReq.Messages[0].Role != "system" {
		t.Errorf("messages = %+v", gotReq.Messages)
	}
	if !strings.Contains(gotReq.Messages[1].Content, "Amoxicillin 500 mg") {
		t.Error("retrieved context missing from user message")
	}
}

func TestOpenAI_RateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p := NewOpenAI(OpenAIConfig{BaseURL: srv.URL, APIKey: "sk-test"})
	_, err := p.Generate(context.Background(), Request{Query: "q", Persona: PersonaTechnical})
	if !errors.Is(err, ErrRateLimited) {
		t.Errorf("err = %v, want ErrRateLimited", err)
	}
}

func TestOpenAI_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "internal", http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := NewOpenAI(OpenAIConfig{BaseURL: srv.URL, APIKey: "sk-test"})
	_, err := p.Generate(context.Background(), Request{Query: "q", Persona: PersonaTechnical})
	if err == nil || errors.Is(err, ErrRateLimited) {
		t.Errorf("err = %v, want generic failure", err)
	}
}

func TestOllama_Generate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var req ollamaChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		if req.Stream {
			t.Error("stream should be disabled")
		}
		_ = json.NewEncoder(w).Encode(ollamaChatResponse{
			Message: chatMessage{Role: "assistant", Content: "local answer"},
		})
	}))
	defer srv.Close()

	p := NewOllama(OllamaConfig{BaseURL: srv.URL, ModelID: "llama3.2"})
	text, err := p.Generate(context.Background(), Request{Query: "q", Persona: PersonaEmpathetic})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if text != "local answer" {
		t.Errorf("text = %q", text)
	}
}

func TestOllama_IsRunning(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/tags" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	p := NewOllama(OllamaConfig{BaseURL: srv.URL})
	if !p.IsRunning(context.Background()) {
		t.Error("IsRunning = false against a live server")
	}

	srv.Close()
	if p.IsRunning(context.Background()) {
		t.Error("IsRunning = true against a closed server")
	}
}

func TestUserPrompt(t *testing.T) {
	req := Request{
		Query:   "May I combine these drugs?",
		Context: "Warfarin interacts with aspirin.",
		Persona: PersonaTechnical,
		Hint:    "cite the interaction mechanism",
	}
	got := userPrompt(req)
	for _, want := range []string{"Warfarin interacts", "May I combine", "cite the interaction"} {
		if !strings.Contains(got, want) {
			t.Errorf("prompt missing %q:\n%s", want, got)
		}
	}

	bare := userPrompt(Request{Query: "q"})
	if strings.Contains(bare, "Context:") || strings.Contains(bare, "Revision note:") {
		t.Errorf("bare prompt has empty sections:\n%s", bare)
	}
}
