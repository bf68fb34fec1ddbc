// Package provider manages LLM providers: health tracking via per-provider
// circuit breakers, bounded-timeout generation calls, and ordered fallback
// so a query always produces some answer.
package provider

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrTimeout marks a provider call that exceeded its deadline.
	ErrTimeout = errors.New("provider: call timed out")
	// ErrRateLimited marks a throttled provider response. It opens the
	// circuit faster than a generic failure.
	ErrRateLimited = errors.New("provider: rate limited")
)

// Persona selects the tone and validation rules applied to an answer.
type Persona string

const (
	PersonaTechnical  Persona = "technical"
	PersonaEmpathetic Persona = "empathetic"
)

// ParsePersona maps a string to a known persona, defaulting to technical.
func ParsePersona(s string) Persona {
	if Persona(strings.ToLower(s)) == PersonaEmpathetic {
		return PersonaEmpathetic
	}
	return PersonaTechnical
}

// Request carries everything a provider needs for one generation call.
type Request struct {
	Query   string
	Context string // retrieved chunk text, may be empty
	Persona Persona
	Hint    string // regeneration hint from QA, empty on first attempt
}

// Provider is a single LLM backend.
type Provider interface {
	Name() string
	Generate(ctx context.Context, req Request) (string, error)
}

// systemPrompt returns the persona-specific system instruction.
func systemPrompt(p Persona) string {
	switch p {
	case PersonaEmpathetic:
		return "You are a warm, supportive medical-education assistant. " +
			"Answer in plain language, avoid unexplained jargon, and acknowledge " +
			"the reader's concerns. Base your answer only on the provided context " +
			"when it is present."
	default:
		return "You are a precise medical-education assistant for clinical " +
			"students. Use exact terminology, include dosage units verbatim from " +
			"the context, and state contraindications explicitly. Base your answer " +
			"only on the provided context when it is present."
	}
}

// userPrompt assembles the user message from query, retrieved context and
// the optional QA regeneration hint.
func userPrompt(req Request) string {
	var b strings.Builder
	if req.Context != "" {
		b.WriteString("Context:\n")
		b.WriteString(req.Context)
		b.WriteString("\n\n")
	}
	b.WriteString("Question: ")
	b.WriteString(req.Query)
	if req.Hint != "" {
		b.WriteString("\n\nRevision note: ")
		b.WriteString(req.Hint)
	}
	return b.String()
}
