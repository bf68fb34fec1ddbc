// Package qa validates generated answers against persona-specific rule
// sets before they are released to the caller.
package qa

import (
	"log/slog"
	"strings"

	"github.com/koopa0/medrag/internal/log"
	"github.com/koopa0/medrag/internal/provider"
)

// Result is the outcome of validating one generation attempt.
type Result struct {
	AnswerText      string
	Score           float64 // weighted fraction of passed rules, in [0,1]
	Passed          bool
	RetryCount      int
	RejectedReasons []string
}

// Gate scores answers against persona rules. An answer passes when its
// weighted score reaches MinScore; callers regenerate failed answers up to
// MaxRetries times using Hint.
type Gate struct {
	minScore   float64
	maxRetries int
	logger     log.Logger

	rulesFor func(provider.Persona) []Rule
}

// NewGate creates a gate with the given pass threshold and retry bound.
func NewGate(minScore float64, maxRetries int, logger log.Logger) *Gate {
	if minScore <= 0 || minScore > 1 {
		minScore = 0.9
	}
	if maxRetries < 0 {
		maxRetries = 3
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		minScore:   minScore,
		maxRetries: maxRetries,
		logger:     logger.With("component", "qa"),
		rulesFor:   RulesFor,
	}
}

// MaxRetries reports how many regenerations the caller may attempt.
func (g *Gate) MaxRetries() int { return g.maxRetries }

// Validate scores answer against the persona's rules. retryCount is echoed
// into the result so callers can log which attempt produced it.
func (g *Gate) Validate(answer string, persona provider.Persona, retryCount int) Result {
	rules := g.rulesFor(persona)

	var total, passed float64
	var rejected []string
	for _, rule := range rules {
		total += rule.Weight
		if rule.Check(answer) {
			passed += rule.Weight
			continue
		}
		rejected = append(rejected, rule.Description)
	}

	score := 0.0
	if total > 0 {
		score = passed / total
	}

	res := Result{
		AnswerText:      answer,
		Score:           score,
		Passed:          score >= g.minScore,
		RetryCount:      retryCount,
		RejectedReasons: rejected,
	}

	if !res.Passed {
		g.logger.Debug("answer rejected",
			"persona", string(persona),
			"score", score,
			"retry", retryCount,
			"reasons", strings.Join(rejected, "; "))
	}
	return res
}

// Hint builds the regeneration hint from the rules the answer violated.
func (g *Gate) Hint(persona provider.Persona, answer string) string {
	var hints []string
	for _, rule := range g.rulesFor(persona) {
		if !rule.Check(answer) && rule.Hint != "" {
			hints = append(hints, rule.Hint)
		}
	}
	return strings.Join(hints, "; ")
}
