package qa

import (
	"regexp"
	"strings"

	"github.com/koopa0/medrag/internal/provider"
)

// Rule is one weighted check applied to a generated answer. Check returns
// true when the answer satisfies the rule.
type Rule struct {
	ID          string
	Description string
	Weight      float64
	Hint        string // appended to the regeneration prompt when violated
	Check       func(answer string) bool
}

var (
	dosageUnitPattern = regexp.MustCompile(`(?i)\d+(?:[.,]\d+)?\s*(?:mg|mcg|µg|g|ml|mL|IU|units?)\b`)
	numberPattern     = regexp.MustCompile(`\d`)
)

// clinicalTerms signal precise terminology in a technical answer.
var clinicalTerms = []string{
	"dose", "dosage", "contraindic", "interaction", "mechanism",
	"pharmac", "clinical", "adverse", "indication", "therap",
	"administration", "half-life", "metaboli",
}

// jargonTerms are flagged in empathetic answers unless explained inline.
var jargonTerms = []string{
	"pharmacokinetic", "pharmacodynamic", "hepatotoxic", "nephrotoxic",
	"contraindicated", "bioavailability", "cytochrome", "prophylaxis",
	"titration", "agonist", "antagonist",
}

// reassuranceMarkers signal a supportive register.
var reassuranceMarkers = []string{
	"don't worry", "understandable", "it's normal", "you're not alone",
	"feel free", "it's okay", "rest assured", "good question",
	"happy to help", "please", "safe",
}

func containsAny(answer string, terms []string) bool {
	lower := strings.ToLower(answer)
	for _, t := range terms {
		if strings.Contains(lower, t) {
			return true
		}
	}
	return false
}

// commonRules apply to every persona.
func commonRules() []Rule {
	return []Rule{
		{
			ID:          "non_empty",
			Description: "answer must not be empty or trivially short",
			Weight:      3,
			Hint:        "produce a substantive answer of at least a few sentences",
			Check: func(answer string) bool {
				return len(strings.TrimSpace(answer)) >= 40
			},
		},
		{
			ID:          "no_raw_errors",
			Description: "answer must not leak raw error or stack text",
			Weight:      2,
			Hint:        "remove any internal error text from the answer",
			Check: func(answer string) bool {
				lower := strings.ToLower(answer)
				for _, marker := range []string{"traceback", "panic:", "internal error", "http 5", "null pointer"} {
					if strings.Contains(lower, marker) {
						return false
					}
				}
				return true
			},
		},
		{
			ID:          "no_self_reference",
			Description: "answer must not discuss its own generation process",
			Weight:      1,
			Hint:        "answer the question directly without describing how the answer was produced",
			Check: func(answer string) bool {
				lower := strings.ToLower(answer)
				return !strings.Contains(lower, "as an ai") &&
					!strings.Contains(lower, "language model")
			},
		},
	}
}

// technicalRules require precise clinical terminology and concrete values.
func technicalRules() []Rule {
	return append(commonRules(),
		Rule{
			ID:          "terminology_present",
			Description: "technical answers must use clinical terminology",
			Weight:      3,
			Hint:        "use precise clinical terminology from the provided context",
			Check: func(answer string) bool {
				return containsAny(answer, clinicalTerms)
			},
		},
		Rule{
			ID:          "quantitative",
			Description: "technical answers should carry concrete values where applicable",
			Weight:      1,
			Hint:        "include the concrete values (doses, frequencies, ranges) from the context",
			Check: func(answer string) bool {
				return numberPattern.MatchString(answer) || dosageUnitPattern.MatchString(answer)
			},
		},
	)
}

// empatheticRules require plain language and a supportive register.
func empatheticRules() []Rule {
	return append(commonRules(),
		Rule{
			ID:          "no_jargon",
			Description: "empathetic answers must avoid unexplained jargon",
			Weight:      3,
			Hint:        "replace technical jargon with plain-language explanations",
			Check: func(answer string) bool {
				return !containsAny(answer, jargonTerms)
			},
		},
		Rule{
			ID:          "reassurance_present",
			Description: "empathetic answers should acknowledge the reader",
			Weight:      2,
			Hint:        "acknowledge the reader's concern in a supportive tone",
			Check: func(answer string) bool {
				return containsAny(answer, reassuranceMarkers)
			},
		},
	)
}

// RulesFor returns the rule set applied to answers for the given persona.
func RulesFor(p provider.Persona) []Rule {
	if p == provider.PersonaEmpathetic {
		return empatheticRules()
	}
	return technicalRules()
}
