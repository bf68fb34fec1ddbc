package chunker

import (
	"regexp"
	"strings"
)

// ContentType is the closed set of medical content categories a chunk can
// carry. The category drives retrieval priority: dosage information must
// outrank general prose when scores tie.
type ContentType int

const (
	General ContentType = iota
	Protocol
	Interaction
	Contraindication
	Dosage
)

// String returns the stable wire/storage name of the content type.
func (t ContentType) String() string {
	switch t {
	case Dosage:
		return "dosage"
	case Contraindication:
		return "contraindication"
	case Interaction:
		return "interaction"
	case Protocol:
		return "protocol"
	default:
		return "general"
	}
}

// Priority returns the retrieval priority for the content type in [0,1].
func (t ContentType) Priority() float64 {
	switch t {
	case Dosage:
		return 1.0
	case Contraindication:
		return 0.9
	case Interaction:
		return 0.8
	case Protocol:
		return 0.8
	default:
		return 0.2
	}
}

// ParseContentType maps a storage/hint name back to a ContentType.
// The second return is false for unknown names.
func ParseContentType(s string) (ContentType, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "dosage":
		return Dosage, true
	case "contraindication":
		return Contraindication, true
	case "interaction":
		return Interaction, true
	case "protocol":
		return Protocol, true
	case "general":
		return General, true
	default:
		return General, false
	}
}

// Classification heuristics. Patterns are matched case-insensitively against
// the chunk body; the first category with enough signal wins, checked in
// priority order so a dosage table with an interaction footnote stays dosage.
var (
	// Dosage: numeric value followed by a dose unit, or explicit dose wording.
	dosagePattern = regexp.MustCompile(`(?i)\b\d+(?:[.,]\d+)?\s*(?:mg|mcg|µg|g|ml|mL|IU|units?)(?:\s*/\s*(?:kg|day|dose|h|hr))?\b`)
	doseWords     = regexp.MustCompile(`(?i)\b(?:dosage|dose|dosing|maximum daily|titrate|loading dose|maintenance dose)\b`)

	// Contraindication markers.
	contraPattern = regexp.MustCompile(`(?i)\b(?:contraindicat\w*|do not (?:use|administer|take)|must not be (?:used|given)|should not be used|hypersensitivity to|absolute(?:ly)? contraindicated)\b`)

	// Drug interaction phrasing.
	interactPattern = regexp.MustCompile(`(?i)\b(?:interact(?:s|ion)?\w* with|concomitant(?:ly)?|co-?administ\w*|potentiat\w*|when (?:taken|used) (?:with|together)|drug[- ]drug interaction)\b`)

	// Numbered protocol structure: "1." / "Step 2" list markers.
	protocolStep = regexp.MustCompile(`(?im)^\s*(?:\d+[.)]\s+|step\s+\d+\b)`)
	protocolWord = regexp.MustCompile(`(?i)\b(?:protocol|procedure|algorithm|guideline)\b`)
)

// Classify assigns a content type to a chunk of text using keyword and
// pattern heuristics.
func Classify(text string) ContentType {
	switch {
	case dosagePattern.MatchString(text) || doseWords.MatchString(text):
		return Dosage
	case contraPattern.MatchString(text):
		return Contraindication
	case interactPattern.MatchString(text):
		return Interaction
	case len(protocolStep.FindAllString(text, 3)) >= 2,
		protocolWord.MatchString(text) && protocolStep.MatchString(text):
		return Protocol
	default:
		return General
	}
}
