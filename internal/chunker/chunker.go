// Package chunker splits raw medical documents into retrievable units.
//
// A document is first cut into blocks at blank-line boundaries. Table-like
// blocks under a size threshold are emitted whole, preserving row and column
// integrity. Remaining prose is windowed into fixed-size chunks with a
// configurable character overlap so retrieval does not lose context at
// boundaries.
//
// Chunking is a pure function of the document and the configuration:
// re-chunking the same document yields a byte-identical sequence, including
// chunk IDs. No external state is read or written.
package chunker

import (
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultMaxSize is the chunk size target in characters.
	DefaultMaxSize = 1200

	// DefaultOverlapPct is the overlap between adjacent prose chunks,
	// as a percentage of MaxSize.
	DefaultOverlapPct = 20

	// DefaultTableThreshold is the size under which a table block is never
	// split.
	DefaultTableThreshold = 800
)

// Document is an immutable ingestion record. Re-ingesting a source replaces
// the document rather than mutating it.
type Document struct {
	ID              string
	SourcePath      string
	RawText         string
	ContentTypeHint string // optional classifier override, e.g. "dosage"
	CreatedAt       time.Time
}

// Chunk is a bounded unit of source text prepared for embedding.
// Chunks are immutable once produced.
type Chunk struct {
	ID              string
	DocumentID      string
	Text            string
	ContentType     ContentType
	Priority        float64
	Position        int
	OverlapWithPrev int // characters shared with the previous chunk
}

// Config controls chunk sizing. The zero value selects the defaults.
type Config struct {
	MaxSize        int
	OverlapPct     int
	TableThreshold int
}

func (c Config) withDefaults() Config {
	if c.MaxSize <= 0 {
		c.MaxSize = DefaultMaxSize
	}
	if c.OverlapPct < 0 {
		c.OverlapPct = 0
	}
	if c.OverlapPct == 0 {
		c.OverlapPct = DefaultOverlapPct
	}
	if c.OverlapPct > 50 {
		c.OverlapPct = 50
	}
	if c.TableThreshold <= 0 {
		c.TableThreshold = DefaultTableThreshold
	}
	return c
}

// Chunker splits documents according to its configuration.
// Safe for concurrent use: it holds no mutable state.
type Chunker struct {
	cfg Config
}

// New creates a Chunker. Zero-valued config fields fall back to defaults.
func New(cfg Config) *Chunker {
	return &Chunker{cfg: cfg.withDefaults()}
}

// Chunk splits a document into retrievable units.
// Malformed or empty documents yield an empty slice, never an error.
func (c *Chunker) Chunk(doc Document) []Chunk {
	text := strings.TrimSpace(doc.RawText)
	if doc.ID == "" || text == "" {
		return nil
	}

	var chunks []Chunk
	position := 0

	// Windowed chunk bodies are emitted untrimmed: the overlap invariant is
	// defined on raw character windows, and trimming would break the shared
	// prefix between adjacent chunks.
	emit := func(body string, overlap int) {
		if strings.TrimSpace(body) == "" {
			return
		}
		ct := Classify(body)
		if hint, ok := ParseContentType(doc.ContentTypeHint); ok {
			ct = hint
		}
		chunks = append(chunks, Chunk{
			ID:              chunkID(doc.ID, position),
			DocumentID:      doc.ID,
			Text:            body,
			ContentType:     ct,
			Priority:        ct.Priority(),
			Position:        position,
			OverlapWithPrev: overlap,
		})
		position++
	}

	for _, seg := range segment(text, c.cfg.TableThreshold) {
		if seg.whole {
			// Whole-block chunk, even when it exceeds MaxSize. Splitting a
			// table would separate values from their column headers.
			emit(seg.text, 0)
			continue
		}
		c.window(seg.text, emit)
	}

	return chunks
}

// window cuts prose into MaxSize-character chunks where adjacent chunks
// share exactly overlap characters. The final chunk may be shorter.
func (c *Chunker) window(text string, emit func(body string, overlap int)) {
	runes := []rune(text)
	size := c.cfg.MaxSize
	if len(runes) <= size {
		emit(text, 0)
		return
	}

	overlap := size * c.cfg.OverlapPct / 100
	step := size - overlap

	for start := 0; start < len(runes); start += step {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		ov := 0
		if start > 0 {
			ov = overlap
		}
		emit(string(runes[start:end]), ov)
		if end == len(runes) {
			break
		}
	}
}

// segment splits text into blocks at blank lines. Table blocks are always
// kept whole regardless of size; other structured blocks (bullet lists,
// key/value runs) are kept whole only when under the threshold. Consecutive
// prose blocks are merged back together so windowing sees continuous text.
type block struct {
	text  string
	whole bool
}

func segment(text string, tableThreshold int) []block {
	parts := splitBlankLines(text)

	var out []block
	var prose []string
	flush := func() {
		if len(prose) > 0 {
			out = append(out, block{text: strings.Join(prose, "\n\n")})
			prose = nil
		}
	}

	for _, p := range parts {
		keepWhole := isTableBlock(p) ||
			(len(p) <= tableThreshold && isStructuredBlock(p))
		if keepWhole {
			flush()
			out = append(out, block{text: p, whole: true})
			continue
		}
		prose = append(prose, p)
	}
	flush()
	return out
}

// splitBlankLines splits on runs of blank lines, normalizing CRLF.
func splitBlankLines(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	raw := strings.Split(text, "\n\n")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		if s := strings.TrimRight(r, "\n"); strings.TrimSpace(s) != "" {
			out = append(out, s)
		}
	}
	return out
}

// isTableBlock reports whether a block looks like tabular content: a
// majority of its lines carry pipe column separators or tab runs.
func isTableBlock(text string) bool {
	lines := strings.Split(text, "\n")
	if len(lines) < 2 {
		return false
	}
	tabular := 0
	for _, line := range lines {
		if strings.Contains(line, "|") || strings.Count(line, "\t") >= 2 {
			tabular++
		}
	}
	return tabular*2 > len(lines)
}

// isStructuredBlock reports whether a block is line-oriented structured
// content (bullet lists, "Key: value" runs) that reads poorly when windowed.
func isStructuredBlock(text string) bool {
	lines := strings.Split(text, "\n")
	if len(lines) < 2 {
		return false
	}
	structured := 0
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "-"), strings.HasPrefix(trimmed, "*"),
			strings.HasPrefix(trimmed, "•"):
			structured++
		case strings.Contains(trimmed, ": "):
			structured++
		}
	}
	return structured*2 > len(lines)
}

func chunkID(docID string, position int) string {
	return docID + ":" + strconv.Itoa(position)
}
