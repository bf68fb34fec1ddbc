package pipeline

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/koopa0/medrag/internal/cache"
	"github.com/koopa0/medrag/internal/chunker"
	"github.com/koopa0/medrag/internal/embedder"
	"github.com/koopa0/medrag/internal/log"
	"github.com/koopa0/medrag/internal/provider"
	"github.com/koopa0/medrag/internal/qa"
	"github.com/koopa0/medrag/internal/vectorstore"
)

const embedDim = 64

const goodTechnicalAnswer = "The standard adult dosage of amoxicillin is " +
	"500 mg three times daily. The main contraindication is penicillin " +
	"allergy; clinical monitoring of the interaction with methotrexate is advised."

// scriptedGenerator returns queued responses in order, repeating the last.
type scriptedGenerator struct {
	mu      sync.Mutex
	results []provider.Result
	err     error
	calls   int
}

func (g *scriptedGenerator) Generate(_ context.Context, _ provider.Request) (provider.Result, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if g.err != nil {
		return provider.Result{}, g.err
	}
	idx := g.calls - 1
	if idx >= len(g.results) {
		idx = len(g.results) - 1
	}
	return g.results[idx], nil
}

func (g *scriptedGenerator) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

// countingValidator wraps the real gate to observe Validate invocations.
type countingValidator struct {
	inner *qa.Gate

	mu    sync.Mutex
	calls int
}

func (v *countingValidator) Validate(answer string, persona provider.Persona, retry int) qa.Result {
	v.mu.Lock()
	v.calls++
	v.mu.Unlock()
	return v.inner.Validate(answer, persona, retry)
}

func (v *countingValidator) Hint(persona provider.Persona, answer string) string {
	return v.inner.Hint(persona, answer)
}

func (v *countingValidator) MaxRetries() int { return v.inner.MaxRetries() }

func (v *countingValidator) validateCalls() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.calls
}

// failingStore simulates an unavailable vector store.
type failingStore struct{}

func (failingStore) Upsert(context.Context, vectorstore.Record) error {
	return vectorstore.ErrUnavailable
}

func (failingStore) UpsertBatch(context.Context, []vectorstore.Record) error {
	return vectorstore.ErrUnavailable
}
func (failingStore) Search(context.Context, []float32, int, ...vectorstore.SearchOption) ([]vectorstore.Match, error) {
	return nil, vectorstore.ErrUnavailable
}
func (failingStore) DeleteDocument(context.Context, string) error {
	return vectorstore.ErrUnavailable
}

func (failingStore) Count(context.Context) (int, error) { return 0, vectorstore.ErrUnavailable }

// memCache is a minimal synchronous Cache for tests.
type memCache struct {
	mu sync.Mutex
	m  map[string][]byte
}

func newMemCache() *memCache { return &memCache{m: make(map[string][]byte)} }

func (c *memCache) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.m[key]
	if !ok {
		return nil, cache.ErrMiss
	}
	return v, nil
}

func (c *memCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	c.m[key] = value
	c.mu.Unlock()
	return nil
}

func newTestPipeline(t *testing.T, store vectorstore.Store, c Cache, gen Generator, val Validator) *Pipeline {
	t.Helper()
	p, err := New(Config{TopK: 3, RequestDeadline: 5 * time.Second},
		chunker.New(chunker.Config{MaxSize: 400, OverlapPct: 20, TableThreshold: 800}),
		embedder.NewLocal(embedDim), store, c, gen, val, log.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func realGate() *qa.Gate { return qa.NewGate(0.9, 3, log.NewNop()) }

func TestPipeline_HealthyPathWithIndexedChunk(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := vectorstore.NewMemory(embedDim)
	gen := &scriptedGenerator{results: []provider.Result{{Text: goodTechnicalAnswer, Provider: "gemini"}}}
	p := newTestPipeline(t, store, newMemCache(), gen, realGate())

	ctx := context.Background()
	res, err := p.Ingest(ctx, []chunker.Document{{
		ID:      "amoxicillin",
		RawText: "Amoxicillin standard adult dosage is 500 mg three times daily for most infections.",
	}})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if res.IndexedCount == 0 || res.FailedCount != 0 {
		t.Fatalf("ingest result = %+v", res)
	}

	ans, err := p.Answer(ctx, "What is the adult dosage of amoxicillin?", provider.PersonaTechnical)
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if ans.Degraded {
		t.Error("Degraded = true on the healthy path")
	}
	if ans.Text == "" {
		t.Error("empty answer text")
	}
	if len(ans.Sources) == 0 {
		t.Error("Sources empty despite an indexed matching chunk")
	}
}

func TestPipeline_VectorStoreDownStillAnswers(t *testing.T) {
	defer goleak.VerifyNone(t)

	gen := &scriptedGenerator{results: []provider.Result{{Text: goodTechnicalAnswer, Provider: "gemini"}}}
	p := newTestPipeline(t, failingStore{}, nil, gen, realGate())

	ans, err := p.Answer(context.Background(), "What is the dosage?", provider.PersonaTechnical)
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if ans.Text == "" {
		t.Error("empty answer with store down")
	}
	if len(ans.Sources) != 0 {
		t.Errorf("Sources = %v, want empty when retrieval is unavailable", ans.Sources)
	}
}

func TestPipeline_AllProvidersTimeoutReturnsPersonaFallback(t *testing.T) {
	defer goleak.VerifyNone(t)

	// Real orchestrator over a provider that never answers in time.
	slow := &hangingProvider{name: "gemini"}
	reg := provider.NewRegistry(provider.BreakerConfig{}, nil)
	orch, err := provider.NewOrchestrator([]provider.Provider{slow}, reg, log.NewNop(),
		provider.WithTimeout(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}

	p := newTestPipeline(t, vectorstore.NewMemory(embedDim), nil, orch, realGate())

	ans, err := p.Answer(context.Background(), "emergency dosing question", provider.PersonaEmpathetic)
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if !ans.Degraded {
		t.Error("Degraded = false with every provider timing out")
	}
	if ans.Text != provider.FallbackAnswer(provider.PersonaEmpathetic) {
		t.Errorf("text = %q, want the empathetic canned fallback", ans.Text)
	}
}

type hangingProvider struct{ name string }

func (h *hangingProvider) Name() string { return h.name }

func (h *hangingProvider) Generate(ctx context.Context, _ provider.Request) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func TestPipeline_QARetryBound(t *testing.T) {
	defer goleak.VerifyNone(t)

	// Every attempt fails validation; the pipeline must validate at most
	// MaxRetries+1 times and then release the best attempt as degraded.
	badAnswer := "It depends. Ask someone else about this topic entirely, since nothing useful can be said briefly."
	gen := &scriptedGenerator{results: []provider.Result{{Text: badAnswer, Provider: "gemini"}}}
	val := &countingValidator{inner: realGate()}
	p := newTestPipeline(t, vectorstore.NewMemory(embedDim), nil, gen, val)

	ans, err := p.Answer(context.Background(), "dosage?", provider.PersonaTechnical)
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if !ans.Degraded {
		t.Error("Degraded = false after exhausting validation retries")
	}
	if ans.Text != badAnswer {
		t.Errorf("text = %q, want the best-scoring rejected attempt", ans.Text)
	}

	maxValidations := val.MaxRetries() + 1
	if got := val.validateCalls(); got > maxValidations {
		t.Errorf("Validate called %d times, bound is %d", got, maxValidations)
	}
	if gen.callCount() > maxValidations {
		t.Errorf("Generate called %d times, bound is %d", gen.callCount(), maxValidations)
	}
}

func TestPipeline_RegenerationCarriesHint(t *testing.T) {
	defer goleak.VerifyNone(t)

	var hints []string
	gen := &hintRecordingGenerator{
		responses: []string{
			"Short vague reply with the number 3 in it, long enough to pass the length rule but nothing specific at all.",
			goodTechnicalAnswer,
		},
		hints: &hints,
	}
	p := newTestPipeline(t, vectorstore.NewMemory(embedDim), nil, gen, realGate())

	ans, err := p.Answer(context.Background(), "dosage?", provider.PersonaTechnical)
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if ans.Degraded {
		t.Error("second attempt passes validation, answer should not be degraded")
	}
	if len(hints) < 2 || hints[0] != "" || hints[1] == "" {
		t.Errorf("hints = %q, want empty first then a concrete revision note", hints)
	}
	if !strings.Contains(hints[1], "terminology") {
		t.Errorf("hint %q does not address the violated rule", hints[1])
	}
}

type hintRecordingGenerator struct {
	mu        sync.Mutex
	responses []string
	calls     int
	hints     *[]string
}

func (g *hintRecordingGenerator) Generate(_ context.Context, req provider.Request) (provider.Result, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	*g.hints = append(*g.hints, req.Hint)
	idx := g.calls
	if idx >= len(g.responses) {
		idx = len(g.responses) - 1
	}
	g.calls++
	return provider.Result{Text: g.responses[idx], Provider: "gemini"}, nil
}

func TestPipeline_AnswerCacheShortCircuitsGeneration(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := vectorstore.NewMemory(embedDim)
	gen := &scriptedGenerator{results: []provider.Result{{Text: goodTechnicalAnswer, Provider: "gemini"}}}
	c := newMemCache()
	p := newTestPipeline(t, store, c, gen, realGate())

	ctx := context.Background()
	query := "What is the adult dosage of amoxicillin?"

	first, err := p.Answer(ctx, query, provider.PersonaTechnical)
	if err != nil {
		t.Fatalf("first Answer: %v", err)
	}
	second, err := p.Answer(ctx, query, provider.PersonaTechnical)
	if err != nil {
		t.Fatalf("second Answer: %v", err)
	}

	if second.Text != first.Text {
		t.Error("cached answer differs from the original")
	}
	if gen.callCount() != 1 {
		t.Errorf("Generate called %d times, want 1 (second served from cache)", gen.callCount())
	}
}

func TestPipeline_DegradedAnswerNotCached(t *testing.T) {
	defer goleak.VerifyNone(t)

	gen := &scriptedGenerator{results: []provider.Result{{
		Text:     provider.FallbackAnswer(provider.PersonaTechnical),
		Degraded: true,
	}}}
	c := newMemCache()
	p := newTestPipeline(t, vectorstore.NewMemory(embedDim), c, gen, realGate())

	ctx := context.Background()
	if _, err := p.Answer(ctx, "q", provider.PersonaTechnical); err != nil {
		t.Fatalf("Answer: %v", err)
	}

	if _, err := p.Answer(ctx, "q", provider.PersonaTechnical); err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if gen.callCount() != 2 {
		t.Errorf("Generate called %d times, want 2 (degraded answers are not cached)", gen.callCount())
	}
}

func TestPipeline_EmptyQueryRejected(t *testing.T) {
	defer goleak.VerifyNone(t)

	gen := &scriptedGenerator{results: []provider.Result{{Text: "x"}}}
	p := newTestPipeline(t, vectorstore.NewMemory(embedDim), nil, gen, realGate())

	if _, err := p.Answer(context.Background(), "   ", provider.PersonaTechnical); err == nil {
		t.Error("empty query should fail fast")
	}
}

func TestPipeline_ReingestSupersedesPreviousChunks(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := vectorstore.NewMemory(embedDim)
	gen := &scriptedGenerator{}
	p := newTestPipeline(t, store, nil, gen, realGate())

	ctx := context.Background()
	long := strings.Repeat("Amoxicillin standard adult dosage is 500 mg three times daily. ", 30)
	if _, err := p.Ingest(ctx, []chunker.Document{{ID: "amoxicillin", RawText: long}}); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	before, err := store.Count(ctx)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if before < 2 {
		t.Fatalf("Count = %d, want several chunks from the long version", before)
	}

	// The shorter revision replaces the document; none of the earlier
	// chunks may survive in the corpus.
	short := "Amoxicillin standard adult dosage is 500 mg three times daily."
	if _, err := p.Ingest(ctx, []chunker.Document{{ID: "amoxicillin", RawText: short}}); err != nil {
		t.Fatalf("Ingest (revision): %v", err)
	}
	after, err := store.Count(ctx)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if after != 1 {
		t.Errorf("Count = %d after re-ingest, want 1", after)
	}
}

func TestPipeline_IngestCountsFailedDocuments(t *testing.T) {
	defer goleak.VerifyNone(t)

	gen := &scriptedGenerator{results: []provider.Result{{Text: goodTechnicalAnswer}}}
	p := newTestPipeline(t, failingStore{}, nil, gen, realGate())

	res, err := p.Ingest(context.Background(), []chunker.Document{
		{ID: "a", RawText: "Some drug text long enough to produce a chunk."},
		{ID: "b", RawText: ""},
	})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	// Document a fails at the store; document b is empty and yields zero
	// chunks without being a failure.
	if res.FailedCount != 1 {
		t.Errorf("FailedCount = %d, want 1", res.FailedCount)
	}
	if res.IndexedCount != 0 {
		t.Errorf("IndexedCount = %d, want 0", res.IndexedCount)
	}
}

func TestPipeline_IngestWithHybridCacheAndMemoryStore(t *testing.T) {
	defer goleak.VerifyNone(t)

	mem := cache.NewMemory(time.Hour)
	hybrid, err := cache.NewHybrid([]cache.TierTTL{{Tier: mem, TTL: time.Minute}}, log.NewNop())
	if err != nil {
		t.Fatalf("NewHybrid: %v", err)
	}
	defer hybrid.Close()

	store := vectorstore.NewMemory(embedDim)
	gen := &scriptedGenerator{results: []provider.Result{{Text: goodTechnicalAnswer, Provider: "gemini"}}}
	p := newTestPipeline(t, store, hybrid, gen, realGate())

	ctx := context.Background()
	if _, err := p.Ingest(ctx, []chunker.Document{{
		ID:      "doc",
		RawText: "Ibuprofen dosing guidance: 200 mg to 400 mg every four to six hours as needed.",
	}}); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	ans, err := p.Answer(ctx, "How much ibuprofen can an adult take?", provider.PersonaTechnical)
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if ans.Degraded || len(ans.Sources) == 0 {
		t.Errorf("answer = %+v, want non-degraded with sources", ans)
	}
}
