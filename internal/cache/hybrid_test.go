package cache

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/koopa0/medrag/internal/log"
)

// fakeTier records calls so tests can observe write-behind traffic.
type fakeTier struct {
	name string

	mu      sync.Mutex
	entries map[string]Entry
	sets    int
	getErr  error
}

func newFakeTier(name string) *fakeTier {
	return &fakeTier{name: name, entries: make(map[string]Entry)}
}

func (f *fakeTier) Name() string { return f.name }

func (f *fakeTier) Get(_ context.Context, key string) (Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return Entry{}, f.getErr
	}
	entry, ok := f.entries[key]
	if !ok {
		return Entry{}, ErrMiss
	}
	return entry, nil
}

func (f *fakeTier) Set(_ context.Context, entry Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sets++
	f.entries[entry.Key] = entry
	return nil
}

func (f *fakeTier) Invalidate(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.entries, key)
	return nil
}

func (f *fakeTier) Close() error { return nil }

func (f *fakeTier) setCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sets
}

func (f *fakeTier) has(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.entries[key]
	return ok
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached within 2s")
}

func TestHybrid_SetWritesFirstTierSynchronously(t *testing.T) {
	defer goleak.VerifyNone(t)

	fast := newFakeTier("memory")
	slow := newFakeTier("durable")
	h, err := NewHybrid([]TierTTL{{fast, time.Minute}, {slow, time.Hour}}, log.NewNop())
	if err != nil {
		t.Fatalf("NewHybrid: %v", err)
	}

	ctx := context.Background()
	if err := h.Set(ctx, "k", []byte("v"), 0); err != nil {
		t.Fatalf("Set: %v", err)
	}

	// Synchronous tier must hold the value before Set returns.
	if !fast.has("k") {
		t.Fatal("first tier missing entry right after Set")
	}
	// Write-behind lands eventually.
	waitFor(t, func() bool { return slow.has("k") })

	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestHybrid_GetPromotesSlowTierHit(t *testing.T) {
	defer goleak.VerifyNone(t)

	fast := newFakeTier("memory")
	slow := newFakeTier("durable")
	h, err := NewHybrid([]TierTTL{{fast, time.Minute}, {slow, time.Hour}}, log.NewNop())
	if err != nil {
		t.Fatalf("NewHybrid: %v", err)
	}

	entry := Entry{
		Key:            "k",
		Value:          []byte("from durable"),
		TTLExpiry:      time.Now().Add(time.Hour),
		WriteTimestamp: time.Now(),
	}
	slow.entries["k"] = entry

	got, err := h.Get(context.Background(), "k")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got, entry.Value) {
		t.Errorf("Get = %q, want %q", got, entry.Value)
	}

	waitFor(t, func() bool { return fast.has("k") })

	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestHybrid_PromotionCapsExpiryAtSourceEntry(t *testing.T) {
	defer goleak.VerifyNone(t)

	fast := newFakeTier("memory")
	slow := newFakeTier("durable")
	// The fast tier's window is far longer than the entry has left to live.
	h, err := NewHybrid([]TierTTL{{fast, 10 * time.Minute}, {slow, time.Hour}}, log.NewNop())
	if err != nil {
		t.Fatalf("NewHybrid: %v", err)
	}

	expiry := time.Now().Add(50 * time.Millisecond)
	slow.entries["k"] = Entry{
		Key:            "k",
		Value:          []byte("v"),
		TTLExpiry:      expiry,
		WriteTimestamp: time.Now(),
	}

	if _, err := h.Get(context.Background(), "k"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	waitFor(t, func() bool { return fast.has("k") })

	fast.mu.Lock()
	promoted := fast.entries["k"]
	fast.mu.Unlock()
	if promoted.TTLExpiry.After(expiry) {
		t.Errorf("promoted expiry = %v, want at most %v", promoted.TTLExpiry, expiry)
	}

	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestHybrid_PromotedValueExpiresWithCallerTTL(t *testing.T) {
	defer goleak.VerifyNone(t)

	fast := NewMemory(time.Minute)
	slow := NewMemory(time.Minute)
	h, err := NewHybrid([]TierTTL{{fast, 10 * time.Minute}, {slow, time.Hour}}, log.NewNop())
	if err != nil {
		t.Fatalf("NewHybrid: %v", err)
	}
	defer h.Close()

	ctx := context.Background()
	expiry := time.Now().Add(40 * time.Millisecond)
	if err := slow.Set(ctx, Entry{
		Key:            "k",
		Value:          []byte("v"),
		TTLExpiry:      expiry,
		WriteTimestamp: time.Now(),
	}); err != nil {
		t.Fatalf("Set: %v", err)
	}

	// First read promotes the entry into the faster tier.
	if got, err := h.Get(ctx, "k"); err != nil || string(got) != "v" {
		t.Fatalf("Get = %q, %v, want v, nil", got, err)
	}
	waitFor(t, func() bool {
		_, err := fast.Get(ctx, "k")
		return err == nil
	})

	time.Sleep(time.Until(expiry) + 20*time.Millisecond)

	// The promoted copy must not outlive the original TTL.
	if _, err := h.Get(ctx, "k"); !errors.Is(err, ErrMiss) {
		t.Errorf("Get after expiry = %v, want ErrMiss", err)
	}
}

func TestHybrid_MissWhenAllTiersEmpty(t *testing.T) {
	defer goleak.VerifyNone(t)

	h, err := NewHybrid([]TierTTL{{newFakeTier("memory"), time.Minute}}, log.NewNop())
	if err != nil {
		t.Fatalf("NewHybrid: %v", err)
	}
	defer h.Close()

	if _, err := h.Get(context.Background(), "nope"); !errors.Is(err, ErrMiss) {
		t.Errorf("Get = %v, want ErrMiss", err)
	}
}

func TestHybrid_TierReadFailureFallsThrough(t *testing.T) {
	defer goleak.VerifyNone(t)

	broken := newFakeTier("memory")
	broken.getErr = errors.New("disk on fire")
	slow := newFakeTier("durable")
	slow.entries["k"] = Entry{
		Key:            "k",
		Value:          []byte("v"),
		TTLExpiry:      time.Now().Add(time.Hour),
		WriteTimestamp: time.Now(),
	}

	h, err := NewHybrid([]TierTTL{{broken, time.Minute}, {slow, time.Hour}}, log.NewNop())
	if err != nil {
		t.Fatalf("NewHybrid: %v", err)
	}
	defer h.Close()

	got, err := h.Get(context.Background(), "k")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "v" {
		t.Errorf("Get = %q, want v", got)
	}
}

func TestHybrid_InvalidateAllTiers(t *testing.T) {
	defer goleak.VerifyNone(t)

	fast := newFakeTier("memory")
	slow := newFakeTier("durable")
	h, err := NewHybrid([]TierTTL{{fast, time.Minute}, {slow, time.Hour}}, log.NewNop())
	if err != nil {
		t.Fatalf("NewHybrid: %v", err)
	}
	defer h.Close()

	ctx := context.Background()
	if err := h.Set(ctx, "k", []byte("v"), 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	waitFor(t, func() bool { return slow.has("k") })

	if err := h.Invalidate(ctx, "k"); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if fast.has("k") || slow.has("k") {
		t.Error("entry survived Invalidate in some tier")
	}
}

func TestHybrid_CloseDrainsQueueAndRejectsFurtherUse(t *testing.T) {
	defer goleak.VerifyNone(t)

	fast := newFakeTier("memory")
	slow := newFakeTier("durable")
	h, err := NewHybrid([]TierTTL{{fast, time.Minute}, {slow, time.Hour}}, log.NewNop())
	if err != nil {
		t.Fatalf("NewHybrid: %v", err)
	}

	ctx := context.Background()
	for i := 0; i < 20; i++ {
		key := "k" + string(rune('a'+i))
		if err := h.Set(ctx, key, []byte("v"), 0); err != nil {
			t.Fatalf("Set: %v", err)
		}
	}
	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Close drains pending write-behind ops before returning.
	if slow.setCount() != 20 {
		t.Errorf("durable sets = %d after Close, want 20", slow.setCount())
	}

	if _, err := h.Get(ctx, "ka"); !errors.Is(err, ErrClosed) {
		t.Errorf("Get after Close = %v, want ErrClosed", err)
	}
	if err := h.Set(ctx, "x", nil, 0); !errors.Is(err, ErrClosed) {
		t.Errorf("Set after Close = %v, want ErrClosed", err)
	}
}

func TestHybrid_MemoryAndSQLiteEndToEnd(t *testing.T) {
	defer goleak.VerifyNone(t)

	mem := NewMemory(time.Hour)
	sq := newTestSQLite(t)
	h, err := NewHybrid([]TierTTL{{mem, time.Minute}, {sq, time.Hour}}, log.NewNop())
	if err != nil {
		t.Fatalf("NewHybrid: %v", err)
	}

	ctx := context.Background()
	key := EmbeddingKey("local-hash-v1", "dosage text")
	if err := h.Set(ctx, key, []byte("vector bytes"), 0); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, err := h.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "vector bytes" {
		t.Errorf("Get = %q", got)
	}

	waitFor(t, func() bool {
		_, err := sq.Get(ctx, key)
		return err == nil
	})

	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
