package cache

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"
)

func TestMemory_SetGet(t *testing.T) {
	m := NewMemory(time.Hour)
	defer m.Close()

	ctx := context.Background()
	entry := Entry{
		Key:            "k1",
		Value:          []byte("v1"),
		TTLExpiry:      time.Now().Add(time.Minute),
		WriteTimestamp: time.Now(),
	}
	if err := m.Set(ctx, entry); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, err := m.Get(ctx, "k1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got.Value, []byte("v1")) {
		t.Errorf("Value = %q, want v1", got.Value)
	}

	if _, err := m.Get(ctx, "absent"); err != ErrMiss {
		t.Errorf("Get(absent) = %v, want ErrMiss", err)
	}
}

func TestMemory_LazyExpiry(t *testing.T) {
	m := NewMemory(time.Hour)
	defer m.Close()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	current := base
	var mu sync.Mutex
	m.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return current
	}

	ctx := context.Background()
	entry := Entry{
		Key:            "k",
		Value:          []byte("v"),
		TTLExpiry:      base.Add(10 * time.Second),
		WriteTimestamp: base,
	}
	if err := m.Set(ctx, entry); err != nil {
		t.Fatalf("Set: %v", err)
	}

	if _, err := m.Get(ctx, "k"); err != nil {
		t.Fatalf("Get before expiry: %v", err)
	}

	mu.Lock()
	current = base.Add(10 * time.Second)
	mu.Unlock()

	if _, err := m.Get(ctx, "k"); err != ErrMiss {
		t.Errorf("Get at expiry = %v, want ErrMiss", err)
	}
	if m.Len() != 0 {
		t.Errorf("Len = %d, want 0 after lazy expiry", m.Len())
	}
}

func TestMemory_LastWriteWins(t *testing.T) {
	m := NewMemory(time.Hour)
	defer m.Close()

	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return base }

	newer := Entry{Key: "k", Value: []byte("newer"), TTLExpiry: base.Add(time.Hour), WriteTimestamp: base.Add(time.Second)}
	older := Entry{Key: "k", Value: []byte("older"), TTLExpiry: base.Add(time.Hour), WriteTimestamp: base}

	if err := m.Set(ctx, newer); err != nil {
		t.Fatalf("Set newer: %v", err)
	}
	if err := m.Set(ctx, older); err != nil {
		t.Fatalf("Set older: %v", err)
	}

	got, err := m.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got.Value) != "newer" {
		t.Errorf("Value = %q, want newer (later write_timestamp wins)", got.Value)
	}
}

func TestMemory_SweepRemovesExpired(t *testing.T) {
	m := NewMemory(time.Hour)
	defer m.Close()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return base.Add(time.Minute) }

	ctx := context.Background()
	for _, e := range []Entry{
		{Key: "expired", Value: []byte("x"), TTLExpiry: base.Add(time.Second), WriteTimestamp: base},
		{Key: "live", Value: []byte("y"), TTLExpiry: base.Add(time.Hour), WriteTimestamp: base},
	} {
		if err := m.Set(ctx, e); err != nil {
			t.Fatalf("Set(%s): %v", e.Key, err)
		}
	}

	m.sweepOnce()

	if m.Len() != 1 {
		t.Fatalf("Len = %d after sweep, want 1", m.Len())
	}
	if _, err := m.Get(ctx, "live"); err != nil {
		t.Errorf("live entry removed by sweep: %v", err)
	}
}

func TestMemory_ConcurrentAccess(t *testing.T) {
	m := NewMemory(time.Hour)
	defer m.Close()

	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			key := string(rune('a' + n))
			for j := 0; j < 100; j++ {
				entry := Entry{
					Key:            key,
					Value:          []byte{byte(j)},
					TTLExpiry:      time.Now().Add(time.Minute),
					WriteTimestamp: time.Now(),
				}
				_ = m.Set(ctx, entry)
				_, _ = m.Get(ctx, key)
			}
		}(i)
	}
	wg.Wait()

	if m.Len() != 8 {
		t.Errorf("Len = %d, want 8", m.Len())
	}
}
