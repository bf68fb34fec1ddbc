package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/koopa0/medrag/internal/log"
)

// writeQueueSize bounds the write-behind backlog. A full queue drops the
// slowest-tier write rather than blocking the request path.
const writeQueueSize = 256

// drainWriteTimeout bounds each background tier write.
const drainWriteTimeout = 5 * time.Second

// TierTTL pairs a tier with the TTL applied to entries written into it.
// Slower tiers normally carry longer TTLs.
type TierTTL struct {
	Tier Tier
	TTL  time.Duration
}

type writeOp struct {
	tier  Tier
	entry Entry
}

// Hybrid composes cache tiers in read order fastest to slowest. Get walks
// the tiers and promotes hits forward; Set writes the first tier
// synchronously and the rest through a single background drain goroutine.
//
// Hybrid owns its tiers and closes them on Close.
type Hybrid struct {
	tiers  []TierTTL
	logger log.Logger
	now    func() time.Time

	mu     sync.RWMutex
	closed bool
	queue  chan writeOp
	done   chan struct{}
}

// NewHybrid builds a hybrid cache over the given tiers. At least one tier
// is required; the first is the synchronous tier.
func NewHybrid(tiers []TierTTL, logger log.Logger) (*Hybrid, error) {
	if len(tiers) == 0 {
		return nil, errors.New("cache: at least one tier required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	h := &Hybrid{
		tiers:  tiers,
		logger: logger.With("component", "cache"),
		now:    time.Now,
		queue:  make(chan writeOp, writeQueueSize),
		done:   make(chan struct{}),
	}
	go h.drain()
	return h, nil
}

// Get returns the freshest live value for key, or ErrMiss. A hit in a
// slower tier is promoted into every faster tier via the write queue so
// the caller never waits on promotion.
func (h *Hybrid) Get(ctx context.Context, key string) ([]byte, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return nil, ErrClosed
	}

	for i, tt := range h.tiers {
		entry, err := tt.Tier.Get(ctx, key)
		if errors.Is(err, ErrMiss) {
			continue
		}
		if err != nil {
			h.logger.Warn("cache tier read failed", "tier", tt.Tier.Name(), "error", err)
			continue
		}

		for j := 0; j < i; j++ {
			promoted := entry
			// The promoted copy must never outlive the source entry, or a
			// value would be served past the TTL its writer asked for.
			expiry := h.now().Add(h.tiers[j].TTL)
			if expiry.After(entry.TTLExpiry) {
				expiry = entry.TTLExpiry
			}
			promoted.TTLExpiry = expiry
			h.enqueue(writeOp{tier: h.tiers[j].Tier, entry: promoted})
		}
		return entry.Value, nil
	}
	return nil, ErrMiss
}

// Set stores value under key. The first tier is written before Set returns;
// remaining tiers are written behind. ttl overrides the per-tier TTLs when
// positive.
func (h *Hybrid) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return ErrClosed
	}

	now := h.now()
	entryAt := func(tierTTL time.Duration) Entry {
		effective := tierTTL
		if ttl > 0 {
			effective = ttl
		}
		return Entry{
			Key:            key,
			Value:          value,
			TTLExpiry:      now.Add(effective),
			WriteTimestamp: now,
		}
	}

	if err := h.tiers[0].Tier.Set(ctx, entryAt(h.tiers[0].TTL)); err != nil {
		return fmt.Errorf("writing %s tier: %w", h.tiers[0].Tier.Name(), err)
	}
	for _, tt := range h.tiers[1:] {
		h.enqueue(writeOp{tier: tt.Tier, entry: entryAt(tt.TTL)})
	}
	return nil
}

// Invalidate removes key from every tier synchronously so a stale durable
// copy cannot be promoted back after invalidation.
func (h *Hybrid) Invalidate(ctx context.Context, key string) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return ErrClosed
	}

	var errs []error
	for _, tt := range h.tiers {
		if err := tt.Tier.Invalidate(ctx, key); err != nil {
			errs = append(errs, fmt.Errorf("%s tier: %w", tt.Tier.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Close drains the write queue, stops the background goroutine, and closes
// every tier. Further calls return ErrClosed.
func (h *Hybrid) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	close(h.queue)
	h.mu.Unlock()

	<-h.done

	var errs []error
	for _, tt := range h.tiers {
		if err := tt.Tier.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing %s tier: %w", tt.Tier.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// enqueue hands a write to the drain goroutine. Callers hold at least a
// read lock, so the queue cannot be closed concurrently.
func (h *Hybrid) enqueue(op writeOp) {
	select {
	case h.queue <- op:
	default:
		h.logger.Warn("write-behind queue full, dropping write",
			"tier", op.tier.Name(), "key", op.entry.Key)
	}
}

func (h *Hybrid) drain() {
	defer close(h.done)

	for op := range h.queue {
		ctx, cancel := context.WithTimeout(context.Background(), drainWriteTimeout)
		if err := op.tier.Set(ctx, op.entry); err != nil {
			h.logger.Warn("write-behind failed",
				"tier", op.tier.Name(), "key", op.entry.Key, "error", err)
		}
		cancel()
	}
}
