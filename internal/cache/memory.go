package cache

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

const memoryShards = 16

// defaultSweepInterval bounds how long an expired entry can occupy memory
// after its TTL elapses without being read.
const defaultSweepInterval = time.Minute

type memoryShard struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// Memory is the in-process cache tier. Keys are spread across fixed shards
// so concurrent access to different keys never contends on one lock.
// Expiry is lazy on read, with a background sweeper bounding growth.
type Memory struct {
	shards [memoryShards]*memoryShard
	now    func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewMemory creates the memory tier and starts its sweeper goroutine.
// Close must be called to stop the sweeper.
func NewMemory(sweepInterval time.Duration) *Memory {
	if sweepInterval <= 0 {
		sweepInterval = defaultSweepInterval
	}
	m := &Memory{
		now:  time.Now,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	for i := range m.shards {
		m.shards[i] = &memoryShard{entries: make(map[string]Entry)}
	}
	go m.sweep(sweepInterval)
	return m
}

func (m *Memory) Name() string { return "memory" }

func (m *Memory) shard(key string) *memoryShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return m.shards[h.Sum32()%memoryShards]
}

func (m *Memory) Get(_ context.Context, key string) (Entry, error) {
	s := m.shard(key)

	s.mu.RLock()
	entry, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return Entry{}, ErrMiss
	}

	if entry.Expired(m.now()) {
		s.mu.Lock()
		// Recheck under the write lock; a fresher Set may have replaced it.
		if cur, ok := s.entries[key]; ok && cur.Expired(m.now()) {
			delete(s.entries, key)
		}
		s.mu.Unlock()
		return Entry{}, ErrMiss
	}
	return entry, nil
}

func (m *Memory) Set(_ context.Context, entry Entry) error {
	s := m.shard(entry.Key)

	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.entries[entry.Key]; ok && cur.WriteTimestamp.After(entry.WriteTimestamp) {
		return nil
	}
	s.entries[entry.Key] = entry
	return nil
}

func (m *Memory) Invalidate(_ context.Context, key string) error {
	s := m.shard(key)

	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
	return nil
}

// Close stops the sweeper. Entries remain readable until the process exits
// but no further expiry sweeps run.
func (m *Memory) Close() error {
	m.stopOnce.Do(func() { close(m.stop) })
	<-m.done
	return nil
}

// Len reports the number of live entries across all shards.
func (m *Memory) Len() int {
	n := 0
	for _, s := range m.shards {
		s.mu.RLock()
		n += len(s.entries)
		s.mu.RUnlock()
	}
	return n
}

func (m *Memory) sweep(interval time.Duration) {
	defer close(m.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.sweepOnce()
		}
	}
}

func (m *Memory) sweepOnce() {
	now := m.now()
	for _, s := range m.shards {
		s.mu.Lock()
		for key, entry := range s.entries {
			if entry.Expired(now) {
				delete(s.entries, key)
			}
		}
		s.mu.Unlock()
	}
}
