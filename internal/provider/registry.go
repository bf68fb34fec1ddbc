package provider

import (
	"sort"
	"sync"
	"time"
)

// Registry holds one circuit breaker per provider. It is the only shared
// mutable state between concurrent requests; tests inject their own
// instance (and clock) for isolation.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker

	cfg   BreakerConfig
	clock Clock
}

// NewRegistry creates an empty registry. A nil clock uses time.Now.
func NewRegistry(cfg BreakerConfig, clock Clock) *Registry {
	if clock == nil {
		clock = time.Now
	}
	return &Registry{
		breakers: make(map[string]*Breaker),
		cfg:      cfg,
		clock:    clock,
	}
}

func (r *Registry) breaker(name string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b = NewBreaker(r.cfg, r.clock)
	r.breakers[name] = b
	return b
}

// Allow reports whether the named provider may be called.
func (r *Registry) Allow(name string) bool { return r.breaker(name).Allow() }

// Success records a successful call for the named provider.
func (r *Registry) Success(name string) { r.breaker(name).Success() }

// Failure records a failed call for the named provider.
func (r *Registry) Failure(name string, rateLimited bool) {
	r.breaker(name).Failure(rateLimited)
}

// State returns the named provider's breaker state.
func (r *Registry) State(name string) State { return r.breaker(name).State() }

// Snapshot returns the health of every tracked provider, ordered by name.
func (r *Registry) Snapshot() []Health {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Health, 0, len(r.breakers))
	for name, b := range r.breakers {
		out = append(out, b.Snapshot(name))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out
}
