package provider

import (
	"sync"
	"time"
)

// State is the circuit breaker state for one provider.
type State int

const (
	// StateClosed is normal operation.
	StateClosed State = iota
	// StateOpen rejects calls until the cooldown elapses.
	StateOpen
	// StateHalfOpen admits a single probe call.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// event is an input to the breaker state machine.
type event int

const (
	// eventTrip fires when a failure threshold is reached, or when a
	// half-open probe fails.
	eventTrip event = iota
	// eventSuccess fires on a successful call.
	eventSuccess
	// eventCooldownElapsed fires when an open breaker's cooldown passes.
	eventCooldownElapsed
)

// nextState is the pure transition function of the breaker. Counters and
// the clock live outside it, so every transition is directly testable.
func nextState(s State, ev event) State {
	switch s {
	case StateClosed:
		if ev == eventTrip {
			return StateOpen
		}
		return StateClosed
	case StateOpen:
		if ev == eventCooldownElapsed {
			return StateHalfOpen
		}
		return StateOpen
	case StateHalfOpen:
		switch ev {
		case eventSuccess:
			return StateClosed
		case eventTrip:
			return StateOpen
		}
		return StateHalfOpen
	default:
		return s
	}
}

// Clock supplies the current time. Injected so breaker tests never sleep.
type Clock func() time.Time

// BreakerConfig configures one provider's circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the consecutive generic failures that open the
	// circuit (default 5).
	FailureThreshold int
	// RateLimitThreshold is the consecutive rate-limit responses that open
	// the circuit (default 2). Must not exceed FailureThreshold.
	RateLimitThreshold int
	// Cooldown is how long an open circuit waits before admitting a probe
	// (default 30s).
	Cooldown time.Duration
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.RateLimitThreshold <= 0 {
		c.RateLimitThreshold = 2
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	return c
}

// Health is a point-in-time snapshot of one provider's breaker.
type Health struct {
	Provider            string
	State               State
	ConsecutiveFailures int
	OpenedAt            time.Time
	NextProbeAt         time.Time
}

// Breaker tracks one provider's health. Concurrent updates may lose a
// count (health is an approximate signal) but the state is always one of
// the three valid values.
type Breaker struct {
	mu sync.Mutex

	cfg   BreakerConfig
	clock Clock

	state         State
	failures      int
	rateLimits    int
	openedAt      time.Time
	probeInFlight bool
}

// NewBreaker creates a closed breaker. A nil clock uses time.Now.
func NewBreaker(cfg BreakerConfig, clock Clock) *Breaker {
	if clock == nil {
		clock = time.Now
	}
	return &Breaker{cfg: cfg.withDefaults(), clock: clock}
}

// Allow reports whether a call may proceed. An open breaker whose cooldown
// has elapsed moves to half-open and admits exactly one probe.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.clock().Sub(b.openedAt) >= b.cfg.Cooldown {
			b.state = nextState(b.state, eventCooldownElapsed)
			b.probeInFlight = true
			return true
		}
		return false
	case StateHalfOpen:
		if b.probeInFlight {
			return false
		}
		b.probeInFlight = true
		return true
	}
	return false
}

// Success records a successful call and closes a half-open breaker.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = nextState(b.state, eventSuccess)
	b.failures = 0
	b.rateLimits = 0
	b.probeInFlight = false
}

// Failure records a failed call. rateLimited failures trip the circuit at
// the lower RateLimitThreshold so a throttled provider is not hammered.
func (b *Breaker) Failure(rateLimited bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	if rateLimited {
		b.rateLimits++
	}

	trip := false
	switch b.state {
	case StateClosed:
		trip = b.failures >= b.cfg.FailureThreshold ||
			b.rateLimits >= b.cfg.RateLimitThreshold
	case StateHalfOpen:
		trip = true
	}
	if trip {
		b.state = nextState(b.state, eventTrip)
		b.openedAt = b.clock()
		b.probeInFlight = false
	}
}

// State returns the current state without side effects.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns the breaker's health for the named provider.
func (b *Breaker) Snapshot(name string) Health {
	b.mu.Lock()
	defer b.mu.Unlock()

	h := Health{
		Provider:            name,
		State:               b.state,
		ConsecutiveFailures: b.failures,
	}
	if b.state == StateOpen {
		h.OpenedAt = b.openedAt
		h.NextProbeAt = b.openedAt.Add(b.cfg.Cooldown)
	}
	return h
}
