package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/koopa0/medrag/internal/log"
)

// defaultCallTimeout bounds a single provider call.
const defaultCallTimeout = 15 * time.Second

// Result is the outcome of Generate. Degraded is true when the text is a
// canned fallback rather than a model response.
type Result struct {
	Text     string
	Provider string
	Degraded bool
}

// Orchestrator iterates providers in priority order, skipping any whose
// circuit is open, and falls back to a canned persona answer when every
// provider is unavailable. It never returns an error for exhaustion; the
// pipeline always gets some answer.
type Orchestrator struct {
	providers []Provider
	registry  *Registry
	timeout   time.Duration
	limiters  map[string]*rate.Limiter
	logger    log.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithTimeout overrides the per-call timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithRateLimiter attaches a proactive limiter to the named provider.
func WithRateLimiter(name string, l *rate.Limiter) Option {
	return func(o *Orchestrator) { o.limiters[name] = l }
}

// NewOrchestrator builds an orchestrator over providers in the given
// priority order. registry must not be nil.
func NewOrchestrator(providers []Provider, registry *Registry, logger log.Logger, opts ...Option) (*Orchestrator, error) {
	if len(providers) == 0 {
		return nil, errors.New("provider: at least one provider required")
	}
	if registry == nil {
		return nil, errors.New("provider: registry required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	o := &Orchestrator{
		providers: providers,
		registry:  registry,
		timeout:   defaultCallTimeout,
		limiters:  make(map[string]*rate.Limiter),
		logger:    logger.With("component", "orchestrator"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Generate tries each provider in order until one answers. On exhaustion it
// returns the persona fallback with Degraded set, not an error. The only
// error returned is the caller's own context cancellation.
func (o *Orchestrator) Generate(ctx context.Context, req Request) (Result, error) {
	for _, p := range o.providers {
		if err := ctx.Err(); err != nil {
			// Caller's deadline elapsed mid-iteration; fall back rather
			// than surface the cancellation.
			break
		}
		name := p.Name()

		if !o.registry.Allow(name) {
			o.logger.Debug("skipping provider, circuit open", "provider", name)
			continue
		}

		if l, ok := o.limiters[name]; ok && l != nil {
			if err := l.Wait(ctx); err != nil {
				o.registry.Failure(name, false)
				continue
			}
		}

		text, err := o.call(ctx, p, req)
		if err == nil && text != "" {
			o.registry.Success(name)
			return Result{Text: text, Provider: name}, nil
		}
		if err == nil {
			err = errors.New("empty response")
		}

		rateLimited := errors.Is(err, ErrRateLimited)
		o.registry.Failure(name, rateLimited)
		o.logger.Warn("provider call failed",
			"provider", name,
			"rate_limited", rateLimited,
			"state", o.registry.State(name).String(),
			"error", err)
	}

	o.logger.Warn("all providers exhausted, returning fallback",
		"persona", string(req.Persona))
	return Result{
		Text:     FallbackAnswer(req.Persona),
		Degraded: true,
	}, nil
}

// Health reports the breaker snapshot for every provider seen so far.
func (o *Orchestrator) Health() []Health { return o.registry.Snapshot() }

func (o *Orchestrator) call(ctx context.Context, p Provider, req Request) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	text, err := p.Generate(callCtx, req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", fmt.Errorf("%w: %w", ErrTimeout, err)
		}
		return "", err
	}
	return text, nil
}
