package aigen

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"github.com/hazyhaar/miniapp/protocol"
)

// BreakerConfig tunes Breaker.
type BreakerConfig struct {
	Name string
	// MaxFailures consecutive failures open the breaker. Default: 5.
	MaxFailures uint32
	// OpenTimeout is how long the breaker stays open. Default: 30s.
	OpenTimeout time.Duration
	// HalfOpenRequests probe calls are let through when half-open. Default: 1.
	HalfOpenRequests uint32
	Logger           *slog.Logger
}

func (c *BreakerConfig) defaults() {
	if c.Name == "" {
		c.Name = "aigen"
	}
	if c.MaxFailures == 0 {
		c.MaxFailures = 5
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = 30 * time.Second
	}
	if c.HalfOpenRequests == 0 {
		c.HalfOpenRequests = 1
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Breaker short-circuits a failing provider. While open, streams yield
// ErrUnavailable before any chunk. A stream counts as a failure when it
// ends in an error that is not the caller's own cancellation.
type Breaker struct {
	next Generator
	cb   *gobreaker.TwoStepCircuitBreaker
}

// NewBreaker wraps next.
func NewBreaker(next Generator, cfg BreakerConfig) *Breaker {
	cfg.defaults()
	trip := cfg.MaxFailures
	log := cfg.Logger
	return &Breaker{
		next: next,
		cb: gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
			Name:        cfg.Name,
			MaxRequests: cfg.HalfOpenRequests,
			Timeout:     cfg.OpenTimeout,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= trip
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn("aigen: breaker state change", "name", name, "from", from.String(), "to", to.String())
			},
		}),
	}
}

// State reports the breaker state ("closed", "open", "half-open").
func (b *Breaker) State() string { return b.cb.State().String() }

// StreamGenerate streams from the wrapped provider unless the breaker is open.
func (b *Breaker) StreamGenerate(ctx context.Context, req protocol.GenerateRequest) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		done, err := b.cb.Allow()
		if err != nil {
			yield("", fmt.Errorf("%w: %v", ErrUnavailable, err))
			return
		}
		success := true
		defer func() { done(success) }()

		for chunk, err := range b.next.StreamGenerate(ctx, req) {
			if err != nil {
				success = ctx.Err() != nil
				yield("", err)
				return
			}
			if !yield(chunk, nil) {
				return
			}
		}
	}
}
