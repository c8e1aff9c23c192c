// Package retry implements the bounded retry policy shared by the catalog
// source and the resource providers.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"
)

// Policy defines how to retry failed operations: exponential backoff with
// optional jitter, a fixed attempt budget and a timeout per attempt.
type Policy struct {
	maxAttempts    int
	initialDelay   time.Duration
	maxDelay       time.Duration
	multiplier     float64
	jitter         bool
	attemptTimeout time.Duration
	retryIf        func(error) bool
	logger         *zap.Logger
}

// Option configures retry behavior
type Option func(*Policy)

// WithMaxAttempts sets maximum attempts (including the first one).
func WithMaxAttempts(n int) Option {
	return func(p *Policy) {
		if n > 0 {
			p.maxAttempts = n
		}
	}
}

// WithInitialDelay sets the initial retry delay
func WithInitialDelay(d time.Duration) Option {
	return func(p *Policy) {
		p.initialDelay = d
	}
}

// WithMaxDelay sets the maximum retry delay
func WithMaxDelay(d time.Duration) Option {
	return func(p *Policy) {
		p.maxDelay = d
	}
}

// WithJitter enables jitter to prevent thundering herd
func WithJitter(enabled bool) Option {
	return func(p *Policy) {
		p.jitter = enabled
	}
}

// WithAttemptTimeout bounds every single attempt. Zero disables the bound.
func WithAttemptTimeout(d time.Duration) Option {
	return func(p *Policy) {
		p.attemptTimeout = d
	}
}

// WithRetryIf restricts retries to errors for which fn returns true.
// Other errors are returned immediately.
func WithRetryIf(fn func(error) bool) Option {
	return func(p *Policy) {
		p.retryIf = fn
	}
}

// WithLogger adds logging to retry attempts
func WithLogger(logger *zap.Logger) Option {
	return func(p *Policy) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// New creates a new retry policy
func New(opts ...Option) *Policy {
	p := &Policy{
		maxAttempts:  3,
		initialDelay: 200 * time.Millisecond,
		maxDelay:     10 * time.Second,
		multiplier:   2.0,
		jitter:       true,
		retryIf:      func(error) bool { return true },
		logger:       zap.NewNop(),
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// MaxAttempts returns the attempt budget.
func (p *Policy) MaxAttempts() int {
	return p.maxAttempts
}

// Do runs fn until it succeeds, returns a non-retryable error, the attempt
// budget is spent, or ctx is done. Each attempt receives its own context,
// bounded by the attempt timeout when one is configured.
func (p *Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 0; attempt < p.maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		lastErr = p.attempt(ctx, fn)
		if lastErr == nil {
			if attempt > 0 {
				p.logger.Debug("operation succeeded after retry",
					zap.Int("attempt", attempt+1),
					zap.Int("maxAttempts", p.maxAttempts))
			}
			return nil
		}

		// The caller's own cancellation is not an attempt failure.
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if !p.retryIf(lastErr) {
			return lastErr
		}

		if attempt == p.maxAttempts-1 {
			break
		}

		delay := p.calculateDelay(attempt)

		p.logger.Debug("operation failed, retrying",
			zap.Error(lastErr),
			zap.Int("attempt", attempt+1),
			zap.Int("maxAttempts", p.maxAttempts),
			zap.Duration("delay", delay))

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}

	p.logger.Warn("operation failed after all retries",
		zap.Error(lastErr),
		zap.Int("attempts", p.maxAttempts))

	return lastErr
}

func (p *Policy) attempt(ctx context.Context, fn func(ctx context.Context) error) error {
	if p.attemptTimeout <= 0 {
		return fn(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, p.attemptTimeout)
	defer cancel()
	return fn(attemptCtx)
}

// calculateDelay computes the delay for the given attempt
func (p *Policy) calculateDelay(attempt int) time.Duration {
	delay := float64(p.initialDelay) * math.Pow(p.multiplier, float64(attempt))

	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}

	if p.jitter {
		// Jitter between 0.5x and 1.5x the delay
		delay = delay * (0.5 + rand.Float64())
	}

	return time.Duration(delay)
}
