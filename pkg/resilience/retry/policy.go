// Package retry provides retry logic with exponential backoff for transient
// failures.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"switchboard/pkg/agenterr"
	"switchboard/pkg/resilience/circuit"
	"switchboard/pkg/resilience/ratelimit"
)

// Config defines configuration for retry behavior.
type Config struct {
	MaxRetries    int           `json:"max_retries"`    // Retry attempts after the initial call
	InitialDelay  time.Duration `json:"initial_delay"`  // Delay before the first retry
	MaxDelay      time.Duration `json:"max_delay"`      // Cap on the backoff delay
	BackoffFactor float64       `json:"backoff_factor"` // Multiplier for exponential backoff
	Jitter        bool          `json:"jitter"`         // Add random jitter to prevent thundering herd
}

// DefaultConfig provides reasonable defaults for retry behavior.
//
//nolint:gochecknoglobals // Sensible default config pattern
var DefaultConfig = Config{
	MaxRetries:    3,
	InitialDelay:  100 * time.Millisecond,
	MaxDelay:      10 * time.Second,
	BackoffFactor: 2.0,
	Jitter:        true,
}

// Classifier determines if an error should be retried.
type Classifier func(error) bool

// ShouldRetry is the default classifier. Circuit-open and rate-limit errors
// are never retried inline — the caller falls back instead of busy-waiting.
func ShouldRetry(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var circuitErr *circuit.OpenError
	if errors.As(err, &circuitErr) {
		return false
	}
	var rateErr *ratelimit.Error
	if errors.As(err, &rateErr) {
		return false
	}

	return agenterr.IsRetryable(err)
}

// Policy encapsulates retry configuration and logic.
type Policy struct {
	Config     Config
	Classifier Classifier
}

// NewPolicy creates a retry policy; a nil classifier means ShouldRetry.
func NewPolicy(config Config, classifier Classifier) *Policy {
	if classifier == nil {
		classifier = ShouldRetry
	}
	return &Policy{
		Config:     config,
		Classifier: classifier,
	}
}

// CalculateDelay computes the backoff delay for the given attempt, where
// attempt 0 is the first retry. The result never exceeds MaxDelay, jitter
// included.
func (p *Policy) CalculateDelay(attempt int) time.Duration {
	if attempt < 0 {
		return 0
	}

	delay := time.Duration(float64(p.Config.InitialDelay) * math.Pow(p.Config.BackoffFactor, float64(attempt)))

	if p.Config.Jitter && delay > 0 {
		// Up to ±10% so simultaneous retries spread out.
		jitter := time.Duration(float64(delay) * 0.1 * (2*rand.Float64() - 1))
		delay += jitter
		if delay < p.Config.InitialDelay {
			delay = p.Config.InitialDelay
		}
	}

	if delay > p.Config.MaxDelay {
		delay = p.Config.MaxDelay
	}

	return delay
}

// Do attempts fn, retrying on classified-retryable failures with exponential
// backoff until MaxRetries is exhausted or the context ends.
func Do[T any](ctx context.Context, p *Policy, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 0; attempt <= p.Config.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := p.CalculateDelay(attempt - 1)
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(delay):
			}
		}

		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !p.Classifier(err) {
			return zero, err
		}
	}

	return zero, fmt.Errorf("failed after %d retries: %w", p.Config.MaxRetries, lastErr)
}
