// Package timeout provides a bounded-wait wrapper for operations that cannot
// be cancelled mid-flight.
package timeout

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Error signals that the wait on an operation was abandoned. The message
// always contains "timeout" so substring-based classifiers map it correctly.
type Error struct {
	Message string
	Elapsed time.Duration
}

func (e *Error) Error() string {
	return fmt.Sprintf("timeout after %v: %s", e.Elapsed.Round(time.Millisecond), e.Message)
}

// IsTimeout reports whether a timeout.Error is anywhere in err's chain.
// Retry and classification wrappers add layers above the raced call, so a
// bare type assertion would miss it.
func IsTimeout(err error) bool {
	var te *Error
	return errors.As(err, &te)
}

type outcome[T any] struct {
	value T
	err   error
}

// Do races op against the duration. On expiry the caller gets an *Error and
// the operation keeps running in its goroutine — Do abandons the wait, it
// does not cancel the work. Late completions are discarded, so ops wrapped
// here must be safe to treat as fire-and-forget side effects; handlers that
// need true cancellation must watch ctx themselves.
func Do[T any](ctx context.Context, d time.Duration, message string, op func(context.Context) (T, error)) (T, error) {
	var zero T

	done := make(chan outcome[T], 1)
	start := time.Now()

	go func() {
		value, err := op(ctx)
		done <- outcome[T]{value: value, err: err}
	}()

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case out := <-done:
		return out.value, out.err
	case <-timer.C:
		return zero, &Error{Message: message, Elapsed: time.Since(start)}
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
