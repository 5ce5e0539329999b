package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"switchboard/pkg/agenterr"
)

func TestCalculateDelayMonotonic(t *testing.T) {
	p := NewPolicy(Config{
		MaxRetries:    5,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      10 * time.Second,
		BackoffFactor: 2.0,
		Jitter:        false,
	}, nil)

	d0 := p.CalculateDelay(0)
	d1 := p.CalculateDelay(1)
	d2 := p.CalculateDelay(2)

	if !(d0 < d1 && d1 < d2) {
		t.Errorf("delays not increasing: %v, %v, %v", d0, d1, d2)
	}
	for i := 0; i < 10; i++ {
		if d := p.CalculateDelay(i); d > p.Config.MaxDelay {
			t.Errorf("CalculateDelay(%d) = %v exceeds max %v", i, d, p.Config.MaxDelay)
		}
	}
}

func TestCalculateDelayCapsWithJitter(t *testing.T) {
	p := NewPolicy(Config{
		MaxRetries:    3,
		InitialDelay:  time.Second,
		MaxDelay:      2 * time.Second,
		BackoffFactor: 2.0,
		Jitter:        true,
	}, nil)

	for i := 0; i < 8; i++ {
		if d := p.CalculateDelay(i); d > p.Config.MaxDelay {
			t.Errorf("jittered CalculateDelay(%d) = %v exceeds max %v", i, d, p.Config.MaxDelay)
		}
	}
}

func TestCalculateDelayJitterSpreads(t *testing.T) {
	p := NewPolicy(Config{
		MaxRetries:    3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      10 * time.Second,
		BackoffFactor: 2.0,
		Jitter:        true,
	}, nil)

	base := 400 * time.Millisecond // attempt 2 before jitter
	lo := time.Duration(float64(base) * 0.9)
	hi := time.Duration(float64(base) * 1.1)

	seen := make(map[time.Duration]bool)
	for i := 0; i < 50; i++ {
		d := p.CalculateDelay(2)
		if d < lo || d > hi {
			t.Fatalf("CalculateDelay(2) = %v, want within [%v, %v]", d, lo, hi)
		}
		seen[d] = true
	}
	if len(seen) < 2 {
		t.Errorf("50 jittered samples produced %d distinct delays, want spread", len(seen))
	}
}

func fastPolicy(maxRetries int) *Policy {
	return NewPolicy(Config{
		MaxRetries:    maxRetries,
		InitialDelay:  time.Millisecond,
		MaxDelay:      5 * time.Millisecond,
		BackoffFactor: 2.0,
	}, nil)
}

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	result, err := Do(context.Background(), fastPolicy(3), func(context.Context) (string, error) {
		attempts++
		if attempts < 3 {
			return "", errors.New("connection reset")
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if result != "ok" {
		t.Errorf("Do() = %q, want ok", result)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	attempts := 0
	_, err := Do(context.Background(), fastPolicy(3), func(context.Context) (string, error) {
		attempts++
		return "", agenterr.New(agenterr.CodeValidation, "bad input")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1 (no retry on validation)", attempts)
	}
}

func TestDoExhaustsRetries(t *testing.T) {
	attempts := 0
	_, err := Do(context.Background(), fastPolicy(2), func(context.Context) (string, error) {
		attempts++
		return "", errors.New("network unreachable")
	})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3 (initial + 2 retries)", attempts)
	}
}

func TestDoRespectsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()

	slow := NewPolicy(Config{
		MaxRetries:    10,
		InitialDelay:  50 * time.Millisecond,
		MaxDelay:      time.Second,
		BackoffFactor: 2.0,
	}, nil)

	_, err := Do(ctx, slow, func(context.Context) (int, error) {
		attempts++
		return 0, errors.New("timeout")
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Do() error = %v, want context.Canceled", err)
	}
}

func TestShouldRetryClassification(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("request timeout"), true},
		{errors.New("connection refused"), true},
		{errors.New("server returned 503"), true},
		{errors.New("401 unauthorized"), false},
		{errors.New("resource not found"), false},
		{context.Canceled, false},
		{agenterr.New(agenterr.CodeRateLimitExceeded, "too many requests"), false},
		{agenterr.New(agenterr.CodeCircuitOpen, "breaker open"), false},
		{agenterr.New(agenterr.CodeToolTimeout, "tool took too long"), true},
	}

	for _, tc := range cases {
		if got := ShouldRetry(tc.err); got != tc.want {
			t.Errorf("ShouldRetry(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}
