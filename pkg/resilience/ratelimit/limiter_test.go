package ratelimit

import (
	"errors"
	"testing"
	"time"
)

func TestBurstBoundary(t *testing.T) {
	l := NewLimiter(Config{MaxRequests: 60, Window: time.Minute, BurstSize: 10})

	for i := 1; i <= 70; i++ {
		result := l.Check("agent-1")
		if !result.Allowed {
			t.Fatalf("request %d denied, want allowed through burst", i)
		}
	}

	result := l.Check("agent-1")
	if result.Allowed {
		t.Error("request 71 allowed, want denied past burst")
	}
	if result.RetryAfter <= 0 {
		t.Errorf("RetryAfter = %d, want positive seconds", result.RetryAfter)
	}
}

func TestRemainingCountsDownToZero(t *testing.T) {
	l := NewLimiter(Config{MaxRequests: 3, Window: time.Minute, BurstSize: 2})

	want := []int{2, 1, 0, 0, 0}
	for i, expected := range want {
		result := l.Check("agent-1")
		if !result.Allowed {
			t.Fatalf("request %d denied within burst", i+1)
		}
		if result.Remaining != expected {
			t.Errorf("request %d: Remaining = %d, want %d", i+1, result.Remaining, expected)
		}
	}
}

func TestWindowResets(t *testing.T) {
	now := time.Now()
	l := NewLimiter(Config{MaxRequests: 2, Window: time.Minute, BurstSize: 0})
	l.now = func() time.Time { return now }

	l.Check("agent-1")
	l.Check("agent-1")
	if l.Check("agent-1").Allowed {
		t.Fatal("third request allowed, want denied")
	}

	now = now.Add(time.Minute)
	result := l.Check("agent-1")
	if !result.Allowed {
		t.Error("request after window reset denied, want allowed")
	}
	if result.Remaining != 1 {
		t.Errorf("Remaining = %d, want 1 in fresh window", result.Remaining)
	}
}

func TestKeysAreIndependent(t *testing.T) {
	l := NewLimiter(Config{MaxRequests: 1, Window: time.Minute, BurstSize: 0})

	l.Check("agent-1")
	if l.Check("agent-1").Allowed {
		t.Fatal("agent-1 second request allowed, want denied")
	}
	if !l.Check("agent-2").Allowed {
		t.Error("agent-2 first request denied, want allowed")
	}
}

func TestAllowReturnsTypedError(t *testing.T) {
	l := NewLimiter(Config{MaxRequests: 1, Window: time.Minute, BurstSize: 0})

	if err := l.Allow("agent-1"); err != nil {
		t.Fatalf("first Allow() = %v, want nil", err)
	}

	err := l.Allow("agent-1")
	var rateErr *Error
	if !errors.As(err, &rateErr) {
		t.Fatalf("Allow() = %v, want *Error", err)
	}
	if rateErr.Key != "agent-1" {
		t.Errorf("Key = %s, want agent-1", rateErr.Key)
	}
}

func TestDeniedRequestsStillCount(t *testing.T) {
	now := time.Now()
	l := NewLimiter(Config{MaxRequests: 1, Window: time.Minute, BurstSize: 0})
	l.now = func() time.Time { return now }

	l.Check("agent-1")
	denied := l.Check("agent-1")
	if denied.Allowed {
		t.Fatal("second request allowed, want denied")
	}

	// The denied call consumed a slot too, so the next one is still denied.
	if l.Check("agent-1").Allowed {
		t.Error("third request allowed, want denied (denied calls count)")
	}
}

func TestPruneDropsExpiredWindows(t *testing.T) {
	now := time.Now()
	l := NewLimiter(Config{MaxRequests: 1, Window: time.Minute, BurstSize: 0})
	l.now = func() time.Time { return now }

	l.Check("agent-1")
	l.Check("agent-2")

	now = now.Add(2 * time.Minute)
	l.Prune()

	l.mu.Lock()
	remaining := len(l.windows)
	l.mu.Unlock()
	if remaining != 0 {
		t.Errorf("windows after prune = %d, want 0", remaining)
	}
}
