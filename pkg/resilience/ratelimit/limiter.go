// Package ratelimit provides fixed-window rate limiting for agent traffic.
//
// Each key (typically an agent ID) gets its own window. A window admits
// MaxRequests plus a small burst allowance; once the burst is exhausted
// callers are told how long to wait before the window resets.
package ratelimit

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// Config defines the limits applied to each key.
type Config struct {
	MaxRequests int           `json:"max_requests"` // Requests per window before burst kicks in
	Window      time.Duration `json:"window"`       // Fixed window length
	BurstSize   int           `json:"burst_size"`   // Extra requests tolerated above MaxRequests
}

// DefaultConfig allows 60 requests per minute with a burst of 10.
//
//nolint:gochecknoglobals // Sensible default config pattern
var DefaultConfig = Config{
	MaxRequests: 60,
	Window:      time.Minute,
	BurstSize:   10,
}

// Result reports the outcome of a single admission check.
type Result struct {
	Allowed    bool      `json:"allowed"`
	Remaining  int       `json:"remaining"`   // Requests left before burst territory
	ResetTime  time.Time `json:"reset_time"`  // When the current window ends
	RetryAfter int       `json:"retry_after"` // Seconds until admission, 0 when allowed
}

// Error is returned when a key has exhausted its window and burst.
type Error struct {
	Key        string
	RetryAfter int // seconds
}

func (e *Error) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s, retry after %ds", e.Key, e.RetryAfter)
}

type window struct {
	start time.Time
	count int
}

// Limiter tracks a fixed window per key.
type Limiter struct {
	config Config
	now    func() time.Time

	mu      sync.Mutex
	windows map[string]*window
}

// NewLimiter creates a limiter with the given config. Zero or negative
// config fields fall back to the defaults.
func NewLimiter(config Config) *Limiter {
	if config.MaxRequests <= 0 {
		config.MaxRequests = DefaultConfig.MaxRequests
	}
	if config.Window <= 0 {
		config.Window = DefaultConfig.Window
	}
	if config.BurstSize < 0 {
		config.BurstSize = 0
	}
	return &Limiter{
		config:  config,
		now:     time.Now,
		windows: make(map[string]*window),
	}
}

// Check counts one request against the key's window and reports whether it
// is admitted. Every call counts, including denied ones.
func (l *Limiter) Check(key string) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, ok := l.windows[key]
	if !ok || now.Sub(w.start) >= l.config.Window {
		w = &window{start: now}
		l.windows[key] = w
	}
	w.count++

	reset := w.start.Add(l.config.Window)
	result := Result{
		Allowed:   w.count <= l.config.MaxRequests+l.config.BurstSize,
		Remaining: max(0, l.config.MaxRequests-w.count),
		ResetTime: reset,
	}
	if !result.Allowed {
		result.RetryAfter = int(math.Ceil(reset.Sub(now).Seconds()))
	}
	return result
}

// Allow is Check with an error return: nil when admitted, *Error when not.
func (l *Limiter) Allow(key string) error {
	result := l.Check(key)
	if result.Allowed {
		return nil
	}
	return &Error{Key: key, RetryAfter: result.RetryAfter}
}

// Reset clears the window for a key.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.windows, key)
}

// Prune drops windows that ended before now. Callers that limit many
// short-lived keys should run this periodically.
func (l *Limiter) Prune() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	for key, w := range l.windows {
		if now.Sub(w.start) >= l.config.Window {
			delete(l.windows, key)
		}
	}
}
