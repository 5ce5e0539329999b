// Package circuit provides a per-dependency circuit breaker with optionally
// persisted statistics.
package circuit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// State represents the current state of a circuit breaker.
type State string

const (
	Closed   State = "closed"    // Normal operation
	Open     State = "open"      // Failing, reject requests
	HalfOpen State = "half_open" // Testing if the dependency recovered
)

func (s State) String() string {
	return string(s)
}

// Config defines configuration for circuit breaker behavior.
type Config struct {
	FailureThreshold int           `json:"failure_threshold"` // Consecutive failures before opening
	ResetTimeout     time.Duration `json:"reset_timeout"`     // Time to wait before trying half-open
}

// DefaultConfig provides reasonable defaults for circuit breaker behavior.
//
//nolint:gochecknoglobals // Sensible default config pattern
var DefaultConfig = Config{
	FailureThreshold: 5,
	ResetTimeout:     30 * time.Second,
}

// Stats is the observable (and persistable) state of one breaker.
type Stats struct {
	State               State     `json:"state"`
	TotalRequests       int64     `json:"total_requests"`
	TotalSuccesses      int64     `json:"total_successes"`
	TotalFailures       int64     `json:"total_failures"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastFailureTime     time.Time `json:"last_failure_time"`
	LastStateChange     time.Time `json:"last_state_change"`
}

// OpenError is returned when the circuit rejects a call with no fallback.
type OpenError struct {
	Dependency string
	State      State
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker for %s is %s", e.Dependency, e.State)
}

// StatsStore persists breaker stats under a dependency name so state survives
// reconnects. The storage medium is the caller's choice.
type StatsStore interface {
	Save(name string, stats Stats) error
	Load(name string) (Stats, bool, error)
}

// StateChangeFunc observes breaker state transitions.
type StateChangeFunc func(name string, state State)

// Breaker protects one named dependency. Consumers must go through Execute —
// stats are never mutated directly.
type Breaker struct {
	name          string
	config        Config
	store         StatsStore
	onStateChange StateChangeFunc

	mu    sync.Mutex
	stats Stats
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithStore persists stats through the given store; previously saved stats
// are reloaded on construction.
func WithStore(store StatsStore) Option {
	return func(b *Breaker) { b.store = store }
}

// WithStateChange registers the state transition observer.
func WithStateChange(fn StateChangeFunc) Option {
	return func(b *Breaker) { b.onStateChange = fn }
}

// NewBreaker creates a circuit breaker for the named dependency.
func NewBreaker(name string, config Config, opts ...Option) *Breaker {
	b := &Breaker{
		name:   name,
		config: config,
		stats: Stats{
			State:           Closed,
			LastStateChange: time.Now().UTC(),
		},
	}
	for _, opt := range opts {
		opt(b)
	}

	if b.store != nil {
		if saved, ok, err := b.store.Load(name); err == nil && ok {
			b.stats = saved
		}
	}

	return b
}

// Name returns the protected dependency name.
func (b *Breaker) Name() string {
	return b.name
}

// GetState returns the current state.
func (b *Breaker) GetState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats.State
}

// GetStats returns a snapshot of the current statistics.
func (b *Breaker) GetStats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// Reset manually returns the breaker to closed with counters cleared.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transition(Closed)
	b.stats.ConsecutiveFailures = 0
	b.persist()
}

// Execute runs primary under the breaker. While the circuit is open and the
// reset timeout has not elapsed, fallback is called immediately without
// attempting primary and without touching the failure counters. A failure
// with no fallback is returned to the caller.
func (b *Breaker) Execute(ctx context.Context, primary, fallback func(context.Context) (any, error)) (any, error) {
	if !b.allow() {
		if fallback != nil {
			return fallback(ctx)
		}
		return nil, &OpenError{Dependency: b.name, State: Open}
	}

	result, err := primary(ctx)
	b.record(err == nil)

	if err != nil {
		if fallback != nil {
			return fallback(ctx)
		}
		return nil, err
	}
	return result, nil
}

// allow checks whether a call may proceed, moving open -> half-open once the
// reset timeout has elapsed since the last failure.
func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.stats.State {
	case Closed, HalfOpen:
		return true
	case Open:
		if time.Since(b.stats.LastFailureTime) >= b.config.ResetTimeout {
			b.transition(HalfOpen)
			b.persist()
			return true
		}
		return false
	default:
		return false
	}
}

// record updates stats and drives the state machine from a call outcome.
func (b *Breaker) record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.stats.TotalRequests++
	if success {
		b.stats.TotalSuccesses++
		b.stats.ConsecutiveFailures = 0
		if b.stats.State == HalfOpen {
			b.transition(Closed)
		}
	} else {
		b.stats.TotalFailures++
		b.stats.ConsecutiveFailures++
		b.stats.LastFailureTime = time.Now().UTC()

		switch b.stats.State {
		case Closed:
			if b.stats.ConsecutiveFailures >= b.config.FailureThreshold {
				b.transition(Open)
			}
		case HalfOpen:
			// Any failure in half-open immediately reopens the circuit.
			b.transition(Open)
		}
	}

	b.persist()
}

// transition must be called with the lock held.
func (b *Breaker) transition(next State) {
	if b.stats.State == next {
		return
	}
	b.stats.State = next
	b.stats.LastStateChange = time.Now().UTC()

	if b.onStateChange != nil {
		// Fire outside the lock to avoid re-entrancy deadlocks.
		name, fn := b.name, b.onStateChange
		go fn(name, next)
	}
}

// persist must be called with the lock held.
func (b *Breaker) persist() {
	if b.store == nil {
		return
	}
	_ = b.store.Save(b.name, b.stats)
}

// Registry hands out one breaker per dependency name so breaker state is
// shared across all conversations touching that dependency.
type Registry struct {
	config Config
	opts   []Option

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry creates a breaker registry; opts apply to every breaker it
// creates.
func NewRegistry(config Config, opts ...Option) *Registry {
	return &Registry{
		config:   config,
		opts:     opts,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for the dependency, creating it on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[name]; ok {
		return b
	}
	b := NewBreaker(name, r.config, r.opts...)
	r.breakers[name] = b
	return b
}

// Snapshot returns the stats of every known breaker.
func (r *Registry) Snapshot() map[string]Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]Stats, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b.GetStats()
	}
	return out
}
