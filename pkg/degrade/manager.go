// Package degrade aggregates component failure signals into one
// process-wide service level.
//
// Callers report outcomes per component; the manager derives a global
// level from how many tracked components are currently unhealthy and
// de-escalates automatically once signals come back clean. Consumers
// wanting to shed load read GetLevel and never set the level directly.
package degrade

import (
	"sync"
	"time"

	"switchboard/pkg/logx"
)

// Level is the ordered service level. Full is healthy; Critical means
// only essential work should run.
type Level int

const (
	Full Level = iota
	Reduced
	Minimal
	Critical
)

func (l Level) String() string {
	switch l {
	case Full:
		return "full"
	case Reduced:
		return "reduced"
	case Minimal:
		return "minimal"
	case Critical:
		return "critical"
	default:
		return "unknown"
	}
}

// Config controls escalation and recovery behavior.
type Config struct {
	// RecoveryCheckInterval is how often clean components are re-evaluated
	// for automatic de-escalation.
	RecoveryCheckInterval time.Duration `json:"recovery_check_interval"`
	// FailureThreshold is how many consecutive failures mark one component
	// unhealthy.
	FailureThreshold int `json:"failure_threshold"`
}

// DefaultConfig checks for recovery every 30s and marks a component
// unhealthy after 3 consecutive failures.
//
//nolint:gochecknoglobals // Sensible default config pattern
var DefaultConfig = Config{
	RecoveryCheckInterval: 30 * time.Second,
	FailureThreshold:      3,
}

// LevelChangeFunc observes level transitions with the reason that drove them.
type LevelChangeFunc func(level Level, reason string)

type component struct {
	consecutiveFailures int
	lastFailure         time.Time
	lastReason          string
	unhealthy           bool
}

// Manager tracks component health and owns the global level. Construct one
// per process (or per test) and stop it with Shutdown.
type Manager struct {
	logger        *logx.Logger
	config        Config
	onLevelChange LevelChangeFunc
	now           func() time.Time

	mu         sync.Mutex
	level      Level
	components map[string]*component
	stopCh     chan struct{}
	stopped    bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithLevelChange registers the level transition observer.
func WithLevelChange(fn LevelChangeFunc) Option {
	return func(m *Manager) { m.onLevelChange = fn }
}

// NewManager creates a manager and starts its recovery timer.
func NewManager(config Config, opts ...Option) *Manager {
	if config.RecoveryCheckInterval <= 0 {
		config.RecoveryCheckInterval = DefaultConfig.RecoveryCheckInterval
	}
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultConfig.FailureThreshold
	}
	m := &Manager{
		logger:     logx.NewLogger("degrade"),
		config:     config,
		now:        time.Now,
		level:      Full,
		components: make(map[string]*component),
		stopCh:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	go m.recoveryLoop()
	return m
}

var (
	defaultManager *Manager  //nolint:gochecknoglobals // Process-wide convenience instance
	defaultOnce    sync.Once //nolint:gochecknoglobals
)

// Default returns the shared process-wide manager, creating it on first
// use. Prefer constructing and injecting your own Manager; the default
// exists for callers with no injection seam.
func Default() *Manager {
	defaultOnce.Do(func() {
		defaultManager = NewManager(DefaultConfig)
	})
	return defaultManager
}

// GetLevel returns the current global level.
func (m *Manager) GetLevel() Level {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.level
}

// ReportFailure records one failure for a component. The component turns
// unhealthy once its consecutive failures reach the threshold, which may
// escalate the global level.
func (m *Manager) ReportFailure(name, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.getComponent(name)
	c.consecutiveFailures++
	c.lastFailure = m.now()
	c.lastReason = reason
	if c.consecutiveFailures >= m.config.FailureThreshold {
		c.unhealthy = true
	}
	m.reassess(name + ": " + reason)
}

// ReportSuccess records one success, clearing the component's failure
// streak and possibly de-escalating the global level.
func (m *Manager) ReportSuccess(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.getComponent(name)
	c.consecutiveFailures = 0
	c.unhealthy = false
	m.reassess(name + " recovered")
}

// Shutdown stops the recovery timer. Required for clean process exit and
// to avoid leaking timers in tests.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	m.stopped = true
	close(m.stopCh)
}

func (m *Manager) getComponent(name string) *component {
	c, ok := m.components[name]
	if !ok {
		c = &component{}
		m.components[name] = c
	}
	return c
}

// reassess derives the level from the unhealthy ratio. Caller holds mu.
func (m *Manager) reassess(reason string) {
	unhealthy := 0
	for _, c := range m.components {
		if c.unhealthy {
			unhealthy++
		}
	}

	next := Full
	if total := len(m.components); total > 0 && unhealthy > 0 {
		ratio := float64(unhealthy) / float64(total)
		switch {
		case ratio >= 0.8:
			next = Critical
		case ratio >= 0.5:
			next = Minimal
		default:
			next = Reduced
		}
	}

	if next == m.level {
		return
	}
	prev := m.level
	m.level = next
	m.logger.Info("service level %s -> %s (%s)", prev, next, reason)
	if m.onLevelChange != nil {
		fn := m.onLevelChange
		go fn(next, reason)
	}
}

func (m *Manager) recoveryLoop() {
	ticker := time.NewTicker(m.config.RecoveryCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.recoverClean()
		}
	}
}

// recoverClean clears unhealthy marks for components whose last failure
// predates the recovery interval, then reassesses.
func (m *Manager) recoverClean() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	recovered := false
	for name, c := range m.components {
		if c.unhealthy && now.Sub(c.lastFailure) >= m.config.RecoveryCheckInterval {
			c.unhealthy = false
			c.consecutiveFailures = 0
			recovered = true
			m.logger.Debug("component %s clean for %s, clearing", name, m.config.RecoveryCheckInterval)
		}
	}
	if recovered {
		m.reassess("recovery check")
	}
}
