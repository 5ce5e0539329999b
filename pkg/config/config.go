// Package config loads and validates the process configuration.
//
// The file is YAML; every section has working defaults so a missing file
// or an empty section still yields a runnable config. Validation runs
// before anything is handed out.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"switchboard/pkg/comms"
	"switchboard/pkg/degrade"
	"switchboard/pkg/delegate"
	"switchboard/pkg/resilience/circuit"
	"switchboard/pkg/resilience/ratelimit"
	"switchboard/pkg/resilience/retry"
	"switchboard/pkg/routing"
)

// Duration parses YAML duration strings like "10s" or "2m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the standard library form.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// TimeoutConfig holds the per-path execution budgets.
type TimeoutConfig struct {
	SubAgentLoop  Duration `yaml:"sub_agent_loop"`
	ToolExecution Duration `yaml:"tool_execution"`
}

// RetryConfig mirrors the retry policy surface.
type RetryConfig struct {
	Enabled       bool     `yaml:"enabled"`
	MaxRetries    int      `yaml:"max_retries"`
	InitialDelay  Duration `yaml:"initial_delay"`
	MaxDelay      Duration `yaml:"max_delay"`
	BackoffFactor float64  `yaml:"backoff_factor"`
}

// RateLimitConfig mirrors the limiter surface.
type RateLimitConfig struct {
	MaxRequests int      `yaml:"max_requests"`
	Window      Duration `yaml:"window"`
	BurstSize   int      `yaml:"burst_size"`
}

// CircuitBreakerConfig mirrors the breaker surface.
type CircuitBreakerConfig struct {
	FailureThreshold int      `yaml:"failure_threshold"`
	ResetTimeout     Duration `yaml:"reset_timeout"`
}

// DegradationConfig mirrors the degradation manager surface.
type DegradationConfig struct {
	RecoveryCheckInterval Duration `yaml:"recovery_check_interval"`
	FailureThreshold      int      `yaml:"failure_threshold"`
}

// CommsConfig mirrors the communication manager surface.
type CommsConfig struct {
	DefaultTimeout Duration `yaml:"default_timeout"`
	RetryEnabled   bool     `yaml:"retry_enabled"`
	MaxRetries     int      `yaml:"max_retries"`
}

// RoutingConfig mirrors the decision engine surface.
type RoutingConfig struct {
	ScoreThreshold         float64 `yaml:"score_threshold"`
	ClarificationThreshold float64 `yaml:"clarification_threshold"`
	MaxClarifications      int     `yaml:"max_clarifications"`
	ClarifyConnectionID    string  `yaml:"clarify_connection_id"`
	DefaultConnectionID    string  `yaml:"default_connection_id"`
}

// LLMConfig selects the model provider used for scoring and exchanges.
type LLMConfig struct {
	Provider string `yaml:"provider"` // anthropic, openai, ollama, gemini
	Model    string `yaml:"model"`
	// APIKeyEnv names the environment variable holding the key. The key
	// itself never lives in the config file.
	APIKeyEnv string `yaml:"api_key_env"`
	// Host is used by the ollama provider.
	Host string `yaml:"host"`
}

// PersistenceConfig locates the state database.
type PersistenceConfig struct {
	// Path to the sqlite database file; empty disables persistence.
	Path string `yaml:"path"`
}

// MetricsConfig controls the Prometheus recorder.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// Config is the whole process configuration.
type Config struct {
	Timeout        TimeoutConfig        `yaml:"timeout"`
	Retry          RetryConfig          `yaml:"retry"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Degradation    DegradationConfig    `yaml:"degradation"`
	Comms          CommsConfig          `yaml:"comms"`
	Routing        RoutingConfig        `yaml:"routing"`
	LLM            LLMConfig            `yaml:"llm"`
	Persistence    PersistenceConfig    `yaml:"persistence"`
	Metrics        MetricsConfig        `yaml:"metrics"`
	MaxTurns       int                  `yaml:"max_turns"`
}

// Default returns a config with every section at its working default.
func Default() Config {
	return Config{
		Timeout: TimeoutConfig{
			SubAgentLoop:  Duration(delegate.DefaultConfig.ExchangeTimeout),
			ToolExecution: Duration(delegate.DefaultConfig.ToolTimeout),
		},
		Retry: RetryConfig{
			Enabled:       true,
			MaxRetries:    retry.DefaultConfig.MaxRetries,
			InitialDelay:  Duration(retry.DefaultConfig.InitialDelay),
			MaxDelay:      Duration(retry.DefaultConfig.MaxDelay),
			BackoffFactor: retry.DefaultConfig.BackoffFactor,
		},
		RateLimit: RateLimitConfig{
			MaxRequests: ratelimit.DefaultConfig.MaxRequests,
			Window:      Duration(ratelimit.DefaultConfig.Window),
			BurstSize:   ratelimit.DefaultConfig.BurstSize,
		},
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: circuit.DefaultConfig.FailureThreshold,
			ResetTimeout:     Duration(circuit.DefaultConfig.ResetTimeout),
		},
		Degradation: DegradationConfig{
			RecoveryCheckInterval: Duration(degrade.DefaultConfig.RecoveryCheckInterval),
			FailureThreshold:      degrade.DefaultConfig.FailureThreshold,
		},
		Comms: CommsConfig{
			DefaultTimeout: Duration(comms.DefaultConfig.DefaultTimeout),
			RetryEnabled:   comms.DefaultConfig.RetryEnabled,
			MaxRetries:     comms.DefaultConfig.MaxRetries,
		},
		Routing: RoutingConfig{
			ScoreThreshold:         routing.DefaultConfig.ScoreThreshold,
			ClarificationThreshold: routing.DefaultConfig.ClarificationThreshold,
			MaxClarifications:      routing.DefaultConfig.MaxClarifications,
			ClarifyConnectionID:    routing.DefaultConfig.ClarifyConnectionID,
			DefaultConnectionID:    routing.DefaultConfig.DefaultConnectionID,
		},
		LLM: LLMConfig{
			Provider:  "anthropic",
			Model:     "claude-sonnet-4-20250514",
			APIKeyEnv: "ANTHROPIC_API_KEY",
		},
		Metrics:  MetricsConfig{Listen: ":9090"},
		MaxTurns: delegate.DefaultConfig.MaxTurns,
	}
}

// Load reads the YAML file at path over the defaults and validates the
// result. A missing file returns the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations that cannot work.
func (c *Config) Validate() error {
	if c.Timeout.ToolExecution.Std() <= 0 {
		return fmt.Errorf("timeout.tool_execution must be positive")
	}
	if c.Timeout.SubAgentLoop.Std() <= c.Timeout.ToolExecution.Std() {
		return fmt.Errorf("timeout.sub_agent_loop must exceed timeout.tool_execution")
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must not be negative")
	}
	if c.Retry.Enabled && c.Retry.BackoffFactor < 1 {
		return fmt.Errorf("retry.backoff_factor must be at least 1")
	}
	if c.RateLimit.MaxRequests <= 0 || c.RateLimit.Window.Std() <= 0 {
		return fmt.Errorf("rate_limit requires positive max_requests and window")
	}
	if c.CircuitBreaker.FailureThreshold <= 0 {
		return fmt.Errorf("circuit_breaker.failure_threshold must be positive")
	}
	if c.Routing.ClarificationThreshold > c.Routing.ScoreThreshold {
		return fmt.Errorf("routing.clarification_threshold must not exceed routing.score_threshold")
	}
	switch c.LLM.Provider {
	case "anthropic", "openai", "ollama", "gemini":
	default:
		return fmt.Errorf("llm.provider %q not supported", c.LLM.Provider)
	}
	if c.MaxTurns <= 0 {
		return fmt.Errorf("max_turns must be positive")
	}
	return nil
}

// RetryPolicy renders the retry section for the resilience stack. A
// disabled section means zero retries.
func (c *Config) RetryPolicy() retry.Config {
	out := retry.Config{
		MaxRetries:    c.Retry.MaxRetries,
		InitialDelay:  c.Retry.InitialDelay.Std(),
		MaxDelay:      c.Retry.MaxDelay.Std(),
		BackoffFactor: c.Retry.BackoffFactor,
		Jitter:        true,
	}
	if !c.Retry.Enabled {
		out.MaxRetries = 0
	}
	return out
}

// RateLimiter renders the rate limit section.
func (c *Config) RateLimiter() ratelimit.Config {
	return ratelimit.Config{
		MaxRequests: c.RateLimit.MaxRequests,
		Window:      c.RateLimit.Window.Std(),
		BurstSize:   c.RateLimit.BurstSize,
	}
}

// Breakers renders the circuit breaker section.
func (c *Config) Breakers() circuit.Config {
	return circuit.Config{
		FailureThreshold: c.CircuitBreaker.FailureThreshold,
		ResetTimeout:     c.CircuitBreaker.ResetTimeout.Std(),
	}
}

// Degrade renders the degradation section.
func (c *Config) Degrade() degrade.Config {
	return degrade.Config{
		RecoveryCheckInterval: c.Degradation.RecoveryCheckInterval.Std(),
		FailureThreshold:      c.Degradation.FailureThreshold,
	}
}

// Manager renders the communication manager section.
func (c *Config) Manager() comms.Config {
	return comms.Config{
		DefaultTimeout: c.Comms.DefaultTimeout.Std(),
		RetryEnabled:   c.Comms.RetryEnabled,
		MaxRetries:     c.Comms.MaxRetries,
	}
}

// Coordinator renders the delegation section.
func (c *Config) Coordinator() delegate.Config {
	return delegate.Config{
		ToolTimeout:     c.Timeout.ToolExecution.Std(),
		ExchangeTimeout: c.Timeout.SubAgentLoop.Std(),
		MaxTurns:        c.MaxTurns,
		Retry:           c.RetryPolicy(),
	}
}

// Router renders the routing section.
func (c *Config) Router() routing.Config {
	return routing.Config{
		ScoreThreshold:         c.Routing.ScoreThreshold,
		ClarificationThreshold: c.Routing.ClarificationThreshold,
		MaxClarifications:      c.Routing.MaxClarifications,
		ClarifyConnectionID:    c.Routing.ClarifyConnectionID,
		DefaultConnectionID:    c.Routing.DefaultConnectionID,
	}
}

// APIKey resolves the configured key from the environment.
func (c *Config) APIKey() string {
	if c.LLM.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(c.LLM.APIKeyEnv)
}
