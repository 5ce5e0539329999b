// Package delegate executes requests against tool and department targets
// on behalf of the master agent.
//
// A tool target wraps one integration call. A department target is a
// multi-turn LLM exchange which may itself call tools before answering.
// Both paths run behind timeout, retry, rate limiting and a per-dependency
// circuit breaker, and both always produce something the master can say.
package delegate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"switchboard/pkg/llm"
)

// ToolHandler performs the actual integration call for a tool target.
// Handlers must be idempotent: an abandoned call may still complete after
// its timeout fires.
type ToolHandler func(ctx context.Context, args map[string]any) (any, error)

// ToolSpec declares a stateless single-call delegate.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  llm.InputSchema
	Handler     ToolHandler
	// Dependency names the protected upstream (breaker and degradation
	// key). Empty means the tool has no external dependency to protect.
	Dependency string
	// Timeout overrides the coordinator's tool timeout when positive.
	Timeout time.Duration
}

// DepartmentSpec declares a stateful multi-turn delegate.
type DepartmentSpec struct {
	Name         string
	Description  string
	SystemPrompt string
	Client       llm.Client
	// Tools the department may call during its exchange. Each call runs
	// through the same direct path as a standalone tool.
	Tools []*ToolSpec
	// MaxTurns bounds the exchange; zero uses the coordinator default.
	MaxTurns int
	// Timeout overrides the coordinator's exchange timeout when positive.
	Timeout time.Duration
}

// Target is the tagged tool-or-department variant, resolved once at
// registration time. Exactly one field is set.
type Target struct {
	Tool       *ToolSpec
	Department *DepartmentSpec
}

// Name returns the target's registered name.
func (t Target) Name() string {
	if t.Tool != nil {
		return t.Tool.Name
	}
	if t.Department != nil {
		return t.Department.Name
	}
	return ""
}

// Registry holds the delegation targets known to a master agent.
type Registry struct {
	mu      sync.RWMutex
	targets map[string]Target
}

// NewRegistry creates an empty target registry.
func NewRegistry() *Registry {
	return &Registry{targets: make(map[string]Target)}
}

// RegisterTool adds a tool target.
func (r *Registry) RegisterTool(spec *ToolSpec) error {
	if spec == nil || spec.Name == "" {
		return fmt.Errorf("tool spec must have a name")
	}
	if spec.Handler == nil {
		return fmt.Errorf("tool %s has no handler", spec.Name)
	}
	return r.add(spec.Name, Target{Tool: spec})
}

// RegisterDepartment adds a department target.
func (r *Registry) RegisterDepartment(spec *DepartmentSpec) error {
	if spec == nil || spec.Name == "" {
		return fmt.Errorf("department spec must have a name")
	}
	if spec.Client == nil {
		return fmt.Errorf("department %s has no LLM client", spec.Name)
	}
	return r.add(spec.Name, Target{Department: spec})
}

func (r *Registry) add(name string, target Target) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.targets[name]; exists {
		return fmt.Errorf("target %s already registered", name)
	}
	r.targets[name] = target
	return nil
}

// Resolve looks up a target by name.
func (r *Registry) Resolve(name string) (Target, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	target, ok := r.targets[name]
	return target, ok
}

// Names lists the registered target names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.targets))
	for name := range r.targets {
		names = append(names, name)
	}
	return names
}

// toolDefinitions renders a department's tools for its LLM exchange.
func toolDefinitions(specs []*ToolSpec) []llm.ToolDefinition {
	defs := make([]llm.ToolDefinition, 0, len(specs))
	for _, spec := range specs {
		defs = append(defs, llm.ToolDefinition{
			Name:        spec.Name,
			Description: spec.Description,
			InputSchema: spec.Parameters,
		})
	}
	return defs
}

// findTool resolves a sub-tool call by name within a department.
func findTool(specs []*ToolSpec, name string) *ToolSpec {
	for _, spec := range specs {
		if spec.Name == name {
			return spec
		}
	}
	return nil
}
