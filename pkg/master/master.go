// Package master is the boundary object the UI/voice layer talks to. It
// owns the wiring of the communication manager, the delegation
// coordinator and the routing decision engine; callers register targets
// at startup and then only ever call ProcessRequest.
package master

import (
	"context"
	"sync"

	"switchboard/pkg/agenterr"
	"switchboard/pkg/comms"
	"switchboard/pkg/degrade"
	"switchboard/pkg/delegate"
	"switchboard/pkg/logx"
	"switchboard/pkg/resilience/circuit"
	"switchboard/pkg/resilience/ratelimit"
	"switchboard/pkg/result"
	"switchboard/pkg/router"
	"switchboard/pkg/routing"
)

// DecisionRecorder receives routing and delegation outcomes. The metrics
// recorder satisfies it; a nil recorder disables recording.
type DecisionRecorder interface {
	RecordRoutingDecision(action string)
	RecordDelegation(kind string, success bool)
}

// Deps carries everything a Master needs. Breakers, Limiter and Health
// may be shared with other masters; nil fields get working defaults.
type Deps struct {
	Comms      comms.Config
	Delegation delegate.Config
	Routing    routing.Config

	Breakers *circuit.Registry
	Limiter  *ratelimit.Limiter
	Health   *degrade.Manager
	Scorer   routing.Scorer
	Recorder DecisionRecorder
}

// Master dispatches user requests to delegation targets, routing between
// them when the caller has not named one.
type Master struct {
	logger   *logx.Logger
	registry *delegate.Registry
	coord    *delegate.Coordinator
	engine   *routing.Engine
	manager  *comms.Manager
	recorder DecisionRecorder

	mu sync.RWMutex
	// cards describes each registered target to the routing engine.
	cards map[string]routing.ContextCard
	// clarifications counts consecutive clarify decisions; a successful
	// route resets it.
	clarifications int
}

//nolint:gochecknoglobals // Process-wide default, mirrors degrade.Default
var (
	defaultMaster     *Master
	defaultMasterOnce sync.Once
)

// Default returns the process-wide master, built lazily with default
// dependencies. Embedding callers should prefer New with explicit Deps.
func Default() *Master {
	defaultMasterOnce.Do(func() {
		defaultMaster = New(Deps{})
	})
	return defaultMaster
}

// New wires a master from its dependencies.
func New(deps Deps) *Master {
	if deps.Breakers == nil {
		deps.Breakers = circuit.NewRegistry(circuit.DefaultConfig)
	}
	if deps.Limiter == nil {
		deps.Limiter = ratelimit.NewLimiter(ratelimit.DefaultConfig)
	}
	if deps.Health == nil {
		deps.Health = degrade.Default()
	}
	if deps.Scorer == nil {
		deps.Scorer = routing.KeywordScorer{}
	}
	return &Master{
		logger:   logx.NewLogger("master"),
		registry: delegate.NewRegistry(),
		coord:    delegate.NewCoordinator(deps.Delegation, deps.Breakers, deps.Limiter, deps.Health),
		engine:   routing.NewEngine(deps.Routing, deps.Scorer),
		manager:  comms.NewManager(deps.Comms, router.NewRouter()),
		recorder: deps.Recorder,
	}
}

// RegisterTool adds a direct tool target. The card describes it to the
// routing engine; a zero card gets the tool's name and description.
func (m *Master) RegisterTool(spec *delegate.ToolSpec, card routing.ContextCard) error {
	if err := m.registry.RegisterTool(spec); err != nil {
		return err
	}
	m.storeCard(spec.Name, spec.Description, card)
	return nil
}

// RegisterDepartment adds a multi-turn department target.
func (m *Master) RegisterDepartment(spec *delegate.DepartmentSpec, card routing.ContextCard) error {
	if err := m.registry.RegisterDepartment(spec); err != nil {
		return err
	}
	m.storeCard(spec.Name, spec.Description, card)
	return nil
}

func (m *Master) storeCard(name, description string, card routing.ContextCard) {
	if card.Name == "" {
		card.Name = name
	}
	if card.Purpose == "" {
		card.Purpose = description
	}
	m.mu.Lock()
	if m.cards == nil {
		m.cards = make(map[string]routing.ContextCard)
	}
	m.cards[name] = card
	m.mu.Unlock()
}

// RegisterAgent exposes the message transport for stateful agents that
// communicate through the manager rather than the delegation paths.
func (m *Master) RegisterAgent(agentID string, handler router.Handler) {
	m.manager.RegisterAgent(agentID, handler)
}

// UnregisterAgent removes a message-transport agent.
func (m *Master) UnregisterAgent(agentID string) {
	m.manager.UnregisterAgent(agentID)
}

// Comms exposes the underlying manager for direct message traffic.
func (m *Master) Comms() *comms.Manager {
	return m.manager
}

// OnEvent subscribes to the manager's event stream.
func (m *Master) OnEvent(eventType string, fn comms.EventFunc) {
	m.manager.OnEvent(eventType, fn)
}

// ProcessRequest is the single entry point for the UI/voice layer. A
// named target dispatches straight to delegation; an empty target runs
// the routing engine over every registered target first. The result is
// always normalized, never an error.
func (m *Master) ProcessRequest(ctx context.Context, query, targetAgentID string) result.Normalized {
	if targetAgentID != "" {
		return m.Delegate(ctx, targetAgentID, query, nil)
	}
	return m.route(ctx, query)
}

// Speak runs ProcessRequest and renders the outcome as a user-facing
// string.
func (m *Master) Speak(ctx context.Context, query, targetAgentID string) string {
	return result.Speakable(m.ProcessRequest(ctx, query, targetAgentID))
}

// Delegate dispatches to a named target with explicit arguments.
func (m *Master) Delegate(ctx context.Context, targetID, query string, args map[string]any) result.Normalized {
	target, ok := m.registry.Resolve(targetID)
	if !ok {
		m.logger.Warn("delegation target %s not registered", targetID)
		m.recordDelegation("unknown", false)
		return result.FromError(agenterr.Newf(agenterr.CodeToolNotFound, "no target registered as %s", targetID))
	}
	out := m.coord.Delegate(ctx, target, query, args)
	m.recordDelegation(targetKind(target), out.Status != result.StatusError)
	return out
}

func (m *Master) route(ctx context.Context, query string) result.Normalized {
	candidates := m.candidates()
	m.mu.RLock()
	count := m.clarifications
	m.mu.RUnlock()

	decision := m.engine.Decide(ctx, query, candidates, count)

	if decision.Clarification != "" {
		m.mu.Lock()
		m.clarifications++
		m.mu.Unlock()
		m.recordRouting("clarify")
		return result.NeedsInfo(result.RequiredField{
			Field:       "clarification",
			Description: decision.Clarification,
		})
	}

	m.mu.Lock()
	m.clarifications = 0
	m.mu.Unlock()

	switch {
	case decision.UsedFallback:
		m.recordRouting("fallback")
	case decision.LowConfidence:
		m.recordRouting("low_confidence")
	default:
		m.recordRouting("route")
	}

	if decision.RequiresConfirmation {
		return result.NeedsInfo(result.RequiredField{
			Field:       "confirmation",
			Description: "Please confirm you want " + decision.ConnectionID + " to handle this.",
		})
	}

	return m.Delegate(ctx, decision.ConnectionID, query, nil)
}

func (m *Master) candidates() []routing.CandidateConnection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]routing.CandidateConnection, 0, len(m.cards))
	for name, card := range m.cards {
		out = append(out, routing.CandidateConnection{ID: name, Card: card})
	}
	return out
}

func (m *Master) recordRouting(action string) {
	if m.recorder != nil {
		m.recorder.RecordRoutingDecision(action)
	}
}

func (m *Master) recordDelegation(kind string, success bool) {
	if m.recorder != nil {
		m.recorder.RecordDelegation(kind, success)
	}
}

func targetKind(target delegate.Target) string {
	if target.Tool != nil {
		return "tool"
	}
	return "department"
}

// Shutdown stops the communication manager. Shared resilience primitives
// are left to their owners.
func (m *Master) Shutdown() {
	m.manager.Shutdown()
}
