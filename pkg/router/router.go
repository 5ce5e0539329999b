// Package router maps agent IDs to message handlers.
//
// Registration is dynamic: agents come and go as conversations start and
// end. Routing a message to an unknown agent fails with NO_HANDLER;
// unregistering an agent fails-fast every call currently inside its
// handler with AGENT_UNREGISTERED. The abandoned handler keeps running —
// there is no way to kill it — so its late result is dropped.
package router

import (
	"context"
	"sync"

	"switchboard/pkg/agenterr"
	"switchboard/pkg/logx"
	"switchboard/pkg/proto"
)

// Handler processes one message addressed to the agent it is registered
// under. The returned value is handler-specific and normalized upstream.
type Handler func(ctx context.Context, msg *proto.AgentMsg) (any, error)

type registration struct {
	handler Handler
	// gone is closed on unregister so in-flight routes can bail out.
	gone chan struct{}
}

// Router dispatches messages to registered agent handlers.
type Router struct {
	logger *logx.Logger

	mu     sync.Mutex
	agents map[string]*registration
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{
		logger: logx.NewLogger("router"),
		agents: make(map[string]*registration),
	}
}

// Register installs the handler for an agent ID, replacing any previous
// registration for the same ID.
func (r *Router) Register(agentID string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.agents[agentID]; ok {
		close(prev.gone)
	}
	r.agents[agentID] = &registration{
		handler: handler,
		gone:    make(chan struct{}),
	}
	r.logger.Debug("registered agent %s", agentID)
}

// Unregister removes an agent. Every route call currently awaiting that
// agent's handler returns AGENT_UNREGISTERED immediately.
func (r *Router) Unregister(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.agents[agentID]
	if !ok {
		return
	}
	close(reg.gone)
	delete(r.agents, agentID)
	r.logger.Debug("unregistered agent %s", agentID)
}

// IsRegistered reports whether an agent currently has a handler.
func (r *Router) IsRegistered(agentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.agents[agentID]
	return ok
}

// Agents returns the currently registered agent IDs.
func (r *Router) Agents() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.agents))
	for id := range r.agents {
		ids = append(ids, id)
	}
	return ids
}

// Route delivers the message to the handler registered for msg.ToAgent
// and returns its result, propagating handler errors to the caller.
func (r *Router) Route(ctx context.Context, msg *proto.AgentMsg) (any, error) {
	r.mu.Lock()
	reg, ok := r.agents[msg.ToAgent]
	r.mu.Unlock()
	if !ok {
		return nil, agenterr.Newf(agenterr.CodeNoHandler, "no handler registered for agent %s", msg.ToAgent)
	}

	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		value, err := reg.handler(ctx, msg)
		done <- outcome{value, err}
	}()

	select {
	case out := <-done:
		return out.value, out.err
	case <-reg.gone:
		return nil, agenterr.Newf(agenterr.CodeAgentUnregistered, "agent %s unregistered while handling message %s", msg.ToAgent, msg.ID)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
