// Package comms implements the priority-ordered message pipeline between
// agents.
//
// Messages are validated, appended to their conversation thread, scored
// into a priority queue and drained sequentially through the router. A
// request that requires a response parks a pending entry keyed by the
// message ID; the entry resolves when a response with a matching
// correlation ID arrives, or rejects on timeout. Observability is the
// event stream only.
package comms

import (
	"context"
	"sync"
	"time"

	"switchboard/pkg/agenterr"
	"switchboard/pkg/logx"
	"switchboard/pkg/proto"
	"switchboard/pkg/router"
)

// Config tunes manager behavior.
type Config struct {
	// DefaultTimeout bounds SendAndWait when the caller gives no timeout.
	DefaultTimeout time.Duration `json:"default_timeout"`
	// RetryEnabled re-enqueues failed messages until MaxRetries.
	RetryEnabled bool `json:"retry_enabled"`
	MaxRetries   int  `json:"max_retries"`
}

// DefaultConfig waits 30s for responses and retries failures three times.
//
//nolint:gochecknoglobals // Sensible default config pattern
var DefaultConfig = Config{
	DefaultTimeout: 30 * time.Second,
	RetryEnabled:   true,
	MaxRetries:     3,
}

// ThreadStatus is the lifecycle state of a conversation thread.
type ThreadStatus string

const (
	ThreadActive ThreadStatus = "active"
	ThreadClosed ThreadStatus = "closed"
)

// Thread is an append-only conversation history. The manager owns it;
// agents never mutate it directly.
type Thread struct {
	ID           string            `json:"id"`
	Participants []string          `json:"participants"`
	Messages     []*proto.AgentMsg `json:"messages"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
	Status       ThreadStatus      `json:"status"`
}

func (t *Thread) hasParticipant(agentID string) bool {
	for _, p := range t.Participants {
		if p == agentID {
			return true
		}
	}
	return false
}

type pendingOutcome struct {
	response *proto.AgentMsg
	err      error
}

// pendingRequest exists only between send and response-or-timeout.
type pendingRequest struct {
	msg       *proto.AgentMsg
	outcome   chan pendingOutcome
	timer     *time.Timer
	createdAt time.Time
}

// Manager owns the queue, threads and pending requests for one
// conversation scope. All mutation happens under one mutex; route calls
// run outside it on the drain goroutine.
type Manager struct {
	logger *logx.Logger
	config Config
	router *router.Router
	pub    *publisher
	now    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	queue   messageQueue
	seq     uint64
	threads map[string]*Thread
	pending map[string]*pendingRequest

	wake chan struct{}
}

// NewManager creates a manager draining through the given router and
// starts its drain goroutine.
func NewManager(config Config, r *router.Router) *Manager {
	if config.DefaultTimeout <= 0 {
		config.DefaultTimeout = DefaultConfig.DefaultTimeout
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		logger:  logx.NewLogger("comms"),
		config:  config,
		router:  r,
		pub:     newPublisher(),
		now:     time.Now,
		ctx:     ctx,
		cancel:  cancel,
		threads: make(map[string]*Thread),
		pending: make(map[string]*pendingRequest),
		wake:    make(chan struct{}, 1),
	}
	go m.drainLoop()
	return m
}

// OnEvent subscribes to an event type, or every type via the wildcard.
func (m *Manager) OnEvent(eventType string, fn EventFunc) {
	m.pub.subscribe(eventType, fn)
}

// RegisterAgent installs a handler under the agent ID.
func (m *Manager) RegisterAgent(agentID string, handler router.Handler) {
	m.router.Register(agentID, handler)
	m.emit(Event{Type: EventAgentRegistered, AgentID: agentID})
}

// UnregisterAgent removes the agent and fails-fast everything referencing
// it: queued messages are dropped and pending requests addressed to it
// reject with AGENT_UNREGISTERED. Work already inside a handler is
// abandoned, not killed.
func (m *Manager) UnregisterAgent(agentID string) {
	m.router.Unregister(agentID)

	gone := agenterr.Newf(agenterr.CodeAgentUnregistered, "agent %s unregistered", agentID)

	m.mu.Lock()
	removed := m.queue.removeFor(agentID)
	var rejected []*pendingRequest
	for id, p := range m.pending {
		if p.msg.ToAgent == agentID {
			delete(m.pending, id)
			rejected = append(rejected, p)
		}
	}
	m.mu.Unlock()

	for _, item := range removed {
		m.emit(Event{Type: EventMessageFailed, AgentID: agentID, Message: item.msg, Error: gone.Error()})
	}
	for _, p := range rejected {
		p.reject(gone)
	}
	m.emit(Event{Type: EventAgentUnregistered, AgentID: agentID})
}

// SendMessage validates and enqueues a message. Invalid messages are
// rejected synchronously and never enter the queue. A message carrying a
// correlation ID is a response: it resolves the matching pending request
// or, with no match, is silently dropped (an event still fires).
func (m *Manager) SendMessage(msg *proto.AgentMsg) error {
	if v := proto.Validate(msg); !v.Valid {
		return agenterr.Wrap(agenterr.CodeValidation, "message rejected", v.Err)
	}

	if msg.CorrelationID != "" {
		m.resolveResponse(msg)
		return nil
	}

	now := m.now()
	m.mu.Lock()
	m.appendToThread(msg, now)
	m.seq++
	item := &queueItem{
		msg:      msg,
		priority: computePriority(msg, now),
		queuedAt: now,
		seq:      m.seq,
	}
	m.queue.push(item)
	m.mu.Unlock()

	m.emit(Event{Type: EventMessageQueued, AgentID: msg.ToAgent, Message: msg})
	m.kick()
	return nil
}

// SendAndWait sends a message that requires a response and blocks until
// the response arrives, the timeout fires (REQUEST_TIMEOUT) or ctx is
// done. A zero timeout uses the manager default.
func (m *Manager) SendAndWait(ctx context.Context, msg *proto.AgentMsg, timeout time.Duration) (*proto.AgentMsg, error) {
	if !msg.RequiresResponse {
		return nil, agenterr.Newf(agenterr.CodeValidation, "message %s does not require a response", msg.ID)
	}
	if timeout <= 0 {
		timeout = m.config.DefaultTimeout
	}

	p := &pendingRequest{
		msg:       msg,
		outcome:   make(chan pendingOutcome, 1),
		createdAt: m.now(),
	}
	p.timer = time.AfterFunc(timeout, func() {
		m.rejectPending(msg.ID, agenterr.Newf(agenterr.CodeRequestTimeout,
			"no response to message %s within %s", msg.ID, timeout))
	})

	m.mu.Lock()
	m.pending[msg.ID] = p
	m.mu.Unlock()

	if err := m.SendMessage(msg); err != nil {
		m.mu.Lock()
		delete(m.pending, msg.ID)
		m.mu.Unlock()
		p.timer.Stop()
		return nil, err
	}

	select {
	case out := <-p.outcome:
		return out.response, out.err
	case <-ctx.Done():
		m.rejectPending(msg.ID, ctx.Err())
		out := <-p.outcome
		return out.response, out.err
	}
}

// Clear rejects every pending request with MANAGER_CLEARED and empties
// the queue and thread map. Used at conversation teardown.
func (m *Manager) Clear() {
	cleared := agenterr.New(agenterr.CodeManagerCleared, "communication manager cleared")

	m.mu.Lock()
	rejected := make([]*pendingRequest, 0, len(m.pending))
	for _, p := range m.pending {
		rejected = append(rejected, p)
	}
	m.pending = make(map[string]*pendingRequest)
	m.queue = nil
	m.threads = make(map[string]*Thread)
	m.mu.Unlock()

	for _, p := range rejected {
		p.reject(cleared)
	}
	m.emit(Event{Type: EventManagerCleared})
}

// Shutdown clears state and stops the drain and publisher goroutines.
func (m *Manager) Shutdown() {
	m.Clear()
	m.cancel()
	m.pub.close()
}

// GetThread returns a copy of the thread, or nil if it does not exist.
func (m *Manager) GetThread(threadID string) *Thread {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.threads[threadID]
	if !ok {
		return nil
	}
	cp := *t
	cp.Participants = append([]string(nil), t.Participants...)
	cp.Messages = append([]*proto.AgentMsg(nil), t.Messages...)
	return &cp
}

// CloseThread marks a thread closed. Its history stays readable.
func (m *Manager) CloseThread(threadID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.threads[threadID]; ok {
		t.Status = ThreadClosed
		t.UpdatedAt = m.now()
	}
}

// QueueDepth reports how many messages are waiting.
func (m *Manager) QueueDepth() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queue.Len()
}

// PendingCount reports how many requests await responses.
func (m *Manager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// appendToThread grows the thread for the message. Caller holds mu.
func (m *Manager) appendToThread(msg *proto.AgentMsg, now time.Time) {
	t, ok := m.threads[msg.Context.ThreadID]
	if !ok {
		t = &Thread{
			ID:        msg.Context.ThreadID,
			CreatedAt: now,
			Status:    ThreadActive,
		}
		m.threads[msg.Context.ThreadID] = t
	}
	for _, agent := range []string{msg.FromAgent, msg.ToAgent} {
		if !t.hasParticipant(agent) {
			t.Participants = append(t.Participants, agent)
		}
	}
	t.Messages = append(t.Messages, msg)
	t.UpdatedAt = now
}

// resolveResponse matches a response to its pending request by
// correlation ID. An unmatched response is dropped silently, with only an
// event to show for it.
func (m *Manager) resolveResponse(msg *proto.AgentMsg) {
	m.mu.Lock()
	p, ok := m.pending[msg.CorrelationID]
	if ok {
		delete(m.pending, msg.CorrelationID)
		m.appendToThread(msg, m.now())
	}
	m.mu.Unlock()

	if !ok {
		m.emit(Event{Type: EventResponseDropped, AgentID: msg.FromAgent, Message: msg})
		return
	}
	p.resolve(msg)
	m.emit(Event{Type: EventMessageProcessed, AgentID: msg.FromAgent, Message: msg})
}

func (m *Manager) rejectPending(id string, err error) {
	m.mu.Lock()
	p, ok := m.pending[id]
	if ok {
		delete(m.pending, id)
	}
	m.mu.Unlock()
	if ok {
		p.reject(err)
		m.emit(Event{Type: EventMessageFailed, AgentID: p.msg.ToAgent, Message: p.msg, Error: err.Error()})
	}
}

func (p *pendingRequest) resolve(response *proto.AgentMsg) {
	p.timer.Stop()
	select {
	case p.outcome <- pendingOutcome{response: response}:
	default:
	}
}

func (p *pendingRequest) reject(err error) {
	if p.timer != nil {
		p.timer.Stop()
	}
	select {
	case p.outcome <- pendingOutcome{err: err}:
	default:
	}
}

func (m *Manager) emit(event Event) {
	event.Timestamp = m.now()
	m.pub.publish(event)
}

func (m *Manager) kick() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// drainLoop pops the highest-priority message and routes it, repeating
// until the queue is empty, then sleeps until the next kick. Draining is
// strictly sequential so a burst of sends processes to completion in
// priority order.
func (m *Manager) drainLoop() {
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-m.wake:
		}
		for {
			m.mu.Lock()
			item := m.queue.pop()
			m.mu.Unlock()
			if item == nil {
				break
			}
			m.drainOne(item)
		}
	}
}

func (m *Manager) drainOne(item *queueItem) {
	msg := item.msg
	routeResult, err := m.router.Route(m.ctx, msg)
	if err != nil {
		m.handleFailure(item, err)
		return
	}

	if msg.RequiresResponse {
		response := proto.NewResponse(msg, msg.ToAgent, routeResult)
		m.resolveResponse(response)
		return
	}

	// Fire-and-forget: a handler may hand back a follow-up message to
	// send onward; anything else is complete as-is.
	if next, ok := routeResult.(*proto.AgentMsg); ok && next != nil {
		if sendErr := m.SendMessage(next); sendErr != nil {
			m.logger.Warn("follow-up message from %s rejected: %v", msg.ToAgent, sendErr)
		}
	}
	m.emit(Event{Type: EventMessageProcessed, AgentID: msg.ToAgent, Message: msg})
}

// handleFailure re-enqueues at the same priority while retry budget
// remains, otherwise rejects the pending request (if any) and emits a
// failure event.
func (m *Manager) handleFailure(item *queueItem, err error) {
	msg := item.msg
	if m.config.RetryEnabled && msg.RetryCount < m.config.MaxRetries {
		// The thread keeps the message as sent; the retry bumps a clone.
		rm := msg.Clone()
		rm.RetryCount++
		m.mu.Lock()
		m.seq++
		m.queue.push(&queueItem{
			msg:      rm,
			priority: item.priority,
			queuedAt: m.now(),
			seq:      m.seq,
		})
		m.mu.Unlock()
		m.emit(Event{Type: EventMessageRetried, AgentID: rm.ToAgent, Message: rm, Error: err.Error()})
		m.kick()
		return
	}

	m.rejectPendingWith(msg.ID, err)
	m.emit(Event{Type: EventMessageFailed, AgentID: msg.ToAgent, Message: msg, Error: err.Error()})
}

// rejectPendingWith is rejectPending without the duplicate failure event,
// used where the caller emits its own.
func (m *Manager) rejectPendingWith(id string, err error) {
	m.mu.Lock()
	p, ok := m.pending[id]
	if ok {
		delete(m.pending, id)
	}
	m.mu.Unlock()
	if ok {
		p.reject(err)
	}
}
