package comms

import (
	"sync"
	"time"

	"switchboard/pkg/proto"
)

// EventType tags what happened inside the manager.
type EventType string

const (
	EventMessageQueued     EventType = "message_queued"
	EventMessageProcessed  EventType = "message_processed"
	EventMessageFailed     EventType = "message_failed"
	EventMessageRetried    EventType = "message_retried"
	EventResponseDropped   EventType = "response_dropped"
	EventAgentRegistered   EventType = "agent_registered"
	EventAgentUnregistered EventType = "agent_unregistered"
	EventManagerCleared    EventType = "manager_cleared"
)

// Event is the manager's sole observability surface. Logging, metrics and
// audit trails all hang off the event stream; the manager itself never
// logs message traffic directly.
type Event struct {
	Type      EventType       `json:"type"`
	AgentID   string          `json:"agent_id,omitempty"`
	Message   *proto.AgentMsg `json:"message,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// EventFunc receives published events. Callbacks run on the publisher
// goroutine and must not block.
type EventFunc func(Event)

// Wildcard subscribes to every event type.
const Wildcard = "*"

// publisher fans events out to subscribers from a dedicated goroutine so
// slow subscribers never stall queue draining.
type publisher struct {
	mu          sync.Mutex
	subscribers map[string][]EventFunc
	events      chan Event
	done        chan struct{}
	closeOnce   sync.Once
}

func newPublisher() *publisher {
	p := &publisher{
		subscribers: make(map[string][]EventFunc),
		events:      make(chan Event, 256),
		done:        make(chan struct{}),
	}
	go p.loop()
	return p
}

func (p *publisher) subscribe(eventType string, fn EventFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subscribers[eventType] = append(p.subscribers[eventType], fn)
}

func (p *publisher) publish(event Event) {
	select {
	case p.events <- event:
	case <-p.done:
	default:
		// Event buffer full; drop rather than block the manager.
	}
}

func (p *publisher) loop() {
	for {
		select {
		case event := <-p.events:
			p.deliver(event)
		case <-p.done:
			// Flush whatever is already buffered before exiting.
			for {
				select {
				case event := <-p.events:
					p.deliver(event)
				default:
					return
				}
			}
		}
	}
}

func (p *publisher) deliver(event Event) {
	p.mu.Lock()
	fns := make([]EventFunc, 0, len(p.subscribers[string(event.Type)])+len(p.subscribers[Wildcard]))
	fns = append(fns, p.subscribers[string(event.Type)]...)
	fns = append(fns, p.subscribers[Wildcard]...)
	p.mu.Unlock()

	for _, fn := range fns {
		fn(event)
	}
}

func (p *publisher) close() {
	p.closeOnce.Do(func() { close(p.done) })
}
