// Package proto defines the agent message protocol: message shape,
// thread/correlation semantics, and structural validation.
package proto

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MsgType identifies the performative of a message.
type MsgType string

const (
	MsgTypeREQUEST MsgType = "REQUEST" // Ask an agent to do work
	MsgTypeQUERY   MsgType = "QUERY"   // Ask an agent for information
	MsgTypeINFORM  MsgType = "INFORM"  // Deliver a result or a fact
	MsgTypeCONFIRM MsgType = "CONFIRM" // Acknowledge receipt or completion
	MsgTypeCLARIFY MsgType = "CLARIFY" // Request missing information mid-task
	MsgTypeERROR   MsgType = "ERROR"   // Report a failure
)

// TypePolicy is the fixed per-type behavior applied when a message is created.
type TypePolicy struct {
	RequiresResponse bool
	Bidirectional    bool
}

// MessageTypes maps each known performative to its policy.
//
//nolint:gochecknoglobals // Protocol table, immutable after init
var MessageTypes = map[MsgType]TypePolicy{
	MsgTypeREQUEST: {RequiresResponse: true, Bidirectional: true},
	MsgTypeQUERY:   {RequiresResponse: true, Bidirectional: true},
	MsgTypeINFORM:  {RequiresResponse: false, Bidirectional: true},
	MsgTypeCONFIRM: {RequiresResponse: false, Bidirectional: false},
	MsgTypeCLARIFY: {RequiresResponse: true, Bidirectional: true},
	MsgTypeERROR:   {RequiresResponse: false, Bidirectional: false},
}

// Priority is the explicit sender-requested priority of a message.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Context carries the conversational scope a message belongs to.
type Context struct {
	ThreadID  string            `json:"thread_id"`
	SessionID string            `json:"session_id,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// AgentMsg is one message between two agents. Immutable once sent: the
// communication manager appends it to a thread and never rewrites it.
type AgentMsg struct {
	ID               string     `json:"id"`
	FromAgent        string     `json:"from_agent"`
	ToAgent          string     `json:"to_agent"`
	Type             MsgType    `json:"type"`
	Content          any        `json:"content"`
	Timestamp        time.Time  `json:"timestamp"`
	Context          Context    `json:"context"`
	CorrelationID    string     `json:"correlation_id,omitempty"`
	Priority         Priority   `json:"priority,omitempty"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	RequiresResponse bool       `json:"requires_response"`
	RetryCount       int        `json:"retry_count,omitempty"`
}

// Options carries the optional fields of NewMessage.
type Options struct {
	Priority      Priority
	ExpiresAt     *time.Time
	CorrelationID string
}

// NewMessage stamps id/timestamp and applies the type's policy.
func NewMessage(from, to string, msgType MsgType, content any, msgCtx Context, opts *Options) *AgentMsg {
	policy := MessageTypes[msgType]

	msg := &AgentMsg{
		ID:               uuid.NewString(),
		FromAgent:        from,
		ToAgent:          to,
		Type:             msgType,
		Content:          content,
		Timestamp:        time.Now().UTC(),
		Context:          msgCtx,
		Priority:         PriorityNormal,
		RequiresResponse: policy.RequiresResponse,
	}

	if opts != nil {
		if opts.Priority != "" {
			msg.Priority = opts.Priority
		}
		msg.ExpiresAt = opts.ExpiresAt
		msg.CorrelationID = opts.CorrelationID
	}

	return msg
}

// NewResponse builds the INFORM answering original: correlation id is the
// original's id and the recipient is the original's sender.
func NewResponse(original *AgentMsg, from string, content any) *AgentMsg {
	resp := NewMessage(from, original.FromAgent, MsgTypeINFORM, content, original.Context, nil)
	resp.CorrelationID = original.ID
	return resp
}

// ValidationResult reports the outcome of protocol validation.
type ValidationResult struct {
	Valid bool
	Err   error
}

// Validate checks the structural protocol requirements. It must pass before a
// message enters the queue; invalid messages are rejected synchronously.
func Validate(msg *AgentMsg) ValidationResult {
	if msg == nil {
		return invalid(fmt.Errorf("message is nil"))
	}
	if msg.ID == "" {
		return invalid(fmt.Errorf("message ID is required"))
	}
	if msg.FromAgent == "" {
		return invalid(fmt.Errorf("from_agent is required"))
	}
	if msg.ToAgent == "" {
		return invalid(fmt.Errorf("to_agent is required"))
	}
	if msg.Type == "" {
		return invalid(fmt.Errorf("message type is required"))
	}
	if msg.Content == nil {
		return invalid(fmt.Errorf("content is required"))
	}
	if msg.Timestamp.IsZero() {
		return invalid(fmt.Errorf("timestamp is required"))
	}
	if msg.Context.ThreadID == "" {
		return invalid(fmt.Errorf("context.thread_id is required"))
	}
	if _, valid := ValidateMsgType(string(msg.Type)); !valid {
		return invalid(fmt.Errorf("invalid message type: %s", msg.Type))
	}
	return ValidationResult{Valid: true}
}

func invalid(err error) ValidationResult {
	return ValidationResult{Valid: false, Err: err}
}

// Clone returns a deep copy. Retries re-enqueue a clone with the retry count
// bumped so the original stays immutable in its thread.
func (msg *AgentMsg) Clone() *AgentMsg {
	clone := *msg
	if msg.Context.Metadata != nil {
		clone.Context.Metadata = make(map[string]string, len(msg.Context.Metadata))
		for k, v := range msg.Context.Metadata {
			clone.Context.Metadata[k] = v
		}
	}
	if msg.ExpiresAt != nil {
		t := *msg.ExpiresAt
		clone.ExpiresAt = &t
	}
	return &clone
}

func (msg *AgentMsg) ToJSON() ([]byte, error) {
	return json.Marshal(msg)
}

// FromJSON parses a serialized message.
func FromJSON(data []byte) (*AgentMsg, error) {
	var msg AgentMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal AgentMsg: %w", err)
	}
	return &msg, nil
}

// ValidateMsgType validates if a string is a valid message type.
func ValidateMsgType(msgType string) (MsgType, bool) {
	if _, ok := MessageTypes[MsgType(msgType)]; ok {
		return MsgType(msgType), true
	}
	return "", false
}

// ParseMsgType parses a string into a MsgType with validation.
func ParseMsgType(s string) (MsgType, error) {
	if msgType, valid := ValidateMsgType(strings.ToUpper(s)); valid {
		return msgType, nil
	}
	return "", fmt.Errorf("unknown message type: %s", s)
}

// String returns the string representation of MsgType.
func (mt MsgType) String() string {
	return string(mt)
}

// ValidatePriority validates if a string is a known priority.
func ValidatePriority(p string) (Priority, bool) {
	switch Priority(p) {
	case PriorityLow, PriorityNormal, PriorityHigh:
		return Priority(p), true
	default:
		return "", false
	}
}
