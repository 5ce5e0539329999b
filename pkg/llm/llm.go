// Package llm defines the completion interface the routing scorer and
// department exchanges talk to, plus adapters for the supported vendors.
package llm

import "context"

// Role is the speaker of a completion message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// TemperatureScoring keeps connection scoring close to deterministic.
const TemperatureScoring = 0.1

// TemperatureExchange allows some exploration during department exchanges.
const TemperatureExchange = 0.3

// Message is one turn in a completion request.
type Message struct {
	Role    Role
	Content string
	// ToolCalls echoes the assistant's tool calls when replaying history.
	ToolCalls []ToolCall
	// ToolResult carries a tool's output back into the conversation; set
	// only on RoleUser messages that answer a tool call.
	ToolResult *ToolResult
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Parameters map[string]any `json:"parameters"`
}

// ToolResult feeds a tool's output back to the model.
type ToolResult struct {
	CallID  string `json:"call_id"`
	Content string `json:"content"`
}

// Property is one JSON-schema property of a tool parameter.
type Property struct {
	Type        string               `json:"type"`
	Description string               `json:"description,omitempty"`
	Enum        []string             `json:"enum,omitempty"`
	Items       *Property            `json:"items,omitempty"`
	Properties  map[string]*Property `json:"properties,omitempty"`
}

// InputSchema is the JSON-schema object describing a tool's parameters.
type InputSchema struct {
	Type       string              `json:"type"`
	Properties map[string]Property `json:"properties,omitempty"`
	Required   []string            `json:"required,omitempty"`
}

// ToolDefinition describes one callable tool to the model.
type ToolDefinition struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	InputSchema InputSchema `json:"input_schema"`
}

// CompletionRequest is a vendor-neutral completion call.
type CompletionRequest struct {
	Messages    []Message
	Tools       []ToolDefinition
	MaxTokens   int
	Temperature float32
}

// CompletionResponse is the vendor-neutral result.
type CompletionResponse struct {
	Content    string
	ToolCalls  []ToolCall
	StopReason string
}

// Client is implemented by each vendor adapter.
type Client interface {
	Complete(ctx context.Context, in CompletionRequest) (CompletionResponse, error)
	ModelName() string
}

// NewCompletionRequest builds a request with the default budget.
func NewCompletionRequest(messages []Message) CompletionRequest {
	return CompletionRequest{
		Messages:    messages,
		MaxTokens:   4096,
		Temperature: TemperatureExchange,
	}
}

// SystemMessage builds a system turn.
func SystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

// UserMessage builds a user turn.
func UserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// AssistantMessage builds an assistant turn.
func AssistantMessage(content string) Message {
	return Message{Role: RoleAssistant, Content: content}
}
