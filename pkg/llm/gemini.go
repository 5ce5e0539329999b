package llm

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

// GeminiClient adapts the Google GenAI SDK to the Client interface.
type GeminiClient struct {
	client *genai.Client
	apiKey string
	model  string
}

// NewGeminiClient creates a Gemini-backed client. The underlying SDK
// client is created lazily because construction needs a context.
func NewGeminiClient(apiKey, model string) Client {
	return &GeminiClient{apiKey: apiKey, model: model}
}

// ModelName returns the configured model.
func (g *GeminiClient) ModelName() string {
	return g.model
}

// Complete implements Client.
//
//nolint:gocritic // CompletionRequest passed by value for interface consistency
func (g *GeminiClient) Complete(ctx context.Context, in CompletionRequest) (CompletionResponse, error) {
	if g.client == nil {
		client, err := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  g.apiKey,
			Backend: genai.BackendGeminiAPI,
		})
		if err != nil {
			return CompletionResponse{}, fmt.Errorf("failed to create gemini client: %w", err)
		}
		g.client = client
	}

	contents, system := convertMessagesToGemini(in.Messages)
	if len(contents) == 0 {
		return CompletionResponse{}, fmt.Errorf("message list cannot be empty")
	}

	//nolint:gosec // MaxTokens validated at a higher layer
	maxTokens := int32(in.MaxTokens)
	config := &genai.GenerateContentConfig{
		Temperature:     &in.Temperature,
		MaxOutputTokens: maxTokens,
	}
	if system != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: system}},
		}
	}
	if len(in.Tools) > 0 {
		config.Tools = []*genai.Tool{
			{FunctionDeclarations: convertToolsToGemini(in.Tools)},
		}
	}

	result, err := g.client.Models.GenerateContent(ctx, g.model, contents, config)
	if err != nil {
		return CompletionResponse{}, fmt.Errorf("gemini API call failed: %w", err)
	}
	if result == nil {
		return CompletionResponse{}, fmt.Errorf("empty response from gemini API")
	}

	response := CompletionResponse{Content: result.Text()}
	for i, call := range result.FunctionCalls() {
		id := call.ID
		if id == "" {
			id = fmt.Sprintf("gemini-call-%d", i)
		}
		response.ToolCalls = append(response.ToolCalls, ToolCall{
			ID:         id,
			Name:       call.Name,
			Parameters: call.Args,
		})
	}
	return response, nil
}

// convertMessagesToGemini folds system turns into one instruction and
// maps assistant turns to Gemini's "model" role.
func convertMessagesToGemini(messages []Message) ([]*genai.Content, string) {
	var system string
	var contents []*genai.Content
	for i := range messages {
		msg := &messages[i]
		if msg.Role == RoleSystem {
			if system != "" {
				system += "\n\n"
			}
			system += msg.Content
			continue
		}
		role := "user"
		if msg.Role == RoleAssistant {
			role = "model"
		}
		contents = append(contents, &genai.Content{
			Role:  role,
			Parts: []*genai.Part{{Text: msg.Content}},
		})
	}
	return contents, system
}

func convertToolsToGemini(defs []ToolDefinition) []*genai.FunctionDeclaration {
	decls := make([]*genai.FunctionDeclaration, 0, len(defs))
	for i := range defs {
		def := &defs[i]
		properties := make(map[string]*genai.Schema, len(def.InputSchema.Properties))
		for name := range def.InputSchema.Properties {
			prop := def.InputSchema.Properties[name]
			properties[name] = convertPropertyToGemini(&prop)
		}
		decls = append(decls, &genai.FunctionDeclaration{
			Name:        def.Name,
			Description: def.Description,
			Parameters: &genai.Schema{
				Type:       genai.TypeObject,
				Properties: properties,
				Required:   def.InputSchema.Required,
			},
		})
	}
	return decls
}

func convertPropertyToGemini(prop *Property) *genai.Schema {
	schema := &genai.Schema{Description: prop.Description}
	switch prop.Type {
	case "string":
		schema.Type = genai.TypeString
	case "integer":
		schema.Type = genai.TypeInteger
	case "number":
		schema.Type = genai.TypeNumber
	case "boolean":
		schema.Type = genai.TypeBoolean
	case "array":
		schema.Type = genai.TypeArray
		if prop.Items != nil {
			schema.Items = convertPropertyToGemini(prop.Items)
		}
	case "object":
		schema.Type = genai.TypeObject
		if len(prop.Properties) > 0 {
			nested := make(map[string]*genai.Schema, len(prop.Properties))
			for name, child := range prop.Properties {
				if child != nil {
					nested[name] = convertPropertyToGemini(child)
				}
			}
			schema.Properties = nested
		}
	default:
		schema.Type = genai.TypeString
	}
	if len(prop.Enum) > 0 {
		schema.Enum = prop.Enum
	}
	return schema
}
