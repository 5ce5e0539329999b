package llm

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenCounterCountsRealText(t *testing.T) {
	tc, err := NewTokenCounter("gpt-4")
	require.NoError(t, err)

	count := tc.Count("The quick brown fox jumps over the lazy dog.")
	assert.Greater(t, count, 5)
	assert.Less(t, count, 20)
}

func TestTokenCounterNilFallsBackToEstimate(t *testing.T) {
	var tc *TokenCounter

	// 40 characters at 4 chars per token.
	text := "0123456789012345678901234567890123456789"
	assert.Equal(t, 10, tc.Count(text))
}

func TestTokenCounterCountRequest(t *testing.T) {
	tc, err := NewTokenCounter("gpt-4")
	require.NoError(t, err)

	in := NewCompletionRequest([]Message{
		SystemMessage("You are a router."),
		UserMessage("Where should this go?"),
	})
	in.Tools = []ToolDefinition{{
		Name:        "lookup",
		Description: "Looks things up in the directory.",
	}}

	total := tc.CountRequest(in)
	assert.Greater(t, total, tc.Count("You are a router."))
}

func TestTokenCounterWithinLimit(t *testing.T) {
	tc, err := NewTokenCounter("gpt-4")
	require.NoError(t, err)

	assert.True(t, tc.WithinLimit("short", 10))
	assert.False(t, tc.WithinLimit("this sentence is definitely longer than two tokens", 2))
}

func TestNewCompletionRequestDefaults(t *testing.T) {
	in := NewCompletionRequest([]Message{UserMessage("hi")})

	assert.Equal(t, 4096, in.MaxTokens)
	assert.InDelta(t, TemperatureExchange, in.Temperature, 0.001)
	require.Len(t, in.Messages, 1)
	assert.Equal(t, RoleUser, in.Messages[0].Role)
}

func TestInputSchemaSerialization(t *testing.T) {
	schema := InputSchema{
		Type: "object",
		Properties: map[string]Property{
			"city": {Type: "string", Description: "City name"},
			"days": {Type: "integer"},
			"tags": {Type: "array", Items: &Property{Type: "string"}},
		},
		Required: []string{"city"},
	}

	data, err := json.Marshal(schema)
	require.NoError(t, err)

	var decoded InputSchema
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "object", decoded.Type)
	assert.Equal(t, []string{"city"}, decoded.Required)
	require.Contains(t, decoded.Properties, "tags")
	require.NotNil(t, decoded.Properties["tags"].Items)
	assert.Equal(t, "string", decoded.Properties["tags"].Items.Type)
}
