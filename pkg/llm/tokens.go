package llm

import (
	"fmt"

	"github.com/tiktoken-go/tokenizer"
)

// TokenCounter estimates token usage for prompt budgeting. All supported
// vendors are approximated with the GPT-4 encoding, which is close enough
// for sizing exchanges and trimming history.
type TokenCounter struct {
	codec tokenizer.Codec
}

// NewTokenCounter creates a counter for the given model name. Unknown
// models fall back to the GPT-4 encoding.
func NewTokenCounter(model string) (*TokenCounter, error) {
	codec, err := tokenizer.ForModel(tokenizer.GPT4)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokenizer codec for model %s: %w", model, err)
	}
	return &TokenCounter{codec: codec}, nil
}

// Count returns the token count of text, falling back to a 4-chars-per-
// token estimate if the codec is unavailable.
func (tc *TokenCounter) Count(text string) int {
	if tc == nil || tc.codec == nil {
		return len(text) / 4
	}
	count, err := tc.codec.Count(text)
	if err != nil {
		return len(text) / 4
	}
	return count
}

// CountRequest estimates the total prompt size of a request.
func (tc *TokenCounter) CountRequest(in CompletionRequest) int {
	total := 0
	for i := range in.Messages {
		total += tc.Count(in.Messages[i].Content)
	}
	for i := range in.Tools {
		total += tc.Count(in.Tools[i].Description)
	}
	return total
}

// WithinLimit reports whether text fits in limit tokens.
func (tc *TokenCounter) WithinLimit(text string, limit int) bool {
	return tc.Count(text) <= limit
}
