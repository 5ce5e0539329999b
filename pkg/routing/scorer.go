package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"switchboard/pkg/llm"
)

// Scorer rates each candidate's fit for a query on a 0..1 scale. Scores
// returned here are raw; the engine applies risk adjustments.
type Scorer interface {
	Score(ctx context.Context, query string, candidates []CandidateConnection) ([]ConnectionScore, error)
}

// LLMScorer asks a model to rate candidates 0-100 and normalizes to 0..1.
type LLMScorer struct {
	client llm.Client
}

// NewLLMScorer creates a scorer backed by the given client.
func NewLLMScorer(client llm.Client) *LLMScorer {
	return &LLMScorer{client: client}
}

const scorerSystemPrompt = `You route caller requests to the best-fitting connection.
Rate how well each connection fits the request on a 0-100 scale.
Respond with only a JSON array: [{"id": "...", "score": 0-100, "reason": "..."}].`

// Score implements Scorer.
func (s *LLMScorer) Score(ctx context.Context, query string, candidates []CandidateConnection) ([]ConnectionScore, error) {
	var prompt strings.Builder
	fmt.Fprintf(&prompt, "Request: %s\n\nConnections:\n", query)
	for i := range candidates {
		card := &candidates[i].Card
		fmt.Fprintf(&prompt, "- id: %s\n  purpose: %s\n  when to use: %s\n",
			candidates[i].ID, card.Purpose, card.WhenToUse)
		if card.WhenNotToUse != "" {
			fmt.Fprintf(&prompt, "  when NOT to use: %s\n", card.WhenNotToUse)
		}
	}

	resp, err := s.client.Complete(ctx, llm.CompletionRequest{
		Messages: []llm.Message{
			llm.SystemMessage(scorerSystemPrompt),
			llm.UserMessage(prompt.String()),
		},
		MaxTokens:   1024,
		Temperature: llm.TemperatureScoring,
	})
	if err != nil {
		return nil, fmt.Errorf("scoring call failed: %w", err)
	}

	parsed, err := parseScores(resp.Content)
	if err != nil {
		return nil, err
	}

	// Keep only scores for known candidates, normalized to 0..1.
	scores := make([]ConnectionScore, 0, len(candidates))
	for i := range candidates {
		id := candidates[i].ID
		raw, ok := parsed[id]
		if !ok {
			scores = append(scores, ConnectionScore{ConnectionID: id, Score: 0, Reason: "not rated"})
			continue
		}
		score := raw.Score / 100
		if score > 1 {
			score = 1
		}
		if score < 0 {
			score = 0
		}
		scores = append(scores, ConnectionScore{ConnectionID: id, Score: score, Reason: raw.Reason})
	}
	return scores, nil
}

type rawScore struct {
	ID     string  `json:"id"`
	Score  float64 `json:"score"`
	Reason string  `json:"reason"`
}

// parseScores extracts the JSON array from the model output, tolerating
// surrounding prose and code fences.
func parseScores(content string) (map[string]rawScore, error) {
	start := strings.Index(content, "[")
	end := strings.LastIndex(content, "]")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON array in scorer output")
	}
	var raws []rawScore
	if err := json.Unmarshal([]byte(content[start:end+1]), &raws); err != nil {
		return nil, fmt.Errorf("failed to parse scorer output: %w", err)
	}
	parsed := make(map[string]rawScore, len(raws))
	for _, r := range raws {
		parsed[r.ID] = r
	}
	return parsed, nil
}

// KeywordScorer is the degraded fallback: substring matching of the query
// against each card's name, purpose and example phrases.
type KeywordScorer struct{}

// Score implements Scorer. It never fails.
func (KeywordScorer) Score(_ context.Context, query string, candidates []CandidateConnection) ([]ConnectionScore, error) {
	words := strings.Fields(strings.ToLower(query))
	scores := make([]ConnectionScore, 0, len(candidates))
	for i := range candidates {
		card := &candidates[i].Card
		haystack := strings.ToLower(card.Name + " " + card.Purpose + " " + strings.Join(card.ExamplePhrases, " "))
		matched := 0
		for _, word := range words {
			if len(word) >= 3 && strings.Contains(haystack, word) {
				matched++
			}
		}
		score := 0.0
		if len(words) > 0 {
			score = float64(matched) / float64(len(words))
		}
		scores = append(scores, ConnectionScore{
			ConnectionID: candidates[i].ID,
			Score:        score,
			Reason:       fmt.Sprintf("keyword match %d/%d", matched, len(words)),
		})
	}
	return scores, nil
}
