package routing

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"switchboard/pkg/logx"
)

// Config tunes the decision policy.
type Config struct {
	// ScoreThreshold accepts the top candidate outright.
	ScoreThreshold float64 `json:"score_threshold"`
	// ClarificationThreshold accepts with a low-confidence flag; below it
	// the engine asks for clarification.
	ClarificationThreshold float64 `json:"clarification_threshold"`
	// MaxClarifications bounds how often the engine asks before giving up
	// and taking the safe default.
	MaxClarifications int `json:"max_clarifications"`
	// ClarifyConnectionID is the connection that collects a clarification
	// answer from the caller.
	ClarifyConnectionID string `json:"clarify_connection_id"`
	// DefaultConnectionID is the safe default once clarifications are
	// exhausted (or no candidates exist).
	DefaultConnectionID string `json:"default_connection_id"`
}

// DefaultConfig uses the 0.6/0.5 thresholds and three clarifications.
//
//nolint:gochecknoglobals // Sensible default config pattern
var DefaultConfig = Config{
	ScoreThreshold:         0.6,
	ClarificationThreshold: 0.5,
	MaxClarifications:      3,
	ClarifyConnectionID:    "clarify",
	DefaultConnectionID:    "default",
}

// Engine applies scoring plus threshold policy to routing questions.
type Engine struct {
	logger *logx.Logger
	config Config
	scorer Scorer
	// fallback runs when the primary scorer errors.
	fallback Scorer
}

// NewEngine creates an engine around the given scorer. Zero thresholds
// fall back to the defaults.
func NewEngine(config Config, scorer Scorer) *Engine {
	if config.ScoreThreshold <= 0 {
		config.ScoreThreshold = DefaultConfig.ScoreThreshold
	}
	if config.ClarificationThreshold <= 0 {
		config.ClarificationThreshold = DefaultConfig.ClarificationThreshold
	}
	if config.MaxClarifications <= 0 {
		config.MaxClarifications = DefaultConfig.MaxClarifications
	}
	if config.ClarifyConnectionID == "" {
		config.ClarifyConnectionID = DefaultConfig.ClarifyConnectionID
	}
	if config.DefaultConnectionID == "" {
		config.DefaultConnectionID = DefaultConfig.DefaultConnectionID
	}
	return &Engine{
		logger:   logx.NewLogger("routing"),
		config:   config,
		scorer:   scorer,
		fallback: KeywordScorer{},
	}
}

// Decide scores the candidates and applies the threshold policy.
// clarificationCount is how many times this conversation has already been
// asked to clarify.
func (e *Engine) Decide(ctx context.Context, query string, candidates []CandidateConnection, clarificationCount int) Decision {
	if len(candidates) == 0 {
		return Decision{
			ConnectionID: e.config.DefaultConnectionID,
			Reason:       "no candidates",
			UsedFallback: true,
		}
	}

	usedFallback := false
	scores, err := e.scorer.Score(ctx, query, candidates)
	if err != nil {
		// Scoring failures degrade quality, never the caller.
		e.logger.Warn("scorer failed, falling back to keyword matching: %v", err)
		usedFallback = true
		scores, _ = e.fallback.Score(ctx, query, candidates)
	}

	cards := make(map[string]*ContextCard, len(candidates))
	for i := range candidates {
		cards[candidates[i].ID] = &candidates[i].Card
	}
	for i := range scores {
		if card, ok := cards[scores[i].ConnectionID]; ok {
			scores[i].Score = adjustScore(scores[i].Score, card)
		}
	}
	sort.SliceStable(scores, func(i, j int) bool { return scores[i].Score > scores[j].Score })

	top := scores[0]
	topCard := cards[top.ConnectionID]

	switch {
	case top.Score >= e.config.ScoreThreshold:
		return Decision{
			ConnectionID:         top.ConnectionID,
			Score:                top.Score,
			Reason:               top.Reason,
			RequiresConfirmation: topCard != nil && (topCard.RiskLevel == RiskHigh || topCard.RequiresConfirmation),
			UsedFallback:         usedFallback,
			Candidates:           scores,
		}
	case top.Score >= e.config.ClarificationThreshold:
		return Decision{
			ConnectionID:         top.ConnectionID,
			Score:                top.Score,
			Reason:               top.Reason,
			RequiresConfirmation: topCard != nil && (topCard.RiskLevel == RiskHigh || topCard.RequiresConfirmation),
			LowConfidence:        true,
			UsedFallback:         usedFallback,
			Candidates:           scores,
		}
	case clarificationCount < e.config.MaxClarifications:
		return Decision{
			ConnectionID:  e.config.ClarifyConnectionID,
			Score:         top.Score,
			Reason:        "below clarification threshold",
			Clarification: clarificationQuestion(candidates),
			UsedFallback:  usedFallback,
			Candidates:    scores,
		}
	default:
		return Decision{
			ConnectionID: e.config.DefaultConnectionID,
			Score:        top.Score,
			Reason:       "clarifications exhausted, taking safe default",
			UsedFallback: usedFallback,
			Candidates:   scores,
		}
	}
}

// clarificationQuestion phrases the candidates as a question: one option
// becomes "are you trying to X?", two become "X or Y?", more enumerate
// with an "or <last>" tail.
func clarificationQuestion(candidates []CandidateConnection) string {
	purposes := make([]string, 0, len(candidates))
	for i := range candidates {
		purpose := candidates[i].Card.Purpose
		if purpose == "" {
			purpose = candidates[i].Card.Name
		}
		purposes = append(purposes, purpose)
	}

	switch len(purposes) {
	case 0:
		return "Could you tell me more about what you need?"
	case 1:
		return fmt.Sprintf("Are you trying to %s?", purposes[0])
	case 2:
		return fmt.Sprintf("Are you trying to %s or %s?", purposes[0], purposes[1])
	default:
		head := strings.Join(purposes[:len(purposes)-1], ", ")
		return fmt.Sprintf("Are you trying to %s, or %s?", head, purposes[len(purposes)-1])
	}
}
