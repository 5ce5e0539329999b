// Package routing picks the next connection for a request when the
// current node has more than one outgoing edge.
//
// Candidates are described by context cards, scored by an LLM-backed
// scorer with rule-based risk adjustments, then run through a threshold
// policy that accepts, accepts-with-low-confidence, asks the caller for
// clarification, or falls back to a safe default. Scoring failures never
// surface to the caller; the engine degrades to keyword matching instead.
package routing

// RiskLevel classifies how much damage a wrong routing can do.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// ContextCard describes one candidate connection to the scorer.
type ContextCard struct {
	Name                 string    `json:"name"`
	Purpose              string    `json:"purpose"`
	WhenToUse            string    `json:"when_to_use"`
	WhenNotToUse         string    `json:"when_not_to_use,omitempty"`
	ExamplePhrases       []string  `json:"example_phrases,omitempty"`
	RiskLevel            RiskLevel `json:"risk_level"`
	Priority             int       `json:"priority"`
	RequiresConfirmation bool      `json:"requires_confirmation"`
}

// CandidateConnection is one outgoing edge under consideration.
type CandidateConnection struct {
	ID   string      `json:"id"`
	Card ContextCard `json:"card"`
}

// ConnectionScore is the scored form of a candidate.
type ConnectionScore struct {
	ConnectionID string  `json:"connection_id"`
	Score        float64 `json:"score"` // 0..1 after normalization and adjustments
	Reason       string  `json:"reason"`
}

// Decision is the engine's verdict for one routing question.
type Decision struct {
	ConnectionID         string            `json:"connection_id"`
	Score                float64           `json:"score"`
	Reason               string            `json:"reason"`
	RequiresConfirmation bool              `json:"requires_confirmation"`
	LowConfidence        bool              `json:"low_confidence"`
	UsedFallback         bool              `json:"used_fallback"`
	Clarification        string            `json:"clarification,omitempty"`
	Candidates           []ConnectionScore `json:"candidates"`
}

// Rule-based score adjustments applied after normalization.
const (
	lowRiskBoost    = 1.1
	highRiskPenalty = 0.8
	priorityWeight  = 0.01
)

// adjustScore applies the risk multiplier and a small priority boost,
// clamping to [0, 1].
func adjustScore(score float64, card *ContextCard) float64 {
	switch card.RiskLevel {
	case RiskLow:
		score *= lowRiskBoost
	case RiskHigh:
		score *= highRiskPenalty
	}
	score += float64(card.Priority) * priorityWeight
	if score > 1 {
		return 1
	}
	if score < 0 {
		return 0
	}
	return score
}
