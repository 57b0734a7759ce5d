package validation

import (
	"github.com/daverage/memtriage/internal/record"
)

// Canonical factor names, in scoring order.
const (
	FactorExtraction           = "extraction"
	FactorEmotionalCoherence   = "emotional_coherence"
	FactorRelationshipAccuracy = "relationship_accuracy"
	FactorContextQuality       = "context_quality"
)

const (
	// uncertaintyFloor marks a factor as a hidden weakness when it sits
	// below this while the overall score still clears the review cut.
	uncertaintyFloor = 0.5

	// strengthFloor marks a factor as a strength in decision reasoning.
	strengthFloor = 0.8
)

// FactorContribution is one factor's clipped input and its weighted share
// of the overall confidence.
type FactorContribution struct {
	Name     string  `json:"name"`
	Value    float64 `json:"value"`
	Weight   float64 `json:"weight"`
	Weighted float64 `json:"weighted"`
}

// ConfidenceResult is the scorer's full output for one record: the overall
// weighted confidence, the per-factor breakdown that produced it, and any
// uncertainty areas worth a reviewer's attention.
type ConfidenceResult struct {
	Overall          float64              `json:"overall"`
	Factors          []FactorContribution `json:"factors"`
	UncertaintyAreas []string             `json:"uncertainty_areas,omitempty"`
}

// Evaluator applies one threshold snapshot to records. It carries no other
// state: the single-record path is pure, so one Evaluator is safe to share
// across goroutines.
type Evaluator struct {
	cfg ThresholdConfig
}

// NewEvaluator creates an evaluator pinned to a config snapshot.
func NewEvaluator(cfg ThresholdConfig) *Evaluator {
	return &Evaluator{cfg: cfg}
}

// Config returns the snapshot this evaluator applies.
func (e *Evaluator) Config() ThresholdConfig {
	return e.cfg
}

// ScoreConfidence computes the weighted overall confidence for a set of
// factor scores. Each factor is clipped into [0,1] first; the overall score
// is the weighted sum, clipped again. Identical inputs always produce
// identical output.
func (e *Evaluator) ScoreConfidence(factors record.FactorScores) ConfidenceResult {
	w := e.cfg.Weights
	contributions := []FactorContribution{
		{Name: FactorExtraction, Value: clip01(factors.Extraction), Weight: w.Extraction},
		{Name: FactorEmotionalCoherence, Value: clip01(factors.EmotionalCoherence), Weight: w.EmotionalCoherence},
		{Name: FactorRelationshipAccuracy, Value: clip01(factors.RelationshipAccuracy), Weight: w.RelationshipAccuracy},
		{Name: FactorContextQuality, Value: clip01(factors.ContextQuality), Weight: w.ContextQuality},
	}

	overall := 0.0
	for i := range contributions {
		contributions[i].Weighted = contributions[i].Value * contributions[i].Weight
		overall += contributions[i].Weighted
	}
	overall = clip01(overall)

	result := ConfidenceResult{
		Overall: overall,
		Factors: contributions,
	}

	// Hidden-weakness pattern: a weak factor hiding under a passing overall
	// score is exactly what a reviewer needs pointed out.
	if overall > e.cfg.ReviewRequired {
		for _, c := range contributions {
			if c.Value < uncertaintyFloor {
				result.UncertaintyAreas = append(result.UncertaintyAreas, c.Name)
			}
		}
	}

	return result
}

func clip01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
