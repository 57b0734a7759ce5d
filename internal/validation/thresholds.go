package validation

import (
	"fmt"
	"math"
	"time"
)

const (
	DefaultAutoApprove    = 0.75
	DefaultReviewRequired = 0.50
	DefaultAutoReject     = 0.50

	DefaultWeightExtraction           = 0.40
	DefaultWeightEmotionalCoherence   = 0.30
	DefaultWeightRelationshipAccuracy = 0.20
	DefaultWeightContextQuality       = 0.10

	// WeightSumEpsilon bounds how far the four factor weights may drift
	// from summing to exactly 1.
	WeightSumEpsilon = 1e-6

	// MaxSignificanceShift caps how far a single evaluation's significance
	// may move the cut points away from the shared config.
	MaxSignificanceShift = 0.2
)

// FactorWeights are the relative weights of the four confidence factors.
// They must each lie in [0,1] and sum to 1 within WeightSumEpsilon.
type FactorWeights struct {
	Extraction           float64 `json:"extraction"`
	EmotionalCoherence   float64 `json:"emotional_coherence"`
	RelationshipAccuracy float64 `json:"relationship_accuracy"`
	ContextQuality       float64 `json:"context_quality"`
}

// Sum returns the total of the four weights.
func (w FactorWeights) Sum() float64 {
	return w.Extraction + w.EmotionalCoherence + w.RelationshipAccuracy + w.ContextQuality
}

// DefaultWeights returns the standard factor weighting.
func DefaultWeights() FactorWeights {
	return FactorWeights{
		Extraction:           DefaultWeightExtraction,
		EmotionalCoherence:   DefaultWeightEmotionalCoherence,
		RelationshipAccuracy: DefaultWeightRelationshipAccuracy,
		ContextQuality:       DefaultWeightContextQuality,
	}
}

// ThresholdConfig carries the decision cut points and factor weights.
// The calibration engine is the only writer; everyone else works on value
// copies, so a ThresholdConfig held by an evaluator never changes under it.
type ThresholdConfig struct {
	Version        int           `json:"version"`
	AutoApprove    float64       `json:"auto_approve"`
	ReviewRequired float64       `json:"review_required"`
	AutoReject     float64       `json:"auto_reject"`
	Weights        FactorWeights `json:"weights"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// DefaultThresholds returns the standard cut points and weights.
func DefaultThresholds() ThresholdConfig {
	return ThresholdConfig{
		Version:        1,
		AutoApprove:    DefaultAutoApprove,
		ReviewRequired: DefaultReviewRequired,
		AutoReject:     DefaultAutoReject,
		Weights:        DefaultWeights(),
	}
}

// NewThresholdConfig builds a config and rejects invariant violations.
// Values are never clamped: a caller that asks for reject > approve gets
// an error, not a silently repaired config.
func NewThresholdConfig(autoApprove, reviewRequired, autoReject float64, weights FactorWeights) (ThresholdConfig, error) {
	cfg := ThresholdConfig{
		Version:        1,
		AutoApprove:    autoApprove,
		ReviewRequired: reviewRequired,
		AutoReject:     autoReject,
		Weights:        weights,
	}
	if err := cfg.Validate(); err != nil {
		return ThresholdConfig{}, err
	}
	return cfg, nil
}

// Validate checks the ordering invariant
// 0 <= AutoReject <= ReviewRequired <= AutoApprove <= 1 and the weight
// constraints. Any violation is an error; nothing is repaired.
func (c ThresholdConfig) Validate() error {
	for _, cut := range []struct {
		name  string
		value float64
	}{
		{"auto_approve", c.AutoApprove},
		{"review_required", c.ReviewRequired},
		{"auto_reject", c.AutoReject},
	} {
		if math.IsNaN(cut.value) || cut.value < 0 || cut.value > 1 {
			return fmt.Errorf("threshold %s = %.4f outside [0,1]", cut.name, cut.value)
		}
	}
	if c.AutoReject > c.ReviewRequired {
		return fmt.Errorf("auto_reject %.4f above review_required %.4f", c.AutoReject, c.ReviewRequired)
	}
	if c.ReviewRequired > c.AutoApprove {
		return fmt.Errorf("review_required %.4f above auto_approve %.4f", c.ReviewRequired, c.AutoApprove)
	}
	for _, w := range []struct {
		name  string
		value float64
	}{
		{"extraction", c.Weights.Extraction},
		{"emotional_coherence", c.Weights.EmotionalCoherence},
		{"relationship_accuracy", c.Weights.RelationshipAccuracy},
		{"context_quality", c.Weights.ContextQuality},
	} {
		if math.IsNaN(w.value) || w.value < 0 || w.value > 1 {
			return fmt.Errorf("weight %s = %.4f outside [0,1]", w.name, w.value)
		}
	}
	if diff := math.Abs(c.Weights.Sum() - 1); diff > WeightSumEpsilon {
		return fmt.Errorf("factor weights sum to %.6f, want 1", c.Weights.Sum())
	}
	return nil
}
