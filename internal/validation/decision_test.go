package validation

import (
	"testing"
	"time"

	"github.com/daverage/memtriage/internal/record"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecideMundaneRecordAutoApproves(t *testing.T) {
	// (0.9, 0.85, 0.8, 0.7) scores 0.845 and auto-approves under defaults
	// when nothing about the record is emotionally loaded.
	e := NewEvaluator(DefaultThresholds())
	rec := mundaneRecord()

	decision := e.Decide(&rec)

	assert.InDelta(t, 0.845, decision.Confidence.Overall, 1e-9)
	assert.Equal(t, VerdictAutoApprove, decision.Verdict)
	assert.Equal(t, "rec-mundane", decision.RecordID)
	assert.Equal(t, FactorExtraction, decision.Reasoning.PrimaryDriver)
}

func TestDecideCriticalContentGoesToReviewDespiteHighConfidence(t *testing.T) {
	e := NewEvaluator(DefaultThresholds())
	rec := criticalRecord()

	decision := e.Decide(&rec)

	// Same factor scores as the mundane record, but significance 9.125
	// raises the approve cut to 0.95 for this evaluation.
	assert.InDelta(t, 0.845, decision.Confidence.Overall, 1e-9)
	assert.Equal(t, VerdictReviewRequired, decision.Verdict)
	assert.Equal(t, PriorityCritical, decision.Priority)
}

func TestClassifyBands(t *testing.T) {
	cuts := DefaultThresholds()
	tests := []struct {
		confidence float64
		want       Verdict
	}{
		{0.0, VerdictAutoReject},
		{0.25, VerdictAutoReject},
		{0.4999, VerdictAutoReject},
		{0.51, VerdictReviewRequired},
		{0.6, VerdictReviewRequired},
		{0.7499, VerdictReviewRequired},
		{0.7501, VerdictAutoApprove},
		{0.9, VerdictAutoApprove},
		{1.0, VerdictAutoApprove},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(tt.confidence, cuts), "confidence %.4f", tt.confidence)
	}
}

func TestClassifyBoundaryTiesAreConservative(t *testing.T) {
	cuts, err := NewThresholdConfig(0.75, 0.50, 0.30, DefaultWeights())
	require.NoError(t, err)

	// Exactly on the approve cut: review wins over approve.
	assert.Equal(t, VerdictReviewRequired, Classify(0.75, cuts))
	// Exactly on the reject cut: reject wins over review.
	assert.Equal(t, VerdictAutoReject, Classify(0.30, cuts))
}

func TestClassifyIsTotal(t *testing.T) {
	configs := []ThresholdConfig{
		DefaultThresholds(),
		{AutoApprove: 1, ReviewRequired: 1, AutoReject: 1, Weights: DefaultWeights()},
		{AutoApprove: 0, ReviewRequired: 0, AutoReject: 0, Weights: DefaultWeights()},
		{AutoApprove: 0.6, ReviewRequired: 0.6, AutoReject: 0.1, Weights: DefaultWeights()},
	}
	for _, cfg := range configs {
		for c := 0.0; c <= 1.0; c += 0.001 {
			verdict := Classify(c, cfg)
			assert.Contains(t, []Verdict{VerdictAutoApprove, VerdictReviewRequired, VerdictAutoReject}, verdict)
		}
	}
}

func TestPriorityFromSignificance(t *testing.T) {
	cuts := DefaultThresholds()
	tests := []struct {
		name       string
		confidence float64
		sig        float64
		want       Priority
	}{
		{"critical significance", 0.9, 8.5, PriorityCritical},
		{"high significance", 0.9, 6.5, PriorityHigh},
		{"medium significance", 0.9, 4.5, PriorityMedium},
		{"low significance", 0.9, 2.0, PriorityLow},
		{"near approve cut", 0.76, 2.0, PriorityCritical},
		{"near reject cut", 0.46, 2.0, PriorityCritical},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := priorityFor(tt.confidence, SignificanceScore{Total: tt.sig}, cuts)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEstimateReviewTimeBoundsAndMonotonicity(t *testing.T) {
	assert.Equal(t, MaxReviewTime, EstimateReviewTime(0))
	assert.Equal(t, MinReviewTime, EstimateReviewTime(1))
	assert.Equal(t, 105*time.Second, EstimateReviewTime(0.5))

	prev := EstimateReviewTime(0)
	for c := 0.01; c <= 1.0; c += 0.01 {
		estimate := EstimateReviewTime(c)
		assert.LessOrEqual(t, estimate, prev)
		assert.GreaterOrEqual(t, estimate, MinReviewTime)
		assert.LessOrEqual(t, estimate, MaxReviewTime)
		prev = estimate
	}

	// Out-of-range confidence still clamps.
	assert.Equal(t, MaxReviewTime, EstimateReviewTime(-3))
	assert.Equal(t, MinReviewTime, EstimateReviewTime(7))
}

func TestReasoningNamesDriversAndStrengths(t *testing.T) {
	e := NewEvaluator(DefaultThresholds())
	rec := mundaneRecord()
	rec.Factors = record.FactorScores{
		Extraction:           0.85,
		EmotionalCoherence:   0.95,
		RelationshipAccuracy: 0.4,
		ContextQuality:       0.6,
	}

	decision := e.Decide(&rec)

	// extraction 0.34 weighted vs coherence 0.285: extraction drives.
	assert.Equal(t, FactorExtraction, decision.Reasoning.PrimaryDriver)
	assert.Equal(t, []string{FactorExtraction, FactorEmotionalCoherence}, decision.Reasoning.Strengths)
	assert.Contains(t, decision.Reasoning.UncertaintyAreas, FactorRelationshipAccuracy)
}

func TestDecideIsStatelessAcrossCalls(t *testing.T) {
	e := NewEvaluator(DefaultThresholds())
	critical := criticalRecord()
	mundane := mundaneRecord()

	// A critical record's adjustment must not bleed into the next call.
	first := e.Decide(&mundane)
	_ = e.Decide(&critical)
	second := e.Decide(&mundane)

	assert.Equal(t, first.Verdict, second.Verdict)
	assert.Equal(t, first.Confidence, second.Confidence)
	assert.Equal(t, first.Priority, second.Priority)
}
