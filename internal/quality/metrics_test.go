package quality

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daverage/memtriage/internal/validation"
)

func feedbackAt(predicted, actual validation.Verdict, age time.Duration, now time.Time) validation.Feedback {
	return validation.Feedback{
		RecordID:            "rec-" + string(predicted) + "-" + string(actual),
		Predicted:           predicted,
		PredictedConfidence: 0.8,
		Actual:              actual,
		ReviewerConfidence:  0.9,
		TimeTaken:           60 * time.Second,
		QualityRating:       4,
		CreatedAt:           now.Add(-age),
	}
}

func repeat(f validation.Feedback, n int) []validation.Feedback {
	out := make([]validation.Feedback, n)
	for i := range out {
		out[i] = f
	}
	return out
}

func TestEvaluateCleanWindow(t *testing.T) {
	now := time.Date(2026, 4, 2, 12, 0, 0, 0, time.UTC)
	cfg := DefaultConfig()

	var feedback []validation.Feedback
	feedback = append(feedback, repeat(feedbackAt(validation.VerdictAutoApprove, validation.VerdictAutoApprove, time.Hour, now), 12)...)
	feedback = append(feedback, repeat(feedbackAt(validation.VerdictAutoReject, validation.VerdictAutoReject, 2*time.Hour, now), 8)...)

	metrics, alerts := Evaluate(cfg, feedback, now)

	assert.Equal(t, 20, metrics.Samples)
	assert.Equal(t, 1.0, metrics.Accuracy)
	assert.Equal(t, 1.0, metrics.AutoApproveAccuracy)
	assert.Equal(t, 0.0, metrics.FalsePositiveRate)
	assert.Equal(t, 0.0, metrics.FalseNegativeRate)
	assert.Empty(t, alerts)
}

func TestEvaluateFlagsLowAutoApproveAccuracy(t *testing.T) {
	now := time.Date(2026, 4, 2, 12, 0, 0, 0, time.UTC)
	cfg := DefaultConfig()

	var feedback []validation.Feedback
	feedback = append(feedback, repeat(feedbackAt(validation.VerdictAutoApprove, validation.VerdictAutoApprove, time.Hour, now), 8)...)
	feedback = append(feedback, repeat(feedbackAt(validation.VerdictAutoApprove, validation.VerdictReviewRequired, time.Hour, now), 2)...)
	feedback = append(feedback, repeat(feedbackAt(validation.VerdictReviewRequired, validation.VerdictReviewRequired, time.Hour, now), 10)...)

	metrics, alerts := Evaluate(cfg, feedback, now)

	assert.InDelta(t, 0.8, metrics.AutoApproveAccuracy, 1e-9)
	assert.Equal(t, 0.0, metrics.FalsePositiveRate)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertAutoApproveAccuracy, alerts[0].Code)
	assert.Equal(t, SeverityHigh, alerts[0].Severity)
	assert.Contains(t, alerts[0].Message, "80.0%")
	assert.Contains(t, alerts[0].Recommendation, "recalibrate")
}

func TestEvaluateFlagsFalsePositives(t *testing.T) {
	now := time.Date(2026, 4, 2, 12, 0, 0, 0, time.UTC)
	cfg := DefaultConfig()

	var feedback []validation.Feedback
	feedback = append(feedback, repeat(feedbackAt(validation.VerdictAutoApprove, validation.VerdictAutoApprove, time.Hour, now), 18)...)
	feedback = append(feedback, repeat(feedbackAt(validation.VerdictAutoApprove, validation.VerdictAutoReject, time.Hour, now), 2)...)

	metrics, alerts := Evaluate(cfg, feedback, now)

	assert.InDelta(t, 0.9, metrics.AutoApproveAccuracy, 1e-9)
	assert.InDelta(t, 0.1, metrics.FalsePositiveRate, 1e-9)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertFalsePositiveRate, alerts[0].Code)
	assert.Equal(t, SeverityMedium, alerts[0].Severity)
	assert.Contains(t, alerts[0].Recommendation, "raise the auto-approve threshold")
}

func TestEvaluateStaysSilentUnderMinSamples(t *testing.T) {
	now := time.Date(2026, 4, 2, 12, 0, 0, 0, time.UTC)
	cfg := DefaultConfig()

	feedback := repeat(feedbackAt(validation.VerdictAutoApprove, validation.VerdictAutoReject, time.Hour, now), cfg.MinSamples-1)

	metrics, alerts := Evaluate(cfg, feedback, now)

	assert.Equal(t, 0.0, metrics.AutoApproveAccuracy)
	assert.Equal(t, 1.0, metrics.FalsePositiveRate)
	assert.Empty(t, alerts, "tiny windows must not alert")
}

func TestEvaluateIgnoresFeedbackOutsideWindow(t *testing.T) {
	now := time.Date(2026, 4, 2, 12, 0, 0, 0, time.UTC)
	cfg := DefaultConfig()

	var feedback []validation.Feedback
	feedback = append(feedback, repeat(feedbackAt(validation.VerdictAutoApprove, validation.VerdictAutoApprove, time.Hour, now), 3)...)
	feedback = append(feedback, repeat(feedbackAt(validation.VerdictAutoApprove, validation.VerdictAutoReject, cfg.Window+time.Hour, now), 50)...)

	metrics, alerts := Evaluate(cfg, feedback, now)

	assert.Equal(t, 3, metrics.Samples)
	assert.Equal(t, 1.0, metrics.Accuracy)
	assert.Empty(t, alerts)
}

func TestEvaluateEmptyWindow(t *testing.T) {
	now := time.Date(2026, 4, 2, 12, 0, 0, 0, time.UTC)

	metrics, alerts := Evaluate(DefaultConfig(), nil, now)

	assert.Equal(t, 0, metrics.Samples)
	assert.Equal(t, 1.0, metrics.Accuracy, "no evidence of failure is not failure")
	assert.Equal(t, 1.0, metrics.AutoApproveAccuracy)
	assert.Equal(t, 0.0, metrics.FalsePositiveRate)
	assert.Equal(t, 0.0, metrics.ReviewTimeReduction)
	assert.Empty(t, alerts)
}

func TestEvaluateFalseNegativeRate(t *testing.T) {
	now := time.Date(2026, 4, 2, 12, 0, 0, 0, time.UTC)

	var feedback []validation.Feedback
	feedback = append(feedback, repeat(feedbackAt(validation.VerdictAutoReject, validation.VerdictAutoReject, time.Hour, now), 6)...)
	feedback = append(feedback, repeat(feedbackAt(validation.VerdictAutoReject, validation.VerdictAutoApprove, time.Hour, now), 2)...)

	metrics, _ := Evaluate(DefaultConfig(), feedback, now)

	assert.InDelta(t, 0.25, metrics.FalseNegativeRate, 1e-9)
}

func TestReviewTimeReduction(t *testing.T) {
	now := time.Date(2026, 4, 2, 12, 0, 0, 0, time.UTC)
	cfg := DefaultConfig()

	// Four reviews of 45s against a 180s baseline saves three quarters.
	feedback := repeat(feedbackAt(validation.VerdictReviewRequired, validation.VerdictAutoApprove, time.Hour, now), 4)
	for i := range feedback {
		feedback[i].TimeTaken = 45 * time.Second
	}

	metrics, _ := Evaluate(cfg, feedback, now)
	assert.InDelta(t, 0.75, metrics.ReviewTimeReduction, 1e-9)

	// Slower than the baseline clamps at zero saved.
	for i := range feedback {
		feedback[i].TimeTaken = 400 * time.Second
	}
	metrics, _ = Evaluate(cfg, feedback, now)
	assert.Equal(t, 0.0, metrics.ReviewTimeReduction)
}

func TestMetricsHealthy(t *testing.T) {
	healthy := Metrics{AutoApproveAccuracy: 0.92, FalsePositiveRate: 0.04}
	assert.True(t, healthy.Healthy(0.90, 0.05))

	inaccurate := Metrics{AutoApproveAccuracy: 0.89, FalsePositiveRate: 0.04}
	assert.False(t, inaccurate.Healthy(0.90, 0.05))

	leaky := Metrics{AutoApproveAccuracy: 0.95, FalsePositiveRate: 0.06}
	assert.False(t, leaky.Healthy(0.90, 0.05))
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	bad := DefaultConfig()
	bad.Window = 0
	assert.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.MinSamples = 0
	assert.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.MaxFalsePositiveRate = 1.5
	assert.Error(t, bad.Validate())
}
