package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/daverage/memtriage/internal/batch"
	"github.com/daverage/memtriage/internal/quality"
	"github.com/daverage/memtriage/internal/validation"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "memtriage.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func testDecision(id string, conf float64, verdict validation.Verdict, priority validation.Priority, at time.Time) validation.Decision {
	return validation.Decision{
		RecordID: id,
		Verdict:  verdict,
		Confidence: validation.ConfidenceResult{
			Overall: conf,
			Factors: []validation.FactorContribution{
				{Name: validation.FactorExtraction, Value: conf, Weight: 0.4, Weighted: 0.4 * conf},
				{Name: validation.FactorEmotionalCoherence, Value: conf, Weight: 0.3, Weighted: 0.3 * conf},
				{Name: validation.FactorRelationshipAccuracy, Value: conf, Weight: 0.2, Weighted: 0.2 * conf},
				{Name: validation.FactorContextQuality, Value: conf, Weight: 0.1, Weighted: 0.1 * conf},
			},
		},
		Significance:    validation.SignificanceScore{Total: 5},
		Priority:        priority,
		EstimatedReview: 90 * time.Second,
		DecidedAt:       at,
	}
}

func TestOpenMigratesIdempotently(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memtriage.db")

	store, err := Open(path, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, store.Close())

	// Reopening an up-to-date database must not fail.
	store, err = Open(path, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, store.Close())
}

func TestDecisionWriterPersistsAndDrains(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)

	writer := NewDecisionWriter(store, zap.NewNop())
	for i := 0; i < 5; i++ {
		writer.Enqueue("batch-1", testDecision(recordID(i), 0.85, validation.VerdictAutoApprove, validation.PriorityLow, base))
	}
	writer.Close()
	assert.Equal(t, int64(0), writer.Dropped())

	agg, err := store.AggregateDecisions(ctx, base.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 5, agg.Total)
	assert.Equal(t, 5, agg.Approved)

	// Enqueue after close is a silent no-op.
	writer.Enqueue("batch-1", testDecision("late", 0.5, validation.VerdictReviewRequired, validation.PriorityMedium, base))
	agg, err = store.AggregateDecisions(ctx, base.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 5, agg.Total)
}

func recordID(i int) string {
	return string(rune('a' + i))
}

func TestNilDecisionWriterIsSafe(t *testing.T) {
	var writer *DecisionWriter
	assert.Nil(t, NewDecisionWriter(nil, zap.NewNop()))
	writer.Enqueue("batch", validation.Decision{})
	writer.Close()
	assert.Equal(t, int64(0), writer.Dropped())
}

func TestMetricsWriterPersistsAndDrains(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)

	writer := NewMetricsWriter(store, zap.NewNop())
	for i := 0; i < 3; i++ {
		writer.Record(quality.Metrics{Samples: 10 + i, ComputedAt: base.Add(time.Duration(i) * time.Hour)})
	}
	writer.Close()
	assert.Equal(t, int64(0), writer.Dropped())

	latest, ok, err := store.LatestMetrics(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 12, latest.Samples)

	// Record after close is a silent no-op.
	writer.Record(quality.Metrics{Samples: 99, ComputedAt: base.Add(24 * time.Hour)})
	latest, _, err = store.LatestMetrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 12, latest.Samples)
}

func TestNilMetricsWriterIsSafe(t *testing.T) {
	var writer *MetricsWriter
	assert.Nil(t, NewMetricsWriter(nil, zap.NewNop()))
	writer.Record(quality.Metrics{})
	writer.Close()
	assert.Equal(t, int64(0), writer.Dropped())
}

func TestFeedbackJoinsLatestDecision(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)

	first := testDecision("rec-1", 0.60, validation.VerdictReviewRequired, validation.PriorityMedium, base)
	require.NoError(t, store.insertDecision(ctx, "batch-1", &first))
	second := testDecision("rec-1", 0.80, validation.VerdictAutoApprove, validation.PriorityLow, base.Add(time.Hour))
	require.NoError(t, store.insertDecision(ctx, "batch-2", &second))

	require.NoError(t, store.SaveFeedback(ctx, &validation.Feedback{
		RecordID:           "rec-1",
		Actual:             validation.VerdictAutoReject,
		ReviewerConfidence: 0.9,
		DisagreementReason: "analysis missed sarcasm",
		TimeTaken:          2 * time.Minute,
		QualityRating:      2,
		CreatedAt:          base.Add(2 * time.Hour),
	}))

	out, err := store.FeedbackSince(ctx, base)
	require.NoError(t, err)
	require.Len(t, out, 1)

	f := out[0]
	assert.Equal(t, "rec-1", f.RecordID)
	assert.Equal(t, validation.VerdictAutoApprove, f.Predicted, "join picks the newest decision")
	assert.InDelta(t, 0.80, f.PredictedConfidence, 1e-9)
	assert.InDelta(t, 0.80, f.Factors.Extraction, 1e-9)
	assert.Equal(t, validation.VerdictAutoReject, f.Actual)
	assert.Equal(t, "analysis missed sarcasm", f.DisagreementReason)
	assert.Equal(t, 2*time.Minute, f.TimeTaken)
	assert.Equal(t, 2, f.QualityRating)
}

func TestFeedbackSinceCutoff(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)

	for i, at := range []time.Time{base.Add(-48 * time.Hour), base.Add(-time.Hour)} {
		require.NoError(t, store.SaveFeedback(ctx, &validation.Feedback{
			RecordID:           recordID(i),
			Actual:             validation.VerdictAutoApprove,
			ReviewerConfidence: 0.8,
			TimeTaken:          time.Minute,
			QualityRating:      4,
			CreatedAt:          at,
		}))
	}

	out, err := store.FeedbackSince(ctx, base.Add(-24*time.Hour))
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, recordID(1), out[0].RecordID)
}

func TestFeedbackWithoutDecisionIsStillReturned(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, store.SaveFeedback(ctx, &validation.Feedback{
		RecordID:           "orphan",
		Actual:             validation.VerdictAutoApprove,
		ReviewerConfidence: 0.7,
		TimeTaken:          time.Minute,
		QualityRating:      3,
		CreatedAt:          base,
	}))

	out, err := store.FeedbackSince(ctx, base.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, validation.Verdict(""), out[0].Predicted)
	assert.Equal(t, 0.0, out[0].PredictedConfidence)
}

func TestThresholdAuditTrail(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, ok, err := store.LatestThresholds(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	initial := validation.DefaultThresholds()
	initial.UpdatedAt = time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, store.SaveThresholds(ctx, initial, SourceInitial))

	calibrated := initial
	calibrated.Version = 2
	calibrated.AutoApprove = 0.78
	calibrated.Weights.Extraction = 0.42
	calibrated.Weights.EmotionalCoherence = 0.28
	calibrated.UpdatedAt = initial.UpdatedAt.Add(24 * time.Hour)
	require.NoError(t, store.SaveThresholds(ctx, calibrated, SourceCalibration))

	latest, ok, err := store.LatestThresholds(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, latest.Version)
	assert.InDelta(t, 0.78, latest.AutoApprove, 1e-9)
	assert.InDelta(t, 0.42, latest.Weights.Extraction, 1e-9)
	require.NoError(t, latest.Validate())

	history, err := store.ThresholdHistory(ctx, 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, SourceCalibration, history[0].Source)
	assert.Equal(t, SourceInitial, history[1].Source)
	assert.Equal(t, 1, history[1].Config.Version)
}

func TestMetricsSnapshots(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)

	_, ok, err := store.LatestMetrics(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	older := quality.Metrics{
		WindowStart:         base.Add(-7 * 24 * time.Hour),
		WindowEnd:           base,
		Samples:             40,
		Accuracy:            0.93,
		AutoApproveAccuracy: 0.95,
		FalsePositiveRate:   0.03,
		FalseNegativeRate:   0.02,
		ReviewTimeReduction: 0.6,
		ComputedAt:          base,
	}
	require.NoError(t, store.SaveMetrics(ctx, older))

	newer := older
	newer.Samples = 55
	newer.ComputedAt = base.Add(time.Hour)
	require.NoError(t, store.SaveMetrics(ctx, newer))

	latest, ok, err := store.LatestMetrics(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 55, latest.Samples)
	assert.InDelta(t, 0.95, latest.AutoApproveAccuracy, 1e-9)
	assert.WithinDuration(t, newer.ComputedAt, latest.ComputedAt, time.Second)
}

func TestSaveBatchRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)

	result := &batch.BatchResult{
		BatchID:         "batch-42",
		Total:           10,
		Approved:        4,
		ReviewRequired:  3,
		Rejected:        1,
		AvgConfidence:   0.71,
		AvgSignificance: 4.2,
		Thresholds:      validation.DefaultThresholds(),
		Distribution: batch.DistributionCheck{
			Checked:  true,
			Flagged:  true,
			Findings: []string{"auto_reject ratio 0.900 outside expected [0.00, 0.80]"},
		},
		StartedAt:  base,
		FinishedAt: base.Add(3 * time.Second),
		Duration:   3 * time.Second,
	}
	for i := 0; i < 8; i++ {
		result.Decisions = append(result.Decisions, testDecision(recordID(i), 0.7, validation.VerdictReviewRequired, validation.PriorityMedium, base))
	}
	result.Errors = append(result.Errors, batch.RecordError{Index: 9, RecordID: "bad", Reason: "missing ID"})
	require.NoError(t, store.SaveBatch(ctx, result))

	batches, err := store.RecentBatches(ctx, 5)
	require.NoError(t, err)
	require.Len(t, batches, 1)

	b := batches[0]
	assert.Equal(t, "batch-42", b.BatchID)
	assert.Equal(t, 10, b.Total)
	assert.Equal(t, 8, b.Evaluated)
	assert.Equal(t, 1, b.Failed)
	assert.True(t, b.Flagged)
	require.Len(t, b.Findings, 1)
	assert.Contains(t, b.Findings[0], "auto_reject")
	assert.InDelta(t, 0.75, b.Thresholds.AutoApprove, 1e-9)
	assert.WithinDuration(t, base, b.StartedAt, time.Second)
}

func TestAggregateDecisions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)

	rows := []validation.Decision{
		testDecision("a", 0.9, validation.VerdictAutoApprove, validation.PriorityLow, base),
		testDecision("b", 0.8, validation.VerdictAutoApprove, validation.PriorityLow, base),
		testDecision("c", 0.6, validation.VerdictReviewRequired, validation.PriorityCritical, base),
		testDecision("d", 0.2, validation.VerdictAutoReject, validation.PriorityLow, base),
		testDecision("old", 0.9, validation.VerdictAutoApprove, validation.PriorityLow, base.Add(-72*time.Hour)),
	}
	for i := range rows {
		require.NoError(t, store.insertDecision(ctx, "batch-1", &rows[i]))
	}

	agg, err := store.AggregateDecisions(ctx, base.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 4, agg.Total)
	assert.Equal(t, 2, agg.Approved)
	assert.Equal(t, 1, agg.Reviewed)
	assert.Equal(t, 1, agg.Rejected)
	assert.Equal(t, 1, agg.Critical)
	assert.InDelta(t, (0.9+0.8+0.6+0.2)/4, agg.AvgConfidence, 1e-9)

	empty, err := store.AggregateDecisions(ctx, base.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, empty.Total)
	assert.Equal(t, 0.0, empty.AvgConfidence)
}
