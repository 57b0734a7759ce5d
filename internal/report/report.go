// Package report renders batch and operational summaries as markdown
// for reviewers and operators.
package report

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/daverage/memtriage/internal/batch"
	"github.com/daverage/memtriage/internal/quality"
	"github.com/daverage/memtriage/internal/queue"
	"github.com/daverage/memtriage/internal/storage"
)

const (
	// maxErrorRows caps the error table so one poisoned import cannot
	// produce a megabyte of report.
	maxErrorRows = 20
	// DefaultQueuePreview is how many queue entries a batch report shows.
	DefaultQueuePreview = 10
)

// Options tunes report rendering.
type Options struct {
	// QueuePreview is the number of review-queue entries to include.
	QueuePreview int
}

// Batch renders one batch run as markdown. Queue, metrics, and alerts
// are optional; nil sections are omitted.
func Batch(result *batch.BatchResult, q *queue.ReviewQueue, metrics *quality.Metrics, alerts []quality.Alert, opts Options) string {
	preview := opts.QueuePreview
	if preview <= 0 {
		preview = DefaultQueuePreview
	}

	var b strings.Builder
	b.WriteString("# Validation Report\n\n")
	b.WriteString(fmt.Sprintf("Batch `%s`, finished %s.\n\n",
		result.BatchID, result.FinishedAt.Format(time.RFC3339)))

	b.WriteString("## Summary\n\n")
	b.WriteString("| Metric | Value |\n")
	b.WriteString("|--------|-------|\n")
	b.WriteString(fmt.Sprintf("| Records | %d |\n", result.Total))
	b.WriteString(fmt.Sprintf("| Evaluated | %d |\n", result.Evaluated()))
	b.WriteString(fmt.Sprintf("| Auto-approved | %d (%s) |\n", result.Approved, percent(result.ApprovalRate())))
	b.WriteString(fmt.Sprintf("| Review required | %d (%s) |\n", result.ReviewRequired, percent(result.ReviewRate())))
	b.WriteString(fmt.Sprintf("| Auto-rejected | %d (%s) |\n", result.Rejected, percent(result.RejectRate())))
	b.WriteString(fmt.Sprintf("| Failed | %d |\n", len(result.Errors)))
	b.WriteString(fmt.Sprintf("| Avg confidence | %.3f |\n", result.AvgConfidence))
	b.WriteString(fmt.Sprintf("| Avg significance | %.2f |\n", result.AvgSignificance))
	b.WriteString(fmt.Sprintf("| Duration | %s |\n", result.Duration.Round(time.Millisecond)))
	b.WriteString("\n")

	t := result.Thresholds
	b.WriteString("## Thresholds\n\n")
	b.WriteString(fmt.Sprintf("Version %d: approve above %.2f, reject at or below %.2f, review band floor %.2f.\n",
		t.Version, t.AutoApprove, t.AutoReject, t.ReviewRequired))
	b.WriteString(fmt.Sprintf("Weights: extraction %.2f, coherence %.2f, relationship %.2f, context %.2f.\n\n",
		t.Weights.Extraction, t.Weights.EmotionalCoherence, t.Weights.RelationshipAccuracy, t.Weights.ContextQuality))

	writeDistribution(&b, result.Distribution)
	writeErrors(&b, result.Errors)
	writeQueue(&b, q, preview)
	writeQuality(&b, metrics, alerts)

	return b.String()
}

func writeDistribution(b *strings.Builder, check batch.DistributionCheck) {
	b.WriteString("## Distribution Check\n\n")
	switch {
	case !check.Checked:
		b.WriteString("Skipped: too few evaluated records for a meaningful ratio check.\n\n")
	case !check.Flagged:
		b.WriteString("Verdict ratios fall inside the expected bands.\n\n")
	default:
		b.WriteString("**Flagged**: verdict ratios deviate sharply. Check the upstream scoring:\n\n")
		for _, finding := range check.Findings {
			b.WriteString(fmt.Sprintf("- %s\n", finding))
		}
		b.WriteString("\n")
	}
}

func writeErrors(b *strings.Builder, errors []batch.RecordError) {
	if len(errors) == 0 {
		return
	}
	b.WriteString("## Errors\n\n")
	b.WriteString("| Index | Record | Reason |\n")
	b.WriteString("|-------|--------|--------|\n")
	shown := errors
	if len(shown) > maxErrorRows {
		shown = shown[:maxErrorRows]
	}
	for _, e := range shown {
		b.WriteString(fmt.Sprintf("| %d | %s | %s |\n", e.Index, orDash(e.RecordID), e.Reason))
	}
	if rest := len(errors) - len(shown); rest > 0 {
		b.WriteString(fmt.Sprintf("\n...and %d more.\n", rest))
	}
	b.WriteString("\n")
}

func writeQueue(b *strings.Builder, q *queue.ReviewQueue, preview int) {
	if q == nil {
		return
	}
	b.WriteString("## Review Queue\n\n")
	if q.Len() == 0 {
		b.WriteString("Nothing awaiting review.\n\n")
		return
	}
	b.WriteString(fmt.Sprintf("%d records queued, estimated %s of review.\n\n",
		q.Len(), q.TotalEstimatedReview.Round(time.Second)))
	b.WriteString("| # | Record | Priority | Significance | Confidence | Reason |\n")
	b.WriteString("|---|--------|----------|--------------|------------|--------|\n")
	for _, entry := range q.All() {
		if entry.Position > preview {
			break
		}
		b.WriteString(fmt.Sprintf("| %d | %s | %s | %.2f | %.3f | %s |\n",
			entry.Position, entry.RecordID, entry.Priority, entry.Significance, entry.Confidence, entry.Reason))
	}
	if q.Len() > preview {
		b.WriteString(fmt.Sprintf("\n...and %d more.\n", q.Len()-preview))
	}
	b.WriteString("\n")
}

func writeQuality(b *strings.Builder, metrics *quality.Metrics, alerts []quality.Alert) {
	if metrics == nil {
		return
	}
	b.WriteString("## Quality\n\n")
	b.WriteString(fmt.Sprintf("Window %s to %s, %d audited decisions.\n\n",
		metrics.WindowStart.Format("2006-01-02"), metrics.WindowEnd.Format("2006-01-02"), metrics.Samples))
	b.WriteString("| Metric | Value |\n")
	b.WriteString("|--------|-------|\n")
	b.WriteString(fmt.Sprintf("| Accuracy | %s |\n", percent(metrics.Accuracy)))
	b.WriteString(fmt.Sprintf("| Auto-approve accuracy | %s |\n", percent(metrics.AutoApproveAccuracy)))
	b.WriteString(fmt.Sprintf("| False-positive rate | %s |\n", percent(metrics.FalsePositiveRate)))
	b.WriteString(fmt.Sprintf("| False-negative rate | %s |\n", percent(metrics.FalseNegativeRate)))
	b.WriteString(fmt.Sprintf("| Review time saved | %s |\n", percent(metrics.ReviewTimeReduction)))
	b.WriteString("\n")
	if len(alerts) > 0 {
		b.WriteString("### Active Alerts\n\n")
		for _, alert := range alerts {
			b.WriteString(fmt.Sprintf("- **%s**: %s. %s.\n", alert.Severity, alert.Message, alert.Recommendation))
		}
		b.WriteString("\n")
	}
}

// Operational renders the standing state of the pipeline: decision
// aggregates, recent batches, threshold history, latest quality.
func Operational(agg storage.DecisionAggregates, batches []storage.BatchSummary, history []storage.ThresholdVersion, metrics *quality.Metrics, alerts []quality.Alert, since, now time.Time) string {
	var b strings.Builder
	b.WriteString("# Operational Report\n\n")
	b.WriteString(fmt.Sprintf("Decisions since %s, generated %s.\n\n",
		since.Format("2006-01-02"), now.Format(time.RFC3339)))

	b.WriteString("## Decisions\n\n")
	b.WriteString("| Metric | Value |\n")
	b.WriteString("|--------|-------|\n")
	b.WriteString(fmt.Sprintf("| Total | %d |\n", agg.Total))
	b.WriteString(fmt.Sprintf("| Auto-approved | %d |\n", agg.Approved))
	b.WriteString(fmt.Sprintf("| Review required | %d |\n", agg.Reviewed))
	b.WriteString(fmt.Sprintf("| Auto-rejected | %d |\n", agg.Rejected))
	b.WriteString(fmt.Sprintf("| Critical priority | %d |\n", agg.Critical))
	b.WriteString(fmt.Sprintf("| Avg confidence | %.3f |\n", agg.AvgConfidence))
	b.WriteString(fmt.Sprintf("| Avg significance | %.2f |\n", agg.AvgSignificance))
	b.WriteString("\n")

	if len(batches) > 0 {
		b.WriteString("## Recent Batches\n\n")
		b.WriteString("| Batch | Finished | Evaluated | Approved | Reviewed | Rejected | Failed | Flagged |\n")
		b.WriteString("|-------|----------|-----------|----------|----------|----------|--------|---------|\n")
		for _, batch := range batches {
			b.WriteString(fmt.Sprintf("| %s | %s | %d | %d | %d | %d | %d | %s |\n",
				batch.BatchID, batch.FinishedAt.Format("2006-01-02 15:04"),
				batch.Evaluated, batch.Approved, batch.Reviewed, batch.Rejected,
				batch.Failed, yesNo(batch.Flagged)))
		}
		b.WriteString("\n")
	}

	if len(history) > 0 {
		b.WriteString("## Threshold History\n\n")
		b.WriteString("| Version | Approve | Review | Reject | Source | Applied |\n")
		b.WriteString("|---------|---------|--------|--------|--------|--------|\n")
		for _, v := range history {
			b.WriteString(fmt.Sprintf("| %d | %.2f | %.2f | %.2f | %s | %s |\n",
				v.Config.Version, v.Config.AutoApprove, v.Config.ReviewRequired,
				v.Config.AutoReject, v.Source, v.AppliedAt.Format("2006-01-02 15:04")))
		}
		b.WriteString("\n")
	}

	writeQuality(&b, metrics, alerts)
	return b.String()
}

// Write saves a rendered report, creating parent directories as needed.
func Write(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create report directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	return nil
}

func percent(v float64) string {
	return fmt.Sprintf("%.1f%%", v*100)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
