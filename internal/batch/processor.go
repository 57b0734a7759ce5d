package batch

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/daverage/memtriage/internal/record"
	"github.com/daverage/memtriage/internal/validation"
)

const (
	// perWorkerRate is roughly how many evaluations per second one worker
	// sustains on the pure pipeline; it turns a throughput target into a
	// pool size.
	perWorkerRate = 200.0

	DefaultMaxWorkers = 8

	// distributionMinSamples is the smallest evaluated batch the
	// distribution check will judge. Ratios over a handful of records say
	// nothing about upstream data quality.
	distributionMinSamples = 20
)

// Options tunes a batch run.
type Options struct {
	// MaxWorkers caps the worker pool.
	MaxWorkers int
	// TargetThroughput is the records/sec the pool should be sized for.
	// Zero means use MaxWorkers directly.
	TargetThroughput float64
	// Expected bounds the decision-class ratios for the post-run check.
	// Zero value means DefaultDistribution.
	Expected DistributionExpectation
	// Reporter receives per-record progress. Nil means no reporting.
	Reporter Reporter
}

// RecordError is one record's failure inside an otherwise successful batch.
type RecordError struct {
	Index    int    `json:"index"`
	RecordID string `json:"record_id,omitempty"`
	Reason   string `json:"reason"`
}

func (e RecordError) Error() string {
	return fmt.Sprintf("record %d (%s): %s", e.Index, e.RecordID, e.Reason)
}

// BatchResult aggregates one batch run. Decisions and Errors together
// account for every input record: N records with K malformed yield N-K
// decisions and exactly K errors.
type BatchResult struct {
	BatchID         string                     `json:"batch_id"`
	Decisions       []validation.Decision      `json:"decisions"`
	Errors          []RecordError              `json:"errors,omitempty"`
	Total           int                        `json:"total"`
	Approved        int                        `json:"approved"`
	ReviewRequired  int                        `json:"review_required"`
	Rejected        int                        `json:"rejected"`
	AvgConfidence   float64                    `json:"avg_confidence"`
	AvgSignificance float64                    `json:"avg_significance"`
	Thresholds      validation.ThresholdConfig `json:"thresholds"`
	Distribution    DistributionCheck          `json:"distribution"`
	StartedAt       time.Time                  `json:"started_at"`
	FinishedAt      time.Time                  `json:"finished_at"`
	Duration        time.Duration              `json:"duration"`
}

// Evaluated is how many records actually produced decisions.
func (r *BatchResult) Evaluated() int {
	return len(r.Decisions)
}

// ApprovalRate is the auto-approved share of evaluated records.
func (r *BatchResult) ApprovalRate() float64 {
	return ratio(r.Approved, r.Evaluated())
}

// ReviewRate is the review-required share of evaluated records.
func (r *BatchResult) ReviewRate() float64 {
	return ratio(r.ReviewRequired, r.Evaluated())
}

// RejectRate is the auto-rejected share of evaluated records.
func (r *BatchResult) RejectRate() float64 {
	return ratio(r.Rejected, r.Evaluated())
}

func ratio(part, whole int) float64 {
	if whole == 0 {
		return 0
	}
	return float64(part) / float64(whole)
}

// Processor runs validation over record batches with a bounded worker pool.
type Processor struct {
	logger *zap.Logger
	opts   Options
}

// NewProcessor creates a batch processor. Pass zero-value Options for
// defaults.
func NewProcessor(logger *zap.Logger, opts Options) *Processor {
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = DefaultMaxWorkers
	}
	if opts.Expected.isZero() {
		opts.Expected = DefaultDistribution()
	}
	return &Processor{logger: logger, opts: opts}
}

// workers sizes the pool for the throughput target, clamped to
// [1, MaxWorkers].
func (p *Processor) workers() int {
	if p.opts.TargetThroughput <= 0 {
		return p.opts.MaxWorkers
	}
	n := int(math.Ceil(p.opts.TargetThroughput / perWorkerRate))
	if n < 1 {
		n = 1
	}
	if n > p.opts.MaxWorkers {
		n = p.opts.MaxWorkers
	}
	return n
}

// Process evaluates every record against a single config snapshot taken at
// batch start. Malformed records are captured in the error list and the
// batch continues. Cancelling ctx stops dispatch of new work; in-flight
// evaluations finish and the partial result is returned.
func (p *Processor) Process(ctx context.Context, cfg validation.ThresholdConfig, records []record.MemoryRecord) BatchResult {
	started := time.Now()
	evaluator := validation.NewEvaluator(cfg)

	result := BatchResult{
		BatchID:    uuid.NewString(),
		Total:      len(records),
		Thresholds: cfg,
		StartedAt:  started,
	}

	reporter := p.opts.Reporter
	if reporter == nil {
		reporter = NopReporter{}
	}
	reporter.Start(len(records))

	// Each worker writes only its own index; no mutex needed.
	decisions := make([]*validation.Decision, len(records))
	failures := make([]*RecordError, len(records))
	var completed atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers())

	for i := range records {
		if gctx.Err() != nil {
			failures[i] = &RecordError{Index: i, RecordID: records[i].ID, Reason: "canceled before evaluation"}
			continue
		}

		i := i
		rec := &records[i]
		g.Go(func() error {
			if gctx.Err() != nil {
				failures[i] = &RecordError{Index: i, RecordID: rec.ID, Reason: "canceled before evaluation"}
				return nil
			}
			if err := rec.Validate(); err != nil {
				failures[i] = &RecordError{Index: i, RecordID: rec.ID, Reason: err.Error()}
			} else {
				decision := evaluator.Decide(rec)
				decisions[i] = &decision
			}
			reporter.Update(int(completed.Add(1)), rec.ID)
			return nil
		})
	}

	_ = g.Wait() // per-record failures live in the error list
	reporter.Finish()

	confidenceSum := 0.0
	significanceSum := 0.0
	for i := range records {
		if failures[i] != nil {
			result.Errors = append(result.Errors, *failures[i])
			continue
		}
		d := decisions[i]
		result.Decisions = append(result.Decisions, *d)
		confidenceSum += d.Confidence.Overall
		significanceSum += d.Significance.Total
		switch d.Verdict {
		case validation.VerdictAutoApprove:
			result.Approved++
		case validation.VerdictReviewRequired:
			result.ReviewRequired++
		case validation.VerdictAutoReject:
			result.Rejected++
		}
	}

	if evaluated := result.Evaluated(); evaluated > 0 {
		result.AvgConfidence = confidenceSum / float64(evaluated)
		result.AvgSignificance = significanceSum / float64(evaluated)
	}

	result.Distribution = checkDistribution(&result, p.opts.Expected)
	result.FinishedAt = time.Now()
	result.Duration = result.FinishedAt.Sub(started)

	if p.logger != nil {
		p.logger.Info("Batch complete",
			zap.String("batch_id", result.BatchID),
			zap.Int("total", result.Total),
			zap.Int("decisions", result.Evaluated()),
			zap.Int("errors", len(result.Errors)),
			zap.Int("approved", result.Approved),
			zap.Int("review_required", result.ReviewRequired),
			zap.Int("rejected", result.Rejected),
			zap.Duration("duration", result.Duration),
		)
		if result.Distribution.Flagged {
			p.logger.Warn("Batch decision distribution outside expected bands",
				zap.String("batch_id", result.BatchID),
				zap.Strings("findings", result.Distribution.Findings),
			)
		}
	}

	return result
}
