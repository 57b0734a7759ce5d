package validation

import (
	"math"
	"time"

	"github.com/daverage/memtriage/internal/record"
)

// Verdict is the three-way outcome of validating one record.
type Verdict string

const (
	VerdictAutoApprove    Verdict = "auto_approve"
	VerdictReviewRequired Verdict = "review_required"
	VerdictAutoReject     Verdict = "auto_reject"
)

// Priority orders records for human attention.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

const (
	// Significance totals at which priority escalates.
	CriticalSignificance = 8.0
	HighSignificance     = 6.0
	MediumSignificance   = 4.0

	// BoundaryProximity is how close confidence must sit to an operative
	// cut point to force critical priority; a record this close to the
	// line deserves eyes either way.
	BoundaryProximity = 0.05

	// Review time estimate bounds.
	MinReviewTime = 30 * time.Second
	MaxReviewTime = 180 * time.Second
)

// Reasoning explains a decision in terms a reviewer can check against the
// record without re-running the engine.
type Reasoning struct {
	PrimaryDriver    string   `json:"primary_driver"`
	UncertaintyAreas []string `json:"uncertainty_areas,omitempty"`
	Strengths        []string `json:"strengths,omitempty"`
}

// Decision is the single immutable output of evaluating one record.
type Decision struct {
	RecordID        string            `json:"record_id"`
	Verdict         Verdict           `json:"verdict"`
	Confidence      ConfidenceResult  `json:"confidence"`
	Significance    SignificanceScore `json:"significance"`
	Reasoning       Reasoning         `json:"reasoning"`
	Priority        Priority          `json:"priority"`
	EstimatedReview time.Duration     `json:"estimated_review"`
	DecidedAt       time.Time         `json:"decided_at"`
}

// Decide runs the full pipeline for one record: confidence, significance,
// per-evaluation threshold adjustment, verdict, priority, review estimate.
// Stateless apart from the config snapshot; no history, no transitions.
func (e *Evaluator) Decide(rec *record.MemoryRecord) Decision {
	conf := e.ScoreConfidence(rec.Factors)
	sig := ScoreSignificance(rec)
	cuts := AdjustThresholds(e.cfg, sig)

	return Decision{
		RecordID:        rec.ID,
		Verdict:         Classify(conf.Overall, cuts),
		Confidence:      conf,
		Significance:    sig,
		Reasoning:       buildReasoning(conf),
		Priority:        priorityFor(conf.Overall, sig, cuts),
		EstimatedReview: EstimateReviewTime(conf.Overall),
		DecidedAt:       time.Now(),
	}
}

// Classify maps a confidence to a verdict against the given cuts. Exact
// boundary ties go to the less-automated side: landing on the approve cut
// means review, landing on the reject cut means reject. Total over [0,1]
// for any valid config. Exported so calibration can replay stored
// confidences under candidate configs.
func Classify(confidence float64, cuts ThresholdConfig) Verdict {
	switch {
	case confidence > cuts.AutoApprove:
		return VerdictAutoApprove
	case confidence <= cuts.AutoReject:
		return VerdictAutoReject
	default:
		return VerdictReviewRequired
	}
}

// priorityFor escalates on significance and on boundary proximity to the
// cut points actually applied.
func priorityFor(confidence float64, sig SignificanceScore, cuts ThresholdConfig) Priority {
	if sig.Total >= CriticalSignificance || nearCut(confidence, cuts) {
		return PriorityCritical
	}
	if sig.Total >= HighSignificance {
		return PriorityHigh
	}
	if sig.Total >= MediumSignificance {
		return PriorityMedium
	}
	return PriorityLow
}

func nearCut(confidence float64, cuts ThresholdConfig) bool {
	return math.Abs(confidence-cuts.AutoApprove) <= BoundaryProximity ||
		math.Abs(confidence-cuts.AutoReject) <= BoundaryProximity
}

// EstimateReviewTime is linear in confidence: hopeless records take the
// full ceiling, near-certain ones the floor. Monotone decreasing.
func EstimateReviewTime(confidence float64) time.Duration {
	span := float64(MaxReviewTime - MinReviewTime)
	estimate := MaxReviewTime - time.Duration(clip01(confidence)*span)
	if estimate < MinReviewTime {
		return MinReviewTime
	}
	if estimate > MaxReviewTime {
		return MaxReviewTime
	}
	return estimate
}

// buildReasoning names the factor that carried the score, the factors that
// held it back, and the ones a reviewer can lean on.
func buildReasoning(conf ConfidenceResult) Reasoning {
	reasoning := Reasoning{
		UncertaintyAreas: conf.UncertaintyAreas,
	}

	best := -1.0
	for _, c := range conf.Factors {
		if c.Weighted > best {
			best = c.Weighted
			reasoning.PrimaryDriver = c.Name
		}
		if c.Value >= strengthFloor {
			reasoning.Strengths = append(reasoning.Strengths, c.Name)
		}
	}
	return reasoning
}
