package validation

import (
	"fmt"
	"time"

	"github.com/daverage/memtriage/internal/record"
)

// Feedback links one decision to what a human actually did with the
// record. PredictedConfidence and Factors are joined from the decision
// log so that calibration can replay the sample under candidate configs.
type Feedback struct {
	RecordID            string              `json:"record_id"`
	Predicted           Verdict             `json:"predicted"`
	PredictedConfidence float64             `json:"predicted_confidence"`
	Factors             record.FactorScores `json:"factors"`
	Actual              Verdict             `json:"actual"`
	ReviewerConfidence  float64             `json:"reviewer_confidence"`
	DisagreementReason  string              `json:"disagreement_reason,omitempty"`
	TimeTaken           time.Duration       `json:"time_taken"`
	QualityRating       int                 `json:"quality_rating"`
	CreatedAt           time.Time           `json:"created_at"`
}

// Agreed reports whether the human confirmed the engine's verdict.
func (f *Feedback) Agreed() bool {
	return f.Predicted == f.Actual
}

// Validate checks the reviewer-supplied fields.
func (f *Feedback) Validate() error {
	if f.RecordID == "" {
		return fmt.Errorf("feedback has no record ID")
	}
	switch f.Actual {
	case VerdictAutoApprove, VerdictReviewRequired, VerdictAutoReject:
	default:
		return fmt.Errorf("unknown actual decision %q", f.Actual)
	}
	if f.ReviewerConfidence < 0 || f.ReviewerConfidence > 1 {
		return fmt.Errorf("reviewer confidence %.2f outside [0,1]", f.ReviewerConfidence)
	}
	if f.QualityRating < 1 || f.QualityRating > 5 {
		return fmt.Errorf("quality rating %d outside 1-5", f.QualityRating)
	}
	if f.TimeTaken < 0 {
		return fmt.Errorf("negative time taken")
	}
	return nil
}
