package batch

import "fmt"

// DistributionBand bounds one verdict class's share of evaluated records.
type DistributionBand struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

func (b DistributionBand) contains(v float64) bool {
	return v >= b.Min && v <= b.Max
}

// DistributionExpectation is the operational expectation for how a batch
// should split across verdicts. These are tuning values, not structural
// constants: operators set them for their data.
type DistributionExpectation struct {
	Approve DistributionBand `json:"approve"`
	Review  DistributionBand `json:"review"`
	Reject  DistributionBand `json:"reject"`
}

func (e DistributionExpectation) isZero() bool {
	return e == DistributionExpectation{}
}

// DefaultDistribution is deliberately wide: it only trips on batches that
// look like upstream data problems, such as nearly everything rejecting.
func DefaultDistribution() DistributionExpectation {
	return DistributionExpectation{
		Approve: DistributionBand{Min: 0, Max: 0.95},
		Review:  DistributionBand{Min: 0, Max: 0.60},
		Reject:  DistributionBand{Min: 0, Max: 0.80},
	}
}

// DistributionCheck is the advisory outcome of comparing observed ratios
// against the expected bands. A flagged batch is still a valid batch.
type DistributionCheck struct {
	Checked  bool     `json:"checked"`
	Flagged  bool     `json:"flagged"`
	Findings []string `json:"findings,omitempty"`
}

func checkDistribution(result *BatchResult, expected DistributionExpectation) DistributionCheck {
	check := DistributionCheck{}
	if result.Evaluated() < distributionMinSamples {
		return check
	}
	check.Checked = true

	classes := []struct {
		name  string
		ratio float64
		band  DistributionBand
	}{
		{"auto_approve", result.ApprovalRate(), expected.Approve},
		{"review_required", result.ReviewRate(), expected.Review},
		{"auto_reject", result.RejectRate(), expected.Reject},
	}
	for _, c := range classes {
		if !c.band.contains(c.ratio) {
			check.Flagged = true
			check.Findings = append(check.Findings,
				fmt.Sprintf("%s ratio %.3f outside expected [%.2f, %.2f]", c.name, c.ratio, c.band.Min, c.band.Max))
		}
	}
	return check
}
