// Package quality watches validation outcomes against human feedback and
// raises advisory alerts when automation drifts. It never adjusts
// thresholds itself; that is calibration's job.
package quality

import (
	"fmt"
	"time"

	"github.com/daverage/memtriage/internal/validation"
)

// Alert codes.
const (
	AlertAutoApproveAccuracy = "auto_approve_accuracy_low"
	AlertFalsePositiveRate   = "false_positive_rate_high"
)

// Severity ranks how urgently an alert wants attention.
type Severity string

const (
	SeverityHigh   Severity = "high"
	SeverityMedium Severity = "medium"
)

// Config bounds the monitor's window and alert rules.
type Config struct {
	// Window is how far back feedback is considered.
	Window time.Duration
	// Interval is the re-evaluation cadence of the monitor loop.
	Interval time.Duration
	// MinSamples gates alerting; tiny windows stay silent.
	MinSamples int
	// MinAutoApproveAccuracy is the floor below which auto-approvals
	// are considered untrustworthy.
	MinAutoApproveAccuracy float64
	// MaxFalsePositiveRate caps how often an auto-approval may turn
	// out to be a human rejection.
	MaxFalsePositiveRate float64
	// BaselineReview is the assumed per-record cost of a fully manual
	// pipeline, used to estimate review time saved.
	BaselineReview time.Duration
}

// DefaultConfig mirrors the shipped monitor settings.
func DefaultConfig() Config {
	return Config{
		Window:                 7 * 24 * time.Hour,
		Interval:               time.Hour,
		MinSamples:             10,
		MinAutoApproveAccuracy: 0.90,
		MaxFalsePositiveRate:   0.05,
		BaselineReview:         180 * time.Second,
	}
}

// Validate rejects configs that cannot drive a meaningful evaluation.
func (c Config) Validate() error {
	if c.Window <= 0 {
		return fmt.Errorf("window must be positive, got %s", c.Window)
	}
	if c.Interval <= 0 {
		return fmt.Errorf("interval must be positive, got %s", c.Interval)
	}
	if c.MinSamples < 1 {
		return fmt.Errorf("min samples must be at least 1, got %d", c.MinSamples)
	}
	if c.MinAutoApproveAccuracy < 0 || c.MinAutoApproveAccuracy > 1 {
		return fmt.Errorf("min auto-approve accuracy %.2f outside [0,1]", c.MinAutoApproveAccuracy)
	}
	if c.MaxFalsePositiveRate < 0 || c.MaxFalsePositiveRate > 1 {
		return fmt.Errorf("max false-positive rate %.2f outside [0,1]", c.MaxFalsePositiveRate)
	}
	if c.BaselineReview <= 0 {
		return fmt.Errorf("baseline review must be positive, got %s", c.BaselineReview)
	}
	return nil
}

// Metrics is one window's quality read over audited decisions.
type Metrics struct {
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
	// Samples is the number of feedback entries inside the window.
	Samples int `json:"samples"`
	// Accuracy is the share of verdicts the reviewer confirmed.
	Accuracy float64 `json:"accuracy"`
	// AutoApproveAccuracy is accuracy restricted to auto-approvals.
	AutoApproveAccuracy float64 `json:"auto_approve_accuracy"`
	// FalsePositiveRate is the share of auto-approvals the reviewer
	// rejected outright.
	FalsePositiveRate float64 `json:"false_positive_rate"`
	// FalseNegativeRate is the share of auto-rejections the reviewer
	// approved.
	FalseNegativeRate float64 `json:"false_negative_rate"`
	// ReviewTimeReduction estimates the fraction of manual review time
	// the engine saved against a fully manual baseline.
	ReviewTimeReduction float64   `json:"review_time_reduction"`
	ComputedAt          time.Time `json:"computed_at"`
}

// Healthy reports whether the window is clean enough to calibrate on.
func (m Metrics) Healthy(minAutoApproveAccuracy, maxFalsePositiveRate float64) bool {
	return m.AutoApproveAccuracy >= minAutoApproveAccuracy &&
		m.FalsePositiveRate <= maxFalsePositiveRate
}

// Alert is an advisory finding. Alerts recommend action; they never take
// it.
type Alert struct {
	Code           string    `json:"code"`
	Severity       Severity  `json:"severity"`
	Message        string    `json:"message"`
	Recommendation string    `json:"recommendation"`
	RaisedAt       time.Time `json:"raised_at"`
}

// Evaluate computes metrics and alerts over the feedback falling inside
// the window ending at now. It is pure: the same feedback and clock
// always produce the same result.
func Evaluate(cfg Config, feedback []validation.Feedback, now time.Time) (Metrics, []Alert) {
	start := now.Add(-cfg.Window)
	m := Metrics{
		WindowStart: start,
		WindowEnd:   now,
		ComputedAt:  now,
	}

	var (
		agreed        int
		approvals     int
		approvalsHit  int
		approvalsMiss int
		rejections    int
		rejectionsHit int
		reviewed      time.Duration
	)
	for i := range feedback {
		f := &feedback[i]
		if f.CreatedAt.Before(start) || f.CreatedAt.After(now) {
			continue
		}
		m.Samples++
		if f.Agreed() {
			agreed++
		}
		reviewed += f.TimeTaken
		switch f.Predicted {
		case validation.VerdictAutoApprove:
			approvals++
			if f.Actual == validation.VerdictAutoApprove {
				approvalsHit++
			}
			if f.Actual == validation.VerdictAutoReject {
				approvalsMiss++
			}
		case validation.VerdictAutoReject:
			rejections++
			if f.Actual == validation.VerdictAutoApprove {
				rejectionsHit++
			}
		}
	}

	m.Accuracy = safeDiv(float64(agreed), float64(m.Samples))
	m.AutoApproveAccuracy = safeDiv(float64(approvalsHit), float64(approvals))
	m.FalsePositiveRate = rate(approvalsMiss, approvals)
	m.FalseNegativeRate = rate(rejectionsHit, rejections)
	m.ReviewTimeReduction = timeReduction(reviewed, m.Samples, cfg.BaselineReview)

	return m, evaluateAlerts(cfg, m, now)
}

func evaluateAlerts(cfg Config, m Metrics, now time.Time) []Alert {
	if m.Samples < cfg.MinSamples {
		return nil
	}
	var alerts []Alert
	if m.AutoApproveAccuracy < cfg.MinAutoApproveAccuracy {
		alerts = append(alerts, Alert{
			Code:     AlertAutoApproveAccuracy,
			Severity: SeverityHigh,
			Message: fmt.Sprintf("auto-approve accuracy %.1f%% below %.1f%% over %d samples",
				m.AutoApproveAccuracy*100, cfg.MinAutoApproveAccuracy*100, m.Samples),
			Recommendation: "recalibrate thresholds against recent feedback",
			RaisedAt:       now,
		})
	}
	if m.FalsePositiveRate > cfg.MaxFalsePositiveRate {
		alerts = append(alerts, Alert{
			Code:     AlertFalsePositiveRate,
			Severity: SeverityMedium,
			Message: fmt.Sprintf("false-positive rate %.1f%% above %.1f%% over %d samples",
				m.FalsePositiveRate*100, cfg.MaxFalsePositiveRate*100, m.Samples),
			Recommendation: "raise the auto-approve threshold",
			RaisedAt:       now,
		})
	}
	return alerts
}

// safeDiv treats an empty denominator as a perfect score: no evidence of
// failure is not failure.
func safeDiv(num, den float64) float64 {
	if den == 0 {
		return 1
	}
	return num / den
}

// rate treats an empty denominator as zero: no events means no bad
// events.
func rate(part, whole int) float64 {
	if whole == 0 {
		return 0
	}
	return float64(part) / float64(whole)
}

func timeReduction(reviewed time.Duration, samples int, baseline time.Duration) float64 {
	if samples == 0 {
		return 0
	}
	full := baseline * time.Duration(samples)
	if full <= 0 {
		return 0
	}
	saved := 1 - float64(reviewed)/float64(full)
	if saved < 0 {
		return 0
	}
	if saved > 1 {
		return 1
	}
	return saved
}
