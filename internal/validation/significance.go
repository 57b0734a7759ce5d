package validation

import (
	"math"

	"github.com/daverage/memtriage/internal/record"
)

// Sub-factor weights. They sum to the 10-point significance scale.
const (
	moodMagnitudeWeight      = 3.0
	relationshipImpactWeight = 2.5
	psychMarkerWeight        = 2.5
	turningPointWeight       = 2.0

	neutralMood = 5.0

	// patternSaturation is the total pattern strength at which the
	// psychological-marker sub-factor maxes out.
	patternSaturation = 2.0
)

// SignificanceScore is the emotional weight of one record on a 0-10 scale,
// broken down into the four weighted sub-factors that sum to Total, plus
// the threshold adjustment it recommends for its own evaluation.
//
// ThresholdAdjustment is a signed delta bounded to
// [-MaxSignificanceShift, +MaxSignificanceShift]. In practice it is never
// positive: significance can only narrow the automated bands, pulling
// borderline records toward human review, never widen them.
type SignificanceScore struct {
	Total                 float64 `json:"total"`
	MoodMagnitude         float64 `json:"mood_magnitude"`
	RelationshipImpact    float64 `json:"relationship_impact"`
	PsychologicalMarkers  float64 `json:"psychological_markers"`
	TurningPointPotential float64 `json:"turning_point_potential"`
	ThresholdAdjustment   float64 `json:"threshold_adjustment"`
}

// ScoreSignificance rates how much a record matters emotionally, from its
// mood, trajectory, and detected patterns. Pure: no config, no clock.
func ScoreSignificance(rec *record.MemoryRecord) SignificanceScore {
	mood := moodMagnitude(rec.Emotional.MoodScore)
	relationship := relationshipImpact(rec)
	markers := psychologicalMarkers(rec.Emotional.Patterns)
	turning := turningPointPotential(rec.Emotional)

	score := SignificanceScore{
		MoodMagnitude:         mood * moodMagnitudeWeight,
		RelationshipImpact:    relationship * relationshipImpactWeight,
		PsychologicalMarkers:  markers * psychMarkerWeight,
		TurningPointPotential: turning * turningPointWeight,
	}
	total := score.MoodMagnitude + score.RelationshipImpact + score.PsychologicalMarkers + score.TurningPointPotential
	score.Total = clipScale(total, 10)
	score.ThresholdAdjustment = significanceShift(score.Total)
	return score
}

// moodMagnitude measures distance from neutral mood, normalized to [0,1].
// A mood of 0 or 10 is maximally charged; 5 contributes nothing.
func moodMagnitude(mood float64) float64 {
	return clip01(math.Abs(mood-neutralMood) / neutralMood)
}

// relationshipImpact scales trajectory volatility by whether the record
// carries relationship dynamics at all. A record with no relationship
// summary can only ever have half the impact.
func relationshipImpact(rec *record.MemoryRecord) float64 {
	impact := trajectoryWeight(rec.Emotional.Trajectory)
	if rec.Relationship == "" {
		impact *= 0.5
	}
	return clip01(impact)
}

// psychologicalMarkers aggregates detected pattern strength, saturating
// once total strength reaches patternSaturation.
func psychologicalMarkers(patterns []record.EmotionalPattern) float64 {
	total := 0.0
	for _, p := range patterns {
		total += clip01(p.Significance)
	}
	return clip01(total / patternSaturation)
}

// turningPointPotential needs both a strong pattern and a trajectory in
// motion: a stable arc rarely turns.
func turningPointPotential(emotional record.EmotionalAnalysis) float64 {
	peak := 0.0
	for _, p := range emotional.Patterns {
		if s := clip01(p.Significance); s > peak {
			peak = s
		}
	}
	return clip01(peak * instabilityWeight(emotional.Trajectory))
}

func trajectoryWeight(t record.TrajectoryDirection) float64 {
	switch t {
	case record.TrajectoryVolatile:
		return 1.0
	case record.TrajectoryDeclining:
		return 0.85
	case record.TrajectoryImproving:
		return 0.7
	case record.TrajectoryStable:
		return 0.4
	default:
		return 0.4
	}
}

func instabilityWeight(t record.TrajectoryDirection) float64 {
	switch t {
	case record.TrajectoryVolatile:
		return 1.0
	case record.TrajectoryImproving, record.TrajectoryDeclining:
		return 0.8
	default:
		return 0.3
	}
}

// significanceShift maps a significance total to its threshold delta.
// Monotone range table: higher significance never shrinks the shift, and
// the delta is never positive. Totals of 8 and above recommend the maximum
// shift.
func significanceShift(total float64) float64 {
	switch {
	case total >= CriticalSignificance:
		return -MaxSignificanceShift
	case total >= 7:
		return -0.10
	case total >= HighSignificance:
		return -0.05
	default:
		return 0
	}
}

// AdjustThresholds returns a copy of cfg with the significance shift
// applied for a single evaluation. The negative delta narrows both
// automated bands: the approve cut rises and the reject cut falls, so
// emotionally critical content lands in human review from either side even
// when its confidence is high. The shared config is never mutated, and the
// ordering invariant holds on the copy by construction.
func AdjustThresholds(cfg ThresholdConfig, sig SignificanceScore) ThresholdConfig {
	delta := sig.ThresholdAdjustment
	if delta == 0 {
		return cfg
	}

	adjusted := cfg
	adjusted.AutoApprove = math.Min(1, cfg.AutoApprove-delta)
	adjusted.AutoReject = math.Max(0, cfg.AutoReject+delta)
	adjusted.ReviewRequired = cfg.ReviewRequired + delta
	if adjusted.ReviewRequired < adjusted.AutoReject {
		adjusted.ReviewRequired = adjusted.AutoReject
	}
	if adjusted.ReviewRequired > adjusted.AutoApprove {
		adjusted.ReviewRequired = adjusted.AutoApprove
	}
	return adjusted
}

func clipScale(v, limit float64) float64 {
	if v < 0 {
		return 0
	}
	if v > limit {
		return limit
	}
	return v
}
