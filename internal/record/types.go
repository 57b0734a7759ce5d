package record

import (
	"fmt"
	"math"
	"time"
)

// TrajectoryDirection describes where a record's emotional arc is heading
type TrajectoryDirection string

const (
	TrajectoryImproving TrajectoryDirection = "improving"
	TrajectoryDeclining TrajectoryDirection = "declining"
	TrajectoryStable    TrajectoryDirection = "stable"
	TrajectoryVolatile  TrajectoryDirection = "volatile"
)

// EmotionalPattern is a single pattern detected by the upstream analysis,
// e.g. "anxiety_spiral" or "breakthrough_moment", with its strength in [0,1].
type EmotionalPattern struct {
	Type         string  `json:"type"`
	Significance float64 `json:"significance"`
}

// EmotionalAnalysis holds the upstream emotional read of a record:
// mood on a 0-10 scale (5 is neutral), trajectory, and detected patterns.
type EmotionalAnalysis struct {
	MoodScore  float64             `json:"mood_score"`
	Trajectory TrajectoryDirection `json:"trajectory"`
	Patterns   []EmotionalPattern  `json:"patterns,omitempty"`
}

// FactorScores are the four pre-computed confidence sub-scores supplied by
// the extraction subsystem. Each is nominally in [0,1]; finite values outside
// that range are clipped during scoring rather than rejected.
type FactorScores struct {
	Extraction           float64 `json:"extraction"`
	EmotionalCoherence   float64 `json:"emotional_coherence"`
	RelationshipAccuracy float64 `json:"relationship_accuracy"`
	ContextQuality       float64 `json:"context_quality"`
}

// MemoryRecord is one extracted memory awaiting validation
type MemoryRecord struct {
	ID           string            `json:"id"`
	Content      string            `json:"content"`
	Emotional    EmotionalAnalysis `json:"emotional"`
	Relationship string            `json:"relationship,omitempty"`
	Factors      FactorScores      `json:"factors"`
	CapturedAt   time.Time         `json:"captured_at"`
}

// Validate reports whether the record is structurally sound enough to
// evaluate. It checks for upstream corruption (missing ID, non-finite
// numbers, values outside their documented scales), NOT for factor scores
// slightly outside [0,1]; those are clipped by the scorer.
func (r *MemoryRecord) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("record has no ID")
	}
	factors := []struct {
		name  string
		score float64
	}{
		{"extraction", r.Factors.Extraction},
		{"emotional_coherence", r.Factors.EmotionalCoherence},
		{"relationship_accuracy", r.Factors.RelationshipAccuracy},
		{"context_quality", r.Factors.ContextQuality},
	}
	for _, f := range factors {
		if math.IsNaN(f.score) || math.IsInf(f.score, 0) {
			return fmt.Errorf("factor %s is not finite", f.name)
		}
	}
	if math.IsNaN(r.Emotional.MoodScore) || r.Emotional.MoodScore < 0 || r.Emotional.MoodScore > 10 {
		return fmt.Errorf("mood score %.2f outside 0-10 scale", r.Emotional.MoodScore)
	}
	for i, p := range r.Emotional.Patterns {
		if p.Type == "" {
			return fmt.Errorf("pattern %d has no type", i)
		}
		if math.IsNaN(p.Significance) || p.Significance < 0 || p.Significance > 1 {
			return fmt.Errorf("pattern %q significance %.2f outside 0-1 scale", p.Type, p.Significance)
		}
	}
	return nil
}

// Age returns how long ago the record was captured, relative to now.
// A zero CapturedAt yields a very large age, pushing the record to the
// back of recency-ordered queues.
func (r *MemoryRecord) Age(now time.Time) time.Duration {
	if r.CapturedAt.IsZero() {
		return time.Duration(math.MaxInt64)
	}
	age := now.Sub(r.CapturedAt)
	if age < 0 {
		return 0
	}
	return age
}
