package queue

import (
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/daverage/memtriage/internal/record"
	"github.com/daverage/memtriage/internal/validation"
)

const (
	// DefaultRecencyHalfLife halves a record's recency weight every three
	// days: yesterday's session matters more than last month's.
	DefaultRecencyHalfLife = 72 * time.Hour

	// Blend weights for ordering the non-critical buckets.
	significanceBlendWeight = 0.7
	recencyBlendWeight      = 0.3
)

// EnqueueReason says why a record is in the queue at all.
type EnqueueReason string

const (
	// ReasonReviewRequired marks records the decision engine could not
	// automate.
	ReasonReviewRequired EnqueueReason = "review_required"
	// ReasonUrgentSignificance marks records queued purely for their
	// emotional weight, whatever their verdict was.
	ReasonUrgentSignificance EnqueueReason = "urgent_significance"
)

// Entry is one queued record with everything a reviewer triages by.
type Entry struct {
	Position        int                 `json:"position"`
	RecordID        string              `json:"record_id"`
	Verdict         validation.Verdict  `json:"verdict"`
	Confidence      float64             `json:"confidence"`
	Significance    float64             `json:"significance"`
	Priority        validation.Priority `json:"priority"`
	Reason          EnqueueReason       `json:"reason"`
	EstimatedReview time.Duration       `json:"estimated_review"`
	BlendedScore    float64             `json:"blended_score"`
	CapturedAt      time.Time           `json:"captured_at"`
}

// ReviewQueue is the ordered work list handed to the human review tooling:
// critical entries first, then high, then everything else.
type ReviewQueue struct {
	ID                   string        `json:"id"`
	BuiltAt              time.Time     `json:"built_at"`
	Critical             []Entry       `json:"critical"`
	High                 []Entry       `json:"high"`
	Remainder            []Entry       `json:"remainder"`
	TotalEstimatedReview time.Duration `json:"total_estimated_review"`
}

// Len is the total number of queued entries.
func (q *ReviewQueue) Len() int {
	return len(q.Critical) + len(q.High) + len(q.Remainder)
}

// All returns every entry in queue order.
func (q *ReviewQueue) All() []Entry {
	all := make([]Entry, 0, q.Len())
	all = append(all, q.Critical...)
	all = append(all, q.High...)
	all = append(all, q.Remainder...)
	return all
}

// Builder turns batch decisions into review queues.
type Builder struct {
	halfLife time.Duration
}

// NewBuilder creates a queue builder. A non-positive half-life falls back
// to DefaultRecencyHalfLife.
func NewBuilder(halfLife time.Duration) *Builder {
	if halfLife <= 0 {
		halfLife = DefaultRecencyHalfLife
	}
	return &Builder{halfLife: halfLife}
}

// Build selects and orders the records a human should look at: everything
// the engine sent to review, plus anything urgent on significance alone,
// regardless of verdict. Deterministic for fixed inputs and reference time.
func (b *Builder) Build(decisions []validation.Decision, records []record.MemoryRecord, now time.Time) ReviewQueue {
	byID := make(map[string]*record.MemoryRecord, len(records))
	for i := range records {
		byID[records[i].ID] = &records[i]
	}

	q := ReviewQueue{
		ID:      uuid.NewString(),
		BuiltAt: now,
	}

	for _, d := range decisions {
		reason, queued := enqueueReason(d)
		if !queued {
			continue
		}

		entry := Entry{
			RecordID:        d.RecordID,
			Verdict:         d.Verdict,
			Confidence:      d.Confidence.Overall,
			Significance:    d.Significance.Total,
			Priority:        d.Priority,
			Reason:          reason,
			EstimatedReview: d.EstimatedReview,
		}
		if rec, ok := byID[d.RecordID]; ok {
			entry.CapturedAt = rec.CapturedAt
			entry.BlendedScore = b.blend(d.Significance.Total, rec.Age(now))
		}
		q.TotalEstimatedReview += entry.EstimatedReview

		switch d.Priority {
		case validation.PriorityCritical:
			q.Critical = append(q.Critical, entry)
		case validation.PriorityHigh:
			q.High = append(q.High, entry)
		default:
			q.Remainder = append(q.Remainder, entry)
		}
	}

	// Critical orders by raw urgency; the other buckets blend emotional
	// weight with recency.
	sort.SliceStable(q.Critical, byUrgency(q.Critical))
	sort.SliceStable(q.High, byBlended(q.High))
	sort.SliceStable(q.Remainder, byBlended(q.Remainder))

	position := 0
	for _, bucket := range [][]Entry{q.Critical, q.High, q.Remainder} {
		for i := range bucket {
			position++
			bucket[i].Position = position
		}
	}

	return q
}

// enqueueReason decides whether a decision belongs in the queue and why.
func enqueueReason(d validation.Decision) (EnqueueReason, bool) {
	if d.Verdict == validation.VerdictReviewRequired {
		return ReasonReviewRequired, true
	}
	if d.Significance.Total >= validation.CriticalSignificance {
		return ReasonUrgentSignificance, true
	}
	return "", false
}

// blend scores an entry for ordering: 70% emotional weight, 30% recency.
// Recency decays exponentially with the configured half-life.
func (b *Builder) blend(significance float64, age time.Duration) float64 {
	recency := math.Pow(0.5, float64(age)/float64(b.halfLife))
	return significanceBlendWeight*(significance/10) + recencyBlendWeight*recency
}

func byUrgency(entries []Entry) func(i, j int) bool {
	return func(i, j int) bool {
		if entries[i].Significance != entries[j].Significance {
			return entries[i].Significance > entries[j].Significance
		}
		if !entries[i].CapturedAt.Equal(entries[j].CapturedAt) {
			return entries[i].CapturedAt.Before(entries[j].CapturedAt)
		}
		return entries[i].RecordID < entries[j].RecordID
	}
}

func byBlended(entries []Entry) func(i, j int) bool {
	return func(i, j int) bool {
		if entries[i].BlendedScore != entries[j].BlendedScore {
			return entries[i].BlendedScore > entries[j].BlendedScore
		}
		if !entries[i].CapturedAt.Equal(entries[j].CapturedAt) {
			return entries[i].CapturedAt.Before(entries[j].CapturedAt)
		}
		return entries[i].RecordID < entries[j].RecordID
	}
}
