// Package importer parses pre-scored records and reviewer feedback from
// CSV and JSON exports. It never derives emotional scores itself; every
// value here was computed upstream.
package importer

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/daverage/memtriage/internal/record"
	"github.com/daverage/memtriage/internal/validation"
)

// RowError is one unparseable row. Good rows still load.
type RowError struct {
	Row    int
	Reason string
}

func (e *RowError) Error() string {
	return fmt.Sprintf("row %d: %s", e.Row, e.Reason)
}

var recordHeader = []string{
	"id", "content", "mood_score", "trajectory", "relationship_summary",
	"patterns", "extraction_confidence", "emotional_coherence",
	"relationship_accuracy", "context_quality", "captured_at",
}

var feedbackHeader = []string{
	"record_id", "actual_decision", "reviewer_confidence",
	"disagreement_reason", "time_taken_seconds", "quality_rating",
}

// LoadCSV reads records from a CSV export. Malformed rows are collected
// with their row numbers; the rest load normally.
func LoadCSV(path string) ([]record.MemoryRecord, []RowError, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open records file: %w", err)
	}
	defer f.Close()
	return parseRecords(f)
}

func parseRecords(r io.Reader) ([]record.MemoryRecord, []RowError, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read header: %w", err)
	}
	if err := checkHeader(header, recordHeader); err != nil {
		return nil, nil, err
	}

	var (
		records  []record.MemoryRecord
		failures []RowError
	)
	for row := 2; ; row++ {
		fields, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			failures = append(failures, RowError{Row: row, Reason: err.Error()})
			continue
		}
		rec, err := parseRecordRow(fields)
		if err != nil {
			failures = append(failures, RowError{Row: row, Reason: err.Error()})
			continue
		}
		records = append(records, rec)
	}
	return records, failures, nil
}

func parseRecordRow(fields []string) (record.MemoryRecord, error) {
	if len(fields) != len(recordHeader) {
		return record.MemoryRecord{}, fmt.Errorf("expected %d columns, got %d", len(recordHeader), len(fields))
	}

	mood, err := parseFloat("mood_score", fields[2])
	if err != nil {
		return record.MemoryRecord{}, err
	}
	patterns, err := parsePatterns(fields[5])
	if err != nil {
		return record.MemoryRecord{}, err
	}

	var factors record.FactorScores
	for _, col := range []struct {
		name  string
		field string
		dst   *float64
	}{
		{"extraction_confidence", fields[6], &factors.Extraction},
		{"emotional_coherence", fields[7], &factors.EmotionalCoherence},
		{"relationship_accuracy", fields[8], &factors.RelationshipAccuracy},
		{"context_quality", fields[9], &factors.ContextQuality},
	} {
		v, err := parseFloat(col.name, col.field)
		if err != nil {
			return record.MemoryRecord{}, err
		}
		*col.dst = v
	}

	capturedAt, err := parseTime(fields[10])
	if err != nil {
		return record.MemoryRecord{}, err
	}

	return record.MemoryRecord{
		ID:      strings.TrimSpace(fields[0]),
		Content: fields[1],
		Emotional: record.EmotionalAnalysis{
			MoodScore:  mood,
			Trajectory: record.TrajectoryDirection(strings.TrimSpace(fields[3])),
			Patterns:   patterns,
		},
		Relationship: strings.TrimSpace(fields[4]),
		Factors:      factors,
		CapturedAt:   capturedAt,
	}, nil
}

// parsePatterns splits "type:significance|type:significance".
func parsePatterns(field string) ([]record.EmotionalPattern, error) {
	field = strings.TrimSpace(field)
	if field == "" {
		return nil, nil
	}
	var patterns []record.EmotionalPattern
	for _, part := range strings.Split(field, "|") {
		name, sig, found := strings.Cut(part, ":")
		if !found {
			return nil, fmt.Errorf("invalid pattern %q, want type:significance", part)
		}
		value, err := strconv.ParseFloat(strings.TrimSpace(sig), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern significance %q", sig)
		}
		patterns = append(patterns, record.EmotionalPattern{
			Type:         strings.TrimSpace(name),
			Significance: value,
		})
	}
	return patterns, nil
}

// LoadJSON reads records from a JSON array export.
func LoadJSON(path string) ([]record.MemoryRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open records file: %w", err)
	}
	var records []record.MemoryRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("failed to parse records JSON: %w", err)
	}
	return records, nil
}

// LoadFeedbackCSV reads reviewer feedback exports. An optional trailing
// created_at column carries the review timestamp; rows without it are
// stamped with now. Predicted verdict and confidence are joined from the
// decision log by the caller.
func LoadFeedbackCSV(path string, now time.Time) ([]validation.Feedback, []RowError, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open feedback file: %w", err)
	}
	defer f.Close()
	return parseFeedback(f, now)
}

func parseFeedback(r io.Reader, now time.Time) ([]validation.Feedback, []RowError, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read header: %w", err)
	}
	if err := checkHeader(header, feedbackHeader); err != nil {
		return nil, nil, err
	}

	var (
		feedback []validation.Feedback
		failures []RowError
	)
	for row := 2; ; row++ {
		fields, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			failures = append(failures, RowError{Row: row, Reason: err.Error()})
			continue
		}
		fb, err := parseFeedbackRow(fields, now)
		if err != nil {
			failures = append(failures, RowError{Row: row, Reason: err.Error()})
			continue
		}
		feedback = append(feedback, fb)
	}
	return feedback, failures, nil
}

func parseFeedbackRow(fields []string, now time.Time) (validation.Feedback, error) {
	if len(fields) != len(feedbackHeader) && len(fields) != len(feedbackHeader)+1 {
		return validation.Feedback{}, fmt.Errorf("expected %d or %d columns, got %d",
			len(feedbackHeader), len(feedbackHeader)+1, len(fields))
	}

	actual, err := parseVerdict(fields[1])
	if err != nil {
		return validation.Feedback{}, err
	}
	confidence, err := parseFloat("reviewer_confidence", fields[2])
	if err != nil {
		return validation.Feedback{}, err
	}
	seconds, err := strconv.Atoi(strings.TrimSpace(fields[4]))
	if err != nil {
		return validation.Feedback{}, fmt.Errorf("invalid time_taken_seconds %q", fields[4])
	}
	rating, err := strconv.Atoi(strings.TrimSpace(fields[5]))
	if err != nil {
		return validation.Feedback{}, fmt.Errorf("invalid quality_rating %q", fields[5])
	}

	createdAt := now
	if len(fields) == len(feedbackHeader)+1 {
		createdAt, err = parseTime(fields[6])
		if err != nil {
			return validation.Feedback{}, err
		}
		if createdAt.IsZero() {
			createdAt = now
		}
	}

	fb := validation.Feedback{
		RecordID:           strings.TrimSpace(fields[0]),
		Actual:             actual,
		ReviewerConfidence: confidence,
		DisagreementReason: strings.TrimSpace(fields[3]),
		TimeTaken:          time.Duration(seconds) * time.Second,
		QualityRating:      rating,
		CreatedAt:          createdAt,
	}
	if err := fb.Validate(); err != nil {
		return validation.Feedback{}, err
	}
	return fb, nil
}

// parseVerdict accepts the short reviewer forms alongside the canonical
// verdict names.
func parseVerdict(field string) (validation.Verdict, error) {
	switch strings.ToLower(strings.TrimSpace(field)) {
	case "approve", "auto_approve":
		return validation.VerdictAutoApprove, nil
	case "review", "review_required":
		return validation.VerdictReviewRequired, nil
	case "reject", "auto_reject":
		return validation.VerdictAutoReject, nil
	default:
		return "", fmt.Errorf("unknown decision %q", field)
	}
}

func checkHeader(got, want []string) error {
	if len(got) < len(want) {
		return fmt.Errorf("unexpected header: %d columns, want at least %d", len(got), len(want))
	}
	for i, name := range want {
		if strings.ToLower(strings.TrimSpace(got[i])) != name {
			return fmt.Errorf("unexpected header column %d: got %q, want %q", i+1, got[i], name)
		}
	}
	return nil
}

func parseFloat(name, field string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(field), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q", name, field)
	}
	return v, nil
}

func parseTime(field string) (time.Time, error) {
	field = strings.TrimSpace(field)
	if field == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, field)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q, want RFC 3339", field)
	}
	return t, nil
}
