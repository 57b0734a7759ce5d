// Package storage persists what the engine emits: decisions, batch
// summaries, human feedback, threshold versions, and quality snapshots.
// Memory records themselves never land here; they belong to the upstream
// extraction pipeline.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/daverage/memtriage/internal/batch"
	"github.com/daverage/memtriage/internal/quality"
	"github.com/daverage/memtriage/internal/record"
	"github.com/daverage/memtriage/internal/validation"

	_ "github.com/mattn/go-sqlite3"
)

const (
	SchemaVersion = 1
)

// Threshold version sources recorded in the audit trail.
const (
	SourceInitial     = "initial"
	SourceCalibration = "calibration"
	SourceRollback    = "rollback"
	SourceOperator    = "operator"
)

// Store wraps the SQLite connection.
type Store struct {
	conn   *sql.DB
	logger *zap.Logger
}

// Open creates or opens the database at path and brings the schema up to
// date.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", path+"?_busy_timeout=10000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	conn.SetMaxOpenConns(1) // SQLite limitation: one writer at a time

	if logger == nil {
		logger = zap.NewNop()
	}
	store := &Store{conn: conn, logger: logger}
	if err := store.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}
	return store, nil
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.conn.PingContext(ctx)
}

// migrate applies schema migrations incrementally.
func (s *Store) migrate() error {
	tx, err := s.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var version int
	if err := tx.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return err
	}

	for version < SchemaVersion {
		version++
		switch version {
		case 1:
			if err := applySchemaV1(tx); err != nil {
				return fmt.Errorf("failed to apply schema v%d: %w", version, err)
			}
		default:
			return fmt.Errorf("unknown schema version: %d", version)
		}
	}

	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", SchemaVersion)); err != nil {
		return err
	}
	return tx.Commit()
}

func applySchemaV1(tx *sql.Tx) error {
	_, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS decisions (
			batch_id TEXT NOT NULL,
			record_id TEXT NOT NULL,
			verdict TEXT NOT NULL,
			confidence REAL NOT NULL,
			f_extraction REAL NOT NULL,
			f_emotional_coherence REAL NOT NULL,
			f_relationship_accuracy REAL NOT NULL,
			f_context_quality REAL NOT NULL,
			uncertainty_areas TEXT NOT NULL DEFAULT '[]',
			significance REAL NOT NULL,
			priority TEXT NOT NULL,
			estimated_review_s INTEGER NOT NULL,
			decided_at TIMESTAMP NOT NULL,
			PRIMARY KEY (batch_id, record_id)
		);

		CREATE INDEX IF NOT EXISTS idx_decisions_record
			ON decisions(record_id, decided_at);

		CREATE TABLE IF NOT EXISTS batches (
			id TEXT PRIMARY KEY,
			started_at TIMESTAMP NOT NULL,
			finished_at TIMESTAMP NOT NULL,
			total INTEGER NOT NULL,
			evaluated INTEGER NOT NULL,
			approved INTEGER NOT NULL,
			reviewed INTEGER NOT NULL,
			rejected INTEGER NOT NULL,
			failed INTEGER NOT NULL,
			avg_confidence REAL NOT NULL,
			avg_significance REAL NOT NULL,
			flagged INTEGER NOT NULL DEFAULT 0,
			findings TEXT NOT NULL DEFAULT '[]',
			thresholds TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS feedback (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			record_id TEXT NOT NULL,
			actual TEXT NOT NULL,
			reviewer_confidence REAL NOT NULL,
			disagreement_reason TEXT NOT NULL DEFAULT '',
			time_taken_s INTEGER NOT NULL,
			quality_rating INTEGER NOT NULL,
			created_at TIMESTAMP NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_feedback_created
			ON feedback(created_at);

		CREATE TABLE IF NOT EXISTS threshold_versions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			version INTEGER NOT NULL,
			auto_approve REAL NOT NULL,
			review_required REAL NOT NULL,
			auto_reject REAL NOT NULL,
			weights TEXT NOT NULL,
			source TEXT NOT NULL,
			applied_at TIMESTAMP NOT NULL
		);

		CREATE TABLE IF NOT EXISTS metrics_snapshots (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			window_start TIMESTAMP NOT NULL,
			window_end TIMESTAMP NOT NULL,
			samples INTEGER NOT NULL,
			accuracy REAL NOT NULL,
			auto_approve_accuracy REAL NOT NULL,
			false_positive_rate REAL NOT NULL,
			false_negative_rate REAL NOT NULL,
			review_time_reduction REAL NOT NULL,
			computed_at TIMESTAMP NOT NULL
		);
	`)
	return err
}

// SaveBatch records a batch summary. Individual decisions flow through
// the DecisionWriter.
func (s *Store) SaveBatch(ctx context.Context, result *batch.BatchResult) error {
	findings, err := json.Marshal(result.Distribution.Findings)
	if err != nil {
		return fmt.Errorf("failed to serialize findings: %w", err)
	}
	thresholds, err := json.Marshal(result.Thresholds)
	if err != nil {
		return fmt.Errorf("failed to serialize thresholds: %w", err)
	}

	_, err = s.conn.ExecContext(ctx, `
		INSERT INTO batches (
			id, started_at, finished_at, total, evaluated, approved,
			reviewed, rejected, failed, avg_confidence, avg_significance,
			flagged, findings, thresholds
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		result.BatchID,
		result.StartedAt,
		result.FinishedAt,
		result.Total,
		result.Evaluated(),
		result.Approved,
		result.ReviewRequired,
		result.Rejected,
		len(result.Errors),
		result.AvgConfidence,
		result.AvgSignificance,
		boolToInt(result.Distribution.Flagged),
		string(findings),
		string(thresholds),
	)
	if err != nil {
		return fmt.Errorf("failed to save batch %s: %w", result.BatchID, err)
	}
	return nil
}

// insertDecision writes one decision row. Used by the async writer.
func (s *Store) insertDecision(ctx context.Context, batchID string, d *validation.Decision) error {
	areas, err := json.Marshal(d.Confidence.UncertaintyAreas)
	if err != nil {
		areas = []byte("[]")
	}
	factors := factorScores(d.Confidence.Factors)

	_, err = s.conn.ExecContext(ctx, `
		INSERT OR REPLACE INTO decisions (
			batch_id, record_id, verdict, confidence,
			f_extraction, f_emotional_coherence,
			f_relationship_accuracy, f_context_quality,
			uncertainty_areas, significance, priority,
			estimated_review_s, decided_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		batchID,
		d.RecordID,
		string(d.Verdict),
		d.Confidence.Overall,
		factors.Extraction,
		factors.EmotionalCoherence,
		factors.RelationshipAccuracy,
		factors.ContextQuality,
		string(areas),
		d.Significance.Total,
		string(d.Priority),
		int64(d.EstimatedReview/time.Second),
		d.DecidedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert decision for %s: %w", d.RecordID, err)
	}
	return nil
}

// SaveFeedback appends one reviewer outcome.
func (s *Store) SaveFeedback(ctx context.Context, f *validation.Feedback) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO feedback (
			record_id, actual, reviewer_confidence, disagreement_reason,
			time_taken_s, quality_rating, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		f.RecordID,
		string(f.Actual),
		f.ReviewerConfidence,
		f.DisagreementReason,
		int64(f.TimeTaken/time.Second),
		f.QualityRating,
		f.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save feedback for %s: %w", f.RecordID, err)
	}
	return nil
}

// FeedbackSince returns feedback created at or after the cutoff, each
// entry joined with the latest stored decision for its record so
// calibration can replay it.
func (s *Store) FeedbackSince(ctx context.Context, since time.Time) ([]validation.Feedback, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT
			f.record_id,
			COALESCE(d.verdict, ''),
			COALESCE(d.confidence, 0),
			COALESCE(d.f_extraction, 0),
			COALESCE(d.f_emotional_coherence, 0),
			COALESCE(d.f_relationship_accuracy, 0),
			COALESCE(d.f_context_quality, 0),
			f.actual,
			f.reviewer_confidence,
			f.disagreement_reason,
			f.time_taken_s,
			f.quality_rating,
			f.created_at
		FROM feedback f
		LEFT JOIN decisions d ON d.rowid = (
			SELECT d2.rowid FROM decisions d2
			WHERE d2.record_id = f.record_id
			ORDER BY d2.decided_at DESC, d2.rowid DESC
			LIMIT 1
		)
		WHERE f.created_at >= ?
		ORDER BY f.created_at ASC, f.id ASC
	`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query feedback: %w", err)
	}
	defer rows.Close()

	var out []validation.Feedback
	for rows.Next() {
		var (
			f         validation.Feedback
			predicted string
			actual    string
			seconds   int64
		)
		if err := rows.Scan(
			&f.RecordID,
			&predicted,
			&f.PredictedConfidence,
			&f.Factors.Extraction,
			&f.Factors.EmotionalCoherence,
			&f.Factors.RelationshipAccuracy,
			&f.Factors.ContextQuality,
			&actual,
			&f.ReviewerConfidence,
			&f.DisagreementReason,
			&seconds,
			&f.QualityRating,
			&f.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan feedback row: %w", err)
		}
		f.Predicted = validation.Verdict(predicted)
		f.Actual = validation.Verdict(actual)
		f.TimeTaken = time.Duration(seconds) * time.Second
		out = append(out, f)
	}
	return out, rows.Err()
}

// SaveThresholds appends a threshold version to the audit trail.
func (s *Store) SaveThresholds(ctx context.Context, cfg validation.ThresholdConfig, source string) error {
	weights, err := json.Marshal(cfg.Weights)
	if err != nil {
		return fmt.Errorf("failed to serialize weights: %w", err)
	}
	appliedAt := cfg.UpdatedAt
	if appliedAt.IsZero() {
		appliedAt = time.Now()
	}

	_, err = s.conn.ExecContext(ctx, `
		INSERT INTO threshold_versions (
			version, auto_approve, review_required, auto_reject,
			weights, source, applied_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		cfg.Version,
		cfg.AutoApprove,
		cfg.ReviewRequired,
		cfg.AutoReject,
		string(weights),
		source,
		appliedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save threshold version %d: %w", cfg.Version, err)
	}
	return nil
}

// ThresholdVersion is one entry in the threshold audit trail.
type ThresholdVersion struct {
	Config    validation.ThresholdConfig
	Source    string
	AppliedAt time.Time
}

// LatestThresholds returns the most recently recorded config. ok is
// false when none has been recorded yet.
func (s *Store) LatestThresholds(ctx context.Context) (validation.ThresholdConfig, bool, error) {
	versions, err := s.ThresholdHistory(ctx, 1)
	if err != nil {
		return validation.ThresholdConfig{}, false, err
	}
	if len(versions) == 0 {
		return validation.ThresholdConfig{}, false, nil
	}
	return versions[0].Config, true, nil
}

// ThresholdHistory returns up to limit recorded versions, newest first.
func (s *Store) ThresholdHistory(ctx context.Context, limit int) ([]ThresholdVersion, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT version, auto_approve, review_required, auto_reject,
			weights, source, applied_at
		FROM threshold_versions
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query threshold history: %w", err)
	}
	defer rows.Close()

	var out []ThresholdVersion
	for rows.Next() {
		var (
			v       ThresholdVersion
			weights string
		)
		if err := rows.Scan(
			&v.Config.Version,
			&v.Config.AutoApprove,
			&v.Config.ReviewRequired,
			&v.Config.AutoReject,
			&weights,
			&v.Source,
			&v.AppliedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan threshold version: %w", err)
		}
		if err := json.Unmarshal([]byte(weights), &v.Config.Weights); err != nil {
			return nil, fmt.Errorf("failed to parse stored weights: %w", err)
		}
		v.Config.UpdatedAt = v.AppliedAt
		out = append(out, v)
	}
	return out, rows.Err()
}

// SaveMetrics appends one quality snapshot.
func (s *Store) SaveMetrics(ctx context.Context, m quality.Metrics) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO metrics_snapshots (
			window_start, window_end, samples, accuracy,
			auto_approve_accuracy, false_positive_rate,
			false_negative_rate, review_time_reduction, computed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		m.WindowStart,
		m.WindowEnd,
		m.Samples,
		m.Accuracy,
		m.AutoApproveAccuracy,
		m.FalsePositiveRate,
		m.FalseNegativeRate,
		m.ReviewTimeReduction,
		m.ComputedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save metrics snapshot: %w", err)
	}
	return nil
}

// LatestMetrics returns the most recent quality snapshot. ok is false
// when none exists.
func (s *Store) LatestMetrics(ctx context.Context) (quality.Metrics, bool, error) {
	var m quality.Metrics
	err := s.conn.QueryRowContext(ctx, `
		SELECT window_start, window_end, samples, accuracy,
			auto_approve_accuracy, false_positive_rate,
			false_negative_rate, review_time_reduction, computed_at
		FROM metrics_snapshots
		ORDER BY id DESC
		LIMIT 1
	`).Scan(
		&m.WindowStart,
		&m.WindowEnd,
		&m.Samples,
		&m.Accuracy,
		&m.AutoApproveAccuracy,
		&m.FalsePositiveRate,
		&m.FalseNegativeRate,
		&m.ReviewTimeReduction,
		&m.ComputedAt,
	)
	if err == sql.ErrNoRows {
		return quality.Metrics{}, false, nil
	}
	if err != nil {
		return quality.Metrics{}, false, fmt.Errorf("failed to query latest metrics: %w", err)
	}
	return m, true, nil
}

// BatchSummary is one stored batch row.
type BatchSummary struct {
	BatchID         string
	StartedAt       time.Time
	FinishedAt      time.Time
	Total           int
	Evaluated       int
	Approved        int
	Reviewed        int
	Rejected        int
	Failed          int
	AvgConfidence   float64
	AvgSignificance float64
	Flagged         bool
	Findings        []string
	Thresholds      validation.ThresholdConfig
}

// RecentBatches returns up to limit batch summaries, newest first.
func (s *Store) RecentBatches(ctx context.Context, limit int) ([]BatchSummary, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, started_at, finished_at, total, evaluated, approved,
			reviewed, rejected, failed, avg_confidence, avg_significance,
			flagged, findings, thresholds
		FROM batches
		ORDER BY started_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query batches: %w", err)
	}
	defer rows.Close()

	var out []BatchSummary
	for rows.Next() {
		var (
			b          BatchSummary
			flagged    int
			findings   string
			thresholds string
		)
		if err := rows.Scan(
			&b.BatchID,
			&b.StartedAt,
			&b.FinishedAt,
			&b.Total,
			&b.Evaluated,
			&b.Approved,
			&b.Reviewed,
			&b.Rejected,
			&b.Failed,
			&b.AvgConfidence,
			&b.AvgSignificance,
			&flagged,
			&findings,
			&thresholds,
		); err != nil {
			return nil, fmt.Errorf("failed to scan batch row: %w", err)
		}
		b.Flagged = flagged != 0
		if err := json.Unmarshal([]byte(findings), &b.Findings); err != nil {
			return nil, fmt.Errorf("failed to parse stored findings: %w", err)
		}
		if err := json.Unmarshal([]byte(thresholds), &b.Thresholds); err != nil {
			return nil, fmt.Errorf("failed to parse stored thresholds: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// DecisionAggregates summarizes stored decisions over a period.
type DecisionAggregates struct {
	Total           int
	Approved        int
	Reviewed        int
	Rejected        int
	Critical        int
	AvgConfidence   float64
	AvgSignificance float64
}

// AggregateDecisions summarizes decisions decided at or after the
// cutoff.
func (s *Store) AggregateDecisions(ctx context.Context, since time.Time) (DecisionAggregates, error) {
	var a DecisionAggregates
	err := s.conn.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN verdict = 'auto_approve' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN verdict = 'review_required' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN verdict = 'auto_reject' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN priority = 'critical' THEN 1 ELSE 0 END), 0),
			COALESCE(AVG(confidence), 0),
			COALESCE(AVG(significance), 0)
		FROM decisions
		WHERE decided_at >= ?
	`, since).Scan(
		&a.Total,
		&a.Approved,
		&a.Reviewed,
		&a.Rejected,
		&a.Critical,
		&a.AvgConfidence,
		&a.AvgSignificance,
	)
	if err != nil {
		return DecisionAggregates{}, fmt.Errorf("failed to aggregate decisions: %w", err)
	}
	return a, nil
}

func factorScores(contributions []validation.FactorContribution) record.FactorScores {
	var f record.FactorScores
	for _, c := range contributions {
		switch c.Name {
		case validation.FactorExtraction:
			f.Extraction = c.Value
		case validation.FactorEmotionalCoherence:
			f.EmotionalCoherence = c.Value
		case validation.FactorRelationshipAccuracy:
			f.RelationshipAccuracy = c.Value
		case validation.FactorContextQuality:
			f.ContextQuality = c.Value
		}
	}
	return f
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
