// Package calibration owns the live threshold configuration and evolves
// it from accumulated human feedback. It is the only writer of
// ThresholdConfig; every other component reads value snapshots.
package calibration

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/daverage/memtriage/internal/validation"
)

// Status tracks an adjustment through its lifecycle. Deferred and
// rejected are outcomes, not errors: the engine keeps running on the
// current config.
type Status string

const (
	StatusProposed   Status = "proposed"
	StatusApplied    Status = "applied"
	StatusDeferred   Status = "deferred"
	StatusRejected   Status = "rejected"
	StatusRolledBack Status = "rolled_back"
)

// Bias names the systematic error direction detected in a feedback
// window.
type Bias string

const (
	BiasNone           Bias = "none"
	BiasOverApproving  Bias = "over_approving"
	BiasUnderApproving Bias = "under_approving"
)

// Config bounds how far and how often calibration may move thresholds.
type Config struct {
	// Window is how far back feedback is considered per cycle.
	Window time.Duration
	// MinSamples gates proposing at all.
	MinSamples int
	// MaxStep caps per-threshold movement in one cycle.
	MaxStep float64
	// MaxWeightStep caps per-weight movement in one cycle.
	MaxWeightStep float64
	// MinAutoApproveAccuracy and MaxFalsePositiveRate gate application:
	// while quality is already degrading, calibration defers.
	MinAutoApproveAccuracy float64
	MaxFalsePositiveRate   float64
	// MaxHistory is how many superseded configs stay available for
	// rollback.
	MaxHistory int
}

// DefaultConfig mirrors the shipped calibration settings.
func DefaultConfig() Config {
	return Config{
		Window:                 14 * 24 * time.Hour,
		MinSamples:             50,
		MaxStep:                0.05,
		MaxWeightStep:          0.05,
		MinAutoApproveAccuracy: 0.90,
		MaxFalsePositiveRate:   0.05,
		MaxHistory:             20,
	}
}

// Validate rejects configs that could destabilize the thresholds.
func (c Config) Validate() error {
	if c.Window <= 0 {
		return fmt.Errorf("window must be positive, got %s", c.Window)
	}
	if c.MinSamples < 1 {
		return fmt.Errorf("min samples must be at least 1, got %d", c.MinSamples)
	}
	if c.MaxStep <= 0 || c.MaxStep > 0.2 {
		return fmt.Errorf("max step %.3f outside (0, 0.2]", c.MaxStep)
	}
	if c.MaxWeightStep <= 0 || c.MaxWeightStep > 0.2 {
		return fmt.Errorf("max weight step %.3f outside (0, 0.2]", c.MaxWeightStep)
	}
	if c.MinAutoApproveAccuracy < 0 || c.MinAutoApproveAccuracy > 1 {
		return fmt.Errorf("min auto-approve accuracy %.2f outside [0,1]", c.MinAutoApproveAccuracy)
	}
	if c.MaxFalsePositiveRate < 0 || c.MaxFalsePositiveRate > 1 {
		return fmt.Errorf("max false-positive rate %.2f outside [0,1]", c.MaxFalsePositiveRate)
	}
	if c.MaxHistory < 1 {
		return fmt.Errorf("max history must be at least 1, got %d", c.MaxHistory)
	}
	return nil
}

// Adjustment is one calibration cycle's outcome: either a config the
// replay says is better, or the reason nothing should change.
type Adjustment struct {
	ID       string                     `json:"id"`
	Status   Status                     `json:"status"`
	Reason   string                     `json:"reason,omitempty"`
	Current  validation.ThresholdConfig `json:"current"`
	Proposed validation.ThresholdConfig `json:"proposed"`

	Bias               Bias    `json:"bias"`
	FalseApprovalRate  float64 `json:"false_approval_rate"`
	MissedApprovalRate float64 `json:"missed_approval_rate"`
	Samples            int     `json:"samples"`

	// CurrentAgreement and ProposedAgreement are the replayed shares of
	// feedback whose verdict matches the human outcome under each
	// config; Improvement is their difference.
	CurrentAgreement  float64 `json:"current_agreement"`
	ProposedAgreement float64 `json:"proposed_agreement"`
	Improvement       float64 `json:"improvement"`

	ProposedAt time.Time `json:"proposed_at"`
}

// Engine is the single writer of the live ThresholdConfig.
type Engine struct {
	cfg    Config
	logger *zap.Logger
	clock  func() time.Time

	mu      sync.RWMutex
	current validation.ThresholdConfig
	history []validation.ThresholdConfig
}

// NewEngine starts an engine on the given initial config.
func NewEngine(cfg Config, initial validation.ThresholdConfig, logger *zap.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid calibration config: %w", err)
	}
	if err := initial.Validate(); err != nil {
		return nil, fmt.Errorf("invalid initial thresholds: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		cfg:     cfg,
		logger:  logger,
		clock:   time.Now,
		current: initial,
	}, nil
}

// Snapshot returns a value copy of the live config.
func (e *Engine) Snapshot() validation.ThresholdConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.current
}

// Version returns the live config version.
func (e *Engine) Version() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.current.Version
}

// History returns copies of the superseded configs, oldest first.
func (e *Engine) History() []validation.ThresholdConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]validation.ThresholdConfig, len(e.history))
	copy(out, e.history)
	return out
}

// SeedHistory primes the rollback stack with previously active configs,
// oldest first. A fresh engine starts with an empty stack; a process
// that restores threshold events from storage hands them here so
// Rollback keeps working across restarts.
func (e *Engine) SeedHistory(previous []validation.ThresholdConfig) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.history = append([]validation.ThresholdConfig(nil), previous...)
	if len(e.history) > e.cfg.MaxHistory {
		e.history = e.history[len(e.history)-e.cfg.MaxHistory:]
	}
}

// Apply installs a proposed adjustment as the live config. The proposal
// must have been built against the live version, satisfy the threshold
// invariant, and stay within the per-cycle movement bounds.
func (e *Engine) Apply(adj Adjustment) (validation.ThresholdConfig, error) {
	if adj.Status != StatusProposed {
		return validation.ThresholdConfig{}, fmt.Errorf("cannot apply adjustment with status %q", adj.Status)
	}
	if err := adj.Proposed.Validate(); err != nil {
		return validation.ThresholdConfig{}, fmt.Errorf("proposed config is invalid: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if adj.Current.Version != e.current.Version {
		return validation.ThresholdConfig{}, fmt.Errorf("stale proposal: built against version %d, live is %d",
			adj.Current.Version, e.current.Version)
	}
	if err := e.withinBounds(adj.Proposed); err != nil {
		return validation.ThresholdConfig{}, err
	}

	next := adj.Proposed
	next.Version = e.current.Version + 1
	next.UpdatedAt = e.clock()

	e.history = append(e.history, e.current)
	if len(e.history) > e.cfg.MaxHistory {
		e.history = e.history[len(e.history)-e.cfg.MaxHistory:]
	}
	e.current = next

	e.logger.Info("Thresholds recalibrated",
		zap.Int("version", next.Version),
		zap.Float64("auto_approve", next.AutoApprove),
		zap.Float64("review_required", next.ReviewRequired),
		zap.Float64("auto_reject", next.AutoReject),
		zap.Float64("improvement", adj.Improvement))
	return next, nil
}

// Rollback restores the most recently superseded config.
func (e *Engine) Rollback() (validation.ThresholdConfig, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.history) == 0 {
		return validation.ThresholdConfig{}, fmt.Errorf("no previous threshold version to roll back to")
	}
	previous := e.history[len(e.history)-1]
	e.history = e.history[:len(e.history)-1]
	rolled := e.current
	e.current = previous
	e.logger.Warn("Thresholds rolled back",
		zap.Int("from_version", rolled.Version),
		zap.Int("to_version", previous.Version))
	return previous, nil
}

// withinBounds enforces the per-cycle movement caps against the live
// config. Callers hold e.mu.
func (e *Engine) withinBounds(proposed validation.ThresholdConfig) error {
	cuts := []struct {
		name     string
		from, to float64
	}{
		{"auto_approve", e.current.AutoApprove, proposed.AutoApprove},
		{"review_required", e.current.ReviewRequired, proposed.ReviewRequired},
		{"auto_reject", e.current.AutoReject, proposed.AutoReject},
	}
	for _, c := range cuts {
		if diff := c.to - c.from; diff > e.cfg.MaxStep+1e-9 || diff < -e.cfg.MaxStep-1e-9 {
			return fmt.Errorf("%s moves %.3f, beyond the %.3f per-cycle bound", c.name, diff, e.cfg.MaxStep)
		}
	}
	weights := []struct {
		name     string
		from, to float64
	}{
		{"extraction", e.current.Weights.Extraction, proposed.Weights.Extraction},
		{"emotional_coherence", e.current.Weights.EmotionalCoherence, proposed.Weights.EmotionalCoherence},
		{"relationship_accuracy", e.current.Weights.RelationshipAccuracy, proposed.Weights.RelationshipAccuracy},
		{"context_quality", e.current.Weights.ContextQuality, proposed.Weights.ContextQuality},
	}
	for _, w := range weights {
		if diff := w.to - w.from; diff > e.cfg.MaxWeightStep+1e-9 || diff < -e.cfg.MaxWeightStep-1e-9 {
			return fmt.Errorf("weight %s moves %.3f, beyond the %.3f per-cycle bound", w.name, diff, e.cfg.MaxWeightStep)
		}
	}
	return nil
}
