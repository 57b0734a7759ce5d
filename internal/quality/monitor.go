package quality

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/daverage/memtriage/internal/validation"
)

// FeedbackSource supplies the audited decisions the monitor evaluates.
type FeedbackSource interface {
	FeedbackSince(ctx context.Context, since time.Time) ([]validation.Feedback, error)
}

// Notifier receives alerts raised by the monitor. Implementations live
// in the notify package.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, alert Alert) error
}

// SnapshotSink receives every evaluated metrics snapshot. Implementations
// must not block; the storage metrics writer buffers internally.
type SnapshotSink interface {
	Record(m Metrics)
}

// Monitor re-evaluates quality over a sliding feedback window. It is the
// single writer of its latest metrics; readers take snapshots under a
// shared lock.
type Monitor struct {
	cfg       Config
	source    FeedbackSource
	notifiers []Notifier
	sink      SnapshotSink
	logger    *zap.Logger
	clock     func() time.Time

	mu        sync.RWMutex
	latest    Metrics
	alerts    []Alert
	evaluated bool
}

// NewMonitor wires a monitor. Notifiers may be empty; alerts then show
// up only in the evaluation log line and ActiveAlerts.
func NewMonitor(cfg Config, source FeedbackSource, logger *zap.Logger, notifiers ...Notifier) (*Monitor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid quality config: %w", err)
	}
	if source == nil {
		return nil, fmt.Errorf("quality monitor needs a feedback source")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		cfg:       cfg,
		source:    source,
		notifiers: notifiers,
		logger:    logger,
		clock:     time.Now,
	}, nil
}

// SetSnapshotSink routes every subsequent evaluation's metrics to sink.
// Call before Run; the monitor does not lock around the sink itself.
func (m *Monitor) SetSnapshotSink(sink SnapshotSink) {
	m.sink = sink
}

// EvaluateNow pulls the current window and recomputes metrics once.
func (m *Monitor) EvaluateNow(ctx context.Context) (Metrics, []Alert, error) {
	now := m.clock()
	feedback, err := m.source.FeedbackSince(ctx, now.Add(-m.cfg.Window))
	if err != nil {
		return Metrics{}, nil, fmt.Errorf("failed to load feedback window: %w", err)
	}
	metrics, alerts := Evaluate(m.cfg, feedback, now)

	m.mu.Lock()
	m.latest = metrics
	m.alerts = alerts
	m.evaluated = true
	m.mu.Unlock()

	if m.sink != nil {
		m.sink.Record(metrics)
	}

	m.logger.Info("Quality window evaluated",
		zap.Int("samples", metrics.Samples),
		zap.Float64("accuracy", metrics.Accuracy),
		zap.Float64("auto_approve_accuracy", metrics.AutoApproveAccuracy),
		zap.Float64("false_positive_rate", metrics.FalsePositiveRate),
		zap.Int("alerts", len(alerts)))

	m.dispatch(ctx, alerts)
	return metrics, alerts, nil
}

// Run evaluates on the configured interval until the context ends. A
// failed evaluation is logged and retried on the next tick.
func (m *Monitor) Run(ctx context.Context) error {
	if _, _, err := m.EvaluateNow(ctx); err != nil {
		m.logger.Warn("Initial quality evaluation failed", zap.Error(err))
	}
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, _, err := m.EvaluateNow(ctx); err != nil {
				m.logger.Warn("Quality evaluation failed", zap.Error(err))
			}
		}
	}
}

// Latest returns the most recent metrics and whether any evaluation has
// completed yet.
func (m *Monitor) Latest() (Metrics, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latest, m.evaluated
}

// ActiveAlerts returns a copy of the alerts from the latest evaluation.
func (m *Monitor) ActiveAlerts() []Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Alert, len(m.alerts))
	copy(out, m.alerts)
	return out
}

// dispatch fans each alert out to every notifier. A failing notifier is
// logged and never blocks the others.
func (m *Monitor) dispatch(ctx context.Context, alerts []Alert) {
	for _, alert := range alerts {
		for _, n := range m.notifiers {
			if err := n.Notify(ctx, alert); err != nil {
				m.logger.Error("Notifier failed",
					zap.String("notifier", n.Name()),
					zap.String("code", alert.Code),
					zap.Error(err))
			}
		}
	}
}
