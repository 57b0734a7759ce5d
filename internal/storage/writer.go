package storage

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/daverage/memtriage/internal/quality"
	"github.com/daverage/memtriage/internal/validation"
)

const (
	decisionBufferSize = 256
	metricsBufferSize  = 32
)

type queuedDecision struct {
	batchID  string
	decision validation.Decision
}

// DecisionWriter handles async writing of decisions to the database.
type DecisionWriter struct {
	store     *Store
	logger    *zap.Logger
	queue     chan queuedDecision
	wg        sync.WaitGroup
	done      chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool
	dropped   atomic.Int64
}

// NewDecisionWriter creates a new async decision writer.
// Pass nil for store to disable decision persistence.
func NewDecisionWriter(store *Store, logger *zap.Logger) *DecisionWriter {
	if store == nil {
		return nil
	}

	w := &DecisionWriter{
		store:  store,
		logger: logger,
		queue:  make(chan queuedDecision, decisionBufferSize),
		done:   make(chan struct{}),
	}

	w.wg.Add(1)
	go w.writeLoop()

	return w
}

// Enqueue queues a decision for async writing. Non-blocking; drops and
// counts if the buffer is full.
func (w *DecisionWriter) Enqueue(batchID string, d validation.Decision) {
	if w == nil || w.closed.Load() {
		return
	}

	select {
	case w.queue <- queuedDecision{batchID: batchID, decision: d}:
	default:
		w.dropped.Add(1)
		if w.logger != nil {
			w.logger.Debug("Decision buffer full, dropping decision",
				zap.String("batch_id", batchID),
				zap.String("record_id", d.RecordID),
			)
		}
	}
}

// Dropped reports how many decisions were lost to a full buffer.
func (w *DecisionWriter) Dropped() int64 {
	if w == nil {
		return 0
	}
	return w.dropped.Load()
}

// Close gracefully shuts down the writer, flushing pending decisions.
func (w *DecisionWriter) Close() {
	if w == nil {
		return
	}

	w.closeOnce.Do(func() {
		w.closed.Store(true)
		close(w.done)
	})
	w.wg.Wait()

	if n := w.Dropped(); n > 0 && w.logger != nil {
		w.logger.Warn("Decisions dropped before persistence", zap.Int64("dropped", n))
	}
}

// writeLoop runs in a background goroutine, writing decisions to the
// database.
func (w *DecisionWriter) writeLoop() {
	defer w.wg.Done()

	for {
		select {
		case q := <-w.queue:
			w.write(q)
		case <-w.done:
			// Drain any remaining decisions
			for {
				select {
				case q := <-w.queue:
					w.write(q)
				default:
					return
				}
			}
		}
	}
}

func (w *DecisionWriter) write(q queuedDecision) {
	if err := w.store.insertDecision(context.Background(), q.batchID, &q.decision); err != nil {
		if w.logger != nil {
			w.logger.Error("Failed to write decision",
				zap.Error(err),
				zap.String("batch_id", q.batchID),
				zap.String("record_id", q.decision.RecordID),
			)
		}
	}
}

// MetricsWriter handles async writing of quality snapshots to the
// database. It satisfies quality.SnapshotSink so the monitor can hand
// every evaluation over without blocking on the database.
type MetricsWriter struct {
	store     *Store
	logger    *zap.Logger
	queue     chan quality.Metrics
	wg        sync.WaitGroup
	done      chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool
	dropped   atomic.Int64
}

// NewMetricsWriter creates a new async metrics writer.
// Pass nil for store to disable snapshot persistence.
func NewMetricsWriter(store *Store, logger *zap.Logger) *MetricsWriter {
	if store == nil {
		return nil
	}

	w := &MetricsWriter{
		store:  store,
		logger: logger,
		queue:  make(chan quality.Metrics, metricsBufferSize),
		done:   make(chan struct{}),
	}

	w.wg.Add(1)
	go w.writeLoop()

	return w
}

// Record queues a snapshot for async writing. Non-blocking; drops and
// counts if the buffer is full.
func (w *MetricsWriter) Record(m quality.Metrics) {
	if w == nil || w.closed.Load() {
		return
	}

	select {
	case w.queue <- m:
	default:
		w.dropped.Add(1)
		if w.logger != nil {
			w.logger.Debug("Metrics buffer full, dropping snapshot",
				zap.Time("computed_at", m.ComputedAt),
			)
		}
	}
}

// Dropped reports how many snapshots were lost to a full buffer.
func (w *MetricsWriter) Dropped() int64 {
	if w == nil {
		return 0
	}
	return w.dropped.Load()
}

// Close gracefully shuts down the writer, flushing pending snapshots.
func (w *MetricsWriter) Close() {
	if w == nil {
		return
	}

	w.closeOnce.Do(func() {
		w.closed.Store(true)
		close(w.done)
	})
	w.wg.Wait()

	if n := w.Dropped(); n > 0 && w.logger != nil {
		w.logger.Warn("Quality snapshots dropped before persistence", zap.Int64("dropped", n))
	}
}

func (w *MetricsWriter) writeLoop() {
	defer w.wg.Done()

	for {
		select {
		case m := <-w.queue:
			w.write(m)
		case <-w.done:
			// Drain any remaining snapshots
			for {
				select {
				case m := <-w.queue:
					w.write(m)
				default:
					return
				}
			}
		}
	}
}

func (w *MetricsWriter) write(m quality.Metrics) {
	if err := w.store.SaveMetrics(context.Background(), m); err != nil {
		if w.logger != nil {
			w.logger.Error("Failed to write quality snapshot",
				zap.Error(err),
				zap.Time("computed_at", m.ComputedAt),
			)
		}
	}
}
