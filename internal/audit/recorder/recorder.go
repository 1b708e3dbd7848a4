// Package recorder decouples event producers from the ledger append path.
// Sync mode writes through immediately; batched mode queues entries and
// flushes them on size or interval, bounding contention on the ledger's
// single-writer lock.
package recorder

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"vigil/internal/audit"
	auditmetrics "vigil/internal/audit/metrics"
)

// Sink is the ledger surface the recorder writes into.
type Sink interface {
	RecordBatch(ctx context.Context, entries []*audit.LedgerEntry) error
}

// Recorder accepts audit entries from domain services.
type Recorder interface {
	Record(ctx context.Context, entry *audit.LedgerEntry) error
}

// SyncRecorder appends every entry inline. Failures propagate to the caller.
type SyncRecorder struct {
	sink Sink
}

func NewSync(sink Sink) *SyncRecorder {
	return &SyncRecorder{sink: sink}
}

func (r *SyncRecorder) Record(ctx context.Context, entry *audit.LedgerEntry) error {
	return r.sink.RecordBatch(ctx, []*audit.LedgerEntry{entry})
}

// BatchedRecorder queues entries on a bounded channel and flushes them in
// order from a single goroutine, which preserves chain order even under
// concurrent submissions. When the queue is full the entry is dropped and
// counted; callers that cannot tolerate loss use SyncRecorder.
type BatchedRecorder struct {
	sink          Sink
	inbox         chan *audit.LedgerEntry
	batchSize     int
	flushInterval time.Duration
	logger        *slog.Logger
	metrics       *auditmetrics.Metrics
}

type BatchedOption func(*BatchedRecorder)

func WithLogger(logger *slog.Logger) BatchedOption {
	return func(r *BatchedRecorder) { r.logger = logger }
}

func WithMetrics(m *auditmetrics.Metrics) BatchedOption {
	return func(r *BatchedRecorder) { r.metrics = m }
}

func NewBatched(sink Sink, batchSize int, flushInterval time.Duration, opts ...BatchedOption) (*BatchedRecorder, error) {
	if sink == nil {
		return nil, errors.New("recorder sink is required")
	}
	if batchSize <= 0 {
		batchSize = 50
	}
	if flushInterval <= 0 {
		flushInterval = time.Second
	}
	r := &BatchedRecorder{
		sink:          sink,
		inbox:         make(chan *audit.LedgerEntry, batchSize*4),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func (r *BatchedRecorder) Record(ctx context.Context, entry *audit.LedgerEntry) error {
	select {
	case r.inbox <- entry:
		return nil
	default:
		if r.metrics != nil {
			r.metrics.DroppedEvents.Inc()
		}
		r.logger.WarnContext(ctx, "audit queue full, entry dropped",
			"action", string(entry.Action),
		)
		return nil
	}
}

// Run consumes the queue until ctx is cancelled, then drains what remains.
func (r *BatchedRecorder) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()

	buffer := make([]*audit.LedgerEntry, 0, r.batchSize)
	for {
		select {
		case <-ctx.Done():
			r.drain(buffer)
			return ctx.Err()
		case entry := <-r.inbox:
			buffer = append(buffer, entry)
			if len(buffer) >= r.batchSize {
				buffer = r.flush(ctx, buffer)
			}
		case <-ticker.C:
			buffer = r.flush(ctx, buffer)
		}
	}
}

func (r *BatchedRecorder) flush(ctx context.Context, buffer []*audit.LedgerEntry) []*audit.LedgerEntry {
	if len(buffer) == 0 {
		return buffer
	}
	if err := r.sink.RecordBatch(ctx, buffer); err != nil {
		r.logger.ErrorContext(ctx, "audit batch flush failed",
			"count", len(buffer),
			"error", err,
		)
		// Keep the buffer; the next flush retries the same batch in order.
		return buffer
	}
	if r.metrics != nil {
		r.metrics.BatchFlushes.Inc()
	}
	return buffer[:0]
}

// drain flushes remaining entries with a fresh context because the run
// context is already cancelled during shutdown.
func (r *BatchedRecorder) drain(buffer []*audit.LedgerEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for {
		select {
		case entry := <-r.inbox:
			buffer = append(buffer, entry)
		default:
			if len(buffer) > 0 {
				if err := r.sink.RecordBatch(ctx, buffer); err != nil {
					r.logger.Error("audit drain failed", "count", len(buffer), "error", err)
				}
			}
			return
		}
	}
}
