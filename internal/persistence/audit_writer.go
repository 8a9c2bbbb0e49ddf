// Package persistence batches append-only writes off the tick path.
package persistence

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"options-core/internal/events"
	"options-core/pkg/db"
	"options-core/pkg/logger"
)

// AuditStore is the durable side of the writer.
type AuditStore interface {
	InsertAuditEvents(ctx context.Context, events []db.AuditEvent) error
}

// AuditWriter buffers audit events and writes them in one transaction per
// flush, either when the buffer fills or on a timer. Failed batches are put
// back and retried on the next flush, up to maxPending events.
type AuditWriter struct {
	store      AuditStore
	mu         sync.Mutex
	buffer     []db.AuditEvent
	maxSize    int
	maxPending int
	interval   time.Duration
	kick       chan struct{}
	done       chan struct{}
	wg         sync.WaitGroup
	closeOnce  sync.Once
	log        *zap.SugaredLogger
	metrics    WriterMetrics
}

// WriterMetrics provides statistics about batch operations.
type WriterMetrics struct {
	TotalWrites   uint64 `json:"total_writes"`
	TotalBatches  uint64 `json:"total_batches"`
	TotalErrors   uint64 `json:"total_errors"`
	TotalDropped  uint64 `json:"total_dropped"`
	LastBatchSize int64  `json:"last_batch_size"`
}

// NewAuditWriter starts the background flusher.
// maxSize: events before an early flush
// interval: time-based flush interval
func NewAuditWriter(store AuditStore, maxSize int, interval time.Duration) *AuditWriter {
	if maxSize <= 0 {
		maxSize = 50
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	w := &AuditWriter{
		store:      store,
		buffer:     make([]db.AuditEvent, 0, maxSize),
		maxSize:    maxSize,
		maxPending: maxSize * 100,
		interval:   interval,
		kick:       make(chan struct{}, 1),
		done:       make(chan struct{}),
		log:        logger.Named("audit-writer"),
	}
	w.wg.Add(1)
	go w.backgroundFlush()
	return w
}

// Append queues one audit event. It never blocks on the database.
func (w *AuditWriter) Append(a events.Audit) {
	data := "{}"
	if len(a.Data) > 0 {
		if b, err := json.Marshal(a.Data); err == nil {
			data = string(b)
		}
	}
	row := db.AuditEvent{
		ID:           a.ID,
		DeploymentID: a.DeploymentID,
		Timestamp:    a.Time,
		Type:         a.Type,
		Message:      a.Message,
		Data:         data,
	}

	w.mu.Lock()
	w.buffer = append(w.buffer, row)
	if over := len(w.buffer) - w.maxPending; over > 0 {
		w.buffer = w.buffer[over:]
		atomic.AddUint64(&w.metrics.TotalDropped, uint64(over))
	}
	shouldFlush := len(w.buffer) >= w.maxSize
	w.mu.Unlock()

	if shouldFlush {
		select {
		case w.kick <- struct{}{}:
		default:
		}
	}
}

// Run copies audit events from the bus until ctx ends.
func (w *AuditWriter) Run(ctx context.Context, bus *events.Bus) {
	ch, stop := bus.Subscribe(events.EventRunnerAudit, 1024)
	defer stop()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if a, ok := msg.(events.Audit); ok {
				w.Append(a)
			}
		}
	}
}

// Flush writes everything buffered. On failure the batch is requeued ahead
// of newer events.
func (w *AuditWriter) Flush(ctx context.Context) error {
	w.mu.Lock()
	if len(w.buffer) == 0 {
		w.mu.Unlock()
		return nil
	}
	batch := w.buffer
	w.buffer = make([]db.AuditEvent, 0, w.maxSize)
	w.mu.Unlock()

	atomic.AddUint64(&w.metrics.TotalBatches, 1)
	atomic.StoreInt64(&w.metrics.LastBatchSize, int64(len(batch)))

	if err := w.store.InsertAuditEvents(ctx, batch); err != nil {
		atomic.AddUint64(&w.metrics.TotalErrors, 1)
		w.log.Warnw("audit batch failed, requeued", "size", len(batch), "err", err)
		w.mu.Lock()
		w.buffer = append(batch, w.buffer...)
		w.mu.Unlock()
		return err
	}
	atomic.AddUint64(&w.metrics.TotalWrites, uint64(len(batch)))
	w.log.Debugw("flushed audit events", "size", len(batch))
	return nil
}

func (w *AuditWriter) backgroundFlush() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_ = w.Flush(context.Background())
		case <-w.kick:
			_ = w.Flush(context.Background())
		case <-w.done:
			if err := w.Flush(context.Background()); err != nil {
				w.log.Errorw("final audit flush failed", "err", err)
			}
			return
		}
	}
}

// Pending returns the number of buffered events.
func (w *AuditWriter) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.buffer)
}

func (w *AuditWriter) Metrics() WriterMetrics {
	return WriterMetrics{
		TotalWrites:   atomic.LoadUint64(&w.metrics.TotalWrites),
		TotalBatches:  atomic.LoadUint64(&w.metrics.TotalBatches),
		TotalErrors:   atomic.LoadUint64(&w.metrics.TotalErrors),
		TotalDropped:  atomic.LoadUint64(&w.metrics.TotalDropped),
		LastBatchSize: atomic.LoadInt64(&w.metrics.LastBatchSize),
	}
}

// Close stops the flusher after a final flush.
func (w *AuditWriter) Close() error {
	w.closeOnce.Do(func() { close(w.done) })
	w.wg.Wait()
	return nil
}
