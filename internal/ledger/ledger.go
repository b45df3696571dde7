// Package ledger records admitted requests. Writes are asynchronous and
// never block or fail the request that produced them.
package ledger

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"keygate/internal/metrics"
	"keygate/internal/model"

	"github.com/google/uuid"
)

// appendTimeout bounds a single sink write.
const appendTimeout = 5 * time.Second

// Sink is a destination for usage entries.
type Sink interface {
	Append(ctx context.Context, entry model.UsageLogEntry) error
	Name() string
}

// Reader lists recorded entries for analytics.
type Reader interface {
	ListByKeyIDs(ctx context.Context, keyIDs []string) ([]model.UsageLogEntry, error)
}

// Recorder queues entries and fans them out to its sinks from one worker.
type Recorder struct {
	sinks   []Sink
	queue   chan model.UsageLogEntry
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewRecorder starts the worker. Close must be called to flush the queue.
func NewRecorder(sinks []Sink, queueSize int, m *metrics.Metrics, logger *slog.Logger) *Recorder {
	if queueSize <= 0 {
		queueSize = 1
	}
	r := &Recorder{
		sinks:   sinks,
		queue:   make(chan model.UsageLogEntry, queueSize),
		metrics: m,
		logger:  logger.With("component", "ledger"),
		now:     time.Now,
	}
	r.wg.Add(1)
	go r.worker()
	return r
}

// Record queues an entry for an admitted request. It never blocks: a full
// queue drops the entry, and a cancelled request is not recorded.
func (r *Recorder) Record(ctx context.Context, keyID, method, endpoint string) {
	if ctx.Err() != nil {
		r.logger.Debug("Skipping usage entry for cancelled request", "key_id", keyID)
		return
	}
	entry := model.UsageLogEntry{
		ID:        uuid.NewString(),
		KeyID:     keyID,
		Method:    method,
		Endpoint:  endpoint,
		Timestamp: r.now(),
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.metrics.RecordLedgerDrop()
		return
	}
	select {
	case r.queue <- entry:
	default:
		r.metrics.RecordLedgerDrop()
		r.logger.Warn("Dropping usage entry: ledger queue is full", "key_id", keyID)
	}
}

func (r *Recorder) worker() {
	defer r.wg.Done()
	r.logger.Info("Starting ledger worker.", "sinks", len(r.sinks))

	for entry := range r.queue {
		for _, sink := range r.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), appendTimeout)
			err := sink.Append(ctx, entry)
			cancel()
			r.metrics.RecordLedgerAppend(sink.Name(), err)
			if err != nil {
				r.logger.Warn("Failed to append usage entry", "sink", sink.Name(), "key_id", entry.KeyID, "error", err)
			}
		}
	}
	r.logger.Info("Ledger worker stopped.")
}

// Close stops accepting entries and waits for queued ones to be written.
func (r *Recorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()
	r.wg.Wait()
}
