package ledger

import (
	"context"
	"log/slog"
	"time"

	"github.com/m-cnan/thankan.ayyo/internal/queue"
)

const enqueueTimeout = 500 * time.Millisecond

// Recorder hands records to the ledger queue. It never blocks a request
// for long and never fails it: a record that cannot be queued is logged and
// dropped.
type Recorder struct {
	queue  queue.Queue[*Record]
	logger *slog.Logger
}

// NewRecorder creates a recorder writing into q. A nil q yields a recorder
// that only logs at debug level.
func NewRecorder(q queue.Queue[*Record], logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{queue: q, logger: logger.With("component", "ledger")}
}

// Record enqueues rec. The request context is not used, so records of
// requests whose caller disconnected are still kept.
func (r *Recorder) Record(rec *Record) {
	if r == nil || r.queue == nil || rec == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), enqueueTimeout)
	defer cancel()

	if err := r.queue.Enqueue(ctx, rec); err != nil {
		r.logger.Warn("Dropped ledger record", "request_id", rec.RequestID, "error", err)
	}
}
