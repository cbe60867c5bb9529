package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/m-cnan/thankan.ayyo/internal/queue"
)

// Worker drains the ledger queue in batches and writes every batch to each
// sink. A sink that keeps failing after the configured retries gets the
// batch moved to the dead letter queue; other sinks are unaffected.
type Worker struct {
	queue  queue.Queue[*Record]
	dlq    queue.DeadLetterQueue[*Record]
	sinks  []Sink
	cfg    queue.Config
	logger *slog.Logger

	stopChan    chan struct{}
	stoppedChan chan struct{}
}

// NewWorker creates a worker. dlq may be nil.
func NewWorker(q queue.Queue[*Record], dlq queue.DeadLetterQueue[*Record], sinks []Sink, cfg queue.Config, logger *slog.Logger) *Worker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = queue.DefaultConfig(cfg.Name).BatchSize
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = queue.DefaultConfig(cfg.Name).BatchTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		queue:       q,
		dlq:         dlq,
		sinks:       sinks,
		cfg:         cfg,
		logger:      logger.With("component", "ledger-worker"),
		stopChan:    make(chan struct{}),
		stoppedChan: make(chan struct{}),
	}
}

// Start runs the worker loop in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	go w.run(ctx)
}

// Stop waits for the in-flight batch, then flushes whatever is still
// buffered before returning.
func (w *Worker) Stop(ctx context.Context) error {
	close(w.stopChan)
	select {
	case <-w.stoppedChan:
	case <-ctx.Done():
		return ctx.Err()
	}

	for {
		items, err := w.queue.DequeueWithTimeout(ctx, w.cfg.BatchSize, 10*time.Millisecond)
		if err != nil || len(items) == 0 {
			return nil
		}
		w.writeBatch(ctx, items)
	}
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.stoppedChan)

	for {
		select {
		case <-w.stopChan:
			w.logger.Info("Ledger worker stopping")
			return
		case <-ctx.Done():
			w.logger.Info("Ledger worker context cancelled")
			return
		default:
		}
		if err := w.processBatch(ctx); errors.Is(err, queue.ErrQueueClosed) {
			w.logger.Info("Ledger queue closed")
			return
		}
	}
}

// processBatch takes at most one batch off the queue and writes it.
func (w *Worker) processBatch(ctx context.Context) error {
	items, err := w.queue.DequeueWithTimeout(ctx, w.cfg.BatchSize, w.cfg.BatchTimeout)
	if err != nil {
		if errors.Is(err, queue.ErrQueueClosed) || ctx.Err() != nil {
			return err
		}
		w.logger.Error("Failed to dequeue ledger records", "error", err)
		w.sleep(ctx, time.Second)
		return err
	}
	if len(items) == 0 {
		return nil
	}
	w.writeBatch(ctx, items)
	return nil
}

func (w *Worker) writeBatch(ctx context.Context, records []*Record) {
	w.logger.Debug("Writing ledger batch", "count", len(records))
	for _, sink := range w.sinks {
		if err := w.writeWithRetry(ctx, sink, records); err != nil {
			w.deadLetter(ctx, sink, records, err)
		}
	}
}

func (w *Worker) writeWithRetry(ctx context.Context, sink Sink, records []*Record) error {
	var lastErr error
	for attempt := 0; attempt <= w.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := w.cfg.Backoff(attempt)
			w.logger.Debug("Retrying ledger sink", "sink", sink.Name(), "attempt", attempt, "backoff", backoff)
			if !w.sleep(ctx, backoff) {
				return ctx.Err()
			}
		}
		if lastErr = sink.Write(ctx, records); lastErr == nil {
			return nil
		}
		w.logger.Warn("Ledger sink write failed", "sink", sink.Name(), "attempt", attempt, "error", lastErr)
	}
	return fmt.Errorf("sink %s: %w", sink.Name(), lastErr)
}

func (w *Worker) deadLetter(ctx context.Context, sink Sink, records []*Record, cause error) {
	if w.dlq == nil {
		w.logger.Error("Dropped ledger batch", "sink", sink.Name(), "count", len(records), "error", cause)
		return
	}
	for _, rec := range records {
		if err := w.dlq.Add(ctx, rec, cause); err != nil {
			w.logger.Error("Failed to add ledger record to DLQ", "request_id", rec.RequestID, "error", err)
		}
	}
	w.logger.Warn("Ledger batch moved to DLQ", "sink", sink.Name(), "count", len(records), "error", cause)
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-w.stopChan:
		return true
	case <-timer.C:
		return true
	}
}

// QueueLength reports how many records wait to be written.
func (w *Worker) QueueLength(ctx context.Context) (int, error) {
	return w.queue.Length(ctx)
}
