// Package queue buffers work between request handlers and background
// workers. Two backends exist:
//
//   - MemoryQueue: channel based, lost on restart, no dependencies. Suited to
//     a single instance.
//   - RedisQueue: Redis list based, survives restarts and can be drained by
//     any replica.
//
// Items that a worker cannot process after its retries go to a
// DeadLetterQueue.
package queue

import (
	"context"
	"time"
)

// Queue is a FIFO of items of type T.
type Queue[T any] interface {
	// Enqueue adds an item to the queue.
	Enqueue(ctx context.Context, item T) error

	// DequeueWithTimeout waits up to timeout for the first item, then takes
	// whatever else is immediately available, up to maxItems. It returns an
	// empty slice on timeout.
	DequeueWithTimeout(ctx context.Context, maxItems int, timeout time.Duration) ([]T, error)

	// Length returns the current queue length.
	Length(ctx context.Context) (int, error)

	// Close shuts down the queue.
	Close() error
}

// DeadLetterQueue keeps items that failed processing.
type DeadLetterQueue[T any] interface {
	Add(ctx context.Context, item T, err error) error
	List(ctx context.Context, maxItems int) ([]DeadLetterItem[T], error)
	Remove(ctx context.Context, id string) error
	Close() error
}

// DeadLetterItem is one failed item and why it failed.
type DeadLetterItem[T any] struct {
	ID        string    `json:"id"`
	Item      T         `json:"item"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// Config holds queue tuning shared by both backends and their workers.
type Config struct {
	// Name is the queue identifier, used in Redis keys.
	Name string

	// BatchSize is the maximum number of items a worker takes at once.
	BatchSize int

	// BatchTimeout is how long a worker waits for a partial batch.
	BatchTimeout time.Duration

	// MaxRetries is how often a worker retries a failed batch.
	MaxRetries int

	// RetryBackoff is the initial backoff, doubled per retry.
	RetryBackoff time.Duration
}

// DefaultConfig returns default queue configuration.
func DefaultConfig(name string) Config {
	return Config{
		Name:         name,
		BatchSize:    100,
		BatchTimeout: 5 * time.Second,
		MaxRetries:   3,
		RetryBackoff: time.Second,
	}
}

// Backoff returns the wait before retry number attempt (1-based).
func (c Config) Backoff(attempt int) time.Duration {
	if attempt <= 0 || c.RetryBackoff <= 0 {
		return 0
	}
	return c.RetryBackoff * time.Duration(1<<uint(attempt-1))
}
