package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue implements Queue on a Redis list. Items are stored as JSON.
// The client is shared and not closed by the queue.
type RedisQueue[T any] struct {
	client *redis.Client
	key    string
	closed atomic.Bool
}

// NewRedisQueue creates a queue stored under "queue:<name>".
func NewRedisQueue[T any](client *redis.Client, cfg Config) (*RedisQueue[T], error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if cfg.Name == "" {
		return nil, errors.New("queue name is required")
	}
	return &RedisQueue[T]{
		client: client,
		key:    "queue:" + cfg.Name,
	}, nil
}

func (q *RedisQueue[T]) Enqueue(ctx context.Context, item T) error {
	if q.closed.Load() {
		return ErrQueueClosed
	}
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("failed to marshal item: %w", err)
	}
	if err := q.client.RPush(ctx, q.key, data).Err(); err != nil {
		return fmt.Errorf("failed to push to Redis: %w", err)
	}
	return nil
}

func (q *RedisQueue[T]) DequeueWithTimeout(ctx context.Context, maxItems int, timeout time.Duration) ([]T, error) {
	if q.closed.Load() {
		return nil, ErrQueueClosed
	}

	result, err := q.client.BLPop(ctx, timeout, q.key).Result()
	if errors.Is(err, redis.Nil) {
		return []T{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to pop from Redis: %w", err)
	}

	items := make([]T, 0, maxItems)
	// result[0] is the key, result[1] the value.
	if item, err := decode[T](result[1]); err == nil {
		items = append(items, item)
	}

	for len(items) < maxItems {
		raw, err := q.client.LPop(ctx, q.key).Result()
		if err != nil {
			// redis.Nil means drained; anything else is retried next round.
			break
		}
		item, err := decode[T](raw)
		if err != nil {
			continue
		}
		items = append(items, item)
	}
	return items, nil
}

func (q *RedisQueue[T]) Length(ctx context.Context) (int, error) {
	n, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get queue length: %w", err)
	}
	return int(n), nil
}

func (q *RedisQueue[T]) Close() error {
	q.closed.Store(true)
	return nil
}

// RedisDeadLetterQueue implements DeadLetterQueue on a Redis hash.
type RedisDeadLetterQueue[T any] struct {
	client *redis.Client
	key    string
}

// NewRedisDeadLetterQueue creates a dead letter queue stored under
// "dlq:<name>".
func NewRedisDeadLetterQueue[T any](client *redis.Client, cfg Config) (*RedisDeadLetterQueue[T], error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	return &RedisDeadLetterQueue[T]{client: client, key: "dlq:" + cfg.Name}, nil
}

func (q *RedisDeadLetterQueue[T]) Add(ctx context.Context, item T, err error) error {
	dl := newDeadLetterItem(item, err)
	data, marshalErr := json.Marshal(dl)
	if marshalErr != nil {
		return fmt.Errorf("failed to marshal dead letter item: %w", marshalErr)
	}
	if err := q.client.HSet(ctx, q.key, dl.ID, data).Err(); err != nil {
		return fmt.Errorf("failed to add to dead letter queue: %w", err)
	}
	return nil
}

func (q *RedisDeadLetterQueue[T]) List(ctx context.Context, maxItems int) ([]DeadLetterItem[T], error) {
	raw, err := q.client.HGetAll(ctx, q.key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letter items: %w", err)
	}

	items := make([]DeadLetterItem[T], 0, len(raw))
	for _, data := range raw {
		var dl DeadLetterItem[T]
		if err := json.Unmarshal([]byte(data), &dl); err != nil {
			continue
		}
		items = append(items, dl)
		if maxItems > 0 && len(items) >= maxItems {
			break
		}
	}
	return items, nil
}

func (q *RedisDeadLetterQueue[T]) Remove(ctx context.Context, id string) error {
	n, err := q.client.HDel(ctx, q.key, id).Result()
	if err != nil {
		return fmt.Errorf("failed to remove from dead letter queue: %w", err)
	}
	if n == 0 {
		return ErrItemNotFound
	}
	return nil
}

func (q *RedisDeadLetterQueue[T]) Close() error {
	return nil
}

func decode[T any](raw string) (T, error) {
	var item T
	err := json.Unmarshal([]byte(raw), &item)
	return item, err
}
