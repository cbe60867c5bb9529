package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testRecord struct {
	ID    string `json:"id"`
	Count int    `json:"count"`
}

func setupRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestRedisQueue_EnqueueDequeue(t *testing.T) {
	mr, client := setupRedis(t)
	q, err := NewRedisQueue[*testRecord](client, DefaultConfig("ledger"))
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, q.Enqueue(ctx, &testRecord{ID: "r", Count: i}))
	}
	assert.True(t, mr.Exists("queue:ledger"))

	n, err := q.Length(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	items, err := q.DequeueWithTimeout(ctx, 2, time.Second)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, 0, items[0].Count)
	assert.Equal(t, 1, items[1].Count)

	items, err = q.DequeueWithTimeout(ctx, 10, time.Second)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, 2, items[0].Count)
}

func TestRedisQueue_SkipsMalformedItems(t *testing.T) {
	mr, client := setupRedis(t)
	q, err := NewRedisQueue[*testRecord](client, DefaultConfig("ledger"))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, &testRecord{ID: "a"}))
	_, err = mr.Push("queue:ledger", "{not json")
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(ctx, &testRecord{ID: "b"}))

	items, err := q.DequeueWithTimeout(ctx, 10, time.Second)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "a", items[0].ID)
	assert.Equal(t, "b", items[1].ID)
}

func TestRedisQueue_Closed(t *testing.T) {
	_, client := setupRedis(t)
	q, err := NewRedisQueue[string](client, DefaultConfig("ledger"))
	require.NoError(t, err)
	require.NoError(t, q.Close())

	assert.ErrorIs(t, q.Enqueue(context.Background(), "x"), ErrQueueClosed)
	_, err = q.DequeueWithTimeout(context.Background(), 1, time.Millisecond)
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestNewRedisQueue_Validation(t *testing.T) {
	_, err := NewRedisQueue[string](nil, DefaultConfig("x"))
	assert.Error(t, err)

	_, client := setupRedis(t)
	_, err = NewRedisQueue[string](client, Config{})
	assert.Error(t, err)
}

func TestRedisDeadLetterQueue(t *testing.T) {
	_, client := setupRedis(t)
	dlq, err := NewRedisDeadLetterQueue[*testRecord](client, DefaultConfig("ledger"))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, dlq.Add(ctx, &testRecord{ID: "lost"}, errors.New("db down")))

	items, err := dlq.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "lost", items[0].Item.ID)
	assert.Equal(t, "db down", items[0].Error)

	require.NoError(t, dlq.Remove(ctx, items[0].ID))
	assert.ErrorIs(t, dlq.Remove(ctx, items[0].ID), ErrItemNotFound)
}
