package resilience

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDLQTruncation(t *testing.T) {
	q := NewMemoryDLQ(100)
	ctx := context.Background()

	require.NoError(t, q.Add(ctx, DLQEntry{
		Payload:   strings.Repeat("p", 6000),
		Error:     strings.Repeat("e", 2000),
		ErrorType: "db_error",
		Source:    "http",
	}))

	entries, err := q.Read(ctx, 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Len(t, entries[0].Payload, dlqPayloadLimit)
	assert.Len(t, entries[0].Error, dlqErrorLimit)
	assert.False(t, entries[0].Timestamp.IsZero())
}

func TestMemoryDLQBounded(t *testing.T) {
	q := NewMemoryDLQ(5)
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		require.NoError(t, q.Add(ctx, DLQEntry{Payload: "x", ErrorType: "parse_error"}))
	}
	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
}

func TestRedisDLQRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	q := NewRedisDLQ(rdb, 1000)
	ctx := context.Background()

	require.NoError(t, q.Add(ctx, DLQEntry{
		Payload:   `{"sensor_id":42,"value":21.5}`,
		Error:     "connection reset",
		ErrorType: "db_error",
		Source:    "mqtt",
		SensorID:  42,
		MsgID:     "m-1",
		Timestamp: time.Unix(1700000000, 0).UTC(),
	}))

	entries, err := q.Read(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, `{"sensor_id":42,"value":21.5}`, e.Payload)
	assert.Equal(t, "db_error", e.ErrorType)
	assert.Equal(t, "mqtt", e.Source)
	assert.Equal(t, int64(42), e.SensorID)
	assert.Equal(t, "m-1", e.MsgID)
	assert.Equal(t, 0, e.RetryCount)

	require.NoError(t, q.Requeue(ctx, e))
	entries, err = q.Read(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 1, entries[0].RetryCount)

	require.NoError(t, q.Delete(ctx, entries[0].ID))
	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDLQConsumerLifecycle(t *testing.T) {
	q := NewMemoryDLQ(100)
	ctx := context.Background()

	require.NoError(t, q.Add(ctx, DLQEntry{Payload: "ok", ErrorType: "db_error"}))
	require.NoError(t, q.Add(ctx, DLQEntry{Payload: "bad", ErrorType: "db_error"}))

	handled := 0
	consumer := NewDLQConsumer(q, func(_ context.Context, e DLQEntry) error {
		handled++
		if e.Payload == "bad" {
			return errors.New("still failing")
		}
		return nil
	}, DLQConsumerConfig{BatchSize: 10, PollEvery: time.Hour, MaxRetries: 3})

	// First pass: "ok" deleted, "bad" requeued with retry_count=1.
	processed, requeued, archived := consumer.ProcessBatch(ctx)
	assert.Equal(t, 1, processed)
	assert.Equal(t, 1, requeued)
	assert.Equal(t, 0, archived)

	// Second pass: retry_count 1 → requeued again with 2.
	_, requeued, archived = consumer.ProcessBatch(ctx)
	assert.Equal(t, 1, requeued)
	assert.Equal(t, 0, archived)

	// Third pass: retry budget exhausted → archived.
	_, requeued, archived = consumer.ProcessBatch(ctx)
	assert.Equal(t, 0, requeued)
	assert.Equal(t, 1, archived)

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, q.Archived(), 1)
	assert.GreaterOrEqual(t, handled, 4)
}
