package broker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sensorgrid/ingest/internal/core"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never met")
}

func TestMemoryBrokerFanOut(t *testing.T) {
	b := NewMemoryBroker()
	defer b.Close()

	var mu sync.Mutex
	var got []core.Reading
	unsub, err := b.Subscribe(func(r core.Reading) {
		mu.Lock()
		got = append(got, r)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer unsub()

	require.NoError(t, b.Publish(context.Background(), core.Reading{SensorID: 1, Value: 21.5}))
	require.NoError(t, b.Publish(context.Background(), core.Reading{SensorID: 2, Value: 3.3}))

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	})
}

func TestMemoryBrokerUnsubscribe(t *testing.T) {
	b := NewMemoryBroker()
	defer b.Close()

	received := make(chan core.Reading, 1)
	unsub, err := b.Subscribe(func(r core.Reading) { received <- r })
	require.NoError(t, err)
	unsub()

	require.NoError(t, b.Publish(context.Background(), core.Reading{SensorID: 1}))
	select {
	case <-received:
		t.Fatal("unsubscribed handler still invoked")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRedisBrokerRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	b := NewRedisBroker(rdb)
	defer b.Close()

	var mu sync.Mutex
	var got []core.Reading
	unsub, err := b.Subscribe(func(r core.Reading) {
		mu.Lock()
		got = append(got, r)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer unsub()

	reading := core.Reading{
		SensorID:   42,
		Series:     "iot:sensor:42",
		SensorType: "temperature",
		Value:      21.5,
		Timestamp:  time.Unix(1700000000, 0).UTC(),
	}
	require.NoError(t, b.Publish(context.Background(), reading))

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	})
	mu.Lock()
	assert.Equal(t, reading, got[0])
	mu.Unlock()
}

func TestThrottledBrokerDropsInsideInterval(t *testing.T) {
	inner := NewMemoryBroker()
	defer inner.Close()
	b := NewThrottledBroker(inner, time.Second)

	var mu sync.Mutex
	count := 0
	unsub, err := b.Subscribe(func(core.Reading) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	require.NoError(t, err)
	defer unsub()

	base := time.Unix(1700000000, 0)
	ctx := context.Background()

	// First passes, 400ms later is inside the interval and drops, 1.1s later
	// passes again.
	require.NoError(t, b.Publish(ctx, core.Reading{SensorID: 1, Value: 1, Timestamp: base}))
	require.NoError(t, b.Publish(ctx, core.Reading{SensorID: 1, Value: 2, Timestamp: base.Add(400 * time.Millisecond)}))
	require.NoError(t, b.Publish(ctx, core.Reading{SensorID: 1, Value: 3, Timestamp: base.Add(1100 * time.Millisecond)}))

	// A different sensor is never throttled by sensor 1's history.
	require.NoError(t, b.Publish(ctx, core.Reading{SensorID: 2, Value: 4, Timestamp: base.Add(100 * time.Millisecond)}))

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 3
	})
}
