package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateMsgID(t *testing.T) {
	ts := time.Unix(1700000000, 500000000)
	id := GenerateMsgID(42, ts, 21.5)
	assert.Equal(t, "42:1700000000.500000:21.500000", id)
}

func TestMemoryDeduplicator(t *testing.T) {
	d := NewMemoryDeduplicator(time.Minute)
	ctx := context.Background()

	assert.False(t, d.IsDuplicate(ctx, "m1"))
	assert.True(t, d.IsDuplicate(ctx, "m1"))
	assert.True(t, d.IsDuplicate(ctx, "m1"))
	assert.False(t, d.IsDuplicate(ctx, "m2"))

	stats := d.Stats()
	assert.Equal(t, uint64(4), stats.Checked)
	assert.Equal(t, uint64(2), stats.Duplicates)
}

func TestMemoryDeduplicatorTTLExpiry(t *testing.T) {
	d := NewMemoryDeduplicator(10 * time.Millisecond)
	ctx := context.Background()

	assert.False(t, d.IsDuplicate(ctx, "m1"))
	time.Sleep(20 * time.Millisecond)
	assert.False(t, d.IsDuplicate(ctx, "m1"))
}

func TestRedisDeduplicator(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	d := NewRedisDeduplicator(rdb, time.Minute)
	ctx := context.Background()

	// Three sends of the same msg_id yield one "new" and two duplicates.
	assert.False(t, d.IsDuplicate(ctx, "sensor:1:21.5"))
	assert.True(t, d.IsDuplicate(ctx, "sensor:1:21.5"))
	assert.True(t, d.IsDuplicate(ctx, "sensor:1:21.5"))

	stats := d.Stats()
	assert.Equal(t, uint64(2), stats.Duplicates)

	// After the TTL the id is fresh again.
	mr.FastForward(2 * time.Minute)
	assert.False(t, d.IsDuplicate(ctx, "sensor:1:21.5"))
}

func TestRedisDeduplicatorFailsOpen(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	d := NewRedisDeduplicator(rdb, time.Minute)
	ctx := context.Background()

	require.False(t, d.IsDuplicate(ctx, "m1"))
	mr.Close()

	// Store down: everything is treated as new.
	assert.False(t, d.IsDuplicate(ctx, "m1"))
	assert.False(t, d.IsDuplicate(ctx, "m2"))
}

func TestNoopDeduplicator(t *testing.T) {
	var d NoopDeduplicator
	assert.False(t, d.IsDuplicate(context.Background(), "x"))
	assert.False(t, d.IsDuplicate(context.Background(), "x"))
}
