package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// Deduplicator answers "have we seen this message before?" with set-if-absent
// semantics. The first call for a msg_id returns false, repeats within the
// TTL return true.
//
// Backing-store failures FAIL OPEN: a Redis outage must not reject
// observations, so errors are logged and the message is treated as new.
type Deduplicator interface {
	IsDuplicate(ctx context.Context, msgID string) bool
	Stats() DedupStats
}

// DedupStats are the monotonic dedup counters.
type DedupStats struct {
	Checked    uint64 `json:"checked"`
	Duplicates uint64 `json:"duplicates_found"`
}

// GenerateMsgID derives a message id for payloads that do not carry one:
// sensor id, unix timestamp and value at 6-decimal precision.
func GenerateMsgID(sensorID int64, ts time.Time, value float64) string {
	return fmt.Sprintf("%d:%.6f:%.6f", sensorID, float64(ts.UnixNano())/1e9, value)
}

const dedupKeyPrefix = "ingest:dedup:"

// RedisDeduplicator records msg_ids in Redis with SET NX + TTL.
type RedisDeduplicator struct {
	rdb *redis.Client
	ttl time.Duration

	checked    atomic.Uint64
	duplicates atomic.Uint64
}

// NewRedisDeduplicator wraps an existing go-redis client.
func NewRedisDeduplicator(rdb *redis.Client, ttl time.Duration) *RedisDeduplicator {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisDeduplicator{rdb: rdb, ttl: ttl}
}

func (d *RedisDeduplicator) IsDuplicate(ctx context.Context, msgID string) bool {
	if msgID == "" {
		return false
	}
	d.checked.Add(1)

	ok, err := d.rdb.SetNX(ctx, dedupKeyPrefix+msgID, 1, d.ttl).Result()
	if err != nil {
		// Fail open: ingestion correctness beats dedup correctness.
		slog.Warn("dedup store unreachable, treating as new", "msg_id", msgID, "error", err)
		return false
	}
	if !ok {
		d.duplicates.Add(1)
		slog.Debug("duplicate message dropped", "msg_id", msgID)
		return true
	}
	return false
}

func (d *RedisDeduplicator) Stats() DedupStats {
	return DedupStats{Checked: d.checked.Load(), Duplicates: d.duplicates.Load()}
}

// MemoryDeduplicator is the in-process variant used in tests and when Redis
// is not configured.
type MemoryDeduplicator struct {
	ttl time.Duration

	mu   sync.Mutex
	seen map[string]time.Time

	checked    atomic.Uint64
	duplicates atomic.Uint64
}

func NewMemoryDeduplicator(ttl time.Duration) *MemoryDeduplicator {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &MemoryDeduplicator{ttl: ttl, seen: make(map[string]time.Time)}
}

func (d *MemoryDeduplicator) IsDuplicate(_ context.Context, msgID string) bool {
	if msgID == "" {
		return false
	}
	d.checked.Add(1)

	now := time.Now()
	d.mu.Lock()
	defer d.mu.Unlock()

	if expiry, ok := d.seen[msgID]; ok && now.Before(expiry) {
		d.duplicates.Add(1)
		return true
	}
	d.seen[msgID] = now.Add(d.ttl)

	// Opportunistic expiry to keep the map bounded.
	if len(d.seen) > 10000 {
		for k, exp := range d.seen {
			if now.After(exp) {
				delete(d.seen, k)
			}
		}
	}
	return false
}

func (d *MemoryDeduplicator) Stats() DedupStats {
	return DedupStats{Checked: d.checked.Load(), Duplicates: d.duplicates.Load()}
}

// NoopDeduplicator is used when DEDUP_ENABLED=false.
type NoopDeduplicator struct{}

func (NoopDeduplicator) IsDuplicate(context.Context, string) bool { return false }
func (NoopDeduplicator) Stats() DedupStats                        { return DedupStats{} }
