package classify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sensorgrid/ingest/internal/core"
	"github.com/sensorgrid/ingest/internal/store"
)

// ThresholdStore is the persistence surface the caches need. *store.Store
// satisfies it.
type ThresholdStore interface {
	GetThresholds(ctx context.Context, sensorID int64) (*core.ThresholdSet, error)
	GetSensorType(ctx context.Context, sensorID int64) (string, error)
	GetLatest(ctx context.Context, sensorID int64) (*core.LastReading, error)
}

type cachedThresholds struct {
	set        *core.ThresholdSet
	sensorType string
	expires    time.Time
}

// ThresholdCache caches per-stream threshold configuration and sensor type.
//
// Invalidation map: Invalidate must be called when the threshold rows for a
// sensor change (the threshold admin endpoint does this); the TTL bounds
// staleness for out-of-band writes.
type ThresholdCache struct {
	store ThresholdStore
	ttl   time.Duration

	mu    sync.RWMutex
	cache map[int64]cachedThresholds

	now func() time.Time
}

// NewThresholdCache builds a cache with the given TTL (default 60s).
func NewThresholdCache(st ThresholdStore, ttl time.Duration) *ThresholdCache {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &ThresholdCache{
		store: st,
		ttl:   ttl,
		cache: make(map[int64]cachedThresholds),
		now:   time.Now,
	}
}

// Get returns the threshold set and sensor type for a stream.
func (c *ThresholdCache) Get(ctx context.Context, sensorID int64) (*core.ThresholdSet, string, error) {
	now := c.now()
	c.mu.RLock()
	entry, ok := c.cache[sensorID]
	c.mu.RUnlock()
	if ok && now.Before(entry.expires) {
		return entry.set, entry.sensorType, nil
	}

	set, err := c.store.GetThresholds(ctx, sensorID)
	if err != nil {
		return nil, "", err
	}
	sensorType, err := c.store.GetSensorType(ctx, sensorID)
	if err != nil {
		return nil, "", err
	}

	c.mu.Lock()
	c.cache[sensorID] = cachedThresholds{set: set, sensorType: sensorType, expires: now.Add(c.ttl)}
	c.mu.Unlock()
	return set, sensorType, nil
}

// Invalidate drops the cached configuration for a stream.
func (c *ThresholdCache) Invalidate(sensorID int64) {
	c.mu.Lock()
	delete(c.cache, sensorID)
	c.mu.Unlock()
}

// LastReadingCache holds the previous sample per stream for the delta
// detector. Misses fall through to sensor_readings_latest so a restart does
// not blind the detector.
//
// Invalidation map: Record is called by the classifier after every valid
// evaluation, which keeps the entry current; the prediction pipeline's latest
// upsert writes the same value to the backing table.
type LastReadingCache struct {
	store ThresholdStore

	mu    sync.RWMutex
	cache map[int64]core.LastReading
}

func NewLastReadingCache(st ThresholdStore) *LastReadingCache {
	return &LastReadingCache{store: st, cache: make(map[int64]core.LastReading)}
}

// Get returns the previous reading for a stream, or ok=false when none is
// known anywhere.
func (c *LastReadingCache) Get(ctx context.Context, sensorID int64) (core.LastReading, bool, error) {
	c.mu.RLock()
	last, ok := c.cache[sensorID]
	c.mu.RUnlock()
	if ok {
		return last, true, nil
	}

	row, err := c.store.GetLatest(ctx, sensorID)
	if errors.Is(err, store.ErrNotFound) {
		return core.LastReading{}, false, nil
	}
	if err != nil {
		return core.LastReading{}, false, err
	}
	if row == nil {
		return core.LastReading{}, false, nil
	}
	c.mu.Lock()
	c.cache[sensorID] = *row
	c.mu.Unlock()
	return *row, true, nil
}

// Record stores the sample just evaluated as the stream's previous reading.
func (c *LastReadingCache) Record(sensorID int64, value float64, ts time.Time) {
	c.mu.Lock()
	c.cache[sensorID] = core.LastReading{Value: value, Timestamp: ts}
	c.mu.Unlock()
}

// Invalidate drops the cached reading for a stream.
func (c *LastReadingCache) Invalidate(sensorID int64) {
	c.mu.Lock()
	delete(c.cache, sensorID)
	c.mu.Unlock()
}
