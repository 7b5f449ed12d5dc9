// Package resolver maps (device_uuid, sensor_uuid) pairs to internal sensor
// ids through a TTL cache, saving one SQL round trip per reading on the hot
// packet path.
//
// Invalidation map: InvalidateDevice must be called whenever sensors are
// attached to or detached from a device; the TTL bounds staleness for
// everything else. Negative results are cached too, so a just-provisioned
// sensor can take up to one TTL to appear.
package resolver

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/sensorgrid/ingest/internal/store"
)

// Lookup is the store dependency: resolve or report "no such sensor".
type Lookup interface {
	ResolveSensor(ctx context.Context, deviceUUID, sensorUUID string) (int64, error)
}

// ErrUnknownSensor marks a pair that does not resolve (or does not belong to
// the claiming device).
var ErrUnknownSensor = errors.New("resolver: unknown sensor")

type cacheEntry struct {
	id      int64
	known   bool
	expires time.Time
}

// Resolver is the TTL cache. The domain is small (thousands of sensors), so
// there is no size cap; TTL is the only bound.
type Resolver struct {
	lookup Lookup
	ttl    time.Duration

	mu    sync.RWMutex
	cache map[string]cacheEntry

	now func() time.Time
}

func New(lookup Lookup, ttl time.Duration) *Resolver {
	if ttl <= 0 {
		ttl = 300 * time.Second
	}
	return &Resolver{
		lookup: lookup,
		ttl:    ttl,
		cache:  make(map[string]cacheEntry),
		now:    time.Now,
	}
}

func cacheKey(deviceUUID, sensorUUID string) string {
	return deviceUUID + "|" + sensorUUID
}

// Resolve returns the internal sensor id for the pair. ErrUnknownSensor means
// the caller should record the sensor as unknown; other errors are store
// failures.
func (r *Resolver) Resolve(ctx context.Context, deviceUUID, sensorUUID string) (int64, error) {
	key := cacheKey(deviceUUID, sensorUUID)
	now := r.now()

	r.mu.RLock()
	entry, ok := r.cache[key]
	r.mu.RUnlock()
	if ok && now.Before(entry.expires) {
		if !entry.known {
			return 0, ErrUnknownSensor
		}
		return entry.id, nil
	}

	id, err := r.lookup.ResolveSensor(ctx, deviceUUID, sensorUUID)
	switch {
	case err == nil:
		r.put(key, cacheEntry{id: id, known: true, expires: now.Add(r.ttl)})
		return id, nil
	case errors.Is(err, store.ErrNotFound):
		r.put(key, cacheEntry{known: false, expires: now.Add(r.ttl)})
		return 0, ErrUnknownSensor
	default:
		return 0, err
	}
}

func (r *Resolver) put(key string, e cacheEntry) {
	r.mu.Lock()
	r.cache[key] = e
	r.mu.Unlock()
}

// InvalidateDevice drops every cached pair for a device.
func (r *Resolver) InvalidateDevice(deviceUUID string) {
	prefix := deviceUUID + "|"
	r.mu.Lock()
	for k := range r.cache {
		if strings.HasPrefix(k, prefix) {
			delete(r.cache, k)
		}
	}
	r.mu.Unlock()
}
