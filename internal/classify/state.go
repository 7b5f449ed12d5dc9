// Package classify implements the per-stream classification pipeline stage:
// the sensor state machine, threshold evaluation with hysteresis, and the
// delta-spike detector. One Classifier instance serves all streams; every
// shared structure is safe for concurrent observations on the same stream.
package classify

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/sensorgrid/ingest/internal/core"
	"github.com/sensorgrid/ingest/internal/store"
)

// StateStore is the persistence surface the state manager needs.
// *store.Store satisfies it.
type StateStore interface {
	GetSensor(ctx context.Context, sensorID int64) (*store.SensorRow, error)
	CompareAndSwapState(ctx context.Context, sensorID int64, expected, next core.SensorState) (bool, error)
	IncrementValidReadings(ctx context.Context, sensorID int64) (int, error)
}

type cachedSensor struct {
	row     store.SensorRow
	expires time.Time
}

// SensorStateManager owns sensor operational state. All transitions go
// through TransitionTo, which uses a conditional UPDATE so two concurrent
// observers cannot both win the same transition.
//
// Invalidation map: the cache entry for a sensor is dropped after every
// CompareAndSwapState write; IncrementValidReadings patches the cached count
// in place. Anything else is bounded by the TTL.
type SensorStateManager struct {
	store StateStore
	ttl   time.Duration

	mu    sync.RWMutex
	cache map[int64]cachedSensor

	now    func() time.Time
	logger *log.Logger
}

// NewStateManager builds a manager with the given cache TTL (default 60s).
func NewStateManager(st StateStore, ttl time.Duration) *SensorStateManager {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &SensorStateManager{
		store:  st,
		ttl:    ttl,
		cache:  make(map[int64]cachedSensor),
		now:    time.Now,
		logger: log.New(log.Writer(), "[STATE] ", log.LstdFlags),
	}
}

func (m *SensorStateManager) sensor(ctx context.Context, sensorID int64) (store.SensorRow, error) {
	now := m.now()
	m.mu.RLock()
	entry, ok := m.cache[sensorID]
	m.mu.RUnlock()
	if ok && now.Before(entry.expires) {
		return entry.row, nil
	}
	return m.reload(ctx, sensorID)
}

func (m *SensorStateManager) reload(ctx context.Context, sensorID int64) (store.SensorRow, error) {
	row, err := m.store.GetSensor(ctx, sensorID)
	if err != nil {
		return store.SensorRow{}, err
	}
	m.mu.Lock()
	m.cache[sensorID] = cachedSensor{row: *row, expires: m.now().Add(m.ttl)}
	m.mu.Unlock()
	return *row, nil
}

// State returns the current operational state, served from cache when fresh.
func (m *SensorStateManager) State(ctx context.Context, sensorID int64) (core.SensorState, error) {
	row, err := m.sensor(ctx, sensorID)
	if err != nil {
		return core.StateUnknown, err
	}
	return row.State, nil
}

// Invalidate drops the cached row so the next read hits the database.
func (m *SensorStateManager) Invalidate(sensorID int64) {
	m.mu.Lock()
	delete(m.cache, sensorID)
	m.mu.Unlock()
}

// RegisterValidReading counts one valid observation against the stream and
// returns the state the classifier should gate on. Crossing
// min_readings_for_normal while INITIALIZING promotes the stream to NORMAL.
func (m *SensorStateManager) RegisterValidReading(ctx context.Context, sensorID int64) (core.SensorState, error) {
	row, err := m.sensor(ctx, sensorID)
	if err != nil {
		return core.StateUnknown, err
	}

	count, err := m.store.IncrementValidReadings(ctx, sensorID)
	if err != nil {
		return core.StateUnknown, err
	}
	m.mu.Lock()
	if entry, ok := m.cache[sensorID]; ok {
		entry.row.ValidReadingsCount = count
		m.cache[sensorID] = entry
	}
	m.mu.Unlock()

	if row.State == core.StateInitializing && count >= row.MinReadingsForNormal {
		return m.TransitionTo(ctx, sensorID, core.StateNormal)
	}
	return row.State, nil
}

// TransitionTo moves the sensor to the target state and returns the state the
// sensor ended up in. A transition the table rejects is logged and ignored.
// Losing the conditional UPDATE to a concurrent observer triggers one re-read
// and, if still valid from the fresh state, one retry.
func (m *SensorStateManager) TransitionTo(ctx context.Context, sensorID int64, to core.SensorState) (core.SensorState, error) {
	row, err := m.sensor(ctx, sensorID)
	if err != nil {
		return core.StateUnknown, err
	}
	current := row.State
	if current == to {
		return to, nil
	}
	if !core.ValidTransition(current, to) {
		m.logger.Printf("rejected transition sensor_id=%d %s -> %s", sensorID, current, to)
		return current, nil
	}

	ok, err := m.store.CompareAndSwapState(ctx, sensorID, current, to)
	m.Invalidate(sensorID)
	if err != nil {
		return core.StateUnknown, err
	}
	if ok {
		m.logger.Printf("transition sensor_id=%d %s -> %s", sensorID, current, to)
		return to, nil
	}

	// Lost the race. Accept the winner's state or retry once from it.
	fresh, err := m.reload(ctx, sensorID)
	if err != nil {
		return core.StateUnknown, err
	}
	if fresh.State == to {
		return to, nil
	}
	if !core.ValidTransition(fresh.State, to) {
		m.logger.Printf("transition sensor_id=%d superseded, now %s (wanted %s)", sensorID, fresh.State, to)
		return fresh.State, nil
	}
	ok, err = m.store.CompareAndSwapState(ctx, sensorID, fresh.State, to)
	m.Invalidate(sensorID)
	if err != nil {
		return core.StateUnknown, err
	}
	if ok {
		m.logger.Printf("transition sensor_id=%d %s -> %s (retry)", sensorID, fresh.State, to)
		return to, nil
	}
	return m.State(ctx, sensorID)
}
