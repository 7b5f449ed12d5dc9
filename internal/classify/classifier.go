package classify

import (
	"context"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/sensorgrid/ingest/internal/core"
)

// WarningCooldown is how long after an emitted WARNING further spikes on the
// same stream are downgraded to predictions.
const WarningCooldown = 300 * time.Second

// Classifier evaluates one observation at a time into exactly one of
// ALERT, WARNING, or ML_PREDICTION. Evaluation order is strict:
//
//  1. value sanity
//  2. state gate (warm-up and stale streams never emit events)
//  3. physical range with consecutive-reading hysteresis
//  4. warning-band short-circuit
//  5. history freshness
//  6. delta-spike detection (noise floor, slope gate)
//  7. warning cooldown
//  8. spike verdict
type Classifier struct {
	states     *SensorStateManager
	thresholds *ThresholdCache
	last       *LastReadingCache
	tracker    *ConsecutiveTracker

	cooldownMu sync.Mutex
	cooldowns  map[int64]time.Time

	now    func() time.Time
	logger *log.Logger
}

// New builds a classifier over the shared state manager and caches.
func New(states *SensorStateManager, thresholds *ThresholdCache, last *LastReadingCache) *Classifier {
	return &Classifier{
		states:     states,
		thresholds: thresholds,
		last:       last,
		tracker:    NewConsecutiveTracker(),
		cooldowns:  make(map[int64]time.Time),
		now:        time.Now,
		logger:     log.New(log.Writer(), "[CLASSIFY] ", log.LstdFlags),
	}
}

// States exposes the state manager for sub-pipelines that transition state.
func (c *Classifier) States() *SensorStateManager { return c.states }

// Thresholds exposes the threshold cache for invalidation on admin writes.
func (c *Classifier) Thresholds() *ThresholdCache { return c.thresholds }

// LastReadings exposes the last-reading cache.
func (c *Classifier) LastReadings() *LastReadingCache { return c.last }

func prediction(state core.SensorState, reason string) *core.ClassificationResult {
	return &core.ClassificationResult{Class: core.ClassPrediction, Reason: reason, State: state}
}

// Classify evaluates one observation for the stream identified by sensorID.
// An error means a dependency failed and the caller should route the
// observation to its retry path; a result is always one of the three classes.
func (c *Classifier) Classify(ctx context.Context, sensorID int64, obs *core.Observation) (*core.ClassificationResult, error) {
	// 1. Sanity. Transports validate too, but the classifier must never
	// propagate a non-finite value into the delta math.
	if math.IsNaN(obs.Value) || math.IsInf(obs.Value, 0) {
		return prediction(core.StateUnknown, "invalid value"), nil
	}

	// 2. State gate.
	state, err := c.states.RegisterValidReading(ctx, sensorID)
	if err != nil {
		return nil, fmt.Errorf("state gate for sensor %d: %w", sensorID, err)
	}
	if !state.CanGenerateEvents() {
		return prediction(state, fmt.Sprintf("state %s: events suppressed", state)), nil
	}

	set, sensorType, err := c.thresholds.Get(ctx, sensorID)
	if err != nil {
		return nil, fmt.Errorf("thresholds for sensor %d: %w", sensorID, err)
	}

	// 3. Physical range with hysteresis.
	if set.Physical != nil {
		if set.Physical.Violates(obs.Value) {
			n := c.tracker.Increment(sensorID)
			if n < set.ConsecutiveRequired {
				c.recordLast(sensorID, obs)
				return prediction(state, fmt.Sprintf("out of range, pending hysteresis (%d/%d)", n, set.ConsecutiveRequired)), nil
			}
			newState, err := c.states.TransitionTo(ctx, sensorID, core.StateAlert)
			if err != nil {
				return nil, fmt.Errorf("transition to ALERT for sensor %d: %w", sensorID, err)
			}
			c.recordLast(sensorID, obs)
			return &core.ClassificationResult{
				Class:       core.ClassAlert,
				Reason:      fmt.Sprintf("value %g outside [%g, %g]", obs.Value, set.Physical.Min, set.Physical.Max),
				State:       newState,
				ThresholdID: set.Physical.ThresholdID,
			}, nil
		}
		c.tracker.Reset(sensorID)
	}

	// 4. Warning-band short-circuit: the user declared this range normal.
	if set.Warning != nil && set.Warning.Contains(obs.Value) {
		c.recordLast(sensorID, obs)
		return prediction(state, "inside warning band; delta not applicable"), nil
	}

	// 5. History freshness.
	last, ok, err := c.last.Get(ctx, sensorID)
	if err != nil {
		return nil, fmt.Errorf("last reading for sensor %d: %w", sensorID, err)
	}
	if !ok || obs.IngestTS.Sub(last.Timestamp) > core.MaxLastReadingAge {
		c.recordLast(sensorID, obs)
		return prediction(state, "no recent history"), nil
	}

	// 6. Delta spike.
	spike := DetectSpike(obs.Value, last, obs.IngestTS, sensorType, set.Delta)
	c.recordLast(sensorID, obs)
	if !spike.Fired() {
		return prediction(state, ""), nil
	}

	// 7. Cooldown.
	if c.inCooldown(sensorID, obs.IngestTS) {
		return prediction(state, "delta spike in cooldown"), nil
	}

	// 8. Spike verdict.
	c.markCooldown(sensorID, obs.IngestTS)
	newState, err := c.states.TransitionTo(ctx, sensorID, core.StateWarning)
	if err != nil {
		return nil, fmt.Errorf("transition to WARNING for sensor %d: %w", sensorID, err)
	}
	return &core.ClassificationResult{
		Class:  core.ClassWarning,
		Reason: fmt.Sprintf("delta spike: %v", spike.Triggered),
		State:  newState,
		Spike:  spike,
	}, nil
}

func (c *Classifier) recordLast(sensorID int64, obs *core.Observation) {
	c.last.Record(sensorID, obs.Value, obs.IngestTS)
}

func (c *Classifier) inCooldown(sensorID int64, at time.Time) bool {
	c.cooldownMu.Lock()
	defer c.cooldownMu.Unlock()
	lastWarn, ok := c.cooldowns[sensorID]
	return ok && at.Sub(lastWarn) < WarningCooldown
}

func (c *Classifier) markCooldown(sensorID int64, at time.Time) {
	c.cooldownMu.Lock()
	c.cooldowns[sensorID] = at
	c.cooldownMu.Unlock()
}
