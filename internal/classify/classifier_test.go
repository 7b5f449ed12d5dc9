package classify

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sensorgrid/ingest/internal/core"
	"github.com/sensorgrid/ingest/internal/store"
)

type fakeThresholdStore struct {
	mu         sync.Mutex
	set        *core.ThresholdSet
	sensorType string
	latest     *core.LastReading
}

func (f *fakeThresholdStore) GetThresholds(_ context.Context, _ int64) (*core.ThresholdSet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.set, nil
}

func (f *fakeThresholdStore) GetSensorType(_ context.Context, _ int64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sensorType, nil
}

func (f *fakeThresholdStore) GetLatest(_ context.Context, _ int64) (*core.LastReading, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.latest == nil {
		return nil, store.ErrNotFound
	}
	return f.latest, nil
}

type classifierHarness struct {
	c  *Classifier
	fs *fakeStateStore
	ft *fakeThresholdStore
}

func newHarness(state core.SensorState, set *core.ThresholdSet) *classifierHarness {
	fs := &fakeStateStore{row: store.SensorRow{
		ID: 42, DeviceID: 7, State: state, ValidReadingsCount: 100, MinReadingsForNormal: 10,
	}}
	if set.ConsecutiveRequired == 0 {
		set.ConsecutiveRequired = core.DefaultConsecutiveRequired
	}
	ft := &fakeThresholdStore{set: set, sensorType: "temperature"}
	states := NewStateManager(fs, time.Minute)
	thresholds := NewThresholdCache(ft, time.Minute)
	last := NewLastReadingCache(ft)
	return &classifierHarness{c: New(states, thresholds, last), fs: fs, ft: ft}
}

func obsAt(value float64, ts time.Time) *core.Observation {
	return &core.Observation{Series: core.IoTSeriesID(42), Value: value, IngestTS: ts}
}

var t0 = time.Unix(1700000000, 0).UTC()

func TestClassifyInRangeIsPrediction(t *testing.T) {
	h := newHarness(core.StateNormal, &core.ThresholdSet{
		Physical: &core.PhysicalRange{ThresholdID: 3, Min: 10, Max: 30},
	})

	res, err := h.c.Classify(context.Background(), 42, obsAt(15, t0))
	require.NoError(t, err)
	assert.Equal(t, core.ClassPrediction, res.Class)
	assert.Equal(t, core.StateNormal, res.State)
}

func TestClassifyInvalidValue(t *testing.T) {
	h := newHarness(core.StateNormal, &core.ThresholdSet{})

	for _, v := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		res, err := h.c.Classify(context.Background(), 42, obsAt(v, t0))
		require.NoError(t, err)
		assert.Equal(t, core.ClassPrediction, res.Class)
		assert.Equal(t, "invalid value", res.Reason)
	}
	// Invalid values never touch the state machine.
	assert.Equal(t, 0, h.fs.getCalls)
}

func TestClassifyHysteresisThenAlert(t *testing.T) {
	h := newHarness(core.StateNormal, &core.ThresholdSet{
		Physical:            &core.PhysicalRange{ThresholdID: 3, Min: 10, Max: 30},
		ConsecutiveRequired: 2,
	})
	ctx := context.Background()

	// First violation: pending hysteresis, state untouched.
	res, err := h.c.Classify(ctx, 42, obsAt(35, t0))
	require.NoError(t, err)
	assert.Equal(t, core.ClassPrediction, res.Class)
	assert.Contains(t, res.Reason, "pending hysteresis")
	assert.Equal(t, core.StateNormal, h.fs.state())

	// Second consecutive violation: ALERT, state moves.
	res, err = h.c.Classify(ctx, 42, obsAt(35, t0.Add(time.Second)))
	require.NoError(t, err)
	assert.Equal(t, core.ClassAlert, res.Class)
	assert.Equal(t, int64(3), res.ThresholdID)
	assert.Equal(t, core.StateAlert, h.fs.state())

	// Third violation classifies ALERT again so the pipeline updates the
	// existing alert row.
	res, err = h.c.Classify(ctx, 42, obsAt(36, t0.Add(2*time.Second)))
	require.NoError(t, err)
	assert.Equal(t, core.ClassAlert, res.Class)
}

func TestClassifyInRangeResetsHysteresis(t *testing.T) {
	h := newHarness(core.StateNormal, &core.ThresholdSet{
		Physical:            &core.PhysicalRange{Min: 10, Max: 30},
		ConsecutiveRequired: 2,
	})
	ctx := context.Background()

	res, _ := h.c.Classify(ctx, 42, obsAt(35, t0))
	assert.Equal(t, core.ClassPrediction, res.Class)
	res, _ = h.c.Classify(ctx, 42, obsAt(20, t0.Add(time.Second)))
	assert.Equal(t, core.ClassPrediction, res.Class)
	// Counter was reset; a single new violation is pending again.
	res, _ = h.c.Classify(ctx, 42, obsAt(35, t0.Add(2*time.Second)))
	assert.Equal(t, core.ClassPrediction, res.Class)
	assert.Contains(t, res.Reason, "pending hysteresis")
}

func TestClassifyWarmupNeverAlerts(t *testing.T) {
	h := newHarness(core.StateInitializing, &core.ThresholdSet{
		Physical: &core.PhysicalRange{Min: 10, Max: 30},
	})
	h.fs.mu.Lock()
	h.fs.row.ValidReadingsCount = 0
	h.fs.mu.Unlock()

	res, err := h.c.Classify(context.Background(), 42, obsAt(1000, t0))
	require.NoError(t, err)
	assert.Equal(t, core.ClassPrediction, res.Class)
	assert.Contains(t, res.Reason, "INITIALIZING")
	assert.Equal(t, core.StateInitializing, h.fs.state())
}

func TestClassifyStaleNeverWarns(t *testing.T) {
	h := newHarness(core.StateStale, &core.ThresholdSet{
		Delta: &core.DeltaThresholds{AbsDelta: fp(1.0)},
	})
	h.c.LastReadings().Record(42, 20.0, t0.Add(-5*time.Second))

	res, err := h.c.Classify(context.Background(), 42, obsAt(100, t0))
	require.NoError(t, err)
	assert.Equal(t, core.ClassPrediction, res.Class)
	assert.Contains(t, res.Reason, "STALE")
}

func TestClassifyWarningBandShortCircuit(t *testing.T) {
	h := newHarness(core.StateNormal, &core.ThresholdSet{
		Warning: &core.WarningBand{Min: 10, Max: 30},
		Delta:   &core.DeltaThresholds{AbsDelta: fp(1.0)},
	})
	h.c.LastReadings().Record(42, 12.0, t0.Add(-5*time.Second))

	// Jump of 16 would fire the delta threshold, but 28 is inside the band
	// the user declared normal.
	res, err := h.c.Classify(context.Background(), 42, obsAt(28, t0))
	require.NoError(t, err)
	assert.Equal(t, core.ClassPrediction, res.Class)
	assert.Contains(t, res.Reason, "warning band")
}

func TestClassifyNoRecentHistory(t *testing.T) {
	h := newHarness(core.StateNormal, &core.ThresholdSet{
		Delta: &core.DeltaThresholds{AbsDelta: fp(1.0)},
	})
	h.c.LastReadings().Record(42, 20.0, t0.Add(-11*time.Minute))

	res, err := h.c.Classify(context.Background(), 42, obsAt(100, t0))
	require.NoError(t, err)
	assert.Equal(t, core.ClassPrediction, res.Class)
	assert.Equal(t, "no recent history", res.Reason)

	// The observation becomes the new history; a second jump now warns.
	res, err = h.c.Classify(context.Background(), 42, obsAt(200, t0.Add(5*time.Second)))
	require.NoError(t, err)
	assert.Equal(t, core.ClassWarning, res.Class)
}

func TestClassifySpikeWarningAndCooldown(t *testing.T) {
	h := newHarness(core.StateNormal, &core.ThresholdSet{
		Delta: &core.DeltaThresholds{AbsDelta: fp(5.0), Severity: "warning"},
	})
	h.c.LastReadings().Record(42, 20.0, t0.Add(-10*time.Second))
	ctx := context.Background()

	res, err := h.c.Classify(ctx, 42, obsAt(40, t0))
	require.NoError(t, err)
	assert.Equal(t, core.ClassWarning, res.Class)
	require.NotNil(t, res.Spike)
	assert.Contains(t, res.Spike.Triggered, "delta_abs")
	assert.Equal(t, core.StateWarning, h.fs.state())

	// Another spike 60s later is inside the 300s cooldown.
	res, err = h.c.Classify(ctx, 42, obsAt(80, t0.Add(60*time.Second)))
	require.NoError(t, err)
	assert.Equal(t, core.ClassPrediction, res.Class)
	assert.Equal(t, "delta spike in cooldown", res.Reason)

	// Past the cooldown the spike warns again.
	res, err = h.c.Classify(ctx, 42, obsAt(200, t0.Add(400*time.Second)))
	require.NoError(t, err)
	assert.Equal(t, core.ClassWarning, res.Class)
}

func TestClassifySeedsHistoryFromLatestTable(t *testing.T) {
	h := newHarness(core.StateNormal, &core.ThresholdSet{
		Delta: &core.DeltaThresholds{AbsDelta: fp(5.0)},
	})
	// Nothing in the in-process cache, but the latest table has a row.
	h.ft.mu.Lock()
	h.ft.latest = &core.LastReading{Value: 20.0, Timestamp: t0.Add(-10 * time.Second)}
	h.ft.mu.Unlock()

	res, err := h.c.Classify(context.Background(), 42, obsAt(40, t0))
	require.NoError(t, err)
	assert.Equal(t, core.ClassWarning, res.Class)
}

func TestClassifyConcurrentAlertSingleWinner(t *testing.T) {
	h := newHarness(core.StateNormal, &core.ThresholdSet{
		Physical:            &core.PhysicalRange{ThresholdID: 3, Min: 10, Max: 30},
		ConsecutiveRequired: 1,
	})
	// Another classifier already moved the row to ALERT; our CAS loses and
	// the re-read accepts the winner's state.
	h.fs.interleave = func(f *fakeStateStore) {
		f.mu.Lock()
		f.row.State = core.StateAlert
		f.mu.Unlock()
	}

	res, err := h.c.Classify(context.Background(), 42, obsAt(35, t0))
	require.NoError(t, err)
	assert.Equal(t, core.ClassAlert, res.Class)
	assert.Equal(t, core.StateAlert, res.State)
	assert.Equal(t, core.StateAlert, h.fs.state())
}
