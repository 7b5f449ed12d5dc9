package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tp(t time.Time) *time.Time { return &t }
func sp(s int64) *int64         { return &s }

func TestAggregate(t *testing.T) {
	agg := aggregate([]float64{2, 4, 4, 4, 5, 5, 7, 9})
	assert.Equal(t, 8, agg.Count)
	assert.Equal(t, 5.0, agg.Avg)
	assert.Equal(t, 2.0, agg.Min)
	assert.Equal(t, 9.0, agg.Max)
	assert.InDelta(t, 2.0, agg.StdDev, 1e-9)

	assert.Equal(t, Aggregates{}, aggregate(nil))
}

func TestRingBufferCapsAtWindowSize(t *testing.T) {
	var r ringBuffer
	for i := 0; i < windowSize+50; i++ {
		r.push(float64(i))
	}
	vals := r.values()
	require.Len(t, vals, windowSize)
	// Only the newest windowSize samples survive.
	assert.Contains(t, vals, float64(windowSize+49))
	assert.NotContains(t, vals, 10.0)
}

func TestTrackerDeltaAndLag(t *testing.T) {
	tr := NewTimingTracker()
	base := time.Unix(1700000000, 0)

	// Three samples 10s apart, each ingested 50ms after the device stamp.
	for i := 0; i < 3; i++ {
		dts := base.Add(time.Duration(i) * 10 * time.Second)
		tr.Record("iot:sensor:42", tp(dts), dts.Add(50*time.Millisecond), nil)
	}

	rep, ok := tr.Stream("iot:sensor:42")
	require.True(t, ok)
	assert.Equal(t, uint64(3), rep.Total)
	assert.Equal(t, 2, rep.DeltaSeconds.Count)
	assert.InDelta(t, 10.0, rep.DeltaSeconds.Avg, 1e-9)
	assert.Equal(t, 3, rep.LagSeconds.Count)
	assert.InDelta(t, 0.05, rep.LagSeconds.Max, 1e-9)
}

func TestTrackerOutOfOrderBySequence(t *testing.T) {
	tr := NewTimingTracker()
	now := time.Now()

	tr.Record("s", nil, now, sp(1))
	tr.Record("s", nil, now, sp(2))
	tr.Record("s", nil, now, sp(2)) // equal counts as out of order
	tr.Record("s", nil, now, sp(1))
	tr.Record("s", nil, now, sp(3))

	rep, _ := tr.Stream("s")
	assert.Equal(t, uint64(5), rep.Total)
	assert.Equal(t, uint64(2), rep.OutOfOrder)
}

func TestHealthVerdicts(t *testing.T) {
	base := time.Unix(1700000000, 0)

	t.Run("pass", func(t *testing.T) {
		tr := NewTimingTracker()
		for i := 0; i < 100; i++ {
			dts := base.Add(time.Duration(i) * time.Second)
			tr.Record("s", tp(dts), dts.Add(10*time.Millisecond), sp(int64(i)))
		}
		h := tr.Health()
		assert.Equal(t, HealthPass, h.Status)
		assert.Zero(t, h.OutOfOrderRate)
	})

	t.Run("warn on lag", func(t *testing.T) {
		tr := NewTimingTracker()
		dts := base
		tr.Record("s", tp(dts), dts.Add(500*time.Millisecond), nil)
		h := tr.Health()
		assert.Equal(t, HealthWarn, h.Status)
		assert.InDelta(t, 0.5, h.MaxLagSeconds, 1e-9)
	})

	t.Run("fail on lag", func(t *testing.T) {
		tr := NewTimingTracker()
		tr.Record("s", tp(base), base.Add(2*time.Second), nil)
		assert.Equal(t, HealthFail, tr.Health().Status)
	})

	t.Run("warn on out of order", func(t *testing.T) {
		tr := NewTimingTracker()
		for i := 0; i < 100; i++ {
			tr.Record("s", nil, base, sp(int64(i)))
		}
		// 2 regressions out of 102: above 1%, below 5%.
		tr.Record("s", nil, base, sp(0))
		tr.Record("s", nil, base, sp(0))
		assert.Equal(t, HealthWarn, tr.Health().Status)
	})
}

func TestNewMetricsRegistersCleanly(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	require.NotNil(t, m)

	m.ObservationsTotal.WithLabelValues("http", "accepted").Inc()
	m.ClassificationsTotal.WithLabelValues("ALERT").Inc()
	m.DLQDepth.Set(3)

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "ingest_observations_total")
	assert.Contains(t, names, "ingest_classifications_total")
	assert.Contains(t, names, "ingest_dlq_depth")
}
