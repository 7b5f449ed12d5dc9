package metrics

import (
	"math"
	"sync"
	"time"
)

// windowSize bounds the per-stream sample history.
const windowSize = 100

const (
	// Health thresholds. PASS needs both; FAIL means badly degraded.
	passMaxLag  = 200 * time.Millisecond
	failMaxLag  = 1 * time.Second
	passOOORate = 0.01
	failOOORate = 0.05
)

// ringBuffer is a fixed-capacity float64 window.
type ringBuffer struct {
	buf  [windowSize]float64
	next int
	full bool
}

func (r *ringBuffer) push(v float64) {
	r.buf[r.next] = v
	r.next = (r.next + 1) % windowSize
	if r.next == 0 {
		r.full = true
	}
}

func (r *ringBuffer) values() []float64 {
	if r.full {
		out := make([]float64, windowSize)
		copy(out, r.buf[:])
		return out
	}
	out := make([]float64, r.next)
	copy(out, r.buf[:r.next])
	return out
}

// Aggregates summarizes one sample window.
type Aggregates struct {
	Count  int     `json:"count"`
	Avg    float64 `json:"avg"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	StdDev float64 `json:"stddev"`
}

func aggregate(samples []float64) Aggregates {
	if len(samples) == 0 {
		return Aggregates{}
	}
	agg := Aggregates{Count: len(samples), Min: samples[0], Max: samples[0]}
	sum := 0.0
	for _, v := range samples {
		sum += v
		if v < agg.Min {
			agg.Min = v
		}
		if v > agg.Max {
			agg.Max = v
		}
	}
	agg.Avg = sum / float64(len(samples))
	if len(samples) > 1 {
		varsum := 0.0
		for _, v := range samples {
			d := v - agg.Avg
			varsum += d * d
		}
		agg.StdDev = math.Sqrt(varsum / float64(len(samples)))
	}
	return agg
}

type streamWindow struct {
	deltas ringBuffer // seconds between consecutive device timestamps
	lags   ringBuffer // ingest_ts - device_ts, seconds

	lastDeviceTS *time.Time
	lastSeq      *int64

	total      uint64
	outOfOrder uint64
}

// StreamReport is the aggregated view of one stream's window.
type StreamReport struct {
	DeltaSeconds Aggregates `json:"delta_seconds"`
	LagSeconds   Aggregates `json:"lag_seconds"`
	Total        uint64     `json:"total"`
	OutOfOrder   uint64     `json:"out_of_order"`
}

// HealthStatus is the tracker's verdict on timing quality.
type HealthStatus string

const (
	HealthPass HealthStatus = "PASS"
	HealthWarn HealthStatus = "WARN"
	HealthFail HealthStatus = "FAIL"
)

// HealthReport combines the global timing aggregates with a verdict.
type HealthReport struct {
	Status         HealthStatus `json:"status"`
	MaxLagSeconds  float64      `json:"max_lag_seconds"`
	OutOfOrderRate float64      `json:"out_of_order_rate"`
	Streams        int          `json:"streams"`
	Total          uint64       `json:"total"`
}

// TimingTracker keeps a bounded timing window per stream. All methods are
// safe for concurrent use.
type TimingTracker struct {
	mu      sync.Mutex
	streams map[string]*streamWindow
}

func NewTimingTracker() *TimingTracker {
	return &TimingTracker{streams: make(map[string]*streamWindow)}
}

// Record feeds one observation's timing into the stream's window. deviceTS
// and seq may be nil when the transport did not supply them.
func (t *TimingTracker) Record(stream string, deviceTS *time.Time, ingestTS time.Time, seq *int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	w, ok := t.streams[stream]
	if !ok {
		w = &streamWindow{}
		t.streams[stream] = w
	}
	w.total++

	if seq != nil {
		if w.lastSeq != nil && *seq <= *w.lastSeq {
			w.outOfOrder++
		} else {
			w.lastSeq = seq
		}
	}

	if deviceTS != nil {
		if w.lastDeviceTS != nil {
			w.deltas.push(deviceTS.Sub(*w.lastDeviceTS).Seconds())
		}
		w.lastDeviceTS = deviceTS
		w.lags.push(ingestTS.Sub(*deviceTS).Seconds())
	}
}

// Stream returns the report for one stream; ok is false when unseen.
func (t *TimingTracker) Stream(stream string) (StreamReport, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	w, ok := t.streams[stream]
	if !ok {
		return StreamReport{}, false
	}
	return reportOf(w), true
}

// Report returns per-stream reports keyed by stream id.
func (t *TimingTracker) Report() map[string]StreamReport {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]StreamReport, len(t.streams))
	for id, w := range t.streams {
		out[id] = reportOf(w)
	}
	return out
}

func reportOf(w *streamWindow) StreamReport {
	return StreamReport{
		DeltaSeconds: aggregate(w.deltas.values()),
		LagSeconds:   aggregate(w.lags.values()),
		Total:        w.total,
		OutOfOrder:   w.outOfOrder,
	}
}

// Health folds every stream's window into one verdict: PASS when the worst
// observed lag stays under 200ms and out-of-order arrivals under 1%.
func (t *TimingTracker) Health() HealthReport {
	t.mu.Lock()
	defer t.mu.Unlock()

	rep := HealthReport{Status: HealthPass, Streams: len(t.streams)}
	var ooo uint64
	for _, w := range t.streams {
		rep.Total += w.total
		ooo += w.outOfOrder
		for _, lag := range w.lags.values() {
			if lag > rep.MaxLagSeconds {
				rep.MaxLagSeconds = lag
			}
		}
	}
	if rep.Total > 0 {
		rep.OutOfOrderRate = float64(ooo) / float64(rep.Total)
	}

	switch {
	case rep.MaxLagSeconds > failMaxLag.Seconds() || rep.OutOfOrderRate > failOOORate:
		rep.Status = HealthFail
	case rep.MaxLagSeconds > passMaxLag.Seconds() || rep.OutOfOrderRate > passOOORate:
		rep.Status = HealthWarn
	}
	return rep
}
