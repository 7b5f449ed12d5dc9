package classify

import (
	"math"
	"time"

	"github.com/sensorgrid/ingest/internal/core"
)

// NoiseFloor is the per-sensor-type minimum change considered a real signal.
type NoiseFloor struct {
	Abs float64
	Rel float64
}

// noiseFloors keys on sensor type. Unknown types fall back to "default".
var noiseFloors = map[string]NoiseFloor{
	"temperature": {Abs: 0.5, Rel: 0.02},
	"humidity":    {Abs: 2.0, Rel: 0.03},
	"air_quality": {Abs: 50.0, Rel: 0.10},
	"voltage":     {Abs: 1.0, Rel: 0.05},
	"power":       {Abs: 10.0, Rel: 0.10},
	"pressure":    {Abs: 0.5, Rel: 0.005},
	"default":     {Abs: 0.1, Rel: 0.01},
}

// NoiseFloorFor returns the floor for a sensor type.
func NoiseFloorFor(sensorType string) NoiseFloor {
	if f, ok := noiseFloors[sensorType]; ok {
		return f
	}
	return noiseFloors["default"]
}

// minSlopeDT gates slope evaluation. Batched ingestion produces sub-second
// dt values whose slopes are meaningless.
const minSlopeDT = 1.0

// DetectSpike evaluates one sample against the previous one. The returned
// result always carries the computed numerics; Triggered is non-empty only
// when a configured threshold was crossed.
func DetectSpike(value float64, last core.LastReading, ingestTS time.Time, sensorType string, th *core.DeltaThresholds) *core.SpikeResult {
	absDelta := math.Abs(value - last.Value)
	relDelta := 0.0
	if math.Abs(last.Value) > 1e-6 {
		relDelta = absDelta / math.Abs(last.Value)
	}
	dt := ingestTS.Sub(last.Timestamp).Seconds()
	if dt < 0.001 {
		dt = 0.001
	}

	res := &core.SpikeResult{
		AbsDelta:  absDelta,
		RelDelta:  relDelta,
		DTSeconds: dt,
	}
	if dt >= minSlopeDT {
		res.AbsSlope = absDelta / dt
		res.RelSlope = relDelta / dt
	}

	if !th.Configured() {
		return res
	}

	// Below both floors the change is noise. AND, not OR: a genuine step
	// change can be large in absolute terms while small relatively.
	floor := NoiseFloorFor(sensorType)
	if absDelta < floor.Abs && relDelta < floor.Rel {
		return res
	}

	if th.AbsDelta != nil && absDelta > *th.AbsDelta {
		res.Triggered = append(res.Triggered, "delta_abs")
	}
	if th.RelDelta != nil && relDelta > *th.RelDelta {
		res.Triggered = append(res.Triggered, "delta_rel")
	}
	if dt >= minSlopeDT {
		if th.AbsSlope != nil && res.AbsSlope > *th.AbsSlope {
			res.Triggered = append(res.Triggered, "slope_abs")
		}
		if th.RelSlope != nil && res.RelSlope > *th.RelSlope {
			res.Triggered = append(res.Triggered, "slope_rel")
		}
	}

	if len(res.Triggered) > 0 {
		res.Severity = th.Severity
		if res.Severity == "" {
			res.Severity = "warning"
		}
	}
	return res
}
