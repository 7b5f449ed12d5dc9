package core

// Classification is the outcome of evaluating one observation. Every
// processed observation yields exactly one of the three classes.
type Classification int

const (
	ClassPrediction Classification = iota // clean sample, forward downstream
	ClassWarning                          // delta spike, WARNING sub-pipeline
	ClassAlert                            // physical range violation, ALERT sub-pipeline
)

func (c Classification) String() string {
	switch c {
	case ClassAlert:
		return "ALERT"
	case ClassWarning:
		return "WARNING"
	default:
		return "ML_PREDICTION"
	}
}

// SpikeResult carries the delta numerics computed for a spike evaluation and
// the names of the thresholds that fired.
type SpikeResult struct {
	AbsDelta  float64  `json:"delta_abs"`
	RelDelta  float64  `json:"delta_rel"`
	AbsSlope  float64  `json:"slope_abs"`
	RelSlope  float64  `json:"slope_rel"`
	DTSeconds float64  `json:"dt_seconds"`
	Triggered []string `json:"triggered,omitempty"`
	Severity  string   `json:"severity,omitempty"`
}

// Fired reports whether any configured threshold was crossed.
func (r *SpikeResult) Fired() bool {
	return r != nil && len(r.Triggered) > 0
}

// ClassificationResult pairs the class with the reason and any supporting
// numerics. Sub-pipelines dispatch on Class.
type ClassificationResult struct {
	Class  Classification `json:"class"`
	Reason string         `json:"reason,omitempty"`
	State  SensorState    `json:"state"`
	Spike  *SpikeResult   `json:"spike,omitempty"`
	// Physical range metadata, set when Class == ClassAlert.
	ThresholdID int64 `json:"threshold_id,omitempty"`
}
