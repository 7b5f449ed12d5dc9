// Package core holds the canonical domain types that flow through the
// ingestion pipeline. Transports decode into these, the classifier and the
// sub-pipelines consume them; nothing in here touches I/O.
package core

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// ObservationStatus tags the lifecycle of an observation inside the pipeline.
type ObservationStatus string

const (
	StatusPending    ObservationStatus = "pending"
	StatusValidated  ObservationStatus = "validated"
	StatusClassified ObservationStatus = "classified"
	StatusPersisted  ObservationStatus = "persisted"
	StatusRejected   ObservationStatus = "rejected"
	StatusFailed     ObservationStatus = "failed"
)

// SeriesID is the canonical stream identity "{domain}:{source}:{stream}".
type SeriesID struct {
	Domain string `json:"domain"`
	Source string `json:"source"`
	Stream string `json:"stream"`
}

func (s SeriesID) String() string {
	return s.Domain + ":" + s.Source + ":" + s.Stream
}

// ParseSeriesID parses a "{domain}:{source}:{stream}" identity string.
func ParseSeriesID(raw string) (SeriesID, error) {
	parts := strings.SplitN(raw, ":", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return SeriesID{}, fmt.Errorf("invalid series id %q: want domain:source:stream", raw)
	}
	return SeriesID{Domain: parts[0], Source: parts[1], Stream: parts[2]}, nil
}

// IoTSeriesID builds the legacy series identity for an integer sensor id.
func IoTSeriesID(sensorID int64) SeriesID {
	return SeriesID{Domain: "iot", Source: "sensor", Stream: fmt.Sprintf("%d", sensorID)}
}

// Observation is one numeric sample moving through the pipeline.
// IngestTS is authoritative; DeviceTS is what the producer claims.
type Observation struct {
	Series         SeriesID          `json:"series_id"`
	LegacySensorID int64             `json:"legacy_stream_int,omitempty"` // >0 only in the IoT domain
	Value          float64           `json:"value"`
	DeviceTS       *time.Time        `json:"device_ts,omitempty"`
	IngestTS       time.Time         `json:"ingest_ts"`
	Sequence       *int64            `json:"sequence,omitempty"`
	Metadata       map[string]any    `json:"metadata,omitempty"` // opaque, never interpreted here
	Status         ObservationStatus `json:"status"`
	MsgID          string            `json:"msg_id,omitempty"`
}

// Timestamp returns the best-known sample time: device time when present,
// otherwise the gateway ingest time.
func (o *Observation) Timestamp() time.Time {
	if o.DeviceTS != nil {
		return *o.DeviceTS
	}
	return o.IngestTS
}

const (
	maxTimestampPast   = 24 * time.Hour
	maxTimestampFuture = 5 * time.Minute
)

// Validate checks the invariants every transport must guarantee before the
// observation reaches the classifier: finite value and a device timestamp
// inside [now-24h, now+5m] when one is present.
func (o *Observation) Validate(now time.Time) error {
	if math.IsNaN(o.Value) || math.IsInf(o.Value, 0) {
		return &ValidationError{Field: "value", Reason: "must be a finite number"}
	}
	if o.DeviceTS != nil {
		ts := o.DeviceTS.UTC()
		if ts.Before(now.Add(-maxTimestampPast)) {
			return &ValidationError{Field: "timestamp", Reason: "more than 24h in the past"}
		}
		if ts.After(now.Add(maxTimestampFuture)) {
			return &ValidationError{Field: "timestamp", Reason: "more than 5m in the future"}
		}
	}
	return nil
}

// ValidationError is a typed rejection produced at the transport edge.
// The HTTP layer maps it to a 4xx; the MQTT layer sends it to the DLQ.
type ValidationError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Reading is the broker contract consumed by the prediction service.
type Reading struct {
	SensorID   int64     `json:"sensor_id,omitempty"`
	Series     string    `json:"series_id,omitempty"`
	SensorType string    `json:"sensor_type,omitempty"`
	Value      float64   `json:"value"`
	Timestamp  time.Time `json:"timestamp"`
}

// LastReading is the per-stream cache entry used by the delta detector.
type LastReading struct {
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// MaxLastReadingAge bounds how stale a cached last reading may be before the
// delta detector treats it as absent.
const MaxLastReadingAge = 10 * time.Minute

// PhysicalRange is the hard per-stream limit whose violation drives ALERT.
type PhysicalRange struct {
	ThresholdID int64   `json:"threshold_id"`
	Min         float64 `json:"min"`
	Max         float64 `json:"max"`
}

// Violates reports whether v falls outside the physical range.
func (p *PhysicalRange) Violates(v float64) bool {
	return v < p.Min || v > p.Max
}

// WarningBand is the user-declared normal range. Values inside it are
// definitionally not spikes.
type WarningBand struct {
	Min float64 `json:"warning_min"`
	Max float64 `json:"warning_max"`
}

// Contains reports whether v lies inside the band (inclusive).
func (b *WarningBand) Contains(v float64) bool {
	return v >= b.Min && v <= b.Max
}

// DeltaThresholds configures the spike detector for a stream. Nil pointer
// fields are unconfigured thresholds and never fire.
type DeltaThresholds struct {
	AbsDelta *float64 `json:"delta_abs,omitempty"`
	RelDelta *float64 `json:"delta_rel,omitempty"`
	AbsSlope *float64 `json:"slope_abs,omitempty"`
	RelSlope *float64 `json:"slope_rel,omitempty"`
	Severity string   `json:"severity"` // "warning" or "critical"
}

// Configured reports whether at least one threshold is set.
func (d *DeltaThresholds) Configured() bool {
	return d != nil && (d.AbsDelta != nil || d.RelDelta != nil || d.AbsSlope != nil || d.RelSlope != nil)
}

// DefaultConsecutiveRequired is the hysteresis default for physical-range
// violations when a stream has no explicit configuration.
const DefaultConsecutiveRequired = 2

// ThresholdSet is the per-stream classification configuration, cached by the
// classifier and invalidated when the underlying rows change.
type ThresholdSet struct {
	Physical            *PhysicalRange   `json:"physical,omitempty"`
	Warning             *WarningBand     `json:"warning,omitempty"`
	Delta               *DeltaThresholds `json:"delta,omitempty"`
	ConsecutiveRequired int              `json:"consecutive_readings_required"`
}
