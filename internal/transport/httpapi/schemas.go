package httpapi

import (
	"time"

	"github.com/sensorgrid/ingest/internal/core"
)

// ---- requests --------------------------------------------------------------

type readingRequest struct {
	SensorID  int64      `json:"sensor_id"`
	Value     *float64   `json:"value"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

type bulkRequest struct {
	Readings []readingRequest `json:"readings"`
}

type packetReading struct {
	SensorUUID string     `json:"sensor_uuid"`
	Value      *float64   `json:"value"`
	SensorTS   *time.Time `json:"sensor_ts,omitempty"`
	Sequence   *int64     `json:"sequence,omitempty"`
}

type packetRequest struct {
	DeviceUUID string          `json:"device_uuid"`
	TS         *time.Time      `json:"ts,omitempty"`
	Readings   []packetReading `json:"readings"`
}

type dataPoint struct {
	StreamID  string         `json:"stream_id"`
	Value     *float64       `json:"value"`
	Timestamp *time.Time     `json:"timestamp,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Sequence  *int64         `json:"sequence,omitempty"`
}

type dataRequest struct {
	Domain     string      `json:"domain"`
	SourceID   string      `json:"source_id"`
	DataPoints []dataPoint `json:"data_points"`
}

// ---- responses -------------------------------------------------------------

type insertedResponse struct {
	Inserted int `json:"inserted"`
}

type packetResponse struct {
	Inserted       int       `json:"inserted"`
	UnknownSensors []string  `json:"unknown_sensors"`
	IngestedTS     time.Time `json:"ingested_ts"`
}

type rejectedPoint struct {
	StreamID string `json:"stream_id"`
	Reason   string `json:"reason"`
}

type dataResponse struct {
	Accepted        int             `json:"accepted"`
	Rejected        []rejectedPoint `json:"rejected"`
	Classifications map[string]int  `json:"classifications"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// ---- decoding --------------------------------------------------------------

// observationFromReading builds the canonical observation for a legacy
// sensor-id reading. Timestamp priority: reading timestamp, then now.
func observationFromReading(req readingRequest, now time.Time) (*core.Observation, error) {
	if req.Value == nil {
		return nil, &core.ValidationError{Field: "value", Reason: "required"}
	}
	if req.SensorID <= 0 {
		return nil, &core.ValidationError{Field: "sensor_id", Reason: "required"}
	}
	obs := &core.Observation{
		Series:         core.IoTSeriesID(req.SensorID),
		LegacySensorID: req.SensorID,
		Value:          *req.Value,
		IngestTS:       now,
		Status:         core.StatusPending,
	}
	if req.Timestamp != nil {
		ts := req.Timestamp.UTC()
		obs.DeviceTS = &ts
	}
	if err := obs.Validate(now); err != nil {
		return nil, err
	}
	obs.Status = core.StatusValidated
	return obs, nil
}

// observationFromPacketReading applies the packet timestamp priority:
// sensor_ts over packet ts over now.
func observationFromPacketReading(sensorID int64, r packetReading, packetTS *time.Time, now time.Time) (*core.Observation, error) {
	if r.Value == nil {
		return nil, &core.ValidationError{Field: "value", Reason: "required"}
	}
	obs := &core.Observation{
		Series:         core.IoTSeriesID(sensorID),
		LegacySensorID: sensorID,
		Value:          *r.Value,
		IngestTS:       now,
		Sequence:       r.Sequence,
		Status:         core.StatusPending,
	}
	switch {
	case r.SensorTS != nil:
		ts := r.SensorTS.UTC()
		obs.DeviceTS = &ts
	case packetTS != nil:
		ts := packetTS.UTC()
		obs.DeviceTS = &ts
	}
	if err := obs.Validate(now); err != nil {
		return nil, err
	}
	obs.Status = core.StatusValidated
	return obs, nil
}

// observationFromDataPoint builds the observation for one universal data
// point on the given series.
func observationFromDataPoint(series core.SeriesID, p dataPoint, now time.Time) (*core.Observation, error) {
	if p.Value == nil {
		return nil, &core.ValidationError{Field: "value", Reason: "required"}
	}
	if p.StreamID == "" {
		return nil, &core.ValidationError{Field: "stream_id", Reason: "required"}
	}
	obs := &core.Observation{
		Series:   series,
		Value:    *p.Value,
		IngestTS: now,
		Sequence: p.Sequence,
		Metadata: p.Metadata,
		Status:   core.StatusPending,
	}
	if p.Timestamp != nil {
		ts := p.Timestamp.UTC()
		obs.DeviceTS = &ts
	}
	if err := obs.Validate(now); err != nil {
		return nil, err
	}
	obs.Status = core.StatusValidated
	return obs, nil
}
