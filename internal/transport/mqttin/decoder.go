package mqttin

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sensorgrid/ingest/internal/core"
	"github.com/sensorgrid/ingest/internal/pipeline"
)

// legacyEnvelope is the versioned envelope published by the device fleet on
// iot/sensors/{id}/readings.
type legacyEnvelope struct {
	V         int            `json:"v"`
	SensorID  int64          `json:"sensorId"`
	Value     *float64       `json:"value"`
	Timestamp *time.Time     `json:"timestamp,omitempty"`
	Sequence  *int64         `json:"sequence,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// universalPayload is the body on {domain}/{source}/{stream}/data topics.
type universalPayload struct {
	Value     *float64       `json:"value"`
	Timestamp *time.Time     `json:"timestamp,omitempty"`
	Sequence  *int64         `json:"sequence,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

type parseError struct {
	reason string
}

func (e *parseError) Error() string { return "mqtt parse: " + e.reason }

// decodeLegacy turns one legacy-topic message into a pipeline request.
// The topic segment is authoritative for the sensor id; an envelope sensorId
// that disagrees is a producer bug and rejects the message.
func decodeLegacy(topic string, payload []byte, now time.Time) (*pipeline.Request, error) {
	parts := strings.Split(topic, "/")
	if len(parts) != 4 || parts[0] != "iot" || parts[1] != "sensors" || parts[3] != "readings" {
		return nil, &parseError{reason: fmt.Sprintf("unexpected topic %q", topic)}
	}
	sensorID, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil || sensorID <= 0 {
		return nil, &parseError{reason: fmt.Sprintf("bad sensor id in topic %q", topic)}
	}

	var env legacyEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, &parseError{reason: "invalid JSON payload"}
	}
	if env.V != 1 {
		return nil, &parseError{reason: fmt.Sprintf("unsupported envelope version %d", env.V)}
	}
	if env.SensorID != 0 && env.SensorID != sensorID {
		return nil, &parseError{reason: "envelope sensorId does not match topic"}
	}
	if env.Value == nil {
		return nil, &core.ValidationError{Field: "value", Reason: "required"}
	}

	obs := &core.Observation{
		Series:         core.IoTSeriesID(sensorID),
		LegacySensorID: sensorID,
		Value:          *env.Value,
		IngestTS:       now,
		Sequence:       env.Sequence,
		Metadata:       env.Metadata,
		Status:         core.StatusPending,
	}
	if env.Timestamp != nil {
		ts := env.Timestamp.UTC()
		obs.DeviceTS = &ts
	}
	if err := obs.Validate(now); err != nil {
		return nil, err
	}
	obs.Status = core.StatusValidated

	return &pipeline.Request{SensorID: sensorID, Source: "mqtt", Obs: obs}, nil
}

// decodeUniversal handles {domain}/{source}/{stream}/data. The iot domain is
// reserved for the legacy topic and is rejected here.
func decodeUniversal(topic string, payload []byte, now time.Time) (core.SeriesID, *core.Observation, error) {
	parts := strings.Split(topic, "/")
	if len(parts) != 4 || parts[3] != "data" || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return core.SeriesID{}, nil, &parseError{reason: fmt.Sprintf("unexpected topic %q", topic)}
	}
	series := core.SeriesID{Domain: parts[0], Source: parts[1], Stream: parts[2]}
	if series.Domain == "iot" {
		return core.SeriesID{}, nil, &core.ValidationError{Field: "domain", Reason: "iot must publish on iot/sensors/{id}/readings"}
	}

	var body universalPayload
	if err := json.Unmarshal(payload, &body); err != nil {
		return core.SeriesID{}, nil, &parseError{reason: "invalid JSON payload"}
	}
	if body.Value == nil {
		return core.SeriesID{}, nil, &core.ValidationError{Field: "value", Reason: "required"}
	}

	obs := &core.Observation{
		Series:   series,
		Value:    *body.Value,
		IngestTS: now,
		Sequence: body.Sequence,
		Metadata: body.Metadata,
		Status:   core.StatusPending,
	}
	if body.Timestamp != nil {
		ts := body.Timestamp.UTC()
		obs.DeviceTS = &ts
	}
	if err := obs.Validate(now); err != nil {
		return core.SeriesID{}, nil, err
	}
	obs.Status = core.StatusValidated

	return series, obs, nil
}
