package sdk

import "time"

// Reading is one sample keyed by internal sensor id (legacy surface).
type Reading struct {
	SensorID  int64      `json:"sensor_id"`
	Value     float64    `json:"value"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

// PacketReading is one sample inside a device packet, keyed by sensor uuid.
type PacketReading struct {
	SensorUUID string     `json:"sensor_uuid"`
	Value      float64    `json:"value"`
	SensorTS   *time.Time `json:"sensor_ts,omitempty"`
	Sequence   *int64     `json:"sequence,omitempty"`
}

// Packet is the body of POST /ingest/packets.
type Packet struct {
	DeviceUUID string          `json:"device_uuid"`
	TS         *time.Time      `json:"ts,omitempty"`
	Readings   []PacketReading `json:"readings"`
}

// DataPoint is one sample on a universal stream.
type DataPoint struct {
	StreamID  string         `json:"stream_id"`
	Value     float64        `json:"value"`
	Timestamp *time.Time     `json:"timestamp,omitempty"`
	Sequence  *int64         `json:"sequence,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// InsertResult is returned by the reading and bulk endpoints.
type InsertResult struct {
	Inserted int `json:"inserted"`
}

// PacketResult is returned by the packet endpoint. UnknownSensors lists the
// uuids the gateway could not resolve; the rest of the packet was accepted.
type PacketResult struct {
	Inserted       int       `json:"inserted"`
	UnknownSensors []string  `json:"unknown_sensors"`
	IngestedTS     time.Time `json:"ingested_ts"`
}

// RejectedPoint explains one refused data point.
type RejectedPoint struct {
	StreamID string `json:"stream_id"`
	Reason   string `json:"reason"`
}

// DataResult is returned by the universal data endpoint.
type DataResult struct {
	Accepted        int             `json:"accepted"`
	Rejected        []RejectedPoint `json:"rejected"`
	Classifications map[string]int  `json:"classifications"`
}

// CSVJob reports the progress of a background import.
type CSVJob struct {
	ID        string `json:"job_id"`
	Status    string `json:"status"`
	TotalRows int    `json:"total_rows"`
	Processed int    `json:"processed"`
	Failed    int    `json:"failed"`
	Error     string `json:"error,omitempty"`
}

// SensorStatus mirrors GET /sensors/{id}/status.
type SensorStatus struct {
	SensorID             int64      `json:"sensor_id"`
	SensorType           string     `json:"sensor_type"`
	State                string     `json:"operational_state"`
	ValidReadingsCount   int        `json:"valid_readings_count"`
	MinReadingsForNormal int        `json:"min_readings_for_normal"`
	LatestValue          *float64   `json:"latest_value,omitempty"`
	LatestTimestamp      *time.Time `json:"latest_timestamp,omitempty"`
	ActiveAlerts         int        `json:"active_alerts"`
	ActiveDeltaEvents    int        `json:"active_delta_events"`
}
