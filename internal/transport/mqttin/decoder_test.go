package mqttin

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sensorgrid/ingest/internal/core"
	"github.com/sensorgrid/ingest/internal/resilience"
)

var now = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func TestDecodeLegacy(t *testing.T) {
	payload := []byte(`{"v":1,"sensorId":42,"value":21.5,"timestamp":"2026-03-10T11:59:00Z","metadata":{"fw":"1.2"}}`)

	req, err := decodeLegacy("iot/sensors/42/readings", payload, now)
	require.NoError(t, err)
	assert.Equal(t, int64(42), req.SensorID)
	assert.Equal(t, "mqtt", req.Source)
	assert.Equal(t, 21.5, req.Obs.Value)
	assert.Equal(t, "iot:sensor:42", req.Obs.Series.String())
	require.NotNil(t, req.Obs.DeviceTS)
	assert.Equal(t, now.Add(-time.Minute), *req.Obs.DeviceTS)
	assert.Equal(t, core.StatusValidated, req.Obs.Status)
}

func TestDecodeLegacyRejects(t *testing.T) {
	cases := []struct {
		name    string
		topic   string
		payload string
	}{
		{"wrong topic shape", "iot/sensors/readings", `{"v":1,"value":1}`},
		{"non-numeric id", "iot/sensors/abc/readings", `{"v":1,"value":1}`},
		{"bad json", "iot/sensors/42/readings", `{"v":1,`},
		{"unsupported version", "iot/sensors/42/readings", `{"v":2,"value":1}`},
		{"sensorId mismatch", "iot/sensors/42/readings", `{"v":1,"sensorId":7,"value":1}`},
		{"missing value", "iot/sensors/42/readings", `{"v":1,"sensorId":42}`},
		{"stale timestamp", "iot/sensors/42/readings",
			fmt.Sprintf(`{"v":1,"value":1,"timestamp":"%s"}`, now.Add(-48*time.Hour).Format(time.RFC3339))},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := decodeLegacy(tc.topic, []byte(tc.payload), now)
			assert.Error(t, err)
		})
	}
}

func TestDecodeUniversal(t *testing.T) {
	payload := []byte(`{"value":1013.2,"sequence":9}`)

	series, obs, err := decodeUniversal("weather/station-9/pressure/data", payload, now)
	require.NoError(t, err)
	assert.Equal(t, "weather:station-9:pressure", series.String())
	assert.Equal(t, 1013.2, obs.Value)
	require.NotNil(t, obs.Sequence)
	assert.Equal(t, int64(9), *obs.Sequence)
	assert.Nil(t, obs.DeviceTS)
}

func TestDecodeUniversalRejectsIoTDomain(t *testing.T) {
	_, _, err := decodeUniversal("iot/device-1/temp/data", []byte(`{"value":1}`), now)
	require.Error(t, err)
	var vErr *core.ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "domain", vErr.Field)
}

func TestDecodeUniversalRejectsMalformedTopic(t *testing.T) {
	for _, topic := range []string{"weather/pressure/data", "weather//pressure/data", "weather/s/pressure/readings"} {
		_, _, err := decodeUniversal(topic, []byte(`{"value":1}`), now)
		assert.Error(t, err, topic)
	}
}

func TestRejectedTagsDeadLetters(t *testing.T) {
	dlq := resilience.NewMemoryDLQ(10)
	s := NewSubscriber(Config{DLQ: dlq, Logger: slog.Default()})

	ctx := context.Background()
	s.rejected(ctx, inboundMessage{topic: "iot/sensors/42/readings", payload: []byte(`{"v":1,`)},
		&parseError{reason: "invalid JSON payload"})
	s.rejected(ctx, inboundMessage{topic: "iot/sensors/42/readings", payload: []byte(`{"v":1}`)},
		&core.ValidationError{Field: "value", Reason: "required"})

	entries, err := dlq.Read(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "parse_error", entries[0].ErrorType)
	assert.Equal(t, "validation_error", entries[1].ErrorType)
	assert.Equal(t, "mqtt", entries[0].Source)
}

type fakeRegistry struct {
	ids map[string]int64
}

func (f *fakeRegistry) GetOrCreateStreamID(_ context.Context, series core.SeriesID) (int64, error) {
	id, ok := f.ids[series.String()]
	if !ok {
		return 0, fmt.Errorf("registry unavailable")
	}
	return id, nil
}

func TestDecodeRoutesUniversalThroughRegistry(t *testing.T) {
	s := NewSubscriber(Config{Streams: &fakeRegistry{ids: map[string]int64{"weather:station-9:temp": 1007}}})

	req, err := s.decode(context.Background(), inboundMessage{
		topic:    "weather/station-9/temp/data",
		payload:  []byte(`{"value":21.5}`),
		received: now,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1007), req.SensorID)

	_, err = s.decode(context.Background(), inboundMessage{
		topic:    "weather/station-9/unknown/data",
		payload:  []byte(`{"value":21.5}`),
		received: now,
	})
	assert.Error(t, err)
}

func TestLegacyTopicDetection(t *testing.T) {
	assert.True(t, isLegacyTopic("iot/sensors/42/readings"))
	assert.False(t, isLegacyTopic("weather/station-9/temp/data"))
}
