package sdk

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendPacketUsesDeviceKey(t *testing.T) {
	var gotDevice, gotAPI string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotDevice = r.Header.Get("X-Device-Key")
		gotAPI = r.Header.Get("X-API-Key")
		json.NewEncoder(w).Encode(PacketResult{Inserted: 2, UnknownSensors: []string{"ghost"}, IngestedTS: time.Now()})
	}))
	defer ts.Close()

	client := NewClient(Config{GatewayURL: ts.URL, APIKey: "api", DeviceKey: "dk"})
	res, err := client.SendPacket(context.Background(), Packet{
		DeviceUUID: "dev-7",
		Readings:   []PacketReading{{SensorUUID: "s-1", Value: 1}, {SensorUUID: "s-2", Value: 2}},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Inserted)
	assert.Equal(t, []string{"ghost"}, res.UnknownSensors)
	assert.Equal(t, "dk", gotDevice)
	assert.Empty(t, gotAPI)
}

func TestRetriesOnServerError(t *testing.T) {
	var calls int64
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt64(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(InsertResult{Inserted: 1})
	}))
	defer ts.Close()

	client := NewClient(Config{GatewayURL: ts.URL, APIKey: "api"})
	res, err := client.SendReading(context.Background(), Reading{SensorID: 42, Value: 21.5})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)
	assert.Equal(t, int64(2), atomic.LoadInt64(&calls))
}

func TestClientErrorIsPermanent(t *testing.T) {
	var calls int64
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": "value: required"})
	}))
	defer ts.Close()

	client := NewClient(Config{GatewayURL: ts.URL, APIKey: "api"})
	_, err := client.SendReading(context.Background(), Reading{SensorID: 42})
	require.Error(t, err)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
	assert.Equal(t, "value: required", apiErr.Message)
	assert.Equal(t, int64(1), atomic.LoadInt64(&calls))
}

func TestSendDataAndJobStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ingest/data":
			var body struct {
				Domain     string      `json:"domain"`
				SourceID   string      `json:"source_id"`
				DataPoints []DataPoint `json:"data_points"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "weather", body.Domain)
			json.NewEncoder(w).Encode(DataResult{
				Accepted:        len(body.DataPoints),
				Classifications: map[string]int{"ML_PREDICTION": len(body.DataPoints)},
			})
		case "/ingest/csv/jobs/abc":
			json.NewEncoder(w).Encode(CSVJob{ID: "abc", Status: "completed", TotalRows: 10, Processed: 10})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer ts.Close()

	client := NewClient(Config{GatewayURL: ts.URL, APIKey: "api"})
	res, err := client.SendData(context.Background(), "weather", "station-9",
		[]DataPoint{{StreamID: "temp", Value: 21.5}})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Accepted)

	job, err := client.JobStatus(context.Background(), "abc")
	require.NoError(t, err)
	assert.Equal(t, "completed", job.Status)
	assert.Equal(t, 10, job.Processed)
}
