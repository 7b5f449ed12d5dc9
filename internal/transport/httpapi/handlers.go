package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/sensorgrid/ingest/internal/auth"
	"github.com/sensorgrid/ingest/internal/core"
	"github.com/sensorgrid/ingest/internal/pipeline"
	"github.com/sensorgrid/ingest/internal/resolver"
)

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.cfg.Store.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "reason": "database unreachable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// handleReading ingests one legacy reading keyed by internal sensor id.
func (s *Server) handleReading(w http.ResponseWriter, r *http.Request) {
	if _, err := s.authorizeAPIKey(r); err != nil {
		writeError(w, err)
		return
	}

	var req readingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
		return
	}
	obs, err := observationFromReading(req, time.Now().UTC())
	if err != nil {
		writeError(w, err)
		return
	}

	if _, err := s.cfg.Router.Process(r.Context(), pipeline.Request{
		SensorID: req.SensorID,
		Source:   "http",
		Obs:      obs,
	}); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, insertedResponse{Inserted: 1})
}

// handleBulk ingests a batch of legacy readings. Per-item failures do not
// fail the batch; the response counts what was inserted.
func (s *Server) handleBulk(w http.ResponseWriter, r *http.Request) {
	if _, err := s.authorizeAPIKey(r); err != nil {
		writeError(w, err)
		return
	}

	var req bulkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
		return
	}
	if len(req.Readings) == 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "empty batch"})
		return
	}

	now := time.Now().UTC()
	inserted := 0
	for _, item := range req.Readings {
		obs, err := observationFromReading(item, now)
		if err != nil {
			continue
		}
		res, err := s.cfg.Router.Process(r.Context(), pipeline.Request{
			SensorID: item.SensorID,
			Source:   "http",
			Obs:      obs,
		})
		if err == nil && !res.Duplicate {
			inserted++
		}
	}
	writeJSON(w, http.StatusOK, insertedResponse{Inserted: inserted})
}

// handlePackets ingests a device packet: device-key auth, per-reading sensor
// resolution, unknown uuids reported rather than failing the packet.
func (s *Server) handlePackets(w http.ResponseWriter, r *http.Request) {
	var req packetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
		return
	}
	if req.DeviceUUID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "device_uuid required"})
		return
	}

	deviceUUID := req.DeviceUUID
	if deviceKey := r.Header.Get(auth.HeaderDeviceKey); deviceKey != "" && s.cfg.DeviceAuth {
		identity, err := s.cfg.Auth.ValidateDeviceKey(r.Context(), deviceKey, req.DeviceUUID)
		if err != nil {
			writeError(w, err)
			return
		}
		deviceUUID = identity.DeviceUUID
	} else if _, err := s.authorizeAPIKey(r); err != nil {
		writeError(w, err)
		return
	}

	now := time.Now().UTC()
	inserted := 0
	unknown := []string{}
	for _, reading := range req.Readings {
		sensorID, err := s.cfg.Resolver.Resolve(r.Context(), deviceUUID, reading.SensorUUID)
		if errors.Is(err, resolver.ErrUnknownSensor) {
			unknown = append(unknown, reading.SensorUUID)
			continue
		}
		if err != nil {
			writeError(w, err)
			return
		}
		obs, err := observationFromPacketReading(sensorID, reading, req.TS, now)
		if err != nil {
			continue
		}
		res, err := s.cfg.Router.Process(r.Context(), pipeline.Request{
			SensorID:   sensorID,
			DeviceUUID: deviceUUID,
			Source:     "http",
			Obs:        obs,
		})
		if err != nil {
			writeError(w, err)
			return
		}
		if !res.Duplicate {
			inserted++
		}
	}
	writeJSON(w, http.StatusOK, packetResponse{
		Inserted:       inserted,
		UnknownSensors: unknown,
		IngestedTS:     now,
	})
}

// handleData ingests a universal packet for any non-IoT domain.
func (s *Server) handleData(w http.ResponseWriter, r *http.Request) {
	info, err := s.authorizeAPIKey(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req dataRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
		return
	}
	if req.Domain == "iot" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "domain iot must use /ingest/packets"})
		return
	}
	if req.Domain == "" || req.SourceID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "domain and source_id required"})
		return
	}
	if err := auth.Authorize(info, req.Domain, req.SourceID); err != nil {
		writeError(w, err)
		return
	}

	now := time.Now().UTC()
	resp := dataResponse{Rejected: []rejectedPoint{}, Classifications: map[string]int{}}
	for _, point := range req.DataPoints {
		series := core.SeriesID{Domain: req.Domain, Source: req.SourceID, Stream: point.StreamID}
		obs, err := observationFromDataPoint(series, point, now)
		if err != nil {
			resp.Rejected = append(resp.Rejected, rejectedPoint{StreamID: point.StreamID, Reason: err.Error()})
			continue
		}
		streamID, err := s.cfg.Store.GetOrCreateStreamID(r.Context(), series)
		if err != nil {
			resp.Rejected = append(resp.Rejected, rejectedPoint{StreamID: point.StreamID, Reason: "stream registration failed"})
			continue
		}
		res, err := s.cfg.Router.Process(r.Context(), pipeline.Request{
			SensorID: streamID,
			Source:   "http",
			Obs:      obs,
		})
		if err != nil {
			resp.Rejected = append(resp.Rejected, rejectedPoint{StreamID: point.StreamID, Reason: err.Error()})
			continue
		}
		if res.Duplicate {
			resp.Rejected = append(resp.Rejected, rejectedPoint{StreamID: point.StreamID, Reason: "duplicate"})
			continue
		}
		resp.Accepted++
		resp.Classifications[res.Classification.Class.String()]++
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCSVUpload(w http.ResponseWriter, r *http.Request) {
	if _, err := s.authorizeAPIKey(r); err != nil {
		writeError(w, err)
		return
	}
	if s.cfg.CSV == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "csv import disabled"})
		return
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "multipart field 'file' required"})
		return
	}
	defer file.Close()

	jobID, err := s.cfg.CSV.Submit(file)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID, "status": "pending"})
}

func (s *Server) handleCSVJob(w http.ResponseWriter, r *http.Request) {
	if _, err := s.authorizeAPIKey(r); err != nil {
		writeError(w, err)
		return
	}
	if s.cfg.CSV == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "csv import disabled"})
		return
	}
	job, ok := s.cfg.CSV.Job(mux.Vars(r)["id"])
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "job not found"})
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleSensorStatus(w http.ResponseWriter, r *http.Request) {
	if _, err := s.authorizeAPIKey(r); err != nil {
		writeError(w, err)
		return
	}
	sensorID, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid sensor id"})
		return
	}
	status, err := s.cfg.Store.GetSensorStatus(r.Context(), sensorID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "sensor not found"})
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// handleDiagnostics reports the timing tracker plus resilience counters.
func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	report := map[string]any{}

	if s.cfg.Timing != nil {
		if streamID := r.URL.Query().Get("sensor_id"); streamID != "" {
			series := ""
			if id, err := strconv.ParseInt(streamID, 10, 64); err == nil {
				series = core.IoTSeriesID(id).String()
			} else {
				series = streamID
			}
			if stream, ok := s.cfg.Timing.Stream(series); ok {
				report["stream"] = stream
			}
		} else {
			report["streams"] = s.cfg.Timing.Report()
		}
		report["health"] = s.cfg.Timing.Health()
	}
	if s.cfg.Dedup != nil {
		report["dedup"] = s.cfg.Dedup.Stats()
	}
	if s.cfg.DLQ != nil {
		if depth, err := s.cfg.DLQ.Len(r.Context()); err == nil {
			report["dlq_depth"] = depth
		}
	}
	if s.cfg.Breaker != nil {
		report["breaker_state"] = s.cfg.Breaker.State().String()
	}
	writeJSON(w, http.StatusOK, report)
}
