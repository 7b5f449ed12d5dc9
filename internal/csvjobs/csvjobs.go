// Package csvjobs runs feature-flagged background CSV imports: a multipart
// upload becomes a job, a runner goroutine feeds rows through the ingest
// pipeline, and the job endpoint reports progress.
package csvjobs

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// JobStatus is the lifecycle of one import job.
type JobStatus string

const (
	StatusPending   JobStatus = "pending"
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
)

// Job is the progress record for one CSV import.
type Job struct {
	ID        string    `json:"job_id"`
	Status    JobStatus `json:"status"`
	TotalRows int       `json:"total_rows"`
	Processed int       `json:"processed"`
	Failed    int       `json:"failed"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Row is one decoded CSV line handed to the pipeline.
type Row struct {
	SensorID  int64
	Value     float64
	Timestamp *time.Time
}

// ProcessFunc ingests one row. Row errors fail the row, not the job.
type ProcessFunc func(ctx context.Context, row Row) error

// Manager owns the in-memory job store and the per-job runner goroutines.
type Manager struct {
	process ProcessFunc
	logger  *slog.Logger

	mu   sync.RWMutex
	jobs map[string]*Job

	wg sync.WaitGroup
}

func NewManager(process ProcessFunc, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		process: process,
		logger:  logger.With("component", "csvjobs"),
		jobs:    make(map[string]*Job),
	}
}

// Submit parses the upload eagerly (so malformed files fail the request, not
// the job) and starts a background runner. Returns the job id.
func (m *Manager) Submit(r io.Reader) (string, error) {
	rows, err := parseCSV(r)
	if err != nil {
		return "", err
	}

	job := &Job{
		ID:        uuid.NewString(),
		Status:    StatusPending,
		TotalRows: len(rows),
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	m.mu.Lock()
	m.jobs[job.ID] = job
	m.mu.Unlock()

	m.wg.Add(1)
	go m.run(job.ID, rows)
	return job.ID, nil
}

// Job returns a snapshot of one job.
func (m *Manager) Job(id string) (Job, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok {
		return Job{}, false
	}
	return *job, true
}

// Wait blocks until every submitted job has finished. Used on shutdown.
func (m *Manager) Wait() { m.wg.Wait() }

func (m *Manager) run(id string, rows []Row) {
	defer m.wg.Done()
	m.setStatus(id, StatusRunning, "")
	ctx := context.Background()

	failed := 0
	for i, row := range rows {
		if err := m.process(ctx, row); err != nil {
			failed++
			m.logger.Warn("csv row failed", "job_id", id, "row", i+1, "error", err)
		}
		m.mu.Lock()
		job := m.jobs[id]
		job.Processed = i + 1
		job.Failed = failed
		job.UpdatedAt = time.Now().UTC()
		m.mu.Unlock()
	}

	m.setStatus(id, StatusCompleted, "")
	m.logger.Info("csv job finished", "job_id", id, "rows", len(rows), "failed", failed)
}

func (m *Manager) setStatus(id string, status JobStatus, errMsg string) {
	m.mu.Lock()
	if job, ok := m.jobs[id]; ok {
		job.Status = status
		job.Error = errMsg
		job.UpdatedAt = time.Now().UTC()
	}
	m.mu.Unlock()
}

// parseCSV reads "sensor_id,value[,timestamp]" with a mandatory header row.
// Timestamps are RFC 3339.
func parseCSV(r io.Reader) ([]Row, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.ToLower(strings.TrimSpace(name))] = i
	}
	sensorCol, ok := cols["sensor_id"]
	if !ok {
		return nil, fmt.Errorf("csv missing sensor_id column")
	}
	valueCol, ok := cols["value"]
	if !ok {
		return nil, fmt.Errorf("csv missing value column")
	}
	tsCol, hasTS := cols["timestamp"]

	var rows []Row
	for line := 2; ; line++ {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("csv line %d: %w", line, err)
		}
		sensorID, err := strconv.ParseInt(record[sensorCol], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("csv line %d: bad sensor_id %q", line, record[sensorCol])
		}
		value, err := strconv.ParseFloat(record[valueCol], 64)
		if err != nil {
			return nil, fmt.Errorf("csv line %d: bad value %q", line, record[valueCol])
		}
		row := Row{SensorID: sensorID, Value: value}
		if hasTS && tsCol < len(record) && record[tsCol] != "" {
			ts, err := time.Parse(time.RFC3339, record[tsCol])
			if err != nil {
				return nil, fmt.Errorf("csv line %d: bad timestamp %q", line, record[tsCol])
			}
			ts = ts.UTC()
			row.Timestamp = &ts
		}
		rows = append(rows, row)
	}
	return rows, nil
}
