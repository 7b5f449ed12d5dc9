// Package pipeline orchestrates the per-observation flow: rate limit, dedup,
// classification, and dispatch into the ALERT / WARNING / PREDICTION
// sub-pipelines. Transports decode and authenticate, then hand the canonical
// observation to the Router; everything downstream of the transport edge
// lives here.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sensorgrid/ingest/internal/broker"
	"github.com/sensorgrid/ingest/internal/classify"
	"github.com/sensorgrid/ingest/internal/core"
	"github.com/sensorgrid/ingest/internal/metrics"
	"github.com/sensorgrid/ingest/internal/ratelimit"
	"github.com/sensorgrid/ingest/internal/resilience"
	"github.com/sensorgrid/ingest/internal/store"
)

// PipelineStore is the persistence surface of the sub-pipelines.
// *store.Store satisfies it.
type PipelineStore interface {
	InsertReading(ctx context.Context, sensorID int64, value float64, deviceTS *time.Time, ingestTS time.Time) error
	GetLatest(ctx context.Context, sensorID int64) (*core.LastReading, error)
	UpsertLatest(ctx context.Context, sensorID int64, value float64, ts time.Time) error
	UpsertActiveAlert(ctx context.Context, sensorID, deviceID, thresholdID int64, value float64, triggeredAt time.Time) (int64, bool, error)
	UpsertActiveDeltaEvent(ctx context.Context, sensorID, deviceID int64, severity string, payload any) (int64, bool, error)
	CreateNotification(ctx context.Context, source string, sourceEventID int64, severity, title, message string) (bool, error)
	DeviceIDForSensor(ctx context.Context, sensorID int64) (int64, error)
}

// Request is one observation entering the router, already decoded,
// authenticated, and resolved to an internal sensor id.
type Request struct {
	SensorID   int64
	DeviceUUID string // set by device transports; enables the device limit
	Source     string // http, mqtt, websocket, csv
	Obs        *core.Observation
}

// Result reports what the router did with the observation.
type Result struct {
	Classification *core.ClassificationResult
	Duplicate      bool
	MsgID          string
}

// RouterConfig wires the router's collaborators. Nil optional fields degrade
// to no-ops (broker, pusher, limiter, dlq, metrics).
type RouterConfig struct {
	Store      PipelineStore
	Classifier *classify.Classifier
	Dedup      resilience.Deduplicator
	DLQ        resilience.DeadLetterQueue
	Breaker    *resilience.CircuitBreaker
	Retry      resilience.RetryConfig
	Limiter    *ratelimit.Limiter
	Broker     broker.ReadingBroker
	Pusher     Pusher
	Metrics    *metrics.Metrics
	Timing     *metrics.TimingTracker
	Logger     *slog.Logger
}

// Router runs the pipeline for one observation end to end. Safe for
// concurrent use; each transport handler calls Process on its own goroutine.
type Router struct {
	store      PipelineStore
	classifier *classify.Classifier
	dedup      resilience.Deduplicator
	dlq        resilience.DeadLetterQueue
	breaker    *resilience.CircuitBreaker
	retry      resilience.RetryConfig
	limiter    *ratelimit.Limiter
	broker     broker.ReadingBroker
	pusher     Pusher
	metrics    *metrics.Metrics
	timing     *metrics.TimingTracker
	logger     *slog.Logger
}

func NewRouter(cfg RouterConfig) *Router {
	r := &Router{
		store:      cfg.Store,
		classifier: cfg.Classifier,
		dedup:      cfg.Dedup,
		dlq:        cfg.DLQ,
		breaker:    cfg.Breaker,
		retry:      cfg.Retry,
		limiter:    cfg.Limiter,
		broker:     cfg.Broker,
		pusher:     cfg.Pusher,
		metrics:    cfg.Metrics,
		timing:     cfg.Timing,
		logger:     cfg.Logger,
	}
	if r.dedup == nil {
		r.dedup = resilience.NoopDeduplicator{}
	}
	if r.broker == nil {
		r.broker = broker.NullBroker{}
	}
	if r.pusher == nil {
		r.pusher = NullPusher{}
	}
	if r.breaker == nil {
		r.breaker = resilience.NewCircuitBreaker(resilience.DefaultBreakerConfig("db-write"))
	}
	if r.retry.MaxAttempts == 0 {
		r.retry = resilience.DefaultRetryConfig()
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	r.logger = r.logger.With("component", "pipeline")
	return r
}

// Process runs one observation through rate limiting, dedup, classification,
// and the matching sub-pipeline. A *ratelimit.LimitExceeded error maps to 429
// at the edge; a *resilience.ErrCircuitOpen to 503. Persist failures are
// routed to the DLQ before the error is returned.
func (r *Router) Process(ctx context.Context, req Request) (*Result, error) {
	obs := req.Obs

	if r.limiter != nil {
		if req.DeviceUUID != "" {
			if err := r.limiter.CheckDevice(req.DeviceUUID); err != nil {
				r.countLimited(ratelimit.ScopeDevice)
				return nil, err
			}
		}
		if err := r.limiter.CheckSensor(req.SensorID); err != nil {
			r.countLimited(ratelimit.ScopeSensor)
			return nil, err
		}
	}

	msgID := obs.MsgID
	if msgID == "" {
		msgID = resilience.GenerateMsgID(req.SensorID, obs.Timestamp(), obs.Value)
	}
	if r.dedup.IsDuplicate(ctx, msgID) {
		r.logger.Debug("duplicate observation dropped", "sensor_id", req.SensorID, "msg_id", msgID)
		if r.metrics != nil {
			r.metrics.DedupDropped.Inc()
			r.metrics.ObservationsTotal.WithLabelValues(req.Source, "duplicate").Inc()
		}
		return &Result{Duplicate: true, MsgID: msgID}, nil
	}

	if r.timing != nil {
		r.timing.Record(obs.Series.String(), obs.DeviceTS, obs.IngestTS, obs.Sequence)
	}

	res, err := r.classifier.Classify(ctx, req.SensorID, obs)
	if err != nil {
		r.deadLetter(ctx, req, msgID, err)
		return nil, fmt.Errorf("classify: %w", err)
	}
	if r.metrics != nil {
		r.metrics.ClassificationsTotal.WithLabelValues(res.Class.String()).Inc()
	}

	switch res.Class {
	case core.ClassAlert:
		err = r.persistAlert(ctx, req, res)
	case core.ClassWarning:
		err = r.persistWarning(ctx, req, res)
	default:
		err = r.persistPrediction(ctx, req, res)
	}
	if err != nil {
		r.deadLetter(ctx, req, msgID, err)
		return nil, err
	}

	if r.metrics != nil {
		r.metrics.ObservationsTotal.WithLabelValues(req.Source, "accepted").Inc()
	}
	obs.Status = core.StatusPersisted
	return &Result{Classification: res, MsgID: msgID}, nil
}

// execWrite wraps one primary persistence call with the circuit breaker and
// the transient-error retry policy.
func (r *Router) execWrite(ctx context.Context, op func() error) error {
	return r.breaker.Execute(func() error {
		return resilience.Retry(ctx, r.retry, op)
	})
}

func (r *Router) persistAlert(ctx context.Context, req Request, res *core.ClassificationResult) error {
	obs := req.Obs

	if err := r.execWrite(ctx, func() error {
		return r.store.InsertReading(ctx, req.SensorID, obs.Value, obs.DeviceTS, obs.IngestTS)
	}); err != nil {
		return fmt.Errorf("insert alert reading: %w", err)
	}

	var deviceID int64
	if err := r.execWrite(ctx, func() error {
		var err error
		deviceID, err = r.store.DeviceIDForSensor(ctx, req.SensorID)
		return err
	}); err != nil {
		return fmt.Errorf("device lookup: %w", err)
	}

	var alertID int64
	var created bool
	if err := r.execWrite(ctx, func() error {
		var err error
		alertID, created, err = r.store.UpsertActiveAlert(ctx,
			req.SensorID, deviceID, res.ThresholdID, obs.Value, obs.Timestamp())
		return err
	}); err != nil {
		return fmt.Errorf("upsert alert: %w", err)
	}

	r.logger.Info("alert persisted",
		"sensor_id", req.SensorID, "alert_id", alertID, "created", created,
		"value", obs.Value, "reason", res.Reason)

	// Side effects below never fail the alert.
	title := fmt.Sprintf("Sensor %d out of range", req.SensorID)
	if _, err := r.store.CreateNotification(ctx, "alert", alertID, "critical", title, res.Reason); err != nil {
		r.logger.Warn("alert notification failed", "sensor_id", req.SensorID, "error", err)
	}
	firePush(r.pusher, r.logger, PushRequest{
		SensorID: req.SensorID,
		EventID:  alertID,
		Source:   "alert",
		Severity: "critical",
		Title:    title,
		Message:  res.Reason,
	})
	return nil
}

func (r *Router) persistWarning(ctx context.Context, req Request, res *core.ClassificationResult) error {
	obs := req.Obs

	if err := r.execWrite(ctx, func() error {
		return r.store.InsertReading(ctx, req.SensorID, obs.Value, obs.DeviceTS, obs.IngestTS)
	}); err != nil {
		return fmt.Errorf("insert warning reading: %w", err)
	}

	var deviceID int64
	if err := r.execWrite(ctx, func() error {
		var err error
		deviceID, err = r.store.DeviceIDForSensor(ctx, req.SensorID)
		return err
	}); err != nil {
		return fmt.Errorf("device lookup: %w", err)
	}

	severity := "warning"
	if res.Spike != nil && res.Spike.Severity != "" {
		severity = res.Spike.Severity
	}
	var eventID int64
	var created bool
	if err := r.execWrite(ctx, func() error {
		var err error
		eventID, created, err = r.store.UpsertActiveDeltaEvent(ctx, req.SensorID, deviceID, severity, res.Spike)
		return err
	}); err != nil {
		return fmt.Errorf("upsert delta event: %w", err)
	}

	r.logger.Info("delta spike persisted",
		"sensor_id", req.SensorID, "event_id", eventID, "created", created,
		"severity", severity, "reason", res.Reason)

	title := fmt.Sprintf("Sensor %d delta spike", req.SensorID)
	if _, err := r.store.CreateNotification(ctx, "ml_event", eventID, severity, title, res.Reason); err != nil {
		r.logger.Warn("spike notification failed", "sensor_id", req.SensorID, "error", err)
	}
	return nil
}

func (r *Router) persistPrediction(ctx context.Context, req Request, res *core.ClassificationResult) error {
	obs := req.Obs

	if err := r.execWrite(ctx, func() error {
		return r.store.InsertReading(ctx, req.SensorID, obs.Value, obs.DeviceTS, obs.IngestTS)
	}); err != nil {
		return fmt.Errorf("insert reading: %w", err)
	}

	latest, err := r.store.GetLatest(ctx, req.SensorID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		r.logger.Warn("latest read failed, updating anyway", "sensor_id", req.SensorID, "error", err)
		latest = nil
	}
	// Decimal comparison: 15.0 stored as "15" must equal an incoming 15.0
	// even when the float bits differ after round-tripping.
	if latest != nil && decimal.NewFromFloat(obs.Value).Equal(decimal.NewFromFloat(latest.Value)) {
		r.logger.Debug("latest unchanged, skipping publish", "sensor_id", req.SensorID, "value", obs.Value)
		return nil
	}

	if err := r.execWrite(ctx, func() error {
		return r.store.UpsertLatest(ctx, req.SensorID, obs.Value, obs.Timestamp())
	}); err != nil {
		return fmt.Errorf("upsert latest: %w", err)
	}

	sensorType := ""
	if _, st, err := r.classifier.Thresholds().Get(ctx, req.SensorID); err == nil {
		sensorType = st
	}
	reading := core.Reading{
		SensorID:   req.SensorID,
		Series:     obs.Series.String(),
		SensorType: sensorType,
		Value:      obs.Value,
		Timestamp:  obs.Timestamp(),
	}
	if err := r.broker.Publish(ctx, reading); err != nil {
		r.logger.Warn("broker publish failed", "sensor_id", req.SensorID, "error", err)
		if r.metrics != nil {
			r.metrics.BrokerDropped.Inc()
		}
	}
	return nil
}

// deadLetter records a failed observation. DLQ errors are logged, never
// propagated: the original failure is what the caller needs to see.
func (r *Router) deadLetter(ctx context.Context, req Request, msgID string, cause error) {
	if r.dlq == nil {
		return
	}
	entry := resilience.DLQEntry{
		Payload:   resilience.MarshalPayload(req.Obs),
		Error:     cause.Error(),
		ErrorType: errorType(cause),
		Source:    req.Source,
		Timestamp: time.Now().UTC(),
		SensorID:  req.SensorID,
		MsgID:     msgID,
	}
	if err := r.dlq.Add(ctx, entry); err != nil {
		r.logger.Error("dead letter write failed", "sensor_id", req.SensorID, "error", err)
		return
	}
	if r.metrics != nil {
		r.metrics.DLQTotal.WithLabelValues("added").Inc()
	}
	r.logger.Warn("observation dead-lettered",
		"sensor_id", req.SensorID, "error_type", entry.ErrorType, "error", cause)
}

func errorType(err error) string {
	var vErr *core.ValidationError
	switch {
	case resilience.IsCircuitOpen(err):
		return "circuit_breaker_open"
	case errors.As(err, &vErr):
		return "validation_error"
	default:
		return "db_error"
	}
}

func (r *Router) countLimited(scope ratelimit.Scope) {
	if r.metrics != nil {
		r.metrics.RateLimited.WithLabelValues(string(scope)).Inc()
	}
}
