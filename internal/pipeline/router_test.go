package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sensorgrid/ingest/internal/broker"
	"github.com/sensorgrid/ingest/internal/classify"
	"github.com/sensorgrid/ingest/internal/core"
	"github.com/sensorgrid/ingest/internal/ratelimit"
	"github.com/sensorgrid/ingest/internal/resilience"
	"github.com/sensorgrid/ingest/internal/store"
)

// ---- fakes ----------------------------------------------------------------

type fakeStateStore struct {
	mu  sync.Mutex
	row store.SensorRow
}

func (f *fakeStateStore) GetSensor(_ context.Context, _ int64) (*store.SensorRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row := f.row
	return &row, nil
}

func (f *fakeStateStore) CompareAndSwapState(_ context.Context, _ int64, expected, next core.SensorState) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.row.State != expected {
		return false, nil
	}
	f.row.State = next
	return true, nil
}

func (f *fakeStateStore) IncrementValidReadings(_ context.Context, _ int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.row.ValidReadingsCount++
	return f.row.ValidReadingsCount, nil
}

type fakeThresholdStore struct {
	set        *core.ThresholdSet
	sensorType string
}

func (f *fakeThresholdStore) GetThresholds(_ context.Context, _ int64) (*core.ThresholdSet, error) {
	return f.set, nil
}
func (f *fakeThresholdStore) GetSensorType(_ context.Context, _ int64) (string, error) {
	return f.sensorType, nil
}
func (f *fakeThresholdStore) GetLatest(_ context.Context, _ int64) (*core.LastReading, error) {
	return nil, store.ErrNotFound
}

type alertRow struct {
	id      int64
	value   float64
	updates int
}

type fakePipelineStore struct {
	mu            sync.Mutex
	insertErr     error
	inserted      []float64
	latest        map[int64]core.LastReading
	alerts        map[int64]*alertRow
	deltaEvents   map[int64]*alertRow
	notifications []string
	nextID        int64
}

func newFakePipelineStore() *fakePipelineStore {
	return &fakePipelineStore{
		latest:      make(map[int64]core.LastReading),
		alerts:      make(map[int64]*alertRow),
		deltaEvents: make(map[int64]*alertRow),
		nextID:      100,
	}
}

func (f *fakePipelineStore) InsertReading(_ context.Context, _ int64, value float64, _ *time.Time, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return f.insertErr
	}
	f.inserted = append(f.inserted, value)
	return nil
}

func (f *fakePipelineStore) GetLatest(_ context.Context, sensorID int64) (*core.LastReading, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if last, ok := f.latest[sensorID]; ok {
		return &last, nil
	}
	return nil, store.ErrNotFound
}

func (f *fakePipelineStore) UpsertLatest(_ context.Context, sensorID int64, value float64, ts time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.latest[sensorID] = core.LastReading{Value: value, Timestamp: ts}
	return nil
}

func (f *fakePipelineStore) UpsertActiveAlert(_ context.Context, sensorID, _, _ int64, value float64, _ time.Time) (int64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if row, ok := f.alerts[sensorID]; ok {
		row.value = value
		row.updates++
		return row.id, false, nil
	}
	f.nextID++
	f.alerts[sensorID] = &alertRow{id: f.nextID, value: value}
	return f.nextID, true, nil
}

func (f *fakePipelineStore) UpsertActiveDeltaEvent(_ context.Context, sensorID, _ int64, _ string, _ any) (int64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if row, ok := f.deltaEvents[sensorID]; ok {
		row.updates++
		return row.id, false, nil
	}
	f.nextID++
	f.deltaEvents[sensorID] = &alertRow{id: f.nextID}
	return f.nextID, true, nil
}

func (f *fakePipelineStore) CreateNotification(_ context.Context, source string, _ int64, _, title, _ string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notifications = append(f.notifications, source+": "+title)
	return true, nil
}

func (f *fakePipelineStore) DeviceIDForSensor(_ context.Context, _ int64) (int64, error) {
	return 7, nil
}

// captureBroker delivers synchronously so tests see publishes immediately.
type captureBroker struct {
	mu       sync.Mutex
	readings []core.Reading
}

func (b *captureBroker) Publish(_ context.Context, r core.Reading) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.readings = append(b.readings, r)
	return nil
}
func (b *captureBroker) Subscribe(broker.Handler) (func(), error) { return func() {}, nil }
func (b *captureBroker) Close() error                             { return nil }

func (b *captureBroker) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.readings)
}

// ---- harness --------------------------------------------------------------

type routerHarness struct {
	router *Router
	ps     *fakePipelineStore
	fs     *fakeStateStore
	broker *captureBroker
	dedup  *resilience.MemoryDeduplicator
	dlq    *resilience.MemoryDLQ
}

func newRouterHarness(state core.SensorState, set *core.ThresholdSet) *routerHarness {
	fs := &fakeStateStore{row: store.SensorRow{
		ID: 42, DeviceID: 7, State: state, ValidReadingsCount: 100, MinReadingsForNormal: 10,
	}}
	if set.ConsecutiveRequired == 0 {
		set.ConsecutiveRequired = core.DefaultConsecutiveRequired
	}
	ft := &fakeThresholdStore{set: set, sensorType: "temperature"}
	classifier := classify.New(
		classify.NewStateManager(fs, time.Minute),
		classify.NewThresholdCache(ft, time.Minute),
		classify.NewLastReadingCache(ft),
	)

	h := &routerHarness{
		ps:     newFakePipelineStore(),
		fs:     fs,
		broker: &captureBroker{},
		dedup:  resilience.NewMemoryDeduplicator(time.Minute),
		dlq:    resilience.NewMemoryDLQ(100),
	}
	h.router = NewRouter(RouterConfig{
		Store:      h.ps,
		Classifier: classifier,
		Dedup:      h.dedup,
		DLQ:        h.dlq,
		Broker:     h.broker,
	})
	return h
}

func request(value float64, ts time.Time) Request {
	return Request{
		SensorID: 42,
		Source:   "http",
		Obs: &core.Observation{
			Series:         core.IoTSeriesID(42),
			LegacySensorID: 42,
			Value:          value,
			IngestTS:       ts,
		},
	}
}

var t0 = time.Unix(1700000000, 0).UTC()

// ---- tests ----------------------------------------------------------------

func TestProcessCleanReadingFlowsToBroker(t *testing.T) {
	h := newRouterHarness(core.StateNormal, &core.ThresholdSet{
		Physical: &core.PhysicalRange{ThresholdID: 3, Min: 10, Max: 30},
	})

	res, err := h.router.Process(context.Background(), request(15, t0))
	require.NoError(t, err)
	assert.Equal(t, core.ClassPrediction, res.Classification.Class)

	assert.Equal(t, []float64{15}, h.ps.inserted)
	assert.Equal(t, 15.0, h.ps.latest[42].Value)
	require.Equal(t, 1, h.broker.count())
	assert.Equal(t, "temperature", h.broker.readings[0].SensorType)
	assert.Equal(t, "iot:sensor:42", h.broker.readings[0].Series)
}

func TestProcessAlertLifecycle(t *testing.T) {
	h := newRouterHarness(core.StateNormal, &core.ThresholdSet{
		Physical:            &core.PhysicalRange{ThresholdID: 3, Min: 10, Max: 30},
		ConsecutiveRequired: 2,
	})
	ctx := context.Background()

	// First violation is held back by hysteresis.
	res, err := h.router.Process(ctx, request(35, t0))
	require.NoError(t, err)
	assert.Equal(t, core.ClassPrediction, res.Classification.Class)
	assert.Empty(t, h.ps.alerts)

	// Second violation raises the alert.
	res, err = h.router.Process(ctx, request(35.5, t0.Add(time.Second)))
	require.NoError(t, err)
	assert.Equal(t, core.ClassAlert, res.Classification.Class)
	require.Len(t, h.ps.alerts, 1)
	assert.Equal(t, 0, h.ps.alerts[42].updates)
	assert.Equal(t, core.StateAlert, h.fs.row.State)
	require.Len(t, h.ps.notifications, 1)
	assert.Contains(t, h.ps.notifications[0], "alert:")

	// Third violation updates the same row instead of creating another.
	_, err = h.router.Process(ctx, request(36, t0.Add(2*time.Second)))
	require.NoError(t, err)
	require.Len(t, h.ps.alerts, 1)
	assert.Equal(t, 1, h.ps.alerts[42].updates)
	assert.Equal(t, 36.0, h.ps.alerts[42].value)
}

func TestProcessWarningPersistsDeltaEventWithoutBroker(t *testing.T) {
	h := newRouterHarness(core.StateNormal, &core.ThresholdSet{
		Delta: &core.DeltaThresholds{AbsDelta: floatPtr(5.0), Severity: "warning"},
	})
	ctx := context.Background()

	// Seed history, then spike.
	_, err := h.router.Process(ctx, request(20, t0))
	require.NoError(t, err)
	res, err := h.router.Process(ctx, request(40, t0.Add(10*time.Second)))
	require.NoError(t, err)
	assert.Equal(t, core.ClassWarning, res.Classification.Class)

	require.Len(t, h.ps.deltaEvents, 1)
	// Both readings persisted; only the first (prediction) reached the broker.
	assert.Equal(t, []float64{20, 40}, h.ps.inserted)
	assert.Equal(t, 1, h.broker.count())
}

func TestProcessDuplicatesPersistOnce(t *testing.T) {
	h := newRouterHarness(core.StateNormal, &core.ThresholdSet{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := h.router.Process(ctx, request(15, t0))
		require.NoError(t, err)
		if i == 0 {
			assert.False(t, res.Duplicate)
		} else {
			assert.True(t, res.Duplicate)
		}
	}

	assert.Equal(t, []float64{15}, h.ps.inserted)
	assert.Equal(t, uint64(2), h.dedup.Stats().Duplicates)
}

func TestProcessLatestUnchangedSkipsPublish(t *testing.T) {
	h := newRouterHarness(core.StateNormal, &core.ThresholdSet{})
	ctx := context.Background()

	_, err := h.router.Process(ctx, request(15, t0))
	require.NoError(t, err)
	// Same value, different timestamp: new msg_id, same decimal.
	_, err = h.router.Process(ctx, request(15, t0.Add(time.Minute)))
	require.NoError(t, err)

	assert.Len(t, h.ps.inserted, 2)
	assert.Equal(t, 1, h.broker.count())
	assert.Equal(t, t0, h.ps.latest[42].Timestamp) // not touched by the second
}

func TestProcessDBFailureTripsBreakerAndDeadLetters(t *testing.T) {
	h := newRouterHarness(core.StateNormal, &core.ThresholdSet{})
	h.ps.insertErr = errors.New("db down")
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := h.router.Process(ctx, request(float64(i), t0.Add(time.Duration(i)*time.Second)))
		require.Error(t, err)
		assert.False(t, resilience.IsCircuitOpen(err))
	}

	// Breaker is open: fast-fail, routed to the DLQ with the breaker type.
	start := time.Now()
	_, err := h.router.Process(ctx, request(99, t0.Add(time.Minute)))
	require.Error(t, err)
	assert.True(t, resilience.IsCircuitOpen(err))
	assert.Less(t, time.Since(start), 50*time.Millisecond)

	entries, readErr := h.dlq.Read(ctx, 10)
	require.NoError(t, readErr)
	require.Len(t, entries, 6)
	assert.Equal(t, "db_error", entries[0].ErrorType)
	assert.Equal(t, "circuit_breaker_open", entries[5].ErrorType)
	assert.Equal(t, "http", entries[5].Source)
}

func TestProcessSensorRateLimit(t *testing.T) {
	h := newRouterHarness(core.StateNormal, &core.ThresholdSet{})
	limiter := ratelimit.New(ratelimit.Config{Enabled: true, SensorPerMin: 2, DevicePerMin: 100, IPPerMin: 100})
	defer limiter.Close()
	h.router.limiter = limiter
	ctx := context.Background()

	_, err := h.router.Process(ctx, request(1, t0))
	require.NoError(t, err)
	_, err = h.router.Process(ctx, request(2, t0.Add(time.Second)))
	require.NoError(t, err)

	_, err = h.router.Process(ctx, request(3, t0.Add(2*time.Second)))
	var limitErr *ratelimit.LimitExceeded
	require.ErrorAs(t, err, &limitErr)
	assert.Equal(t, ratelimit.ScopeSensor, limitErr.Scope)
	// Rate-limited observations are not dead-lettered.
	n, _ := h.dlq.Len(ctx)
	assert.Zero(t, n)
}

func TestProcessNotificationFailureDoesNotFailAlert(t *testing.T) {
	h := newRouterHarness(core.StateNormal, &core.ThresholdSet{
		Physical:            &core.PhysicalRange{ThresholdID: 3, Min: 10, Max: 30},
		ConsecutiveRequired: 1,
	})
	h.router.store = &notifyFailingStore{fakePipelineStore: h.ps}

	res, err := h.router.Process(context.Background(), request(35, t0))
	require.NoError(t, err)
	assert.Equal(t, core.ClassAlert, res.Classification.Class)
	require.Len(t, h.ps.alerts, 1)
}

type notifyFailingStore struct {
	*fakePipelineStore
}

func (s *notifyFailingStore) CreateNotification(context.Context, string, int64, string, string, string) (bool, error) {
	return false, errors.New("notifications table locked")
}

func floatPtr(v float64) *float64 { return &v }
