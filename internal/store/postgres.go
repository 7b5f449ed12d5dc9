// Package store is the Postgres persistence layer. It is intentionally dumb:
// all classification logic lives in internal/classify, the database only
// stores rows and arbitrates concurrent state transitions via conditional
// updates.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/sensorgrid/ingest/internal/core"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("store: not found")

// Store wraps the shared *sql.DB pool. One instance per process.
type Store struct {
	db *sql.DB
}

// Open connects to Postgres with the pool sizing the gateway assumes
// (5 idle + 10 overflow, 300s recycle) and verifies connectivity.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxIdleConns(5)
	db.SetMaxOpenConns(15)
	db.SetConnMaxLifetime(300 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing handle (tests).
func NewWithDB(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

// Ping reports database reachability for /ready.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// =============================================================================
// Readings
// =============================================================================

// InsertReading appends one observation to sensor_readings.
func (s *Store) InsertReading(ctx context.Context, sensorID int64, value float64, deviceTS *time.Time, ingestTS time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sensor_readings (sensor_id, value, device_ts, ingest_ts) VALUES ($1, $2, $3, $4)`,
		sensorID, value, nullTime(deviceTS), ingestTS.UTC())
	return err
}

// GetLatest returns the latest-value row for a stream, or ErrNotFound.
func (s *Store) GetLatest(ctx context.Context, sensorID int64) (*core.LastReading, error) {
	var last core.LastReading
	err := s.db.QueryRowContext(ctx,
		`SELECT latest_value, latest_timestamp FROM sensor_readings_latest WHERE sensor_id = $1`,
		sensorID).Scan(&last.Value, &last.Timestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &last, nil
}

// UpsertLatest merges the latest value for a stream: insert when missing,
// otherwise overwrite value and timestamp.
func (s *Store) UpsertLatest(ctx context.Context, sensorID int64, value float64, ts time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sensor_readings_latest (sensor_id, latest_value, latest_timestamp)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (sensor_id)
		 DO UPDATE SET latest_value = EXCLUDED.latest_value, latest_timestamp = EXCLUDED.latest_timestamp`,
		sensorID, value, ts.UTC())
	return err
}

// LastReadingBefore returns the most recent reading older than ts, used to
// seed the delta detector cache after a restart.
func (s *Store) LastReadingBefore(ctx context.Context, sensorID int64, ts time.Time) (*core.LastReading, error) {
	var last core.LastReading
	err := s.db.QueryRowContext(ctx,
		`SELECT value, COALESCE(device_ts, ingest_ts) FROM sensor_readings
		 WHERE sensor_id = $1 AND ingest_ts < $2
		 ORDER BY ingest_ts DESC LIMIT 1`,
		sensorID, ts.UTC()).Scan(&last.Value, &last.Timestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &last, nil
}

// =============================================================================
// Alerts (at most one active per stream)
// =============================================================================

// UpsertActiveAlert maintains the single-active-alert invariant: update the
// existing active row if there is one, otherwise create it. Returns the alert
// id and whether a new row was created.
func (s *Store) UpsertActiveAlert(ctx context.Context, sensorID, deviceID, thresholdID int64, value float64, triggeredAt time.Time) (int64, bool, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`UPDATE alerts
		 SET threshold_id = $3, triggered_value = $4, triggered_at = $5, severity = 'critical'
		 WHERE sensor_id = $1 AND device_id = $2 AND status = 'active'
		 RETURNING id`,
		sensorID, deviceID, thresholdID, value, triggeredAt.UTC()).Scan(&id)
	if err == nil {
		return id, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, false, err
	}
	err = s.db.QueryRowContext(ctx,
		`INSERT INTO alerts (sensor_id, device_id, threshold_id, severity, status, triggered_value, triggered_at)
		 VALUES ($1, $2, $3, 'critical', 'active', $4, $5)
		 RETURNING id`,
		sensorID, deviceID, thresholdID, value, triggeredAt.UTC()).Scan(&id)
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

// ActiveAlertCount returns the number of active alerts for a stream.
func (s *Store) ActiveAlertCount(ctx context.Context, sensorID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM alerts WHERE sensor_id = $1 AND status = 'active'`, sensorID).Scan(&n)
	return n, err
}

// =============================================================================
// ML events (at most one active DELTA_SPIKE per stream)
// =============================================================================

// UpsertActiveDeltaEvent maintains the single-active-spike invariant against
// ml_events with event_code='DELTA_SPIKE'.
func (s *Store) UpsertActiveDeltaEvent(ctx context.Context, sensorID, deviceID int64, severity string, payload any) (int64, bool, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, false, fmt.Errorf("marshal spike payload: %w", err)
	}

	var id int64
	err = s.db.QueryRowContext(ctx,
		`UPDATE ml_events
		 SET severity = $3, payload = $4, created_at = NOW()
		 WHERE sensor_id = $1 AND device_id = $2 AND event_code = 'DELTA_SPIKE' AND status = 'active'
		 RETURNING id`,
		sensorID, deviceID, severity, body).Scan(&id)
	if err == nil {
		return id, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, false, err
	}
	err = s.db.QueryRowContext(ctx,
		`INSERT INTO ml_events (sensor_id, device_id, event_type, event_code, status, severity, payload, created_at)
		 VALUES ($1, $2, 'anomaly', 'DELTA_SPIKE', 'active', $3, $4, NOW())
		 RETURNING id`,
		sensorID, deviceID, severity, body).Scan(&id)
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

// ActiveDeltaEventCount returns the number of active spike events for a stream.
func (s *Store) ActiveDeltaEventCount(ctx context.Context, sensorID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM ml_events
		 WHERE sensor_id = $1 AND event_code = 'DELTA_SPIKE' AND status = 'active'`, sensorID).Scan(&n)
	return n, err
}

// =============================================================================
// Notifications
// =============================================================================

// CreateNotification inserts one unread notification unless an unread row for
// the same (source, source_event_id) already exists inside the dedup window.
// Returns whether a row was created.
func (s *Store) CreateNotification(ctx context.Context, source string, sourceEventID int64, severity, title, message string) (bool, error) {
	const dedupWindow = 5 * time.Minute

	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (
		   SELECT 1 FROM alert_notifications
		   WHERE source = $1 AND source_event_id = $2 AND is_read = FALSE AND created_at > $3
		 )`,
		source, sourceEventID, time.Now().UTC().Add(-dedupWindow)).Scan(&exists)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO alert_notifications (source, source_event_id, severity, title, message, is_read, created_at)
		 VALUES ($1, $2, $3, $4, $5, FALSE, NOW())`,
		source, sourceEventID, severity, title, message)
	if err != nil {
		return false, err
	}
	return true, nil
}

// =============================================================================
// Sensors and state
// =============================================================================

// SensorRow is the operational slice of a sensors row.
type SensorRow struct {
	ID                   int64
	DeviceID             int64
	SensorType           string
	State                core.SensorState
	ValidReadingsCount   int
	MinReadingsForNormal int
	StateChangedAt       time.Time
}

// GetSensor loads the operational state of one sensor.
func (s *Store) GetSensor(ctx context.Context, sensorID int64) (*SensorRow, error) {
	var row SensorRow
	var state string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, device_id, sensor_type, operational_state, valid_readings_count,
		        min_readings_for_normal, state_changed_at
		 FROM sensors WHERE id = $1`,
		sensorID).Scan(&row.ID, &row.DeviceID, &row.SensorType, &state,
		&row.ValidReadingsCount, &row.MinReadingsForNormal, &row.StateChangedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	row.State = core.ParseSensorState(state)
	return &row, nil
}

// CompareAndSwapState transitions operational_state with optimistic locking:
// the update only fires when the current state equals expected. Returns
// whether a row was updated; false means a concurrent transition won.
func (s *Store) CompareAndSwapState(ctx context.Context, sensorID int64, expected, next core.SensorState) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sensors
		 SET operational_state = $3, state_changed_at = NOW()
		 WHERE id = $1 AND operational_state = $2`,
		sensorID, expected.String(), next.String())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// IncrementValidReadings atomically bumps valid_readings_count and returns
// the new count.
func (s *Store) IncrementValidReadings(ctx context.Context, sensorID int64) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`UPDATE sensors SET valid_readings_count = valid_readings_count + 1
		 WHERE id = $1
		 RETURNING valid_readings_count`,
		sensorID).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	return count, err
}

// DeviceIDForSensor returns the owning device id.
func (s *Store) DeviceIDForSensor(ctx context.Context, sensorID int64) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`SELECT device_id FROM sensors WHERE id = $1`, sensorID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	return id, err
}

// ResolveSensor maps (device_uuid, sensor_uuid) to the internal sensor id.
// The join enforces that the sensor belongs to the device so a valid device
// key cannot spoof another device's sensors.
func (s *Store) ResolveSensor(ctx context.Context, deviceUUID, sensorUUID string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`SELECT s.id FROM sensors s
		 JOIN devices d ON d.id = s.device_id
		 WHERE d.uuid = $1 AND s.uuid = $2`,
		deviceUUID, sensorUUID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	return id, err
}

// SensorStatus is the consolidated view served by /sensors/{id}/status.
type SensorStatus struct {
	SensorID             int64      `json:"sensor_id"`
	SensorType           string     `json:"sensor_type"`
	State                string     `json:"operational_state"`
	ValidReadingsCount   int        `json:"valid_readings_count"`
	MinReadingsForNormal int        `json:"min_readings_for_normal"`
	StateChangedAt       time.Time  `json:"state_changed_at"`
	LatestValue          *float64   `json:"latest_value,omitempty"`
	LatestTimestamp      *time.Time `json:"latest_timestamp,omitempty"`
	ActiveAlerts         int        `json:"active_alerts"`
	ActiveDeltaEvents    int        `json:"active_delta_events"`
}

// GetSensorStatus aggregates state, latest value, and active event counts.
func (s *Store) GetSensorStatus(ctx context.Context, sensorID int64) (*SensorStatus, error) {
	var st SensorStatus
	err := s.db.QueryRowContext(ctx,
		`SELECT s.id, s.sensor_type, s.operational_state, s.valid_readings_count,
		        s.min_readings_for_normal, s.state_changed_at,
		        l.latest_value, l.latest_timestamp,
		        (SELECT COUNT(*) FROM alerts a WHERE a.sensor_id = s.id AND a.status = 'active'),
		        (SELECT COUNT(*) FROM ml_events e WHERE e.sensor_id = s.id AND e.event_code = 'DELTA_SPIKE' AND e.status = 'active')
		 FROM sensors s
		 LEFT JOIN sensor_readings_latest l ON l.sensor_id = s.id
		 WHERE s.id = $1`,
		sensorID).Scan(&st.SensorID, &st.SensorType, &st.State, &st.ValidReadingsCount,
		&st.MinReadingsForNormal, &st.StateChangedAt, &st.LatestValue, &st.LatestTimestamp,
		&st.ActiveAlerts, &st.ActiveDeltaEvents)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// =============================================================================
// Streams (non-IoT domains)
// =============================================================================

// GetOrCreateStreamID maps a canonical series identity to its internal
// numeric id, registering the stream on first sight.
func (s *Store) GetOrCreateStreamID(ctx context.Context, series core.SeriesID) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM streams WHERE domain = $1 AND source = $2 AND stream = $3`,
		series.Domain, series.Source, series.Stream).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}
	err = s.db.QueryRowContext(ctx,
		`INSERT INTO streams (domain, source, stream)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (domain, source, stream) DO UPDATE SET domain = EXCLUDED.domain
		 RETURNING id`,
		series.Domain, series.Source, series.Stream).Scan(&id)
	return id, err
}

// =============================================================================
// Thresholds
// =============================================================================

// GetThresholds loads the full per-stream classification configuration in
// one round trip. Missing rows yield nil members, never an error.
func (s *Store) GetThresholds(ctx context.Context, sensorID int64) (*core.ThresholdSet, error) {
	set := &core.ThresholdSet{ConsecutiveRequired: core.DefaultConsecutiveRequired}

	var (
		thresholdID      sql.NullInt64
		minV, maxV       sql.NullFloat64
		warnMin, warnMax sql.NullFloat64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, min_value, max_value, warning_min, warning_max
		 FROM sensor_thresholds WHERE sensor_id = $1`,
		sensorID).Scan(&thresholdID, &minV, &maxV, &warnMin, &warnMax)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err == nil {
		if minV.Valid && maxV.Valid {
			set.Physical = &core.PhysicalRange{ThresholdID: thresholdID.Int64, Min: minV.Float64, Max: maxV.Float64}
		}
		if warnMin.Valid && warnMax.Valid {
			set.Warning = &core.WarningBand{Min: warnMin.Float64, Max: warnMax.Float64}
		}
	}

	var (
		absD, relD, absS, relS sql.NullFloat64
		severity               sql.NullString
		consecutive            sql.NullInt64
	)
	err = s.db.QueryRowContext(ctx,
		`SELECT delta_abs, delta_rel, slope_abs, slope_rel, severity, consecutive_readings_required
		 FROM delta_thresholds WHERE sensor_id = $1`,
		sensorID).Scan(&absD, &relD, &absS, &relS, &severity, &consecutive)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err == nil {
		delta := &core.DeltaThresholds{Severity: "warning"}
		if severity.Valid {
			delta.Severity = severity.String
		}
		delta.AbsDelta = nullFloat(absD)
		delta.RelDelta = nullFloat(relD)
		delta.AbsSlope = nullFloat(absS)
		delta.RelSlope = nullFloat(relS)
		if delta.Configured() {
			set.Delta = delta
		}
		if consecutive.Valid && consecutive.Int64 >= 1 {
			set.ConsecutiveRequired = int(consecutive.Int64)
		}
	}

	return set, nil
}

// GetSensorType returns the sensor type string used for noise floors.
func (s *Store) GetSensorType(ctx context.Context, sensorID int64) (string, error) {
	var typ string
	err := s.db.QueryRowContext(ctx,
		`SELECT sensor_type FROM sensors WHERE id = $1`, sensorID).Scan(&typ)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return typ, err
}

// =============================================================================
// Auth keys
// =============================================================================

// DeviceKeyRow is the device_api_keys row joined with its device.
type DeviceKeyRow struct {
	KeyID      int64
	DeviceID   int64
	DeviceUUID string
	Active     bool
	RevokedAt  *time.Time
	ExpiresAt  *time.Time
}

// LookupDeviceKey finds a device key by its SHA-256 hash.
func (s *Store) LookupDeviceKey(ctx context.Context, keyHash string) (*DeviceKeyRow, error) {
	var row DeviceKeyRow
	err := s.db.QueryRowContext(ctx,
		`SELECT k.id, k.device_id, d.uuid, k.is_active, k.revoked_at, k.expires_at
		 FROM device_api_keys k
		 JOIN devices d ON d.id = k.device_id
		 WHERE k.key_hash = $1`,
		keyHash).Scan(&row.KeyID, &row.DeviceID, &row.DeviceUUID, &row.Active, &row.RevokedAt, &row.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// TouchDeviceKey updates last_used_at / last_seen_at, best effort.
func (s *Store) TouchDeviceKey(ctx context.Context, keyID, deviceID int64) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE device_api_keys SET last_used_at = NOW() WHERE id = $1`, keyID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE devices SET last_seen_at = NOW() WHERE id = $1`, deviceID)
	return err
}

// APIKeyRow is an api_keys row.
type APIKeyRow struct {
	Role            string
	AllowedSourceID string
	AllowedDomains  []string
	Active          bool
	RevokedAt       *time.Time
	ExpiresAt       *time.Time
}

// LookupAPIKey finds a tenant API key by its SHA-256 hash.
func (s *Store) LookupAPIKey(ctx context.Context, keyHash string) (*APIKeyRow, error) {
	var row APIKeyRow
	var allowedSource sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT role, allowed_source_id, allowed_domains, is_active, revoked_at, expires_at
		 FROM api_keys WHERE key_hash = $1`,
		keyHash).Scan(&row.Role, &allowedSource, pq.Array(&row.AllowedDomains),
		&row.Active, &row.RevokedAt, &row.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	row.AllowedSourceID = allowedSource.String
	return &row, nil
}

// TouchAPIKey updates last_used_at, best effort.
func (s *Store) TouchAPIKey(ctx context.Context, keyHash string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET last_used_at = NOW() WHERE key_hash = $1`, keyHash)
	return err
}

// =============================================================================
// helpers
// =============================================================================

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullFloat(f sql.NullFloat64) *float64 {
	if !f.Valid {
		return nil
	}
	v := f.Float64
	return &v
}
