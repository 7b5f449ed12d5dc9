package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sensorgrid/ingest/internal/core"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewWithDB(db), mock
}

func TestUpsertActiveAlertUpdatesExistingRow(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`UPDATE alerts`).
		WithArgs(int64(42), int64(7), int64(3), 35.0, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(99)))

	id, created, err := s.UpsertActiveAlert(context.Background(), 42, 7, 3, 35.0, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(99), id)
	assert.False(t, created)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertActiveAlertCreatesWhenNoneActive(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`UPDATE alerts`).
		WithArgs(int64(42), int64(7), int64(3), 35.0, sqlmock.AnyArg()).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`INSERT INTO alerts`).
		WithArgs(int64(42), int64(7), int64(3), 35.0, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(100)))

	id, created, err := s.UpsertActiveAlert(context.Background(), 42, 7, 3, 35.0, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(100), id)
	assert.True(t, created)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCompareAndSwapState(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE sensors`).
		WithArgs(int64(42), "NORMAL", "ALERT").
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := s.CompareAndSwapState(context.Background(), 42, core.StateNormal, core.StateAlert)
	require.NoError(t, err)
	assert.True(t, ok)

	// A concurrent transition already moved the row: zero rows affected.
	mock.ExpectExec(`UPDATE sensors`).
		WithArgs(int64(42), "NORMAL", "ALERT").
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err = s.CompareAndSwapState(context.Background(), 42, core.StateNormal, core.StateAlert)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateNotificationDedups(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("alert", int64(99), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec(`INSERT INTO alert_notifications`).
		WithArgs("alert", int64(99), "critical", "Sensor 42 out of range", "value 35.0 above max 30.0").
		WillReturnResult(sqlmock.NewResult(1, 1))

	created, err := s.CreateNotification(ctx, "alert", 99, "critical", "Sensor 42 out of range", "value 35.0 above max 30.0")
	require.NoError(t, err)
	assert.True(t, created)

	// Recent unread row for the same source event suppresses the insert.
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("alert", int64(99), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	created, err = s.CreateNotification(ctx, "alert", 99, "critical", "t", "m")
	require.NoError(t, err)
	assert.False(t, created)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetThresholds(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT id, min_value, max_value, warning_min, warning_max`).
		WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "min_value", "max_value", "warning_min", "warning_max"}).
			AddRow(int64(3), 10.0, 30.0, 12.0, 28.0))
	mock.ExpectQuery(`SELECT delta_abs, delta_rel, slope_abs, slope_rel`).
		WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows([]string{"delta_abs", "delta_rel", "slope_abs", "slope_rel", "severity", "consecutive_readings_required"}).
			AddRow(2.0, nil, nil, nil, "warning", int64(3)))

	set, err := s.GetThresholds(context.Background(), 42)
	require.NoError(t, err)
	require.NotNil(t, set.Physical)
	assert.Equal(t, int64(3), set.Physical.ThresholdID)
	assert.Equal(t, 10.0, set.Physical.Min)
	require.NotNil(t, set.Warning)
	assert.Equal(t, 12.0, set.Warning.Min)
	require.NotNil(t, set.Delta)
	require.NotNil(t, set.Delta.AbsDelta)
	assert.Equal(t, 2.0, *set.Delta.AbsDelta)
	assert.Nil(t, set.Delta.RelDelta)
	assert.Equal(t, 3, set.ConsecutiveRequired)
}

func TestGetThresholdsUnconfiguredStream(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT id, min_value, max_value`).
		WithArgs(int64(7)).WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`SELECT delta_abs`).
		WithArgs(int64(7)).WillReturnError(sql.ErrNoRows)

	set, err := s.GetThresholds(context.Background(), 7)
	require.NoError(t, err)
	assert.Nil(t, set.Physical)
	assert.Nil(t, set.Warning)
	assert.Nil(t, set.Delta)
	assert.Equal(t, core.DefaultConsecutiveRequired, set.ConsecutiveRequired)
}

func TestUpsertLatestMergeSemantics(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`INSERT INTO sensor_readings_latest`).
		WithArgs(int64(42), 15.0, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, s.UpsertLatest(context.Background(), 42, 15.0, time.Now()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertReadingsBatchSingleStatement(t *testing.T) {
	s, mock := newMockStore(t)

	ts := time.Unix(1700000000, 0).UTC()
	batch := []BufferedReading{
		{SensorID: 1, Value: 1.5, IngestTS: ts},
		{SensorID: 2, Value: 2.5, IngestTS: ts},
		{SensorID: 3, Value: 3.5, IngestTS: ts},
	}

	mock.ExpectExec(`INSERT INTO sensor_readings .+ VALUES \(\$1, \$2, \$3, \$4\), \(\$5, \$6, \$7, \$8\), \(\$9, \$10, \$11, \$12\)`).
		WillReturnResult(sqlmock.NewResult(0, 3))

	require.NoError(t, s.InsertReadingsBatch(context.Background(), batch))
	assert.NoError(t, mock.ExpectationsWereMet())
}
