package database

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrmushfiq/reefscan-gateway/internal/shared/models"
)

const deviceID = "5b1d7a4e-3c2f-4e8a-9b7d-1f2e3d4c5b6a"

func newMockDB(t *testing.T) (*DB, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		_ = conn.Close()
	})
	return NewFromConn(conn), mock
}

func deviceRow(tier string, version int, blocked bool) *sqlmock.Rows {
	now := time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)
	return sqlmock.NewRows([]string{
		"id", "platform", "app_version", "tier", "token_version", "blocked",
		"subscription_ref", "last_seen_at", "created_at", "updated_at",
	}).AddRow(deviceID, "ios", "1.4.0", tier, version, blocked, nil, nil, now, now)
}

func TestMigrate(t *testing.T) {
	db, mock := newMockDB(t)
	for range schema {
		mock.ExpectExec("CREATE").WillReturnResult(sqlmock.NewResult(0, 0))
	}
	require.NoError(t, db.Migrate(context.Background()))
}

func TestGetDevice(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM devices WHERE id = $1")).
		WithArgs(deviceID).
		WillReturnRows(deviceRow("premium", 3, false))

	d, err := db.GetDevice(context.Background(), deviceID)
	require.NoError(t, err)
	assert.Equal(t, models.TierPremium, d.Tier)
	assert.Equal(t, 3, d.TokenVersion)
	assert.Nil(t, d.SubscriptionRef)
	assert.Nil(t, d.LastSeenAt)
}

func TestGetDevice_NotFound(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM devices WHERE id = $1")).
		WithArgs(deviceID).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := db.GetDevice(context.Background(), deviceID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpsertDevice_NewDevicesStartFree(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO devices")).
		WithArgs(deviceID, "ios", "1.4.0", "free").
		WillReturnRows(deviceRow("free", 1, false))

	d, err := db.UpsertDevice(context.Background(), deviceID, "ios", "1.4.0")
	require.NoError(t, err)
	assert.Equal(t, models.TierFree, d.Tier)
	assert.Equal(t, 1, d.TokenVersion)
}

func TestIncrementTokenVersion(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectQuery(regexp.QuoteMeta("SET token_version = token_version + 1")).
		WithArgs(deviceID).
		WillReturnRows(sqlmock.NewRows([]string{"token_version"}).AddRow(4))

	v, err := db.IncrementTokenVersion(context.Background(), deviceID)
	require.NoError(t, err)
	assert.Equal(t, 4, v)
}

func TestSetTier_NotFound(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE devices SET tier = $2")).
		WithArgs(deviceID, "premium", nil).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := db.SetTier(context.Background(), deviceID, models.TierPremium, nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSetBlocked(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE devices SET blocked = $2")).
		WithArgs(deviceID, true).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, db.SetBlocked(context.Background(), deviceID, true))
}

func TestDeleteDevice(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM usage_logs WHERE device_id = $1")).
		WithArgs(deviceID).
		WillReturnResult(sqlmock.NewResult(0, 7))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM devices WHERE id = $1")).
		WithArgs(deviceID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, db.DeleteDevice(context.Background(), deviceID))
}

func TestDeleteDevice_RollsBackOnError(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM usage_logs")).
		WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	assert.Error(t, db.DeleteDevice(context.Background(), deviceID))
}

func TestLogUsage(t *testing.T) {
	db, mock := newMockDB(t)
	reqID := "req-1"
	rec := &models.UsageRecord{
		ID:           "01JA0000000000000000000000",
		DeviceID:     deviceID,
		RequestID:    &reqID,
		Mode:         models.ModeFishID,
		Provider:     "gemini",
		KeyID:        "g1",
		TotalTokens:  1500,
		CostUSD:      0.002,
		StatusCode:   200,
		FailoverUsed: false,
		CreatedAt:    time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC),
	}
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO usage_logs")).
		WithArgs(rec.ID, deviceID, &reqID, "fish_id", "gemini", "g1", "", 0, 0, 1500, 0.002, 0, false, false, false, 200, nil, rec.CreatedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, db.LogUsage(context.Background(), rec))
}

func TestUsageSummary(t *testing.T) {
	db, mock := newMockDB(t)
	since := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta("FROM usage_logs")).
		WithArgs(since).
		WillReturnRows(sqlmock.NewRows([]string{"provider", "count", "errors", "cache", "failover", "tokens", "cost"}).
			AddRow("gemini", 40, 2, 0, 0, 60000, 0.08).
			AddRow("none", 12, 3, 9, 0, 0, 0.0))

	out, err := db.UsageSummary(context.Background(), since)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "gemini", out[0].Provider)
	assert.Equal(t, 40, out[0].Requests)
	assert.InDelta(t, 0.08, out[0].CostUSD, 1e-9)
	assert.Equal(t, 9, out[1].CacheHits)
}
