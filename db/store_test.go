package db

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var subCols = []string{"id", "broadcaster_handle", "destination_id", "watermark_clip_id", "watermark_created_at", "active"}

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })
	return NewStoreX(sqlx.NewDb(mockDB, "sqlmock")), mock
}

func TestStore_ListActive(t *testing.T) {
	store, mock := newMockStore(t)
	epoch := time.Unix(0, 0).UTC()
	wm := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows(subCols).
		AddRow(1, "streamer", "-100123", "", epoch, true).
		AddRow(2, "other", "@channel", "ClipX", wm, true)
	mock.ExpectQuery(`SELECT id, broadcaster_handle, destination_id, watermark_clip_id, watermark_created_at, active FROM subscriptions WHERE active = TRUE ORDER BY id`).
		WillReturnRows(rows)

	subs, err := store.ListActive(context.Background())
	require.NoError(t, err)
	require.Len(t, subs, 2)
	assert.Equal(t, int64(1), subs[0].ID)
	assert.Equal(t, "streamer", subs[0].BroadcasterHandle)
	assert.True(t, subs[0].WatermarkCreatedAt.Equal(epoch))
	assert.Equal(t, "ClipX", subs[1].WatermarkClipID)
	assert.True(t, subs[1].WatermarkCreatedAt.Equal(wm))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_ListActiveError(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT .* FROM subscriptions WHERE active = TRUE`).WillReturnError(errors.New("connection refused"))

	_, err := store.ListActive(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPersistence))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_AdvanceWatermark(t *testing.T) {
	store, mock := newMockStore(t)
	ts := time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC)

	mock.ExpectExec(`UPDATE subscriptions\s+SET watermark_clip_id = \$2, watermark_created_at = \$3, updated_at = NOW\(\)\s+WHERE id = \$1 AND watermark_created_at <= \$3`).
		WithArgs(int64(7), "ClipC", ts).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.AdvanceWatermark(context.Background(), 7, "ClipC", ts))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_AdvanceWatermarkNotAdvanced(t *testing.T) {
	store, mock := newMockStore(t)
	ts := time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC)

	mock.ExpectExec(`UPDATE subscriptions`).
		WithArgs(int64(7), "ClipOld", ts).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.AdvanceWatermark(context.Background(), 7, "ClipOld", ts)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotAdvanced))
	assert.False(t, errors.Is(err, ErrPersistence))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_AdvanceWatermarkExecError(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec(`UPDATE subscriptions`).WillReturnError(errors.New("deadlock detected"))

	err := store.AdvanceWatermark(context.Background(), 1, "c", time.Now())
	assert.True(t, errors.Is(err, ErrPersistence))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_RecordClipInsertIfAbsent(t *testing.T) {
	store, mock := newMockStore(t)
	created := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectExec(`INSERT INTO clips .* ON CONFLICT \(clip_id\) DO NOTHING`).
		WithArgs("ClipA", "streamer", "title", "https://clips.twitch.tv/ClipA", "https://thumb", created, "42", "clipper").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.RecordClip(context.Background(), ClipRecord{
		ClipID:            "ClipA",
		BroadcasterHandle: "streamer",
		Title:             "title",
		URL:               "https://clips.twitch.tv/ClipA",
		ThumbnailURL:      "https://thumb",
		CreatedAt:         created,
		CreatorID:         "42",
		CreatorName:       "clipper",
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_Deliveries(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT EXISTS \(SELECT 1 FROM deliveries WHERE subscription_id = \$1 AND clip_id = \$2\)`).
		WithArgs(int64(3), "ClipA").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec(`INSERT INTO deliveries`).
		WithArgs(int64(3), "ClipA").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs(int64(3), "ClipA").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	ctx := context.Background()
	delivered, err := store.WasDelivered(ctx, 3, "ClipA")
	require.NoError(t, err)
	assert.False(t, delivered)

	require.NoError(t, store.MarkDelivered(ctx, 3, "ClipA"))

	delivered, err = store.WasDelivered(ctx, 3, "ClipA")
	require.NoError(t, err)
	assert.True(t, delivered)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_AddSubscription(t *testing.T) {
	store, mock := newMockStore(t)
	epoch := time.Unix(0, 0).UTC()

	mock.ExpectQuery(`INSERT INTO subscriptions \(broadcaster_handle, destination_id\) VALUES \(\$1, \$2\)\s+ON CONFLICT`).
		WithArgs("streamer", "-100123").
		WillReturnRows(sqlmock.NewRows(subCols).AddRow(5, "streamer", "-100123", "", epoch, true))

	sub, created, err := store.AddSubscription(context.Background(), " @Streamer ", "-100123")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, int64(5), sub.ID)
	assert.True(t, sub.Active)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_AddSubscriptionExisting(t *testing.T) {
	store, mock := newMockStore(t)
	wm := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`INSERT INTO subscriptions`).
		WithArgs("streamer", "-100123").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`SELECT .* FROM subscriptions WHERE broadcaster_handle = \$1 AND destination_id = \$2`).
		WithArgs("streamer", "-100123").
		WillReturnRows(sqlmock.NewRows(subCols).AddRow(5, "streamer", "-100123", "ClipZ", wm, false))

	sub, created, err := store.AddSubscription(context.Background(), "streamer", "-100123")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "ClipZ", sub.WatermarkClipID, "existing watermark must be preserved")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_AddSubscriptionValidation(t *testing.T) {
	store, _ := newMockStore(t)
	_, _, err := store.AddSubscription(context.Background(), "  ", "-1")
	assert.Error(t, err)
}

func TestStore_SetActiveNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec(`UPDATE subscriptions SET active = \$2`).
		WithArgs(int64(99), false).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.SetActive(context.Background(), 99, false)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_KV(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(`INSERT INTO kv`).WithArgs("job_poll_last", "2024-01-01T00:00:00Z").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT value FROM kv WHERE key = \$1`).WithArgs("job_poll_last").
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow("2024-01-01T00:00:00Z"))
	mock.ExpectQuery(`SELECT value FROM kv WHERE key = \$1`).WithArgs("missing").WillReturnError(sql.ErrNoRows)

	ctx := context.Background()
	require.NoError(t, store.SetKV(ctx, "job_poll_last", "2024-01-01T00:00:00Z"))
	v, err := store.GetKV(ctx, "job_poll_last")
	require.NoError(t, err)
	assert.Equal(t, "2024-01-01T00:00:00Z", v)
	v, err = store.GetKV(ctx, "missing")
	require.NoError(t, err)
	assert.Equal(t, "", v)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNormalizeHandle(t *testing.T) {
	tests := map[string]string{
		"Streamer":    "streamer",
		" @SomeOne  ": "someone",
		"":            "",
	}
	for in, want := range tests {
		assert.Equal(t, want, NormalizeHandle(in), "NormalizeHandle(%q)", in)
	}
}
