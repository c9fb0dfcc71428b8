package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

var (
	// ErrNotFound is returned when a subscription id does not exist.
	ErrNotFound = errors.New("not found")
	// ErrNotAdvanced is returned when a watermark update would move backwards
	// (or the subscription vanished); the stored watermark is left untouched.
	ErrNotAdvanced = errors.New("watermark not advanced")
)

// Subscription links a broadcaster to a Telegram destination and carries its watermark.
type Subscription struct {
	ID                 int64     `db:"id" json:"id"`
	BroadcasterHandle  string    `db:"broadcaster_handle" json:"broadcaster_handle"`
	DestinationID      string    `db:"destination_id" json:"destination_id"`
	WatermarkClipID    string    `db:"watermark_clip_id" json:"watermark_clip_id"`
	WatermarkCreatedAt time.Time `db:"watermark_created_at" json:"watermark_created_at"`
	Active             bool      `db:"active" json:"active"`
}

// ClipRecord is a row of the append-only clip history.
type ClipRecord struct {
	ClipID            string    `db:"clip_id"`
	BroadcasterHandle string    `db:"broadcaster_handle"`
	Title             string    `db:"title"`
	URL               string    `db:"url"`
	ThumbnailURL      string    `db:"thumbnail_url"`
	CreatedAt         time.Time `db:"created_at"`
	CreatorID         string    `db:"creator_id"`
	CreatorName       string    `db:"creator_name"`
}

const subscriptionColumns = `id, broadcaster_handle, destination_id, watermark_clip_id, watermark_created_at, active`

// Store is the durable record of subscriptions, watermarks, clip history and deliveries.
type Store struct {
	db *sqlx.DB
}

// NewStore wraps an open pgx connection.
func NewStore(db *sql.DB) *Store {
	return &Store{db: sqlx.NewDb(db, "pgx")}
}

// NewStoreX wraps an existing sqlx handle (tests use it with sqlmock).
func NewStoreX(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// NormalizeHandle lowercases a broadcaster handle and strips a leading '@'.
func NormalizeHandle(h string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(h), "@"))
}

func wrap(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrPersistence, op, err)
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return wrap("ping", err)
	}
	return nil
}

// ListActive returns active subscriptions ordered by id.
func (s *Store) ListActive(ctx context.Context) ([]Subscription, error) {
	var subs []Subscription
	q := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE active = TRUE ORDER BY id`
	if err := s.db.SelectContext(ctx, &subs, q); err != nil {
		return nil, wrap("list active subscriptions", err)
	}
	return subs, nil
}

// ListSubscriptions returns every subscription, active or not.
func (s *Store) ListSubscriptions(ctx context.Context) ([]Subscription, error) {
	var subs []Subscription
	q := `SELECT ` + subscriptionColumns + ` FROM subscriptions ORDER BY id`
	if err := s.db.SelectContext(ctx, &subs, q); err != nil {
		return nil, wrap("list subscriptions", err)
	}
	return subs, nil
}

// GetSubscription loads one subscription by id.
func (s *Store) GetSubscription(ctx context.Context, id int64) (Subscription, error) {
	var sub Subscription
	q := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE id = $1`
	if err := s.db.GetContext(ctx, &sub, q, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Subscription{}, fmt.Errorf("subscription %d: %w", id, ErrNotFound)
		}
		return Subscription{}, wrap("get subscription", err)
	}
	return sub, nil
}

// AddSubscription creates an active subscription with an empty watermark unless one
// already exists for the same handle and destination. created reports which happened.
func (s *Store) AddSubscription(ctx context.Context, handle, destinationID string) (sub Subscription, created bool, err error) {
	handle = NormalizeHandle(handle)
	destinationID = strings.TrimSpace(destinationID)
	if handle == "" || destinationID == "" {
		return Subscription{}, false, errors.New("broadcaster handle and destination id are required")
	}
	q := `INSERT INTO subscriptions (broadcaster_handle, destination_id) VALUES ($1, $2)
		ON CONFLICT (broadcaster_handle, destination_id) DO NOTHING
		RETURNING ` + subscriptionColumns
	err = s.db.GetContext(ctx, &sub, q, handle, destinationID)
	if err == nil {
		return sub, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Subscription{}, false, wrap("add subscription", err)
	}
	q = `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE broadcaster_handle = $1 AND destination_id = $2`
	if err := s.db.GetContext(ctx, &sub, q, handle, destinationID); err != nil {
		return Subscription{}, false, wrap("load existing subscription", err)
	}
	return sub, false, nil
}

// SetActive pauses or resumes a subscription. The watermark is left untouched.
func (s *Store) SetActive(ctx context.Context, id int64, active bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE subscriptions SET active = $2, updated_at = NOW() WHERE id = $1`, id, active)
	if err != nil {
		return wrap("set active", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("subscription %d: %w", id, ErrNotFound)
	}
	return nil
}

// AdvanceWatermark commits a new watermark in a single statement. The update only
// applies when it does not move the watermark backwards.
func (s *Store) AdvanceWatermark(ctx context.Context, subscriptionID int64, clipID string, createdAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE subscriptions
		SET watermark_clip_id = $2, watermark_created_at = $3, updated_at = NOW()
		WHERE id = $1 AND watermark_created_at <= $3`, subscriptionID, clipID, createdAt.UTC())
	if err != nil {
		return wrap("advance watermark", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrap("advance watermark rows", err)
	}
	if n == 0 {
		return fmt.Errorf("subscription %d to %s: %w", subscriptionID, createdAt.UTC().Format(time.RFC3339), ErrNotAdvanced)
	}
	return nil
}

// RecordClip inserts a clip into the history if its id is not already present.
func (s *Store) RecordClip(ctx context.Context, c ClipRecord) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO clips
		(clip_id, broadcaster_handle, title, url, thumbnail_url, created_at, creator_id, creator_name)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (clip_id) DO NOTHING`,
		c.ClipID, c.BroadcasterHandle, c.Title, c.URL, c.ThumbnailURL, c.CreatedAt.UTC(), c.CreatorID, c.CreatorName)
	if err != nil {
		return wrap("record clip", err)
	}
	return nil
}

// WasDelivered reports whether a clip was already pushed to a subscription's destination.
func (s *Store) WasDelivered(ctx context.Context, subscriptionID int64, clipID string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		`SELECT EXISTS (SELECT 1 FROM deliveries WHERE subscription_id = $1 AND clip_id = $2)`, subscriptionID, clipID)
	if err != nil {
		return false, wrap("check delivery", err)
	}
	return exists, nil
}

// MarkDelivered records a successful push.
func (s *Store) MarkDelivered(ctx context.Context, subscriptionID int64, clipID string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO deliveries (subscription_id, clip_id, delivered_at)
		VALUES ($1, $2, NOW()) ON CONFLICT (subscription_id, clip_id) DO NOTHING`, subscriptionID, clipID)
	if err != nil {
		return wrap("mark delivered", err)
	}
	return nil
}

// SetKV upserts a small operational value (job heartbeats).
func (s *Store) SetKV(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO kv (key, value, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`, key, value)
	if err != nil {
		return wrap("set kv", err)
	}
	return nil
}

// GetKV returns the value for key, or "" when unset.
func (s *Store) GetKV(ctx context.Context, key string) (string, error) {
	var v sql.NullString
	err := s.db.GetContext(ctx, &v, `SELECT value FROM kv WHERE key = $1`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", wrap("get kv", err)
	}
	return v.String, nil
}
