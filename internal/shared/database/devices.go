package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mrmushfiq/reefscan-gateway/internal/shared/models"
)

const deviceColumns = `id, platform, app_version, tier, token_version, blocked,
	subscription_ref, last_seen_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (*models.Device, error) {
	var d models.Device
	var tier string
	err := row.Scan(
		&d.ID,
		&d.Platform,
		&d.AppVersion,
		&tier,
		&d.TokenVersion,
		&d.Blocked,
		&d.SubscriptionRef,
		&d.LastSeenAt,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}
	d.Tier = models.Tier(tier)
	return &d, nil
}

// GetDevice retrieves a device by id
func (db *DB) GetDevice(ctx context.Context, id string) (*models.Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE id = $1`
	return scanDevice(db.conn.QueryRowContext(ctx, query, id))
}

// UpsertDevice creates a device on the free tier or refreshes the client
// metadata of an existing one. Tier, version and block state are kept.
func (db *DB) UpsertDevice(ctx context.Context, id, platform, appVersion string) (*models.Device, error) {
	query := `
		INSERT INTO devices (id, platform, app_version, tier)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET platform = EXCLUDED.platform,
		    app_version = EXCLUDED.app_version,
		    updated_at = NOW()
		RETURNING ` + deviceColumns

	return scanDevice(db.conn.QueryRowContext(ctx, query, id, platform, appVersion, string(models.TierFree)))
}

// IncrementTokenVersion bumps a device's token version, invalidating every
// token issued before, and returns the new version
func (db *DB) IncrementTokenVersion(ctx context.Context, id string) (int, error) {
	query := `UPDATE devices SET token_version = token_version + 1, updated_at = NOW() WHERE id = $1 RETURNING token_version`

	var version int
	err := db.conn.QueryRowContext(ctx, query, id).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("database error: %w", err)
	}
	return version, nil
}

// SetTier changes a device's tier
func (db *DB) SetTier(ctx context.Context, id string, tier models.Tier, subscriptionRef *string) error {
	query := `UPDATE devices SET tier = $2, subscription_ref = $3, updated_at = NOW() WHERE id = $1`
	return db.execOne(ctx, query, id, string(tier), subscriptionRef)
}

// SetBlocked blocks or unblocks a device
func (db *DB) SetBlocked(ctx context.Context, id string, blocked bool) error {
	query := `UPDATE devices SET blocked = $2, updated_at = NOW() WHERE id = $1`
	return db.execOne(ctx, query, id, blocked)
}

// TouchLastSeen updates the last_seen_at timestamp
func (db *DB) TouchLastSeen(ctx context.Context, id string) error {
	query := `UPDATE devices SET last_seen_at = NOW() WHERE id = $1`
	_, err := db.conn.ExecContext(ctx, query, id)
	return err
}

// DeleteDevice erases a device and its usage history
func (db *DB) DeleteDevice(ctx context.Context, id string) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin erase: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM usage_logs WHERE device_id = $1`, id); err != nil {
		return fmt.Errorf("erase usage: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM devices WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("erase device: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

func (db *DB) execOne(ctx context.Context, query string, args ...any) error {
	res, err := db.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("database error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("database error: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
