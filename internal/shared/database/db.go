package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// ErrNotFound is returned when a row does not exist
var ErrNotFound = errors.New("record not found")

type DB struct {
	conn *sql.DB
}

// New creates a new database connection
func New(ctx context.Context, databaseURL string) (*DB, error) {
	conn, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Configure connection pool
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(10)
	conn.SetConnMaxLifetime(5 * time.Minute)

	// Test connection
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := conn.PingContext(pingCtx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	return &DB{conn: conn}, nil
}

// NewFromConn wraps an existing handle
func NewFromConn(conn *sql.DB) *DB {
	return &DB{conn: conn}
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// Ping checks connectivity
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS devices (
		id UUID PRIMARY KEY,
		platform TEXT NOT NULL DEFAULT '',
		app_version TEXT NOT NULL DEFAULT '',
		tier TEXT NOT NULL DEFAULT 'free',
		token_version INTEGER NOT NULL DEFAULT 1,
		blocked BOOLEAN NOT NULL DEFAULT FALSE,
		subscription_ref TEXT NULL,
		last_seen_at TIMESTAMPTZ NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS usage_logs (
		id TEXT PRIMARY KEY,
		device_id UUID NOT NULL,
		request_id TEXT NULL,
		mode TEXT NOT NULL,
		provider TEXT NOT NULL DEFAULT '',
		key_id TEXT NOT NULL DEFAULT '',
		image_hash TEXT NOT NULL DEFAULT '',
		prompt_tokens INTEGER NOT NULL DEFAULT 0,
		completion_tokens INTEGER NOT NULL DEFAULT 0,
		total_tokens INTEGER NOT NULL DEFAULT 0,
		cost_usd NUMERIC(12, 6) NOT NULL DEFAULT 0,
		latency_ms INTEGER NOT NULL DEFAULT 0,
		cache_hit BOOLEAN NOT NULL DEFAULT FALSE,
		idempotent_hit BOOLEAN NOT NULL DEFAULT FALSE,
		failover_used BOOLEAN NOT NULL DEFAULT FALSE,
		status_code INTEGER NOT NULL,
		error_code TEXT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_usage_logs_device_created ON usage_logs(device_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_usage_logs_created ON usage_logs(created_at)`,
}

// Migrate creates the tables the gateway needs if they are missing
func (db *DB) Migrate(ctx context.Context) error {
	for _, q := range schema {
		if _, err := db.conn.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
