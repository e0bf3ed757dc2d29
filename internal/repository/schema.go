package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrNotFound is returned by single-row lookups that match nothing.
var ErrNotFound = errors.New("not found")

// DBTX is satisfied by *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS owners (
		id            TEXT PRIMARY KEY,
		primary_email TEXT NOT NULL UNIQUE,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS mail_accounts (
		id            TEXT PRIMARY KEY,
		owner_id      TEXT NOT NULL REFERENCES owners(id) ON DELETE CASCADE,
		address       TEXT NOT NULL,
		is_primary    BOOLEAN NOT NULL DEFAULT FALSE,
		access_token  TEXT NOT NULL DEFAULT '',
		refresh_token TEXT NOT NULL DEFAULT '',
		token_expiry  TIMESTAMPTZ,
		scopes        TEXT[] NOT NULL DEFAULT '{}',
		sync_cursor   TEXT,
		status        TEXT NOT NULL DEFAULT 'ACTIVE',
		created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (owner_id, address)
	)`,
	`CREATE TABLE IF NOT EXISTS mail_categories (
		id          TEXT PRIMARY KEY,
		account_id  TEXT NOT NULL REFERENCES mail_accounts(id) ON DELETE CASCADE,
		name        TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS mail_categories_account_name_idx
		ON mail_categories (account_id, (lower(name)))`,
	`CREATE TABLE IF NOT EXISTS mail_items (
		id                 TEXT PRIMARY KEY,
		account_id         TEXT NOT NULL REFERENCES mail_accounts(id) ON DELETE CASCADE,
		external_id        TEXT NOT NULL,
		category_id        TEXT NOT NULL REFERENCES mail_categories(id),
		subject            TEXT NOT NULL DEFAULT '',
		sender             TEXT NOT NULL DEFAULT '',
		summary            TEXT NOT NULL DEFAULT '',
		content            TEXT NOT NULL DEFAULT '',
		unsubscribe_status TEXT,
		unsubscribe_link   TEXT,
		received_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (account_id, external_id)
	)`,
	`CREATE TABLE IF NOT EXISTS account_processing_locks (
		account_id TEXT PRIMARY KEY,
		locked_by  TEXT        NOT NULL,
		locked_at  TIMESTAMPTZ NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS outbox_events (
		id             BIGSERIAL PRIMARY KEY,
		aggregate_type TEXT NOT NULL,
		aggregate_id   TEXT NOT NULL,
		routing_key    TEXT NOT NULL,
		payload        JSONB NOT NULL,
		status         TEXT NOT NULL DEFAULT 'pending',
		retry_count    INT NOT NULL DEFAULT 0,
		next_retry_at  TIMESTAMPTZ,
		created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS outbox_events_pending_idx
		ON outbox_events (status, next_retry_at, created_at)`,
}

// EnsureSchema creates missing tables and indexes. Statements are idempotent.
func EnsureSchema(ctx context.Context, db DBTX) error {
	for _, stmt := range schema {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
