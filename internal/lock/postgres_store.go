package lock

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"mailsync/internal/model"
)

// DBTX is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore keeps leases in account_processing_locks. The primary key on
// account_id provides the insert-if-absent guarantee across nodes.
type PostgresStore struct {
	db DBTX
}

func NewPostgresStore(db DBTX) *PostgresStore {
	return &PostgresStore{db: db}
}

const createLocksTable = `
CREATE TABLE IF NOT EXISTS account_processing_locks (
    account_id TEXT PRIMARY KEY,
    locked_by  TEXT        NOT NULL,
    locked_at  TIMESTAMPTZ NOT NULL,
    expires_at TIMESTAMPTZ NOT NULL
)`

// EnsureTable creates the lease table when missing.
func (s *PostgresStore) EnsureTable(ctx context.Context) error {
	_, err := s.db.Exec(ctx, createLocksTable)
	return err
}

func (s *PostgresStore) Insert(ctx context.Context, lease model.Lease) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		INSERT INTO account_processing_locks (account_id, locked_by, locked_at, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (account_id) DO NOTHING
	`, lease.Key, lease.HolderID, lease.AcquiredAt, lease.ExpiresAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) Get(ctx context.Context, key string) (*model.Lease, error) {
	var l model.Lease
	err := s.db.QueryRow(ctx, `
		SELECT account_id, locked_by, locked_at, expires_at
		FROM account_processing_locks
		WHERE account_id = $1
	`, key).Scan(&l.Key, &l.HolderID, &l.AcquiredAt, &l.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func (s *PostgresStore) DeleteExpired(ctx context.Context, key string, now time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		DELETE FROM account_processing_locks
		WHERE account_id = $1 AND expires_at < $2
	`, key, now)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) DeleteIfOwned(ctx context.Context, key, holder string) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		DELETE FROM account_processing_locks
		WHERE account_id = $1 AND locked_by = $2
	`, key, holder)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM account_processing_locks WHERE expires_at < $1`, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
