package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"mailsync/internal/model"
)

type AccountRepository struct {
	db *pgxpool.Pool
}

func NewAccountRepository(db *pgxpool.Pool) *AccountRepository {
	return &AccountRepository{db: db}
}

const selectAccount = `
    SELECT id, owner_id, address, is_primary, access_token, refresh_token,
           token_expiry, scopes, sync_cursor, status, created_at, updated_at
    FROM mail_accounts
`

func scanAccount(row pgx.Row) (*model.Account, error) {
	var (
		a      model.Account
		expiry *time.Time
		status string
	)
	err := row.Scan(
		&a.ID,
		&a.OwnerID,
		&a.Address,
		&a.Primary,
		&a.Credential.AccessToken,
		&a.Credential.RefreshToken,
		&expiry,
		&a.Credential.Scopes,
		&a.Cursor,
		&status,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.Credential.Expiry = expiry
	a.Status = model.AccountStatus(status)
	return &a, nil
}

func (r *AccountRepository) list(ctx context.Context, query string, args ...any) ([]model.Account, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// Get returns ErrNotFound when the account does not exist.
func (r *AccountRepository) Get(ctx context.Context, id string) (*model.Account, error) {
	a, err := scanAccount(r.db.QueryRow(ctx, selectAccount+`WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	return a, err
}

// ListAll returns every account regardless of status, oldest first.
func (r *AccountRepository) ListAll(ctx context.Context) ([]model.Account, error) {
	return r.list(ctx, selectAccount+`ORDER BY created_at`)
}

func (r *AccountRepository) ListByOwner(ctx context.Context, ownerID string) ([]model.Account, error) {
	return r.list(ctx, selectAccount+`WHERE owner_id = $1 ORDER BY is_primary DESC, created_at`, ownerID)
}

// SaveCredential stores refreshed OAuth material and marks the account ACTIVE.
func (r *AccountRepository) SaveCredential(ctx context.Context, id string, cred model.Credential) error {
	tag, err := r.db.Exec(ctx, `
        UPDATE mail_accounts
        SET access_token = $2,
            refresh_token = $3,
            token_expiry = $4,
            scopes = COALESCE($5, scopes),
            status = 'ACTIVE',
            updated_at = NOW()
        WHERE id = $1
    `, id, cred.AccessToken, cred.RefreshToken, cred.Expiry, cred.Scopes)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	return nil
}

func (r *AccountRepository) UpdateStatus(ctx context.Context, id string, status model.AccountStatus) error {
	_, err := r.db.Exec(ctx, `
        UPDATE mail_accounts
        SET status = $2, updated_at = NOW()
        WHERE id = $1
    `, id, string(status))
	return err
}

// UpdateCursor records the provider position reached by a completed batch.
func (r *AccountRepository) UpdateCursor(ctx context.Context, id, cursor string) error {
	_, err := r.db.Exec(ctx, `
        UPDATE mail_accounts
        SET sync_cursor = $2, updated_at = NOW()
        WHERE id = $1
    `, id, cursor)
	return err
}

// UpsertAuthorized creates the account on first authorization or resets
// credential and status on re-authorization. A new account becomes primary
// when the owner had none.
func (r *AccountRepository) UpsertAuthorized(ctx context.Context, ownerID, address string, cred model.Credential) (*model.Account, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var hasPrimary bool
	err = tx.QueryRow(ctx, `
        SELECT EXISTS (SELECT 1 FROM mail_accounts WHERE owner_id = $1 AND is_primary)
    `, ownerID).Scan(&hasPrimary)
	if err != nil {
		return nil, err
	}

	scopes := cred.Scopes
	if scopes == nil {
		scopes = []string{}
	}
	a, err := scanAccount(tx.QueryRow(ctx, `
        INSERT INTO mail_accounts (id, owner_id, address, is_primary, access_token, refresh_token, token_expiry, scopes, status)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'ACTIVE')
        ON CONFLICT (owner_id, address) DO UPDATE
        SET access_token = EXCLUDED.access_token,
            refresh_token = CASE WHEN EXCLUDED.refresh_token = '' THEN mail_accounts.refresh_token
                                 ELSE EXCLUDED.refresh_token END,
            token_expiry = EXCLUDED.token_expiry,
            scopes = EXCLUDED.scopes,
            status = 'ACTIVE',
            updated_at = NOW()
        RETURNING id, owner_id, address, is_primary, access_token, refresh_token,
                  token_expiry, scopes, sync_cursor, status, created_at, updated_at
    `, uuid.NewString(), ownerID, strings.ToLower(address), !hasPrimary,
		cred.AccessToken, cred.RefreshToken, cred.Expiry, scopes))
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return a, nil
}
