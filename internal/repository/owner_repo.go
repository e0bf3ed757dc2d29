package repository

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"mailsync/internal/model"
)

type OwnerRepository struct {
	db *pgxpool.Pool
}

func NewOwnerRepository(db *pgxpool.Pool) *OwnerRepository {
	return &OwnerRepository{db: db}
}

// Get returns ErrNotFound for unknown owners.
func (r *OwnerRepository) Get(ctx context.Context, id string) (*model.Owner, error) {
	var o model.Owner
	err := r.db.QueryRow(ctx, `
        SELECT id, primary_email, created_at
        FROM owners
        WHERE id = $1
    `, id).Scan(&o.ID, &o.PrimaryEmail, &o.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// GetOrCreateByEmail returns the owner registered under email, creating it on
// first sight.
func (r *OwnerRepository) GetOrCreateByEmail(ctx context.Context, email string) (*model.Owner, error) {
	var o model.Owner
	err := r.db.QueryRow(ctx, `
        INSERT INTO owners (id, primary_email)
        VALUES ($1, $2)
        ON CONFLICT (primary_email) DO UPDATE SET primary_email = EXCLUDED.primary_email
        RETURNING id, primary_email, created_at
    `, uuid.NewString(), strings.ToLower(email)).Scan(&o.ID, &o.PrimaryEmail, &o.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &o, nil
}
