package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"mailsync/internal/model"
)

type CategoryRepository struct {
	db *pgxpool.Pool
}

func NewCategoryRepository(db *pgxpool.Pool) *CategoryRepository {
	return &CategoryRepository{db: db}
}

func (r *CategoryRepository) ListByAccount(ctx context.Context, accountID string) ([]model.Category, error) {
	rows, err := r.db.Query(ctx, `
        SELECT id, account_id, name, description, created_at
        FROM mail_categories
        WHERE account_id = $1
        ORDER BY created_at
    `, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Category
	for rows.Next() {
		var c model.Category
		if err := rows.Scan(&c.ID, &c.AccountID, &c.Name, &c.Description, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetOrCreate returns the account's category whose name matches
// case-insensitively, creating it with description when absent. Concurrent
// callers converge on one row through the (account_id, lower(name)) index.
func (r *CategoryRepository) GetOrCreate(ctx context.Context, accountID, name, description string) (*model.Category, error) {
	var c model.Category
	err := r.db.QueryRow(ctx, `
        INSERT INTO mail_categories (id, account_id, name, description)
        VALUES ($1, $2, $3, $4)
        ON CONFLICT (account_id, (lower(name))) DO UPDATE SET name = mail_categories.name
        RETURNING id, account_id, name, description, created_at
    `, uuid.NewString(), accountID, name, description).Scan(
		&c.ID, &c.AccountID, &c.Name, &c.Description, &c.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}
