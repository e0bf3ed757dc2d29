package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"mailsync/internal/model"
	"mailsync/pkg/outbox"
	"mailsync/pkg/trace"
)

const (
	ItemAggregateType    = "mail_item"
	RoutingItemProcessed = "mail.item.processed"
)

// ItemProcessedEvent is the outbox payload written with every new item.
type ItemProcessedEvent struct {
	ItemID     string    `json:"item_id"`
	AccountID  string    `json:"account_id"`
	ExternalID string    `json:"external_id"`
	CategoryID string    `json:"category_id"`
	Subject    string    `json:"subject"`
	ReceivedAt time.Time `json:"received_at"`
	TraceID    string    `json:"trace_id,omitempty"`
}

type ItemRepository struct {
	db     *pgxpool.Pool
	outbox *outbox.Repository
}

// NewItemRepository writes an outbox event per inserted item when ob is
// non-nil.
func NewItemRepository(db *pgxpool.Pool, ob *outbox.Repository) *ItemRepository {
	return &ItemRepository{db: db, outbox: ob}
}

func (r *ItemRepository) Exists(ctx context.Context, accountID, externalID string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `
        SELECT EXISTS (SELECT 1 FROM mail_items WHERE account_id = $1 AND external_id = $2)
    `, accountID, externalID).Scan(&exists)
	return exists, err
}

// Insert stores item unless (account_id, external_id) is already present and
// reports whether a row was created. The outbox event commits with the row.
func (r *ItemRepository) Insert(ctx context.Context, item *model.Item) (bool, error) {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.ReceivedAt.IsZero() {
		item.ReceivedAt = time.Now()
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	var unsubStatus *string
	if item.UnsubscribeStatus != model.UnsubscribeNone {
		s := string(item.UnsubscribeStatus)
		unsubStatus = &s
	}

	err = tx.QueryRow(ctx, `
        INSERT INTO mail_items (id, account_id, external_id, category_id, subject, sender,
                                summary, content, unsubscribe_status, unsubscribe_link, received_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
        ON CONFLICT (account_id, external_id) DO NOTHING
        RETURNING created_at
    `, item.ID, item.AccountID, item.ExternalID, item.CategoryID, item.Subject, item.Sender,
		item.Summary, item.Content, unsubStatus, item.UnsubscribeLink, item.ReceivedAt,
	).Scan(&item.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if r.outbox != nil {
		event := ItemProcessedEvent{
			ItemID:     item.ID,
			AccountID:  item.AccountID,
			ExternalID: item.ExternalID,
			CategoryID: item.CategoryID,
			Subject:    item.Subject,
			ReceivedAt: item.ReceivedAt,
			TraceID:    trace.FromContext(ctx),
		}
		if err := outbox.InsertEventInTx(ctx, tx, r.outbox, ItemAggregateType, item.ID, RoutingItemProcessed, event); err != nil {
			return false, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// ListForOwner returns the items among ids that belong to one of the owner's
// accounts. Unknown or foreign ids are silently dropped.
func (r *ItemRepository) ListForOwner(ctx context.Context, ownerID string, ids []string) ([]model.Item, error) {
	rows, err := r.db.Query(ctx, `
        SELECT i.id, i.account_id, i.external_id, i.category_id, i.subject, i.sender, i.summary,
               i.content, COALESCE(i.unsubscribe_status, ''), i.unsubscribe_link, i.received_at, i.created_at
        FROM mail_items i
        JOIN mail_accounts a ON a.id = i.account_id
        WHERE a.owner_id = $1 AND i.id = ANY($2)
        ORDER BY i.received_at
    `, ownerID, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Item
	for rows.Next() {
		var (
			it     model.Item
			status string
		)
		err := rows.Scan(&it.ID, &it.AccountID, &it.ExternalID, &it.CategoryID, &it.Subject, &it.Sender,
			&it.Summary, &it.Content, &status, &it.UnsubscribeLink, &it.ReceivedAt, &it.CreatedAt)
		if err != nil {
			return nil, err
		}
		it.UnsubscribeStatus = model.UnsubscribeStatus(status)
		out = append(out, it)
	}
	return out, rows.Err()
}

func (r *ItemRepository) Delete(ctx context.Context, id string) error {
	_, err := r.db.Exec(ctx, `DELETE FROM mail_items WHERE id = $1`, id)
	return err
}

func (r *ItemRepository) UpdateUnsubscribe(ctx context.Context, id string, status model.UnsubscribeStatus, link *string) error {
	_, err := r.db.Exec(ctx, `
        UPDATE mail_items
        SET unsubscribe_status = $2, unsubscribe_link = COALESCE($3, unsubscribe_link)
        WHERE id = $1
    `, id, string(status), link)
	return err
}
