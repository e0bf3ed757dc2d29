package actions

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"mailsync/internal/mailbox"
	"mailsync/internal/model"
	"mailsync/pkg/logger"
	"mailsync/pkg/metrics"
)

type ItemStore interface {
	ListForOwner(ctx context.Context, ownerID string, ids []string) ([]model.Item, error)
	Delete(ctx context.Context, id string) error
}

type AccountStore interface {
	Get(ctx context.Context, accountID string) (*model.Account, error)
}

type TokenProvider interface {
	EnsureValid(ctx context.Context, accountID string) (string, error)
	RefreshOnUnauthorized(ctx context.Context, accountID string) (string, error)
}

const (
	StatusDeleted  = "DELETED"
	StatusFailed   = "FAILED"
	StatusNotFound = "NOT_FOUND"
)

type DeleteResult struct {
	ItemID string `json:"item_id"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type DeleteReport struct {
	Succeeded int            `json:"succeeded"`
	Failed    int            `json:"failed"`
	Items     []DeleteResult `json:"items"`
}

// Deleter removes stored items from the provider mailbox and then from the
// local store.
type Deleter struct {
	items    ItemStore
	accounts AccountStore
	tokens   TokenProvider
	mail     mailbox.Client
	logger   *zap.Logger
}

func NewDeleter(items ItemStore, accounts AccountStore, tokens TokenProvider, mail mailbox.Client, logger *zap.Logger) *Deleter {
	return &Deleter{
		items:    items,
		accounts: accounts,
		tokens:   tokens,
		mail:     mail,
		logger:   logger,
	}
}

// Delete handles every id independently. Ids that are unknown or belong to
// another owner are reported NOT_FOUND. The local record is removed only
// after the provider accepted the delete.
func (d *Deleter) Delete(ctx context.Context, ownerID string, ids []string) (DeleteReport, error) {
	log := logger.WithTrace(ctx, d.logger).With(zap.String("owner_id", ownerID))

	items, err := d.items.ListForOwner(ctx, ownerID, ids)
	if err != nil {
		return DeleteReport{}, err
	}
	byID := make(map[string]model.Item, len(items))
	for _, it := range items {
		byID[it.ID] = it
	}

	var report DeleteReport
	accounts := make(map[string]*model.Account)
	for _, id := range ids {
		res := DeleteResult{ItemID: id}
		item, ok := byID[id]
		if !ok {
			log.Warn("Item not found for owner", zap.String("item_id", id))
			res.Status = StatusNotFound
		} else if err := d.deleteOne(ctx, item, accounts); err != nil {
			log.Error("Delete failed", zap.String("item_id", id), zap.Error(err))
			res.Status = StatusFailed
			res.Error = err.Error()
		} else {
			res.Status = StatusDeleted
		}

		if res.Status == StatusDeleted {
			report.Succeeded++
		} else {
			report.Failed++
		}
		metrics.IncrementBulkAction("delete", res.Status)
		report.Items = append(report.Items, res)
	}

	log.Info("Delete operation completed",
		zap.Int("succeeded", report.Succeeded),
		zap.Int("failed", report.Failed),
		zap.Int("total", len(ids)),
	)
	return report, nil
}

func (d *Deleter) deleteOne(ctx context.Context, item model.Item, accounts map[string]*model.Account) error {
	account, ok := accounts[item.AccountID]
	if !ok {
		var err error
		account, err = d.accounts.Get(ctx, item.AccountID)
		if err != nil {
			return fmt.Errorf("load account: %w", err)
		}
		accounts[item.AccountID] = account
	}

	token, err := d.tokens.EnsureValid(ctx, account.ID)
	if err != nil {
		return err
	}

	err = d.mail.Delete(ctx, token, account.Address, item.ExternalID)
	if errors.Is(err, mailbox.ErrUnauthorized) {
		token, err = d.tokens.RefreshOnUnauthorized(ctx, account.ID)
		if err != nil {
			return err
		}
		err = d.mail.Delete(ctx, token, account.Address, item.ExternalID)
	}
	if err != nil {
		return fmt.Errorf("provider delete: %w", err)
	}

	if err := d.items.Delete(ctx, item.ID); err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	return nil
}
