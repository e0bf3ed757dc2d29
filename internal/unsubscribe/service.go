package unsubscribe

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"mailsync/internal/classifier"
	"mailsync/internal/model"
	"mailsync/pkg/config"
	"mailsync/pkg/logger"
	"mailsync/pkg/metrics"
	"mailsync/pkg/util"
)

type ItemStore interface {
	// ListForOwner drops ids that are unknown or belong to another owner.
	ListForOwner(ctx context.Context, ownerID string, ids []string) ([]model.Item, error)
	UpdateUnsubscribe(ctx context.Context, id string, status model.UnsubscribeStatus, link *string) error
}

type AccountStore interface {
	Get(ctx context.Context, accountID string) (*model.Account, error)
}

// LinkExtractor is the part of the classifier used as a fallback when the
// item carries no List-Unsubscribe link.
type LinkExtractor interface {
	ExtractUnsubscribeLink(ctx context.Context, content string) (string, error)
}

type ItemResult struct {
	ItemID string                  `json:"item_id"`
	Status model.UnsubscribeStatus `json:"status"`
	Link   string                  `json:"link,omitempty"`
}

type Report struct {
	Requested int          `json:"requested"`
	Skipped   int          `json:"skipped"`
	Items     []ItemResult `json:"items"`
}

// Service runs unsubscribe follow-ups for stored items. It is best-effort:
// every item ends in SUCCESS, FAILED or NOT_FOUND.
type Service struct {
	items    ItemStore
	accounts AccountStore
	links    LinkExtractor
	executor Executor
	cfg      config.UnsubscribeConfig
	logger   *zap.Logger
}

func NewService(items ItemStore, accounts AccountStore, links LinkExtractor, executor Executor, cfg config.UnsubscribeConfig, logger *zap.Logger) *Service {
	return &Service{
		items:    items,
		accounts: accounts,
		links:    links,
		executor: executor,
		cfg:      cfg,
		logger:   logger,
	}
}

// Unsubscribe handles the owner's items among ids sequentially. Only a
// failure to load the items is returned.
func (s *Service) Unsubscribe(ctx context.Context, ownerID string, ids []string) (Report, error) {
	log := logger.WithTrace(ctx, s.logger).With(zap.String("owner_id", ownerID))

	items, err := s.items.ListForOwner(ctx, ownerID, ids)
	if err != nil {
		return Report{}, err
	}

	report := Report{Requested: len(ids), Skipped: len(ids) - len(items)}
	if report.Skipped > 0 {
		log.Warn("Ignoring unknown or foreign items", zap.Int("count", report.Skipped))
	}

	addresses := make(map[string]string)
	for _, item := range items {
		if ctx.Err() != nil {
			break
		}
		res := s.unsubscribeOne(ctx, item, s.address(ctx, item.AccountID, addresses), log)
		metrics.IncrementBulkAction("unsubscribe", string(res.Status))
		report.Items = append(report.Items, res)
	}

	log.Info("Unsubscribe run completed",
		zap.Int("requested", report.Requested),
		zap.Int("handled", len(report.Items)),
	)
	return report, nil
}

func (s *Service) unsubscribeOne(ctx context.Context, item model.Item, address string, log *zap.Logger) ItemResult {
	log = log.With(zap.String("item_id", item.ID))
	res := ItemResult{ItemID: item.ID}

	link := s.resolveLink(ctx, item, log)
	if link == "" {
		res.Status = model.UnsubscribeNotFound
		s.setStatus(ctx, item.ID, res.Status, nil, log)
		return res
	}
	res.Link = link
	s.setStatus(ctx, item.ID, model.UnsubscribePending, &link, log)

	err := util.Retry(ctx, s.cfg.MaxAttempts, s.cfg.BaseDelay, func(attempt int) error {
		err := s.executor.Execute(ctx, link, address)
		if err != nil && !util.IsPermanent(err) {
			log.Warn("Unsubscribe attempt failed", zap.Int("attempt", attempt), zap.Error(err))
		}
		return err
	})

	res.Status = model.UnsubscribeSuccess
	if err != nil {
		res.Status = model.UnsubscribeFailed
		log.Warn("Unsubscribe failed", zap.String("error_type", util.ClassifyError(err)), zap.Error(err))
	}
	// the outcome is recorded even when the request was cancelled meanwhile
	s.setStatus(context.WithoutCancel(ctx), item.ID, res.Status, nil, log)
	return res
}

// resolveLink prefers the List-Unsubscribe link captured at ingest and falls
// back to asking the classifier to find one in the content.
func (s *Service) resolveLink(ctx context.Context, item model.Item, log *zap.Logger) string {
	if item.UnsubscribeLink != nil && isHTTPLink(*item.UnsubscribeLink) {
		return *item.UnsubscribeLink
	}
	if s.links == nil || item.Content == "" {
		return ""
	}

	link, err := s.links.ExtractUnsubscribeLink(ctx, item.Content)
	switch {
	case errors.Is(err, classifier.ErrQuotaExceeded):
		log.Warn("Classifier quota exceeded while looking for unsubscribe link")
		return ""
	case err != nil:
		log.Warn("Unsubscribe link extraction failed", zap.Error(err))
		return ""
	}
	if !isHTTPLink(link) {
		return ""
	}
	return link
}

func (s *Service) address(ctx context.Context, accountID string, cache map[string]string) string {
	if addr, ok := cache[accountID]; ok {
		return addr
	}
	var addr string
	if acc, err := s.accounts.Get(ctx, accountID); err == nil {
		addr = acc.Address
	}
	cache[accountID] = addr
	return addr
}

func (s *Service) setStatus(ctx context.Context, id string, status model.UnsubscribeStatus, link *string, log *zap.Logger) {
	if err := s.items.UpdateUnsubscribe(ctx, id, status, link); err != nil {
		log.Error("Failed to record unsubscribe status", zap.String("status", string(status)), zap.Error(err))
	}
}

func isHTTPLink(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}
