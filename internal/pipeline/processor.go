package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"mailsync/internal/classifier"
	"mailsync/internal/mailbox"
	"mailsync/internal/model"
	"mailsync/pkg/logger"
	"mailsync/pkg/metrics"
	"mailsync/pkg/util"
)

// ErrCursorAdvance wraps failures to read or persist the new cursor. The
// items of the batch are stored; the next run re-fetches the same window.
var ErrCursorAdvance = errors.New("pipeline: cursor advance failed")

const (
	summaryQuota     = "AI processing skipped due to quota limit. Click to view original content."
	summaryUnmatched = "AI classified as '%s' but no matching category found. Click to view original content."
	summaryError     = "Email processing failed: %s. Click to view original content."
)

type ItemStore interface {
	Exists(ctx context.Context, accountID, externalID string) (bool, error)
	// Insert reports false when the (account, external id) pair already exists.
	Insert(ctx context.Context, item *model.Item) (bool, error)
}

type CategoryStore interface {
	ListByAccount(ctx context.Context, accountID string) ([]model.Category, error)
	GetOrCreate(ctx context.Context, accountID, name, description string) (*model.Category, error)
}

type CursorStore interface {
	UpdateCursor(ctx context.Context, accountID, cursor string) error
}

type TokenProvider interface {
	EnsureValid(ctx context.Context, accountID string) (string, error)
	RefreshOnUnauthorized(ctx context.Context, accountID string) (string, error)
}

type Options struct {
	BatchSize      int
	InterItemDelay time.Duration
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = 10
	}
	if o.InterItemDelay < 0 {
		o.InterItemDelay = 0
	}
	return o
}

// Result counts what one Process call did. Processed is the number of
// messages visited, whatever their outcome.
type Result struct {
	Processed      int
	Skipped        int
	NoCategories   int
	Classified     int
	Fallback       int
	Failed         int
	Archived       int
	Cursor         string
	CursorAdvanced bool
}

type outcome string

const (
	outcomeSkipped      outcome = "skipped"
	outcomeNoCategories outcome = "no_categories"
	outcomeClassified   outcome = "classified"
	outcomeUnmatched    outcome = "unmatched"
	outcomeQuota        outcome = "quota"
	outcomeErrorRecord  outcome = "error_fallback"
	outcomeFailed       outcome = "failed"
)

// Processor turns fetched messages into stored items.
type Processor struct {
	items      ItemStore
	categories CategoryStore
	cursors    CursorStore
	tokens     TokenProvider
	mail       mailbox.Client
	classifier classifier.Classifier
	opts       Options
	logger     *zap.Logger
	sleep      func(ctx context.Context, d time.Duration) error
}

func NewProcessor(
	items ItemStore,
	categories CategoryStore,
	cursors CursorStore,
	tokens TokenProvider,
	mail mailbox.Client,
	cls classifier.Classifier,
	opts Options,
	logger *zap.Logger,
) *Processor {
	return &Processor{
		items:      items,
		categories: categories,
		cursors:    cursors,
		tokens:     tokens,
		mail:       mail,
		classifier: cls,
		opts:       opts.withDefaults(),
		logger:     logger,
		sleep:      sleepCtx,
	}
}

// Process handles messages chunk by chunk, in order. Item failures never
// escape; the returned error is either ctx's or wraps ErrCursorAdvance. The
// cursor moves once, after the last chunk, and only if something was visited.
// Every provider call takes a freshly validated token, so a batch may outlive
// the token it started with.
func (p *Processor) Process(ctx context.Context, account *model.Account, messages []mailbox.Message) (Result, error) {
	log := logger.WithTrace(ctx, p.logger).With(
		zap.String("account_id", account.ID),
		zap.String("address", account.Address),
	)

	var res Result
	size := p.opts.BatchSize
	for start := 0; start < len(messages); start += size {
		end := min(start+size, len(messages))
		log.Debug("Processing chunk",
			zap.Int("from", start+1),
			zap.Int("to", end),
			zap.Int("total", len(messages)),
		)

		for _, msg := range messages[start:end] {
			if err := p.sleep(ctx, p.opts.InterItemDelay); err != nil {
				return res, err
			}
			p.processOne(ctx, account, msg, &res, log)
			res.Processed++
		}

		if end < len(messages) {
			if err := p.sleep(ctx, 2*p.opts.InterItemDelay); err != nil {
				return res, err
			}
		}
	}

	if res.Processed == 0 {
		return res, nil
	}

	var cursor string
	err := p.withToken(ctx, account.ID, log, func(token string) error {
		var err error
		cursor, err = p.mail.CurrentCursor(ctx, token, account.Address)
		return err
	})
	if err != nil {
		return res, fmt.Errorf("%w: read current cursor: %w", ErrCursorAdvance, err)
	}
	if cursor == "" {
		return res, nil
	}
	if err := p.cursors.UpdateCursor(ctx, account.ID, cursor); err != nil {
		return res, fmt.Errorf("%w: persist cursor: %w", ErrCursorAdvance, err)
	}
	res.Cursor = cursor
	res.CursorAdvanced = true

	log.Info("Batch processed",
		zap.Int("processed", res.Processed),
		zap.Int("skipped", res.Skipped),
		zap.Int("classified", res.Classified),
		zap.Int("fallback", res.Fallback),
		zap.Int("failed", res.Failed),
		zap.Int("archived", res.Archived),
		zap.String("cursor", cursor),
	)
	return res, nil
}

func (p *Processor) processOne(ctx context.Context, account *model.Account, msg mailbox.Message, res *Result, log *zap.Logger) {
	log = log.With(zap.String("external_id", msg.ID))

	var out outcome
	defer func() {
		if r := recover(); r != nil {
			log.Error("Item processing panicked", zap.Any("panic", r))
			out = outcomeFailed
		}
		p.count(out, res)
	}()

	var (
		archive bool
		err     error
	)
	out, archive, err = p.handle(ctx, account, msg, log)
	if err != nil {
		log.Warn("Item processing failed, storing fallback record",
			zap.String("error_type", util.ClassifyError(err)),
			zap.Error(err),
		)
		out = p.storeErrorRecord(ctx, account, msg, err, log)
	}

	if !archive {
		return
	}
	err = p.withToken(ctx, account.ID, log, func(token string) error {
		return p.mail.Archive(ctx, token, account.Address, msg.ID)
	})
	if err != nil {
		log.Warn("Archive failed", zap.Error(err))
		return
	}
	res.Archived++
}

// withToken runs call with a valid token. A provider 401 triggers exactly one
// refresh and one retry.
func (p *Processor) withToken(ctx context.Context, accountID string, log *zap.Logger, call func(token string) error) error {
	token, err := p.tokens.EnsureValid(ctx, accountID)
	if err != nil {
		return fmt.Errorf("ensure token: %w", err)
	}
	err = call(token)
	if !errors.Is(err, mailbox.ErrUnauthorized) {
		return err
	}

	log.Info("Provider rejected token mid-batch, refreshing once")
	token, err = p.tokens.RefreshOnUnauthorized(ctx, accountID)
	if err != nil {
		return fmt.Errorf("refresh token: %w", err)
	}
	return call(token)
}

// handle runs dedup, extraction, classification and persistence for one
// message. archive reports whether a new record was written on the regular
// path.
func (p *Processor) handle(ctx context.Context, account *model.Account, msg mailbox.Message, log *zap.Logger) (outcome, bool, error) {
	exists, err := p.items.Exists(ctx, account.ID, msg.ID)
	if err != nil {
		return "", false, fmt.Errorf("dedup lookup: %w", err)
	}
	if exists {
		return outcomeSkipped, false, nil
	}

	content, err := p.mail.ExtractContent(msg)
	if err != nil {
		return "", false, fmt.Errorf("extract content: %w", err)
	}

	categories, err := p.categories.ListByAccount(ctx, account.ID)
	if err != nil {
		return "", false, fmt.Errorf("load categories: %w", err)
	}
	if len(categories) == 0 {
		return outcomeNoCategories, false, nil
	}

	item := newItem(account, msg, content)
	out := outcomeClassified

	label, err := p.classifier.Classify(ctx, content, categories)
	switch {
	case errors.Is(err, classifier.ErrQuotaExceeded):
		out = outcomeQuota
	case err != nil:
		return "", false, fmt.Errorf("classify: %w", err)
	}

	if out == outcomeClassified {
		if matched := matchCategory(categories, label); matched != nil {
			item.CategoryID = matched.ID
			summary, err := p.classifier.Summarize(ctx, content)
			switch {
			case errors.Is(err, classifier.ErrQuotaExceeded):
				out = outcomeQuota
			case err != nil:
				return "", false, fmt.Errorf("summarize: %w", err)
			default:
				item.Summary = summary
			}
		} else {
			log.Warn("Classifier label matched no category", zap.String("label", label))
			out = outcomeUnmatched
			item.Summary = fmt.Sprintf(summaryUnmatched, strings.TrimSpace(label))
		}
	}

	if out != outcomeClassified {
		unsorted, err := p.unsorted(ctx, account.ID)
		if err != nil {
			return "", false, err
		}
		item.CategoryID = unsorted.ID
		if out == outcomeQuota {
			log.Warn("Classifier quota exceeded, storing as unsorted")
			item.Summary = summaryQuota
		}
	}

	created, err := p.items.Insert(ctx, item)
	if err != nil {
		return "", false, fmt.Errorf("persist item: %w", err)
	}
	if !created {
		return outcomeSkipped, false, nil
	}
	return out, true, nil
}

// storeErrorRecord keeps the message visible in Unsorted when the regular
// path failed. Extraction is retried so the raw content survives when only
// classification broke.
func (p *Processor) storeErrorRecord(ctx context.Context, account *model.Account, msg mailbox.Message, cause error, log *zap.Logger) outcome {
	content, _ := p.mail.ExtractContent(msg)

	unsorted, err := p.unsorted(ctx, account.ID)
	if err != nil {
		log.Error("Failed to store fallback record", zap.Error(err))
		return outcomeFailed
	}

	item := newItem(account, msg, content)
	item.CategoryID = unsorted.ID
	item.Summary = fmt.Sprintf(summaryError, cause.Error())
	if _, err := p.items.Insert(ctx, item); err != nil {
		log.Error("Failed to store fallback record", zap.Error(err))
		return outcomeFailed
	}
	return outcomeErrorRecord
}

func (p *Processor) unsorted(ctx context.Context, accountID string) (*model.Category, error) {
	c, err := p.categories.GetOrCreate(ctx, accountID, model.UnsortedCategory, model.UnsortedCategoryDescription)
	if err != nil {
		return nil, fmt.Errorf("get unsorted category: %w", err)
	}
	return c, nil
}

func (p *Processor) count(out outcome, res *Result) {
	switch out {
	case outcomeSkipped:
		res.Skipped++
	case outcomeNoCategories:
		res.NoCategories++
	case outcomeClassified:
		res.Classified++
	case outcomeUnmatched, outcomeQuota, outcomeErrorRecord:
		res.Fallback++
	default:
		out = outcomeFailed
		res.Failed++
	}
	metrics.IncrementItemProcessed(string(out))
}

func newItem(account *model.Account, msg mailbox.Message, content string) *model.Item {
	item := &model.Item{
		AccountID:  account.ID,
		ExternalID: msg.ID,
		Subject:    msg.Header("Subject"),
		Sender:     msg.Header("From"),
		Content:    content,
		ReceivedAt: msg.ReceivedAt(),
	}
	if link := mailbox.UnsubscribeLink(msg); link != "" {
		item.UnsubscribeLink = &link
	}
	return item
}

// matchCategory compares trimmed names case-insensitively.
func matchCategory(categories []model.Category, label string) *model.Category {
	label = strings.TrimSpace(label)
	for i := range categories {
		if strings.EqualFold(strings.TrimSpace(categories[i].Name), label) {
			return &categories[i]
		}
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
