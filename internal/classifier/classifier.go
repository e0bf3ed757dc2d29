package classifier

import (
	"context"
	"errors"

	"mailsync/internal/model"
)

// ErrQuotaExceeded means the capability refused work for rate or quota
// reasons, including a missing API key. Callers fall back instead of failing.
var ErrQuotaExceeded = errors.New("classifier: quota exceeded")

// Classifier labels, summarizes and mines item content.
type Classifier interface {
	// Classify returns a label that should match one of categories by name.
	Classify(ctx context.Context, content string, categories []model.Category) (string, error)
	Summarize(ctx context.Context, content string) (string, error)
	// ExtractUnsubscribeLink returns "" when the content has no such link.
	ExtractUnsubscribeLink(ctx context.Context, content string) (string, error)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
