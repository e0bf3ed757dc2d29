package mailbox

import (
	"context"
	"errors"
)

// FetchWithFallback fetches changes since cursor. If the provider reports the
// cursor invalid it retries exactly once with an empty cursor; resynced
// reports whether that happened.
func FetchWithFallback(ctx context.Context, c Client, accessToken, mailboxID, cursor string) (msgs []Message, resynced bool, err error) {
	msgs, err = c.FetchChanges(ctx, accessToken, mailboxID, cursor)
	if err == nil || cursor == "" || !errors.Is(err, ErrCursorInvalid) {
		return msgs, false, err
	}

	msgs, err = c.FetchChanges(ctx, accessToken, mailboxID, "")
	return msgs, true, err
}
