package mailbox

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrUnauthorized means the provider rejected the access token.
	ErrUnauthorized = errors.New("mailbox: unauthorized")
	// ErrCursorInvalid means the provider no longer recognises the cursor.
	ErrCursorInvalid = errors.New("mailbox: cursor invalid")
)

// Client is the incremental-diff surface of a mailbox provider.
type Client interface {
	// FetchChanges returns items added since cursor. An empty cursor asks
	// for a bounded full resync.
	FetchChanges(ctx context.Context, accessToken, mailboxID, cursor string) ([]Message, error)
	// CurrentCursor returns the provider's position right now.
	CurrentCursor(ctx context.Context, accessToken, mailboxID string) (string, error)
	ExtractContent(msg Message) (string, error)
	Archive(ctx context.Context, accessToken, mailboxID, itemID string) error
	Delete(ctx context.Context, accessToken, mailboxID, itemID string) error
}

type Header struct {
	Name  string
	Value string
}

// Part is one node of the MIME tree. Data is base64url as the provider
// sends it.
type Part struct {
	MimeType string
	Headers  []Header
	Data     string
	Parts    []*Part
}

type Message struct {
	ID       string
	ThreadID string
	LabelIDs []string
	Snippet  string
	// InternalDate is milliseconds since epoch as reported by the provider.
	InternalDate int64
	Payload      *Part
}

// Header returns the first top-level header named name, case-insensitively.
func (m Message) Header(name string) string {
	if m.Payload == nil {
		return ""
	}
	for _, h := range m.Payload.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}
