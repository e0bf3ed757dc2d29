package mailbox

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const (
	fullResyncQuery  = "is:unread -in:archive"
	historyPageSize  = 500
	defaultResyncCap = 50
	inboxLabel       = "INBOX"
)

// GmailClient implements Client on the Gmail REST API. A service is built
// per call from the caller's access token.
type GmailClient struct {
	endpoint        string
	fullResyncLimit int64
	logger          *zap.Logger
}

// NewGmailClient targets endpoint when set (tests, proxies), otherwise the
// public API. fullResyncLimit caps how many unread inbox messages an empty
// cursor pulls in.
func NewGmailClient(endpoint string, fullResyncLimit int64, logger *zap.Logger) *GmailClient {
	if fullResyncLimit <= 0 {
		fullResyncLimit = defaultResyncCap
	}
	return &GmailClient{
		endpoint:        endpoint,
		fullResyncLimit: fullResyncLimit,
		logger:          logger,
	}
}

func (g *GmailClient) service(ctx context.Context, accessToken string) (*gmail.Service, error) {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"})
	opts := []option.ClientOption{option.WithHTTPClient(oauth2.NewClient(ctx, ts))}
	if g.endpoint != "" {
		opts = append(opts, option.WithEndpoint(g.endpoint))
	}
	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("gmail service: %w", err)
	}
	return svc, nil
}

func (g *GmailClient) FetchChanges(ctx context.Context, accessToken, mailboxID, cursor string) ([]Message, error) {
	svc, err := g.service(ctx, accessToken)
	if err != nil {
		return nil, err
	}
	if cursor == "" {
		return g.fullResync(ctx, svc, mailboxID)
	}

	start, err := strconv.ParseUint(cursor, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: unparsable history id %q", ErrCursorInvalid, cursor)
	}

	var ids []string
	seen := make(map[string]struct{})
	pageToken := ""
	for {
		call := svc.Users.History.List(mailboxID).
			StartHistoryId(start).
			HistoryTypes("messageAdded").
			MaxResults(historyPageSize).
			Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		resp, err := call.Do()
		if err != nil {
			return nil, mapError(err, true)
		}
		for _, h := range resp.History {
			for _, added := range h.MessagesAdded {
				if added.Message == nil {
					continue
				}
				if _, dup := seen[added.Message.Id]; dup {
					continue
				}
				seen[added.Message.Id] = struct{}{}
				ids = append(ids, added.Message.Id)
			}
		}
		if resp.NextPageToken == "" {
			break
		}
		pageToken = resp.NextPageToken
	}

	return g.getMessages(ctx, svc, mailboxID, ids)
}

func (g *GmailClient) fullResync(ctx context.Context, svc *gmail.Service, mailboxID string) ([]Message, error) {
	resp, err := svc.Users.Messages.List(mailboxID).
		Q(fullResyncQuery).
		MaxResults(g.fullResyncLimit).
		Context(ctx).
		Do()
	if err != nil {
		return nil, mapError(err, false)
	}

	ids := make([]string, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		ids = append(ids, m.Id)
	}
	g.logger.Info("Full resync listing",
		zap.String("mailbox", mailboxID),
		zap.Int("count", len(ids)),
	)
	return g.getMessages(ctx, svc, mailboxID, ids)
}

func (g *GmailClient) getMessages(ctx context.Context, svc *gmail.Service, mailboxID string, ids []string) ([]Message, error) {
	out := make([]Message, 0, len(ids))
	for _, id := range ids {
		m, err := svc.Users.Messages.Get(mailboxID, id).Format("full").Context(ctx).Do()
		if err != nil {
			if isStatus(err, http.StatusNotFound) {
				// deleted between listing and fetch
				g.logger.Debug("Message vanished before fetch", zap.String("message_id", id))
				continue
			}
			return nil, mapError(err, false)
		}
		out = append(out, convertMessage(m))
	}
	return out, nil
}

func (g *GmailClient) CurrentCursor(ctx context.Context, accessToken, mailboxID string) (string, error) {
	svc, err := g.service(ctx, accessToken)
	if err != nil {
		return "", err
	}
	profile, err := svc.Users.GetProfile(mailboxID).Context(ctx).Do()
	if err != nil {
		return "", mapError(err, false)
	}
	if profile.HistoryId == 0 {
		return "", errors.New("gmail profile has no history id")
	}
	return strconv.FormatUint(profile.HistoryId, 10), nil
}

// Address returns the mailbox address the access token was granted for.
func (g *GmailClient) Address(ctx context.Context, accessToken string) (string, error) {
	svc, err := g.service(ctx, accessToken)
	if err != nil {
		return "", err
	}
	profile, err := svc.Users.GetProfile("me").Context(ctx).Do()
	if err != nil {
		return "", mapError(err, false)
	}
	if profile.EmailAddress == "" {
		return "", errors.New("gmail profile has no email address")
	}
	return profile.EmailAddress, nil
}

func (g *GmailClient) ExtractContent(msg Message) (string, error) {
	return ExtractContent(msg)
}

// Archive removes the INBOX label.
func (g *GmailClient) Archive(ctx context.Context, accessToken, mailboxID, itemID string) error {
	svc, err := g.service(ctx, accessToken)
	if err != nil {
		return err
	}
	req := &gmail.ModifyMessageRequest{RemoveLabelIds: []string{inboxLabel}}
	if _, err := svc.Users.Messages.Modify(mailboxID, itemID, req).Context(ctx).Do(); err != nil {
		return mapError(err, false)
	}
	return nil
}

// Delete moves the message to trash.
func (g *GmailClient) Delete(ctx context.Context, accessToken, mailboxID, itemID string) error {
	svc, err := g.service(ctx, accessToken)
	if err != nil {
		return err
	}
	if _, err := svc.Users.Messages.Trash(mailboxID, itemID).Context(ctx).Do(); err != nil {
		return mapError(err, false)
	}
	return nil
}

// mapError turns provider status codes into the package sentinels. Only the
// history endpoint treats 404 as an invalid cursor.
func mapError(err error, history bool) error {
	switch {
	case isStatus(err, http.StatusUnauthorized):
		return fmt.Errorf("%w: %w", ErrUnauthorized, err)
	case history && isStatus(err, http.StatusNotFound):
		return fmt.Errorf("%w: %w", ErrCursorInvalid, err)
	default:
		return err
	}
}

func isStatus(err error, code int) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == code
}

func convertMessage(m *gmail.Message) Message {
	return Message{
		ID:           m.Id,
		ThreadID:     m.ThreadId,
		LabelIDs:     m.LabelIds,
		Snippet:      m.Snippet,
		InternalDate: m.InternalDate,
		Payload:      convertPart(m.Payload),
	}
}

func convertPart(p *gmail.MessagePart) *Part {
	if p == nil {
		return nil
	}
	out := &Part{MimeType: p.MimeType}
	for _, h := range p.Headers {
		out.Headers = append(out.Headers, Header{Name: h.Name, Value: h.Value})
	}
	if p.Body != nil {
		out.Data = p.Body.Data
	}
	for _, sub := range p.Parts {
		out.Parts = append(out.Parts, convertPart(sub))
	}
	return out
}
