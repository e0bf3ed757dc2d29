package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"mailsync/internal/model"
	"mailsync/pkg/config"
)

// ErrExchangeFailed means the provider rejected the authorization code.
var ErrExchangeFailed = errors.New("authorization code exchange failed")

// AddressResolver reports which mailbox an access token belongs to.
type AddressResolver interface {
	Address(ctx context.Context, accessToken string) (string, error)
}

type OwnerRegistry interface {
	GetOrCreateByEmail(ctx context.Context, email string) (*model.Owner, error)
}

// AuthorizedStore creates or re-activates the account for a fresh grant.
type AuthorizedStore interface {
	UpsertAuthorized(ctx context.Context, ownerID, address string, cred model.Credential) (*model.Account, error)
}

// Authorization is the outcome of a completed consent.
type Authorization struct {
	Owner   *model.Owner
	Account *model.Account
	// SignIn is set when the owner was resolved from the mailbox address
	// rather than supplied by the caller.
	SignIn bool
}

// Authorizer runs the authorization-code grant and stores the resulting
// mailbox. Refreshes afterwards belong to Manager.
type Authorizer struct {
	cfg      *oauth2.Config
	mail     AddressResolver
	owners   OwnerRegistry
	accounts AuthorizedStore
	logger   *zap.Logger
	now      func() time.Time
}

func NewAuthorizer(cfg config.OAuthConfig, mail AddressResolver, owners OwnerRegistry, accounts AuthorizedStore, logger *zap.Logger) *Authorizer {
	return &Authorizer{
		cfg:      newOAuth2Config(cfg),
		mail:     mail,
		owners:   owners,
		accounts: accounts,
		logger:   logger,
		now:      time.Now,
	}
}

// AuthCodeURL asks for offline access and forces the consent screen so the
// provider hands out a refresh token on re-authorization too.
func (a *Authorizer) AuthCodeURL(state string) string {
	return a.cfg.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// Authorize exchanges code and links the mailbox to ownerID. An empty ownerID
// signs in by mailbox address, registering the owner on first sight.
func (a *Authorizer) Authorize(ctx context.Context, ownerID, code string) (*Authorization, error) {
	tok, err := a.cfg.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExchangeFailed, err)
	}

	address, err := a.mail.Address(ctx, tok.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("resolve mailbox address: %w", err)
	}

	res := &Authorization{}
	if ownerID == "" {
		owner, err := a.owners.GetOrCreateByEmail(ctx, address)
		if err != nil {
			return nil, fmt.Errorf("register owner %s: %w", address, err)
		}
		res.Owner, res.SignIn = owner, true
		ownerID = owner.ID
	} else {
		res.Owner = &model.Owner{ID: ownerID}
	}

	expiry := tok.Expiry
	if expiry.IsZero() {
		expiry = a.now().Add(defaultTokenLifetime)
	}
	cred := model.Credential{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       &expiry,
		Scopes:       a.cfg.Scopes,
	}
	acc, err := a.accounts.UpsertAuthorized(ctx, ownerID, address, cred)
	if err != nil {
		return nil, fmt.Errorf("store account %s: %w", address, err)
	}
	res.Account = acc

	a.logger.Info("Mailbox authorized",
		zap.String("owner_id", ownerID),
		zap.String("account_id", acc.ID),
		zap.String("address", acc.Address),
		zap.Bool("primary", acc.Primary),
		zap.Bool("sign_in", res.SignIn),
	)
	return res, nil
}
