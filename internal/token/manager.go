package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"mailsync/internal/model"
	"mailsync/pkg/metrics"
)

var (
	// ErrReauthRequired means the account has no refresh token. The owner
	// must authorize again; retrying is pointless.
	ErrReauthRequired = errors.New("token: re-authorization required")
	// ErrRefreshFailed means the provider rejected or failed the refresh.
	ErrRefreshFailed = errors.New("token: refresh failed")
)

const (
	triggerProactive    = "proactive"
	triggerUnauthorized = "unauthorized"

	// used when the provider omits expires_in
	defaultTokenLifetime = time.Hour
	// bounds a refresh flight, which no longer follows any caller's ctx
	refreshTimeout = 30 * time.Second
)

// AccountStore is the account persistence the manager needs.
type AccountStore interface {
	Get(ctx context.Context, accountID string) (*model.Account, error)
	// SaveCredential stores cred and marks the account ACTIVE.
	SaveCredential(ctx context.Context, accountID string, cred model.Credential) error
	UpdateStatus(ctx context.Context, accountID string, status model.AccountStatus) error
}

// Refresher exchanges a refresh token for a new access token.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error)
}

// Manager keeps account access tokens valid.
type Manager struct {
	accounts  AccountStore
	refresher Refresher
	lookahead time.Duration
	now       func() time.Time
	flights   singleflight.Group
	logger    *zap.Logger
}

func NewManager(accounts AccountStore, refresher Refresher, lookahead time.Duration, logger *zap.Logger) *Manager {
	return &Manager{
		accounts:  accounts,
		refresher: refresher,
		lookahead: lookahead,
		now:       time.Now,
		logger:    logger,
	}
}

// EnsureValid returns a usable access token, refreshing first when the stored
// one is missing an expiry or expires within the lookahead window.
func (m *Manager) EnsureValid(ctx context.Context, accountID string) (string, error) {
	acc, err := m.accounts.Get(ctx, accountID)
	if err != nil {
		return "", fmt.Errorf("load account %s: %w", accountID, err)
	}
	if !m.expiring(acc.Credential) {
		return acc.Credential.AccessToken, nil
	}
	return m.refresh(ctx, accountID, triggerProactive)
}

// RefreshOnUnauthorized refreshes regardless of the stored expiry. Callers use
// it once after the provider answered 401.
func (m *Manager) RefreshOnUnauthorized(ctx context.Context, accountID string) (string, error) {
	return m.refresh(ctx, accountID, triggerUnauthorized)
}

func (m *Manager) expiring(cred model.Credential) bool {
	if cred.Expiry == nil || cred.Expiry.IsZero() {
		return true
	}
	return !cred.Expiry.After(m.now().Add(m.lookahead))
}

// refresh collapses concurrent refreshes of one account into a single
// provider call. Callers that join an in-flight refresh share its result, so
// the flight runs detached from the caller that happened to start it.
func (m *Manager) refresh(ctx context.Context, accountID, trigger string) (string, error) {
	v, err, shared := m.flights.Do(accountID, func() (interface{}, error) {
		flightCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()
		return m.doRefresh(flightCtx, accountID, trigger)
	})
	if shared {
		m.logger.Debug("Joined in-flight token refresh", zap.String("account_id", accountID))
	}
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (m *Manager) doRefresh(ctx context.Context, accountID, trigger string) (string, error) {
	acc, err := m.accounts.Get(ctx, accountID)
	if err != nil {
		return "", fmt.Errorf("load account %s: %w", accountID, err)
	}

	// a refresh that finished just before this flight started already fixed it
	if trigger == triggerProactive && !m.expiring(acc.Credential) {
		return acc.Credential.AccessToken, nil
	}

	log := m.logger.With(
		zap.String("account_id", accountID),
		zap.String("address", acc.Address),
		zap.String("trigger", trigger),
	)

	if acc.Credential.RefreshToken == "" {
		log.Warn("No refresh token, marking account expired")
		m.markStatus(ctx, acc.ID, model.AccountExpired, log)
		metrics.IncrementTokenRefresh(trigger, "reauth_required")
		return "", fmt.Errorf("%w: account %s", ErrReauthRequired, acc.Address)
	}

	tok, err := m.refresher.Refresh(ctx, acc.Credential.RefreshToken)
	if err != nil {
		log.Error("Token refresh failed, marking account error", zap.Error(err))
		m.markStatus(ctx, acc.ID, model.AccountError, log)
		metrics.IncrementTokenRefresh(trigger, "failed")
		return "", fmt.Errorf("%w: account %s: %w", ErrRefreshFailed, acc.Address, err)
	}

	cred := acc.Credential
	cred.AccessToken = tok.AccessToken
	expiry := tok.Expiry
	if expiry.IsZero() {
		expiry = m.now().Add(defaultTokenLifetime)
	}
	cred.Expiry = &expiry
	if tok.RefreshToken != "" {
		cred.RefreshToken = tok.RefreshToken
	}

	if err := m.accounts.SaveCredential(ctx, acc.ID, cred); err != nil {
		metrics.IncrementTokenRefresh(trigger, "persist_failed")
		return "", fmt.Errorf("persist refreshed token for %s: %w", acc.Address, err)
	}
	metrics.IncrementTokenRefresh(trigger, "success")
	log.Info("Access token refreshed", zap.Time("expiry", expiry))

	fresh, err := m.accounts.Get(ctx, accountID)
	if err != nil {
		return "", fmt.Errorf("reload account %s: %w", accountID, err)
	}
	return fresh.Credential.AccessToken, nil
}

func (m *Manager) markStatus(ctx context.Context, accountID string, status model.AccountStatus, log *zap.Logger) {
	if err := m.accounts.UpdateStatus(ctx, accountID, status); err != nil {
		log.Error("Failed to update account status",
			zap.String("status", string(status)),
			zap.Error(err),
		)
	}
}
