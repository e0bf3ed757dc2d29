package token

import (
	"context"
	"fmt"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"mailsync/pkg/config"
)

// newOAuth2Config defaults to Google's endpoints for any URL left empty.
func newOAuth2Config(cfg config.OAuthConfig) *oauth2.Config {
	endpoint := google.Endpoint
	if cfg.AuthURL != "" {
		endpoint.AuthURL = cfg.AuthURL
	}
	if cfg.TokenURL != "" {
		endpoint.TokenURL = cfg.TokenURL
		endpoint.AuthStyle = oauth2.AuthStyleInParams
	}
	return &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint:     endpoint,
		RedirectURL:  cfg.RedirectURL,
		Scopes:       cfg.Scopes,
	}
}

// OAuth2Refresher refreshes against the provider's token endpoint.
type OAuth2Refresher struct {
	cfg *oauth2.Config
}

func NewOAuth2Refresher(cfg config.OAuthConfig) *OAuth2Refresher {
	return &OAuth2Refresher{cfg: newOAuth2Config(cfg)}
}

// Refresh runs the refresh_token grant. The returned token keeps the old
// refresh token when the provider did not rotate it.
func (r *OAuth2Refresher) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	tok, err := r.cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, fmt.Errorf("oauth2 refresh: %w", err)
	}
	return tok, nil
}
