package token

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"mailsync/pkg/config"
)

func TestOAuth2RefresherUsesRefreshGrant(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm: %v", err)
		}
		if got := r.PostForm.Get("grant_type"); got != "refresh_token" {
			t.Errorf("grant_type = %q", got)
		}
		if got := r.PostForm.Get("refresh_token"); got != "r-123" {
			t.Errorf("refresh_token = %q", got)
		}
		if got := r.PostForm.Get("client_id"); got != "client" {
			t.Errorf("client_id = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"new-access","token_type":"Bearer","expires_in":3600}`))
	}))
	defer srv.Close()

	r := NewOAuth2Refresher(config.OAuthConfig{ClientID: "client", ClientSecret: "secret", TokenURL: srv.URL})
	tok, err := r.Refresh(context.Background(), "r-123")
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if tok.AccessToken != "new-access" {
		t.Fatalf("access token = %q", tok.AccessToken)
	}
	if tok.RefreshToken != "r-123" {
		t.Fatalf("refresh token = %q, want original kept", tok.RefreshToken)
	}
	if tok.Expiry.IsZero() {
		t.Fatalf("expiry not set")
	}
}

func TestOAuth2RefresherSurfacesProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
	}))
	defer srv.Close()

	r := NewOAuth2Refresher(config.OAuthConfig{ClientID: "client", TokenURL: srv.URL})
	if _, err := r.Refresh(context.Background(), "revoked"); err == nil {
		t.Fatalf("expected error")
	}
}
