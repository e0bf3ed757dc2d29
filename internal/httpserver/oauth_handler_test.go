package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mailsync/internal/model"
	"mailsync/internal/token"
	"mailsync/pkg/rbac"
	"mailsync/pkg/util"
)

type fakeAuthorizer struct {
	err    error
	owners []string
	codes  []string
}

func (f *fakeAuthorizer) AuthCodeURL(state string) string {
	return "https://accounts.example.com/auth?state=" + url.QueryEscape(state)
}

func (f *fakeAuthorizer) Authorize(_ context.Context, ownerID, code string) (*token.Authorization, error) {
	f.owners = append(f.owners, ownerID)
	f.codes = append(f.codes, code)
	if f.err != nil {
		return nil, f.err
	}
	res := &token.Authorization{
		Owner:   &model.Owner{ID: ownerID},
		Account: &model.Account{ID: "acc-1", Address: "me@example.com", Primary: true, Status: model.AccountActive},
	}
	if ownerID == "" {
		res.Owner.ID, res.SignIn = "owner-new", true
	}
	return res, nil
}

func newOAuthFixture() (*fakeAuthorizer, *Router) {
	gin.SetMode(gin.TestMode)
	auth := &fakeAuthorizer{}
	h := NewHandler(&fakeTrigger{}, fakeAccounts{}, &fakeDeleter{}, &fakeUnsub{}, nil, nil, zap.NewNop())
	oauth := NewOAuthHandler(auth, testSecret, time.Hour, zap.NewNop())
	return auth, NewRouter("127.0.0.1:0", h, oauth, testSecret, zap.NewNop())
}

func serve(r *Router, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.Engine.ServeHTTP(w, req)
	return w
}

// stateFrom pulls the signed state out of a consent URL.
func stateFrom(t *testing.T, consent string) string {
	t.Helper()
	u, err := url.Parse(consent)
	if err != nil {
		t.Fatalf("parse %q: %v", consent, err)
	}
	return u.Query().Get("state")
}

func callback(code, state string) *http.Request {
	q := url.Values{}
	if code != "" {
		q.Set("code", code)
	}
	q.Set("state", state)
	return httptest.NewRequest(http.MethodGet, "/oauth/callback?"+q.Encode(), nil)
}

func TestOAuthSignInIssuesToken(t *testing.T) {
	auth, r := newOAuthFixture()

	w := serve(r, httptest.NewRequest(http.MethodGet, "/oauth/start", nil))
	if w.Code != http.StatusFound {
		t.Fatalf("start status = %d", w.Code)
	}
	state := stateFrom(t, w.Header().Get("Location"))

	w = serve(r, callback("code-1", state))
	if w.Code != http.StatusOK {
		t.Fatalf("callback status = %d body = %s", w.Code, w.Body)
	}
	if len(auth.owners) != 1 || auth.owners[0] != "" || auth.codes[0] != "code-1" {
		t.Fatalf("authorize calls = %v %v", auth.owners, auth.codes)
	}

	var body struct {
		OwnerID   string `json:"owner_id"`
		AccountID string `json:"account_id"`
		Primary   bool   `json:"primary"`
		Token     string `json:"token"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.OwnerID != "owner-new" || body.AccountID != "acc-1" || !body.Primary {
		t.Fatalf("body = %s", w.Body)
	}
	claims, err := util.ParseJWT(body.Token, testSecret)
	if err != nil || claims.Subject != "owner-new" || claims.Role != rbac.RoleUser {
		t.Fatalf("issued token claims = %+v, %v", claims, err)
	}
}

func TestOAuthLinkAttachesToCaller(t *testing.T) {
	auth, r := newOAuthFixture()

	req := httptest.NewRequest(http.MethodGet, "/api/accounts/link", nil)
	tok, _ := util.GenerateJWT("owner-1", rbac.RoleUser, testSecret, time.Minute)
	req.Header.Set("Authorization", "Bearer "+tok)
	w := serve(r, req)
	if w.Code != http.StatusOK {
		t.Fatalf("link status = %d", w.Code)
	}
	var link struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &link); err != nil {
		t.Fatalf("decode: %v", err)
	}

	w = serve(r, callback("code-2", stateFrom(t, link.URL)))
	if w.Code != http.StatusOK {
		t.Fatalf("callback status = %d body = %s", w.Code, w.Body)
	}
	if auth.owners[0] != "owner-1" {
		t.Fatalf("linked to %q", auth.owners[0])
	}
	var body map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &body)
	if _, ok := body["token"]; ok {
		t.Fatalf("link must not issue an API token: %s", w.Body)
	}
}

func TestOAuthCallbackRejections(t *testing.T) {
	apiToken, _ := util.GenerateJWT("owner-1", rbac.RoleUser, testSecret, time.Minute)
	expired, _ := util.GenerateJWT(signInSubject, rbac.RoleOAuthState, testSecret, -time.Minute)
	valid, _ := util.GenerateJWT(signInSubject, rbac.RoleOAuthState, testSecret, time.Minute)

	tests := []struct {
		name  string
		req   *http.Request
		err   error
		want  int
		calls int
	}{
		{"denied", httptest.NewRequest(http.MethodGet, "/oauth/callback?error=access_denied", nil), nil, http.StatusBadRequest, 0},
		{"api token as state", callback("c", apiToken), nil, http.StatusBadRequest, 0},
		{"expired state", callback("c", expired), nil, http.StatusBadRequest, 0},
		{"missing code", callback("", valid), nil, http.StatusBadRequest, 0},
		{"rejected code", callback("c", valid), fmt.Errorf("%w: invalid_grant", token.ErrExchangeFailed), http.StatusBadRequest, 1},
		{"store failure", callback("c", valid), errors.New("db down"), http.StatusInternalServerError, 1},
	}
	for _, tt := range tests {
		auth, r := newOAuthFixture()
		auth.err = tt.err
		if w := serve(r, tt.req); w.Code != tt.want {
			t.Fatalf("%s: status = %d, want %d", tt.name, w.Code, tt.want)
		}
		if len(auth.codes) != tt.calls {
			t.Fatalf("%s: authorize calls = %d, want %d", tt.name, len(auth.codes), tt.calls)
		}
	}
}

func TestOAuthStateCannotCallAPI(t *testing.T) {
	_, r := newOAuthFixture()
	state, _ := util.GenerateJWT("owner-1", rbac.RoleOAuthState, testSecret, time.Minute)

	req := httptest.NewRequest(http.MethodGet, "/api/accounts", nil)
	req.Header.Set("Authorization", "Bearer "+state)
	if w := serve(r, req); w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", w.Code)
	}
}
