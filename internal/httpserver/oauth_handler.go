package httpserver

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mailsync/internal/token"
	"mailsync/pkg/logger"
	"mailsync/pkg/rbac"
	"mailsync/pkg/util"
)

const (
	stateTTL = 10 * time.Minute
	// state subject of a consent that signs in rather than links
	signInSubject = "sign-in"
)

type MailboxAuthorizer interface {
	AuthCodeURL(state string) string
	Authorize(ctx context.Context, ownerID, code string) (*token.Authorization, error)
}

// OAuthHandler connects mailboxes through the provider's consent screen. The
// state parameter is a short-lived JWT naming the owner to link to.
type OAuthHandler struct {
	auth      MailboxAuthorizer
	jwtSecret string
	tokenTTL  time.Duration
	logger    *zap.Logger
}

func NewOAuthHandler(auth MailboxAuthorizer, jwtSecret string, tokenTTL time.Duration, logger *zap.Logger) *OAuthHandler {
	return &OAuthHandler{auth: auth, jwtSecret: jwtSecret, tokenTTL: tokenTTL, logger: logger}
}

// Start sends a new user to the consent screen.
// GET /oauth/start
func (h *OAuthHandler) Start(c *gin.Context) {
	url, err := h.consentURL(signInSubject)
	if err != nil {
		h.logger.Error("Failed to sign oauth state", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to start authorization"})
		return
	}
	c.Redirect(http.StatusFound, url)
}

// LinkAccount returns the consent URL that attaches another mailbox to the
// caller.
// GET /api/accounts/link
func (h *OAuthHandler) LinkAccount(c *gin.Context) {
	url, err := h.consentURL(c.GetString(ctxOwnerID))
	if err != nil {
		h.logger.Error("Failed to sign oauth state", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to start authorization"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": url})
}

func (h *OAuthHandler) consentURL(subject string) (string, error) {
	state, err := util.GenerateJWT(subject, rbac.RoleOAuthState, h.jwtSecret, stateTTL)
	if err != nil {
		return "", err
	}
	return h.auth.AuthCodeURL(state), nil
}

// Callback completes the consent. A sign-in also returns an API token.
// GET /oauth/callback?code=xxx&state=yyy
func (h *OAuthHandler) Callback(c *gin.Context) {
	if denied := c.Query("error"); denied != "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "authorization denied", "details": denied})
		return
	}
	claims, err := util.ParseJWT(c.Query("state"), h.jwtSecret)
	if err != nil || claims.Role != rbac.RoleOAuthState {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid state"})
		return
	}
	code := c.Query("code")
	if code == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "code is required"})
		return
	}

	ownerID := claims.Subject
	if ownerID == signInSubject {
		ownerID = ""
	}

	log := logger.WithTrace(c.Request.Context(), h.logger)
	res, err := h.auth.Authorize(c.Request.Context(), ownerID, code)
	switch {
	case errors.Is(err, token.ErrExchangeFailed):
		log.Warn("Authorization code rejected", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "authorization code rejected"})
		return
	case err != nil:
		log.Error("Authorization failed", zap.String("owner_id", ownerID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to connect mailbox"})
		return
	}

	body := gin.H{
		"owner_id":   res.Owner.ID,
		"account_id": res.Account.ID,
		"address":    res.Account.Address,
		"primary":    res.Account.Primary,
		"status":     res.Account.Status,
	}
	if res.SignIn {
		apiToken, err := util.GenerateJWT(res.Owner.ID, rbac.RoleUser, h.jwtSecret, h.tokenTTL)
		if err != nil {
			log.Error("Failed to issue API token", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to issue token"})
			return
		}
		body["token"] = apiToken
	}
	c.JSON(http.StatusOK, body)
}
