package httpserver

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"mailsync/pkg/otel"
	"mailsync/pkg/rbac"
)

type Router struct {
	Engine *gin.Engine
	server *http.Server
	logger *zap.Logger
}

// NewRouter builds the engine and its server up front so Shutdown never races
// Run. oauth may be nil when no OAuth client is configured.
func NewRouter(addr string, h *Handler, oauth *OAuthHandler, jwtSecret string, logger *zap.Logger) *Router {
	r := gin.New()
	r.Use(gin.Recovery(), otel.GinMiddleware(), TraceMiddleware(), MetricsMiddleware())

	// Public
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	if oauth != nil {
		r.GET("/oauth/start", oauth.Start)
		r.GET("/oauth/callback", oauth.Callback)
	}

	// Protected
	api := r.Group("/api")
	api.Use(AuthMiddleware(jwtSecret))
	{
		api.POST("/sync/trigger", RequirePermission(rbac.PermissionTriggerOwnSync), h.TriggerSync)
		api.GET("/accounts", RequirePermission(rbac.PermissionReadAccounts), h.ListAccounts)
		if oauth != nil {
			api.GET("/accounts/link", RequirePermission(rbac.PermissionLinkAccounts), oauth.LinkAccount)
		}
		api.POST("/items/delete", RequirePermission(rbac.PermissionDeleteItems), h.DeleteItems)
		api.POST("/items/unsubscribe", RequirePermission(rbac.PermissionUnsubscribeItems), h.UnsubscribeItems)
	}

	admin := api.Group("/admin")
	{
		admin.POST("/sync/trigger/:ownerID", RequirePermission(rbac.PermissionTriggerAnySync), h.TriggerOwner)
		admin.POST("/outbox/replay", RequirePermission(rbac.PermissionReplayOutbox), h.ReplayOutbox)
	}

	return &Router{
		Engine: r,
		server: &http.Server{
			Addr:              addr,
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// Run blocks until the listener fails or Shutdown is called. After Shutdown
// it returns nil without listening.
func (r *Router) Run() error {
	r.logger.Info("HTTP server listening", zap.String("addr", r.server.Addr))
	if err := r.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (r *Router) Shutdown(ctx context.Context) error {
	return r.server.Shutdown(ctx)
}
