package httpserver

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mailsync/internal/actions"
	"mailsync/internal/model"
	"mailsync/internal/scheduler"
	"mailsync/internal/unsubscribe"
	"mailsync/pkg/logger"
	"mailsync/pkg/outbox"
)

type OwnerTrigger interface {
	TriggerOwner(ctx context.Context, ownerID string) (scheduler.CycleReport, error)
}

type AccountLister interface {
	ListByOwner(ctx context.Context, ownerID string) ([]model.Account, error)
}

type ItemDeleter interface {
	Delete(ctx context.Context, ownerID string, ids []string) (actions.DeleteReport, error)
}

type Unsubscriber interface {
	Unsubscribe(ctx context.Context, ownerID string, ids []string) (unsubscribe.Report, error)
}

type Replayer interface {
	ReplayEvent(ctx context.Context, eventID int64) error
	ReplayFailedEvents(ctx context.Context, limit int) (int, error)
}

// Debouncer is satisfied by util.Deduper.
type Debouncer interface {
	AcquireOnce(ctx context.Context, scope, key string) bool
}

type Handler struct {
	trigger     OwnerTrigger
	accounts    AccountLister
	deleter     ItemDeleter
	unsubscribe Unsubscriber
	replay      Replayer
	debounce    Debouncer
	logger      *zap.Logger
	// background runs work that outlives the request.
	background func(fn func())
}

func NewHandler(
	trigger OwnerTrigger,
	accounts AccountLister,
	deleter ItemDeleter,
	unsub Unsubscriber,
	replay Replayer,
	debounce Debouncer,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		trigger:     trigger,
		accounts:    accounts,
		deleter:     deleter,
		unsubscribe: unsub,
		replay:      replay,
		debounce:    debounce,
		logger:      logger,
		background:  func(fn func()) { go fn() },
	}
}

type itemsRequest struct {
	ItemIDs []string `json:"item_ids" binding:"required,min=1"`
}

// TriggerSync runs the caller's accounts now.
// POST /api/sync/trigger
func (h *Handler) TriggerSync(c *gin.Context) {
	ownerID := c.GetString(ctxOwnerID)
	if h.debounce != nil && !h.debounce.AcquireOnce(c.Request.Context(), "sync_trigger", ownerID) {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "sync recently triggered"})
		return
	}
	h.runTrigger(c, ownerID)
}

// TriggerOwner is the admin variant; it is not debounced.
// POST /api/admin/sync/trigger/:ownerID
func (h *Handler) TriggerOwner(c *gin.Context) {
	h.runTrigger(c, c.Param("ownerID"))
}

func (h *Handler) runTrigger(c *gin.Context, ownerID string) {
	report, err := h.trigger.TriggerOwner(c.Request.Context(), ownerID)
	body := cycleJSON(report)

	switch {
	case err == nil:
		c.JSON(http.StatusOK, body)
	case errors.Is(err, scheduler.ErrOwnerNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "owner not found"})
	case errors.Is(err, scheduler.ErrStopped):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "node is shutting down"})
	default:
		logger.WithTrace(c.Request.Context(), h.logger).Warn("Triggered sync incomplete",
			zap.String("owner_id", ownerID),
			zap.Error(err),
		)
		body["error"] = err.Error()
		c.JSON(http.StatusBadGateway, body)
	}
}

// ListAccounts exposes account status so EXPIRED and ERROR are visible.
// GET /api/accounts
func (h *Handler) ListAccounts(c *gin.Context) {
	accounts, err := h.accounts.ListByOwner(c.Request.Context(), c.GetString(ctxOwnerID))
	if err != nil {
		h.logger.Error("Failed to list accounts", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list accounts"})
		return
	}

	out := make([]gin.H, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, gin.H{
			"id":      a.ID,
			"address": a.Address,
			"primary": a.Primary,
			"status":  a.Status,
			"cursor":  a.Cursor,
		})
	}
	c.JSON(http.StatusOK, gin.H{"accounts": out})
}

// DeleteItems deletes from the provider first, then locally.
// POST /api/items/delete
func (h *Handler) DeleteItems(c *gin.Context) {
	var req itemsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "item_ids is required"})
		return
	}

	report, err := h.deleter.Delete(c.Request.Context(), c.GetString(ctxOwnerID), req.ItemIDs)
	if err != nil {
		h.logger.Error("Bulk delete failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete items"})
		return
	}
	c.JSON(http.StatusOK, report)
}

// UnsubscribeItems accepts the request and runs the browser work in the
// background; progress is visible through each item's unsubscribe status.
// POST /api/items/unsubscribe
func (h *Handler) UnsubscribeItems(c *gin.Context) {
	var req itemsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "item_ids is required"})
		return
	}

	ownerID := c.GetString(ctxOwnerID)
	ctx := context.WithoutCancel(c.Request.Context())
	h.background(func() {
		if _, err := h.unsubscribe.Unsubscribe(ctx, ownerID, req.ItemIDs); err != nil {
			logger.WithTrace(ctx, h.logger).Error("Unsubscribe run failed",
				zap.String("owner_id", ownerID),
				zap.Error(err),
			)
		}
	})

	c.JSON(http.StatusAccepted, gin.H{"status": "processing", "count": len(req.ItemIDs)})
}

// ReplayOutbox replays one event when id is given, otherwise up to limit
// failed events.
// POST /api/admin/outbox/replay?id=xxx
// POST /api/admin/outbox/replay?limit=100
func (h *Handler) ReplayOutbox(c *gin.Context) {
	if h.replay == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "message broker disabled"})
		return
	}
	if idStr := c.Query("id"); idStr != "" {
		eventID, err := strconv.ParseInt(idStr, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id parameter"})
			return
		}
		err = h.replay.ReplayEvent(c.Request.Context(), eventID)
		switch {
		case errors.Is(err, outbox.ErrEventNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "event not found"})
		case err != nil:
			h.logger.Error("Failed to replay event", zap.Int64("event_id", eventID), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to replay event", "details": err.Error()})
		default:
			c.JSON(http.StatusOK, gin.H{"status": "replayed", "event_id": eventID})
		}
		return
	}

	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit <= 0 {
		limit = 100
	}
	n, err := h.replay.ReplayFailedEvents(c.Request.Context(), limit)
	if err != nil {
		h.logger.Error("Failed to replay failed events", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to replay failed events", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "completed", "success_count": n, "limit": limit})
}

func cycleJSON(r scheduler.CycleReport) gin.H {
	accounts := make([]gin.H, 0, len(r.Accounts))
	for _, a := range r.Accounts {
		entry := gin.H{
			"account_id": a.AccountID,
			"state":      a.State,
			"outcome":    a.Outcome,
			"processed":  a.Result.Processed,
		}
		if a.Err != nil {
			entry["error"] = a.Err.Error()
		}
		accounts = append(accounts, entry)
	}
	return gin.H{
		"cycle_id":    r.CycleID,
		"dispatched":  r.Dispatched,
		"failed":      r.Failed(),
		"timed_out":   r.TimedOut,
		"duration_ms": r.Duration.Milliseconds(),
		"accounts":    accounts,
	}
}
