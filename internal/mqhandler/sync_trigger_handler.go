package mqhandler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"mailsync/internal/scheduler"
	"mailsync/pkg/logger"
	"mailsync/pkg/util"
)

const RoutingSyncTrigger = "sync.trigger"

type SyncTriggerPayload struct {
	OwnerID string `json:"owner_id"`
}

type OwnerTrigger interface {
	TriggerOwner(ctx context.Context, ownerID string) (scheduler.CycleReport, error)
}

// RetryCounter is satisfied by util.RetryCounter.
type RetryCounter interface {
	IncrementAndGet(ctx context.Context, key string) (int64, error)
	Reset(ctx context.Context, key string) error
}

type SyncTriggerHandler struct {
	trigger    OwnerTrigger
	retries    RetryCounter
	maxRetries int64
	logger     *zap.Logger
}

func NewSyncTriggerHandler(trigger OwnerTrigger, retries RetryCounter, maxRetries int64, logger *zap.Logger) *SyncTriggerHandler {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &SyncTriggerHandler{
		trigger:    trigger,
		retries:    retries,
		maxRetries: maxRetries,
		logger:     logger,
	}
}

// Handle runs one on-demand sync for the owner in the payload. Malformed
// payloads and unknown owners go straight to the DLQ; an incomplete run is
// requeued until it has failed maxRetries times.
func (h *SyncTriggerHandler) Handle(ctx context.Context, raw json.RawMessage) error {
	log := logger.WithTrace(ctx, h.logger)

	var p SyncTriggerPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		log.Error("Failed to unmarshal sync trigger payload", zap.Error(err))
		return util.Permanent(fmt.Errorf("decode payload: %w", err))
	}
	if p.OwnerID == "" {
		return util.Permanent(errors.New("payload has no owner_id"))
	}

	log = log.With(zap.String("owner_id", p.OwnerID))
	retryKey := util.FormatRetryKey(RoutingSyncTrigger, p.OwnerID)

	report, err := h.trigger.TriggerOwner(ctx, p.OwnerID)
	switch {
	case err == nil:
		if h.retries != nil {
			if err := h.retries.Reset(ctx, retryKey); err != nil {
				log.Warn("Failed to reset retry counter", zap.Error(err))
			}
		}
		log.Info("Sync trigger handled",
			zap.String("cycle_id", report.CycleID),
			zap.Int("accounts", report.Dispatched),
		)
		return nil
	case errors.Is(err, scheduler.ErrOwnerNotFound):
		log.Warn("Sync trigger for unknown owner")
		return util.Permanent(err)
	case errors.Is(err, scheduler.ErrStopped):
		// another node picks it up
		return err
	}

	if h.retries == nil {
		return err
	}
	count, cerr := h.retries.IncrementAndGet(ctx, retryKey)
	if cerr != nil {
		log.Warn("Retry counter unavailable", zap.Error(cerr))
		return err
	}
	if count >= h.maxRetries {
		log.Error("Sync trigger exhausted retries",
			zap.Int64("retry", count),
			zap.Error(err),
		)
		_ = h.retries.Reset(ctx, retryKey)
		return util.Permanent(err)
	}
	log.Warn("Sync trigger incomplete, requeueing", zap.Int64("retry", count), zap.Error(err))
	return err
}
