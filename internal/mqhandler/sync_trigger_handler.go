package mqhandler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	contractmq "mailsync/contracts/mq"
	"mailsync/internal/engine"
	"mailsync/internal/guard"
	"mailsync/pkg/logger"
	"mailsync/pkg/mq"
	"mailsync/pkg/trace"
	"mailsync/pkg/util"
)

const handlerName = "sync_trigger"

// Triggerer runs a sync pass on request.
type Triggerer interface {
	Trigger(ctx context.Context, kind, reason string) (*engine.RunResult, error)
}

// RetryTracker counts redeliveries; util.RetryCounter is the Redis implementation.
type RetryTracker interface {
	IncrementAndGet(ctx context.Context, key string) (int64, error)
	Reset(ctx context.Context, key string) error
}

type SyncTriggerHandler struct {
	engine     Triggerer
	retries    RetryTracker
	maxRetries int64
	logger     *zap.Logger
}

// NewSyncTriggerHandler 创建同步触发处理器；retries 为 nil 时失败直接进入 DLQ
func NewSyncTriggerHandler(e Triggerer, retries RetryTracker, maxRetries int, logger *zap.Logger) *SyncTriggerHandler {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &SyncTriggerHandler{engine: e, retries: retries, maxRetries: int64(maxRetries), logger: logger}
}

// Handle processes a SyncTriggerPayload. Skipped passes (debounced, busy,
// offline) are acknowledged since a later tick covers them.
func (h *SyncTriggerHandler) Handle(ctx context.Context, raw json.RawMessage) error {
	var p contractmq.SyncTriggerPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		h.logger.Error("Failed to unmarshal sync trigger payload", zap.Error(err))
		return fmt.Errorf("%w: %v", mq.ErrPermanent, err)
	}
	if p.TraceID != "" {
		ctx = trace.WithContext(ctx, p.TraceID)
	}
	if p.Kind == "" {
		p.Kind = engine.KindIncremental
	}
	log := logger.WithTrace(ctx, h.logger).With(
		zap.String("trigger_id", p.TriggerID),
		zap.String("kind", p.Kind),
		zap.String("reason", p.Reason),
	)

	_, err := h.engine.Trigger(ctx, p.Kind, p.Reason)
	key := util.FormatRetryKey(handlerName, p.TriggerID)
	switch {
	case err == nil:
		log.Info("Triggered sync completed")
		h.reset(ctx, key)
		return nil
	case errors.Is(err, engine.ErrUnknownKind):
		log.Warn("Unknown sync kind", zap.Error(err))
		return fmt.Errorf("%w: %v", mq.ErrPermanent, err)
	case errors.Is(err, guard.ErrDebounced), errors.Is(err, guard.ErrBusy), errors.Is(err, engine.ErrOffline):
		log.Debug("Triggered sync skipped", zap.Error(err))
		return nil
	}

	if h.retries == nil || p.TriggerID == "" {
		log.Error("Triggered sync failed", zap.Error(err))
		return fmt.Errorf("%w: %v", mq.ErrPermanent, err)
	}
	count, cerr := h.retries.IncrementAndGet(ctx, key)
	if cerr != nil {
		// 计数失败时保守地重新投递
		log.Warn("Retry counter unavailable", zap.Error(cerr))
		return err
	}
	if count >= h.maxRetries {
		log.Error("Triggered sync failed, giving up",
			zap.Int64("attempts", count),
			zap.Error(err),
		)
		h.reset(ctx, key)
		return fmt.Errorf("%w: after %d attempts: %v", mq.ErrPermanent, count, err)
	}
	log.Warn("Triggered sync failed, will retry", zap.Int64("attempts", count), zap.Error(err))
	return err
}

func (h *SyncTriggerHandler) reset(ctx context.Context, key string) {
	if h.retries == nil {
		return
	}
	if err := h.retries.Reset(ctx, key); err != nil {
		h.logger.Debug("Failed to reset retry counter", zap.String("key", key), zap.Error(err))
	}
}
