package httpserver

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mailsync/internal/engine"
	"mailsync/internal/guard"
	"mailsync/internal/outbox"
	"mailsync/internal/service/actions"
	"mailsync/internal/store"
	"mailsync/pkg/logger"
)

// statusFor maps domain errors to HTTP status codes. Anything unrecognised
// from a sync pass is a remote failure.
func statusFor(err error, fallback int) int {
	switch {
	case errors.Is(err, guard.ErrDebounced):
		return http.StatusTooManyRequests
	case errors.Is(err, guard.ErrBusy),
		errors.Is(err, outbox.ErrNotStuck),
		errors.Is(err, actions.ErrNothingToUndo),
		errors.Is(err, actions.ErrNotSnoozed):
		return http.StatusConflict
	case errors.Is(err, engine.ErrOffline):
		return http.StatusServiceUnavailable
	case errors.Is(err, actions.ErrThreadNotFound), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, actions.ErrInvalidRequest), errors.Is(err, engine.ErrUnknownKind):
		return http.StatusBadRequest
	default:
		return fallback
	}
}

func writeError(c *gin.Context, log *zap.Logger, err error, fallback int) {
	status := statusFor(err, fallback)
	if status >= 500 {
		logger.WithTrace(c.Request.Context(), log).Error("Request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err),
		)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
