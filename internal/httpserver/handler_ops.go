package httpserver

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mailsync/internal/outbox"
)

type OpsHandler struct {
	replay *outbox.ReplayService
	logger *zap.Logger
}

func NewOpsHandler(replay *outbox.ReplayService, logger *zap.Logger) *OpsHandler {
	return &OpsHandler{replay: replay, logger: logger}
}

// Stuck 列出卡住的操作
// GET /api/ops/stuck?limit=100
func (h *OpsHandler) Stuck(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit <= 0 {
		limit = 100
	}
	ops, err := h.replay.Stuck(c.Request.Context(), limit)
	if err != nil {
		writeError(c, h.logger, err, http.StatusInternalServerError)
		return
	}
	c.JSON(http.StatusOK, gin.H{"operations": ops, "count": len(ops)})
}

// Retry 重置卡住的操作
// POST /api/ops/:id/retry
func (h *OpsHandler) Retry(c *gin.Context) {
	id := c.Param("id")
	op, err := h.replay.Retry(c.Request.Context(), id)
	if err != nil {
		h.logger.Warn("Failed to retry operation", zap.String("op_id", id), zap.Error(err))
		writeError(c, h.logger, err, http.StatusInternalServerError)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "pending", "operation": op})
}

// Dismiss 丢弃卡住的操作
// POST /api/ops/:id/dismiss
func (h *OpsHandler) Dismiss(c *gin.Context) {
	id := c.Param("id")
	if err := h.replay.Dismiss(c.Request.Context(), id); err != nil {
		h.logger.Warn("Failed to dismiss operation", zap.String("op_id", id), zap.Error(err))
		writeError(c, h.logger, err, http.StatusInternalServerError)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "dismissed", "op_id": id})
}

// RetryAll 重置所有卡住的操作
// POST /api/ops/retry-stuck?limit=100
func (h *OpsHandler) RetryAll(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit <= 0 {
		limit = 100
	}
	n, err := h.replay.RetryAll(c.Request.Context(), limit)
	if err != nil {
		writeError(c, h.logger, err, http.StatusInternalServerError)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "completed", "retried": n})
}
