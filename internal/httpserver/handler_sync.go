package httpserver

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mailsync/internal/counters"
	"mailsync/internal/engine"
)

// Syncer is the part of the engine the API drives.
type Syncer interface {
	Refresh(ctx context.Context) (*engine.RunResult, error)
	SetVisible(v bool)
	Visible() bool
	Online() bool
}

type SyncHandler struct {
	syncer   Syncer
	counters *counters.Model
	logger   *zap.Logger
}

func NewSyncHandler(syncer Syncer, c *counters.Model, logger *zap.Logger) *SyncHandler {
	return &SyncHandler{syncer: syncer, counters: c, logger: logger}
}

// Counters handles GET /api/counters
func (h *SyncHandler) Counters(c *gin.Context) {
	ctx := c.Request.Context()
	displayed, err := h.counters.Displayed(ctx)
	if err != nil {
		writeError(c, h.logger, err, http.StatusInternalServerError)
		return
	}
	delta, err := h.counters.Current(ctx)
	if err != nil {
		writeError(c, h.logger, err, http.StatusInternalServerError)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"inbox":        displayed.Inbox,
		"unread_inbox": displayed.UnreadInbox,
		"delta":        delta,
	})
}

// Refresh handles POST /api/refresh
func (h *SyncHandler) Refresh(c *gin.Context) {
	res, err := h.syncer.Refresh(c.Request.Context())
	if err != nil {
		writeError(c, h.logger, err, http.StatusBadGateway)
		return
	}
	c.JSON(http.StatusOK, res)
}

// SetVisibility handles POST /api/visibility
func (h *SyncHandler) SetVisibility(c *gin.Context) {
	var req struct {
		Visible *bool `json:"visible"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Visible == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	h.syncer.SetVisible(*req.Visible)
	c.JSON(http.StatusOK, gin.H{"visible": h.syncer.Visible()})
}
