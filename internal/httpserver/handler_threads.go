package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mailsync/internal/service/actions"
)

type ThreadHandler struct {
	actions *actions.Service
	logger  *zap.Logger
}

func NewThreadHandler(svc *actions.Service, logger *zap.Logger) *ThreadHandler {
	return &ThreadHandler{actions: svc, logger: logger}
}

type simpleAction func(ctx context.Context, threadID string) (*actions.Result, error)

func (h *ThreadHandler) handle(fn simpleAction) gin.HandlerFunc {
	return func(c *gin.Context) {
		res, err := fn(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeError(c, h.logger, err, http.StatusInternalServerError)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

func (h *ThreadHandler) Archive() gin.HandlerFunc     { return h.handle(h.actions.Archive) }
func (h *ThreadHandler) Trash() gin.HandlerFunc       { return h.handle(h.actions.Trash) }
func (h *ThreadHandler) Spam() gin.HandlerFunc        { return h.handle(h.actions.Spam) }
func (h *ThreadHandler) MoveToInbox() gin.HandlerFunc { return h.handle(h.actions.MoveToInbox) }
func (h *ThreadHandler) MarkRead() gin.HandlerFunc    { return h.handle(h.actions.MarkRead) }
func (h *ThreadHandler) MarkUnread() gin.HandlerFunc  { return h.handle(h.actions.MarkUnread) }
func (h *ThreadHandler) Undo() gin.HandlerFunc        { return h.handle(h.actions.Undo) }
func (h *ThreadHandler) Unsnooze() gin.HandlerFunc    { return h.handle(h.actions.Unsnooze) }

// Snooze handles POST /api/threads/:id/snooze
func (h *ThreadHandler) Snooze(c *gin.Context) {
	var req struct {
		LabelID       string    `json:"label_id"`
		DueAt         time.Time `json:"due_at"`
		TimeZone      string    `json:"time_zone"`
		RestoreUnread bool      `json:"restore_unread"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	res, err := h.actions.Snooze(c.Request.Context(), c.Param("id"), req.LabelID, req.DueAt.UTC(), req.TimeZone, req.RestoreUnread)
	if err != nil {
		writeError(c, h.logger, err, http.StatusInternalServerError)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Send handles POST /api/send; raw is base64 in JSON.
func (h *ThreadHandler) Send(c *gin.Context) {
	var req struct {
		ThreadID string `json:"thread_id"`
		Raw      []byte `json:"raw"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	res, err := h.actions.Send(c.Request.Context(), req.ThreadID, req.Raw)
	if err != nil {
		writeError(c, h.logger, err, http.StatusInternalServerError)
		return
	}
	c.JSON(http.StatusAccepted, res)
}
