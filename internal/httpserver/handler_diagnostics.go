package httpserver

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"mailsync/internal/events"
)

// StatusFunc reports live engine state (slots, breaker, gates).
type StatusFunc func() map[string]any

type DiagnosticsHandler struct {
	ring   *events.Ring
	status StatusFunc
}

func NewDiagnosticsHandler(ring *events.Ring, status StatusFunc) *DiagnosticsHandler {
	return &DiagnosticsHandler{ring: ring, status: status}
}

// Diagnostics handles GET /api/diagnostics?limit=50
func (h *DiagnosticsHandler) Diagnostics(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 {
		limit = 50
	}
	resp := gin.H{
		"events":       h.ring.Recent(limit),
		"events_total": h.ring.Total(),
	}
	if h.status != nil {
		resp["status"] = h.status()
	}
	c.JSON(http.StatusOK, resp)
}
