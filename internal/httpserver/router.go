package httpserver

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mailsync/pkg/otel"
	"mailsync/pkg/rbac"
)

type Router struct {
	Engine *gin.Engine
}

// Handlers 路由依赖
type Handlers struct {
	Sync        *SyncHandler
	Ops         *OpsHandler
	Threads     *ThreadHandler
	Diagnostics *DiagnosticsHandler
}

func NewRouter(h Handlers, jwtSecret string) *Router {
	r := gin.New()
	r.Use(gin.Recovery(), otel.GinMiddleware(), TraceMiddleware())

	// Health endpoints
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.HEAD("/healthz", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	api.Use(AuthMiddleware(jwtSecret))
	{
		api.GET("/counters", RequirePermission(rbac.PermissionReadCounters), h.Sync.Counters)
		api.POST("/refresh", RequirePermission(rbac.PermissionRefresh), h.Sync.Refresh)
		api.POST("/visibility", RequirePermission(rbac.PermissionRefresh), h.Sync.SetVisibility)

		api.GET("/ops/stuck", RequirePermission(rbac.PermissionReadOps), h.Ops.Stuck)
		api.POST("/ops/retry-stuck", RequirePermission(rbac.PermissionRetryOp), h.Ops.RetryAll)
		api.POST("/ops/:id/retry", RequirePermission(rbac.PermissionRetryOp), h.Ops.Retry)
		api.POST("/ops/:id/dismiss", RequirePermission(rbac.PermissionDismissOp), h.Ops.Dismiss)

		threads := api.Group("/threads/:id")
		threads.Use(RequirePermission(rbac.PermissionActOnThread))
		{
			threads.POST("/archive", h.Threads.Archive())
			threads.POST("/trash", h.Threads.Trash())
			threads.POST("/spam", h.Threads.Spam())
			threads.POST("/inbox", h.Threads.MoveToInbox())
			threads.POST("/read", h.Threads.MarkRead())
			threads.POST("/unread", h.Threads.MarkUnread())
			threads.POST("/undo", h.Threads.Undo())
			threads.POST("/snooze", h.Threads.Snooze)
			threads.POST("/unsnooze", h.Threads.Unsnooze())
		}
		api.POST("/send", RequirePermission(rbac.PermissionActOnThread), h.Threads.Send)

		api.GET("/diagnostics", RequirePermission(rbac.PermissionDiagnostics), h.Diagnostics.Diagnostics)
	}

	return &Router{Engine: r}
}

func (r *Router) Handler() http.Handler {
	return r.Engine
}

func (r *Router) Run(addr string) error {
	return r.Engine.Run(addr)
}
