package httpserver

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"mailsync/pkg/rbac"
	"mailsync/pkg/trace"
	"mailsync/pkg/util"
)

const (
	ctxSubject = "subject"
	ctxRole    = "role"
)

// AuthMiddleware 校验 Bearer token；secret 为空时以本地管理员身份放行
func AuthMiddleware(jwtSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if jwtSecret == "" {
			c.Set(ctxSubject, "local")
			c.Set(ctxRole, rbac.RoleAdmin)
			c.Next()
			return
		}

		token := util.ExtractToken(c.Request)
		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
			c.Abort()
			return
		}

		claims, err := util.ParseJWT(token, jwtSecret)
		if err != nil || !rbac.IsKnownRole(claims.Role) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			c.Abort()
			return
		}

		c.Set(ctxSubject, claims.Subject)
		c.Set(ctxRole, claims.Role)
		c.Next()
	}
}

// RequirePermission 中间件：要求调用方角色具有指定权限
func RequirePermission(permission string) gin.HandlerFunc {
	return func(c *gin.Context) {
		role := c.GetString(ctxRole)
		if role == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "not authenticated"})
			c.Abort()
			return
		}
		if err := rbac.CheckPermission(c.GetString(ctxSubject), role, permission); err != nil {
			c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
			c.Abort()
			return
		}
		c.Next()
	}
}

// TraceMiddleware 为每个请求生成或透传 trace_id
func TraceMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		if id := c.GetHeader(trace.HeaderName()); id != "" {
			ctx = trace.WithContext(ctx, id)
		} else {
			ctx = trace.EnsureContext(ctx)
		}
		c.Request = c.Request.WithContext(ctx)
		c.Header(trace.HeaderName(), trace.FromContext(ctx))
		c.Next()
	}
}
