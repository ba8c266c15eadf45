package rbac

// 权限常量
const (
	// 敏感操作权限
	PermissionRetryOp   = "ops:retry"
	PermissionDismissOp = "ops:dismiss"
	PermissionRefresh   = "sync:refresh"

	// 普通操作权限
	PermissionReadOps      = "ops:read"
	PermissionReadCounters = "counters:read"
	PermissionActOnThread  = "threads:act"
	PermissionDiagnostics  = "diagnostics:read"
)

// 角色常量
const (
	RoleViewer = "viewer"
	RoleUser   = "user"
	RoleAdmin  = "admin"
)

// 角色权限映射
var rolePermissions = map[string][]string{
	RoleViewer: {
		PermissionReadCounters,
		PermissionReadOps,
	},
	RoleUser: {
		PermissionReadCounters,
		PermissionReadOps,
		PermissionActOnThread,
		PermissionRefresh,
	},
	RoleAdmin: {
		PermissionReadCounters,
		PermissionReadOps,
		PermissionActOnThread,
		PermissionRefresh,
		PermissionRetryOp,
		PermissionDismissOp,
		PermissionDiagnostics,
	},
}

// HasPermission 检查角色是否有指定权限
func HasPermission(role, permission string) bool {
	permissions, ok := rolePermissions[role]
	if !ok {
		return false
	}

	for _, p := range permissions {
		if p == permission {
			return true
		}
	}
	return false
}

// CheckPermission 检查角色是否有指定权限（返回错误而不是布尔值，便于处理）
func CheckPermission(subject, role, permission string) error {
	if !HasPermission(role, permission) {
		return &PermissionDeniedError{
			Subject:    subject,
			Role:       role,
			Permission: permission,
		}
	}
	return nil
}

// IsKnownRole reports whether role has a permission set.
func IsKnownRole(role string) bool {
	_, ok := rolePermissions[role]
	return ok
}

// PermissionDeniedError 表示权限不足的错误
type PermissionDeniedError struct {
	Subject    string
	Role       string
	Permission string
}

func (e *PermissionDeniedError) Error() string {
	return "insufficient permissions: " + e.Permission
}
