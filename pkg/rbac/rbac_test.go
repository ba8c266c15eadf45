package rbac

import (
	"errors"
	"testing"
)

func TestHasPermission(t *testing.T) {
	tests := []struct {
		role, perm string
		want       bool
	}{
		{RoleViewer, PermissionReadCounters, true},
		{RoleViewer, PermissionRefresh, false},
		{RoleUser, PermissionActOnThread, true},
		{RoleUser, PermissionRetryOp, false},
		{RoleAdmin, PermissionDismissOp, true},
		{"ghost", PermissionReadOps, false},
	}
	for _, tt := range tests {
		if got := HasPermission(tt.role, tt.perm); got != tt.want {
			t.Errorf("HasPermission(%q, %q) = %v, want %v", tt.role, tt.perm, got, tt.want)
		}
	}
}

func TestCheckPermissionError(t *testing.T) {
	err := CheckPermission("bob", RoleViewer, PermissionRetryOp)
	var denied *PermissionDeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("err = %v, want PermissionDeniedError", err)
	}
	if denied.Subject != "bob" || denied.Permission != PermissionRetryOp {
		t.Fatalf("denied = %+v", denied)
	}
}
