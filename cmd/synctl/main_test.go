package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"mailsync/pkg/rbac"
	"mailsync/pkg/util"
)

func TestRoute(t *testing.T) {
	tests := []struct {
		args    []string
		method  string
		path    string
		wantErr bool
	}{
		{args: []string{"counters"}, method: http.MethodGet, path: "/api/counters"},
		{args: []string{"refresh"}, method: http.MethodPost, path: "/api/refresh"},
		{args: []string{"stuck"}, method: http.MethodGet, path: "/api/ops/stuck"},
		{args: []string{"retry-stuck"}, method: http.MethodPost, path: "/api/ops/retry-stuck"},
		{args: []string{"retry", "op-1"}, method: http.MethodPost, path: "/api/ops/op-1/retry"},
		{args: []string{"dismiss", "op-2"}, method: http.MethodPost, path: "/api/ops/op-2/dismiss"},
		{args: []string{"diagnostics", "10"}, method: http.MethodGet, path: "/api/diagnostics?limit=10"},
		{args: []string{"retry"}, wantErr: true},
		{args: []string{"dismiss", "a", "b"}, wantErr: true},
		{args: []string{"explode"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(strings.Join(tt.args, "_"), func(t *testing.T) {
			method, path, err := route(tt.args)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %s %s", method, path)
				}
				return
			}
			if err != nil {
				t.Fatalf("route: %v", err)
			}
			if method != tt.method || path != tt.path {
				t.Fatalf("got %s %s, want %s %s", method, path, tt.method, tt.path)
			}
		})
	}
}

func TestBearerSignsTokenForRole(t *testing.T) {
	token, err := bearer(ctlConfig{secret: "s3cret", role: rbac.RoleViewer})
	if err != nil {
		t.Fatalf("bearer: %v", err)
	}
	claims, err := util.ParseJWT(token, "s3cret")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.Subject != "synctl" || claims.Role != rbac.RoleViewer {
		t.Fatalf("claims = %+v", claims)
	}

	if _, err := bearer(ctlConfig{secret: "s3cret", role: "root"}); err == nil {
		t.Fatal("expected unknown role error")
	}
	if token, _ := bearer(ctlConfig{token: "given", secret: "s3cret"}); token != "given" {
		t.Fatalf("explicit token not preferred: %q", token)
	}
}

func TestCallPrintsBodyAndFailsOnErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.URL.Path == "/api/refresh" {
			w.Header().Set("X-Trace-ID", "trace-1")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"debounced"}`))
			return
		}
		_, _ = w.Write([]byte(`{"inbox":3}`))
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var out bytes.Buffer
	if err := call(ctx, srv.URL, http.MethodGet, "/api/counters", "tok", &out); err != nil {
		t.Fatalf("call: %v", err)
	}
	if !strings.Contains(out.String(), `"inbox": 3`) {
		t.Fatalf("output not indented: %q", out.String())
	}

	out.Reset()
	err := call(ctx, srv.URL, http.MethodPost, "/api/refresh", "tok", &out)
	if err == nil || !strings.Contains(err.Error(), "trace-1") {
		t.Fatalf("expected error carrying trace id, got %v", err)
	}
}
