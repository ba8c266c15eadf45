package util

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"google.golang.org/api/googleapi"

	"mailsync/pkg/circuitbreaker"
)

type statusErr int

func (s statusErr) Error() string   { return fmt.Sprintf("status %d", int(s)) }
func (s statusErr) HTTPStatus() int { return int(s) }

func TestClassifyRemoteError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
		kind      string
	}{
		{"nil", nil, false, ""},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), true, "timeout"},
		{"canceled", context.Canceled, false, "context_canceled"},
		{"breaker", circuitbreaker.ErrCircuitBreakerOpen, true, "circuit_open"},
		{"429", statusErr(429), true, "rate_limited"},
		{"503", fmt.Errorf("wrap: %w", statusErr(503)), true, "server_error"},
		{"404", statusErr(404), false, "not_found"},
		{"400", statusErr(400), false, "rejected"},
		{"googleapi 500", &googleapi.Error{Code: 500}, true, "server_error"},
		{"googleapi 410", &googleapi.Error{Code: 410}, false, "not_found"},
		{"unknown", errors.New("boom"), true, "unknown_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			retryable, kind := ClassifyRemoteError(tt.err)
			if retryable != tt.retryable || kind != tt.kind {
				t.Fatalf("ClassifyRemoteError(%v) = (%v, %q), want (%v, %q)", tt.err, retryable, kind, tt.retryable, tt.kind)
			}
		})
	}
}

func TestShouldRetry(t *testing.T) {
	if ShouldRetry(1, 5, false) {
		t.Fatal("non-retryable error must not retry")
	}
	if !ShouldRetry(4, 5, true) {
		t.Fatal("attempt 4 of 5 should retry")
	}
	if ShouldRetry(5, 5, true) {
		t.Fatal("attempt 5 of 5 should not retry")
	}
}

func TestJWTRoundTrip(t *testing.T) {
	token, err := GenerateJWT("alice", "admin", "secret", time.Hour)
	if err != nil {
		t.Fatalf("GenerateJWT: %v", err)
	}
	claims, err := ParseJWT(token, "secret")
	if err != nil {
		t.Fatalf("ParseJWT: %v", err)
	}
	if claims.Subject != "alice" || claims.Role != "admin" {
		t.Fatalf("claims = %+v", claims)
	}
	if _, err := ParseJWT(token, "other"); err == nil {
		t.Fatal("expected signature error with wrong secret")
	}
}
