package util

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"

	"google.golang.org/api/googleapi"

	"mailsync/pkg/circuitbreaker"
)

// statusCoder is implemented by remote errors that carry an HTTP status.
type statusCoder interface {
	HTTPStatus() int
}

// ClassifyRemoteError determines if a remote mailbox error is retryable.
// Returns: (isRetryable, errorKind)
func ClassifyRemoteError(err error) (bool, string) {
	if err == nil {
		return false, ""
	}

	// Context: 超时可重试，取消不可重试
	if errors.Is(err, context.DeadlineExceeded) {
		return true, "timeout"
	}
	if errors.Is(err, context.Canceled) {
		return false, "context_canceled"
	}

	// 熔断器打开 - 可重试
	if errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen) {
		return true, "circuit_open"
	}

	var sc statusCoder
	if errors.As(err, &sc) && sc.HTTPStatus() != 0 {
		return classifyStatus(sc.HTTPStatus())
	}
	var gErr *googleapi.Error
	if errors.As(err, &gErr) {
		return classifyStatus(gErr.Code)
	}

	// JSON decode errors - 不可重试（数据格式错误）
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return false, "json_decode_error"
	}

	// Network errors - 可重试
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return true, "network_timeout"
		}
		return true, "network_error"
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		if urlErr.Timeout() {
			return true, "network_timeout"
		}
		return true, "network_error"
	}

	errStr := err.Error()
	if strings.Contains(errStr, "connection") || strings.Contains(errStr, "timeout") {
		return true, "connection_error"
	}

	// 默认：未知错误按瞬时错误处理，交给重试上限兜底
	return true, "unknown_error"
}

func classifyStatus(code int) (bool, string) {
	switch {
	case code == http.StatusTooManyRequests:
		return true, "rate_limited"
	case code == http.StatusRequestTimeout:
		return true, "timeout"
	case code >= 500:
		return true, "server_error"
	case code == http.StatusUnauthorized:
		// token 刷新由传输层负责，下一轮可能成功
		return true, "unauthorized"
	case code == http.StatusNotFound || code == http.StatusGone:
		return false, "not_found"
	case code >= 400:
		return false, "rejected"
	default:
		return true, "unexpected_status"
	}
}

// ShouldRetry checks if an error should be retried based on attempt count
func ShouldRetry(attempts int, maxAttempts int, isRetryable bool) bool {
	if !isRetryable {
		return false
	}
	return attempts < maxAttempts
}
