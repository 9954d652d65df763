package util

import (
	"context"
	"errors"
	"net"
	"net/url"
	"strings"
)

// httpStatusError 由带 HTTP 状态码的错误实现（例如模型客户端的 ProviderError）
type httpStatusError interface {
	error
	HTTPStatus() int
}

// IsRetryableError determines if an error is retryable
// Returns: (isRetryable, errorType)
func IsRetryableError(err error) (bool, string) {
	if err == nil {
		return false, ""
	}

	if errors.Is(err, context.Canceled) {
		return false, "context_canceled"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true, "timeout"
	}

	var statusErr httpStatusError
	if errors.As(err, &statusErr) {
		code := statusErr.HTTPStatus()
		switch {
		case code == 429:
			return true, "rate_limited"
		case code == 529 || code >= 500:
			return true, "server_error"
		default:
			// 4xx: 请求本身有问题，重试没有意义
			return false, "client_error"
		}
	}

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
	if strings.Contains(errStr, "connection reset") || strings.Contains(errStr, "connection refused") {
		return true, "network_error"
	}
	if strings.Contains(errStr, "duplicate key") || strings.Contains(errStr, "UNIQUE constraint") {
		return false, "duplicate_key"
	}

	// 默认：未知错误，保守处理 - 不重试
	return false, "unknown_error"
}
