// Package proxy implements the tenant-facing data plane: credential checks,
// rate limiting, body transformation, and upstream dispatch.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"strconv"

	"github.com/tollgate-proxy/tollgate/internal/pipeline"
	"github.com/tollgate-proxy/tollgate/internal/pool"
)

// ProxyError is a structured data-plane error mapped to one HTTP response.
type ProxyError struct {
	HTTPCode int
	Code     string // machine-readable kind, also the X-Tollgate-Error header
	Message  string // human-readable body
}

func (e *ProxyError) Error() string {
	return e.Code + ": " + e.Message
}

// Predefined data-plane errors.
var (
	ErrUnauthenticated = &ProxyError{
		HTTPCode: http.StatusUnauthorized,
		Code:     "unauthenticated",
		Message:  "Missing API key credential",
	}
	ErrInvalidCredential = &ProxyError{
		HTTPCode: http.StatusUnauthorized,
		Code:     "invalid_credential",
		Message:  "Unknown API key",
	}
	ErrKeyExpired = &ProxyError{
		HTTPCode: http.StatusForbidden,
		Code:     "key_expired",
		Message:  "API key is past its expiry date",
	}
	ErrBackpressure = &ProxyError{
		HTTPCode: http.StatusServiceUnavailable,
		Code:     "backpressure",
		Message:  "Request queue is full, retry shortly",
	}
	ErrAcquireTimeout = &ProxyError{
		HTTPCode: http.StatusGatewayTimeout,
		Code:     "acquire_timeout",
		Message:  "No upstream connection became available in time",
	}
	ErrQueueTimeout = &ProxyError{
		HTTPCode: http.StatusGatewayTimeout,
		Code:     "queue_timeout",
		Message:  "Request waited too long in the pipeline queue",
	}
	ErrUpstreamTimeout = &ProxyError{
		HTTPCode: http.StatusBadGateway,
		Code:     "upstream_error",
		Message:  "Upstream request timed out",
	}
	ErrUpstreamFailed = &ProxyError{
		HTTPCode: http.StatusBadGateway,
		Code:     "upstream_error",
		Message:  "Upstream request failed",
	}
	ErrShuttingDown = &ProxyError{
		HTTPCode: http.StatusServiceUnavailable,
		Code:     "shutting_down",
		Message:  "Server is shutting down",
	}
	ErrConfiguration = &ProxyError{
		HTTPCode: http.StatusInternalServerError,
		Code:     "configuration_error",
		Message:  "Upstream credential is not configured",
	}
	ErrMalformedBody = &ProxyError{
		HTTPCode: http.StatusBadRequest,
		Code:     "validation",
		Message:  "Request body is not valid JSON",
	}
	ErrInternal = &ProxyError{
		HTTPCode: http.StatusInternalServerError,
		Code:     "internal",
		Message:  "Internal proxy error",
	}
)

// writeProxyError writes the standard JSON error envelope.
func writeProxyError(w http.ResponseWriter, pe *ProxyError) {
	w.Header().Set("X-Tollgate-Error", pe.Code)
	w.Header().Set("Content-Type", "application/json")
	if pe == ErrBackpressure {
		w.Header().Set("Retry-After", "1")
	}
	w.WriteHeader(pe.HTTPCode)
	json.NewEncoder(w).Encode(map[string]string{
		"error":   pe.Code,
		"message": pe.Message,
	})
}

// rateLimitBody is the structured 429 payload.
type rateLimitBody struct {
	Message      string `json:"message"`
	Type         string `json:"type"`
	TokensUsed   int64  `json:"tokens_used"`
	TokensLimit  int64  `json:"tokens_limit"`
	WindowEndsAt int64  `json:"window_ends_at"`
}

// writeRateLimited writes the 429 response with its Retry-After header.
func writeRateLimited(w http.ResponseWriter, used, limit, windowEndsAtMs, retryAfterSec int64) {
	w.Header().Set("X-Tollgate-Error", "rate_limit_exceeded")
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Retry-After", strconv.FormatInt(retryAfterSec, 10))
	w.WriteHeader(http.StatusTooManyRequests)
	json.NewEncoder(w).Encode(rateLimitBody{
		Message:      "Token limit exceeded for the current 5-hour window",
		Type:         "rate_limit_exceeded",
		TokensUsed:   used,
		TokensLimit:  limit,
		WindowEndsAt: windowEndsAtMs,
	})
}

// mapDispatchError translates pool/pipeline/transport failures into the
// data-plane taxonomy. Returns nil for client-initiated cancellation.
func mapDispatchError(err error) *ProxyError {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, context.Canceled):
		return nil
	case errors.Is(err, pool.ErrAcquireTimeout):
		return ErrAcquireTimeout
	case errors.Is(err, pipeline.ErrQueueTimeout):
		return ErrQueueTimeout
	case errors.Is(err, pipeline.ErrBackpressure):
		return ErrBackpressure
	case errors.Is(err, pipeline.ErrShuttingDown), errors.Is(err, pool.ErrClosed):
		return ErrShuttingDown
	case os.IsTimeout(err), errors.Is(err, context.DeadlineExceeded):
		return ErrUpstreamTimeout
	default:
		// Dial failures, TLS errors, resets. Details are logged by the
		// caller; the body never carries upstream addresses or credentials.
		return ErrUpstreamFailed
	}
}
