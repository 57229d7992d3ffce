// Package cloud provides the HTTP client for the cloud shadow data plane
// with error classification. The client performs single attempts; retry
// policy belongs to the sync engine, which owns backoff and queue ordering.
package cloud

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for data-plane status classification.
// Use errors.Is(err, cloud.ErrConflict) to check.
var (
	ErrInvalidRequest        = errors.New("cloud: invalid request")
	ErrUnauthorized          = errors.New("cloud: unauthorized")
	ErrForbidden             = errors.New("cloud: forbidden")
	ErrNotFound              = errors.New("cloud: not found")
	ErrMethodNotAllowed      = errors.New("cloud: method not allowed")
	ErrConflict              = errors.New("cloud: version conflict")
	ErrRequestEntityTooLarge = errors.New("cloud: request entity too large")
	ErrUnsupportedEncoding   = errors.New("cloud: unsupported encoding")
	ErrThrottling            = errors.New("cloud: throttled")
	ErrInternalFailure       = errors.New("cloud: internal failure")
	ErrServiceUnavailable    = errors.New("cloud: service unavailable")
	ErrTimeout               = errors.New("cloud: timeout")
)

// APIError wraps a sentinel error with HTTP status code, request ID, and the
// service error message for debugging.
type APIError struct {
	StatusCode int
	RequestID  string
	Message    string
	Err        error // sentinel, for errors.Is()
}

func (e *APIError) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("cloud: HTTP %d (request-id: %s): %s", e.StatusCode, e.RequestID, e.Message)
	}

	return fmt.Sprintf("cloud: HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// classifyStatus maps an HTTP status code to a sentinel error.
// Returns nil for 2xx success codes.
func classifyStatus(code int) error {
	switch code {
	case http.StatusBadRequest:
		return ErrInvalidRequest
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusMethodNotAllowed:
		return ErrMethodNotAllowed
	case http.StatusConflict:
		return ErrConflict
	case http.StatusRequestEntityTooLarge:
		return ErrRequestEntityTooLarge
	case http.StatusUnsupportedMediaType:
		return ErrUnsupportedEncoding
	case http.StatusTooManyRequests:
		return ErrThrottling
	case http.StatusServiceUnavailable:
		return ErrServiceUnavailable
	case http.StatusGatewayTimeout, http.StatusRequestTimeout:
		return ErrTimeout
	default:
		if code >= http.StatusInternalServerError {
			return ErrInternalFailure
		}

		return ErrInvalidRequest
	}
}

// IsRetryable reports whether the sync engine should back off and retry the
// request. Everything else is either a conflict (full-sync path) or terminal.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrThrottling) ||
		errors.Is(err, ErrServiceUnavailable) ||
		errors.Is(err, ErrInternalFailure) ||
		errors.Is(err, ErrTimeout)
}

// IsConflict reports a cloud-side version conflict, which the sync engine
// resolves by replacing the request with a full reconciliation.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsNotFound reports that the shadow does not exist in the cloud.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
