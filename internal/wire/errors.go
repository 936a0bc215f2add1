// Package wire provides an HTTP client for the mail API with bearer
// authentication and error classification. The mutation engine partitions
// failures into permanent (server rejected the write; retrying cannot help)
// and transient (connectivity or server availability; a retry may succeed).
package wire

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for HTTP status code classification.
// Use errors.Is(err, wire.ErrNotFound) to check.
var (
	ErrBadRequest       = errors.New("wire: bad request")
	ErrUnauthorized     = errors.New("wire: unauthorized")
	ErrForbidden        = errors.New("wire: forbidden")
	ErrNotFound         = errors.New("wire: not found")
	ErrMethodNotAllowed = errors.New("wire: method not allowed")
	ErrConflict         = errors.New("wire: conflict")
	ErrGone             = errors.New("wire: resource gone")
	ErrUnprocessable    = errors.New("wire: validation rejected")
	ErrThrottled        = errors.New("wire: throttled")
	ErrServerError      = errors.New("wire: server error")
)

// APIError wraps a sentinel error with the HTTP status code, request ID,
// and the API error message body for debugging.
type APIError struct {
	StatusCode int
	RequestID  string
	Message    string
	Err        error // sentinel, for errors.Is()
}

func (e *APIError) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("wire: HTTP %d (request-id: %s): %s", e.StatusCode, e.RequestID, e.Message)
	}

	return fmt.Sprintf("wire: HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// classifyStatus maps an HTTP status code to a sentinel error.
// Returns nil for 2xx success codes.
func classifyStatus(code int) error {
	switch code {
	case http.StatusBadRequest:
		return ErrBadRequest
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
	case http.StatusGone:
		return ErrGone
	case http.StatusUnprocessableEntity:
		return ErrUnprocessable
	case http.StatusTooManyRequests:
		return ErrThrottled
	default:
		if code >= http.StatusInternalServerError {
			return ErrServerError
		}

		return nil
	}
}

// permanentStatuses enumerates the status codes whose failures the engine
// treats as permanent: the server understood the request and rejected it,
// so retrying the same payload cannot succeed. Everything else (throttling,
// auth hiccups, 5xx, network errors) is transient.
var permanentStatuses = map[int]bool{
	http.StatusBadRequest:          true,
	http.StatusNotFound:            true,
	http.StatusMethodNotAllowed:    true,
	http.StatusConflict:            true,
	http.StatusGone:                true,
	http.StatusUnprocessableEntity: true,
}

// IsPermanent reports whether err is a permanently-rejected API call.
// Non-API errors (network failures, cancellations) are never permanent.
func IsPermanent(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}

	return permanentStatuses[apiErr.StatusCode]
}
