package helpapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

var (
	// ErrUnauthenticated is returned when the backend rejects the user's token.
	ErrUnauthenticated = errors.New("not authenticated")
	// ErrForbidden is returned when the user may not perform the operation.
	ErrForbidden = errors.New("forbidden")
	// ErrNotFound is returned when the referenced object does not exist.
	ErrNotFound = errors.New("not found")
	// ErrSelfMessage is returned when the backend refuses a message whose
	// recipient is the sender.
	ErrSelfMessage = errors.New("cannot send a message to yourself")
)

// APIError is a non-2xx response from the messaging backend.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Detail     string `json:"detail"`
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("backend returned %d: %s", e.StatusCode, e.Detail)
	}
	return fmt.Sprintf("backend returned %d", e.StatusCode)
}

// Is maps the response onto the package sentinels so callers can use errors.Is.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrUnauthenticated:
		return e.StatusCode == http.StatusUnauthorized
	case ErrForbidden:
		return e.StatusCode == http.StatusForbidden && !e.isSelfMessage()
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrSelfMessage:
		return e.isSelfMessage()
	}
	return false
}

func (e *APIError) isSelfMessage() bool {
	if e.Code == "self_message" {
		return true
	}
	if e.StatusCode != http.StatusBadRequest && e.StatusCode != http.StatusForbidden {
		return false
	}
	return strings.Contains(strings.ToLower(e.Detail), "yourself")
}

// Temporary reports whether retrying the same request later could succeed.
func (e *APIError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusRequestTimeout
}

// IsTransient reports whether err is a network, timeout or server-side failure
// that is worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Temporary()
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	// Anything that is not a classified backend response (connection reset,
	// malformed body, canceled request) is treated as retryable.
	return !errors.Is(err, ErrDecode)
}

// ErrDecode is returned when a 2xx response body cannot be decoded.
var ErrDecode = errors.New("failed to decode backend response")
