package notion

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrUpstreamUnavailable is returned once a request has failed
	// permanently or exhausted its retries. Callers keep serving the last
	// committed state.
	ErrUpstreamUnavailable = errors.New("notion: upstream unavailable")

	// ErrRateLimited matches an APIError for HTTP 429.
	ErrRateLimited = errors.New("notion: rate limited")
)

// APIError describes a non-2xx response from the Notion API.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("notion api: status=%d code=%s message=%s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("notion api: status=%d message=%s", e.Status, e.Message)
}

func (e *APIError) Is(target error) bool {
	return target == ErrRateLimited && e.Status == http.StatusTooManyRequests
}

// Retryable reports whether the status is worth another attempt.
func (e *APIError) Retryable() bool {
	return e.Status == http.StatusTooManyRequests || (e.Status >= 500 && e.Status <= 599)
}
