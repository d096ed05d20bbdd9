package registry

import (
	"errors"
	"fmt"
	"time"
)

// RateLimitError indicates the registry rejected the request for exceeding
// its own rate limits. RetryAfter is zero when the registry gave no hint.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("registry rate limited: retry after %s", e.RetryAfter)
	}
	return "registry rate limited"
}

// APIError indicates a non-success response from the registry.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("registry API error: status %d", e.StatusCode)
	}
	return fmt.Sprintf("registry API error: status %d: %s", e.StatusCode, e.Message)
}

// IsRateLimit reports whether err is a registry rate-limit rejection.
func IsRateLimit(err error) bool {
	var rl *RateLimitError
	return errors.As(err, &rl)
}
