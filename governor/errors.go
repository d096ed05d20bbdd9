package governor

import (
	"errors"
	"fmt"
	"time"
)

// RateLimitReason identifies which window limit rejected a request.
type RateLimitReason string

// Rate limit rejection reasons.
const (
	ReasonRequests RateLimitReason = "requests"
	ReasonTokens   RateLimitReason = "tokens"
)

// RateLimitedError is returned by Acquire when the current window has no
// remaining request or token budget. RetryAfter is the time until the
// window rolls over; callers own all backoff.
type RateLimitedError struct {
	Reason     RateLimitReason
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited (%s): retry after %s", e.Reason, e.RetryAfter)
}

// CircuitOpenError is returned by Acquire while the circuit breaker is open.
// RetryAfter is the time remaining until the breaker will admit a probe.
type CircuitOpenError struct {
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open: retry after %s", e.RetryAfter)
}

// IsRateLimited reports whether err is a window-budget rejection.
func IsRateLimited(err error) bool {
	var rl *RateLimitedError
	return errors.As(err, &rl)
}

// IsCircuitOpen reports whether err is a circuit-breaker rejection.
func IsCircuitOpen(err error) bool {
	var co *CircuitOpenError
	return errors.As(err, &co)
}

// RetryAfter extracts the retry hint from a governance rejection.
// Returns zero and false for any other error.
func RetryAfter(err error) (time.Duration, bool) {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl.RetryAfter, true
	}
	var co *CircuitOpenError
	if errors.As(err, &co) {
		return co.RetryAfter, true
	}
	return 0, false
}
