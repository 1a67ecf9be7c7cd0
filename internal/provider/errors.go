package provider

import (
	"errors"
	"fmt"
	"time"
)

// RateLimitedError is returned when the provider throttled the call and
// internal retries were exhausted. Callers treat it as a run-abort signal
// and retry after the shared backoff window.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("provider: rate limited, retry after %s", e.RetryAfter)
}

// ProviderError is any other provider failure, with the original status
// and message attached. Not retried internally.
type ProviderError struct {
	HTTPStatus int
	APIStatus  int
	Message    string
}

func (e *ProviderError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("provider: http=%d api=%d: %s", e.HTTPStatus, e.APIStatus, e.Message)
	}
	return fmt.Sprintf("provider: http=%d api=%d", e.HTTPStatus, e.APIStatus)
}

// IsRateLimited reports whether err is a provider rate limit.
func IsRateLimited(err error) bool {
	var rl *RateLimitedError
	return errors.As(err, &rl)
}
