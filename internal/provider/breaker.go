package provider

import (
	"errors"
	"log"
	"time"

	"github.com/sony/gobreaker/v2"
)

// newBreaker builds the circuit breaker guarding provider HTTP calls.
// Repeated provider failures open the circuit; rate limit responses are
// excluded because the shared backoff window already covers them.
func newBreaker(name string, logger *log.Logger) *gobreaker.CircuitBreaker[[]byte] {
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || IsRateLimited(err)
		},
	}
	if logger != nil {
		settings.OnStateChange = func(name string, from, to gobreaker.State) {
			logger.Printf("provider breaker: name=%s from=%s to=%s", name, from, to)
		}
	}
	return gobreaker.NewCircuitBreaker[[]byte](settings)
}

// isBreakerOpen reports whether err came from an open circuit.
func isBreakerOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}
