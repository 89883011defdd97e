package resource

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors returned by acquisition calls. All of them are retryable
// from the caller's point of view; the governor never retries internally.
var (
	// ErrPoolExhausted means every instance of the requested resource is in
	// use and no new one could be created.
	ErrPoolExhausted = errors.New("resource pool exhausted")

	// ErrTimeout means the bounded wait for a resource elapsed.
	ErrTimeout = errors.New("resource acquisition timed out")

	// ErrEngineUnavailable means the worker's extraction-engine instance is
	// checked out, unhealthy, or was torn down while waiting. It will be
	// recreated lazily on the next checkout.
	ErrEngineUnavailable = errors.New("extraction engine unavailable")

	// ErrMemoryPressure is advisory: the process is at critical memory
	// pressure and callers should shed load before acquiring more.
	ErrMemoryPressure = errors.New("memory pressure critical")
)

// RateLimitedError is returned when a host's token bucket is empty. It
// carries the wait hint until the next token becomes available.
type RateLimitedError struct {
	Host       string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited for host %s: retry after %s", e.Host, e.RetryAfter)
}

// Retryable reports whether err belongs to the governor's retryable
// taxonomy. Retry policy itself belongs to the calling pipeline.
func Retryable(err error) bool {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return true
	}
	return errors.Is(err, ErrPoolExhausted) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrEngineUnavailable) ||
		errors.Is(err, ErrMemoryPressure)
}
