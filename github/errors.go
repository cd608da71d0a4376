package github

import (
	"fmt"
	"time"
)

// Sentinel errors callers branch on with errors.Is.
var (
	// ErrUnauthorized covers revoked or insufficiently scoped credentials.
	// Not recoverable by this engine.
	ErrUnauthorized = fmt.Errorf("github: credential unauthorized")
	// ErrNotFound covers repositories that no longer exist or are no longer
	// visible to any credential in the pool.
	ErrNotFound = fmt.Errorf("github: resource not found")
)

// RateLimitedError is returned when the remote reports quota exhaustion
// mid-flight (403/429 with a zero remaining header). It overrides any earlier
// proceed decision from the guard.
type RateLimitedError struct {
	ResetAt time.Time
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("github: rate limited until %s", e.ResetAt.Format(time.RFC3339))
}

// QuotaExhaustedError is returned by the pool when no credential has quota
// above the safety floor. ResetAt is the earliest reset across the pool.
type QuotaExhaustedError struct {
	ResetAt time.Time
}

func (e *QuotaExhaustedError) Error() string {
	return fmt.Sprintf("github: credential pool exhausted, earliest reset %s", e.ResetAt.Format(time.RFC3339))
}
