package upstream

import (
	"errors"
	"fmt"
	"time"
)

// NetworkError is a transport-level failure: DNS, dial, TLS, reset, body read,
// or the caller's context ending while the request waited or ran.
type NetworkError struct {
	URL string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error for %s: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// StatusError is an HTTP response whose status is not retryable (4xx other
// than 408/429). It is returned after a single attempt.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream %s returned status %d", e.URL, e.StatusCode)
}

// RetriesExhaustedError is returned when every attempt of the retry budget
// failed with a retryable error. Err is the failure of the last attempt.
type RetriesExhaustedError struct {
	URL      string
	Attempts int
	Err      error
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("request to %s failed after %d attempts: %v", e.URL, e.Attempts, e.Err)
}

func (e *RetriesExhaustedError) Unwrap() error { return e.Err }

// CircuitOpenError is returned without touching the network while the
// circuit for Host is open.
type CircuitOpenError struct {
	Host    string
	RetryAt time.Time
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for %s until %s", e.Host, e.RetryAt.Format(time.RFC3339))
}

// IsUnavailable reports whether err is one of the request layer failures.
// Callers treat all of them as "upstream unavailable" rather than fatal.
func IsUnavailable(err error) bool {
	var (
		ne *NetworkError
		se *StatusError
		re *RetriesExhaustedError
		ce *CircuitOpenError
	)
	return errors.As(err, &ne) || errors.As(err, &se) || errors.As(err, &re) || errors.As(err, &ce)
}
