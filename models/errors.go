package models

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidURL is returned for URLs that cannot be parsed or resolved.
	ErrInvalidURL = errors.New("invalid url")
	// ErrFetchTransient marks a fetch failure worth retrying (network error, timeout, 5xx, 429).
	ErrFetchTransient = errors.New("transient fetch failure")
	// ErrFetchFailed marks a terminal per-page fetch failure.
	ErrFetchFailed = errors.New("fetch failed")
	// ErrAssemblyFailed is returned when a chapter artifact could not be written.
	ErrAssemblyFailed = errors.New("assembly failed")
	// ErrNoPages is returned when a chapter has no successful pages to assemble.
	ErrNoPages = errors.New("no pages downloaded successfully")
	// ErrStorageUnavailable wraps storage gateway failures.
	ErrStorageUnavailable = errors.New("storage gateway unavailable")
)

// FetchError describes a failed page fetch.
// Retryable errors match ErrFetchTransient, the rest match ErrFetchFailed.
type FetchError struct {
	URL        string
	StatusCode int // 0 when no response was received
	Attempts   int
	Retryable  bool
	RetryAfter time.Duration // Server supplied Retry-After hint, 0 if absent
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: status=%d attempts=%d: %v", e.URL, e.StatusCode, e.Attempts, e.Err)
	}
	return fmt.Sprintf("fetch %s: attempts=%d: %v", e.URL, e.Attempts, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Is lets errors.Is classify a FetchError against the taxonomy sentinels.
func (e *FetchError) Is(target error) bool {
	switch target {
	case ErrFetchTransient:
		return e.Retryable
	case ErrFetchFailed:
		return !e.Retryable
	}
	return false
}

// IsRetryable reports whether err is a transient fetch failure.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrFetchTransient)
}
