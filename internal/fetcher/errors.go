package fetcher

import (
	"errors"
	"fmt"
)

var (
	// ErrFetchExhausted reports that every attempt for a URL failed.
	ErrFetchExhausted = errors.New("fetch exhausted")
	// ErrRateLimited marks a response classified as rate limiting (429, 403 or a block marker).
	ErrRateLimited = errors.New("rate limited")
)

// NetworkError wraps a transport level failure: DNS, connect, TLS, timeout or a truncated body.
type NetworkError struct {
	URL string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error fetching %s: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ExhaustedError is returned by Resilient once MaxRetries attempts have failed.
type ExhaustedError struct {
	URL         string
	Attempts    int
	LastStatus  int
	RateLimited bool
	LastErr     error
}

func (e *ExhaustedError) Error() string {
	msg := fmt.Sprintf("fetch %s: exhausted after %d attempts", e.URL, e.Attempts)
	if e.LastStatus != 0 {
		msg += fmt.Sprintf(" (last status %d)", e.LastStatus)
	}
	if e.LastErr != nil {
		msg += ": " + e.LastErr.Error()
	}
	return msg
}

// Is makes errors.Is(err, ErrFetchExhausted) hold, and ErrRateLimited when the last attempt was
// rate limited.
func (e *ExhaustedError) Is(target error) bool {
	switch target {
	case ErrFetchExhausted:
		return true
	case ErrRateLimited:
		return e.RateLimited
	}
	return false
}

func (e *ExhaustedError) Unwrap() error { return e.LastErr }
