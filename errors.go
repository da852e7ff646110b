package engram

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrNotFound is returned by Store reads when no matching row exists.
var ErrNotFound = errors.New("engram: not found")

// ErrStoreIntegrity marks an inconsistency found in the store, such as
// multiple open rows for one key. Recovery runs at the next Init.
var ErrStoreIntegrity = errors.New("engram: store integrity violation")

// ErrResourceExhausted signals a preflight or quota failure that should
// abort gracefully; callers exit with a transient status and retry later.
var ErrResourceExhausted = errors.New("engram: resource exhausted")

// ErrLLM is a provider-level failure (bad payload, missing fields, transport).
type ErrLLM struct {
	Provider string
	Message  string
}

func (e *ErrLLM) Error() string {
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// ErrHTTP is a non-2xx HTTP response from a provider. RetryAfter carries the
// server-suggested delay when present.
type ErrHTTP struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// ErrMalformedTranscript marks a session source that could not be decoded.
// The pipeline records it and continues with other sources.
type ErrMalformedTranscript struct {
	Source string
	Reason string
}

func (e *ErrMalformedTranscript) Error() string {
	return fmt.Sprintf("malformed transcript %s: %s", e.Source, e.Reason)
}

// ErrDimensionMismatch is returned when a vector does not match the
// dimension recorded in the store's schema.
type ErrDimensionMismatch struct {
	Want, Got int
}

func (e *ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("embedding dimension mismatch: store has %d, got %d", e.Want, e.Got)
}

// ParseRetryAfter parses a Retry-After header value, either delay-seconds or
// an HTTP date. Returns 0 when absent or unparseable.
func ParseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := time.Parse(time.RFC1123, v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
