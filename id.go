package engram

import (
	"time"

	"github.com/google/uuid"
)

// NewID generates a globally unique, time-sortable UUIDv7 (RFC 9562).
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NowUTC returns the current instant in UTC, truncated to milliseconds —
// the store's time resolution.
func NowUTC() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}
