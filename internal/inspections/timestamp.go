package inspections

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// TimestampLayout is the ISO-8601 shape used for every timestamp held in the core.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// ErrInvalidTimestamp indicates that a timestamp string could not be parsed.
var ErrInvalidTimestamp = errors.New("inspections: invalid timestamp")

// FormatTimestamp renders t in UTC with millisecond precision.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// ParseTimestamp parses an ISO-8601 timestamp.
func ParseTimestamp(value string) (time.Time, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return time.Time{}, fmt.Errorf("%w: empty", ErrInvalidTimestamp)
	}
	parsed, err := time.Parse(time.RFC3339Nano, trimmed)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrInvalidTimestamp, err)
	}
	return parsed.UTC(), nil
}
