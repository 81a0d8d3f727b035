package common

import (
	"fmt"
	"time"
)

// lptsLayout is a fixed-width RFC 3339 layout with a nine digit fraction.
// Fixed width keeps the serialised form lexicographically orderable, which
// the bookkeeping table relies on.
const lptsLayout = "2006-01-02T15:04:05.000000000Z"

// FormatTimestamp renders t as a fixed-width UTC timestamp string.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(lptsLayout)
}

// ParseTimestamp parses an ISO-8601 UTC timestamp with optional fraction.
func ParseTimestamp(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}
