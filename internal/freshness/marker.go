// Package freshness turns the last_sync_at values found on local and remote rows
// into comparable markers.
package freshness

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cast"
)

// secondsCutoff separates epoch seconds from epoch milliseconds. Values below it are
// seconds (anything before year 5138); values at or above it are milliseconds.
const secondsCutoff = 100_000_000_000

// Marker is a freshness value in unix milliseconds. Zero means "never synced".
type Marker int64

// Int64 exposes the raw millisecond value.
func (m Marker) Int64() int64 {
	return int64(m)
}

// String renders the marker the way it is persisted in last_sync_at.
func (m Marker) String() string {
	return strconv.FormatInt(int64(m), 10)
}

// FromTime converts a wall clock instant to a marker.
func FromTime(instant time.Time) Marker {
	if instant.IsZero() {
		return 0
	}
	return Marker(instant.UnixMilli())
}

// Parse accepts numeric epochs (seconds or milliseconds, as numbers or strings),
// ISO-8601 strings and space separated SQL datetimes. Anything else, including nil
// and empty strings, yields zero.
func Parse(value any) Marker {
	switch typed := value.(type) {
	case nil:
		return 0
	case Marker:
		return typed
	case time.Time:
		return FromTime(typed)
	case string:
		return parseString(typed)
	case json.Number:
		return parseString(typed.String())
	case []byte:
		return parseString(string(typed))
	}

	number, err := cast.ToInt64E(value)
	if err != nil {
		return 0
	}
	return fromEpoch(number)
}

func parseString(raw string) Marker {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0
	}
	if isNumeric(trimmed) {
		number, err := cast.ToInt64E(strings.TrimLeft(trimmed, "0"))
		if err != nil {
			return 0
		}
		return fromEpoch(number)
	}
	instant, err := cast.ToTimeE(trimmed)
	if err != nil {
		return 0
	}
	return FromTime(instant)
}

func fromEpoch(number int64) Marker {
	if number <= 0 {
		return 0
	}
	if number < secondsCutoff {
		return Marker(number * 1000)
	}
	return Marker(number)
}

func isNumeric(value string) bool {
	for _, r := range value {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Max returns the largest marker among the parsed values.
func Max(values ...any) Marker {
	var highest Marker
	for _, value := range values {
		if marker := Parse(value); marker > highest {
			highest = marker
		}
	}
	return highest
}
