package record

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// timestampLayouts are tried in order when a timestamp arrives as text.
// Backends without a native timestamp type hand back whatever was written.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// Row is a loosely typed remote row keyed by column name.
type Row = map[string]any

// FormatTimestamp renders t as an ISO-8601 string with microsecond precision,
// the representation written to the last_changed column.
func FormatTimestamp(t time.Time) string {
	return t.Format("2006-01-02T15:04:05.999999-07:00")
}

// ParseTimestamp parses an ISO-8601 timestamp. Values without a zone are
// taken to be UTC.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
}

// SameTimestamp reports whether a and b name the same instant. Strings that
// do not parse are compared verbatim.
func SameTimestamp(a, b string) bool {
	ta, errA := ParseTimestamp(a)
	tb, errB := ParseTimestamp(b)
	if errA != nil || errB != nil {
		return a == b
	}
	return ta.Equal(tb)
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint32:
		return int64(n), true
	case float64:
		if n != math.Trunc(n) {
			return 0, false
		}
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		return i, err == nil
	default:
		return 0, false
	}
}

func asBool(v any) (bool, bool) {
	switch b := v.(type) {
	case bool:
		return b, true
	case int64:
		// SQLite stores booleans as integers.
		return b != 0, true
	case int:
		return b != 0, true
	default:
		return false, false
	}
}

func asTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		parsed, err := ParseTimestamp(t)
		return parsed, err == nil
	case []byte:
		parsed, err := ParseTimestamp(string(t))
		return parsed, err == nil
	default:
		return time.Time{}, false
	}
}

func asTimestampString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case []byte:
		return string(t), true
	case time.Time:
		return FormatTimestamp(t.UTC()), true
	default:
		return "", false
	}
}

func asString(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case []byte:
		return string(s), true
	default:
		return "", false
	}
}

func asAttributes(v any) (map[string]any, bool) {
	switch a := v.(type) {
	case map[string]any:
		return a, true
	case string:
		return decodeAttributes([]byte(a))
	case []byte:
		return decodeAttributes(a)
	default:
		return nil, false
	}
}

func decodeAttributes(data []byte) (map[string]any, bool) {
	var attrs map[string]any
	if err := json.Unmarshal(data, &attrs); err != nil {
		return nil, false
	}
	return attrs, true
}
