package normalize

import (
	"strings"
	"time"
)

// timestampFields is the ordered list of keys a raw frame might carry its
// timestamp under, covering both the live-socket and historical-replay
// shapes (spec §4.2).
var timestampFields = []string{"Time", "Timestamp", "time"}

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
}

// parseTimestamp extracts and parses a frame's timestamp. If the raw
// string already carries an explicit offset (or "Z"), it is parsed as-is;
// otherwise the Normalizer's configured local offset is appended before
// parsing (spec §3, §4.2).
func (n *Normalizer) parseTimestamp(data map[string]any) (time.Time, bool) {
	raw := firstString(data, timestampFields)
	if raw == "" {
		return time.Time{}, false
	}

	if hasExplicitOffset(raw) {
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, raw); err == nil {
				return t.UTC(), true
			}
		}
		return time.Time{}, false
	}

	withOffset := raw + n.localOffset
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout+"-07:00", withOffset); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func hasExplicitOffset(s string) bool {
	if strings.HasSuffix(s, "Z") {
		return true
	}
	// An offset looks like +HH:MM or -HH:MM at the tail; a bare date-time
	// has no '+' and its only '-' characters are the date separators
	// (positions 4 and 7), so look past those.
	if len(s) < 10 {
		return false
	}
	tail := s[10:]
	return strings.ContainsAny(tail, "+") || strings.Contains(tail, "-")
}

func firstString(data map[string]any, keys []string) string {
	for _, k := range keys {
		if v, ok := data[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
