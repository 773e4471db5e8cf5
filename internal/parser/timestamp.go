package parser

import (
	"strconv"
	"strings"
	"time"
)

// timestampLayouts are the accepted timestamp formats, tried in order. All
// are interpreted as UTC; a trailing " UTC" is stripped first.
var timestampLayouts = []string{
	"2006-01-02 15:04:05",
	"Jan 2, 2006 15:04:05",
	"01/02/2006 15:04:05",
	time.RFC3339,
	"2006-01-02T15:04:05",
}

// ParseTimestamp parses text with the accepted formats. ok is false when
// none match; callers keep the observation with a null timestamp.
func ParseTimestamp(text string) (time.Time, bool) {
	s := strings.TrimSpace(text)
	s = strings.TrimSpace(strings.TrimSuffix(s, "UTC"))
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UTC(), true
		}
	}
	// Some sidecars carry epoch milliseconds.
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil && ms > 1e11 {
		return time.UnixMilli(ms).UTC(), true
	}
	return time.Time{}, false
}

// ParseLocation extracts coordinates from "Latitude, Longitude: 51.5, -0.12".
// ok is false when the text carries no usable pair. The exporter writes
// 0, 0 for unknown locations, which is also reported as not ok.
func ParseLocation(text string) (lat, lon float64, ok bool) {
	s := text
	if i := strings.LastIndexByte(s, ':'); i >= 0 {
		s = s[i+1:]
	}
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return 0, 0, false
	}
	lat, err1 := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	lon, err2 := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	if lat == 0 && lon == 0 {
		return 0, 0, false
	}
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return 0, 0, false
	}
	return lat, lon, true
}
