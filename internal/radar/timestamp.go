package radar

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// TimestampLayout is the MRMS file naming layout for observation times (UTC).
const TimestampLayout = "20060102-150405"

// Timestamp identifies one observation cycle, e.g. "20251107-200036".
// The fixed-width layout makes lexicographic order chronological.
type Timestamp string

var filenamePattern = regexp.MustCompile(`MRMS_MergedReflectivityQC_(\d{2}\.\d{2})_(\d{8}-\d{6})\.grib2`)

// ParseTimestamp validates s against TimestampLayout.
func ParseTimestamp(s string) (Timestamp, error) {
	t, err := time.Parse(TimestampLayout, s)
	if err != nil {
		return "", fmt.Errorf("invalid observation timestamp %q: %w", s, err)
	}
	return TimestampFromTime(t), nil
}

// TimestampFromTime formats t in UTC.
func TimestampFromTime(t time.Time) Timestamp {
	return Timestamp(t.UTC().Format(TimestampLayout))
}

// Time returns the instant ts denotes, or the zero time if ts is malformed.
func (ts Timestamp) Time() time.Time {
	t, err := time.Parse(TimestampLayout, string(ts))
	if err != nil {
		return time.Time{}
	}
	return t
}

func (ts Timestamp) String() string { return string(ts) }

// Before reports whether ts is strictly older than other.
func (ts Timestamp) Before(other Timestamp) bool { return ts < other }

// IsZero reports whether ts is empty.
func (ts Timestamp) IsZero() bool { return ts == "" }

// ParseFilename extracts the elevation angle and observation timestamp from an
// MRMS file name such as MRMS_MergedReflectivityQC_00.50_20251107-200036.grib2.gz.
func ParseFilename(name string) (elevation float64, ts Timestamp, ok bool) {
	m := filenamePattern.FindStringSubmatch(name)
	if m == nil {
		return 0, "", false
	}
	elevation, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, "", false
	}
	ts, err = ParseTimestamp(m[2])
	if err != nil {
		return 0, "", false
	}
	return elevation, ts, true
}

// Filename builds the compressed MRMS file name for an elevation and timestamp.
func Filename(elevation float64, ts Timestamp) string {
	return fmt.Sprintf("MRMS_MergedReflectivityQC_%s_%s.grib2.gz", FormatElevation(elevation), ts)
}

// FormatElevation renders an elevation angle the way MRMS paths do ("00.50").
func FormatElevation(elevation float64) string {
	return fmt.Sprintf("%05.2f", elevation)
}

// ElevationDir renders an elevation angle as a directory-safe name ("00_50").
func ElevationDir(elevation float64) string {
	return strings.ReplaceAll(FormatElevation(elevation), ".", "_")
}
