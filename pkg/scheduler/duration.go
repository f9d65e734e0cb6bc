package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// ISO-8601 durations for interval schedules: an optional day component
// plus PT hour/minute/second combinations (PT5M, PT1H30M, P1DT12H, ...).
// Empty or malformed expressions are rejected.
var isoDurationRe = regexp.MustCompile(`^P(?:(\d+)D)?(?:T(?:(\d+)H)?(?:(\d+)M)?(?:(\d+(?:\.\d+)?)S)?)?$`)

// ParseISODuration parses an ISO-8601 duration into a time.Duration.
func ParseISODuration(expr string) (time.Duration, error) {
	m := isoDurationRe.FindStringSubmatch(expr)
	if m == nil {
		return 0, fmt.Errorf("malformed ISO-8601 duration %q", expr)
	}
	var total time.Duration
	any := false
	if m[1] != "" {
		days, _ := strconv.Atoi(m[1])
		total += time.Duration(days) * 24 * time.Hour
		any = true
	}
	if m[2] != "" {
		hours, _ := strconv.Atoi(m[2])
		total += time.Duration(hours) * time.Hour
		any = true
	}
	if m[3] != "" {
		minutes, _ := strconv.Atoi(m[3])
		total += time.Duration(minutes) * time.Minute
		any = true
	}
	if m[4] != "" {
		seconds, _ := strconv.ParseFloat(m[4], 64)
		total += time.Duration(seconds * float64(time.Second))
		any = true
	}
	if !any {
		return 0, fmt.Errorf("empty ISO-8601 duration %q", expr)
	}
	if total <= 0 {
		return 0, fmt.Errorf("non-positive ISO-8601 duration %q", expr)
	}
	return total, nil
}
