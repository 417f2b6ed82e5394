package descriptor

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	// InfiniteTime disables a timeout.
	InfiniteTime time.Duration = -1

	// ZeroTime makes a blocking call check its condition once and return.
	ZeroTime time.Duration = 0
)

// ParseTimeout parses a timeout given as "infinite", "zero", "now", a Go
// duration ("30s") or a number of seconds ("5").
func ParseTimeout(s string) (time.Duration, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "infinite", "inf", "-1":
		return InfiniteTime, nil
	case "zero", "now", "0":
		return ZeroTime, nil
	}

	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		if secs < 0 {
			return 0, fmt.Errorf("negative timeout %q", s)
		}

		return time.Duration(secs) * time.Second, nil
	}

	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("parse timeout %q: %w", s, err)
	}

	if d < 0 {
		return 0, fmt.Errorf("negative timeout %q", s)
	}

	return d, nil
}

// ParseTime parses an absolute point in time given as "now", an RFC 3339
// timestamp or a duration relative to now prefixed with '+' ("+10m").
func ParseTime(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)

	switch {
	case strings.EqualFold(s, "now"):
		return now, nil

	case strings.HasPrefix(s, "+"):
		d, err := time.ParseDuration(s[1:])
		if err != nil {
			return time.Time{}, fmt.Errorf("parse relative time %q: %w", s, err)
		}

		return now.Add(d), nil

	default:
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
		}

		return t, nil
	}
}
