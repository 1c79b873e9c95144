package task

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// DefaultDueHour is the wall-clock hour used when only a date is given.
const DefaultDueHour = 9

var (
	reRelative = regexp.MustCompile(`^(?:\+|in\s+)(\d+)\s*(d|day|days)$`)
	reClock    = regexp.MustCompile(`^(\d{1,2}):(\d{2})$`)
)

var localLayouts = []string{
	"2006-01-02 15:04",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
}

// ParseDue parses user-supplied due time text relative to now in loc.
//
// Supported forms:
//   - RFC3339: "2024-01-01T09:00:00Z"
//   - local date time: "2024-01-01 09:00"
//   - date only: "2024-01-01" (09:00 local)
//   - clock only: "18:30" (today, or tomorrow when already past)
//   - "tomorrow", "tomorrow 18:30"
//   - relative: "+30m", "in 2h", "in 3d"
func ParseDue(raw string, now time.Time, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	s := strings.TrimSpace(raw)
	if s == "" {
		return time.Time{}, Validation("due time is required")
	}
	low := strings.ToLower(s)
	local := now.In(loc)

	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return Normalize(t), nil
	}
	for _, layout := range localLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return Normalize(t), nil
		}
	}
	if t, err := time.ParseInLocation("2006-01-02", s, loc); err == nil {
		y, mo, d := t.Date()
		return Normalize(time.Date(y, mo, d, DefaultDueHour, 0, 0, 0, loc)), nil
	}

	if m := reRelative.FindStringSubmatch(low); m != nil {
		n, _ := strconv.Atoi(m[1])
		if n <= 0 {
			return time.Time{}, Validation("relative due time must be positive")
		}
		return Normalize(local.AddDate(0, 0, n)), nil
	}
	if rest, ok := cutRelative(low); ok {
		d, err := time.ParseDuration(rest)
		if err != nil || d <= 0 {
			return time.Time{}, Validation("invalid relative due time %q", raw)
		}
		return Normalize(now.Add(d)), nil
	}

	if rest, ok := strings.CutPrefix(low, "tomorrow"); ok {
		rest = strings.TrimSpace(rest)
		h, m := DefaultDueHour, 0
		if rest != "" {
			var err error
			if h, m, err = parseClock(rest); err != nil {
				return time.Time{}, err
			}
		}
		d := local.AddDate(0, 0, 1)
		return Normalize(time.Date(d.Year(), d.Month(), d.Day(), h, m, 0, 0, loc)), nil
	}

	if reClock.MatchString(low) {
		h, m, err := parseClock(low)
		if err != nil {
			return time.Time{}, err
		}
		t := time.Date(local.Year(), local.Month(), local.Day(), h, m, 0, 0, loc)
		if !t.After(now) {
			t = time.Date(local.Year(), local.Month(), local.Day()+1, h, m, 0, 0, loc)
		}
		return Normalize(t), nil
	}

	return time.Time{}, Validation("unrecognized due time %q (use 2024-01-31 09:00, 18:30, tomorrow, or +2h)", raw)
}

func cutRelative(low string) (string, bool) {
	if rest, ok := strings.CutPrefix(low, "+"); ok {
		return strings.TrimSpace(rest), true
	}
	if rest, ok := strings.CutPrefix(low, "in "); ok {
		return strings.ReplaceAll(strings.TrimSpace(rest), " ", ""), true
	}
	return "", false
}

func parseClock(v string) (int, int, error) {
	m := reClock.FindStringSubmatch(strings.TrimSpace(v))
	if len(m) != 3 {
		return 0, 0, Validation("invalid clock time %q (use HH:MM)", v)
	}
	h, _ := strconv.Atoi(m[1])
	mm, _ := strconv.Atoi(m[2])
	if h > 23 || mm > 59 {
		return 0, 0, Validation("invalid clock time %q", v)
	}
	return h, mm, nil
}
