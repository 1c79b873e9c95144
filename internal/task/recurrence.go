package task

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

type RecurrenceKind string

const (
	RecurNone      RecurrenceKind = ""
	RecurDaily     RecurrenceKind = "daily"
	RecurWeekly    RecurrenceKind = "weekly"
	RecurEveryDays RecurrenceKind = "every_n_days"
	RecurInterval  RecurrenceKind = "interval"
	RecurCron      RecurrenceKind = "cron"
)

// MinInterval is the shortest custom interval accepted. Anything finer would
// be dominated by the scheduler's polling interval.
const MinInterval = time.Minute

// cronParser accepts standard 5-field specs and descriptors such as @daily.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Recurrence is a pure rule: the next occurrence is a function of the
// previous due time, the rule, and a reference time. Nothing about it lives
// outside the persisted task.
type Recurrence struct {
	Kind  RecurrenceKind `json:"kind,omitempty"`
	Days  int            `json:"days,omitempty"`  // RecurEveryDays
	Every time.Duration  `json:"every,omitempty"` // RecurInterval
	Cron  string         `json:"cron,omitempty"`  // RecurCron
	// TZ is the IANA zone used for calendar arithmetic (wall-clock preserving
	// across DST). Empty means UTC.
	TZ string `json:"tz,omitempty"`
}

func (r Recurrence) IsNone() bool { return r.Kind == RecurNone }

func (r Recurrence) Validate() error {
	switch r.Kind {
	case RecurNone, RecurDaily, RecurWeekly:
	case RecurEveryDays:
		if r.Days < 1 {
			return Validation("every-N-days recurrence needs N >= 1, got %d", r.Days)
		}
	case RecurInterval:
		if r.Every < MinInterval {
			return Validation("interval recurrence must be at least %s, got %s", MinInterval, r.Every)
		}
	case RecurCron:
		if _, err := cronParser.Parse(r.Cron); err != nil {
			return Validation("invalid cron recurrence %q: %v", r.Cron, err)
		}
	default:
		return Validation("unknown recurrence kind %q", r.Kind)
	}
	if _, err := r.Location(); err != nil {
		return err
	}
	return nil
}

// Location resolves TZ, defaulting to UTC.
func (r Recurrence) Location() (*time.Location, error) {
	tz := strings.TrimSpace(r.TZ)
	if tz == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, Validation("unknown timezone %q", tz)
	}
	return loc, nil
}

// Next returns the first occurrence strictly after both due and ref.
// Occurrences in between are skipped. It returns the zero time for tasks
// without recurrence.
func (r Recurrence) Next(due, ref time.Time) (time.Time, error) {
	if r.IsNone() {
		return time.Time{}, nil
	}
	if err := r.Validate(); err != nil {
		return time.Time{}, err
	}
	loc, _ := r.Location()

	switch r.Kind {
	case RecurDaily:
		return Normalize(nextByDays(due, ref, 1, loc)), nil
	case RecurWeekly:
		return Normalize(nextByDays(due, ref, 7, loc)), nil
	case RecurEveryDays:
		return Normalize(nextByDays(due, ref, r.Days, loc)), nil
	case RecurInterval:
		k := int64(1)
		if ref.After(due) {
			k = int64(ref.Sub(due)/r.Every) + 1
		}
		next := due.Add(time.Duration(k) * r.Every)
		for !next.After(ref) {
			next = next.Add(r.Every)
		}
		return Normalize(next), nil
	case RecurCron:
		sched, err := cronParser.Parse(r.Cron)
		if err != nil {
			return time.Time{}, Validation("invalid cron recurrence %q: %v", r.Cron, err)
		}
		from := due
		if ref.After(from) {
			from = ref
		}
		next := sched.Next(from.In(loc))
		if next.IsZero() {
			return time.Time{}, Validation("cron recurrence %q has no future occurrence", r.Cron)
		}
		return Normalize(next), nil
	}
	return time.Time{}, Validation("unknown recurrence kind %q", r.Kind)
}

// nextByDays steps the wall clock of due in loc by multiples of step days
// until it passes ref. The estimate keeps the loop short after long downtime.
func nextByDays(due, ref time.Time, step int, loc *time.Location) time.Time {
	local := due.In(loc)
	k := 1
	if ref.After(due) {
		span := time.Duration(step) * 24 * time.Hour
		if est := int(ref.Sub(due)/span) - 1; est > k {
			k = est
		}
	}
	for {
		next := local.AddDate(0, 0, k*step)
		if next.After(ref) && next.After(due) {
			return next
		}
		k++
	}
}

func (r Recurrence) String() string {
	switch r.Kind {
	case RecurNone:
		return "none"
	case RecurDaily:
		return "daily"
	case RecurWeekly:
		return "weekly"
	case RecurEveryDays:
		if r.Days == 1 {
			return "daily"
		}
		return fmt.Sprintf("every %d days", r.Days)
	case RecurInterval:
		return "every " + r.Every.String()
	case RecurCron:
		return "cron " + r.Cron
	}
	return string(r.Kind)
}

var reEveryDays = regexp.MustCompile(`^(\d{1,4})\s*(d|day|days)$`)

// ParseRecurrence parses chat/CLI recurrence text.
//
// Supported forms:
//   - "", "none", "once"
//   - "daily", "weekly"
//   - "every 3d", "every 3 days", "every:3d"
//   - "every 90m", "every 2h", "interval:45m"
//   - "cron:0 9 * * 1-5", "@daily"
func ParseRecurrence(raw, tz string) (Recurrence, error) {
	s := strings.TrimSpace(raw)
	low := strings.ToLower(s)
	var r Recurrence

	switch {
	case low == "" || low == "none" || low == "once":
		return Recurrence{}, nil
	case low == "daily" || low == "every day":
		r = Recurrence{Kind: RecurDaily}
	case low == "weekly" || low == "every week":
		r = Recurrence{Kind: RecurWeekly}
	case strings.HasPrefix(low, "cron:"):
		r = Recurrence{Kind: RecurCron, Cron: strings.TrimSpace(s[len("cron:"):])}
	case strings.HasPrefix(low, "@"):
		r = Recurrence{Kind: RecurCron, Cron: s}
	case strings.HasPrefix(low, "every:"), strings.HasPrefix(low, "every "), strings.HasPrefix(low, "interval:"):
		rest := low[strings.IndexAny(low, ": ")+1:]
		v, err := parseEvery(strings.TrimSpace(rest))
		if err != nil {
			return Recurrence{}, err
		}
		r = v
	default:
		v, err := parseEvery(low)
		if err != nil {
			return Recurrence{}, Validation("invalid recurrence %q (use daily, weekly, 'every 3d', 'every 2h' or 'cron:<expr>')", raw)
		}
		r = v
	}
	r.TZ = strings.TrimSpace(tz)
	if err := r.Validate(); err != nil {
		return Recurrence{}, err
	}
	return r, nil
}

func parseEvery(v string) (Recurrence, error) {
	if m := reEveryDays.FindStringSubmatch(v); m != nil {
		n, _ := strconv.Atoi(m[1])
		if n == 1 {
			return Recurrence{Kind: RecurDaily}, nil
		}
		if n == 7 {
			return Recurrence{Kind: RecurWeekly}, nil
		}
		return Recurrence{Kind: RecurEveryDays, Days: n}, nil
	}
	d, err := time.ParseDuration(strings.ReplaceAll(v, " ", ""))
	if err != nil {
		return Recurrence{}, Validation("invalid interval %q", v)
	}
	return Recurrence{Kind: RecurInterval, Every: d}, nil
}
