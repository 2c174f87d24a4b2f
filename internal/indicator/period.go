package indicator

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Period is the span a volume profile accumulates over before it resets.
type Period int

const (
	PeriodSession Period = iota // one UTC calendar day
	PeriodWeek                  // one ISO week
	PeriodMonth                 // one calendar month
)

var periodNames = [...]string{"Session", "Week", "Month"}

func (p Period) String() string {
	if p < 0 || int(p) >= len(periodNames) {
		return "unknown"
	}
	return periodNames[p]
}

// ParsePeriod maps a case-insensitive period name to a Period. "day" and
// "daily" are accepted for Session.
func ParsePeriod(name string) (Period, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "session", "day", "daily":
		return PeriodSession, nil
	case "week", "weekly":
		return PeriodWeek, nil
	case "month", "monthly":
		return PeriodMonth, nil
	}
	return 0, errors.Errorf("unknown profile period %q", name)
}

// ID returns the identifier of the period containing t, computed in UTC:
// "2024-3-15" for a session, "2024-W11" for an ISO week, "2024-M3" for a
// month. Two bars fall in the same period iff their IDs are equal.
func (p Period) ID(t time.Time) string {
	u := t.UTC()
	switch p {
	case PeriodWeek:
		y, w := u.ISOWeek()
		return fmt.Sprintf("%d-W%d", y, w)
	case PeriodMonth:
		return fmt.Sprintf("%d-M%d", u.Year(), int(u.Month()))
	default:
		return fmt.Sprintf("%d-%d-%d", u.Year(), int(u.Month()), u.Day())
	}
}

// Start returns the first instant (UTC) of the period containing t.
func (p Period) Start(t time.Time) time.Time {
	u := t.UTC()
	day := time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
	switch p {
	case PeriodWeek:
		wd := int(day.Weekday())
		if wd == 0 {
			wd = 7
		}
		return day.AddDate(0, 0, 1-wd)
	case PeriodMonth:
		return time.Date(u.Year(), u.Month(), 1, 0, 0, 0, 0, time.UTC)
	default:
		return day
	}
}
