package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Window is a daily time range with a weekday filter. From and To are
// minutes after midnight; a window with From > To wraps past midnight.
type Window struct {
	From     int
	To       int
	weekdays map[time.Weekday]bool // nil means every day
}

// ParseClock parses "HH:MM" into minutes after midnight.
func ParseClock(value string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("invalid time %q, expected HH:MM", value)
	}
	return t.Hour()*60 + t.Minute(), nil
}

var dayNames = map[string]time.Weekday{
	"mon": time.Monday,
	"tue": time.Tuesday,
	"wed": time.Wednesday,
	"thu": time.Thursday,
	"fri": time.Friday,
	"sat": time.Saturday,
	"sun": time.Sunday,
}

// ParseWeekdays accepts "all" or a comma separated list of ISO day numbers
// (1 = Monday, 7 = Sunday) or three letter English names.
func ParseWeekdays(value string) (map[time.Weekday]bool, error) {
	value = strings.ToLower(strings.TrimSpace(value))
	if value == "" || value == "all" || value == "*" {
		return nil, nil
	}

	days := make(map[time.Weekday]bool)
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if day, ok := dayNames[part]; ok {
			days[day] = true
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil || n < 1 || n > 7 {
			return nil, fmt.Errorf("invalid weekday %q", part)
		}
		days[time.Weekday(n%7)] = true
	}
	return days, nil
}

// ParseWindow builds a Window from schedule columns.
func ParseWindow(from, to, weekdays string) (Window, error) {
	f, err := ParseClock(from)
	if err != nil {
		return Window{}, err
	}
	t, err := ParseClock(to)
	if err != nil {
		return Window{}, err
	}
	days, err := ParseWeekdays(weekdays)
	if err != nil {
		return Window{}, err
	}
	return Window{From: f, To: t, weekdays: days}, nil
}

// Start returns the start of the window occurrence containing now, and
// false when now is outside the window. Bounds are inclusive to the minute.
// The weekday filter applies to the day the occurrence started on.
func (w Window) Start(now time.Time) (time.Time, bool) {
	minute := now.Hour()*60 + now.Minute()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	var start time.Time
	switch {
	case w.From <= w.To:
		if minute < w.From || minute > w.To {
			return time.Time{}, false
		}
		start = midnight
	case minute >= w.From:
		start = midnight
	case minute <= w.To:
		start = midnight.AddDate(0, 0, -1)
	default:
		return time.Time{}, false
	}
	start = start.Add(time.Duration(w.From) * time.Minute)

	if w.weekdays != nil && !w.weekdays[start.Weekday()] {
		return time.Time{}, false
	}
	return start, true
}
