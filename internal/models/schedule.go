package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Weekdays is a bit set of time.Weekday values.
type Weekdays uint8

const (
	Weekend  Weekdays = 1<<time.Saturday | 1<<time.Sunday
	Workdays Weekdays = 1<<time.Monday | 1<<time.Tuesday | 1<<time.Wednesday | 1<<time.Thursday | 1<<time.Friday
	Everyday          = Weekend | Workdays
)

var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday,
	"mon": time.Monday,
	"tue": time.Tuesday,
	"wed": time.Wednesday,
	"thu": time.Thursday,
	"fri": time.Friday,
	"sat": time.Saturday,
}

func (w Weekdays) Has(d time.Weekday) bool {
	return w&(1<<d) != 0
}

func (w Weekdays) String() string {
	switch w {
	case Everyday:
		return "daily"
	case Workdays:
		return "mon-fri"
	case Weekend:
		return "sat,sun"
	}
	var names []string
	for d := time.Sunday; d <= time.Saturday; d++ {
		if w.Has(d) {
			names = append(names, strings.ToLower(d.String()[:3]))
		}
	}
	return strings.Join(names, ",")
}

// ParseWeekdays accepts "daily", "weekdays", "weekend", comma lists and
// ranges such as "mon-fri" or "mon,wed,fri".
func ParseWeekdays(s string) (Weekdays, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "daily", "everyday", "*":
		return Everyday, nil
	case "weekdays", "workdays":
		return Workdays, nil
	case "weekend":
		return Weekend, nil
	}

	var set Weekdays
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		from, to, isRange := strings.Cut(part, "-")
		start, ok := weekdayNames[from]
		if !ok {
			return 0, fmt.Errorf("unknown weekday %q", from)
		}
		if !isRange {
			set |= 1 << start
			continue
		}
		end, ok := weekdayNames[to]
		if !ok {
			return 0, fmt.Errorf("unknown weekday %q", to)
		}
		for d := start; ; d = (d + 1) % 7 {
			set |= 1 << d
			if d == end {
				break
			}
		}
	}
	return set, nil
}

// TimeOfDay is a wall-clock time with minute resolution.
type TimeOfDay struct {
	Hour   int
	Minute int
}

func ParseTimeOfDay(s string) (TimeOfDay, error) {
	h, m, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return TimeOfDay{}, fmt.Errorf("invalid time %q: want HH:MM", s)
	}
	hour, err := strconv.Atoi(h)
	if err != nil || hour < 0 || hour > 23 {
		return TimeOfDay{}, fmt.Errorf("invalid hour in %q", s)
	}
	minute, err := strconv.Atoi(m)
	if err != nil || minute < 0 || minute > 59 {
		return TimeOfDay{}, fmt.Errorf("invalid minute in %q", s)
	}
	return TimeOfDay{Hour: hour, Minute: minute}, nil
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// On returns the occurrence of t on the calendar date of day, in day's location.
func (t TimeOfDay) On(day time.Time) time.Time {
	y, mo, d := day.Date()
	return time.Date(y, mo, d, t.Hour, t.Minute, 0, 0, day.Location())
}

// ScheduleEntry is the configured part of a ScheduledJob: when it fires and
// under which poll tag. The device and handler are bound when jobs are built.
type ScheduleEntry struct {
	Days Weekdays
	At   TimeOfDay
	Tag  string
}

func (e ScheduleEntry) String() string {
	return fmt.Sprintf("%s %s %s", e.Days, e.At, e.Tag)
}

// ParseSchedule parses ";"-separated "weekdays HH:MM tag" entries.
func ParseSchedule(s string) ([]ScheduleEntry, error) {
	var entries []ScheduleEntry
	for _, raw := range strings.Split(s, ";") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		fields := strings.Fields(raw)
		if len(fields) != 3 {
			return nil, fmt.Errorf("invalid schedule entry %q: want \"weekdays HH:MM tag\"", raw)
		}
		days, err := ParseWeekdays(fields[0])
		if err != nil {
			return nil, fmt.Errorf("invalid schedule entry %q: %w", raw, err)
		}
		at, err := ParseTimeOfDay(fields[1])
		if err != nil {
			return nil, fmt.Errorf("invalid schedule entry %q: %w", raw, err)
		}
		entries = append(entries, ScheduleEntry{Days: days, At: at, Tag: fields[2]})
	}
	return entries, nil
}
