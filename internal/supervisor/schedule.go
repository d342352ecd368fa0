package supervisor

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const secondsPerDay = 24 * 60 * 60

// TimeOfDay is a wall-clock time of day with minute precision.
type TimeOfDay struct {
	Hour   int
	Minute int
}

// ParseTimeOfDay parses a "HH:MM" string (24-hour clock). Trailing characters
// are rejected.
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	hs, ms, _ := strings.Cut(s, ":")
	h, herr := strconv.Atoi(hs)
	m, merr := strconv.Atoi(ms)
	if herr != nil || merr != nil {
		return TimeOfDay{}, fmt.Errorf("invalid time of day %q: want HH:MM", s)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return TimeOfDay{}, fmt.Errorf("time of day %q out of range", s)
	}
	return TimeOfDay{Hour: h, Minute: m}, nil
}

// String returns the time in "HH:MM" form.
func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

func (t TimeOfDay) seconds() int {
	return t.Hour*3600 + t.Minute*60
}

// ScheduleWindow is the daily time-of-day range during which streaming should
// be active. If end <= start the window spans midnight. Immutable once built.
type ScheduleWindow struct {
	Start TimeOfDay
	End   TimeOfDay
}

// NewScheduleWindow parses and validates a daily window. A window whose start
// equals its end is rejected with a ConfigError.
func NewScheduleWindow(start, end string) (ScheduleWindow, error) {
	s, err := ParseTimeOfDay(start)
	if err != nil {
		return ScheduleWindow{}, &ConfigError{Reason: err.Error()}
	}
	e, err := ParseTimeOfDay(end)
	if err != nil {
		return ScheduleWindow{}, &ConfigError{Reason: err.Error()}
	}
	if s == e {
		return ScheduleWindow{}, &ConfigError{Reason: fmt.Sprintf("schedule window start and end are both %s", s)}
	}
	return ScheduleWindow{Start: s, End: e}, nil
}

// SpansMidnight reports whether the window crosses midnight (end before start).
func (w ScheduleWindow) SpansMidnight() bool {
	return w.End.seconds() < w.Start.seconds()
}

// IsWithin reports whether now falls inside [start, end), comparing
// time-of-day only.
func (w ScheduleWindow) IsWithin(now time.Time) bool {
	n := secondsOfDay(now)
	s, e := w.Start.seconds(), w.End.seconds()
	if w.SpansMidnight() {
		return n >= s || n < e
	}
	return n >= s && n < e
}

// UntilStart returns the duration until the next window start, or zero if now
// is already inside the window.
func (w ScheduleWindow) UntilStart(now time.Time) time.Duration {
	if w.IsWithin(now) {
		return 0
	}
	d := w.Start.seconds() - secondsOfDay(now)
	if d <= 0 {
		d += secondsPerDay
	}
	return time.Duration(d) * time.Second
}

// UntilEnd returns the duration until the current window ends, or zero if now
// is outside the window.
func (w ScheduleWindow) UntilEnd(now time.Time) time.Duration {
	if !w.IsWithin(now) {
		return 0
	}
	d := w.End.seconds() - secondsOfDay(now)
	if d <= 0 {
		d += secondsPerDay
	}
	return time.Duration(d) * time.Second
}

// String returns the window in "HH:MM-HH:MM" form.
func (w ScheduleWindow) String() string {
	return w.Start.String() + "-" + w.End.String()
}

func secondsOfDay(t time.Time) int {
	return t.Hour()*3600 + t.Minute()*60 + t.Second()
}
