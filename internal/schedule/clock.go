package schedule

import (
	"fmt"
	"time"
)

// Clock is a wall-clock time of day with second precision, no date.
// Stored as seconds since midnight.
type Clock int

const secondsPerDay = 24 * 60 * 60

// ParseClock parses a strict HH:MM:SS string.
func ParseClock(s string) (Clock, error) {
	t, err := time.Parse("15:04:05", s)
	if err != nil {
		return 0, fmt.Errorf("invalid time %q: %w", s, err)
	}
	return Clock(t.Hour()*3600 + t.Minute()*60 + t.Second()), nil
}

// ClockOf extracts the time of day from t.
func ClockOf(t time.Time) Clock {
	return Clock(t.Hour()*3600 + t.Minute()*60 + t.Second())
}

func (c Clock) Hour() int   { return int(c) / 3600 }
func (c Clock) Minute() int { return (int(c) % 3600) / 60 }
func (c Clock) Second() int { return int(c) % 60 }

func (c Clock) String() string {
	return fmt.Sprintf("%02d:%02d:%02d", c.Hour(), c.Minute(), c.Second())
}

// Before reports whether c is strictly earlier in the day than other.
func (c Clock) Before(other Clock) bool { return c < other }

// After reports whether c is strictly later in the day than other.
func (c Clock) After(other Clock) bool { return c > other }

// At anchors the clock time to the calendar date of day, in day's
// location, plus daysAhead days. Day-rollover is always the caller's
// explicit decision; At never infers "tomorrow" on its own.
func (c Clock) At(day time.Time, daysAhead int) time.Time {
	anchored := time.Date(day.Year(), day.Month(), day.Day(),
		c.Hour(), c.Minute(), c.Second(), 0, day.Location())
	return anchored.AddDate(0, 0, daysAhead)
}

// Window is a device-on interval within a day. End <= Start means the
// window wraps through midnight (23:00-01:00, or a degenerate equal
// pair which is treated as a full-day wrap).
type Window struct {
	Start Clock
	End   Clock
}

// CrossesMidnight reports whether the window wraps through 24:00.
func (w Window) CrossesMidnight() bool {
	return w.End <= w.Start
}

// Contains reports whether now lies inside [Start, End), accounting for
// midnight wrap.
func (w Window) Contains(now Clock) bool {
	if w.CrossesMidnight() {
		return now >= w.Start || now < w.End
	}
	return now >= w.Start && now < w.End
}

// Elapsed reports whether the window has fully passed for today. Only
// meaningful for non-wrapping windows: a wrapping window's end belongs
// to tomorrow, so it is never "elapsed" within its own day.
func (w Window) Elapsed(now Clock) bool {
	if w.CrossesMidnight() {
		return false
	}
	return now >= w.End
}
