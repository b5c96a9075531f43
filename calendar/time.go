/*
Package calendar provides the wall-clock types used by scheduling.

PURPOSE:
  Availability and reservations are expressed in local wall-clock terms:
  a calendar Date plus a minute-precision Clock. Instants (time.Time) only
  appear at the edges, when comparing against "now" or computing cutoffs,
  and are produced with an explicit *time.Location.

KEY CONCEPTS IN THIS PACKAGE:
  - Date:   a civil date with no time zone (2026-03-02)
  - Clock:  minutes since local midnight, 00:00 through 24:00
  - Window: a [Start, End) span of Clock values on one date
  - Range:  an inclusive span of Dates (range.go)

SEE ALSO:
  - range.go: Range and day iteration
  - slots/expand.go: generates windows from weekly rules
*/
package calendar

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/vitalslot/booking-engine/errs"
)

// =============================================================================
// DATE - Civil date, no time zone
// =============================================================================

const dateLayout = "2006-01-02"

type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// NewDate normalizes out-of-range values the way time.Date does.
func NewDate(year int, month time.Month, day int) Date {
	return DateOf(time.Date(year, month, day, 0, 0, 0, 0, time.UTC))
}

// DateOf returns the civil date of t in t's own location.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

func ParseDate(s string) (Date, error) {
	t, err := time.Parse(dateLayout, strings.TrimSpace(s))
	if err != nil {
		return Date{}, errs.Invalid("date", "%q is not a YYYY-MM-DD date", s)
	}
	return DateOf(t), nil
}

func (d Date) utc() time.Time { return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC) }

// Comparison
func (d Date) Before(o Date) bool { return d.utc().Before(o.utc()) }
func (d Date) After(o Date) bool  { return d.utc().After(o.utc()) }
func (d Date) Equal(o Date) bool  { return d == o }

// Compare returns -1, 0 or +1.
func (d Date) Compare(o Date) int {
	switch {
	case d.Before(o):
		return -1
	case d.After(o):
		return 1
	}
	return 0
}

// Arithmetic
func (d Date) AddDays(n int) Date    { return DateOf(d.utc().AddDate(0, 0, n)) }
func (d Date) Weekday() time.Weekday { return d.utc().Weekday() }
func (d Date) IsZero() bool          { return d == Date{} }
func (d Date) DaysUntil(o Date) int  { return int(o.utc().Sub(d.utc()).Hours() / 24) }
func (d Date) String() string        { return d.utc().Format(dateLayout) }

func (d Date) Midnight(loc *time.Location) time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, loc)
}

// At returns the instant the wall clock in loc reads c on date d, which is not
// midnight plus c on DST-change days. EndOfDay is the next midnight.
func (d Date) At(c Clock, loc *time.Location) time.Time {
	return time.Date(d.Year, d.Month, d.Day, c.Hour(), c.Minute(), 0, 0, loc)
}

func (d Date) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

func (d *Date) UnmarshalText(b []byte) error {
	parsed, err := ParseDate(string(b))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// =============================================================================
// CLOCK - Minute-precision wall-clock time
// =============================================================================

// Clock is minutes since local midnight. 24:00 (EndOfDay) is valid as an end bound.
type Clock int

const EndOfDay Clock = 24 * 60

func NewClock(hour, minute int) Clock { return Clock(hour*60 + minute) }

func ParseClock(s string) (Clock, error) {
	s = strings.TrimSpace(s)
	if len(s) != 5 || s[2] != ':' {
		return 0, errs.Invalid("time", "%q is not an HH:MM time", s)
	}
	h, errH := strconv.Atoi(s[:2])
	m, errM := strconv.Atoi(s[3:])
	if errH != nil || errM != nil {
		return 0, errs.Invalid("time", "%q is not an HH:MM time", s)
	}
	c := NewClock(h, m)
	if h < 0 || m < 0 || m > 59 || c > EndOfDay {
		return 0, errs.Invalid("time", "%q is out of range", s)
	}
	return c, nil
}

// MustClock panics on malformed input. Intended for presets and tests.
func MustClock(s string) Clock {
	c, err := ParseClock(s)
	if err != nil {
		panic(err)
	}
	return c
}

func (c Clock) Hour() int   { return int(c) / 60 }
func (c Clock) Minute() int { return int(c) % 60 }

func (c Clock) Add(d time.Duration) Clock { return c + Clock(d/time.Minute) }

func (c Clock) String() string { return fmt.Sprintf("%02d:%02d", c.Hour(), c.Minute()) }

func (c Clock) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

func (c *Clock) UnmarshalText(b []byte) error {
	parsed, err := ParseClock(string(b))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// =============================================================================
// WINDOW - [Start, End) on a single date
// =============================================================================

type Window struct {
	Start Clock
	End   Clock
}

func (w Window) Duration() time.Duration { return time.Duration(w.End-w.Start) * time.Minute }

// Validate rejects zero-length, inverted and out-of-day windows.
func (w Window) Validate() error {
	if w.Start < 0 || w.End > EndOfDay {
		return errs.Invalid("window", "%s is outside the day", w)
	}
	if w.Start >= w.End {
		return errs.Invalid("window", "start %s must be before end %s", w.Start, w.End)
	}
	return nil
}

// Overlaps is true when the half-open windows share at least one minute.
// Adjacent windows (10:00-10:15, 10:15-10:30) do not overlap.
func (w Window) Overlaps(o Window) bool { return w.Start < o.End && o.Start < w.End }

func (w Window) String() string { return w.Start.String() + "-" + w.End.String() }

// =============================================================================
// WEEKDAY - Parsing for rule definitions
// =============================================================================

var weekdayNames = map[string]time.Weekday{
	"SUN": time.Sunday, "SUNDAY": time.Sunday,
	"MON": time.Monday, "MONDAY": time.Monday,
	"TUE": time.Tuesday, "TUESDAY": time.Tuesday,
	"WED": time.Wednesday, "WEDNESDAY": time.Wednesday,
	"THU": time.Thursday, "THURSDAY": time.Thursday,
	"FRI": time.Friday, "FRIDAY": time.Friday,
	"SAT": time.Saturday, "SATURDAY": time.Saturday,
}

func ParseWeekday(s string) (time.Weekday, error) {
	wd, ok := weekdayNames[strings.ToUpper(strings.TrimSpace(s))]
	if !ok {
		return 0, errs.Invalid("day_of_week", "%q is not a day of the week", s)
	}
	return wd, nil
}

// WeekdayCode is the three-letter upper-case code used on the wire (MON..SUN).
func WeekdayCode(wd time.Weekday) string {
	return strings.ToUpper(wd.String()[:3])
}
