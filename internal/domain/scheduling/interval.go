package scheduling

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const dateLayout = "2006-01-02"

// Date is a calendar date without time of day or zone.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// ParseDate parses an ISO-8601 calendar date (YYYY-MM-DD).
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(dateLayout, strings.TrimSpace(s))
	if err != nil {
		return Date{}, fmt.Errorf("invalid date %q: expected YYYY-MM-DD", s)
	}
	return DateOf(t), nil
}

// DateOf returns the calendar date of t in t's location.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

func (d Date) IsZero() bool { return d.Year == 0 && d.Month == 0 && d.Day == 0 }

// Time returns midnight of d in UTC, the form stored in DATE columns.
func (d Date) Time() time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC)
}

// In returns the instant d at clock c in loc.
func (d Date) In(c ClockTime, loc *time.Location) time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, loc).Add(c.Duration())
}

func (d Date) Weekday() Weekday { return WeekdayOf(d.Time().Weekday()) }

func (d Date) Before(o Date) bool { return d.Time().Before(o.Time()) }

func (d Date) After(o Date) bool { return d.Time().After(o.Time()) }

func (d Date) AddDays(n int) Date { return DateOf(d.Time().AddDate(0, 0, n)) }

func (d Date) String() string {
	if d.IsZero() {
		return ""
	}
	return d.Time().Format(dateLayout)
}

func (d Date) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Date) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	if s == "" {
		*d = Date{}
		return nil
	}
	parsed, err := ParseDate(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// ClockTime is a wall-clock time of day, stored as seconds after midnight.
type ClockTime int32

const secondsPerDay = 24 * 60 * 60

// Clock builds a ClockTime from hour, minute and second.
func Clock(h, m, s int) ClockTime {
	return ClockTime(h*3600 + m*60 + s)
}

// ParseClockTime accepts HH:MM or HH:MM:SS between 00:00 and 23:59:59.
func ParseClockTime(s string) (ClockTime, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{"15:04:05", "15:04"} {
		if len(s) != len(layout) {
			continue
		}
		t, err := time.Parse(layout, s)
		if err != nil {
			break
		}
		return Clock(t.Hour(), t.Minute(), t.Second()), nil
	}
	return 0, fmt.Errorf("invalid time %q: expected HH:MM or HH:MM:SS", s)
}

func (c ClockTime) Hour() int   { return int(c) / 3600 }
func (c ClockTime) Minute() int { return int(c) % 3600 / 60 }
func (c ClockTime) Second() int { return int(c) % 60 }

func (c ClockTime) Valid() bool { return c >= 0 && c < secondsPerDay }

// Duration is the offset of c from midnight.
func (c ClockTime) Duration() time.Duration { return time.Duration(c) * time.Second }

// AddMinutes may return a value past midnight; intervals are compared on one date only.
// Callers bound m with fitsInDay first.
func (c ClockTime) AddMinutes(m int) ClockTime { return c + ClockTime(m*60) }

// fitsInDay reports whether [start, start+minutes) ends by midnight. The
// arithmetic stays in int so oversized durations cannot wrap around.
func fitsInDay(start ClockTime, minutes int) bool {
	return minutes <= MaxDurationMinutes && int(start)+minutes*60 <= secondsPerDay
}

func (c ClockTime) String() string {
	return fmt.Sprintf("%02d:%02d:%02d", c.Hour(), c.Minute(), c.Second())
}

func (c ClockTime) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

func (c *ClockTime) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParseClockTime(s)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// Interval is the half-open span [Start, Start+Minutes) on a single date.
type Interval struct {
	Start   ClockTime
	Minutes int
}

func (i Interval) End() ClockTime { return i.Start.AddMinutes(i.Minutes) }

// Overlaps reports whether a and b share any instant. Intervals that only
// touch (one ends exactly where the other starts) do not overlap.
func Overlaps(a, b Interval) bool {
	return a.Start < b.End() && b.Start < a.End()
}
