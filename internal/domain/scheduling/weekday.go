package scheduling

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Weekday is the canonical day-of-week value exchanged between the
// availability resolver, its repository and callers.
type Weekday int

const (
	Dimanche Weekday = iota
	Lundi
	Mardi
	Mercredi
	Jeudi
	Vendredi
	Samedi
)

var weekdayNames = [...]string{"dimanche", "lundi", "mardi", "mercredi", "jeudi", "vendredi", "samedi"}

// WeekdayOf maps time.Weekday (Sunday = 0) onto Weekday.
func WeekdayOf(d time.Weekday) Weekday { return Weekday(d) }

func (w Weekday) Valid() bool { return w >= Dimanche && w <= Samedi }

func (w Weekday) String() string {
	if !w.Valid() {
		return fmt.Sprintf("Weekday(%d)", int(w))
	}
	return weekdayNames[w]
}

// ParseWeekday accepts the day symbol in any letter case.
func ParseWeekday(s string) (Weekday, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range weekdayNames {
		if name == s {
			return Weekday(i), nil
		}
	}
	return 0, fmt.Errorf("unknown day %q", s)
}

func (w Weekday) MarshalJSON() ([]byte, error) {
	return json.Marshal(w.String())
}

func (w *Weekday) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParseWeekday(s)
	if err != nil {
		return err
	}
	*w = parsed
	return nil
}
