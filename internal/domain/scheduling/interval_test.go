package scheduling

import (
	"encoding/json"
	"testing"
	"time"
)

func TestOverlaps(t *testing.T) {
	iv := func(h, m, minutes int) Interval { return Interval{Start: Clock(h, m, 0), Minutes: minutes} }

	tests := []struct {
		name string
		a, b Interval
		want bool
	}{
		{"identical", iv(10, 0, 30), iv(10, 0, 30), true},
		{"partial", iv(10, 0, 30), iv(10, 15, 30), true},
		{"contained", iv(9, 0, 120), iv(10, 0, 15), true},
		{"touching after", iv(10, 0, 30), iv(10, 30, 30), false},
		{"touching before", iv(10, 30, 30), iv(10, 0, 30), false},
		{"disjoint", iv(8, 0, 30), iv(14, 0, 30), false},
		{"one second", Interval{Start: Clock(10, 29, 59), Minutes: 1}, iv(10, 0, 30), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Overlaps(tt.a, tt.b); got != tt.want {
				t.Errorf("Overlaps(a, b) = %v, want %v", got, tt.want)
			}
			if got := Overlaps(tt.b, tt.a); got != tt.want {
				t.Errorf("Overlaps(b, a) = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseClockTime(t *testing.T) {
	tests := []struct {
		in      string
		want    ClockTime
		wantErr bool
	}{
		{"09:00", Clock(9, 0, 0), false},
		{"23:59", Clock(23, 59, 0), false},
		{"10:15:30", Clock(10, 15, 30), false},
		{" 08:05 ", Clock(8, 5, 0), false},
		{"00:00", 0, false},
		{"24:00", 0, true},
		{"9:00", 0, true},
		{"10h00", 0, true},
		{"", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseClockTime(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseClockTime(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseClockTime(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestClockTime_Accessors(t *testing.T) {
	c := Clock(14, 5, 9)
	if c.Hour() != 14 || c.Minute() != 5 || c.Second() != 9 {
		t.Errorf("unexpected parts %d %d %d", c.Hour(), c.Minute(), c.Second())
	}
	if c.String() != "14:05:09" {
		t.Errorf("unexpected string %s", c)
	}
	if c.Duration() != 14*time.Hour+5*time.Minute+9*time.Second {
		t.Errorf("unexpected duration %v", c.Duration())
	}
	if Clock(23, 50, 0).AddMinutes(20).Valid() {
		t.Error("past midnight is not a valid clock time")
	}
}

func TestParseDate(t *testing.T) {
	d, err := ParseDate("2026-03-09")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d != (Date{Year: 2026, Month: time.March, Day: 9}) {
		t.Errorf("unexpected date %+v", d)
	}
	for _, bad := range []string{"09/03/2026", "2026-02-30", "2026-3-9", ""} {
		if _, err := ParseDate(bad); err == nil {
			t.Errorf("ParseDate(%q) should fail", bad)
		}
	}
}

func TestDate_Arithmetic(t *testing.T) {
	d := Date{Year: 2026, Month: time.February, Day: 28}
	next := d.AddDays(1)
	if next.String() != "2026-03-01" {
		t.Errorf("expected 2026-03-01, got %s", next)
	}
	if !next.After(d) || !d.Before(next) {
		t.Error("ordering is wrong")
	}
	if (Date{}).String() != "" || !(Date{}).IsZero() {
		t.Error("zero date should be empty")
	}

	paris := time.FixedZone("CET", 3600)
	at := d.In(Clock(9, 30, 0), paris)
	if at.Hour() != 9 || at.Minute() != 30 || at.Location() != paris {
		t.Errorf("unexpected instant %v", at)
	}
}

func TestDateAndClock_JSON(t *testing.T) {
	var body struct {
		Date  Date      `json:"date"`
		Start ClockTime `json:"start"`
	}
	if err := json.Unmarshal([]byte(`{"date":"2026-03-09","start":"10:30"}`), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.Date.String() != "2026-03-09" || body.Start != Clock(10, 30, 0) {
		t.Errorf("unexpected values %+v", body)
	}
	if err := json.Unmarshal([]byte(`{"date":"soon"}`), &body); err == nil {
		t.Error("expected an error for a bad date")
	}
	if err := json.Unmarshal([]byte(`{"start":"25:00"}`), &body); err == nil {
		t.Error("expected an error for a bad time")
	}
}

func TestFitsInDay(t *testing.T) {
	tests := []struct {
		start   ClockTime
		minutes int
		want    bool
	}{
		{Clock(9, 0, 0), 30, true},
		{Clock(23, 30, 0), 30, true},
		{Clock(23, 30, 0), 31, false},
		{Clock(0, 0, 0), MaxDurationMinutes, true},
		{Clock(0, 0, 0), MaxDurationMinutes + 1, false},
		{Clock(9, 0, 0), 71582789, false},
	}
	for _, tt := range tests {
		if got := fitsInDay(tt.start, tt.minutes); got != tt.want {
			t.Errorf("fitsInDay(%s, %d) = %v, want %v", tt.start, tt.minutes, got, tt.want)
		}
	}
}
