package scheduling

import (
	"context"
	"fmt"
)

// AvailabilityResolver answers whether a doctor works at a given date and
// time, based on the doctor's weekly windows. Windows are read on every call.
type AvailabilityResolver struct {
	windows AvailabilityRepository
}

func NewAvailabilityResolver(windows AvailabilityRepository) *AvailabilityResolver {
	return &AvailabilityResolver{windows: windows}
}

// IsDoctorAvailable checks only the start instant against the windows of the
// resolved weekday. An unknown doctor simply has no windows.
func (r *AvailabilityResolver) IsDoctorAvailable(ctx context.Context, doctorID int64, date Date, start ClockTime) (Availability, error) {
	if err := requireSlotFields(doctorID, date); err != nil {
		return Availability{}, err
	}
	day := date.Weekday()
	windows, err := r.windows.ListByDoctorDay(ctx, doctorID, day)
	if err != nil {
		return Availability{}, fmt.Errorf("list availability windows: %w", err)
	}
	for _, w := range windows {
		if w.Covers(start) {
			return Availability{Available: true, Weekday: day}, nil
		}
	}
	return Availability{Available: false, Weekday: day}, nil
}

// ContainsInterval is the stricter check: some window must hold the whole
// interval, not just its start.
func (r *AvailabilityResolver) ContainsInterval(ctx context.Context, doctorID int64, date Date, iv Interval) (Availability, error) {
	if err := requireSlotFields(doctorID, date); err != nil {
		return Availability{}, err
	}
	day := date.Weekday()
	if !fitsInDay(iv.Start, iv.Minutes) {
		return Availability{Available: false, Weekday: day}, nil
	}
	windows, err := r.windows.ListByDoctorDay(ctx, doctorID, day)
	if err != nil {
		return Availability{}, fmt.Errorf("list availability windows: %w", err)
	}
	for _, w := range windows {
		if w.Contains(iv) {
			return Availability{Available: true, Weekday: day}, nil
		}
	}
	return Availability{Available: false, Weekday: day}, nil
}

func requireSlotFields(doctorID int64, date Date) error {
	if doctorID <= 0 {
		return missingField("doctor_id")
	}
	if date.IsZero() {
		return missingField("date")
	}
	return nil
}
