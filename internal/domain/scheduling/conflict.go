package scheduling

import (
	"context"
	"fmt"
	"sort"
)

// ConflictDetector finds the active appointments of a doctor that overlap a
// candidate interval.
type ConflictDetector struct {
	appointments AppointmentRepository
}

func NewConflictDetector(appointments AppointmentRepository) *ConflictDetector {
	return &ConflictDetector{appointments: appointments}
}

// FindConflicts returns every non-cancelled appointment of doctorID on date
// whose interval overlaps [start, start+minutes). excludeID, when non-zero,
// is left out so an appointment can be moved without clashing with itself.
func (d *ConflictDetector) FindConflicts(ctx context.Context, doctorID int64, date Date, start ClockTime, minutes int, excludeID int64) ([]*Appointment, error) {
	if err := requireSlotFields(doctorID, date); err != nil {
		return nil, err
	}
	if minutes <= 0 {
		return nil, invalidField("duration", "must be a positive number of minutes")
	}
	if minutes > MaxDurationMinutes {
		return nil, invalidField("duration", "must end by midnight")
	}
	existing, err := d.appointments.ListActiveByDoctorDate(ctx, doctorID, date, excludeID)
	if err != nil {
		return nil, fmt.Errorf("list appointments for conflict check: %w", err)
	}

	candidate := Interval{Start: start, Minutes: minutes}
	var conflicts []*Appointment
	for _, a := range existing {
		if !a.Status.Active() || (excludeID != 0 && a.ID == excludeID) {
			continue
		}
		if Overlaps(candidate, a.Interval()) {
			conflicts = append(conflicts, a)
		}
	}
	sort.Slice(conflicts, func(i, j int) bool {
		return conflicts[i].StartTime < conflicts[j].StartTime
	})
	return conflicts, nil
}
