package scheduling

import (
	"time"
)

// DefaultDurationMinutes applies when a booking does not specify a duration.
const DefaultDurationMinutes = 30

// MaxDurationMinutes is a whole day; longer slots cannot end by midnight.
const MaxDurationMinutes = 24 * 60

// Appointment maps to the appointments table.
type Appointment struct {
	ID        int64     `db:"id" json:"id"`
	PatientID int64     `db:"patient_id" json:"patient_id"`
	DoctorID  int64     `db:"doctor_id" json:"doctor_id"`
	Date      Date      `db:"date" json:"date"`
	StartTime ClockTime `db:"start_time" json:"start_time"`
	Duration  int       `db:"duration" json:"duration"`
	Status    Status    `db:"status" json:"status"`
	Reason    *string   `db:"reason" json:"reason,omitempty"`
	Address   *string   `db:"address" json:"address,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

func (a *Appointment) Interval() Interval {
	return Interval{Start: a.StartTime, Minutes: a.Duration}
}

// EndTime is the first instant after the appointment.
func (a *Appointment) EndTime() ClockTime { return a.Interval().End() }

// AvailabilityWindow maps to the availability_windows table: a recurring
// weekly range during which a doctor accepts appointments.
type AvailabilityWindow struct {
	ID        int64     `db:"id" json:"id"`
	DoctorID  int64     `db:"doctor_id" json:"doctor_id"`
	Day       Weekday   `db:"day" json:"day"`
	StartTime ClockTime `db:"start_time" json:"start_time"`
	EndTime   ClockTime `db:"end_time" json:"end_time"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Covers reports whether t falls inside [StartTime, EndTime).
func (w *AvailabilityWindow) Covers(t ClockTime) bool {
	return w.StartTime <= t && t < w.EndTime
}

// Contains reports whether the whole interval fits inside the window.
func (w *AvailabilityWindow) Contains(i Interval) bool {
	return w.StartTime <= i.Start && i.End() <= w.EndTime
}

// Availability is the answer of the availability resolver.
type Availability struct {
	Available bool    `json:"available"`
	Weekday   Weekday `json:"weekday"`
}

// CreateInput is a booking request. A zero Duration means
// DefaultDurationMinutes; a nil StartTime is a missing field.
type CreateInput struct {
	PatientID int64
	DoctorID  int64
	Date      Date
	StartTime *ClockTime
	Duration  int
	Reason    *string
	Address   *string
}

// Patch holds the fields of a partial update; nil means "leave unchanged".
type Patch struct {
	PatientID *int64
	DoctorID  *int64
	Date      *Date
	StartTime *ClockTime
	Duration  *int
	Reason    *string
	Address   *string
}

// TouchesSlot reports whether the patch changes when or with whom the
// appointment takes place.
func (p *Patch) TouchesSlot() bool {
	return p.DoctorID != nil || p.Date != nil || p.StartTime != nil || p.Duration != nil
}

func (p *Patch) Empty() bool {
	return !p.TouchesSlot() && p.PatientID == nil && p.Reason == nil && p.Address == nil
}

// ApplyTo copies the present fields onto a.
func (p *Patch) ApplyTo(a *Appointment) {
	if p.PatientID != nil {
		a.PatientID = *p.PatientID
	}
	if p.DoctorID != nil {
		a.DoctorID = *p.DoctorID
	}
	if p.Date != nil {
		a.Date = *p.Date
	}
	if p.StartTime != nil {
		a.StartTime = *p.StartTime
	}
	if p.Duration != nil {
		a.Duration = *p.Duration
	}
	if p.Reason != nil {
		a.Reason = p.Reason
	}
	if p.Address != nil {
		a.Address = p.Address
	}
}

// ListFilter narrows appointment listings. Zero values are ignored.
type ListFilter struct {
	PatientID int64
	DoctorID  int64
	Status    Status
	From      Date
	To        Date
}
