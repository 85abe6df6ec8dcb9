package scheduling

import (
	"context"
)

// AppointmentRepository persists appointments. Implementations return
// ErrNotFound for missing rows and translate integrity violations into the
// domain errors of this package.
type AppointmentRepository interface {
	Create(ctx context.Context, a *Appointment) error
	GetByID(ctx context.Context, id int64) (*Appointment, error)
	Update(ctx context.Context, id int64, p *Patch) (*Appointment, error)
	UpdateStatus(ctx context.Context, id int64, status Status) (*Appointment, error)
	Delete(ctx context.Context, id int64) (bool, error)
	// ListActiveByDoctorDate returns the non-cancelled appointments of a doctor
	// on a date, skipping excludeID when it is non-zero.
	ListActiveByDoctorDate(ctx context.Context, doctorID int64, date Date, excludeID int64) ([]*Appointment, error)
	List(ctx context.Context, f ListFilter, limit, offset int) ([]*Appointment, int, error)
}

type AvailabilityRepository interface {
	ListByDoctorDay(ctx context.Context, doctorID int64, day Weekday) ([]*AvailabilityWindow, error)
	ListByDoctor(ctx context.Context, doctorID int64) ([]*AvailabilityWindow, error)
	Create(ctx context.Context, w *AvailabilityWindow) error
	Delete(ctx context.Context, doctorID, id int64) (bool, error)
}

// Transactor runs fn so that every repository call made with the ctx it
// receives belongs to one serializable unit of work.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}
