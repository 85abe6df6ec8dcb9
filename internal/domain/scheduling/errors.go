package scheduling

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrIncompleteInput      = errors.New("required field is missing")
	ErrInvalidInput         = errors.New("invalid input")
	ErrPastDate             = errors.New("appointment date must be in the future")
	ErrDoctorUnavailable    = errors.New("doctor is not available at the requested time")
	ErrSlotTaken            = errors.New("time slot is already booked")
	ErrUnknownReference     = errors.New("unknown patient or doctor")
	ErrDuplicateAppointment = errors.New("an identical appointment already exists")
	ErrNotFound             = errors.New("appointment not found")
	ErrInvalidTransition    = errors.New("invalid appointment status transition")
)

// errSerialization marks a transaction aborted by a concurrent one. It is an
// infrastructure failure unless a booking retry finds an actual overlap.
var errSerialization = errors.New("transaction aborted by a concurrent update")

// FieldError names the request field that failed validation. It unwraps to
// ErrIncompleteInput when the field is missing and to ErrInvalidInput otherwise.
type FieldError struct {
	Field  string
	Reason string
	kind   error
}

func missingField(field string) *FieldError {
	return &FieldError{Field: field, Reason: "is required", kind: ErrIncompleteInput}
}

func invalidField(field, reason string) *FieldError {
	return &FieldError{Field: field, Reason: reason, kind: ErrInvalidInput}
}

func (e *FieldError) Error() string { return e.Field + " " + e.Reason }

func (e *FieldError) Unwrap() error { return e.kind }

type PastDateError struct {
	Date  Date
	Today Date
}

func (e *PastDateError) Error() string {
	return fmt.Sprintf("%s: %s is not after %s", ErrPastDate, e.Date, e.Today)
}

func (e *PastDateError) Unwrap() error { return ErrPastDate }

// UnavailableError carries the weekday the requested date resolved to.
type UnavailableError struct {
	Weekday Weekday
	Date    Date
	Start   ClockTime
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("doctor is not available on %s (%s) at %s", e.Weekday, e.Date, e.Start)
}

func (e *UnavailableError) Unwrap() error { return ErrDoctorUnavailable }

// ConflictError lists the active appointments that overlap the requested slot.
// Conflicts may be empty when the overlap was only detected by the database.
type ConflictError struct {
	Conflicts []*Appointment
}

func (e *ConflictError) Error() string {
	if len(e.Conflicts) == 0 {
		return ErrSlotTaken.Error()
	}
	ids := make([]string, len(e.Conflicts))
	for i, a := range e.Conflicts {
		ids[i] = fmt.Sprintf("#%d %s+%dm", a.ID, a.StartTime, a.Duration)
	}
	return fmt.Sprintf("%s: conflicts with %s", ErrSlotTaken, strings.Join(ids, ", "))
}

func (e *ConflictError) Unwrap() error { return ErrSlotTaken }

type ReferenceError struct {
	Constraint string
}

func (e *ReferenceError) Error() string {
	if e.Constraint == "" {
		return ErrUnknownReference.Error()
	}
	return fmt.Sprintf("%s (%s)", ErrUnknownReference, e.Constraint)
}

func (e *ReferenceError) Unwrap() error { return ErrUnknownReference }

type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: %s → %s", ErrInvalidTransition, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// IsValidation reports whether err is one of the kinds caused by the request
// itself rather than by storage.
func IsValidation(err error) bool {
	for _, kind := range []error{
		ErrIncompleteInput, ErrInvalidInput, ErrPastDate, ErrDoctorUnavailable, ErrSlotTaken,
		ErrUnknownReference, ErrDuplicateAppointment, ErrNotFound, ErrInvalidTransition,
	} {
		if errors.Is(err, kind) {
			return true
		}
	}
	return false
}

// rejectionReason is the metrics/log label for a rejected operation.
func rejectionReason(err error) string {
	switch {
	case errors.Is(err, ErrIncompleteInput):
		return "incomplete_input"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrPastDate):
		return "past_date"
	case errors.Is(err, ErrDoctorUnavailable):
		return "doctor_unavailable"
	case errors.Is(err, ErrSlotTaken):
		return "slot_taken"
	case errors.Is(err, ErrUnknownReference):
		return "unknown_reference"
	case errors.Is(err, ErrDuplicateAppointment):
		return "duplicate"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	}
	return "infrastructure"
}
