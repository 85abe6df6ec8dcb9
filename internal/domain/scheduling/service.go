package scheduling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/AssilM/CarnetDeSante-sub003/internal/platform/telemetry"
)

// Service enforces the scheduling invariants in front of the repositories:
// bookings start inside a declared availability window, never overlap another
// active appointment of the same doctor, and follow the status lifecycle.
type Service struct {
	appointments AppointmentRepository
	windows      AvailabilityRepository
	tx           Transactor
	resolver     *AvailabilityResolver
	detector     *ConflictDetector

	logger  zerolog.Logger
	metrics *telemetry.Collector
	tracer  trace.Tracer
	now     func() time.Time
	loc     *time.Location

	notifier Notifier

	requireFullContainment bool
}

type Option func(*Service)

func WithLogger(l zerolog.Logger) Option { return func(s *Service) { s.logger = l } }

func WithMetrics(m *telemetry.Collector) Option { return func(s *Service) { s.metrics = m } }

func WithTracer(t trace.Tracer) Option { return func(s *Service) { s.tracer = t } }

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// WithLocation sets the zone in which "today" is computed for the past-date rule.
func WithLocation(loc *time.Location) Option { return func(s *Service) { s.loc = loc } }

// WithFullContainment makes bookings fit entirely inside one window instead
// of only starting inside it.
func WithFullContainment(on bool) Option {
	return func(s *Service) { s.requireFullContainment = on }
}

func NewService(appt AppointmentRepository, windows AvailabilityRepository, tx Transactor, opts ...Option) *Service {
	s := &Service{
		appointments: appt,
		windows:      windows,
		tx:           tx,
		resolver:     NewAvailabilityResolver(windows),
		detector:     NewConflictDetector(appt),
		logger:       zerolog.Nop(),
		tracer:       noop.NewTracerProvider().Tracer(""),
		now:          time.Now,
		loc:          time.UTC,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.tx == nil {
		s.tx = directTx{}
	}
	return s
}

// directTx runs fn without a transaction.
type directTx struct{}

func (directTx) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// Today is the current civil date in the service location.
func (s *Service) Today() Date {
	return DateOf(s.now().In(s.loc))
}

// -- Validation --

func (s *Service) validateCreate(in *CreateInput) error {
	if in.PatientID == 0 {
		return missingField("patient_id")
	}
	if in.PatientID < 0 {
		return invalidField("patient_id", "must be a positive integer")
	}
	if in.DoctorID == 0 {
		return missingField("doctor_id")
	}
	if in.DoctorID < 0 {
		return invalidField("doctor_id", "must be a positive integer")
	}
	if in.Date.IsZero() {
		return missingField("date")
	}
	if in.StartTime == nil {
		return missingField("start_time")
	}
	if in.Duration == 0 {
		in.Duration = DefaultDurationMinutes
	}
	return validateSlot(*in.StartTime, in.Duration)
}

func validateSlot(start ClockTime, minutes int) error {
	if !start.Valid() {
		return invalidField("start_time", "must be between 00:00 and 23:59:59")
	}
	if minutes <= 0 {
		return invalidField("duration", "must be a positive number of minutes")
	}
	if !fitsInDay(start, minutes) {
		return invalidField("duration", "must end by midnight")
	}
	return nil
}

func validatePatch(p *Patch) error {
	if p.PatientID != nil && *p.PatientID <= 0 {
		return invalidField("patient_id", "must be a positive integer")
	}
	if p.DoctorID != nil && *p.DoctorID <= 0 {
		return invalidField("doctor_id", "must be a positive integer")
	}
	if p.Date != nil && p.Date.IsZero() {
		return invalidField("date", "must be a calendar date")
	}
	if p.StartTime != nil && !p.StartTime.Valid() {
		return invalidField("start_time", "must be between 00:00 and 23:59:59")
	}
	if p.Duration != nil && *p.Duration <= 0 {
		return invalidField("duration", "must be a positive number of minutes")
	}
	if p.Duration != nil && *p.Duration > MaxDurationMinutes {
		return invalidField("duration", "must end by midnight")
	}
	return nil
}

// ensureSlot runs the availability then the conflict check for one
// candidate slot. excludeID is skipped by the conflict check.
func (s *Service) ensureSlot(ctx context.Context, doctorID int64, date Date, start ClockTime, minutes int, excludeID int64) error {
	var (
		avail Availability
		err   error
	)
	if s.requireFullContainment {
		avail, err = s.resolver.ContainsInterval(ctx, doctorID, date, Interval{Start: start, Minutes: minutes})
	} else {
		avail, err = s.resolver.IsDoctorAvailable(ctx, doctorID, date, start)
	}
	if err != nil {
		return err
	}
	if !avail.Available {
		return &UnavailableError{Weekday: avail.Weekday, Date: date, Start: start}
	}

	conflicts, err := s.detector.FindConflicts(ctx, doctorID, date, start, minutes, excludeID)
	if err != nil {
		return err
	}
	if len(conflicts) > 0 {
		return &ConflictError{Conflicts: conflicts}
	}
	return nil
}

// explainSlotTaken fills in the conflicting appointments when the overlap was
// only reported by the database at commit time. An exclusion violation stays
// a slot conflict even if the lookup finds nothing; a serialization failure
// becomes one only when an overlapping appointment now exists.
func (s *Service) explainSlotTaken(ctx context.Context, err error, doctorID int64, date Date, start ClockTime, minutes int, excludeID int64) error {
	var ce *ConflictError
	isConflict := errors.As(err, &ce)
	if isConflict && len(ce.Conflicts) > 0 {
		return err
	}
	if !isConflict && !errors.Is(err, errSerialization) {
		return err
	}
	conflicts, qerr := s.detector.FindConflicts(ctx, doctorID, date, start, minutes, excludeID)
	if qerr != nil {
		s.logger.Warn().Err(qerr).Int64("doctor_id", doctorID).Msg("could not list conflicts after commit-time rejection")
		return err
	}
	if len(conflicts) == 0 {
		return err
	}
	return &ConflictError{Conflicts: conflicts}
}

// -- Booking --

func (s *Service) CreateAppointment(ctx context.Context, in CreateInput) (*Appointment, error) {
	ctx, span := s.tracer.Start(ctx, "scheduling.CreateAppointment",
		trace.WithAttributes(attribute.Int64("doctor_id", in.DoctorID)))
	defer span.End()

	if err := s.validateCreate(&in); err != nil {
		return nil, s.rejected(span, "create", err)
	}
	if today := s.Today(); !in.Date.After(today) {
		return nil, s.rejected(span, "create", &PastDateError{Date: in.Date, Today: today})
	}

	a := &Appointment{
		PatientID: in.PatientID,
		DoctorID:  in.DoctorID,
		Date:      in.Date,
		StartTime: *in.StartTime,
		Duration:  in.Duration,
		Status:    StatusPlanned,
		Reason:    in.Reason,
		Address:   in.Address,
	}
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.ensureSlot(ctx, a.DoctorID, a.Date, a.StartTime, a.Duration, 0); err != nil {
			return err
		}
		return s.appointments.Create(ctx, a)
	})
	if err != nil {
		err = s.explainSlotTaken(ctx, err, a.DoctorID, a.Date, a.StartTime, a.Duration, 0)
		return nil, s.rejected(span, "create", err)
	}

	s.metrics.BookingAccepted()
	span.SetAttributes(attribute.Int64("appointment_id", a.ID))
	s.logger.Info().
		Int64("appointment_id", a.ID).
		Int64("doctor_id", a.DoctorID).
		Str("date", a.Date.String()).
		Str("start_time", a.StartTime.String()).
		Str("status", string(a.Status)).
		Msg("appointment booked")
	s.notify(ctx, EventBooked, a)
	return a, nil
}

// UpdateAppointment applies the present fields of p. When p moves the
// appointment (doctor, date, start or duration), the merged slot is checked
// again with the appointment itself excluded from conflicts.
func (s *Service) UpdateAppointment(ctx context.Context, id int64, p Patch) (*Appointment, error) {
	ctx, span := s.tracer.Start(ctx, "scheduling.UpdateAppointment",
		trace.WithAttributes(attribute.Int64("appointment_id", id)))
	defer span.End()

	if err := validatePatch(&p); err != nil {
		return nil, s.rejected(span, "update", err)
	}

	var (
		updated *Appointment
		merged  Appointment
	)
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		current, err := s.appointments.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if p.Empty() {
			updated = current
			return nil
		}
		merged = *current
		p.ApplyTo(&merged)
		if p.TouchesSlot() {
			if err := validateSlot(merged.StartTime, merged.Duration); err != nil {
				return err
			}
			if err := s.ensureSlot(ctx, merged.DoctorID, merged.Date, merged.StartTime, merged.Duration, id); err != nil {
				return err
			}
		}
		updated, err = s.appointments.Update(ctx, id, &p)
		return err
	})
	if err != nil {
		if p.TouchesSlot() && merged.ID != 0 {
			err = s.explainSlotTaken(ctx, err, merged.DoctorID, merged.Date, merged.StartTime, merged.Duration, id)
		}
		return nil, s.rejected(span, "update", err)
	}

	s.logger.Info().
		Int64("appointment_id", updated.ID).
		Int64("doctor_id", updated.DoctorID).
		Bool("rescheduled", p.TouchesSlot()).
		Msg("appointment updated")
	if p.TouchesSlot() {
		s.notify(ctx, EventRescheduled, updated)
	}
	return updated, nil
}

// -- Lifecycle --

// CancelAppointment moves the appointment to annulé. Cancelling an already
// cancelled appointment returns it unchanged. A consultation that is en_cours
// or terminé can no longer be cancelled and yields ErrInvalidTransition.
func (s *Service) CancelAppointment(ctx context.Context, id int64) (*Appointment, error) {
	return s.transition(ctx, "cancel", id, StatusCancelled)
}

func (s *Service) ConfirmAppointment(ctx context.Context, id int64) (*Appointment, error) {
	return s.transition(ctx, "confirm", id, StatusConfirmed)
}

func (s *Service) StartAppointment(ctx context.Context, id int64) (*Appointment, error) {
	return s.transition(ctx, "start", id, StatusInProgress)
}

func (s *Service) FinishAppointment(ctx context.Context, id int64) (*Appointment, error) {
	return s.transition(ctx, "finish", id, StatusFinished)
}

func (s *Service) transition(ctx context.Context, op string, id int64, to Status) (*Appointment, error) {
	ctx, span := s.tracer.Start(ctx, "scheduling."+op,
		trace.WithAttributes(attribute.Int64("appointment_id", id), attribute.String("status", string(to))))
	defer span.End()

	var (
		result  *Appointment
		changed bool
	)
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		current, err := s.appointments.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if to == StatusCancelled && current.Status == StatusCancelled {
			result = current
			return nil
		}
		if err := current.Transition(to); err != nil {
			return err
		}
		result, err = s.appointments.UpdateStatus(ctx, id, to)
		changed = err == nil
		return err
	})
	if err != nil {
		return nil, s.rejected(span, op, err)
	}

	if changed {
		s.metrics.Transitioned(string(to))
		s.logger.Info().
			Int64("appointment_id", result.ID).
			Int64("doctor_id", result.DoctorID).
			Str("status", string(result.Status)).
			Msg("appointment status changed")
		s.notify(ctx, statusEvents[to], result)
	}
	return result, nil
}

// DeleteAppointment removes the row unconditionally and reports whether one
// existed.
func (s *Service) DeleteAppointment(ctx context.Context, id int64) (bool, error) {
	ctx, span := s.tracer.Start(ctx, "scheduling.DeleteAppointment",
		trace.WithAttributes(attribute.Int64("appointment_id", id)))
	defer span.End()

	deleted, err := s.appointments.Delete(ctx, id)
	if err != nil {
		return false, s.rejected(span, "delete", fmt.Errorf("delete appointment %d: %w", id, err))
	}
	if deleted {
		s.logger.Info().Int64("appointment_id", id).Msg("appointment deleted")
	}
	return deleted, nil
}

// -- Reads --

func (s *Service) GetAppointment(ctx context.Context, id int64) (*Appointment, error) {
	return s.appointments.GetByID(ctx, id)
}

func (s *Service) ListAppointments(ctx context.Context, f ListFilter, limit, offset int) ([]*Appointment, int, error) {
	return s.appointments.List(ctx, f, limit, offset)
}

// CheckAvailability exposes the resolver without booking anything.
func (s *Service) CheckAvailability(ctx context.Context, doctorID int64, date Date, start ClockTime) (Availability, error) {
	ctx, span := s.tracer.Start(ctx, "scheduling.CheckAvailability")
	defer span.End()
	if !start.Valid() {
		return Availability{}, invalidField("start_time", "must be between 00:00 and 23:59:59")
	}
	return s.resolver.IsDoctorAvailable(ctx, doctorID, date, start)
}

// CheckConflicts exposes the detector without booking anything. A zero
// minutes value means DefaultDurationMinutes.
func (s *Service) CheckConflicts(ctx context.Context, doctorID int64, date Date, start ClockTime, minutes int, excludeID int64) ([]*Appointment, error) {
	ctx, span := s.tracer.Start(ctx, "scheduling.CheckConflicts")
	defer span.End()
	if minutes == 0 {
		minutes = DefaultDurationMinutes
	}
	if !start.Valid() {
		return nil, invalidField("start_time", "must be between 00:00 and 23:59:59")
	}
	return s.detector.FindConflicts(ctx, doctorID, date, start, minutes, excludeID)
}

// -- Availability windows --

func (s *Service) ListWindows(ctx context.Context, doctorID int64, day *Weekday) ([]*AvailabilityWindow, error) {
	if doctorID <= 0 {
		return nil, invalidField("doctor_id", "must be a positive integer")
	}
	if day != nil {
		return s.windows.ListByDoctorDay(ctx, doctorID, *day)
	}
	return s.windows.ListByDoctor(ctx, doctorID)
}

func (s *Service) AddWindow(ctx context.Context, w *AvailabilityWindow) error {
	if w.DoctorID <= 0 {
		return invalidField("doctor_id", "must be a positive integer")
	}
	if !w.Day.Valid() {
		return invalidField("day", "must be a weekday name")
	}
	if !w.StartTime.Valid() || !w.EndTime.Valid() {
		return invalidField("start_time", "must be between 00:00 and 23:59:59")
	}
	if w.EndTime <= w.StartTime {
		return invalidField("end_time", "must be after start_time")
	}
	if err := s.windows.Create(ctx, w); err != nil {
		return err
	}
	s.logger.Info().
		Int64("doctor_id", w.DoctorID).
		Str("day", w.Day.String()).
		Str("start_time", w.StartTime.String()).
		Str("end_time", w.EndTime.String()).
		Msg("availability window added")
	return nil
}

func (s *Service) RemoveWindow(ctx context.Context, doctorID, windowID int64) (bool, error) {
	return s.windows.Delete(ctx, doctorID, windowID)
}

// rejected records a failed operation on the span, the rejection counter and
// the log, then returns err unchanged.
func (s *Service) rejected(span trace.Span, op string, err error) error {
	reason := rejectionReason(err)
	span.SetAttributes(attribute.String("rejection", reason))
	if IsValidation(err) {
		if op == "create" || op == "update" {
			s.metrics.BookingRejected(reason)
		}
		s.logger.Debug().Err(err).Str("op", op).Str("reason", reason).Msg("scheduling request rejected")
		return err
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
