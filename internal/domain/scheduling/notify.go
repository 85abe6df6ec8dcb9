package scheduling

import "context"

// Event names a committed change worth telling the patient or doctor about.
type Event string

const (
	EventBooked      Event = "booked"
	EventRescheduled Event = "rescheduled"
	EventConfirmed   Event = "confirmed"
	EventStarted     Event = "started"
	EventFinished    Event = "finished"
	EventCancelled   Event = "cancelled"
)

var statusEvents = map[Status]Event{
	StatusConfirmed:  EventConfirmed,
	StatusInProgress: EventStarted,
	StatusFinished:   EventFinished,
	StatusCancelled:  EventCancelled,
}

// Notifier receives appointment changes after they are committed. A failing
// notifier never undoes the change.
type Notifier interface {
	AppointmentChanged(ctx context.Context, ev Event, a *Appointment) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, ev Event, a *Appointment) error

func (f NotifierFunc) AppointmentChanged(ctx context.Context, ev Event, a *Appointment) error {
	return f(ctx, ev, a)
}

func WithNotifier(n Notifier) Option { return func(s *Service) { s.notifier = n } }

func (s *Service) notify(ctx context.Context, ev Event, a *Appointment) {
	if s.notifier == nil || a == nil {
		return
	}
	snapshot := *a
	if err := s.notifier.AppointmentChanged(ctx, ev, &snapshot); err != nil {
		s.logger.Warn().Err(err).
			Int64("appointment_id", a.ID).
			Str("event", string(ev)).
			Msg("appointment notification failed")
	}
}
