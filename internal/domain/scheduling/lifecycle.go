package scheduling

import "fmt"

// Status is the lifecycle state of an appointment.
//
//	planifié → confirmé → en_cours → terminé
//	planifié → annulé
//	confirmé → annulé
type Status string

const (
	StatusPlanned    Status = "planifié"
	StatusConfirmed  Status = "confirmé"
	StatusInProgress Status = "en_cours"
	StatusFinished   Status = "terminé"
	StatusCancelled  Status = "annulé"
)

var transitions = map[Status][]Status{
	StatusPlanned:    {StatusConfirmed, StatusCancelled},
	StatusConfirmed:  {StatusInProgress, StatusCancelled},
	StatusInProgress: {StatusFinished},
	StatusFinished:   {},
	StatusCancelled:  {},
}

func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusFinished || s == StatusCancelled
}

// Active reports whether appointments in s take part in conflict detection.
func (s Status) Active() bool { return s != StatusCancelled }

// ParseStatus validates a raw status value.
func ParseStatus(raw string) (Status, error) {
	s := Status(raw)
	if !s.Valid() {
		return "", fmt.Errorf("unknown status %q", raw)
	}
	return s, nil
}

// CanTransition reports whether from → to is a legal lifecycle step.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition moves a to the given status or returns a *TransitionError.
func (a *Appointment) Transition(to Status) error {
	if !CanTransition(a.Status, to) {
		return &TransitionError{From: a.Status, To: to}
	}
	a.Status = to
	return nil
}
