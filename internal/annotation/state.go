package annotation

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is returned when an event is not legal in the record's
// current state, including when a concurrent transition won the race.
var ErrInvalidTransition = errors.New("annotation: invalid transition")

// Status is the annotation review state.
type Status string

const (
	StatusSubmitted   Status = "submitted"
	StatusUnderReview Status = "under_review"
	StatusAccepted    Status = "accepted"
	StatusRejected    Status = "rejected"
)

// Event drives the state machine.
type Event string

const (
	EventBeginReview Event = "begin_review"
	EventAccept      Event = "accept"
	EventReject      Event = "reject"
)

var transitions = map[Status]map[Event]Status{
	StatusSubmitted: {
		EventBeginReview: StatusUnderReview,
	},
	StatusUnderReview: {
		EventAccept: StatusAccepted,
		EventReject: StatusRejected,
	},
}

// Next is the pure transition function. Terminal states have no outgoing
// edges.
func Next(s Status, e Event) (Status, error) {
	if out, ok := transitions[s][e]; ok {
		return out, nil
	}
	return "", fmt.Errorf("%w: %s on %s", ErrInvalidTransition, e, s)
}

// Terminal reports whether the status has no outgoing transitions.
func Terminal(s Status) bool {
	return len(transitions[s]) == 0
}
