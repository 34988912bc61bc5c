package approval

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound covers missing approval requests.
	ErrNotFound = errors.New("approval: not found")
	// ErrInvalidTransition is returned when an event is not legal in the
	// request's current state, including losing a concurrent decision race.
	ErrInvalidTransition = errors.New("approval: invalid transition")
	// ErrDuplicateActiveRequest means a pending or approved-unexpired request
	// already exists for the (requester, sample) pair.
	ErrDuplicateActiveRequest = errors.New("approval: duplicate active request")
	// ErrSelfApprovalForbidden means a reviewer tried to decide their own
	// request.
	ErrSelfApprovalForbidden = errors.New("approval: self approval forbidden")
	// ErrNotApproved means a download was attempted on a request that is not
	// in the approved state.
	ErrNotApproved = errors.New("approval: not approved")
	// ErrGrantExpired means the grant window has passed.
	ErrGrantExpired = errors.New("approval: grant expired")
	// ErrInvalidInput flags malformed request parameters.
	ErrInvalidInput = errors.New("approval: invalid input")
)

// Status is the request state. The machine is linear: pending moves to
// approved or denied, approved moves to expired. No backward edges.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
	StatusExpired  Status = "expired"
)

// Event drives the state machine.
type Event string

const (
	EventApprove Event = "approve"
	EventDeny    Event = "deny"
	EventExpire  Event = "expire"
)

var transitions = map[Status]map[Event]Status{
	StatusPending: {
		EventApprove: StatusApproved,
		EventDeny:    StatusDenied,
	},
	StatusApproved: {
		EventExpire: StatusExpired,
	},
}

// Next is the pure transition function.
func Next(s Status, e Event) (Status, error) {
	if out, ok := transitions[s][e]; ok {
		return out, nil
	}
	return "", fmt.Errorf("%w: %s on %s", ErrInvalidTransition, e, s)
}

// Terminal reports whether the status has no outgoing transitions. Denied
// and expired are final; a new request may be filed once one is reached.
func Terminal(s Status) bool {
	return len(transitions[s]) == 0
}
