package permission

import (
	"errors"
	"time"
)

const (
	Pending   = "PENDING"
	Approved  = "APPROVED"
	Rejected  = "REJECTED"
	Active    = "ACTIVE"
	Expired   = "EXPIRED"
	Completed = "COMPLETED"
)

var ErrInvalidTransition = errors.New("invalid permission transition")

type Event string

const (
	EventApprove  Event = "APPROVE"
	EventReject   Event = "REJECT"
	EventBegin    Event = "BEGIN"
	EventExpire   Event = "EXPIRE"
	EventComplete Event = "COMPLETE"
)

func CanTransition(from, to string) bool {
	switch from {
	case Pending:
		return to == Approved || to == Rejected
	case Approved:
		// The clock starts at approval; Approved moves to Active
		// immediately, never back to Pending.
		return to == Active
	case Active:
		return to == Expired || to == Completed
	default:
		return false
	}
}

func Transition(from, to string) (string, error) {
	if !CanTransition(from, to) {
		return from, ErrInvalidTransition
	}
	return to, nil
}

func Next(from string, event Event) (string, error) {
	switch event {
	case EventApprove:
		return Transition(from, Approved)
	case EventReject:
		return Transition(from, Rejected)
	case EventBegin:
		return Transition(from, Active)
	case EventExpire:
		return Transition(from, Expired)
	case EventComplete:
		return Transition(from, Completed)
	default:
		return from, ErrInvalidTransition
	}
}

func IsTerminal(status string) bool {
	switch status {
	case Rejected, Expired, Completed:
		return true
	default:
		return false
	}
}

func IsExpired(now, expiresAt time.Time) bool {
	if expiresAt.IsZero() {
		return false
	}
	return now.UTC().After(expiresAt.UTC())
}
