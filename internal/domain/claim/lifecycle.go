package claim

import (
	"errors"
	"fmt"
)

// Status is the lifecycle state of one claim generation.
type Status string

const (
	StatusDraft           Status = "DRAFT"
	StatusValidated       Status = "VALIDATED"
	StatusBundled         Status = "BUNDLED"
	StatusSent            Status = "SENT"
	StatusAckSync         Status = "ACK_SYNC"
	StatusAckAsyncPending Status = "ACK_ASYNC_PENDING"
	StatusAdjudicated     Status = "ADJUDICATED"
	StatusRejected        Status = "REJECTED"
	StatusTimedOut        Status = "TIMED_OUT"
)

// ErrIllegalTransition is returned when a status change is not in the
// transition table.
var ErrIllegalTransition = errors.New("illegal claim status transition")

var transitions = map[Status][]Status{
	StatusDraft:           {StatusValidated},
	StatusValidated:       {StatusBundled},
	StatusBundled:         {StatusSent},
	StatusSent:            {StatusAckSync, StatusAckAsyncPending, StatusRejected, StatusTimedOut},
	StatusAckSync:         {StatusAdjudicated, StatusRejected},
	StatusAckAsyncPending: {StatusAdjudicated, StatusRejected, StatusTimedOut},
}

// CanTransition reports whether from → to is allowed.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition checks the move and returns a wrapped ErrIllegalTransition when
// it is not allowed.
func Transition(from, to Status) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	return nil
}

// Terminal reports whether no further transition is possible within the
// current generation.
func (s Status) Terminal() bool {
	switch s {
	case StatusAdjudicated, StatusRejected, StatusTimedOut:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusValidated, StatusBundled, StatusSent, StatusAckSync,
		StatusAckAsyncPending, StatusAdjudicated, StatusRejected, StatusTimedOut:
		return true
	}
	return false
}
