package signaling

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	// ErrRecipientUnreachable: the callee holds no live connection, or the offer could not be pushed.
	ErrRecipientUnreachable = errors.New("recipient unreachable")
	// ErrCallAlreadyActive: the callee is already in a non-terminal call.
	ErrCallAlreadyActive = errors.New("call already active")
	// ErrCallerBusy: the caller is already in a non-terminal call and the policy refuses to preempt it.
	ErrCallerBusy = errors.New("caller busy")
	// ErrSessionNotFound: no matching non-terminal session. Clients treat it as a no-op.
	ErrSessionNotFound = errors.New("session not found")
	// ErrStorage marks a failure of the storage collaborator.
	ErrStorage = errors.New("storage failure")

	// ErrNotFound and ErrConflict are returned by Store implementations.
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("state conflict")
)

// OpError is a typed operation error with a stable Op + Kind contract for callers/tests.
type OpError struct {
	Op   string
	Kind error
	Msg  string
	Err  error
}

func (e *OpError) Error() string {
	s := fmt.Sprintf("%s: %v", e.Op, e.Kind)
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *OpError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func opErr(op string, kind error, msg string) error {
	return &OpError{Op: op, Kind: kind, Msg: msg}
}

func storageErr(op string, err error) error {
	return &OpError{Op: op, Kind: ErrStorage, Err: err}
}
