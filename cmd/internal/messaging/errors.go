package messaging

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("not found")
	ErrForbidden    = errors.New("forbidden")
	// ErrStorage marks a failure of the storage collaborator. It is fatal to the triggering operation.
	ErrStorage = errors.New("storage failure")
)

// OpError is a typed operation error with a stable Op + Kind contract for callers/tests.
// Kind is one of the sentinels above; Err carries the underlying cause when there is one.
type OpError struct {
	Op   string
	Kind error
	Msg  string
	Err  error
}

func (e *OpError) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v: %s: %v", e.Op, e.Kind, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %v: %s", e.Op, e.Kind, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
}

func (e *OpError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func invalid(op, msg string) error {
	return &OpError{Op: op, Kind: ErrInvalidInput, Msg: msg}
}

// storageErr classifies a store error: not-found and invalid-input pass through, everything else
// becomes ErrStorage.
func storageErr(op string, err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return &OpError{Op: op, Kind: ErrNotFound, Err: err}
	case errors.Is(err, ErrInvalidInput):
		return &OpError{Op: op, Kind: ErrInvalidInput, Err: err}
	default:
		return &OpError{Op: op, Kind: ErrStorage, Err: err}
	}
}
