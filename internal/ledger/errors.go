package ledger

import (
	"errors"
	"fmt"
)

// Validation reasons. ExecuteOrder reports these through Result.Reason and
// never as its error return.
var (
	ErrInsufficientCash = errors.New("insufficient cash")
	ErrOversell         = errors.New("sell quantity exceeds held quantity")
	ErrInvalidOrder     = errors.New("invalid order")
)

// ErrClosed is returned by every operation after Close.
var ErrClosed = errors.New("ledger closed")

// PersistenceError reports a store write that could not be committed. The
// in-memory ledger is left exactly as it was before the operation.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("ledger: persisting %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// IsPersistence reports whether err is (or wraps) a *PersistenceError.
func IsPersistence(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}
