package store

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when no document exists under the key.
	ErrNotFound = errors.New("not found")
	// ErrConditionFailed reports that a conditional write's predicate did not
	// hold against the stored document. Nothing was written.
	ErrConditionFailed = errors.New("condition failed")
)

var errContention = errors.New("write contention: version changed on every attempt")

// UnavailableError wraps any backend failure that is not a predicate failure.
// The outcome of the write is unknown to the caller.
type UnavailableError struct {
	Op  string
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// Timeout reports whether the call hit its deadline. A timed out write may
// have been applied.
func (e *UnavailableError) Timeout() bool {
	return errors.Is(e.Err, context.DeadlineExceeded)
}

// IsTransient reports whether err is an infrastructure error worth retrying.
func IsTransient(err error) bool {
	var ue *UnavailableError
	return errors.As(err, &ue)
}

// IsTimeout reports whether err is a store timeout with unknown outcome.
func IsTimeout(err error) bool {
	var ue *UnavailableError
	return errors.As(err, &ue) && ue.Timeout()
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrConditionFailed) {
		return err
	}
	var ue *UnavailableError
	if errors.As(err, &ue) {
		return err
	}
	return &UnavailableError{Op: op, Err: err}
}
