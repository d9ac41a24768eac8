// Package intent tags fetch and mutation failures with the caller's intent so
// a presentation layer can decide whether to surface them.
package intent

import (
	"errors"
	"fmt"
)

// Intent classifies how important a failure is to the caller.
type Intent int

const (
	// Dispensable failures may be hidden from the user.
	Dispensable Intent = iota
	// Indispensable failures must be shown.
	Indispensable
)

func (i Intent) String() string {
	switch i {
	case Dispensable:
		return "dispensable"
	case Indispensable:
		return "indispensable"
	default:
		return fmt.Sprintf("intent(%d)", int(i))
	}
}

// Error wraps a failure with the intent it was issued under.
type Error struct {
	Err    error
	Intent Intent
}

// Wrap tags err with in. A nil err stays nil.
func Wrap(err error, in Intent) error {
	if err == nil {
		return nil
	}
	return &Error{Err: err, Intent: in}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Intent, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Of returns the intent attached to err, or Dispensable when there is none.
func Of(err error) Intent {
	var ie *Error
	if errors.As(err, &ie) {
		return ie.Intent
	}
	return Dispensable
}
