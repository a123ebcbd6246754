package domain

import (
	"errors"
	"fmt"
)

// ErrNotFound indicates the target item or resource vanished between the
// client's view and the server mutation.
var ErrNotFound = errors.New("not found")

// ValidationError indicates a malformed mutation, such as a move into a
// container that does not exist. It is not retried automatically.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// TransientError wraps a failure that never reached or never returned from
// the server. Callers roll back and may re-issue the action manually.
type TransientError struct {
	Op  string
	Err error
}

func (e TransientError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e TransientError) Unwrap() error { return e.Err }

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve ValidationError
	return errors.As(err, &ve)
}

// IsTransient reports whether err is a TransientError.
func IsTransient(err error) bool {
	var te TransientError
	return errors.As(err, &te)
}
