package errors

import (
	"errors"
	"fmt"
)

type unretriableError struct{ error }

func (e unretriableError) Unwrap() error {
	return e.error
}

// Unretriable wraps an error to mark it as final. Retry loops check
// IsUnretriable and stop immediately instead of backing off.
func Unretriable(err error) error {
	return unretriableError{err}
}

// IsUnretriable reports whether err was marked with Unretriable or is an
// ObjectNotFoundError.
func IsUnretriable(err error) bool {
	return errors.As(err, &unretriableError{}) || IsObjectNotFound(err)
}

// ObjectNotFoundError means a HEAD or GET against the blob store said the
// object does not exist.
type ObjectNotFoundError struct {
	msg   string
	cause error
}

func (e ObjectNotFoundError) Error() string {
	return e.msg
}

func (e ObjectNotFoundError) Unwrap() error {
	return e.cause
}

func NewObjectNotFoundError(msg string, cause error) error {
	if cause != nil {
		msg = fmt.Sprintf("ObjectNotFoundError: %s: %s", msg, cause)
	} else {
		msg = fmt.Sprintf("ObjectNotFoundError: %s", msg)
	}
	return ObjectNotFoundError{msg: msg, cause: cause}
}

func IsObjectNotFound(err error) bool {
	var notFound ObjectNotFoundError
	return errors.As(err, &notFound)
}
