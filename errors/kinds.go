package errors

import "errors"

type kindError struct {
	kind string
	err  error
}

func (e kindError) Error() string {
	return e.kind + ": " + e.err.Error()
}

func (e kindError) Unwrap() error {
	return e.err
}

// Wrap tags an error with one of the Kind* labels so the HTTP layer can pick
// the right status and body without string matching.
func Wrap(kind string, err error) error {
	if err == nil {
		return nil
	}
	return kindError{kind: kind, err: err}
}

// Kind returns the tag closest to the surface of the error chain, or
// KindInternalError when none was attached.
func Kind(err error) string {
	var ke kindError
	if errors.As(err, &ke) {
		return ke.kind
	}
	return KindInternalError
}
