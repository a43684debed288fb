// Package apperr defines the error kinds shared by every service. Services wrap
// a kind with fmt.Errorf("...: %w", apperr.ErrX) and the edges map kinds to
// response codes with errors.Is.
package apperr

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound             = errors.New("not found")
	ErrConflict             = errors.New("conflict")
	ErrInvalidState         = errors.New("invalid state")
	ErrInsufficientResource = errors.New("insufficient resource")
	ErrBadRequest           = errors.New("bad request")
)

// Kind returns the first error kind found in err's chain, or nil.
func Kind(err error) error {
	for _, k := range []error{ErrNotFound, ErrConflict, ErrInvalidState, ErrInsufficientResource, ErrBadRequest} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

func NotFound(format string, args ...any) error {
	return wrap(ErrNotFound, format, args...)
}

func Conflict(format string, args ...any) error {
	return wrap(ErrConflict, format, args...)
}

func InvalidState(format string, args ...any) error {
	return wrap(ErrInvalidState, format, args...)
}

func Insufficient(format string, args ...any) error {
	return wrap(ErrInsufficientResource, format, args...)
}

func BadRequest(format string, args ...any) error {
	return wrap(ErrBadRequest, format, args...)
}

func wrap(kind error, format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), kind)
}
