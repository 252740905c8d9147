/*
Copyright © 2026 the dasymap authors.
This file is part of dasymap.

dasymap is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

dasymap is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with dasymap.  If not, see <http://www.gnu.org/licenses/>.
*/

package dasymap

import (
	"errors"
	"fmt"

	"github.com/rotisserie/eris"
)

// Errors that abort a run. Use errors.Is to test for them.
var (
	// ErrPrecondition is returned when the inputs do not satisfy the
	// contract of the refinement: a missing population or class field,
	// an empty or unreadable geometry source, or an invalid weight table.
	ErrPrecondition = eris.New("precondition failure")

	// ErrAcquisition is returned when a remote input cannot be fetched.
	ErrAcquisition = eris.New("acquisition failure")

	// ErrMalformed accompanies ErrPrecondition or ErrAcquisition when an
	// input file exists but its contents cannot be decoded.
	ErrMalformed = eris.New("malformed input")
)

// Preconditionf returns an ErrPrecondition with the given message.
func Preconditionf(format string, args ...interface{}) error {
	return eris.Wrapf(ErrPrecondition, format, args...)
}

// Precondition wraps cause, for example a file that cannot be decoded,
// as an ErrPrecondition.
func Precondition(cause error, format string, args ...interface{}) error {
	return fmt.Errorf("%w: %w", ErrPrecondition, eris.Wrapf(cause, format, args...))
}

// Acquisition wraps cause as an ErrAcquisition.
func Acquisition(cause error, format string, args ...interface{}) error {
	return fmt.Errorf("%w: %w", ErrAcquisition, eris.Wrapf(cause, format, args...))
}

// malformedError is an input that could not be decoded. kind is
// ErrPrecondition for local files and ErrAcquisition for fetched ones.
type malformedError struct {
	kind, cause error
}

func (e *malformedError) Error() string { return e.kind.Error() + ": " + e.cause.Error() }

func (e *malformedError) Unwrap() []error { return []error{e.kind, ErrMalformed, e.cause} }

// malformed wraps cause as an ErrPrecondition and ErrMalformed.
func malformed(cause error, format string, args ...interface{}) error {
	return &malformedError{kind: ErrPrecondition, cause: eris.Wrapf(cause, format, args...)}
}

// Fetched reclassifies an error returned while loading an input that was
// downloaded from a remote location. If the input could not be decoded,
// the payload is at fault rather than the caller, and the returned error
// is an ErrAcquisition instead of an ErrPrecondition. Other errors are
// returned unchanged.
func Fetched(err error) error {
	var m *malformedError
	if !errors.As(err, &m) {
		return err
	}
	return &malformedError{kind: ErrAcquisition, cause: m.cause}
}
