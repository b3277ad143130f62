// Package errorsx tags errors with stable machine-readable reasons so
// handlers and log pipelines can branch without parsing message text.
package errorsx

import (
	"errors"
	"fmt"
)

// ReasonedError carries a reason code alongside the underlying error.
type ReasonedError struct {
	Err    error
	Reason ReasonCode
}

func (e ReasonedError) Error() string {
	if e.Err == nil {
		return string(e.Reason)
	}
	return e.Err.Error()
}

func (e ReasonedError) Unwrap() error { return e.Err }

// Wrap tags err with a reason. The first reason on a chain wins, so
// lower layers keep the most specific code. Nil passes through.
func Wrap(err error, reason ReasonCode) error {
	if err == nil {
		return nil
	}
	var re ReasonedError
	if errors.As(err, &re) {
		return err
	}
	return ReasonedError{Err: err, Reason: reason}
}

// Wrapf builds and tags an error in one step.
func Wrapf(reason ReasonCode, format string, args ...any) error {
	return ReasonedError{Err: fmt.Errorf(format, args...), Reason: reason}
}

// Reason reports the code attached to err, or ReasonUnknown.
func Reason(err error) ReasonCode {
	var re ReasonedError
	if err != nil && errors.As(err, &re) {
		return re.Reason
	}
	return ReasonUnknown
}

// HasReason reports whether err carries the given reason code.
func HasReason(err error, reason ReasonCode) bool {
	return Reason(err) == reason
}
