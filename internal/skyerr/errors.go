// Package skyerr wraps pkg/errors with a small set of error codes shared by
// the tiling core and the layers around it.
package skyerr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Code identifies the class of an error. Codes are compared with Is.
type Code string

const (
	// CodeDomain marks invalid order/index/range arithmetic. Always a bug in
	// whoever produced the input, never something to retry.
	CodeDomain Code = "DomainError"
	// CodeMalformedInput marks an ingested row that violates a weight or
	// finiteness constraint.
	CodeMalformedInput Code = "MalformedInputError"
	// CodeCancelled marks a computation abandoned because its context ended.
	CodeCancelled Code = "CancelledError"
	CodeNotFound  Code = "NotFound"
	CodeConflict  Code = "Conflict"
)

// codedError is the concrete type behind every error built by this package.
type codedError struct {
	Code    Code
	Message string
	cause   error
}

func (ce codedError) Error() string {
	if ce.cause != nil {
		return ce.Message + ": " + ce.cause.Error()
	}
	return ce.Message
}

func (ce codedError) Unwrap() error { return ce.cause }

// New returns an error with the given code and a stack trace.
func New(code Code, message string) error {
	return errors.WithStack(codedError{Code: code, Message: message})
}

// Newf is New with formatting.
func Newf(code Code, format string, args ...interface{}) error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap attaches a code and message to err. The original error stays
// reachable through errors.Is / errors.As.
func Wrap(code Code, err error, message string) error {
	if err == nil {
		return nil
	}
	return errors.WithStack(codedError{Code: code, Message: message, cause: err})
}

// Is reports whether any error in err's chain carries the given code.
func Is(err error, code Code) bool {
	var ce codedError
	for err != nil {
		if !errors.As(err, &ce) {
			return false
		}
		if ce.Code == code {
			return true
		}
		err = ce.cause
	}
	return false
}

// CodeOf returns the outermost code in err's chain, or "" if there is none.
func CodeOf(err error) Code {
	var ce codedError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}

// Domain is shorthand for Newf(CodeDomain, ...).
func Domain(format string, args ...interface{}) error {
	return Newf(CodeDomain, format, args...)
}

// Malformed is shorthand for Newf(CodeMalformedInput, ...).
func Malformed(format string, args ...interface{}) error {
	return Newf(CodeMalformedInput, format, args...)
}

// Cancelled wraps a context error.
func Cancelled(err error) error {
	return Wrap(CodeCancelled, err, "query cancelled")
}

// NotFound is shorthand for Newf(CodeNotFound, ...).
func NotFound(format string, args ...interface{}) error {
	return Newf(CodeNotFound, format, args...)
}
