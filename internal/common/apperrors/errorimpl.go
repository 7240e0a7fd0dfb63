package apperrors

import (
	"errors"
	"strings"
)

// appError implements the apperrors.Error interface
type appError struct {
	msg           string
	base          Error
	wrappedErrors []error
	kind          Kind
	expandError   bool
}

func (e *appError) Error() string {
	return e.msg
}

func (e *appError) ErrorAll() string {
	if !e.expandError || len(e.wrappedErrors) == 0 {
		return e.msg
	}
	parts := make([]string, 0, len(e.wrappedErrors))
	for _, err := range e.wrappedErrors {
		parts = append(parts, err.Error())
	}
	return e.msg + ": " + strings.Join(parts, "; ")
}

func (e *appError) Unwrap() []error {
	return e.wrappedErrors
}

// New derives a child error. The child inherits the kind and keeps a
// reference to the receiver so errors.Is matches every ancestor.
func (e *appError) New(msg string) Error {
	return &appError{
		msg:         msg,
		kind:        e.kind,
		base:        e,
		expandError: e.expandError,
	}
}

// derive clones the receiver into an instance whose base is the receiver.
// All per-call-site decoration goes through here so the shared taxonomy
// variables are never mutated.
func (e *appError) derive() *appError {
	return &appError{
		msg:         e.msg,
		kind:        e.kind,
		base:        e,
		expandError: e.expandError,
	}
}

func (e *appError) Msg(msg string) Error {
	d := e.derive()
	d.msg = msg
	return d
}

func (e *appError) MsgErr(msg string, err ...error) Error {
	d := e.derive()
	d.msg = msg
	d.wrappedErrors = append(d.wrappedErrors, err...)
	return d
}

func (e *appError) Err(err ...error) Error {
	d := e.derive()
	d.wrappedErrors = append(d.wrappedErrors, err...)
	return d
}

func (e *appError) Is(target error) bool {
	if e == target || e.base == target {
		return true
	}
	if e.base != nil && e.base.Is(target) {
		return true
	}
	for _, err := range e.wrappedErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func (e *appError) SetExpandError(expand bool) Error {
	e.expandError = expand
	return e
}

func (e *appError) SetKind(k Kind) Error {
	e.kind = k
	return e
}

func (e *appError) Kind() Kind {
	return e.kind
}

func New(msg string) Error {
	return &appError{
		msg:  msg,
		kind: KindInternal,
	}
}
