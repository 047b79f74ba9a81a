package errs

import (
	"errors"
	"fmt"
)

type Code string

const (
	Validation          Code = "VALIDATION"
	CapacityExceeded    Code = "CAPACITY_EXCEEDED"
	ResourceOffline     Code = "RESOURCE_OFFLINE"
	ResourceInactive    Code = "RESOURCE_INACTIVE"
	NoAvailableResource Code = "NO_AVAILABLE_RESOURCE"
	NotFound            Code = "NOT_FOUND"
	Empty               Code = "EMPTY"
	InvalidTransition   Code = "INVALID_TRANSITION"
	TransientStore      Code = "TRANSIENT_STORE"
	MalformedEvent      Code = "MALFORMED_EVENT"
)

// Error is a rejection or failure with a machine readable code. Business
// rejections never wrap another error; TransientStore and MalformedEvent
// usually do.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%v: %v: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%v: %v", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error carrying the same code, so errors.Is(err, errs.New(errs.Empty, ""))
// works for callers that prefer sentinels.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func Transient(err error, format string, args ...any) *Error {
	return &Error{Code: TransientStore, Message: fmt.Sprintf(format, args...), Err: err}
}

func Malformed(err error, format string, args ...any) *Error {
	return &Error{Code: MalformedEvent, Message: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf returns the code of the first *Error in the chain, or "" for foreign errors.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

func Has(err error, code Code) bool {
	return CodeOf(err) == code
}

func IsTransient(err error) bool {
	return Has(err, TransientStore)
}

// Wrap adds context and preserves the error chain (errors.Is/As works).
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// Wrapf adds formatted context and preserves the error chain.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	args = append(args, err)
	return fmt.Errorf(format+": %w", args...)
}
