package types

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures across the pipeline.
type ErrorKind string

const (
	KindNone              ErrorKind = ""
	KindValidation        ErrorKind = "validation_error"
	KindNoIntentMatched   ErrorKind = "no_intent_matched"
	KindPermissionDenied  ErrorKind = "permission_denied"
	KindTimeout           ErrorKind = "timeout"
	KindHandlerFault      ErrorKind = "handler_fault"
	KindSessionBusy       ErrorKind = "session_busy"
	KindCancelled         ErrorKind = "cancelled"
	KindDuplicateName     ErrorKind = "duplicate_name"
	KindInvalidPermission ErrorKind = "invalid_permission"
	KindProviderFailure   ErrorKind = "provider_failure"
)

// Retryable reports whether a caller may retry the same request later.
// Only SessionBusy qualifies; timeouts are retried inside the model router only.
func (k ErrorKind) Retryable() bool {
	return k == KindSessionBusy
}

// Error carries an ErrorKind through ordinary Go error wrapping.
type Error struct {
	Kind ErrorKind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.msg(), e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.msg())
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.msg(), e.Err)
	default:
		return e.msg()
	}
}

func (e *Error) msg() string {
	if e.Msg != "" {
		return e.Msg
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by kind so sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Kind == e.Kind && t.Op == "" && t.Msg == "" && t.Err == nil
	}
	return false
}

// Sentinels for errors.Is checks.
var (
	ErrValidation        = &Error{Kind: KindValidation}
	ErrNoIntentMatched   = &Error{Kind: KindNoIntentMatched}
	ErrPermissionDenied  = &Error{Kind: KindPermissionDenied}
	ErrTimeout           = &Error{Kind: KindTimeout}
	ErrHandlerFault      = &Error{Kind: KindHandlerFault}
	ErrSessionBusy       = &Error{Kind: KindSessionBusy}
	ErrCancelled         = &Error{Kind: KindCancelled}
	ErrDuplicateName     = &Error{Kind: KindDuplicateName}
	ErrInvalidPermission = &Error{Kind: KindInvalidPermission}
	ErrProviderFailure   = &Error{Kind: KindProviderFailure}
)

// Errorf builds an *Error of the given kind.
func Errorf(kind ErrorKind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error.
func Wrap(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the ErrorKind of err, or KindNone.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindNone
}
