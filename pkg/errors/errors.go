package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

type AppError struct {
	Kind    Kind   `json:"kind"`
	Code    Code   `json:"code"`
	Message string `json:"message"`
	// Remaining is the sender's leftover allowance in the current window, or -1 when unknown.
	Remaining  int           `json:"remaining,omitempty"`
	RetryAfter time.Duration `json:"-"`
	Cause      error         `json:"-"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error { return e.Cause }

// Is matches another *AppError by kind and code so sentinel values work with errors.Is.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Code == t.Code
}

// WithRetryAfter returns a copy carrying the back-off hint.
func (e *AppError) WithRetryAfter(d time.Duration) *AppError {
	c := *e
	c.RetryAfter = d
	return &c
}

// Constructors
func New(kind Kind, code Code, message string) *AppError {
	return &AppError{Kind: kind, Code: code, Message: message, Remaining: -1}
}

func Wrap(kind Kind, code Code, message string, cause error) *AppError {
	return &AppError{Kind: kind, Code: code, Message: message, Remaining: -1, Cause: cause}
}

func Denied(code Code, msg string) *AppError {
	return New(KindPolicyDenied, code, msg)
}

func RateLimited(code Code, msg string, remaining int, retryAfter time.Duration) *AppError {
	return &AppError{Kind: KindRateLimited, Code: code, Message: msg, Remaining: remaining, RetryAfter: retryAfter}
}

func InvalidArg(code Code, msg string) *AppError {
	return New(KindInvalidArgument, code, msg)
}

func NotFound(msg string) *AppError {
	return New(KindNotFound, CodeNotFound, msg)
}

func Unauthenticated(code Code, msg string) *AppError {
	return New(KindUnauthenticated, code, msg)
}

// Transient wraps an infrastructure failure so it is never confused with a policy outcome.
func Transient(msg string, cause error) *AppError {
	return Wrap(KindTransient, CodeStorage, msg, cause)
}

func Invariant(msg string) *AppError {
	return New(KindInvariant, CodeInvariant, msg)
}

// As reports the first *AppError in err's chain.
func As(err error) (*AppError, bool) {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// KindOf classifies any error; unknown errors are treated as transient.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	if appErr, ok := As(err); ok {
		return appErr.Kind
	}
	return KindTransient
}

func CodeOf(err error) Code {
	if appErr, ok := As(err); ok {
		return appErr.Code
	}
	return CodeUnknown
}

func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

func IsCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}
