package usecase

import (
	"errors"
	"fmt"
	"time"
)

type ErrorCode string

const (
	ErrorValidation        ErrorCode = "VALIDATION_ERROR"
	ErrorRateLimited       ErrorCode = "RATE_LIMITED"
	ErrorTransientUpstream ErrorCode = "TRANSIENT_UPSTREAM"
	ErrorTerminalUpstream  ErrorCode = "TERMINAL_UPSTREAM"
	ErrorMemoryUnavailable ErrorCode = "MEMORY_UNAVAILABLE"
	ErrorInternal          ErrorCode = "INTERNAL_ERROR"
)

type Error struct {
	Code   ErrorCode
	Reason string
	Err    error
	// RetryAfter is only set for ErrorRateLimited.
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("usecase: %s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("usecase: %s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func newError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}

// CodeOf returns the code of the first *Error in err's chain, or ErrorInternal.
func CodeOf(err error) ErrorCode {
	var ue *Error
	if errors.As(err, &ue) {
		return ue.Code
	}
	return ErrorInternal
}
