package model

import (
	"errors"
	"fmt"
	"time"
)

// Code classifies an error for transport mapping and metrics.
type Code string

const (
	CodeUnauthenticated     Code = "UNAUTHENTICATED"
	CodeInvalidArgument     Code = "INVALID_ARGUMENT"
	CodeDuplicateRequest    Code = "DUPLICATE_REQUEST"
	CodeRateLimited         Code = "RATE_LIMITED"
	CodeInsufficientBalance Code = "INSUFFICIENT_BALANCE"
	CodeInvalidProduct      Code = "INVALID_PRODUCT"
	CodeVerificationFailed  Code = "VERIFICATION_FAILED"
	CodeNotFound            Code = "NOT_FOUND"
	CodeInternal            Code = "INTERNAL"
)

// Error is a coded domain error. RetryAfter is set on RATE_LIMITED
// errors as a hint for the caller.
type Error struct {
	Code       Code
	Message    string
	RetryAfter time.Duration
	wrapped    error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.wrapped }

func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapInternal tags a store or infrastructure failure as INTERNAL while
// preserving the cause for logs.
func WrapInternal(err error, msg string) *Error {
	return &Error{Code: CodeInternal, Message: msg, wrapped: err}
}

// RateLimited builds a RATE_LIMITED error carrying a retry-after hint.
func RateLimited(msg string, retryAfter time.Duration) *Error {
	return &Error{Code: CodeRateLimited, Message: msg, RetryAfter: retryAfter}
}

// CodeOf extracts the Code from err, or INTERNAL for untagged errors.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}
