package domain

import (
	"errors"
	"fmt"
)

// Code classifies every failure the identity and session core can report.
// All failures are recoverable at the call boundary; codes let the tool
// layer translate them into a next-step hint.
type Code string

const (
	CodeMissingCredential   Code = "missing_credential"
	CodeMalformedCredential Code = "malformed_credential"
	CodeInvalidCredential   Code = "invalid_credential"
	CodeKeyNotFound         Code = "key_not_found"
	CodeUpstreamUnavailable Code = "upstream_unavailable"
	CodeSessionNotFound     Code = "session_not_found"
	CodeSessionInactive     Code = "session_inactive"
	CodeSessionExpired      Code = "session_expired"
	CodeNotAuthorized       Code = "not_authorized"
)

// Error is a classified failure value. It wraps an optional cause and
// carries the recommended next action for the caller.
type Error struct {
	Code     Code
	Message  string
	NextStep string
	cause    error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// E builds a classified error.
func E(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap builds a classified error around a cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// WithNext attaches the recommended next action and returns the error.
func (e *Error) WithNext(next string) *Error {
	e.NextStep = next
	return e
}

// CodeOf extracts the taxonomy code from err, or "" if err is not a
// classified error.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}
