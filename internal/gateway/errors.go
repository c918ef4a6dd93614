// Package gateway orchestrates one completion request across admission
// control, provider resolution, streaming, content safety, and response
// caching. It also defines the gateway's error taxonomy.
package gateway

import (
	"errors"
	"fmt"
)

// Code classifies a gateway error. Codes map 1:1 to the error categories
// surfaced to callers.
type Code string

const (
	CodeAdmissionDenied     Code = "admission_denied"
	CodeProviderUnavailable Code = "provider_unavailable"
	CodeValidation          Code = "validation_error"
	CodeModerationBlocked   Code = "moderation_blocked"
	CodeStreamingFailure    Code = "streaming_failure"
	CodeCapacityExceeded    Code = "capacity_exceeded"
	CodeCacheFailure        Code = "cache_failure"
)

// Error is a categorized gateway error. AdmissionDenied errors carry
// RetryAfter (seconds); ModerationBlocked errors carry the triggering
// rule or flag in Reason.
type Error struct {
	Code       Code
	Message    string
	Reason     string
	RetryAfter int
	Err        error
}

func (e *Error) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// AsError extracts a gateway *Error from err, if any.
func AsError(err error) (*Error, bool) {
	var gwErr *Error
	if errors.As(err, &gwErr) {
		return gwErr, true
	}
	return nil, false
}

func admissionDenied(retryAfter int) *Error {
	return &Error{
		Code:       CodeAdmissionDenied,
		Message:    "rate limit exceeded",
		RetryAfter: retryAfter,
	}
}

func providerUnavailable(name string, err error) *Error {
	return &Error{
		Code:    CodeProviderUnavailable,
		Message: fmt.Sprintf("provider %q unavailable", name),
		Err:     err,
	}
}

func validationError(msg string) *Error {
	return &Error{Code: CodeValidation, Message: msg}
}

func moderationBlocked(reason string) *Error {
	return &Error{
		Code:    CodeModerationBlocked,
		Message: "content rejected",
		Reason:  reason,
	}
}

func streamingFailure(err error) *Error {
	return &Error{
		Code:    CodeStreamingFailure,
		Message: "upstream stream failed",
		Err:     err,
	}
}

func capacityExceeded(err error) *Error {
	return &Error{
		Code:    CodeCapacityExceeded,
		Message: "no streaming capacity available",
		Err:     err,
	}
}
