package core

import (
	"errors"
	"fmt"
)

// ErrorCode classifies failures that cross an agent boundary. The code is the
// only part of an error the remote side is expected to branch on.
type ErrorCode string

const (
	CodeValidation            ErrorCode = "ValidationError"
	CodeUnknownCapability     ErrorCode = "UnknownCapabilityError"
	CodeCallTimeout           ErrorCode = "CallTimeoutError"
	CodeDuplicateCapability   ErrorCode = "DuplicateCapabilityError"
	CodeCollaboratorUnavail   ErrorCode = "CollaboratorUnavailable"
	CodeSessionNotDone        ErrorCode = "SessionNotDone"
	CodeProtocolFault         ErrorCode = "ProtocolFault"
	CodeHandlerFailure        ErrorCode = "HandlerFailure"
	CodeTransport             ErrorCode = "TransportError"
	CodeSessionNotFound       ErrorCode = "SessionNotFound"
	CodeInvalidTransition     ErrorCode = "InvalidTransition"
	CodeCancelled             ErrorCode = "Cancelled"
	CodeDependencyUnavailable ErrorCode = "DependencyUnavailable"
)

// Reasons attached to CollaboratorUnavailable errors under the "reason" detail.
const (
	ReasonNotFound    = "not_found"
	ReasonNetwork     = "network"
	ReasonRateLimited = "rate_limited"
	ReasonTimeout     = "timeout"
	ReasonUnavailable = "unavailable"
)

// Collaborator sentinel errors. Collaborator implementations wrap these so the
// DataFetcher can map them onto CollaboratorUnavailable reasons.
var (
	ErrNotFound           = errors.New("not found")
	ErrRateLimited        = errors.New("rate limited")
	ErrServiceUnavailable = errors.New("service unavailable")
)

// Error is the protocol level error. It is what ERROR envelopes carry and what
// callers receive back from a failed capability call.
type Error struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`

	cause error
}

// NewError builds an Error with a formatted message.
func NewError(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError builds an Error that keeps err reachable through errors.Unwrap.
func WrapError(code ErrorCode, err error, format string, args ...any) *Error {
	e := NewError(code, format, args...)
	e.cause = err
	return e
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error { return e.cause }

// Is matches any *Error carrying the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// WithDetail returns e after setting a detail key.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = map[string]any{}
	}
	e.Details[key] = value
	return e
}

// Reason returns the "reason" detail or an empty string.
func (e *Error) Reason() string {
	if e.Details == nil {
		return ""
	}
	r, _ := e.Details["reason"].(string)
	return r
}

// AsError extracts an *Error from err.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// CodeOf returns the protocol code of err, HandlerFailure for foreign errors
// and an empty code for nil.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return CodeHandlerFailure
}

// HasCode reports whether err carries the given protocol code.
func HasCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}
