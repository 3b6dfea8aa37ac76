package model

import (
	"errors"
	"fmt"
)

// Standard error codes.
const (
	ErrBadRequest      = "BAD_REQUEST"
	ErrNotFound        = "NOT_FOUND"
	ErrConflict        = "CONFLICT"
	ErrValidationError = "VALIDATION_ERROR"
	ErrInternalError   = "INTERNAL_ERROR"
)

// Workflow-specific error codes.
const (
	// ErrConfiguration marks a process-definition defect, such as a type
	// with zero or several initial phases. It is never a user mistake.
	ErrConfiguration = "CONFIGURATION_ERROR"

	// ErrAppendOnly is raised by every attempt to update or delete an
	// audit event.
	ErrAppendOnly = "APPEND_ONLY_VIOLATION"

	// ErrRetryExhausted is returned when an operation kept conflicting with
	// concurrent writers until the retry budget ran out.
	ErrRetryExhausted = "RETRY_EXHAUSTED"

	// ErrInactive is returned when an inactive process type or intake form
	// is asked to accept a new instance.
	ErrInactive = "INACTIVE"
)

// ErrorEnvelope is the standard error value returned by the engine and its
// stores. It implements the error interface.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
	cause   error
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the underlying driver error, if any.
func (e *ErrorEnvelope) Unwrap() error {
	return e.cause
}

// FieldError describes a field-level validation error.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// IsCode reports whether err is, or wraps, an ErrorEnvelope with the given
// code.
func IsCode(err error, code string) bool {
	var env *ErrorEnvelope
	if errors.As(err, &env) {
		return env.Code == code
	}
	return false
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewConflictError returns a CONFLICT error.
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg}
}

// WrapConflictError returns a CONFLICT error carrying the driver error that
// caused it.
func WrapConflictError(msg string, cause error) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg, cause: cause}
}

// NewValidationError returns a VALIDATION_ERROR with field-level details.
func NewValidationError(details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrValidationError,
		Message: "One or more fields are invalid",
		Details: details,
	}
}

// NewConfigurationError returns a CONFIGURATION_ERROR.
func NewConfigurationError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConfiguration, Message: msg}
}

// NewAppendOnlyError returns an APPEND_ONLY_VIOLATION for the given event.
func NewAppendOnlyError(eventID, op string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrAppendOnly,
		Message: fmt.Sprintf("audit event %q cannot be %s: the audit trail is append-only", eventID, op),
	}
}

// NewRetryExhaustedError returns a RETRY_EXHAUSTED error wrapping the last
// conflict.
func NewRetryExhaustedError(op string, attempts int, cause error) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrRetryExhausted,
		Message: fmt.Sprintf("%s: still conflicting after %d attempts, please retry", op, attempts),
		cause:   cause,
	}
}

// NewInactiveError returns an INACTIVE error.
func NewInactiveError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrInactive, Message: msg}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}
