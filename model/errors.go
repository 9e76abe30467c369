package model

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
)

// Standard error codes.
const (
	ErrBadRequest      = "BAD_REQUEST"
	ErrForbidden       = "FORBIDDEN"
	ErrNotFound        = "NOT_FOUND"
	ErrConflict        = "CONFLICT"
	ErrValidationError = "VALIDATION_ERROR"
	ErrInternalError   = "INTERNAL_ERROR"
)

// Engine error codes.
const (
	ErrTemplateNotFound             = "TEMPLATE_NOT_FOUND"
	ErrInvalidTransition            = "INVALID_TRANSITION"
	ErrRequiredDataCollectionFailed = "REQUIRED_DATA_COLLECTION_FAILED"
	ErrStaleApplication             = "STALE_APPLICATION"
)

// ErrorEnvelope is the error type returned by every engine operation.
// It implements the error interface.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FieldError describes a field-level error. For data collection failures
// Field holds the provider id.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// IsCode reports whether err is, or wraps, an ErrorEnvelope with the given code.
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

// NewForbiddenError returns a FORBIDDEN error.
func NewForbiddenError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrForbidden, Message: msg}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewConflictError returns a CONFLICT error.
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg}
}

// NewValidationError returns a VALIDATION_ERROR with field-level details.
func NewValidationError(details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrValidationError,
		Message: "One or more fields are invalid",
		Details: details,
	}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}

// NewTemplateNotFoundError returns a TEMPLATE_NOT_FOUND error.
func NewTemplateNotFoundError(typeID string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrTemplateNotFound,
		Message: fmt.Sprintf("template %q not found", typeID),
	}
}

// NewInvalidTransitionError returns an INVALID_TRANSITION error.
func NewInvalidTransitionError(state, event string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInvalidTransition,
		Message: fmt.Sprintf("no transition from state %q on event %q", state, event),
	}
}

// NewStaleApplicationError returns a STALE_APPLICATION error.
func NewStaleApplicationError(id string, expected int) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrStaleApplication,
		Message: fmt.Sprintf("application %q was modified concurrently (expected version %d)", id, expected),
	}
}

// NewRequiredDataCollectionFailedError wraps the failed results of a required
// collection round. The failures map is keyed by provider id.
func NewRequiredDataCollectionFailedError(failures map[string]DataProviderResult) *ErrorEnvelope {
	ids := slices.Sorted(maps.Keys(failures))
	details := make([]FieldError, 0, len(ids))
	for _, id := range ids {
		details = append(details, FieldError{
			Field:   id,
			Code:    DataProviderStatusFailure,
			Message: failures[id].Reason,
		})
	}
	return &ErrorEnvelope{
		Code:    ErrRequiredDataCollectionFailed,
		Message: fmt.Sprintf("required data collection failed: %s", strings.Join(ids, ", ")),
		Details: details,
	}
}
