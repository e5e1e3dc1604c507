package model

import (
	"errors"
	"fmt"
)

// Configuration error codes. These are fatal at startup.
const (
	ErrUnknownState      = "UNKNOWN_STATE"
	ErrUnknownRule       = "UNKNOWN_RULE"
	ErrInvalidDefinition = "INVALID_DEFINITION"
)

// Transition decision codes. These are normal outcomes of a transition
// request and travel inside a TransitionResult.
const (
	ErrInvalidTransition     = "INVALID_TRANSITION"
	ErrActorNotAuthorized    = "ACTOR_NOT_AUTHORIZED"
	ErrBusinessRuleViolation = "BUSINESS_RULE_VIOLATION"
	ErrTimeLimitExceeded     = "TIME_LIMIT_EXCEEDED"
)

// Assignment error codes.
const (
	ErrNoCandidateAvailable = "NO_CANDIDATE_AVAILABLE"
	ErrUnauthorized         = "UNAUTHORIZED"
	ErrInvalidState         = "INVALID_STATE"
	ErrNotFound             = "NOT_FOUND"
)

// Standard error codes.
const (
	ErrValidationError           = "VALIDATION_ERROR"
	ErrConflict                  = "CONFLICT"
	ErrDuplicateActiveAssignment = "DUPLICATE_ACTIVE_ASSIGNMENT"
	ErrMetricsUnavailable        = "METRICS_UNAVAILABLE"
	ErrInternalError             = "INTERNAL_ERROR"
)

// ErrorEnvelope is the single structured error type of the module.
// It implements the error interface.
type ErrorEnvelope struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details []FieldError   `json:"details,omitempty"`
	Meta    map[string]any `json:"meta,omitempty"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// WithMeta returns the envelope with key set in its metadata.
func (e *ErrorEnvelope) WithMeta(key string, value any) *ErrorEnvelope {
	if e.Meta == nil {
		e.Meta = make(map[string]any)
	}
	e.Meta[key] = value
	return e
}

// FieldError describes a field-level validation error.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// CodeOf returns the envelope code carried by err, or "" when err is not
// (and does not wrap) an ErrorEnvelope.
func CodeOf(err error) string {
	var env *ErrorEnvelope
	if errors.As(err, &env) {
		return env.Code
	}
	return ""
}

// IsCode reports whether err carries the given envelope code.
func IsCode(err error, code string) bool {
	return err != nil && CodeOf(err) == code
}

// NewError returns an envelope with an arbitrary code.
func NewError(code, msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: code, Message: msg}
}

// NewUnknownStateError returns an UNKNOWN_STATE error.
func NewUnknownStateError(stage string) *ErrorEnvelope {
	return (&ErrorEnvelope{
		Code:    ErrUnknownState,
		Message: fmt.Sprintf("stage %q is not defined", stage),
	}).WithMeta("stage", stage)
}

// NewUnknownRuleError returns an UNKNOWN_RULE error.
func NewUnknownRuleError(rule string) *ErrorEnvelope {
	return (&ErrorEnvelope{
		Code:    ErrUnknownRule,
		Message: fmt.Sprintf("business rule %q is not registered", rule),
	}).WithMeta("rule", rule)
}

// NewInvalidDefinitionError returns an INVALID_DEFINITION error with
// per-path details.
func NewInvalidDefinitionError(msg string, details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrInvalidDefinition, Message: msg, Details: details}
}

// NewNoCandidateError returns a NO_CANDIDATE_AVAILABLE error.
func NewNoCandidateError(role string) *ErrorEnvelope {
	return (&ErrorEnvelope{
		Code:    ErrNoCandidateAvailable,
		Message: fmt.Sprintf("no candidate available for role %q", role),
	}).WithMeta("role", role)
}

// NewUnauthorizedError returns an UNAUTHORIZED error.
func NewUnauthorizedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnauthorized, Message: msg}
}

// NewInvalidStateError returns an INVALID_STATE error.
func NewInvalidStateError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrInvalidState, Message: msg}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewConflictError returns a CONFLICT error.
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg}
}

// NewDuplicateActiveError returns a DUPLICATE_ACTIVE_ASSIGNMENT error raised
// by repositories when an active assignment already exists for a case/role.
func NewDuplicateActiveError(caseID, role string) *ErrorEnvelope {
	return (&ErrorEnvelope{
		Code:    ErrDuplicateActiveAssignment,
		Message: fmt.Sprintf("an active assignment already exists for case %q and role %q", caseID, role),
	}).WithMeta("case_id", caseID).WithMeta("role", role)
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
