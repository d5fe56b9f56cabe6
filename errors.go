package occams

import (
	"errors"
	"fmt"
)

// ErrorType represents the category of error
type ErrorType string

const (
	ErrorTypeValidation  ErrorType = "validation"
	ErrorTypeNotFound    ErrorType = "not_found"
	ErrorTypeConflict    ErrorType = "conflict"
	ErrorTypeDepleted    ErrorType = "depleted"
	ErrorTypeTransaction ErrorType = "transaction"
	ErrorTypeInternal    ErrorType = "internal"
)

// OccamsError is the single error type returned by every component.
type OccamsError struct {
	Type    ErrorType      `json:"type"`
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Field   string         `json:"field,omitempty"`
	Details map[string]any `json:"details,omitempty"`
	Cause   error          `json:"-"`
}

func (e *OccamsError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("[%s:%s] field '%s': %s", e.Type, e.Code, e.Field, e.Message)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Type, e.Code, e.Message)
}

func (e *OccamsError) Unwrap() error {
	return e.Cause
}

// WithDetail adds a single detail to the error
func (e *OccamsError) WithDetail(key string, value any) *OccamsError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WithCause adds a cause to the error
func (e *OccamsError) WithCause(cause error) *OccamsError {
	e.Cause = cause
	return e
}

// WithField adds field context to the error
func (e *OccamsError) WithField(field string) *OccamsError {
	e.Field = field
	return e
}

// Error codes
const (
	// Validation
	ErrCodeInvalidName       = "INVALID_NAME"
	ErrCodeReservedWord      = "RESERVED_WORD"
	ErrCodeDuplicateName     = "DUPLICATE_NAME"
	ErrCodeNestedSection     = "NESTED_SECTION"
	ErrCodeInvalidWidget     = "INVALID_WIDGET"
	ErrCodeInvalidBounds     = "INVALID_BOUNDS"
	ErrCodeTypeMismatch      = "TYPE_MISMATCH"
	ErrCodeOutOfRange        = "OUT_OF_RANGE"
	ErrCodePatternMismatch   = "PATTERN_MISMATCH"
	ErrCodeRequiredMissing   = "REQUIRED_FIELD_MISSING"
	ErrCodeValidationFailed  = "VALIDATION_FAILED"
	ErrCodeChallengeFailed   = "CHALLENGE_FAILED"
	ErrCodeVerifyMismatch    = "VERIFY_MISMATCH"
	ErrCodeInvalidDocument   = "INVALID_DOCUMENT"
	ErrCodeUnsupportedStore  = "UNSUPPORTED_STORAGE"
	ErrCodeInvalidChoiceName = "INVALID_CHOICE_NAME"

	// Not found
	ErrCodeSchemaNotFound     = "SCHEMA_NOT_FOUND"
	ErrCodeAttributeNotFound  = "ATTRIBUTE_NOT_FOUND"
	ErrCodeChoiceNotFound     = "CHOICE_NOT_FOUND"
	ErrCodeEntityNotFound     = "ENTITY_NOT_FOUND"
	ErrCodeEnrollmentNotFound = "ENROLLMENT_NOT_FOUND"
	ErrCodeStudyNotFound      = "STUDY_NOT_FOUND"

	// Conflict
	ErrCodeDuplicateVersion  = "DUPLICATE_VERSION"
	ErrCodeIllegalParent     = "ILLEGAL_PARENT"
	ErrCodeSchemaPublished   = "SCHEMA_PUBLISHED"
	ErrCodeDataExists        = "DATA_EXISTS"
	ErrCodeAlreadyRandomized = "ALREADY_RANDOMIZED"
	ErrCodeStratumClaimed    = "STRATUM_CLAIMED"

	// Depleted
	ErrCodeRandomizationDepleted = "RANDOMIZATION_DEPLETED"

	ErrCodeTransactionFailed = "TRANSACTION_FAILED"
	ErrCodeInternalError     = "INTERNAL_ERROR"
)

// NewOccamsError creates a new error of the given type and code
func NewOccamsError(errorType ErrorType, code, message string) *OccamsError {
	return &OccamsError{
		Type:    errorType,
		Code:    code,
		Message: message,
	}
}

// NewValidationError reports invalid input for a named field.
func NewValidationError(field, reason string) *OccamsError {
	return &OccamsError{
		Type:    ErrorTypeValidation,
		Code:    ErrCodeValidationFailed,
		Message: reason,
		Field:   field,
	}
}

// NewValidationErrorCode is NewValidationError with a specific code.
func NewValidationErrorCode(code, field, reason string) *OccamsError {
	e := NewValidationError(field, reason)
	e.Code = code
	return e
}

// NewNotFoundError reports a missing schema, attribute, choice, entity or domain object.
func NewNotFoundError(code, kind string, key any) *OccamsError {
	return &OccamsError{
		Type:    ErrorTypeNotFound,
		Code:    code,
		Message: fmt.Sprintf("%s %v not found", kind, key),
		Details: map[string]any{"kind": kind, "key": key},
	}
}

// NewConflictError reports a state conflict such as a duplicate publish version.
func NewConflictError(code, field, reason string) *OccamsError {
	return &OccamsError{
		Type:    ErrorTypeConflict,
		Code:    code,
		Message: reason,
		Field:   field,
	}
}

// NewDepletedError reports that no unclaimed allocation matches the submitted criteria.
func NewDepletedError(study string) *OccamsError {
	return &OccamsError{
		Type:    ErrorTypeDepleted,
		Code:    ErrCodeRandomizationDepleted,
		Message: "randomization numbers depleted",
		Details: map[string]any{"study": study},
	}
}

// NewTransactionError creates a transaction error
func NewTransactionError(message string, cause error) *OccamsError {
	return &OccamsError{
		Type:    ErrorTypeTransaction,
		Code:    ErrCodeTransactionFailed,
		Message: message,
		Cause:   cause,
	}
}

// NewInternalError creates an internal error
func NewInternalError(message string, cause error) *OccamsError {
	return &OccamsError{
		Type:    ErrorTypeInternal,
		Code:    ErrCodeInternalError,
		Message: message,
		Cause:   cause,
	}
}

// ============================================================================
// Error checking utilities
// ============================================================================

func isType(err error, t ErrorType) bool {
	var oe *OccamsError
	if errors.As(err, &oe) {
		return oe.Type == t
	}
	return false
}

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool { return isType(err, ErrorTypeValidation) }

// IsNotFoundError checks if an error is a not found error
func IsNotFoundError(err error) bool { return isType(err, ErrorTypeNotFound) }

// IsConflictError checks if an error is a conflict error
func IsConflictError(err error) bool { return isType(err, ErrorTypeConflict) }

// IsDepletedError checks if an error reports exhausted randomization allocations
func IsDepletedError(err error) bool { return isType(err, ErrorTypeDepleted) }

// IsTransactionError checks if an error is a transaction error
func IsTransactionError(err error) bool { return isType(err, ErrorTypeTransaction) }

// ErrorCode returns the code of an OccamsError anywhere in the chain, or "".
func ErrorCode(err error) string {
	var oe *OccamsError
	if errors.As(err, &oe) {
		return oe.Code
	}
	return ""
}

// ErrorField returns the offending field of an OccamsError anywhere in the chain, or "".
func ErrorField(err error) string {
	var oe *OccamsError
	if errors.As(err, &oe) {
		return oe.Field
	}
	return ""
}
