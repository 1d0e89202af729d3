package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for recovery logic.
type ErrorClass string

const (
	// ErrorClassResolution indicates the planner could not produce a consistent
	// working set. Recovered by refusing to execute.
	ErrorClassResolution ErrorClass = "resolution"

	// ErrorClassAction indicates a touchpoint action failed during execution.
	// Always recovered by rollback.
	ErrorClassAction ErrorClass = "action"

	// ErrorClassUndo indicates rollback could not undo every recorded action.
	// The profile state is no longer guaranteed and manual inspection is needed.
	ErrorClassUndo ErrorClass = "undo"

	// ErrorClassPersistence indicates the profile registry could not commit.
	ErrorClassPersistence ErrorClass = "persistence"

	// ErrorClassConflict indicates the profile is busy or the plan is stale.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassCancelled indicates execution observed a cancellation signal.
	ErrorClassCancelled ErrorClass = "cancelled"

	// ErrorClassValidation indicates malformed input.
	ErrorClassValidation ErrorClass = "validation"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Unit is the unit ("id version") involved in the error, if applicable.
	Unit string `json:"unit,omitempty"`

	// Phase is the engine phase that was running, if applicable.
	Phase string `json:"phase,omitempty"`

	// Operation is the action or operation being performed.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	switch {
	case e.Unit != "" && e.Phase != "":
		msg += fmt.Sprintf(" (unit=%s, phase=%s)", e.Unit, e.Phase)
	case e.Unit != "":
		msg += fmt.Sprintf(" (unit=%s)", e.Unit)
	case e.Phase != "":
		msg += fmt.Sprintf(" (phase=%s)", e.Phase)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

func newError(class ErrorClass, message string, err error) *EngineError {
	return &EngineError{Class: class, Message: message, Err: err}
}

// NewResolutionError creates a new resolution error.
func NewResolutionError(message string, err error) *EngineError {
	return newError(ErrorClassResolution, message, err)
}

// NewActionError creates a new action error.
func NewActionError(message string, err error) *EngineError {
	return newError(ErrorClassAction, message, err).WithCode(ErrCodeActionFailed)
}

// NewUndoError creates a new undo error.
func NewUndoError(message string, err error) *EngineError {
	return newError(ErrorClassUndo, message, err).WithCode(ErrCodeRollbackIncomplete)
}

// NewPersistenceError creates a new persistence error.
func NewPersistenceError(message string, err error) *EngineError {
	return newError(ErrorClassPersistence, message, err).WithCode(ErrCodeCommitFailed)
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *EngineError {
	return newError(ErrorClassConflict, message, err)
}

// NewCancelledError creates a new cancellation error.
func NewCancelledError(message string, err error) *EngineError {
	return newError(ErrorClassCancelled, message, err).WithCode(ErrCodeCancelled)
}

// NewValidationError creates a new validation error.
func NewValidationError(message string, err error) *EngineError {
	return newError(ErrorClassValidation, message, err).WithCode(ErrCodeValidation)
}

// WithUnit adds unit context to an error.
func (e *EngineError) WithUnit(unit string) *EngineError {
	e.Unit = unit
	return e
}

// WithPhase adds phase context to an error.
func (e *EngineError) WithPhase(phase PhaseID) *EngineError {
	e.Phase = string(phase)
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func classOf(err error) ErrorClass {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class
	}
	return ""
}

// IsResolution returns true if the error is classified as a resolution error.
func IsResolution(err error) bool { return classOf(err) == ErrorClassResolution }

// IsAction returns true if the error is classified as an action error.
func IsAction(err error) bool { return classOf(err) == ErrorClassAction }

// IsUndo returns true if the error is classified as an undo error.
func IsUndo(err error) bool { return classOf(err) == ErrorClassUndo }

// IsPersistence returns true if the error is classified as a persistence error.
func IsPersistence(err error) bool { return classOf(err) == ErrorClassPersistence }

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool { return classOf(err) == ErrorClassConflict }

// IsCancelled returns true if the error is classified as a cancellation.
func IsCancelled(err error) bool { return classOf(err) == ErrorClassCancelled }

// IsValidation returns true if the error is classified as a validation error.
func IsValidation(err error) bool { return classOf(err) == ErrorClassValidation }

// CodeOf returns the code of the first EngineError in err's chain.
func CodeOf(err error) string {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Common error codes.
const (
	ErrCodeValidation             = "VALIDATION_ERROR"
	ErrCodeUnsatisfiedRequirement = "UNSATISFIED_REQUIREMENT"
	ErrCodeSingletonConflict      = "SINGLETON_CONFLICT"
	ErrCodeActionFailed           = "ACTION_FAILED"
	ErrCodeActionNotFound         = "ACTION_NOT_FOUND"
	ErrCodeTouchpointNotFound     = "TOUCHPOINT_NOT_FOUND"
	ErrCodeRollbackIncomplete     = "ROLLBACK_INCOMPLETE"
	ErrCodeCommitFailed           = "COMMIT_FAILED"
	ErrCodeProfileBusy            = "PROFILE_BUSY"
	ErrCodeStalePlan              = "STALE_PLAN"
	ErrCodeProfileNotFound        = "PROFILE_NOT_FOUND"
	ErrCodeCancelled              = "CANCELLED"
	ErrCodePolicyDenied           = "POLICY_DENIED"
)
