package stepflow

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced to API callers.
var (
	ErrWorkflowNotFound  = errors.New("workflow not found")
	ErrVersionNotFound   = errors.New("workflow version not found")
	ErrExecutionNotFound = errors.New("execution not found")
	ErrStepNotFound      = errors.New("execution step not found")
	ErrInvalidState      = errors.New("invalid execution state for this operation")
)

// Step-level error type identifiers captured into the step row.
const (
	ErrorTypeUnknownHandler    = "UnknownHandler"
	ErrorTypeHandlerException  = "HandlerException"
	ErrorTypeChoiceError       = "ChoiceError"
	ErrorTypeWorkflowFail      = "WorkflowFail"
	ErrorTypeInvariantViolated = "EngineInvariantViolation"
	ErrorTypeDefinitionError   = "DefinitionError"
)

// DefinitionError indicates a stored workflow definition is malformed or
// internally inconsistent. Fatal to the execution that hit it.
type DefinitionError struct {
	Reason string
	Err    error
}

func (e *DefinitionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("definition error: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("definition error: %s", e.Reason)
}

func (e *DefinitionError) Unwrap() error {
	return e.Err
}

// NewDefinitionError builds a DefinitionError with an optional cause.
func NewDefinitionError(reason string, err error) *DefinitionError {
	return &DefinitionError{Reason: reason, Err: err}
}

// IsDefinitionError reports whether err is (or wraps) a DefinitionError.
func IsDefinitionError(err error) bool {
	var de *DefinitionError
	return errors.As(err, &de)
}
