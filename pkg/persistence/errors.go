package persistence

import (
	"errors"
	"fmt"
)

// ErrFlowNotFound indicates a flow was not found by the given identifier.
var ErrFlowNotFound = errors.New("flow not found")

// FlowError wraps flow storage errors with the failing operation.
type FlowError struct {
	Op     string // Operation being performed (e.g., "FlowByID", "Save")
	FlowID string // Flow ID if applicable
	Err    error  // Underlying error
}

func (e *FlowError) Error() string {
	return fmt.Sprintf("%s operation failed for flow %s: %v", e.Op, e.FlowID, e.Err)
}

func (e *FlowError) Unwrap() error {
	return e.Err
}

func (e *FlowError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewFlowError creates a new flow storage error with context.
func NewFlowError(op, flowID string, err error) *FlowError {
	return &FlowError{Op: op, FlowID: flowID, Err: err}
}

// IsFlowNotFound checks if an error indicates a flow was not found.
func IsFlowNotFound(err error) bool {
	return errors.Is(err, ErrFlowNotFound)
}
