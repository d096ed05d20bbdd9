package reconcile

import (
	"errors"
	"fmt"
)

// ErrTaskNotFound is returned when a verification task does not exist.
var ErrTaskNotFound = errors.New("verification task not found")

// ErrTaskNotPending is returned when approving or rejecting a task that has
// already reached a terminal state.
var ErrTaskNotPending = errors.New("verification task is not pending")

// Error wraps a storage failure with the operation and the entity or task
// it concerned. Registry errors are never wrapped in this type; they
// propagate unmodified so callers can tell "our bookkeeping failed" from
// "the registry failed".
type Error struct {
	Op        string
	EntityIRI string
	TaskID    string
	Err       error
}

func (e *Error) Error() string {
	switch {
	case e.TaskID != "":
		return fmt.Sprintf("reconcile %s: task %s: %v", e.Op, e.TaskID, e.Err)
	case e.EntityIRI != "":
		return fmt.Sprintf("reconcile %s: entity %s: %v", e.Op, e.EntityIRI, e.Err)
	default:
		return fmt.Sprintf("reconcile %s: %v", e.Op, e.Err)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}
