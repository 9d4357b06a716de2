package orchestrator

import "fmt"

// NotFoundError is returned when a run, section run or template section a
// job refers to does not exist. Retrying cannot help.
type NotFoundError struct {
	Message string
	Cause   error
}

func (e *NotFoundError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *NotFoundError) Unwrap() error {
	return e.Cause
}

// Permanent marks the error as non-retryable for the worker.
func (e *NotFoundError) Permanent() bool { return true }

// PreconditionError is returned when the run is not in a state the job can
// act on, such as exporting a run that has not completed.
type PreconditionError struct {
	Message string
	Cause   error
}

func (e *PreconditionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("precondition failed: %s: %v", e.Message, e.Cause)
	}
	return "precondition failed: " + e.Message
}

func (e *PreconditionError) Unwrap() error {
	return e.Cause
}

// Permanent marks the error as non-retryable for the worker.
func (e *PreconditionError) Permanent() bool { return true }
