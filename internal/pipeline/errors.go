package pipeline

import (
	"errors"
	"fmt"
)

// Sentinel errors for the task lifecycle and shared context.
var (
	// ErrInvalidTransition indicates a lifecycle step was called out of order.
	ErrInvalidTransition = errors.New("invalid task state transition")
	// ErrStaleStage indicates a commit used a stage handle that is no longer next.
	ErrStaleStage = errors.New("stage handle is not the next stage")
	// ErrAlreadyCommitted indicates a Results object was committed twice.
	ErrAlreadyCommitted = errors.New("results already committed")
	// ErrNonAuthoritative indicates real results were committed into a context
	// restored from a dry-run checkpoint.
	ErrNonAuthoritative = errors.New("context restored from a dry-run checkpoint")
	// ErrUnknownDataset indicates a dataset name absent from the registry.
	ErrUnknownDataset = errors.New("dataset not in registry")
	// ErrMissingArgument indicates a required argument could not be resolved.
	ErrMissingArgument = errors.New("required argument could not be resolved")
	// ErrCorruptCheckpoint is matched by every CorruptCheckpointError.
	ErrCorruptCheckpoint = errors.New("corrupt checkpoint")
)

// InvalidInputError records why a task's inputs could not be resolved.
type InvalidInputError struct {
	Task    string
	Dataset string
	Param   string
	Err     error
}

func (e *InvalidInputError) Error() string {
	msg := "invalid input for " + e.Task
	if e.Dataset != "" {
		msg += " on " + e.Dataset
	}
	if e.Param != "" {
		msg += ": " + e.Param
	}
	return msg + ": " + e.Err.Error()
}

// Unwrap returns the underlying error for use with errors.Is/As.
func (e *InvalidInputError) Unwrap() error {
	return e.Err
}

// ToolkitJobError describes a failed toolkit invocation. It is recorded in a
// Results error set and never returned from the lifecycle methods.
type ToolkitJobError struct {
	Function string
	Dataset  string
	Err      error
}

func (e *ToolkitJobError) Error() string {
	return fmt.Sprintf("toolkit job %s on %s: %v", e.Function, e.Dataset, e.Err)
}

// Unwrap returns the underlying error for use with errors.Is/As.
func (e *ToolkitJobError) Unwrap() error {
	return e.Err
}

// CommitError reports a rejected commit. Nothing from the offending Results
// was applied to the context.
type CommitError struct {
	Stage    int
	Task     string
	Dataset  string
	Artifact string // path of the offending artifact, if any
	Err      error
}

func (e *CommitError) Error() string {
	msg := fmt.Sprintf("commit stage %d (%s", e.Stage, e.Task)
	if e.Dataset != "" {
		msg += " on " + e.Dataset
	}
	msg += ")"
	if e.Artifact != "" {
		msg += " artifact " + e.Artifact
	}
	return msg + ": " + e.Err.Error()
}

// Unwrap returns the underlying error for use with errors.Is/As.
func (e *CommitError) Unwrap() error {
	return e.Err
}

// CorruptCheckpointError reports a checkpoint that must not be resumed from.
type CorruptCheckpointError struct {
	Path   string
	Reason string
	Err    error
}

func (e *CorruptCheckpointError) Error() string {
	msg := "corrupt checkpoint " + e.Path + ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Is matches ErrCorruptCheckpoint.
func (e *CorruptCheckpointError) Is(target error) bool {
	return target == ErrCorruptCheckpoint
}

// Unwrap returns the underlying error for use with errors.Is/As.
func (e *CorruptCheckpointError) Unwrap() error {
	return e.Err
}
