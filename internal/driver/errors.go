package driver

import (
	"errors"
	"fmt"
)

var (
	// ErrManualStop indicates the operator requested a stop via a STOP file.
	ErrManualStop = errors.New("run stopped by user")
	// ErrStageFailed indicates an abort-policy stage had failed datasets.
	ErrStageFailed = errors.New("stage had failed datasets")
	// ErrNoSuccess indicates no dataset of a stage succeeded. It is fatal
	// under every policy.
	ErrNoSuccess = errors.New("no dataset succeeded")
	// ErrUnknownStage indicates a rerun request names a stage not in the recipe.
	ErrUnknownStage = errors.New("unknown stage")
)

// StageError reports the stage that ended a run.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %q failed: %v", e.Stage, e.Err)
}

// Unwrap returns the underlying error for use with errors.Is/As.
func (e *StageError) Unwrap() error {
	return e.Err
}
