package dist

import (
	"errors"
	"fmt"
)

var (
	// ErrNoWorkers indicates jobs remain but no live worker can take them.
	ErrNoWorkers = errors.New("no live workers")
	// ErrProtocol indicates a malformed or out-of-order control message.
	ErrProtocol = errors.New("control channel protocol violation")
	// ErrKilled is the error seen on a link after it was killed.
	ErrKilled = errors.New("worker killed")
)

// WorkerLostError reports that the control channel to a worker failed while
// a job was in flight. The job's true outcome is unknown, which is why it is
// kept apart from toolkit failures.
type WorkerLostError struct {
	Worker  string
	JobID   string
	Dataset string
	Err     error
}

func (e *WorkerLostError) Error() string {
	return fmt.Sprintf("worker %s lost running job %s on %s: %v", e.Worker, e.JobID, e.Dataset, e.Err)
}

// Unwrap returns the underlying error for use with errors.Is/As.
func (e *WorkerLostError) Unwrap() error {
	return e.Err
}

// JobError reports a job the worker refused or could not run, e.g. an unknown
// task kind.
type JobError struct {
	JobID   string
	Dataset string
	Message string
}

func (e *JobError) Error() string {
	return fmt.Sprintf("job %s on %s: %s", e.JobID, e.Dataset, e.Message)
}
