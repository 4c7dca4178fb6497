// Package ledger records which worker processes each controller started and
// what happened to every job dispatched to them. The record outlives the
// controller, so a later run can find and reap workers a crashed controller
// left behind.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Worker states.
const (
	WorkerRunning = "running"
	WorkerStopped = "stopped"
	WorkerLost    = "lost"
	WorkerReaped  = "reaped"
)

// Job states. Finished jobs take the outcome reported by the controller.
const (
	JobRunning   = "running"
	JobDone      = "done"
	JobFailed    = "failed"
	JobLost      = "lost"
	JobAbandoned = "abandoned"
)

const schema = `
CREATE TABLE IF NOT EXISTS workers (
    run_id         TEXT NOT NULL,
    worker_id      TEXT NOT NULL,
    controller_pid INTEGER NOT NULL,
    pid            INTEGER NOT NULL DEFAULT 0,
    state          TEXT NOT NULL,
    started_at     TIMESTAMP NOT NULL,
    updated_at     TIMESTAMP NOT NULL,
    PRIMARY KEY (run_id, worker_id)
);

CREATE TABLE IF NOT EXISTS jobs (
    job_id        TEXT PRIMARY KEY,
    run_id        TEXT NOT NULL,
    worker_id     TEXT NOT NULL,
    dataset       TEXT NOT NULL,
    kind          TEXT NOT NULL,
    state         TEXT NOT NULL,
    dispatched_at TIMESTAMP NOT NULL,
    heartbeat_at  TIMESTAMP NOT NULL,
    finished_at   TIMESTAMP
);

CREATE INDEX IF NOT EXISTS jobs_run ON jobs(run_id);
`

// WorkerRecord is one row of the workers table.
type WorkerRecord struct {
	RunID         string
	WorkerID      string
	ControllerPID int
	PID           int
	State         string
	StartedAt     time.Time
	UpdatedAt     time.Time
}

// JobRecord is one row of the jobs table.
type JobRecord struct {
	JobID        string
	RunID        string
	WorkerID     string
	Dataset      string
	Kind         string
	State        string
	DispatchedAt time.Time
	HeartbeatAt  time.Time
}

// Ledger is a SQLite database in WAL mode.
type Ledger struct {
	db  *sql.DB
	Now func() time.Time // injectable clock for testing; defaults to time.Now
}

// Open opens (or creates) the ledger at path.
func Open(ctx context.Context, path string) (*Ledger, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("ledger: open database: %w", err)
	}

	// One connection: SQLite has a single writer, and the controller records
	// from several goroutines.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger: enable WAL mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger: set busy timeout: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger: create schema: %w", err)
	}
	return &Ledger{db: db}, nil
}

// Close closes the database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

func (l *Ledger) now() time.Time {
	if l.Now != nil {
		return l.Now().UTC()
	}
	return time.Now().UTC()
}

// Run returns a recorder bound to one run of the controller with the given pid.
func (l *Ledger) Run(runID string, controllerPID int) *RunRecorder {
	return &RunRecorder{l: l, runID: runID, controllerPID: controllerPID}
}

// Workers returns every worker in state, or all workers when state is empty.
func (l *Ledger) Workers(ctx context.Context, state string) ([]WorkerRecord, error) {
	q := `SELECT run_id, worker_id, controller_pid, pid, state, started_at, updated_at FROM workers`
	var args []any
	if state != "" {
		q += ` WHERE state = ?`
		args = append(args, state)
	}
	q += ` ORDER BY started_at, run_id, worker_id`

	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: list workers: %w", err)
	}
	defer rows.Close()

	var out []WorkerRecord
	for rows.Next() {
		var w WorkerRecord
		if err := rows.Scan(&w.RunID, &w.WorkerID, &w.ControllerPID, &w.PID, &w.State, &w.StartedAt, &w.UpdatedAt); err != nil {
			return nil, fmt.Errorf("ledger: scan worker: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// SetWorkerState updates a worker's state.
func (l *Ledger) SetWorkerState(ctx context.Context, runID, workerID, state string) error {
	const q = `UPDATE workers SET state = ?, updated_at = ? WHERE run_id = ? AND worker_id = ?`
	if _, err := l.db.ExecContext(ctx, q, state, l.now(), runID, workerID); err != nil {
		return fmt.Errorf("ledger: set worker %s/%s=%s: %w", runID, workerID, state, err)
	}
	return nil
}

// Jobs returns the jobs of runID (every run when empty) in state (every state
// when empty), oldest first.
func (l *Ledger) Jobs(ctx context.Context, runID, state string) ([]JobRecord, error) {
	q := `SELECT job_id, run_id, worker_id, dataset, kind, state, dispatched_at, heartbeat_at FROM jobs WHERE 1=1`
	var args []any
	if runID != "" {
		q += ` AND run_id = ?`
		args = append(args, runID)
	}
	if state != "" {
		q += ` AND state = ?`
		args = append(args, state)
	}
	q += ` ORDER BY dispatched_at, job_id`

	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: list jobs: %w", err)
	}
	defer rows.Close()

	var out []JobRecord
	for rows.Next() {
		var j JobRecord
		if err := rows.Scan(&j.JobID, &j.RunID, &j.WorkerID, &j.Dataset, &j.Kind, &j.State, &j.DispatchedAt, &j.HeartbeatAt); err != nil {
			return nil, fmt.Errorf("ledger: scan job: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// SetJobState updates a job's state and stamps its finish time.
func (l *Ledger) SetJobState(ctx context.Context, jobID, state string) error {
	const q = `UPDATE jobs SET state = ?, finished_at = ? WHERE job_id = ?`
	if _, err := l.db.ExecContext(ctx, q, state, l.now(), jobID); err != nil {
		return fmt.Errorf("ledger: set job %s=%s: %w", jobID, state, err)
	}
	return nil
}

// RunRecorder records the workers and jobs of one run.
type RunRecorder struct {
	l             *Ledger
	runID         string
	controllerPID int
}

// WorkerStarted records a newly launched worker.
func (r *RunRecorder) WorkerStarted(ctx context.Context, workerID string, pid int) error {
	const q = `
		INSERT INTO workers (run_id, worker_id, controller_pid, pid, state, started_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, worker_id) DO UPDATE SET
			pid = excluded.pid, state = excluded.state, updated_at = excluded.updated_at`
	now := r.l.now()
	if _, err := r.l.db.ExecContext(ctx, q, r.runID, workerID, r.controllerPID, pid, WorkerRunning, now, now); err != nil {
		return fmt.Errorf("ledger: record worker %s: %w", workerID, err)
	}
	return nil
}

// WorkerStopped records a worker's exit.
func (r *RunRecorder) WorkerStopped(ctx context.Context, workerID string, lost bool) error {
	state := WorkerStopped
	if lost {
		state = WorkerLost
	}
	return r.l.SetWorkerState(ctx, r.runID, workerID, state)
}

// JobDispatched records a job handed to a worker.
func (r *RunRecorder) JobDispatched(ctx context.Context, jobID, workerID, dataset, kind string) error {
	const q = `
		INSERT INTO jobs (job_id, run_id, worker_id, dataset, kind, state, dispatched_at, heartbeat_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	now := r.l.now()
	if _, err := r.l.db.ExecContext(ctx, q, jobID, r.runID, workerID, dataset, kind, JobRunning, now, now); err != nil {
		return fmt.Errorf("ledger: record job %s: %w", jobID, err)
	}
	return nil
}

// JobHeartbeat refreshes a running job's heartbeat.
func (r *RunRecorder) JobHeartbeat(ctx context.Context, jobID string) error {
	const q = `UPDATE jobs SET heartbeat_at = ? WHERE job_id = ? AND state = ?`
	if _, err := r.l.db.ExecContext(ctx, q, r.l.now(), jobID, JobRunning); err != nil {
		return fmt.Errorf("ledger: heartbeat job %s: %w", jobID, err)
	}
	return nil
}

// JobFinished records a job's outcome.
func (r *RunRecorder) JobFinished(ctx context.Context, jobID, outcome string) error {
	return r.l.SetJobState(ctx, jobID, outcome)
}
