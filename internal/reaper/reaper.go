// Package reaper cleans up after controllers that died without stopping their
// workers. It reads the ledger, kills worker processes whose controller pid is
// gone, and flags in-flight jobs that stopped heartbeating.
package reaper

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/papapumpkin/calpipe/internal/ledger"
)

// DefaultStaleJob is how long a running job may go without a heartbeat before
// it is flagged.
const DefaultStaleJob = 30 * time.Minute

// Action kinds.
const (
	ActionKilledWorker = "killed_worker"
	ActionReapedWorker = "reaped_worker"
	ActionAbandonedJob = "abandoned_job"
	ActionFlaggedJob   = "flagged_job"
)

// Action describes a cleanup step taken by the Reaper.
type Action struct {
	Kind    string
	Details string
}

// Reaper identifies and cleans up orphaned workers recorded in a ledger.
type Reaper struct {
	Ledger   *ledger.Ledger
	Self     int                                       // pid of the calling controller; its own workers are never reaped
	StaleJob time.Duration                             // running jobs silent longer than this are flagged
	Alive    func(pid int) bool                        // defaults to a signal-0 probe
	Owns     func(pid int, w ledger.WorkerRecord) bool // defaults to matching the worker's environment on Linux
	Kill     func(pid int) error                       // defaults to killing the worker's process group
	Now      func() time.Time                          // injectable clock for testing; defaults to time.Now
	Logger   *zap.Logger
}

// Run reaps the workers of dead controllers and flags stale jobs of live ones.
//
// A worker recorded as running whose controller pid no longer exists is killed
// if its own pid is still alive and still belongs to that worker, then marked
// reaped; the running jobs of that
// run are marked abandoned. Jobs of live controllers are never changed, only
// reported.
func (r *Reaper) Run(ctx context.Context) ([]Action, error) {
	staleJob := r.StaleJob
	if staleJob == 0 {
		staleJob = DefaultStaleJob
	}
	now := time.Now()
	if r.Now != nil {
		now = r.Now()
	}
	logger := r.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	workers, err := r.Ledger.Workers(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("reaper: read workers: %w", err)
	}

	controllers := make(map[string]int)
	for _, w := range workers {
		controllers[w.RunID] = w.ControllerPID
	}

	var actions []Action
	dead := make(map[string]bool)
	for _, w := range workers {
		if w.State != ledger.WorkerRunning || !r.orphaned(w.ControllerPID) {
			continue
		}
		dead[w.RunID] = true
		switch {
		case w.PID <= 0 || !r.alive(w.PID):
		case !r.owns(w.PID, w):
			logger.Info("recorded worker pid now belongs to another process",
				zap.String("run", w.RunID),
				zap.String("worker", w.WorkerID),
				zap.Int("pid", w.PID))
		default:
			if err := r.kill(w.PID); err != nil {
				logger.Warn("kill orphaned worker",
					zap.String("run", w.RunID),
					zap.String("worker", w.WorkerID),
					zap.Int("pid", w.PID),
					zap.Error(err))
			} else {
				actions = append(actions, Action{
					Kind:    ActionKilledWorker,
					Details: fmt.Sprintf("killed worker %s (pid %d) of run %s: controller %d is gone", w.WorkerID, w.PID, w.RunID, w.ControllerPID),
				})
			}
		}
		if err := r.Ledger.SetWorkerState(ctx, w.RunID, w.WorkerID, ledger.WorkerReaped); err != nil {
			return actions, fmt.Errorf("reaper: %w", err)
		}
		actions = append(actions, Action{
			Kind:    ActionReapedWorker,
			Details: fmt.Sprintf("reaped worker %s of run %s", w.WorkerID, w.RunID),
		})
	}

	jobs, err := r.Ledger.Jobs(ctx, "", ledger.JobRunning)
	if err != nil {
		return actions, fmt.Errorf("reaper: read jobs: %w", err)
	}
	for _, j := range jobs {
		if dead[j.RunID] || r.orphaned(controllers[j.RunID]) {
			if err := r.Ledger.SetJobState(ctx, j.JobID, ledger.JobAbandoned); err != nil {
				return actions, fmt.Errorf("reaper: %w", err)
			}
			actions = append(actions, Action{
				Kind:    ActionAbandonedJob,
				Details: fmt.Sprintf("abandoned job %s (%s on %s) of run %s", j.JobID, j.Kind, j.Dataset, j.RunID),
			})
			continue
		}
		age := now.Sub(j.HeartbeatAt)
		if age < staleJob {
			continue
		}
		actions = append(actions, Action{
			Kind:    ActionFlaggedJob,
			Details: fmt.Sprintf("job %s (%s on %s) silent for %s (stale > %s)", j.JobID, j.Kind, j.Dataset, age.Round(time.Second), staleJob),
		})
	}

	for _, a := range actions {
		logger.Info("reaper", zap.String("action", a.Kind), zap.String("details", a.Details))
	}
	return actions, nil
}

// orphaned reports whether a controller pid belongs to a process that is gone.
// A zero pid means the controller is unknown and is treated as gone.
func (r *Reaper) orphaned(controllerPID int) bool {
	if controllerPID == r.Self && r.Self != 0 {
		return false
	}
	return controllerPID <= 0 || !r.alive(controllerPID)
}

func (r *Reaper) alive(pid int) bool {
	if r.Alive != nil {
		return r.Alive(pid)
	}
	return processAlive(pid)
}

func (r *Reaper) owns(pid int, w ledger.WorkerRecord) bool {
	if r.Owns != nil {
		return r.Owns(pid, w)
	}
	return ownsProcess(pid, w)
}

func (r *Reaper) kill(pid int) error {
	if r.Kill != nil {
		return r.Kill(pid)
	}
	return killProcess(pid)
}
