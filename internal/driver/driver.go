// Package driver runs a recipe: stage by stage it resolves inputs per
// dataset, executes them serially or on a worker pool, commits the results in
// dataset registration order, and checkpoints the shared context.
package driver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/papapumpkin/calpipe/internal/dist"
	"github.com/papapumpkin/calpipe/internal/pipeline"
	"github.com/papapumpkin/calpipe/internal/recipe"
	"github.com/papapumpkin/calpipe/internal/stages"
	"github.com/papapumpkin/calpipe/internal/telemetry"
	"github.com/papapumpkin/calpipe/internal/toolkit"
	"github.com/papapumpkin/calpipe/internal/ui"
)

// KindInvalidInput marks a dataset whose inputs could not be resolved.
const KindInvalidInput pipeline.ErrorKind = "invalid_input"

// Dispatcher runs jobs on a worker pool and returns one outcome per job in
// submission order. *dist.Controller implements it.
type Dispatcher interface {
	Run(ctx context.Context, jobs []dist.Job) ([]dist.Outcome, error)
}

// Driver executes one recipe against a shared context. The context is owned
// by the driver for the duration of Run.
type Driver struct {
	Context *pipeline.Context
	Recipe  *recipe.Recipe

	// Tasks resolves task kinds. Defaults to stages.Lookup.
	Tasks recipe.TaskLookup

	// Toolkit and Store serve stages that run in-process.
	Toolkit toolkit.Toolkit
	Store   pipeline.ExistenceChecker

	// Dispatcher runs parallel stages. When nil they run in-process too.
	Dispatcher Dispatcher

	// Rerun names stages to run again even if the context already completed
	// them. Their earlier calibration entries are invalidated first.
	Rerun []string

	// CheckpointPath is written after every completed stage. Empty disables
	// checkpointing.
	CheckpointPath string

	// StopDir is watched for a STOP file. Empty disables the watch.
	StopDir string

	Emitter  *telemetry.Emitter
	Printer  *ui.Printer
	Logger   *zap.Logger
	NewJobID func() string
}

// Failure is one dataset that did not make it into the context.
type Failure struct {
	Dataset string
	Kind    pipeline.ErrorKind
	Message string
}

// StageReport summarizes one stage.
type StageReport struct {
	Name        string
	Task        string
	Skipped     bool
	Committed   []string
	Failures    []Failure
	Retried     int
	Invalidated int
	Elapsed     time.Duration
}

// Summary is the outcome of a run.
type Summary struct {
	RunID   string
	DryRun  bool
	Stages  []StageReport
	Elapsed time.Duration
}

// Counts returns the number of stages run and skipped.
func (s *Summary) Counts() (run, skipped int) {
	for _, st := range s.Stages {
		if st.Skipped {
			skipped++
		} else {
			run++
		}
	}
	return run, skipped
}

func (d *Driver) logger() *zap.Logger {
	if d.Logger == nil {
		return zap.NewNop()
	}
	return d.Logger
}

func (d *Driver) lookup(kind string) (pipeline.Task, error) {
	if d.Tasks != nil {
		return d.Tasks(kind)
	}
	return stages.Lookup(kind)
}

func (d *Driver) jobID() string {
	if d.NewJobID != nil {
		return d.NewJobID()
	}
	return uuid.NewString()
}

func (d *Driver) emit(evt telemetry.Event) {
	if err := d.Emitter.Emit(evt); err != nil {
		d.logger().Warn("telemetry write failed", zap.Error(err))
	}
}

// Run executes every stage of the recipe in order. A stage the context has
// already completed is skipped unless it is named in Rerun. Run stops at the
// first fatal stage and returns a *StageError naming it, or ErrManualStop if
// a STOP file appeared; the last checkpoint then reflects the last completed
// stage.
func (d *Driver) Run(ctx context.Context) (*Summary, error) {
	if err := recipe.Err(recipe.Validate(d.Recipe, d.lookup)); err != nil {
		return nil, err
	}
	rerun := make(map[string]bool, len(d.Rerun))
	for _, name := range d.Rerun {
		if _, ok := d.Recipe.Stage(name); !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownStage, name)
		}
		rerun[name] = true
	}

	var notify func()
	if d.Printer != nil {
		notify = d.Printer.StopRequested
	}
	stop, err := watchStop(d.StopDir, d.logger(), notify)
	if err != nil {
		return nil, fmt.Errorf("watching for %s: %w", StopFile, err)
	}
	defer stop.Close()

	sum := &Summary{RunID: d.Context.RunID(), DryRun: d.Context.DryRun()}
	start := time.Now()
	d.emit(telemetry.Event{Kind: telemetry.KindRunStart, Data: map[string]any{
		"recipe":   d.Recipe.Recipe.Name,
		"datasets": d.Context.Registry().Names(),
		"dry_run":  d.Context.DryRun(),
	}})
	if d.Printer != nil {
		d.Printer.Banner(d.Recipe.Recipe.Name, d.Context.Registry().Len(), d.Context.DryRun())
	}

	err = d.runStages(ctx, stop, rerun, sum)
	sum.Elapsed = time.Since(start)
	if err == nil {
		err = d.checkpoint()
	}

	status := "done"
	switch {
	case errors.Is(err, ErrManualStop):
		status = "stopped"
		if cerr := stop.Clear(); cerr != nil {
			d.logger().Warn("removing STOP file", zap.Error(cerr))
		}
	case err != nil:
		status = "failed"
	}
	d.emit(telemetry.Event{Kind: telemetry.KindRunDone, Data: map[string]any{
		"status":        status,
		"stage_counter": d.Context.StageCounter(),
		"elapsed_ms":    sum.Elapsed.Milliseconds(),
	}})
	if d.Printer != nil && !errors.Is(err, ErrManualStop) {
		run, skipped := sum.Counts()
		d.Printer.RunSummary(run, skipped, sum.Elapsed, err)
	}
	return sum, err
}

func (d *Driver) runStages(ctx context.Context, stop *stopWatcher, rerun map[string]bool, sum *Summary) error {
	completed := make(map[string]bool)
	for _, name := range d.Context.CompletedStages() {
		completed[name] = true
	}

	for i, st := range d.Recipe.Stages {
		if err := ctx.Err(); err != nil {
			return err
		}
		if stop.Requested() {
			d.logger().Info("stopping before stage", zap.String("stage", st.Name))
			return ErrManualStop
		}
		if completed[st.Name] && !rerun[st.Name] {
			sum.Stages = append(sum.Stages, StageReport{Name: st.Name, Task: st.Task, Skipped: true})
			d.emit(telemetry.Event{Kind: telemetry.KindStageSkipped, Stage: st.Name})
			if d.Printer != nil {
				d.Printer.StageSkipped(st.Name)
			}
			continue
		}

		if d.Printer != nil {
			d.Printer.StageStart(i+1, len(d.Recipe.Stages), st.Name, st.Task)
		}
		rep, err := d.runStage(ctx, st, rerun[st.Name])
		sum.Stages = append(sum.Stages, rep)
		if d.Printer != nil {
			d.Printer.StageSummary(summaryData(rep, err != nil))
		}
		if err != nil {
			return &StageError{Stage: st.Name, Err: err}
		}

		d.Context.MarkStageComplete(st.Name)
		if err := d.checkpoint(); err != nil {
			return &StageError{Stage: st.Name, Err: err}
		}
	}
	return nil
}

func (d *Driver) checkpoint() error {
	if d.CheckpointPath == "" {
		return nil
	}
	if err := d.Context.Checkpoint(d.CheckpointPath); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	d.emit(telemetry.Event{Kind: telemetry.KindCheckpoint, Data: map[string]any{
		"path":          d.CheckpointPath,
		"stage_counter": d.Context.StageCounter(),
		"authoritative": !d.Context.DryRun() && !d.Context.NonAuthoritative(),
	}})
	return nil
}

func summaryData(rep StageReport, fatal bool) ui.StageSummaryData {
	d := ui.StageSummaryData{
		Name:        rep.Name,
		Task:        rep.Task,
		Succeeded:   rep.Committed,
		Retried:     rep.Retried,
		Invalidated: rep.Invalidated,
		Elapsed:     rep.Elapsed,
		Fatal:       fatal,
	}
	for _, f := range rep.Failures {
		d.Failed = append(d.Failed, ui.DatasetFailure{Dataset: f.Dataset, Kind: string(f.Kind), Message: f.Message})
	}
	return d
}
