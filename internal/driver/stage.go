package driver

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/papapumpkin/calpipe/internal/dist"
	"github.com/papapumpkin/calpipe/internal/pipeline"
	"github.com/papapumpkin/calpipe/internal/recipe"
	"github.com/papapumpkin/calpipe/internal/telemetry"
)

// runStage executes one stage over its datasets and commits what succeeded.
func (d *Driver) runStage(ctx context.Context, st recipe.Stage, invalidate bool) (rep StageReport, err error) {
	start := time.Now()
	rep = StageReport{Name: st.Name, Task: st.Task}
	log := d.logger().With(zap.String("stage", st.Name), zap.String("task", st.Task))
	d.emit(telemetry.Event{Kind: telemetry.KindStageStart, Stage: st.Name, Data: map[string]any{
		"task":     st.Task,
		"parallel": st.Parallel,
	}})
	defer func() { rep.Elapsed = time.Since(start) }()

	task, err := d.lookup(st.Task)
	if err != nil {
		return rep, err
	}
	datasets := d.datasets(st)
	if invalidate {
		rep.Invalidated = d.invalidate(task, st, datasets)
	}

	insts := make([]*pipeline.Instance, len(datasets))
	for i, ds := range datasets {
		insts[i] = d.newInstance(task, st, ds)
	}
	if err := d.execute(ctx, st, insts); err != nil {
		return rep, err
	}

	for attempt := 1; attempt <= st.Retries; attempt++ {
		var retry []int
		for i, inst := range insts {
			if retryable(inst) {
				retry = append(retry, i)
			}
		}
		if len(retry) == 0 {
			break
		}
		log.Info("retrying toolkit failures", zap.Int("attempt", attempt), zap.Int("jobs", len(retry)))
		fresh := make([]*pipeline.Instance, len(retry))
		for k, i := range retry {
			fresh[k] = d.newInstance(task, st, datasets[i])
		}
		if err := d.execute(ctx, st, fresh); err != nil {
			return rep, err
		}
		for k, i := range retry {
			insts[i] = fresh[k]
		}
		rep.Retried += len(retry)
	}

	var ok []*pipeline.Instance
	for i, inst := range insts {
		if f, failed := failureOf(datasets[i], inst); failed {
			rep.Failures = append(rep.Failures, f)
			continue
		}
		ok = append(ok, inst)
	}

	switch {
	case len(ok) == 0:
		discardAll(insts, ErrNoSuccess)
		return rep, fmt.Errorf("%w: %d of %d datasets failed", ErrNoSuccess, len(rep.Failures), len(insts))
	case len(rep.Failures) > 0 && st.Policy() == recipe.PolicyAbort:
		discardAll(insts, ErrStageFailed)
		return rep, fmt.Errorf("%w: %d of %d datasets failed", ErrStageFailed, len(rep.Failures), len(insts))
	}

	// Commit in dataset registration order, whatever order the jobs finished in.
	for _, inst := range ok {
		ds := inst.Inputs().Dataset
		if err := inst.Commit(d.Context); err != nil {
			d.emit(telemetry.Event{Kind: telemetry.KindCommitRejected, Stage: st.Name, Dataset: ds, Data: map[string]string{"error": err.Error()}})
			return rep, err
		}
		rep.Committed = append(rep.Committed, ds)
		d.emit(telemetry.Event{Kind: telemetry.KindCommit, Stage: st.Name, Dataset: ds, Data: map[string]int{
			"stage_number": inst.Results().Stage,
			"artifacts":    len(inst.Results().Final),
		}})
	}

	log.Info("stage complete",
		zap.Int("committed", len(rep.Committed)),
		zap.Int("failed", len(rep.Failures)),
		zap.Int("stage_counter", d.Context.StageCounter()))
	d.emit(telemetry.Event{Kind: telemetry.KindStageDone, Stage: st.Name, Data: map[string]int{
		"committed": len(rep.Committed),
		"failed":    len(rep.Failures),
	}})
	return rep, nil
}

// datasets returns the stage's datasets in registration order, so commits
// follow the registry whatever order the recipe lists them in. Names the
// registry does not know keep their recipe order at the end and fail
// validation there.
func (d *Driver) datasets(st recipe.Stage) []string {
	names := d.Context.Registry().Names()
	if len(st.Datasets) == 0 {
		return names
	}
	rank := make(map[string]int, len(names))
	for i, n := range names {
		rank[n] = i
	}
	pos := func(ds string) int {
		if i, ok := rank[ds]; ok {
			return i
		}
		return len(names)
	}
	out := slices.Clone(st.Datasets)
	slices.SortStableFunc(out, func(a, b string) int { return cmp.Compare(pos(a), pos(b)) })
	return out
}

func (d *Driver) newInstance(task pipeline.Task, st recipe.Stage, dataset string) *pipeline.Instance {
	inst := pipeline.NewInstance(task, pipeline.Request{
		Kind:      st.Task,
		StageName: st.Name,
		Dataset:   dataset,
		Args:      st.Args,
	})
	if err := inst.Validate(d.Context); err != nil {
		d.logger().Warn("invalid inputs", zap.String("stage", st.Name), zap.String("dataset", dataset), zap.Error(err))
	}
	return inst
}

// invalidate removes the calibration entries a stage registered in an earlier
// run so rerunning it reproduces them instead of colliding with them.
func (d *Driver) invalidate(task pipeline.Task, st recipe.Stage, datasets []string) int {
	n := 0
	for _, ds := range datasets {
		in, err := pipeline.Resolve(d.Context, task, pipeline.Request{Kind: st.Task, StageName: st.Name, Dataset: ds, Args: st.Args})
		if err != nil {
			continue
		}
		pattern := task.Pattern(in)
		if pattern.IsZero() {
			continue
		}
		removed := d.Context.Invalidate(pattern, st.Name)
		n += removed
		d.emit(telemetry.Event{Kind: telemetry.KindInvalidate, Stage: st.Name, Dataset: ds, Data: map[string]any{
			"pattern": pattern.String(),
			"removed": removed,
		}})
	}
	return n
}

// execute prepares and analyses every validated instance, on the dispatcher
// for parallel stages and in-process otherwise. Failures are left on the
// instances; only cancellation or the loss of the whole pool is returned.
func (d *Driver) execute(ctx context.Context, st recipe.Stage, insts []*pipeline.Instance) error {
	var ready []*pipeline.Instance
	for _, inst := range insts {
		if inst.State() == pipeline.StateValidated {
			ready = append(ready, inst)
		}
	}
	if len(ready) == 0 {
		return nil
	}

	if st.Parallel && d.Dispatcher != nil {
		jobs := make([]dist.Job, len(ready))
		for i, inst := range ready {
			jobs[i] = dist.Job{ID: d.jobID(), Inputs: inst.Inputs()}
		}
		outcomes, err := d.Dispatcher.Run(ctx, jobs)
		if err != nil {
			return err
		}
		for i, o := range outcomes {
			if o.Err != nil {
				ready[i].Discard(o.Err)
				continue
			}
			if err := ready[i].Adopt(o.Results); err != nil {
				d.logger().Warn("adopting worker results", zap.String("job", o.Job.ID), zap.Error(err))
			}
		}
		return nil
	}

	for _, inst := range ready {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := inst.Prepare(ctx, d.Toolkit); err != nil {
			d.logger().Warn("prepare failed", zap.String("dataset", inst.Inputs().Dataset), zap.Error(err))
			continue
		}
		if err := inst.Analyse(ctx, d.Store); err != nil {
			return err
		}
	}
	return nil
}

// retryable reports whether an instance failed only on toolkit jobs. Lost
// workers are not retried: their jobs' outcomes are unknown.
func retryable(inst *pipeline.Instance) bool {
	res := inst.Results()
	return inst.State() == pipeline.StateAnalysed && res.Failed() && res.OnlyToolkitErrors()
}

// failureOf classifies an instance that cannot be committed.
func failureOf(dataset string, inst *pipeline.Instance) (Failure, bool) {
	if inst.State() == pipeline.StateRejected {
		err := inst.Err()
		kind := pipeline.ErrorKindInternal
		var invalid *pipeline.InvalidInputError
		var lost *dist.WorkerLostError
		switch {
		case errors.As(err, &lost):
			kind = pipeline.ErrorKindWorkerLost
		case errors.As(err, &invalid):
			kind = KindInvalidInput
		}
		return Failure{Dataset: dataset, Kind: kind, Message: err.Error()}, true
	}
	res := inst.Results()
	if res == nil || !res.Failed() {
		return Failure{}, false
	}
	return Failure{Dataset: dataset, Kind: res.Errors[0].Kind, Message: res.Errors[0].Message}, true
}

func discardAll(insts []*pipeline.Instance, reason error) {
	for _, inst := range insts {
		inst.Discard(reason)
	}
}
