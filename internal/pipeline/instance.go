package pipeline

import (
	"context"
	"fmt"

	"github.com/papapumpkin/calpipe/internal/toolkit"
)

// State is the lifecycle position of a task instance.
type State string

const (
	StateCreated   State = "created"
	StateValidated State = "validated"
	StatePrepared  State = "prepared"
	StateAnalysed  State = "analysed"
	StateCommitted State = "committed"
	StateRejected  State = "rejected"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateCommitted || s == StateRejected
}

// ExistenceChecker verifies artifacts on durable storage.
type ExistenceChecker interface {
	Exists(ctx context.Context, name string) (bool, error)
}

// Instance drives one task through
// created -> validated -> prepared -> analysed -> committed | rejected.
type Instance struct {
	Task    Task
	Request Request

	state   State
	inputs  Inputs
	results *Results
	err     error
}

// NewInstance returns an instance in the created state.
func NewInstance(t Task, req Request) *Instance {
	if req.Kind == "" {
		req.Kind = t.Kind()
	}
	return &Instance{Task: t, Request: req, state: StateCreated}
}

// State returns the current lifecycle state.
func (i *Instance) State() State { return i.state }

// Inputs returns the resolved inputs; valid from the validated state on.
func (i *Instance) Inputs() Inputs { return i.inputs }

// Results returns the results; nil before the prepared state.
func (i *Instance) Results() *Results { return i.results }

// Err returns the error that rejected the instance, if any.
func (i *Instance) Err() error { return i.err }

func (i *Instance) expect(want State) error {
	if i.state != want {
		return fmt.Errorf("%w: %s is %s, want %s", ErrInvalidTransition, i.Task.Kind(), i.state, want)
	}
	return nil
}

func (i *Instance) reject(err error) error {
	i.state = StateRejected
	i.err = err
	return err
}

// Validate resolves inputs against c.
func (i *Instance) Validate(c *Context) error {
	if err := i.expect(StateCreated); err != nil {
		return err
	}
	in, err := Resolve(c, i.Task, i.Request)
	if err != nil {
		return i.reject(err)
	}
	i.inputs = in
	i.state = StateValidated
	return nil
}

// Prepare runs the task's toolkit jobs.
func (i *Instance) Prepare(ctx context.Context, tk toolkit.Toolkit) error {
	if err := i.expect(StateValidated); err != nil {
		return err
	}
	res, err := prepare(ctx, i.Task, i.inputs, tk)
	if err != nil {
		return i.reject(err)
	}
	i.results = res
	i.state = StatePrepared
	return nil
}

// Analyse verifies pending artifacts.
func (i *Instance) Analyse(ctx context.Context, store ExistenceChecker) error {
	if err := i.expect(StatePrepared); err != nil {
		return err
	}
	Analyse(ctx, i.results, store)
	i.state = StateAnalysed
	return nil
}

// Adopt accepts results prepared and analysed elsewhere, e.g. on a worker.
func (i *Instance) Adopt(res *Results) error {
	if err := i.expect(StateValidated); err != nil {
		return err
	}
	if res == nil {
		return i.reject(fmt.Errorf("%w: nil results for %s", ErrInvalidTransition, i.inputs.Dataset))
	}
	i.results = res
	i.state = StateAnalysed
	return nil
}

// Commit merges the results into c at the next stage number.
func (i *Instance) Commit(c *Context) error {
	if err := i.expect(StateAnalysed); err != nil {
		return err
	}
	if err := c.Commit(c.BeginStage(), i.results); err != nil {
		return i.reject(err)
	}
	i.state = StateCommitted
	return nil
}

// Discard rejects an analysed instance without committing it.
func (i *Instance) Discard(reason error) {
	if i.state.Terminal() {
		return
	}
	i.reject(reason)
}

// Execute runs prepare and analyse for in. It needs no shared context, so
// workers call it directly.
func Execute(ctx context.Context, t Task, in Inputs, tk toolkit.Toolkit, store ExistenceChecker) (*Results, error) {
	res, err := prepare(ctx, t, in, tk)
	if err != nil {
		return nil, err
	}
	Analyse(ctx, res, store)
	return res, nil
}

func prepare(ctx context.Context, t Task, in Inputs, tk toolkit.Toolkit) (*Results, error) {
	if in.DryRun {
		tk = toolkit.DryRun{}
	}
	res, err := t.Prepare(ctx, in, tk)
	if err != nil {
		return nil, fmt.Errorf("prepare %s on %s: %w", t.Kind(), in.Dataset, err)
	}
	if res == nil {
		return nil, fmt.Errorf("prepare %s on %s: task returned no results", t.Kind(), in.Dataset)
	}
	res.DryRun = in.DryRun
	return res, nil
}

// Analyse moves every pending artifact found on durable storage into Final and
// records the rest as errors. Dry-run results skip the existence check. It
// issues no toolkit calls.
func Analyse(ctx context.Context, res *Results, store ExistenceChecker) {
	for _, a := range res.Pending {
		if res.DryRun {
			res.Final = append(res.Final, a)
			continue
		}
		if store == nil {
			res.AddError(ErrorKindStorage, a.Path, "no artifact store configured")
			continue
		}
		ok, err := store.Exists(ctx, a.Path)
		switch {
		case err != nil:
			res.AddError(ErrorKindStorage, a.Path, err.Error())
		case !ok:
			res.AddError(ErrorKindMissingArtifact, a.Path, "artifact not found on storage")
		default:
			res.Final = append(res.Final, a)
		}
	}
}
