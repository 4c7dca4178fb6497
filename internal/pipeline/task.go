package pipeline

import (
	"context"
	"fmt"
	"maps"
	"strings"

	"github.com/papapumpkin/calpipe/internal/calib"
	"github.com/papapumpkin/calpipe/internal/toolkit"
)

// Task is one kind of pipeline stage. Implementations are stateless: all
// per-run data arrives through Inputs.
type Task interface {
	// Kind names the task, e.g. "solve" or "apply".
	Kind() string
	// Params declares the arguments resolved before the task is prepared.
	Params() []ParamSpec
	// Prepare runs the toolkit jobs and returns pending artifacts. Toolkit
	// failures are recorded in the returned Results; a non-nil error means
	// the task itself is broken.
	Prepare(ctx context.Context, in Inputs, tk toolkit.Toolkit) (*Results, error)
	// Pattern is the selection covering every artifact this task registers
	// for in, used to invalidate them before a rerun. Tasks that register
	// nothing return the zero Selection.
	Pattern(in Inputs) calib.Selection
}

// SnapshotTask is implemented by tasks that read the calibration library. The
// returned selection is resolved against the library when inputs are
// resolved, and the matching artifacts travel with the inputs.
type SnapshotTask interface {
	Task
	Needs(in Inputs) calib.Selection
}

// ResolveEnv is what a computed default may depend on.
type ResolveEnv struct {
	Kind        string
	StageName   string
	StageNumber int
	Dataset     DatasetMeta
	Args        map[string]string // explicit arguments, read-only
}

// ParamSpec declares one task argument. Default, when set, computes a value
// for an argument the recipe left unset.
type ParamSpec struct {
	Name     string
	Required bool
	Default  func(env ResolveEnv) (string, bool)
}

// Request is an unresolved task invocation.
type Request struct {
	Kind      string
	StageName string
	Dataset   string
	Args      map[string]string
}

// Inputs is the resolved, immutable argument snapshot for one task instance.
// It carries everything a worker needs; no shared context is required.
type Inputs struct {
	Kind        string            `json:"kind"`
	StageName   string            `json:"stage_name"`
	StageNumber int               `json:"stage_number"`
	Dataset     string            `json:"dataset"`
	Meta        DatasetMeta       `json:"meta"`
	Args        map[string]string `json:"args"`
	DryRun      bool              `json:"dry_run"`
	Applicable  []calib.Artifact  `json:"applicable,omitempty"`
}

// Arg returns a resolved argument.
func (in Inputs) Arg(name string) string {
	return in.Args[name]
}

// Resolve turns a request into Inputs against the context's current state.
// The prospective stage number is the one the next commit will receive.
func Resolve(c *Context, t Task, req Request) (Inputs, error) {
	invalid := func(param string, err error) error {
		return &InvalidInputError{Task: req.Kind, Dataset: req.Dataset, Param: param, Err: err}
	}

	meta, ok := c.Registry().Lookup(req.Dataset)
	if !ok {
		return Inputs{}, invalid("", fmt.Errorf("%w: %q", ErrUnknownDataset, req.Dataset))
	}

	env := ResolveEnv{
		Kind:        t.Kind(),
		StageName:   req.StageName,
		StageNumber: c.StageCounter() + 1,
		Dataset:     meta,
		Args:        maps.Clone(req.Args),
	}

	args := maps.Clone(req.Args)
	if args == nil {
		args = make(map[string]string)
	}
	for _, p := range t.Params() {
		if v, ok := args[p.Name]; ok && strings.TrimSpace(v) != "" {
			continue
		}
		if p.Default != nil {
			if v, ok := p.Default(env); ok {
				args[p.Name] = v
				continue
			}
		}
		if p.Required {
			return Inputs{}, invalid(p.Name, ErrMissingArgument)
		}
	}

	in := Inputs{
		Kind:        t.Kind(),
		StageName:   req.StageName,
		StageNumber: env.StageNumber,
		Dataset:     meta.Name,
		Meta:        meta,
		Args:        args,
		DryRun:      c.DryRun(),
	}
	if st, ok := t.(SnapshotTask); ok {
		in.Applicable = c.Applicable(st.Needs(in))
	}
	return in, nil
}
