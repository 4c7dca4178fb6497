package stages

import (
	"context"
	"fmt"
	"strings"

	"github.com/papapumpkin/calpipe/internal/calib"
	"github.com/papapumpkin/calpipe/internal/pipeline"
	"github.com/papapumpkin/calpipe/internal/toolkit"
)

// Solve runs one calibration solver per dataset and registers the solution
// table it writes. The solver function (bandpass, gaincal, polcal, ...) is an
// argument; the artifact is registered for the data selection it was solved on.
type Solve struct{}

// KindSolve is the recipe kind of Solve.
const KindSolve = "solve"

// Kind implements pipeline.Task.
func (Solve) Kind() string { return KindSolve }

// Params implements pipeline.Task.
func (Solve) Params() []pipeline.ParamSpec {
	return []pipeline.ParamSpec{
		{Name: "function", Required: true},
		{Name: "field"},
		{Name: "spw"},
		{Name: "intent"},
		{Name: "scan"},
		{Name: "antenna"},
		{Name: "solint", Default: constant("inf")},
		{Name: "interp", Default: constant("linear")},
		{Name: "spwmap"},
		{Name: "refant", Default: func(env pipeline.ResolveEnv) (string, bool) {
			return env.Dataset.RefAnt, env.Dataset.RefAnt != ""
		}},
		{Name: "caltable", Required: true, Default: caltableName},
	}
}

// caltableName computes "<dataset>.s<stage>.<function>.tbl".
func caltableName(env pipeline.ResolveEnv) (string, bool) {
	fn := strings.TrimSpace(env.Args["function"])
	if fn == "" {
		return "", false
	}
	return fmt.Sprintf("%s.s%d.%s.tbl", env.Dataset.Name, env.StageNumber, fn), true
}

func constant(v string) func(pipeline.ResolveEnv) (string, bool) {
	return func(pipeline.ResolveEnv) (string, bool) { return v, true }
}

// solveSelectionArgs are passed to the solver and recorded as the job identity.
var solveSelectionArgs = []string{"field", "spw", "intent", "scan", "antenna", "solint", "refant"}

// Prepare implements pipeline.Task.
func (s Solve) Prepare(ctx context.Context, in pipeline.Inputs, tk toolkit.Toolkit) (*pipeline.Results, error) {
	res := pipeline.NewResults(in)
	fn := in.Arg("function")

	interp, err := calib.ParseInterpPolicy(in.Arg("interp"))
	if err != nil {
		return nil, &pipeline.InvalidInputError{Task: KindSolve, Dataset: in.Dataset, Param: "interp", Err: err}
	}
	spwMap, err := ParseSpwMap(in.Arg("spwmap"))
	if err != nil {
		return nil, &pipeline.InvalidInputError{Task: KindSolve, Dataset: in.Dataset, Param: "spwmap", Err: err}
	}

	identity := make(map[string]string)
	kwargs := map[string]string{
		"vis":      visPath(in),
		"caltable": in.Arg("caltable"),
	}
	for _, k := range solveSelectionArgs {
		if v := in.Arg(k); v != "" {
			kwargs[k] = v
			identity[k] = v
		}
	}
	identity["vis"] = in.Dataset

	rec, err := tk.Submit(ctx, fn, kwargs)
	if err != nil {
		res.RecordToolkitError(&pipeline.ToolkitJobError{Function: fn, Dataset: in.Dataset, Err: err})
		return res, nil
	}
	res.Records = append(res.Records, rec)
	res.AddPending(calib.Artifact{
		Path:   in.Arg("caltable"),
		Job:    calib.JobRef{Task: KindSolve, Function: fn, Args: identity, Stage: in.StageNumber, StageName: in.StageName},
		Target: s.Pattern(in),
		Interp: interp,
		SpwMap: spwMap,
	})
	return res, nil
}

// Pattern implements pipeline.Task. It is also the target selection of the
// registered artifact.
func (Solve) Pattern(in pipeline.Inputs) calib.Selection {
	return calib.Selection{
		Dataset:  in.Dataset,
		Fields:   splitList(in.Arg("field")),
		Spws:     splitList(in.Arg("spw")),
		Intents:  splitList(in.Arg("intent")),
		Scans:    splitList(in.Arg("scan")),
		Antennas: splitList(in.Arg("antenna")),
	}.Normalize()
}

// ParseSpwMap parses "data:cal,..." pairs such as "5:1,7:1", mapping each data
// spw to the spw its solution was derived on. Blank input yields nil.
func ParseSpwMap(s string) (map[string]string, error) {
	pairs := splitList(s)
	if len(pairs) == 0 {
		return nil, nil
	}
	m := make(map[string]string, len(pairs))
	for _, p := range pairs {
		data, cal, ok := strings.Cut(p, ":")
		data, cal = strings.TrimSpace(data), strings.TrimSpace(cal)
		if !ok || data == "" || cal == "" {
			return nil, fmt.Errorf("spwmap entry %q is not data:cal", p)
		}
		if _, dup := m[data]; dup {
			return nil, fmt.Errorf("spwmap maps spw %s twice", data)
		}
		m[data] = cal
	}
	return m, nil
}

func visPath(in pipeline.Inputs) string {
	if in.Meta.Path != "" {
		return in.Meta.Path
	}
	return in.Dataset
}

// splitList parses a comma-separated argument; blank input yields nil.
func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
