package stages

import (
	"context"
	"strings"

	"github.com/papapumpkin/calpipe/internal/calib"
	"github.com/papapumpkin/calpipe/internal/pipeline"
	"github.com/papapumpkin/calpipe/internal/toolkit"
)

// Apply applies every calibration artifact the library holds for a data
// selection, in library order, in one toolkit call. It registers no artifacts;
// a successful commit marks the consumed artifacts applied.
type Apply struct{}

// KindApply is the recipe kind of Apply.
const KindApply = "apply"

// Kind implements pipeline.Task.
func (Apply) Kind() string { return KindApply }

// Params implements pipeline.Task.
func (Apply) Params() []pipeline.ParamSpec {
	return []pipeline.ParamSpec{
		{Name: "function", Default: constant("applycal")},
		{Name: "field"},
		{Name: "spw"},
		{Name: "intent"},
		{Name: "scan"},
		{Name: "antenna"},
		{Name: "flagbackup", Default: constant("false")},
	}
}

// Needs implements pipeline.SnapshotTask.
func (Apply) Needs(in pipeline.Inputs) calib.Selection {
	return calib.Selection{
		Dataset:  in.Dataset,
		Fields:   splitList(in.Arg("field")),
		Spws:     splitList(in.Arg("spw")),
		Intents:  splitList(in.Arg("intent")),
		Scans:    splitList(in.Arg("scan")),
		Antennas: splitList(in.Arg("antenna")),
	}.Normalize()
}

// Pattern implements pipeline.Task. Apply registers nothing.
func (Apply) Pattern(pipeline.Inputs) calib.Selection {
	return calib.Selection{}
}

// Prepare implements pipeline.Task.
func (Apply) Prepare(ctx context.Context, in pipeline.Inputs, tk toolkit.Toolkit) (*pipeline.Results, error) {
	res := pipeline.NewResults(in)
	if len(in.Applicable) == 0 {
		return res, nil
	}

	fn := in.Arg("function")
	kwargs := ApplyArgs(in.Applicable, in.Meta.Spws)
	kwargs["vis"] = visPath(in)
	kwargs["flagbackup"] = in.Arg("flagbackup")
	for _, k := range []string{"field", "spw", "intent", "scan", "antenna"} {
		if v := in.Arg(k); v != "" {
			kwargs[k] = v
		}
	}

	rec, err := tk.Submit(ctx, fn, kwargs)
	if err != nil {
		res.RecordToolkitError(&pipeline.ToolkitJobError{Function: fn, Dataset: in.Dataset, Err: err})
		return res, nil
	}
	res.Records = append(res.Records, rec)
	for _, a := range in.Applicable {
		res.Applied = append(res.Applied, a.Key())
	}
	return res, nil
}

// ApplyArgs renders an ordered artifact list as toolkit arguments:
// gaintable is comma-separated, interp and spwmap are semicolon-separated with
// one element per artifact. spwmap lists the calibration spw used for each
// data spw in spws.
func ApplyArgs(arts []calib.Artifact, spws []string) map[string]string {
	tables := make([]string, len(arts))
	interps := make([]string, len(arts))
	spwmaps := make([]string, len(arts))
	mapped := false
	for i, a := range arts {
		tables[i] = a.Path
		interps[i] = a.Interp.String()
		if len(a.SpwMap) > 0 {
			mapped = true
		}
		ids := make([]string, len(spws))
		for j, spw := range spws {
			ids[j] = a.MappedSpw(spw)
		}
		spwmaps[i] = strings.Join(ids, ",")
	}

	args := map[string]string{
		"gaintable": strings.Join(tables, ","),
		"interp":    strings.Join(interps, ";"),
	}
	if mapped {
		args["spwmap"] = strings.Join(spwmaps, ";")
	}
	return args
}
