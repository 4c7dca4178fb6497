package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/spf13/afero"

	"github.com/papapumpkin/calpipe/internal/calib"
	"github.com/papapumpkin/calpipe/internal/storage"
	"github.com/papapumpkin/calpipe/internal/toolkit"
)

// solveStub registers one caltable per dataset, named after the stage.
type solveStub struct{}

func (solveStub) Kind() string { return "solve" }

func (solveStub) Params() []ParamSpec {
	return []ParamSpec{
		{Name: "function", Required: true},
		{Name: "caltable", Required: true, Default: func(env ResolveEnv) (string, bool) {
			fn, ok := env.Args["function"]
			if !ok {
				return "", false
			}
			return fmt.Sprintf("%s.s%d.%s.tbl", env.Dataset.Name, env.StageNumber, fn), true
		}},
	}
}

func (solveStub) Prepare(ctx context.Context, in Inputs, tk toolkit.Toolkit) (*Results, error) {
	res := NewResults(in)
	fn := in.Arg("function")
	rec, err := tk.Submit(ctx, fn, map[string]string{"vis": in.Dataset, "caltable": in.Arg("caltable")})
	if err != nil {
		res.RecordToolkitError(&ToolkitJobError{Function: fn, Dataset: in.Dataset, Err: err})
		return res, nil
	}
	res.Records = append(res.Records, rec)
	res.AddPending(calib.Artifact{
		Path:   in.Arg("caltable"),
		Job:    calib.JobRef{Task: in.Kind, Function: fn, Args: map[string]string{"vis": in.Dataset}},
		Target: calib.Selection{Dataset: in.Dataset},
	})
	return res, nil
}

func (solveStub) Pattern(in Inputs) calib.Selection {
	return calib.Selection{Dataset: in.Dataset}
}

// applyStub reads the library snapshot and marks it applied.
type applyStub struct{ solveStub }

func (applyStub) Kind() string        { return "apply" }
func (applyStub) Params() []ParamSpec { return nil }

func (applyStub) Needs(in Inputs) calib.Selection {
	return calib.Selection{Dataset: in.Dataset}
}

func (applyStub) Prepare(_ context.Context, in Inputs, _ toolkit.Toolkit) (*Results, error) {
	res := NewResults(in)
	for _, a := range in.Applicable {
		res.Applied = append(res.Applied, a.Key())
	}
	return res, nil
}

func memStore(t *testing.T, files ...string) *storage.FSStore {
	t.Helper()
	fs := afero.NewMemMapFs()
	for _, f := range files {
		if err := afero.WriteFile(fs, "/work/"+f, []byte("table"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return &storage.FSStore{Fs: fs, Root: "/work"}
}

func okToolkit() toolkit.Toolkit {
	return toolkit.Func(func(_ context.Context, fn string, _ map[string]string) (toolkit.Record, error) {
		return toolkit.Record{"function": fn, "ok": true}, nil
	})
}

func TestResolve_ComputedDefault(t *testing.T) {
	t.Parallel()

	c := NewContext(testRegistry(t, "ms1"))
	in, err := Resolve(c, solveStub{}, Request{StageName: "bp", Dataset: "ms1", Args: map[string]string{"function": "bandpass"}})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if in.StageNumber != 1 {
		t.Errorf("StageNumber = %d, want 1", in.StageNumber)
	}
	if got := in.Arg("caltable"); got != "ms1.s1.bandpass.tbl" {
		t.Errorf("caltable = %q", got)
	}
	if in.Meta.Name != "ms1" || len(in.Meta.Antennas) != 2 {
		t.Errorf("unexpected meta %+v", in.Meta)
	}
}

func TestResolve_ExplicitArgWins(t *testing.T) {
	t.Parallel()

	c := NewContext(testRegistry(t, "ms1"))
	args := map[string]string{"function": "gaincal", "caltable": "custom.tbl"}
	in, err := Resolve(c, solveStub{}, Request{Dataset: "ms1", Args: args})
	if err != nil {
		t.Fatal(err)
	}
	if in.Arg("caltable") != "custom.tbl" {
		t.Errorf("caltable = %q, want custom.tbl", in.Arg("caltable"))
	}
	in.Args["caltable"] = "mutated"
	if args["caltable"] != "custom.tbl" {
		t.Error("Resolve aliased the request arguments")
	}
}

func TestResolve_Errors(t *testing.T) {
	t.Parallel()

	c := NewContext(testRegistry(t, "ms1"))
	tests := []struct {
		name    string
		req     Request
		wantErr error
		param   string
	}{
		{
			name:    "unknown dataset",
			req:     Request{Dataset: "ms9", Args: map[string]string{"function": "bandpass"}},
			wantErr: ErrUnknownDataset,
		},
		{
			name:    "missing required",
			req:     Request{Dataset: "ms1"},
			wantErr: ErrMissingArgument,
			param:   "function",
		},
		{
			name:    "blank required",
			req:     Request{Dataset: "ms1", Args: map[string]string{"function": "  "}},
			wantErr: ErrMissingArgument,
			param:   "function",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Resolve(c, solveStub{}, tt.req)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
			var ierr *InvalidInputError
			if !errors.As(err, &ierr) {
				t.Fatalf("expected InvalidInputError, got %T", err)
			}
			if ierr.Param != tt.param {
				t.Errorf("Param = %q, want %q", ierr.Param, tt.param)
			}
		})
	}
}

func TestInstance_Lifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := NewContext(testRegistry(t, "ms1"))
	inst := NewInstance(solveStub{}, Request{StageName: "bp", Dataset: "ms1", Args: map[string]string{"function": "bandpass"}})

	if err := inst.Prepare(ctx, okToolkit()); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("Prepare before Validate: expected ErrInvalidTransition, got %v", err)
	}
	if inst.State() != StateCreated {
		t.Fatalf("out-of-order call changed state to %s", inst.State())
	}

	steps := []struct {
		name string
		run  func() error
		want State
	}{
		{"validate", func() error { return inst.Validate(c) }, StateValidated},
		{"prepare", func() error { return inst.Prepare(ctx, okToolkit()) }, StatePrepared},
		{"analyse", func() error { return inst.Analyse(ctx, memStore(t, "ms1.s1.bandpass.tbl")) }, StateAnalysed},
		{"commit", func() error { return inst.Commit(c) }, StateCommitted},
	}
	for _, s := range steps {
		if err := s.run(); err != nil {
			t.Fatalf("%s: %v", s.name, err)
		}
		if inst.State() != s.want {
			t.Fatalf("after %s state = %s, want %s", s.name, inst.State(), s.want)
		}
	}

	if !inst.State().Terminal() {
		t.Error("committed should be terminal")
	}
	if inst.Results().Stage != 1 {
		t.Errorf("results stage = %d, want 1", inst.Results().Stage)
	}
	if got := c.Applicable(calib.Selection{Dataset: "ms1"}); len(got) != 1 || got[0].Path != "ms1.s1.bandpass.tbl" {
		t.Errorf("unexpected library contents %+v", got)
	}
}

func TestInstance_AnalyseMissingArtifact(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := NewContext(testRegistry(t, "ms1"))
	inst := NewInstance(solveStub{}, Request{Dataset: "ms1", Args: map[string]string{"function": "bandpass"}})
	if err := inst.Validate(c); err != nil {
		t.Fatal(err)
	}
	if err := inst.Prepare(ctx, okToolkit()); err != nil {
		t.Fatal(err)
	}
	if err := inst.Analyse(ctx, memStore(t)); err != nil {
		t.Fatal(err)
	}

	res := inst.Results()
	if len(res.Final) != 0 || !res.Failed() {
		t.Fatalf("expected failure with no finals, got %+v", res)
	}
	if kinds := res.ErrorKinds(); len(kinds) != 1 || kinds[0] != ErrorKindMissingArtifact {
		t.Errorf("ErrorKinds = %v", kinds)
	}
	if res.OnlyToolkitErrors() {
		t.Error("missing artifact must not be retryable")
	}
}

func TestInstance_ToolkitFailureRecorded(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := NewContext(testRegistry(t, "ms1"))
	failing := toolkit.Func(func(context.Context, string, map[string]string) (toolkit.Record, error) {
		return nil, errors.New("solver diverged")
	})

	inst := NewInstance(solveStub{}, Request{Dataset: "ms1", Args: map[string]string{"function": "bandpass"}})
	if err := inst.Validate(c); err != nil {
		t.Fatal(err)
	}
	if err := inst.Prepare(ctx, failing); err != nil {
		t.Fatalf("toolkit failure escaped Prepare: %v", err)
	}
	if err := inst.Analyse(ctx, memStore(t)); err != nil {
		t.Fatal(err)
	}
	res := inst.Results()
	if !res.OnlyToolkitErrors() {
		t.Errorf("expected only toolkit errors, got %+v", res.Errors)
	}

	inst.Discard(errors.New("stage policy"))
	if inst.State() != StateRejected || inst.Err() == nil {
		t.Errorf("Discard: state %s err %v", inst.State(), inst.Err())
	}
	if c.StageCounter() != 0 {
		t.Error("discarded instance touched the context")
	}
}

func TestInstance_ValidateRejects(t *testing.T) {
	t.Parallel()

	c := NewContext(testRegistry(t, "ms1"))
	inst := NewInstance(solveStub{}, Request{Dataset: "nope"})
	if err := inst.Validate(c); err == nil {
		t.Fatal("expected validation error")
	}
	if inst.State() != StateRejected {
		t.Errorf("state = %s, want rejected", inst.State())
	}
	if err := inst.Validate(c); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("rejected instance accepted a transition: %v", err)
	}
}

func TestExecute_DryRunSkipsToolkitAndStorage(t *testing.T) {
	t.Parallel()

	c := NewContext(testRegistry(t, "ms1"), WithDryRun(true))
	in, err := Resolve(c, solveStub{}, Request{Dataset: "ms1", Args: map[string]string{"function": "bandpass"}})
	if err != nil {
		t.Fatal(err)
	}
	called := false
	tk := toolkit.Func(func(context.Context, string, map[string]string) (toolkit.Record, error) {
		called = true
		return nil, errors.New("must not run")
	})

	res, err := Execute(context.Background(), solveStub{}, in, tk, nil)
	if err != nil {
		t.Fatal(err)
	}
	if called {
		t.Error("dry run reached the real toolkit")
	}
	if !res.DryRun || len(res.Final) != 1 || res.Failed() {
		t.Errorf("unexpected dry-run results %+v", res)
	}
}

func TestResolve_SnapshotTravelsWithInputs(t *testing.T) {
	t.Parallel()

	c := NewContext(testRegistry(t, "ms1", "ms2"))
	if err := c.Commit(c.BeginStage(), finalResults("ms1", artifactFor("ms1", "bandpass"))); err != nil {
		t.Fatal(err)
	}

	in, err := Resolve(c, applyStub{}, Request{Dataset: "ms1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(in.Applicable) != 1 {
		t.Fatalf("expected 1 artifact in snapshot, got %d", len(in.Applicable))
	}

	// Later commits do not leak into an already-resolved snapshot.
	if err := c.Commit(c.BeginStage(), finalResults("ms1", artifactFor("ms1", "gaincal"))); err != nil {
		t.Fatal(err)
	}
	if len(in.Applicable) != 1 {
		t.Error("snapshot changed after resolve")
	}

	res, err := Execute(context.Background(), applyStub{}, in, okToolkit(), memStore(t))
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Commit(c.BeginStage(), res); err != nil {
		t.Fatalf("commit apply results: %v", err)
	}
	arts := c.Applicable(calib.Selection{Dataset: "ms1"})
	if !arts[0].Applied || arts[1].Applied {
		t.Errorf("applied flags = %v,%v want true,false", arts[0].Applied, arts[1].Applied)
	}
}
