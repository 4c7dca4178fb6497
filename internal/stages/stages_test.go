package stages

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/afero"

	"github.com/papapumpkin/calpipe/internal/calib"
	"github.com/papapumpkin/calpipe/internal/pipeline"
	"github.com/papapumpkin/calpipe/internal/storage"
	"github.com/papapumpkin/calpipe/internal/toolkit"
)

// recorder is a toolkit that creates each requested caltable on a memory
// filesystem and remembers every call.
type recorder struct {
	mu    sync.Mutex
	fs    afero.Fs
	calls []call
	fail  map[string]bool
}

type call struct {
	Function string
	Kwargs   map[string]string
}

func newRecorder() *recorder {
	return &recorder{fs: afero.NewMemMapFs(), fail: map[string]bool{}}
}

func (r *recorder) Submit(_ context.Context, fn string, kwargs map[string]string) (toolkit.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call{Function: fn, Kwargs: kwargs})
	if r.fail[kwargs["vis"]] {
		return nil, errors.New("solution did not converge")
	}
	if tbl := kwargs["caltable"]; tbl != "" {
		if err := afero.WriteFile(r.fs, "/work/"+tbl, []byte("solution"), 0o644); err != nil {
			return nil, err
		}
	}
	return toolkit.Record{"function": fn}, nil
}

func (r *recorder) store() *storage.FSStore {
	return &storage.FSStore{Fs: r.fs, Root: "/work"}
}

func newContext(t *testing.T, names ...string) *pipeline.Context {
	t.Helper()
	metas := make([]pipeline.DatasetMeta, len(names))
	for i, n := range names {
		metas[i] = pipeline.DatasetMeta{Name: n, RefAnt: "DA41", Spws: []string{"17", "19"}}
	}
	reg, err := pipeline.NewRegistry(metas...)
	if err != nil {
		t.Fatal(err)
	}
	return pipeline.NewContext(reg)
}

func runTask(t *testing.T, c *pipeline.Context, tk *recorder, task pipeline.Task, stage, ds string, args map[string]string) *pipeline.Instance {
	t.Helper()
	ctx := context.Background()
	inst := pipeline.NewInstance(task, pipeline.Request{StageName: stage, Dataset: ds, Args: args})
	if err := inst.Validate(c); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if err := inst.Prepare(ctx, tk); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if err := inst.Analyse(ctx, tk.store()); err != nil {
		t.Fatalf("Analyse: %v", err)
	}
	if inst.Results().Failed() {
		return inst
	}
	if err := inst.Commit(c); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	return inst
}

func artifactKeys(c *pipeline.Context) []string {
	var keys []string
	for _, a := range c.Applicable(calib.Selection{}) {
		keys = append(keys, a.Key())
	}
	slices.Sort(keys)
	return keys
}

func TestLookup(t *testing.T) {
	t.Parallel()

	for _, kind := range []string{KindSolve, KindApply} {
		task, err := Lookup(kind)
		if err != nil {
			t.Fatalf("Lookup(%q): %v", kind, err)
		}
		if task.Kind() != kind {
			t.Errorf("Kind() = %q, want %q", task.Kind(), kind)
		}
	}
	if _, err := Lookup("flagdata"); !errors.Is(err, ErrUnknownKind) {
		t.Errorf("expected ErrUnknownKind, got %v", err)
	}
}

func TestSolve_ResolvesDefaults(t *testing.T) {
	t.Parallel()

	c := newContext(t, "ms1")
	in, err := pipeline.Resolve(c, Solve{}, pipeline.Request{Dataset: "ms1", Args: map[string]string{"function": "bandpass"}})
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]string{
		"function": "bandpass",
		"solint":   "inf",
		"interp":   "linear",
		"refant":   "DA41",
		"caltable": "ms1.s1.bandpass.tbl",
	}
	if diff := cmp.Diff(want, in.Args); diff != "" {
		t.Errorf("Args (-want +got):\n%s", diff)
	}
}

func TestSolveThenApply_LibraryScenario(t *testing.T) {
	t.Parallel()

	c := newContext(t, "ms1", "ms2")
	tk := newRecorder()

	runTask(t, c, tk, Solve{}, "bandpass", "ms1", map[string]string{"function": "bandpass", "intent": "BANDPASS"})

	got := c.Applicable(calib.Selection{Dataset: "ms1", Intents: []string{"BANDPASS"}, Fields: []string{"0"}})
	if len(got) != 1 || got[0].Path != "ms1.s1.bandpass.tbl" {
		t.Fatalf("ms1 query = %+v, want the bandpass table", got)
	}
	if got := c.Applicable(calib.Selection{Dataset: "ms2", Intents: []string{"BANDPASS"}}); len(got) != 0 {
		t.Fatalf("ms2 query = %+v, want none", got)
	}

	inst := runTask(t, c, tk, Apply{}, "applycal", "ms1", nil)
	if inst.State() != pipeline.StateCommitted {
		t.Fatalf("apply state = %s", inst.State())
	}
	last := tk.calls[len(tk.calls)-1]
	if last.Function != "applycal" || last.Kwargs["gaintable"] != "ms1.s1.bandpass.tbl" {
		t.Errorf("unexpected applycal call %+v", last)
	}
	if !c.Applicable(calib.Selection{Dataset: "ms1"})[0].Applied {
		t.Error("bandpass table not marked applied")
	}
	if c.StageCounter() != 2 {
		t.Errorf("StageCounter = %d, want 2", c.StageCounter())
	}
}

func TestSolve_RerunAfterInvalidateIsIdempotent(t *testing.T) {
	t.Parallel()

	bandpass := map[string]string{"function": "bandpass", "intent": "BANDPASS"}
	phase := map[string]string{"function": "gaincal", "intent": "PHASE", "spw": "17"}

	once := newContext(t, "ms1")
	tk := newRecorder()
	runTask(t, once, tk, Solve{}, "bandpass", "ms1", bandpass)
	runTask(t, once, tk, Solve{}, "phase", "ms1", phase)

	twice := newContext(t, "ms1")
	tk = newRecorder()
	runTask(t, twice, tk, Solve{}, "bandpass", "ms1", bandpass)
	first := runTask(t, twice, tk, Solve{}, "phase", "ms1", phase)
	if n := twice.Invalidate(Solve{}.Pattern(first.Inputs()), "phase"); n != 1 {
		t.Fatalf("Invalidate removed %d entries, want 1", n)
	}
	runTask(t, twice, tk, Solve{}, "phase", "ms1", phase)

	if diff := cmp.Diff(artifactKeys(once), artifactKeys(twice)); diff != "" {
		t.Errorf("artifact set differs after rerun (-once +twice):\n%s", diff)
	}
}

func TestSolve_ToolkitFailureIsRecorded(t *testing.T) {
	t.Parallel()

	c := newContext(t, "ms1")
	tk := newRecorder()
	tk.fail["ms1"] = true

	inst := runTask(t, c, tk, Solve{}, "bandpass", "ms1", map[string]string{"function": "bandpass"})
	res := inst.Results()
	if !res.OnlyToolkitErrors() || len(res.Pending) != 0 {
		t.Fatalf("expected a toolkit error and no pending artifacts, got %+v", res)
	}
	if c.StageCounter() != 0 {
		t.Error("failed solve was committed")
	}
}

func TestSolve_BadInterp(t *testing.T) {
	t.Parallel()

	c := newContext(t, "ms1")
	inst := pipeline.NewInstance(Solve{}, pipeline.Request{Dataset: "ms1", Args: map[string]string{"function": "bandpass", "interp": "cubic"}})
	if err := inst.Validate(c); err != nil {
		t.Fatal(err)
	}
	err := inst.Prepare(context.Background(), newRecorder())
	var ierr *pipeline.InvalidInputError
	if !errors.As(err, &ierr) || ierr.Param != "interp" {
		t.Fatalf("expected InvalidInputError on interp, got %v", err)
	}
}

func TestApply_NothingApplicable(t *testing.T) {
	t.Parallel()

	c := newContext(t, "ms1")
	tk := newRecorder()
	inst := runTask(t, c, tk, Apply{}, "applycal", "ms1", nil)
	if len(tk.calls) != 0 {
		t.Errorf("applycal called with an empty library: %+v", tk.calls)
	}
	if inst.State() != pipeline.StateCommitted {
		t.Errorf("state = %s, want committed", inst.State())
	}
}

func TestApplyArgs(t *testing.T) {
	t.Parallel()

	arts := []calib.Artifact{
		{Path: "bp.tbl", Interp: calib.InterpPolicy{Time: calib.InterpNearest, Freq: calib.InterpLinear}},
		{Path: "ph.tbl", Interp: calib.InterpPolicy{Time: calib.InterpLinear}, SpwMap: map[string]string{"19": "17"}},
	}
	got := ApplyArgs(arts, []string{"17", "19"})
	want := map[string]string{
		"gaintable": "bp.tbl,ph.tbl",
		"interp":    "nearest,linear;linear",
		"spwmap":    "17,19;17,17",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ApplyArgs (-want +got):\n%s", diff)
	}

	noMap := ApplyArgs(arts[:1], []string{"17"})
	if _, ok := noMap["spwmap"]; ok {
		t.Error("spwmap emitted without any mapping")
	}
}

func TestSolve_ScanAndSpwMapReachApply(t *testing.T) {
	t.Parallel()

	c := newContext(t, "ms1")
	tk := newRecorder()
	runTask(t, c, tk, Solve{}, "phase", "ms1", map[string]string{
		"function": "gaincal",
		"scan":     "4,3",
		"spwmap":   "19:17",
	})
	if got := tk.calls[0].Kwargs["scan"]; got != "4,3" {
		t.Errorf("solver scan = %q, want %q", got, "4,3")
	}

	arts := c.Applicable(calib.Selection{Dataset: "ms1", Scans: []string{"4"}})
	if len(arts) != 1 {
		t.Fatalf("scan 4 query = %+v, want the gaincal table", arts)
	}
	if diff := cmp.Diff([]string{"3", "4"}, arts[0].Target.Scans); diff != "" {
		t.Errorf("Target.Scans (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(map[string]string{"19": "17"}, arts[0].SpwMap); diff != "" {
		t.Errorf("SpwMap (-want +got):\n%s", diff)
	}
	if got := c.Applicable(calib.Selection{Dataset: "ms1", Scans: []string{"9"}}); len(got) != 0 {
		t.Errorf("scan 9 query = %+v, want none", got)
	}

	runTask(t, c, tk, Apply{}, "applycal", "ms1", map[string]string{"scan": "4"})
	last := tk.calls[len(tk.calls)-1]
	want := map[string]string{
		"vis":        "ms1",
		"gaintable":  "ms1.s1.gaincal.tbl",
		"interp":     "linear",
		"spwmap":     "17,17",
		"scan":       "4",
		"flagbackup": "false",
	}
	if diff := cmp.Diff(want, last.Kwargs); diff != "" {
		t.Errorf("applycal kwargs (-want +got):\n%s", diff)
	}

	calls := len(tk.calls)
	runTask(t, c, tk, Apply{}, "applycal", "ms1", map[string]string{"scan": "9"})
	if len(tk.calls) != calls {
		t.Errorf("applycal called for a scan with no calibration: %+v", tk.calls[calls:])
	}
}

func TestParseSpwMap(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		in      string
		want    map[string]string
		wantErr bool
	}{
		{name: "blank", in: " "},
		{name: "pairs", in: "5:1, 7:1", want: map[string]string{"5": "1", "7": "1"}},
		{name: "missing cal", in: "5:", wantErr: true},
		{name: "no colon", in: "5", wantErr: true},
		{name: "duplicate", in: "5:1,5:3", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParseSpwMap(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseSpwMap(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("ParseSpwMap(%q) (-want +got):\n%s", tt.in, diff)
			}
		})
	}
}

func TestSolve_BadSpwMap(t *testing.T) {
	t.Parallel()

	c := newContext(t, "ms1")
	inst := pipeline.NewInstance(Solve{}, pipeline.Request{Dataset: "ms1", Args: map[string]string{"function": "bandpass", "spwmap": "19"}})
	if err := inst.Validate(c); err != nil {
		t.Fatal(err)
	}
	err := inst.Prepare(context.Background(), newRecorder())
	var ierr *pipeline.InvalidInputError
	if !errors.As(err, &ierr) || ierr.Param != "spwmap" {
		t.Fatalf("expected InvalidInputError on spwmap, got %v", err)
	}
}
