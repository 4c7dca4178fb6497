package dist

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/papapumpkin/calpipe/internal/pipeline"
	"github.com/papapumpkin/calpipe/internal/stages"
)

func startController(t *testing.T, l Launcher, size int, opts ...Option) *Controller {
	t.Helper()
	c := NewController(l, size, WorkerConfig{RunID: "run-1", DryRun: true}, opts...)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return c
}

func TestController_WorkerLostFailsOnlyItsJob(t *testing.T) {
	t.Parallel()
	s := &scripted{
		crash: map[string]bool{"ms2": true},
		delay: map[string]time.Duration{"ms1": 20 * time.Millisecond},
	}
	rec := newMemRecorder()
	c := startController(t, s.launcher(), 2, WithRecorder(rec))

	jobs := []Job{fakeJob("j1", "ms1"), fakeJob("j2", "ms2"), fakeJob("j3", "ms3")}
	outcomes, err := c.Run(context.Background(), jobs)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if err := c.Stop(context.Background()); err != nil {
		t.Errorf("Stop: %v", err)
	}

	for _, i := range []int{0, 2} {
		if outcomes[i].Err != nil || outcomes[i].Results == nil {
			t.Errorf("outcome %d: err=%v results=%v, want results", i, outcomes[i].Err, outcomes[i].Results)
		}
	}
	var lost *WorkerLostError
	if !errors.As(outcomes[1].Err, &lost) {
		t.Fatalf("outcome 1 err = %v, want *WorkerLostError", outcomes[1].Err)
	}
	if lost.Dataset != "ms2" || lost.JobID != "j2" {
		t.Errorf("lost = %+v", lost)
	}
	if outcomes[1].Results != nil {
		t.Errorf("lost job must not carry results")
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	want := map[string]string{"j1": OutcomeDone, "j2": OutcomeLost, "j3": OutcomeDone}
	for id, outcome := range want {
		if rec.finished[id] != outcome {
			t.Errorf("recorded %s = %q, want %q", id, rec.finished[id], outcome)
		}
	}
	if !rec.stopped[lost.Worker] {
		t.Errorf("worker %s not recorded as lost: %v", lost.Worker, rec.stopped)
	}
	if len(rec.started) != 2 {
		t.Errorf("recorded %d started workers, want 2", len(rec.started))
	}
}

func TestController_OutcomesInSubmissionOrder(t *testing.T) {
	t.Parallel()
	s := &scripted{delay: map[string]time.Duration{}}
	var jobs []Job
	for i := range 6 {
		ds := fmt.Sprintf("ms%d", i+1)
		s.delay[ds] = time.Duration(6-i) * 10 * time.Millisecond
		jobs = append(jobs, fakeJob("job-"+ds, ds))
	}
	c := startController(t, s.launcher(), 3)
	defer c.Stop(context.Background())

	outcomes, err := c.Run(context.Background(), jobs)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(outcomes) != len(jobs) {
		t.Fatalf("got %d outcomes, want %d", len(outcomes), len(jobs))
	}
	for i, o := range outcomes {
		if o.Job.ID != jobs[i].ID {
			t.Errorf("outcome %d is %s, want %s", i, o.Job.ID, jobs[i].ID)
		}
		if o.Err != nil || o.Results.Dataset != jobs[i].Dataset() {
			t.Errorf("outcome %d: err=%v dataset=%v", i, o.Err, o.Results)
		}
	}
}

func TestController_OneJobPerDatasetInFlight(t *testing.T) {
	t.Parallel()
	s := &scripted{delay: map[string]time.Duration{
		"ms1": 15 * time.Millisecond,
		"ms2": 15 * time.Millisecond,
	}}
	c := startController(t, s.launcher(), 3)
	defer c.Stop(context.Background())

	jobs := []Job{
		fakeJob("a", "ms1"), fakeJob("b", "ms1"), fakeJob("c", "ms1"),
		fakeJob("d", "ms2"), fakeJob("e", "ms2"),
	}
	outcomes, err := c.Run(context.Background(), jobs)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	for i, o := range outcomes {
		if o.Err != nil {
			t.Errorf("outcome %d: %v", i, o.Err)
		}
	}
	for _, ds := range []string{"ms1", "ms2"} {
		if p := s.peak(ds); p != 1 {
			t.Errorf("%s had %d jobs in flight at once, want 1", ds, p)
		}
	}
}

func TestController_HeartbeatTimeout(t *testing.T) {
	t.Parallel()

	t.Run("silent worker is lost", func(t *testing.T) {
		t.Parallel()
		s := &scripted{hang: map[string]bool{"ms1": true}}
		c := startController(t, s.launcher(), 1, WithHeartbeatTimeout(30*time.Millisecond))
		defer c.Stop(context.Background())

		outcomes, err := c.Run(context.Background(), []Job{fakeJob("j1", "ms1")})
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		var lost *WorkerLostError
		if !errors.As(outcomes[0].Err, &lost) {
			t.Fatalf("err = %v, want *WorkerLostError", outcomes[0].Err)
		}
		if !errors.Is(outcomes[0].Err, ErrKilled) {
			t.Errorf("err = %v, want it to wrap ErrKilled", outcomes[0].Err)
		}
	})

	t.Run("heartbeats keep a slow job alive", func(t *testing.T) {
		t.Parallel()
		s := &scripted{
			delay:     map[string]time.Duration{"ms1": 120 * time.Millisecond},
			heartbeat: 10 * time.Millisecond,
		}
		rec := newMemRecorder()
		c := startController(t, s.launcher(), 1, WithHeartbeatTimeout(60*time.Millisecond), WithRecorder(rec))
		defer c.Stop(context.Background())

		outcomes, err := c.Run(context.Background(), []Job{fakeJob("j1", "ms1")})
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		if outcomes[0].Err != nil {
			t.Fatalf("err = %v, want success", outcomes[0].Err)
		}
		rec.mu.Lock()
		defer rec.mu.Unlock()
		if rec.heartbeats == 0 {
			t.Error("expected heartbeats to be recorded")
		}
	})
}

func TestController_AllWorkersLost(t *testing.T) {
	t.Parallel()
	s := &scripted{crash: map[string]bool{"ms1": true, "ms2": true}}
	c := startController(t, s.launcher(), 2)
	defer c.Stop(context.Background())

	jobs := []Job{fakeJob("j1", "ms1"), fakeJob("j2", "ms2"), fakeJob("j3", "ms3")}
	outcomes, err := c.Run(context.Background(), jobs)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	for i := range 2 {
		var lost *WorkerLostError
		if !errors.As(outcomes[i].Err, &lost) {
			t.Errorf("outcome %d err = %v, want *WorkerLostError", i, outcomes[i].Err)
		}
	}
	if !errors.Is(outcomes[2].Err, ErrNoWorkers) {
		t.Errorf("outcome 2 err = %v, want ErrNoWorkers", outcomes[2].Err)
	}

	if _, err := c.Run(context.Background(), jobs[2:]); !errors.Is(err, ErrNoWorkers) {
		t.Errorf("Run on empty pool = %v, want ErrNoWorkers", err)
	}
}

func TestController_StartFailureKillsStarted(t *testing.T) {
	t.Parallel()
	w := testWorker(fakeTask{})
	l := LauncherFunc(func(ctx context.Context, id string) (*Link, error) {
		if id == "w1" {
			return nil, errors.New("fork: resource temporarily unavailable")
		}
		return InProcessLauncher{Worker: w}.Launch(ctx, id)
	})
	c := NewController(l, 3, WorkerConfig{RunID: "run-1", DryRun: true})
	err := c.Start(context.Background())
	if err == nil {
		t.Fatal("expected Start to fail")
	}
	if _, err := c.Run(context.Background(), []Job{fakeJob("j1", "ms1")}); !errors.Is(err, ErrNoWorkers) {
		t.Errorf("Run after failed Start = %v, want ErrNoWorkers", err)
	}
}

func TestController_EmptyPool(t *testing.T) {
	t.Parallel()
	c := NewController(InProcessLauncher{}, 0, WorkerConfig{})
	if err := c.Start(context.Background()); !errors.Is(err, ErrNoWorkers) {
		t.Errorf("Start = %v, want ErrNoWorkers", err)
	}
	outcomes, err := c.Run(context.Background(), nil)
	if err != nil || len(outcomes) != 0 {
		t.Errorf("Run(nil) = %v, %v", outcomes, err)
	}
}

func TestController_CanceledRun(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	task := fakeTask{prepare: func(_ context.Context, in pipeline.Inputs) (*pipeline.Results, error) {
		<-release
		return resultsFor(in), nil
	}}
	c := startController(t, InProcessLauncher{Worker: testWorker(task)}, 1)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := c.Run(ctx, []Job{fakeJob("j1", "ms1")})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Run = %v, want context.Canceled", err)
	}
	close(release)
	if err := c.Stop(context.Background()); err != nil {
		t.Errorf("Stop: %v", err)
	}
}

func TestController_InProcessSolve(t *testing.T) {
	t.Parallel()
	reg, err := pipeline.NewRegistry(
		pipeline.DatasetMeta{Name: "ms1", RefAnt: "DA41", Spws: []string{"17"}},
		pipeline.DatasetMeta{Name: "ms2", RefAnt: "DV07", Spws: []string{"17"}},
	)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	pc := pipeline.NewContext(reg, pipeline.WithDryRun(true))

	var jobs []Job
	for _, ds := range reg.Names() {
		in, err := pipeline.Resolve(pc, stages.Solve{}, pipeline.Request{
			Kind:      stages.KindSolve,
			StageName: "bandpass",
			Dataset:   ds,
			Args:      map[string]string{"function": "bandpass", "intent": "BANDPASS"},
		})
		if err != nil {
			t.Fatalf("Resolve(%s): %v", ds, err)
		}
		jobs = append(jobs, Job{ID: "bandpass-" + ds, Inputs: in})
	}

	cfg := WorkerConfig{RunID: pc.RunID(), DryRun: true, WorkDir: t.TempDir()}
	c := NewController(InProcessLauncher{Worker: &Worker{}}, 2, cfg)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	outcomes, err := c.Run(context.Background(), jobs)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	for _, o := range outcomes {
		if o.Err != nil {
			t.Fatalf("%s: %v", o.Job.ID, o.Err)
		}
		if err := pc.Commit(pc.BeginStage(), o.Results); err != nil {
			t.Fatalf("Commit %s: %v", o.Job.ID, err)
		}
	}
	if got := pc.StageCounter(); got != 2 {
		t.Errorf("StageCounter = %d, want 2", got)
	}
	for i, ds := range reg.Names() {
		hist := pc.History()[i]
		if hist.Dataset != ds {
			t.Errorf("history in commit order: got %s, want %s", hist.Dataset, ds)
		}
		if len(hist.Final) != 1 {
			t.Errorf("%s: %d final artifacts, want 1", ds, len(hist.Final))
		}
	}
}
