package dist

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/papapumpkin/calpipe/internal/pipeline"
	"github.com/papapumpkin/calpipe/internal/telemetry"
)

// Job outcomes as recorded by a JobRecorder.
const (
	OutcomeDone   = "done"
	OutcomeFailed = "failed"
	OutcomeLost   = "lost"
)

// JobRecorder persists the worker and job state of one run. Recording errors
// are logged and never fail a run.
type JobRecorder interface {
	WorkerStarted(ctx context.Context, workerID string, pid int) error
	WorkerStopped(ctx context.Context, workerID string, lost bool) error
	JobDispatched(ctx context.Context, jobID, workerID, dataset, kind string) error
	JobHeartbeat(ctx context.Context, jobID string) error
	JobFinished(ctx context.Context, jobID, outcome string) error
}

// Outcome is the result of one job. Exactly one of Results and Err is set.
// Err is a *WorkerLostError when the worker died with the job in flight.
type Outcome struct {
	Job     Job
	Worker  string
	Results *pipeline.Results
	Err     error
}

type workerHandle struct {
	id   string
	link *Link
	lost bool
}

type event struct {
	w   *workerHandle
	idx int
	res *Result
	err error
}

// Controller dispatches jobs to a fixed pool of workers. It never commits:
// callers commit the returned outcomes, in order, on the shared context.
type Controller struct {
	launcher         Launcher
	size             int
	cfg              WorkerConfig
	recorder         JobRecorder
	emitter          *telemetry.Emitter
	logger           *zap.Logger
	heartbeatTimeout time.Duration

	mu      sync.Mutex
	workers []*workerHandle
}

// Option configures a Controller.
type Option func(*Controller)

// WithRecorder persists worker and job state.
func WithRecorder(r JobRecorder) Option {
	return func(c *Controller) { c.recorder = r }
}

// WithTelemetry emits job events.
func WithTelemetry(e *telemetry.Emitter) Option {
	return func(c *Controller) { c.emitter = e }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithHeartbeatTimeout declares a worker lost when it is silent for d while
// running a job. Zero disables the check.
func WithHeartbeatTimeout(d time.Duration) Option {
	return func(c *Controller) { c.heartbeatTimeout = d }
}

// NewController returns a controller for size workers started by l.
func NewController(l Launcher, size int, cfg WorkerConfig, opts ...Option) *Controller {
	c := &Controller{
		launcher: l,
		size:     size,
		cfg:      cfg,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start launches every worker concurrently and sends each its start message.
// If any worker fails to start, the ones that did are killed.
func (c *Controller) Start(ctx context.Context) error {
	if c.size < 1 {
		return fmt.Errorf("%w: pool size %d", ErrNoWorkers, c.size)
	}
	handles := make([]*workerHandle, c.size)

	var g errgroup.Group
	for i := range c.size {
		id := "w" + strconv.Itoa(i)
		g.Go(func() error {
			link, err := c.launcher.Launch(ctx, id)
			if err != nil {
				return fmt.Errorf("launching worker %s: %w", id, err)
			}
			handles[i] = &workerHandle{id: id, link: link}
			cfg := c.cfg
			cfg.WorkerID = id
			if err := link.Send(Message{Type: MsgStart, Config: &cfg}); err != nil {
				return fmt.Errorf("starting worker %s: %w", id, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, h := range handles {
			if h != nil {
				h.link.Kill()
				h.link.Close()
			}
		}
		return err
	}

	c.mu.Lock()
	c.workers = handles
	c.mu.Unlock()
	for _, h := range handles {
		c.record(func(r JobRecorder) error { return r.WorkerStarted(ctx, h.id, h.link.PID) })
	}
	c.logger.Info("workers started", zap.Int("workers", c.size))
	return nil
}

func (c *Controller) record(fn func(JobRecorder) error) {
	if c.recorder == nil {
		return
	}
	if err := fn(c.recorder); err != nil {
		c.logger.Warn("ledger write failed", zap.Error(err))
	}
}

func (c *Controller) live() []*workerHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*workerHandle
	for _, w := range c.workers {
		if !w.lost {
			out = append(out, w)
		}
	}
	return out
}

// Run executes jobs on the pool and returns one outcome per job in the order
// given, however results arrive. At most one job per dataset is in flight. A
// lost worker fails only the job it was running; remaining jobs continue on
// the surviving workers. Run returns an error only when ctx is canceled or
// the pool is empty.
func (c *Controller) Run(ctx context.Context, jobs []Job) ([]Outcome, error) {
	outcomes := make([]Outcome, len(jobs))
	for i, j := range jobs {
		outcomes[i].Job = j
	}
	if len(jobs) == 0 {
		return outcomes, nil
	}
	idle := c.live()
	if len(idle) == 0 {
		return nil, ErrNoWorkers
	}

	events := make(chan event, len(jobs))
	queue := make([]int, len(jobs))
	for i := range queue {
		queue[i] = i
	}
	busy := make(map[string]bool)
	inflight := 0

	next := func() int {
		for k, idx := range queue {
			if !busy[jobs[idx].Dataset()] {
				return k
			}
		}
		return -1
	}

	for len(queue) > 0 || inflight > 0 {
		for len(idle) > 0 {
			k := next()
			if k < 0 {
				break
			}
			idx := queue[k]
			queue = append(queue[:k], queue[k+1:]...)
			w := idle[0]
			idle = idle[1:]
			job := jobs[idx]

			if err := w.link.Send(Message{Type: MsgJob, Job: &job}); err != nil {
				outcomes[idx].Worker = w.id
				outcomes[idx].Err = c.lose(ctx, w, job, err)
				continue
			}
			busy[job.Dataset()] = true
			inflight++
			c.record(func(r JobRecorder) error {
				return r.JobDispatched(ctx, job.ID, w.id, job.Dataset(), job.Inputs.Kind)
			})
			c.emit(telemetry.KindJobDispatched, job, map[string]string{"worker": w.id, "job": job.ID})
			go c.await(ctx, w, idx, job, events)
		}

		if inflight == 0 {
			for _, idx := range queue {
				outcomes[idx].Err = fmt.Errorf("job %s on %s: %w", jobs[idx].ID, jobs[idx].Dataset(), ErrNoWorkers)
			}
			break
		}

		select {
		case <-ctx.Done():
			return outcomes, ctx.Err()
		case ev := <-events:
			inflight--
			job := jobs[ev.idx]
			delete(busy, job.Dataset())
			outcomes[ev.idx].Worker = ev.w.id

			if ev.err != nil {
				outcomes[ev.idx].Err = c.lose(ctx, ev.w, job, ev.err)
				continue
			}
			idle = append(idle, ev.w)
			switch {
			case ev.res.Error != "":
				outcomes[ev.idx].Err = &JobError{JobID: job.ID, Dataset: job.Dataset(), Message: ev.res.Error}
			case ev.res.Results == nil:
				outcomes[ev.idx].Err = &JobError{JobID: job.ID, Dataset: job.Dataset(), Message: "worker returned no results"}
			default:
				outcomes[ev.idx].Results = ev.res.Results
			}
			outcome := OutcomeDone
			if outcomes[ev.idx].Err != nil || outcomes[ev.idx].Results.Failed() {
				outcome = OutcomeFailed
			}
			c.record(func(r JobRecorder) error { return r.JobFinished(ctx, job.ID, outcome) })
			c.emit(telemetry.KindJobResult, job, map[string]string{"worker": ev.w.id, "job": job.ID, "outcome": outcome})
		}
	}
	return outcomes, nil
}

// await reads the worker's messages until the job's result arrives.
func (c *Controller) await(ctx context.Context, w *workerHandle, idx int, job Job, events chan<- event) {
	var timer *time.Timer
	if c.heartbeatTimeout > 0 {
		timer = time.AfterFunc(c.heartbeatTimeout, func() {
			c.logger.Warn("worker silent, killing",
				zap.String("worker", w.id),
				zap.Duration("timeout", c.heartbeatTimeout))
			w.link.Kill()
		})
		defer timer.Stop()
	}

	for {
		msg, err := w.link.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			events <- event{w: w, idx: idx, err: err}
			return
		}
		if timer != nil {
			timer.Reset(c.heartbeatTimeout)
		}
		switch msg.Type {
		case MsgHeartbeat:
			c.record(func(r JobRecorder) error { return r.JobHeartbeat(ctx, job.ID) })
		case MsgResult:
			if msg.Result == nil || msg.Result.JobID != job.ID {
				events <- event{w: w, idx: idx, err: fmt.Errorf("%w: result for another job", ErrProtocol)}
				return
			}
			events <- event{w: w, idx: idx, res: msg.Result}
			return
		default:
			events <- event{w: w, idx: idx, err: fmt.Errorf("%w: unexpected %q from worker", ErrProtocol, msg.Type)}
			return
		}
	}
}

// lose marks w lost, kills it, and returns the error for its in-flight job.
func (c *Controller) lose(ctx context.Context, w *workerHandle, job Job, cause error) error {
	c.mu.Lock()
	w.lost = true
	c.mu.Unlock()
	w.link.Kill()

	err := &WorkerLostError{Worker: w.id, JobID: job.ID, Dataset: job.Dataset(), Err: cause}
	c.logger.Warn("worker lost",
		zap.String("worker", w.id),
		zap.String("dataset", job.Dataset()),
		zap.Error(cause))
	c.record(func(r JobRecorder) error { return r.JobFinished(ctx, job.ID, OutcomeLost) })
	c.record(func(r JobRecorder) error { return r.WorkerStopped(ctx, w.id, true) })
	c.emit(telemetry.KindWorkerLost, job, map[string]string{"worker": w.id, "job": job.ID, "error": cause.Error()})
	return err
}

func (c *Controller) emit(kind string, job Job, data map[string]string) {
	err := c.emitter.Emit(telemetry.Event{
		Kind:    kind,
		RunID:   c.cfg.RunID,
		Stage:   job.Inputs.StageName,
		Dataset: job.Dataset(),
		Data:    data,
	})
	if err != nil {
		c.logger.Warn("telemetry write failed", zap.Error(err))
	}
}

// Stop sends stop to every live worker, then closes every link and waits for
// the workers to exit. Workers finish any in-flight job first.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	workers := c.workers
	c.workers = nil
	lost := make(map[*workerHandle]bool, len(workers))
	for _, w := range workers {
		lost[w] = w.lost
	}
	c.mu.Unlock()

	for _, w := range workers {
		if lost[w] {
			continue
		}
		if err := w.link.Send(Message{Type: MsgStop}); err != nil {
			c.logger.Warn("stop not delivered, killing worker", zap.String("worker", w.id), zap.Error(err))
			w.link.Kill()
		}
	}

	var errs []error
	for _, w := range workers {
		err := w.link.Close()
		if !lost[w] {
			c.record(func(r JobRecorder) error { return r.WorkerStopped(ctx, w.id, false) })
			if err != nil {
				errs = append(errs, fmt.Errorf("worker %s: %w", w.id, err))
			}
		}
	}
	if len(workers) > 0 {
		c.logger.Info("workers stopped", zap.Int("workers", len(workers)))
	}
	return errors.Join(errs...)
}
