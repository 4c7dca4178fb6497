package dist

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/papapumpkin/calpipe/internal/pipeline"
	"github.com/papapumpkin/calpipe/internal/stages"
	"github.com/papapumpkin/calpipe/internal/storage"
	"github.com/papapumpkin/calpipe/internal/toolkit"
)

// Worker executes jobs received over a control channel. It holds no shared
// pipeline state: everything a job needs arrives in its Inputs.
type Worker struct {
	// Tasks resolves a task kind. Defaults to stages.Lookup.
	Tasks func(kind string) (pipeline.Task, error)
	// Toolkit builds the toolkit from the start configuration. Defaults to a
	// toolkit.Command on cfg.ToolkitPath, or toolkit.DryRun in dry-run mode.
	Toolkit func(cfg WorkerConfig) (toolkit.Toolkit, error)
	// Store builds the artifact store. Defaults to storage.Open, with a
	// filesystem store rooted at cfg.WorkDir when no root is configured.
	Store  func(cfg WorkerConfig) (storage.Store, error)
	Logger *zap.Logger
}

func (w *Worker) logger() *zap.Logger {
	if w.Logger == nil {
		return zap.NewNop()
	}
	return w.Logger
}

func (w *Worker) lookup(kind string) (pipeline.Task, error) {
	if w.Tasks != nil {
		return w.Tasks(kind)
	}
	return stages.Lookup(kind)
}

func (w *Worker) toolkit(cfg WorkerConfig) (toolkit.Toolkit, error) {
	if w.Toolkit != nil {
		return w.Toolkit(cfg)
	}
	if cfg.DryRun {
		return toolkit.DryRun{}, nil
	}
	if cfg.ToolkitPath == "" {
		return nil, errors.New("no toolkit path configured")
	}
	return &toolkit.Command{Path: cfg.ToolkitPath, WorkDir: cfg.WorkDir, Logger: w.logger()}, nil
}

func (w *Worker) store(cfg WorkerConfig) (storage.Store, error) {
	if w.Store != nil {
		return w.Store(cfg)
	}
	sc := cfg.Storage
	if (sc.Kind == "" || sc.Kind == storage.KindFS) && sc.Root == "" {
		sc.Root = cfg.WorkDir
	}
	return storage.Open(sc)
}

// Serve runs the receive loop until a stop message, the end of the channel,
// or cancellation of ctx. The first message must be start. A stop is honored
// between jobs; a running job always finishes first.
func (w *Worker) Serve(ctx context.Context, r io.Reader, wr io.Writer) error {
	dec := NewDecoder(r)
	enc := NewEncoder(wr)
	log := w.logger()

	first, err := dec.Recv()
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("worker: awaiting start: %w", err)
	}
	if first.Type != MsgStart || first.Config == nil {
		return fmt.Errorf("%w: first message is %q, want start", ErrProtocol, first.Type)
	}
	cfg := *first.Config
	log = log.With(zap.String("worker", cfg.WorkerID), zap.String("run_id", cfg.RunID))

	tk, err := w.toolkit(cfg)
	if err != nil {
		return fmt.Errorf("worker %s: toolkit: %w", cfg.WorkerID, err)
	}
	store, err := w.store(cfg)
	if err != nil {
		return fmt.Errorf("worker %s: storage: %w", cfg.WorkerID, err)
	}
	log.Debug("worker started", zap.Bool("dry_run", cfg.DryRun))

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg, err := dec.Recv()
		if errors.Is(err, io.EOF) {
			log.Info("control channel closed")
			return nil
		}
		if err != nil {
			return fmt.Errorf("worker %s: %w", cfg.WorkerID, err)
		}

		switch msg.Type {
		case MsgStop:
			log.Debug("worker stopping")
			return nil
		case MsgJob:
			if msg.Job == nil {
				return fmt.Errorf("%w: job message without job", ErrProtocol)
			}
			res := w.run(ctx, log, cfg, tk, store, *msg.Job, enc)
			if err := enc.Send(Message{Type: MsgResult, Result: &res}); err != nil {
				return fmt.Errorf("worker %s: %w", cfg.WorkerID, err)
			}
		default:
			return fmt.Errorf("%w: unexpected %q on worker", ErrProtocol, msg.Type)
		}
	}
}

func (w *Worker) run(ctx context.Context, log *zap.Logger, cfg WorkerConfig, tk toolkit.Toolkit, store storage.Store, job Job, enc *Encoder) Result {
	stop := heartbeat(enc, job.ID, cfg.HeartbeatInterval)
	defer stop()

	log = log.With(zap.String("job", job.ID), zap.String("dataset", job.Dataset()), zap.String("task", job.Inputs.Kind))
	start := time.Now()

	task, err := w.lookup(job.Inputs.Kind)
	if err != nil {
		log.Warn("job rejected", zap.Error(err))
		return Result{JobID: job.ID, Error: err.Error()}
	}
	var checker pipeline.ExistenceChecker
	if store != nil {
		checker = store
	}
	res, err := pipeline.Execute(ctx, task, job.Inputs, tk, checker)
	if err != nil {
		log.Warn("job failed to run", zap.Error(err))
		return Result{JobID: job.ID, Error: err.Error()}
	}
	log.Info("job finished",
		zap.Int("final", len(res.Final)),
		zap.Int("errors", len(res.Errors)),
		zap.Duration("elapsed", time.Since(start)))
	return Result{JobID: job.ID, Results: res}
}

// heartbeat sends a heartbeat for jobID every interval until the returned
// function is called. The returned function waits for the sender to exit.
func heartbeat(enc *Encoder, jobID string, interval time.Duration) func() {
	if interval <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case now := <-ticker.C:
				if err := enc.Send(Message{Type: MsgHeartbeat, Heartbeat: &Heartbeat{JobID: jobID, At: now.UTC()}}); err != nil {
					return
				}
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}
