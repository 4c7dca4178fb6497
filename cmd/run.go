package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/papapumpkin/calpipe/internal/config"
	"github.com/papapumpkin/calpipe/internal/dist"
	"github.com/papapumpkin/calpipe/internal/driver"
	"github.com/papapumpkin/calpipe/internal/ledger"
	"github.com/papapumpkin/calpipe/internal/pipeline"
	"github.com/papapumpkin/calpipe/internal/reaper"
	"github.com/papapumpkin/calpipe/internal/recipe"
	"github.com/papapumpkin/calpipe/internal/storage"
	"github.com/papapumpkin/calpipe/internal/telemetry"
	"github.com/papapumpkin/calpipe/internal/toolkit"
	"github.com/papapumpkin/calpipe/internal/ui"
)

// CheckpointFile is the checkpoint name inside checkpoint_dir.
const CheckpointFile = "context.toml"

var runCmd = &cobra.Command{
	Use:   "run <recipe.toml>",
	Short: "Run a recipe over the registered datasets",
	Long: `Runs every stage of a recipe in order. Parallel stages fan out to
--workers worker processes; with zero workers every stage runs in-process.

The shared context is checkpointed after each completed stage. --resume
restores it and skips the stages it already completed. Touch a STOP file in
the work directory to stop cleanly at the next stage boundary.`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringSlice("datasets", nil, "dataset names, in commit order")
	runCmd.Flags().String("datasets-file", "", "YAML file describing the datasets")
	runCmd.Flags().Int("workers", 0, "worker processes for parallel stages (0 runs in-process)")
	runCmd.Flags().Bool("dry-run", false, "resolve and record every stage without running the toolkit")
	runCmd.Flags().String("work-dir", "", "directory the toolkit runs in and artifacts resolve against")
	runCmd.Flags().String("resume", "", "checkpoint to resume from")
	runCmd.Flags().Bool("discard-dry-run", false, "allow a real run to resume from a dry-run checkpoint by discarding its state")
	runCmd.Flags().StringSlice("rerun", nil, "completed stages to run again")

	_ = viper.BindPFlag("datasets_file", runCmd.Flags().Lookup("datasets-file"))
	_ = viper.BindPFlag("workers", runCmd.Flags().Lookup("workers"))
	_ = viper.BindPFlag("dry_run", runCmd.Flags().Lookup("dry-run"))
	_ = viper.BindPFlag("work_dir", runCmd.Flags().Lookup("work-dir"))

	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	logger, err := newLogger(cfg.Verbose)
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	printer := ui.New()

	workDir, err := resolveWorkDir(cfg.WorkDir)
	if err != nil {
		return err
	}

	rec, err := recipe.Load(args[0])
	if err != nil {
		return err
	}

	names, _ := cmd.Flags().GetStringSlice("datasets")
	resume, _ := cmd.Flags().GetString("resume")
	discard, _ := cmd.Flags().GetBool("discard-dry-run")
	pc, err := buildContext(cfg, names, resume, discard, logger)
	if err != nil {
		return err
	}

	em, err := openTelemetry(workDir, cfg.TelemetryPath)
	if err != nil {
		return err
	}
	defer em.Close()
	em.SetRunID(pc.RunID())

	store, err := storage.Open(storageConfig(cfg, workDir))
	if err != nil {
		return err
	}
	var tk toolkit.Toolkit = toolkit.DryRun{}
	if !cfg.DryRun {
		cmdTk := &toolkit.Command{Path: cfg.ToolkitPath, WorkDir: workDir, Logger: logger}
		if err := cmdTk.Validate(); err != nil {
			printer.Error(fmt.Sprintf("toolkit not available: %v", err))
			return err
		}
		tk = cmdTk
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rerun, _ := cmd.Flags().GetStringSlice("rerun")
	d := &driver.Driver{
		Context:        pc,
		Recipe:         rec,
		Toolkit:        tk,
		Store:          store,
		Rerun:          rerun,
		CheckpointPath: filepath.Join(under(workDir, cfg.CheckpointDir), CheckpointFile),
		StopDir:        workDir,
		Emitter:        em,
		Printer:        printer,
		Logger:         logger,
	}

	if cfg.Workers > 0 {
		ctrl, closeFn, err := startWorkers(ctx, cfg, workDir, pc.RunID(), em, logger)
		if err != nil {
			return err
		}
		defer closeFn()
		d.Dispatcher = ctrl
	}

	_, err = d.Run(ctx)
	switch {
	case errors.Is(err, driver.ErrManualStop):
		printer.Info("stopped at a stage boundary; resume with --resume " + d.CheckpointPath)
		return nil
	case err != nil:
		return &exitError{code: 1, err: err}
	}
	return nil
}

// buildContext restores a checkpoint or builds a fresh context from the
// dataset flags.
func buildContext(cfg config.Config, names []string, resume string, discard bool, logger *zap.Logger) (*pipeline.Context, error) {
	if resume != "" {
		pc, err := pipeline.Restore(resume, pipeline.WithDryRun(cfg.DryRun), pipeline.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		if pc.NonAuthoritative() && !cfg.DryRun {
			if !discard {
				return nil, fmt.Errorf("%s is a dry-run checkpoint; pass --discard-dry-run to start a real run from it", resume)
			}
			pc.DiscardDryRun()
		}
		return pc, nil
	}

	reg, err := buildRegistry(cfg.DatasetsFile, names)
	if err != nil {
		return nil, err
	}
	return pipeline.NewContext(reg, pipeline.WithDryRun(cfg.DryRun), pipeline.WithLogger(logger)), nil
}

// buildRegistry loads the datasets file, narrowed to names when both are
// given, or registers bare names.
func buildRegistry(file string, names []string) (*pipeline.Registry, error) {
	if file != "" {
		reg, err := pipeline.LoadRegistry(file)
		if err != nil {
			return nil, err
		}
		if len(names) > 0 {
			return reg.Subset(names)
		}
		return reg, nil
	}
	if len(names) == 0 {
		return nil, errors.New("no datasets: pass --datasets or --datasets-file")
	}
	metas := make([]pipeline.DatasetMeta, len(names))
	for i, n := range names {
		metas[i] = pipeline.DatasetMeta{Name: strings.TrimSpace(n)}
	}
	return pipeline.NewRegistry(metas...)
}

// startWorkers reaps workers orphaned by earlier controllers, then starts the
// pool. The returned function stops the pool and closes the ledger.
func startWorkers(ctx context.Context, cfg config.Config, workDir, runID string, em *telemetry.Emitter, logger *zap.Logger) (*dist.Controller, func(), error) {
	ledgerPath := under(workDir, cfg.LedgerPath)
	if err := os.MkdirAll(filepath.Dir(ledgerPath), 0o755); err != nil {
		return nil, nil, fmt.Errorf("creating ledger directory: %w", err)
	}
	led, err := ledger.Open(ctx, ledgerPath)
	if err != nil {
		return nil, nil, err
	}

	r := &reaper.Reaper{Ledger: led, Self: os.Getpid(), StaleJob: cfg.StaleJob, Logger: logger}
	actions, err := r.Run(ctx)
	if err != nil {
		logger.Warn("reaping orphaned workers", zap.Error(err))
	}
	for _, a := range actions {
		logger.Info("reaper", zap.String("action", a.Kind), zap.String("details", a.Details))
	}

	var launcher dist.Launcher
	switch cfg.WorkerLauncher {
	case config.LauncherInProcess:
		launcher = dist.InProcessLauncher{Worker: &dist.Worker{Logger: logger}}
	default:
		args := []string{"worker"}
		if cfg.Verbose {
			args = append(args, "--verbose")
		}
		launcher = &dist.ProcessLauncher{
			Args:   args,
			Env:    []string{reaper.EnvRunID + "=" + runID},
			Stderr: os.Stderr,
			Logger: logger,
		}
	}

	wcfg := dist.WorkerConfig{
		RunID:             runID,
		DryRun:            cfg.DryRun,
		ToolkitPath:       cfg.ToolkitPath,
		WorkDir:           workDir,
		Storage:           storageConfig(cfg, workDir),
		HeartbeatInterval: cfg.HeartbeatInterval,
	}
	ctrl := dist.NewController(launcher, cfg.Workers, wcfg,
		dist.WithRecorder(led.Run(runID, os.Getpid())),
		dist.WithTelemetry(em),
		dist.WithLogger(logger),
		dist.WithHeartbeatTimeout(cfg.HeartbeatTimeout),
	)
	if err := ctrl.Start(ctx); err != nil {
		led.Close()
		return nil, nil, err
	}
	return ctrl, func() {
		if err := ctrl.Stop(context.Background()); err != nil {
			logger.Warn("stopping workers", zap.Error(err))
		}
		led.Close()
	}, nil
}

func openTelemetry(workDir, path string) (*telemetry.Emitter, error) {
	if path == "" {
		return nil, nil
	}
	path = under(workDir, path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating telemetry directory: %w", err)
	}
	return telemetry.NewEmitter(path)
}

func storageConfig(cfg config.Config, workDir string) storage.Config {
	sc := cfg.Storage
	if (sc.Kind == "" || sc.Kind == storage.KindFS) && sc.Root == "" {
		sc.Root = workDir
	}
	return sc
}

// resolveWorkDir returns an absolute working directory path.
func resolveWorkDir(workDir string) (string, error) {
	if workDir == "" {
		workDir = "."
	}
	abs, err := filepath.Abs(workDir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve working directory: %w", err)
	}
	return abs, nil
}

// under resolves a relative path against dir.
func under(dir, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(dir, path)
}
