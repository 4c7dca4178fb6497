package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/papapumpkin/calpipe/internal/dist"
)

// workerExitGrace is how long a worker whose controller is gone may keep
// running its current job before it exits.
const workerExitGrace = 30 * time.Second

var workerCmd = &cobra.Command{
	Use:    "worker",
	Short:  "Run a worker on stdin/stdout (started by run)",
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE:   runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, _ []string) error {
	verbose, _ := cmd.Flags().GetBool("verbose")
	logger, err := newLogger(verbose)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	logger = logger.With(zap.Int("pid", os.Getpid()))

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := dist.ParentWatch{Logger: logger}.Watch(sigCtx)
	defer cancel()

	// Serve only notices cancellation between jobs and while no read is
	// blocked, so a worker cut off from its controller exits on its own.
	go func() {
		<-ctx.Done()
		time.Sleep(workerExitGrace)
		logger.Warn("controller gone, exiting", zap.Duration("grace", workerExitGrace))
		os.Exit(1)
	}()

	w := &dist.Worker{Logger: logger}
	err = w.Serve(ctx, os.Stdin, os.Stdout)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
