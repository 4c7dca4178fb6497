package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/papapumpkin/calpipe/internal/pipeline"
	"github.com/papapumpkin/calpipe/internal/ui"
)

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Inspect shared-context checkpoints",
}

var checkpointShowCmd = &cobra.Command{
	Use:   "show <path>",
	Short: "Print a checkpoint's stage counter and calibration library",
	Args:  cobra.ExactArgs(1),
	RunE:  runCheckpointShow,
}

func init() {
	checkpointCmd.AddCommand(checkpointShowCmd)
	rootCmd.AddCommand(checkpointCmd)
}

func runCheckpointShow(cmd *cobra.Command, args []string) error {
	path := args[0]
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	pc, err := pipeline.Restore(path)
	if err != nil {
		return err
	}

	d := ui.CheckpointData{
		Path:            path,
		Size:            info.Size(),
		RunID:           pc.RunID(),
		Authoritative:   !pc.NonAuthoritative(),
		StageCounter:    pc.StageCounter(),
		CompletedStages: pc.CompletedStages(),
		Datasets:        pc.Registry().Names(),
	}
	for _, e := range pc.Library().Entries() {
		ce := ui.CheckpointEntry{Selection: e.Selection.String()}
		for _, a := range e.Artifacts {
			line := fmt.Sprintf("%s [%s] %s stage %d", a.Path, a.Interp, a.Job.Function, a.Job.Stage)
			if a.Applied {
				line += " (applied)"
			}
			ce.Artifacts = append(ce.Artifacts, line)
		}
		d.Entries = append(d.Entries, ce)
	}
	ui.NewTo(cmd.OutOrStdout()).CheckpointShow(d)
	return nil
}
