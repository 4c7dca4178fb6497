package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/papapumpkin/calpipe/internal/config"
	"github.com/papapumpkin/calpipe/internal/telemetry"
)

var telemetryCmd = &cobra.Command{
	Use:   "telemetry [path]",
	Short: "View the JSONL telemetry events of a run",
	Long: `Reads and formats the JSONL telemetry file. Without a path, reads the
configured telemetry_path.
With --follow (-f), watches the file for new events (like tail -f).`,
	Args: cobra.MaximumNArgs(1),
	RunE: runTelemetry,
}

func init() {
	telemetryCmd.Flags().BoolP("follow", "f", false, "follow the file for new events")
	telemetryCmd.Flags().String("run", "", "only show events of this run ID")
	rootCmd.AddCommand(telemetryCmd)
}

func runTelemetry(cmd *cobra.Command, args []string) error {
	follow, _ := cmd.Flags().GetBool("follow")
	runID, _ := cmd.Flags().GetString("run")

	path, err := resolveTelemetryPath(args)
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	show := func(evt telemetry.Event) error {
		if runID == "" || evt.RunID == runID {
			printEvent(w, evt)
		}
		return nil
	}

	if follow {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return telemetry.Follow(ctx, path, show)
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("telemetry: open %s: %w", path, err)
	}
	defer f.Close()
	return telemetry.Decode(f, show)
}

// resolveTelemetryPath returns the explicit path or the configured one.
func resolveTelemetryPath(args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	cfg, err := config.Load()
	if err != nil {
		return "", err
	}
	workDir, err := resolveWorkDir(cfg.WorkDir)
	if err != nil {
		return "", err
	}
	return under(workDir, cfg.TelemetryPath), nil
}

// printEvent prints a human-readable representation of one event.
func printEvent(w io.Writer, evt telemetry.Event) {
	ts := evt.Timestamp.Local().Format(time.TimeOnly)
	var parts []string
	parts = append(parts, fmt.Sprintf("[%s]", ts))
	parts = append(parts, evt.Kind)

	if evt.Stage != "" {
		parts = append(parts, fmt.Sprintf("stage=%s", evt.Stage))
	}
	if evt.Dataset != "" {
		parts = append(parts, fmt.Sprintf("dataset=%s", evt.Dataset))
	}
	if evt.Data != nil {
		if m, ok := evt.Data.(map[string]any); ok {
			parts = append(parts, formatDataMap(m))
		} else {
			data, _ := json.Marshal(evt.Data)
			parts = append(parts, string(data))
		}
	}

	fmt.Fprintln(w, strings.Join(parts, " "))
}

// formatDataMap formats a data map as key=value pairs sorted by key.
func formatDataMap(m map[string]any) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%s=%v", k, m[k])
	}
	return b.String()
}
