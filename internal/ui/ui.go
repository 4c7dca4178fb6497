// Package ui prints operator-facing progress and summaries to stderr.
package ui

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/papapumpkin/calpipe/internal/ansi"
)

// Printer writes styled output for a pipeline run.
type Printer struct {
	w io.Writer
}

// New returns a printer writing to stderr.
func New() *Printer {
	return &Printer{w: os.Stderr}
}

// NewTo returns a printer writing to w.
func NewTo(w io.Writer) *Printer {
	return &Printer{w: w}
}

func (p *Printer) Banner(recipe string, datasets int, dryRun bool) {
	mode := ""
	if dryRun {
		mode = ansi.Yellow + " (dry run)" + ansi.Reset
	}
	fmt.Fprintf(p.w, ansi.Bold+ansi.Cyan+"calpipe"+ansi.Reset+" %s "+ansi.Dim+"on %d dataset(s)"+ansi.Reset+"%s\n", recipe, datasets, mode)
}

func (p *Printer) Info(msg string) {
	fmt.Fprintf(p.w, ansi.Dim+"%s"+ansi.Reset+"\n", msg)
}

func (p *Printer) Error(msg string) {
	fmt.Fprintf(p.w, ansi.Red+ansi.Bold+"error: "+ansi.Reset+"%s\n", msg)
}

func (p *Printer) StageStart(index, total int, name, task string) {
	fmt.Fprintf(p.w, "\n"+ansi.Bold+ansi.Magenta+"── stage %d/%d: %s"+ansi.Reset+ansi.Dim+" (%s)"+ansi.Reset+"\n", index, total, name, task)
}

func (p *Printer) StageSkipped(name string) {
	fmt.Fprintf(p.w, ansi.Dim+"- %s already completed, skipping"+ansi.Reset+"\n", name)
}

func (p *Printer) StopRequested() {
	fmt.Fprintln(p.w, ansi.Yellow+ansi.Bold+"■ STOP file found"+ansi.Reset+" — stopping after the current stage")
}

// DatasetFailure is one failed dataset in a stage summary.
type DatasetFailure struct {
	Dataset string
	Kind    string
	Message string
}

// StageSummaryData holds what a stage summary shows. It lives in the ui
// package to avoid importing the driver.
type StageSummaryData struct {
	Name        string
	Task        string
	Succeeded   []string
	Failed      []DatasetFailure
	Retried     int
	Invalidated int
	Elapsed     time.Duration
	Fatal       bool
}

// StageSummary prints per-stage job counts and each failed dataset with its
// error kind.
func (p *Printer) StageSummary(d StageSummaryData) {
	total := len(d.Succeeded) + len(d.Failed)
	mark, color := "✓", ansi.Green
	switch {
	case d.Fatal:
		mark, color = "✗", ansi.Red
	case len(d.Failed) > 0:
		mark, color = "!", ansi.Yellow
	}
	fmt.Fprintf(p.w, color+ansi.Bold+"%s %s"+ansi.Reset+" — %d/%d dataset(s) succeeded"+ansi.Dim+" (%s)"+ansi.Reset+"\n",
		mark, d.Name, len(d.Succeeded), total, d.Elapsed.Round(time.Millisecond))
	if d.Invalidated > 0 {
		fmt.Fprintf(p.w, ansi.Dim+"  invalidated %d calibration entr%s before rerun"+ansi.Reset+"\n", d.Invalidated, plural(d.Invalidated, "y", "ies"))
	}
	if d.Retried > 0 {
		fmt.Fprintf(p.w, ansi.Dim+"  retried %d job(s)"+ansi.Reset+"\n", d.Retried)
	}
	for _, f := range d.Failed {
		fmt.Fprintf(p.w, "  "+ansi.Red+"• %-16s"+ansi.Reset+" %-16s %s\n", f.Dataset, f.Kind, f.Message)
	}
}

// RunSummary prints the closing line of a run.
func (p *Printer) RunSummary(stages, skipped int, elapsed time.Duration, err error) {
	if err != nil {
		fmt.Fprintf(p.w, "\n"+ansi.Red+ansi.Bold+"✗ run failed"+ansi.Reset+" after %s: %v\n", elapsed.Round(time.Second), err)
		return
	}
	fmt.Fprintf(p.w, "\n"+ansi.Green+ansi.Bold+"✓ run complete"+ansi.Reset+" — %d stage(s) run, %d skipped in %s\n", stages, skipped, elapsed.Round(time.Second))
}

// ValidateResult prints the outcome of recipe validation.
func (p *Printer) ValidateResult(name string, stageCount int, errs []error) {
	if len(errs) == 0 {
		fmt.Fprintf(p.w, ansi.Green+ansi.Bold+"✓ recipe %q"+ansi.Reset+" — %d stage(s), no errors\n", name, stageCount)
		return
	}
	fmt.Fprintf(p.w, ansi.Red+ansi.Bold+"✗ recipe %q"+ansi.Reset+" — %d error(s):\n", name, len(errs))
	for _, e := range errs {
		fmt.Fprintf(p.w, "  "+ansi.Red+"• "+ansi.Reset+"%s\n", e.Error())
	}
}

// CheckpointData is what `checkpoint show` prints.
type CheckpointData struct {
	Path            string
	Size            int64
	RunID           string
	Authoritative   bool
	StageCounter    int
	CompletedStages []string
	Datasets        []string
	Entries         []CheckpointEntry
}

// CheckpointEntry is one calibration library entry.
type CheckpointEntry struct {
	Selection string
	Artifacts []string
}

// CheckpointShow prints a checkpoint's header and calibration library.
func (p *Printer) CheckpointShow(d CheckpointData) {
	fmt.Fprintf(p.w, ansi.Bold+ansi.Cyan+"checkpoint: %s"+ansi.Reset+ansi.Dim+" (%s)"+ansi.Reset+"\n", d.Path, humanize.Bytes(uint64(d.Size)))
	auth := ansi.Green + "yes" + ansi.Reset
	if !d.Authoritative {
		auth = ansi.Yellow + "no (dry run)" + ansi.Reset
	}
	fmt.Fprintf(p.w, "  run:           %s\n", d.RunID)
	fmt.Fprintf(p.w, "  authoritative: %s\n", auth)
	fmt.Fprintf(p.w, "  stage counter: %d\n", d.StageCounter)
	fmt.Fprintf(p.w, "  completed:     %s\n", orNone(strings.Join(d.CompletedStages, ", ")))
	fmt.Fprintf(p.w, "  datasets:      %s\n", orNone(strings.Join(d.Datasets, ", ")))
	fmt.Fprintf(p.w, "\n"+ansi.Bold+"calibration library:"+ansi.Reset+" %d entr%s\n", len(d.Entries), plural(len(d.Entries), "y", "ies"))
	for _, e := range d.Entries {
		fmt.Fprintf(p.w, "  %s\n", e.Selection)
		for i, a := range e.Artifacts {
			fmt.Fprintf(p.w, "    "+ansi.Dim+"%d."+ansi.Reset+" %s\n", i+1, a)
		}
	}
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}

func orNone(s string) string {
	if s == "" {
		return ansi.Dim + "(none)" + ansi.Reset
	}
	return s
}
