// Package pipeline implements the task lifecycle and the shared context that
// every committed task mutates: the calibration library, the stage counter,
// the result history, and the dataset registry.
package pipeline

import (
	"errors"
	"slices"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/papapumpkin/calpipe/internal/calib"
)

// StageHandle reserves the next stage number for one commit.
type StageHandle struct {
	Number int
}

// Context is the controller-owned shared state of one pipeline run. Commit is
// the only path that changes the library, history, or stage counter. Workers
// never hold a Context.
type Context struct {
	mu sync.Mutex

	runID            string
	library          *calib.Library
	counter          int
	history          []*Results
	registry         *Registry
	completed        []string
	dryRun           bool
	nonAuthoritative bool
	logger           *zap.Logger
}

// ContextOption configures a Context.
type ContextOption func(*Context)

// WithDryRun marks the context as running in dry-run mode.
func WithDryRun(dry bool) ContextOption {
	return func(c *Context) { c.dryRun = dry }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) ContextOption {
	return func(c *Context) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithRunID overrides the generated run ID.
func WithRunID(id string) ContextOption {
	return func(c *Context) { c.runID = id }
}

// NewContext initializes the shared state for a pipeline run.
func NewContext(reg *Registry, opts ...ContextOption) *Context {
	if reg == nil {
		reg, _ = NewRegistry()
	}
	c := &Context{
		runID:    uuid.NewString(),
		library:  calib.NewLibrary(),
		registry: reg,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RunID identifies the pipeline run.
func (c *Context) RunID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runID
}

// Registry returns the read-only dataset registry.
func (c *Context) Registry() *Registry {
	return c.registry
}

// StageCounter returns the number of committed stages.
func (c *Context) StageCounter() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counter
}

// DryRun reports whether the context holds dry-run state.
func (c *Context) DryRun() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dryRun
}

// NonAuthoritative reports whether the context was restored from a dry-run
// checkpoint and has not been discarded since.
func (c *Context) NonAuthoritative() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nonAuthoritative
}

// History returns copies of the committed results, indexed by stage number - 1.
func (c *Context) History() []*Results {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Results, len(c.history))
	for i, r := range c.history {
		out[i] = r.Clone()
	}
	return out
}

// Library returns a snapshot of the calibration library.
func (c *Context) Library() *calib.Library {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.library.Clone()
}

// Applicable queries the library for artifacts applicable to sel.
func (c *Context) Applicable(sel calib.Selection) []calib.Artifact {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.library.Applicable(sel)
}

// CompletedStages returns the recipe stages fully processed so far.
func (c *Context) CompletedStages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.completed)
}

// MarkStageComplete records a recipe stage as fully processed.
func (c *Context) MarkStageComplete(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !slices.Contains(c.completed, name) {
		c.completed = append(c.completed, name)
	}
}

// BeginStage allocates the next stage number. It does not touch the library.
func (c *Context) BeginStage() StageHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return StageHandle{Number: c.counter + 1}
}

// Commit appends res to the history at h's number, registers its final
// artifacts, applies its applied-artifact marks, and advances the stage
// counter. On any failure nothing changes and a *CommitError is returned.
func (c *Context) Commit(h StageHandle, res *Results) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	fail := func(artifact string, err error) error {
		cerr := &CommitError{Stage: h.Number, Task: res.Task, Dataset: res.Dataset, Artifact: artifact, Err: err}
		c.logger.Warn("commit rejected",
			zap.Int("stage_number", h.Number),
			zap.String("task", res.Task),
			zap.String("dataset", res.Dataset),
			zap.Error(err))
		return cerr
	}

	if res.Stage != 0 {
		return fail("", ErrAlreadyCommitted)
	}
	if c.nonAuthoritative && !res.DryRun {
		return fail("", ErrNonAuthoritative)
	}
	if h.Number != c.counter+1 {
		return fail("", ErrStaleStage)
	}

	lib := c.library.Clone()
	if err := lib.AddAll(res.Entries()); err != nil {
		var dup *calib.DuplicateArtifactError
		if errors.As(err, &dup) {
			return fail(dup.Path, err)
		}
		return fail("", err)
	}
	if len(res.Applied) > 0 {
		if err := lib.MarkApplied(res.Applied); err != nil {
			return fail("", err)
		}
	}

	committed := res.Clone()
	committed.Stage = h.Number
	c.library = lib
	c.history = append(c.history, committed)
	c.counter = h.Number
	if res.DryRun {
		c.dryRun = true
	}
	res.Stage = h.Number

	c.logger.Debug("stage committed",
		zap.Int("stage_number", h.Number),
		zap.String("task", res.Task),
		zap.String("dataset", res.Dataset),
		zap.Int("artifacts", len(res.Final)))
	return nil
}

// Invalidate removes library entries wholly contained in pattern so a stage
// can be rerun. When stage is not empty only entries produced by that recipe
// stage are removed; entries other stages registered survive. It returns the
// number of entries removed.
func (c *Context) Invalidate(pattern calib.Selection, stage string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	var match func(calib.Artifact) bool
	if stage != "" {
		match = func(a calib.Artifact) bool { return a.Job.StageName == stage }
	}
	n := c.library.InvalidateWhere(pattern, match)
	if n > 0 {
		c.logger.Info("invalidated calibration entries",
			zap.String("pattern", pattern.String()),
			zap.String("stage", stage),
			zap.Int("entries", n))
	}
	return n
}

// DiscardDryRun drops the state restored from a dry-run checkpoint so real
// results can be committed. The dataset registry is kept.
func (c *Context) DiscardDryRun() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.nonAuthoritative {
		return
	}
	c.library = calib.NewLibrary()
	c.history = nil
	c.counter = 0
	c.completed = nil
	c.dryRun = false
	c.nonAuthoritative = false
	c.runID = uuid.NewString()
}
