package pipeline

import (
	"maps"
	"slices"

	"github.com/papapumpkin/calpipe/internal/calib"
	"github.com/papapumpkin/calpipe/internal/toolkit"
)

// ErrorKind classifies an error-set entry.
type ErrorKind string

const (
	// ErrorKindToolkit is a failed toolkit job.
	ErrorKindToolkit ErrorKind = "toolkit"
	// ErrorKindMissingArtifact is a pending artifact absent from durable storage.
	ErrorKindMissingArtifact ErrorKind = "missing_artifact"
	// ErrorKindStorage is a storage error while verifying an artifact.
	ErrorKindStorage ErrorKind = "storage"
	// ErrorKindWorkerLost means the job's true outcome is unknown.
	ErrorKindWorkerLost ErrorKind = "worker_lost"
	// ErrorKindInternal is a contract violation inside a task.
	ErrorKindInternal ErrorKind = "internal"
)

// ResultError is one entry of a Results error set.
type ResultError struct {
	Kind    ErrorKind `toml:"kind" json:"kind"`
	Path    string    `toml:"path,omitempty" json:"path,omitempty"`
	Message string    `toml:"message" json:"message"`
}

// Results is the outcome of one task instance. It is merged into the context
// whole or not at all.
type Results struct {
	Task      string           `toml:"task" json:"task"`
	StageName string           `toml:"stage_name" json:"stage_name"`
	Dataset   string           `toml:"dataset,omitempty" json:"dataset,omitempty"`
	Stage     int              `toml:"stage" json:"stage"`
	DryRun    bool             `toml:"dry_run" json:"dry_run"`
	Pending   []calib.Artifact `toml:"pending,omitempty" json:"pending,omitempty"`
	Final     []calib.Artifact `toml:"final,omitempty" json:"final,omitempty"`
	Errors    []ResultError    `toml:"errors,omitempty" json:"errors,omitempty"`
	Applied   []string         `toml:"applied,omitempty" json:"applied,omitempty"`
	Records   []toolkit.Record `toml:"-" json:"records,omitempty"`
}

// NewResults returns empty Results for the given inputs.
func NewResults(in Inputs) *Results {
	return &Results{
		Task:      in.Kind,
		StageName: in.StageName,
		Dataset:   in.Dataset,
		DryRun:    in.DryRun,
	}
}

// AddPending appends a candidate artifact.
func (r *Results) AddPending(a calib.Artifact) {
	r.Pending = append(r.Pending, a)
}

// RecordToolkitError converts a failed toolkit job into an error-set entry.
func (r *Results) RecordToolkitError(e *ToolkitJobError) {
	r.Errors = append(r.Errors, ResultError{Kind: ErrorKindToolkit, Message: e.Error()})
}

// AddError appends an error-set entry.
func (r *Results) AddError(kind ErrorKind, path, msg string) {
	r.Errors = append(r.Errors, ResultError{Kind: kind, Path: path, Message: msg})
}

// Failed reports whether the error set is non-empty.
func (r *Results) Failed() bool {
	return len(r.Errors) > 0
}

// OnlyToolkitErrors reports whether every error is a toolkit failure. Such
// results are safe to retry.
func (r *Results) OnlyToolkitErrors() bool {
	if len(r.Errors) == 0 {
		return false
	}
	for _, e := range r.Errors {
		if e.Kind != ErrorKindToolkit {
			return false
		}
	}
	return true
}

// ErrorKinds returns the distinct error kinds in first-seen order.
func (r *Results) ErrorKinds() []ErrorKind {
	var kinds []ErrorKind
	for _, e := range r.Errors {
		if !slices.Contains(kinds, e.Kind) {
			kinds = append(kinds, e.Kind)
		}
	}
	return kinds
}

// Entries groups Final into library entries; consecutive artifacts with the
// same target selection share one entry.
func (r *Results) Entries() []calib.Entry {
	var entries []calib.Entry
	for _, a := range r.Final {
		if n := len(entries); n > 0 && entries[n-1].Selection.Equal(a.Target) {
			entries[n-1].Artifacts = append(entries[n-1].Artifacts, a)
			continue
		}
		entries = append(entries, calib.Entry{Selection: a.Target, Artifacts: []calib.Artifact{a}})
	}
	return entries
}

// Clone returns a deep copy.
func (r *Results) Clone() *Results {
	c := *r
	c.Pending = cloneArtifacts(r.Pending)
	c.Final = cloneArtifacts(r.Final)
	c.Errors = slices.Clone(r.Errors)
	c.Applied = slices.Clone(r.Applied)
	if r.Records != nil {
		c.Records = make([]toolkit.Record, len(r.Records))
		for i, rec := range r.Records {
			c.Records[i] = maps.Clone(rec)
		}
	}
	return &c
}

func cloneArtifacts(in []calib.Artifact) []calib.Artifact {
	if in == nil {
		return nil
	}
	out := make([]calib.Artifact, len(in))
	for i, a := range in {
		out[i] = a.Clone()
	}
	return out
}
