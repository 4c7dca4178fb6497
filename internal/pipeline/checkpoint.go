package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	toml "github.com/pelletier/go-toml/v2"
	"go.uber.org/zap"

	"github.com/papapumpkin/calpipe/internal/calib"
	"github.com/papapumpkin/calpipe/internal/toolkit"
)

// CheckpointVersion is the checkpoint schema version written by this build.
const CheckpointVersion = 2

// checkpointDoc is the TOML layout of a checkpoint file.
type checkpointDoc struct {
	Version         int           `toml:"version"`
	RunID           string        `toml:"run_id"`
	WrittenAt       time.Time     `toml:"written_at"`
	Authoritative   bool          `toml:"authoritative"`
	StageCounter    int           `toml:"stage_counter"`
	CompletedStages []string      `toml:"completed_stages"`
	Datasets        []DatasetMeta `toml:"datasets"`
	Entries         []calib.Entry `toml:"entries"`
	History         []historyDoc  `toml:"history"`
}

// historyDoc is one committed Results. Toolkit records are stored as JSON
// documents: TOML has no null, and records are opaque toolkit output.
type historyDoc struct {
	Results *Results `toml:"results"`
	Records []string `toml:"records,omitempty"`
}

func encodeHistory(r *Results) (historyDoc, error) {
	h := historyDoc{Results: r}
	for _, rec := range r.Records {
		b, err := json.Marshal(rec)
		if err != nil {
			return historyDoc{}, fmt.Errorf("stage %d: encoding toolkit record: %w", r.Stage, err)
		}
		h.Records = append(h.Records, string(b))
	}
	return h, nil
}

func (h historyDoc) decode() (*Results, error) {
	r := h.Results
	for _, s := range h.Records {
		var rec toolkit.Record
		if err := json.Unmarshal([]byte(s), &rec); err != nil {
			return nil, err
		}
		r.Records = append(r.Records, rec)
	}
	return r, nil
}

// Checkpoint writes the full context to path atomically (write temp + rename).
// Checkpoints of dry-run state are marked non-authoritative.
func (c *Context) Checkpoint(path string) error {
	c.mu.Lock()
	doc := checkpointDoc{
		Version:         CheckpointVersion,
		RunID:           c.runID,
		WrittenAt:       time.Now().UTC(),
		Authoritative:   !c.dryRun && !c.nonAuthoritative,
		StageCounter:    c.counter,
		CompletedStages: append([]string(nil), c.completed...),
		Datasets:        c.registry.Metas(),
		Entries:         c.library.Entries(),
		History:         make([]historyDoc, len(c.history)),
	}
	var encErr error
	for i, r := range c.history {
		if doc.History[i], encErr = encodeHistory(r.Clone()); encErr != nil {
			break
		}
	}
	c.mu.Unlock()
	if encErr != nil {
		return fmt.Errorf("marshaling checkpoint: %w", encErr)
	}

	data, err := toml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshaling checkpoint: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating checkpoint directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing temp checkpoint file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("renaming checkpoint file: %w", err)
	}

	c.logger.Info("checkpoint written",
		zap.String("path", path),
		zap.Int("stage_counter", doc.StageCounter),
		zap.Bool("authoritative", doc.Authoritative),
		zap.String("size", humanize.Bytes(uint64(len(data)))))
	return nil
}

// Restore rebuilds a context from a checkpoint file. A checkpoint whose stage
// counter disagrees with its history is rejected as corrupt. A dry-run
// checkpoint restores as non-authoritative: real results cannot be committed
// until DiscardDryRun is called.
func Restore(path string, opts ...ContextOption) (*Context, error) {
	corrupt := func(reason string, err error) error {
		return &CorruptCheckpointError{Path: path, Reason: reason, Err: err}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading checkpoint: %w", err)
	}
	var doc checkpointDoc
	if err := toml.Unmarshal(data, &doc); err != nil {
		return nil, corrupt("unparseable", err)
	}
	if doc.Version != CheckpointVersion {
		return nil, corrupt(fmt.Sprintf("unsupported version %d", doc.Version), nil)
	}
	if doc.StageCounter != len(doc.History) {
		return nil, corrupt(fmt.Sprintf("stage counter %d does not match %d history entries", doc.StageCounter, len(doc.History)), nil)
	}
	history := make([]*Results, len(doc.History))
	for i, h := range doc.History {
		if h.Results == nil || h.Results.Stage != i+1 {
			return nil, corrupt(fmt.Sprintf("history entry %d is out of sequence", i+1), nil)
		}
		r, err := h.decode()
		if err != nil {
			return nil, corrupt(fmt.Sprintf("history entry %d records", i+1), err)
		}
		history[i] = r
	}

	reg, err := NewRegistry(doc.Datasets...)
	if err != nil {
		return nil, corrupt("dataset registry", err)
	}
	lib, err := calib.FromEntries(doc.Entries)
	if err != nil {
		return nil, corrupt("calibration library", err)
	}

	c := NewContext(reg, opts...)
	c.runID = doc.RunID
	c.library = lib
	c.history = history
	c.counter = doc.StageCounter
	c.completed = doc.CompletedStages
	c.nonAuthoritative = !doc.Authoritative

	c.logger.Info("checkpoint restored",
		zap.String("path", path),
		zap.Int("stage_counter", c.counter),
		zap.Bool("authoritative", doc.Authoritative))
	return c, nil
}
