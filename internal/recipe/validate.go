package recipe

import (
	"errors"
	"fmt"
	"slices"

	"github.com/papapumpkin/calpipe/internal/pipeline"
)

// TaskLookup resolves a task kind, as stages.Lookup does.
type TaskLookup func(kind string) (pipeline.Task, error)

// Validate checks a recipe for structural correctness: at least one stage,
// named and unique stages, known task kinds and arguments, no dataset listed
// twice in a stage, a valid failure policy and a non-negative retry count.
func Validate(r *Recipe, lookup TaskLookup) []ValidationError {
	var errs []ValidationError
	add := func(cat ValidationCategory, stage, field string, err error) {
		errs = append(errs, ValidationError{Category: cat, Stage: stage, SourceFile: r.SourceFile, Field: field, Err: err})
	}

	if len(r.Stages) == 0 {
		add(ValCatNoStages, "", "stage", ErrNoStages)
		return errs
	}

	seen := make(map[string]int)
	for i, s := range r.Stages {
		if s.Name == "" {
			add(ValCatMissingField, fmt.Sprintf("#%d", i+1), "name", fmt.Errorf("%w: name", ErrMissingField))
			continue
		}
		if prev, ok := seen[s.Name]; ok {
			add(ValCatDuplicateStage, s.Name, "name", fmt.Errorf("%w: %q already defined as stage #%d", ErrDuplicateStage, s.Name, prev+1))
		}
		seen[s.Name] = i

		switch s.OnFailure {
		case "", PolicyAbort, PolicyContinue:
		default:
			add(ValCatInvalidPolicy, s.Name, "on_failure", fmt.Errorf("%w: %q (want %q or %q)", ErrInvalidPolicy, s.OnFailure, PolicyAbort, PolicyContinue))
		}
		listed := make(map[string]bool, len(s.Datasets))
		for _, ds := range s.Datasets {
			if listed[ds] {
				add(ValCatDuplicateData, s.Name, "datasets", fmt.Errorf("%w: %q", ErrDuplicateDataset, ds))
			}
			listed[ds] = true
		}
		if s.Retries < 0 {
			add(ValCatBoundsViolation, s.Name, "retries", fmt.Errorf("retries must be >= 0, got %d", s.Retries))
		}

		if s.Task == "" {
			add(ValCatMissingField, s.Name, "task", fmt.Errorf("%w: task", ErrMissingField))
			continue
		}
		task, err := lookup(s.Task)
		if err != nil {
			add(ValCatUnknownTask, s.Name, "task", fmt.Errorf("%w: %q", ErrUnknownTask, s.Task))
			continue
		}
		known := make([]string, 0, len(task.Params()))
		for _, p := range task.Params() {
			known = append(known, p.Name)
		}
		for _, name := range sortedKeys(s.Args) {
			if !slices.Contains(known, name) {
				add(ValCatUnknownArg, s.Name, "args."+name, fmt.Errorf("%w: %s does not take %q", ErrUnknownArg, s.Task, name))
			}
		}
	}
	return errs
}

// Err joins validation errors into one error, or returns nil.
func Err(errs []ValidationError) error {
	if len(errs) == 0 {
		return nil
	}
	joined := make([]error, len(errs))
	for i := range errs {
		joined[i] = &errs[i]
	}
	return errors.Join(joined...)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
